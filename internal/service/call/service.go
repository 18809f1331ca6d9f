// Package call drives the call lifecycle state machine: initiation,
// ringing, multi-party join/leave and termination. It combines guarded
// call record mutations with signaling exchange and the media session,
// and emits lifecycle events for the UI layer.
//
// The service is single-call: one call at a time per agent. Idle is the
// resting state; Ended and Failed are momentary outcomes reported as
// events before the service returns to Idle.
package call

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"secureconnect-callkit/internal/domain"
	"secureconnect-callkit/internal/feed"
	"secureconnect-callkit/internal/media"
	"secureconnect-callkit/internal/signaling"
	apperrors "secureconnect-callkit/pkg/errors"
	"secureconnect-callkit/pkg/logger"
	"secureconnect-callkit/pkg/metrics"
)

// State is the orchestrator's local lifecycle state
type State string

const (
	StateIdle       State = "idle"
	StateInitiating State = "initiating"
	StateRinging    State = "ringing"
	StateActive     State = "active"
)

// RecordStore is the call record store surface the orchestrator needs.
// *callstore.Store satisfies it.
type RecordStore interface {
	CreateCall(ctx context.Context, conversationID, callerID uuid.UUID, callType domain.CallType) (*domain.Call, error)
	InsertParticipants(ctx context.Context, callID uuid.UUID, userIDs []uuid.UUID, initial domain.ParticipantStatus) ([]domain.CallParticipant, error)
	UpdateCallStatus(ctx context.Context, callID uuid.UUID, status domain.CallStatus) (*domain.Call, error)
	UpdateParticipantStatus(ctx context.Context, callID, userID uuid.UUID, status domain.ParticipantStatus) (*domain.CallParticipant, error)
	GetCall(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
	GetParticipants(ctx context.Context, callID uuid.UUID) ([]domain.CallParticipant, error)
	ActiveCallForConversation(ctx context.Context, conversationID uuid.UUID) (*domain.Call, error)
}

// Service orchestrates one call at a time for the local user
type Service struct {
	userID    uuid.UUID
	store     RecordStore
	feed      feed.Feed
	transport signaling.Transport
	capturer  media.Capturer
	peers     media.PeerFactory
	metrics   *metrics.Metrics

	mu         sync.Mutex
	state      State
	ending     bool
	call       *domain.Call
	session    *media.Session
	channel    *signaling.Channel
	cancels    []feed.CancelFunc
	runCtx     context.Context
	callCancel context.CancelFunc
	// offered tracks remotes we already negotiated with, so a joined
	// event and a racing offer do not produce duplicate offers (glare)
	offered map[uuid.UUID]bool

	onRemoteStream func(media.RemoteStream)
	events         chan domain.CallEvent
}

// NewService creates an idle call orchestrator for the given local user
func NewService(userID uuid.UUID, store RecordStore, fd feed.Feed, transport signaling.Transport, capturer media.Capturer, peers media.PeerFactory, m *metrics.Metrics) *Service {
	return &Service{
		userID:    userID,
		store:     store,
		feed:      fd,
		transport: transport,
		capturer:  capturer,
		peers:     peers,
		metrics:   m,
		state:     StateIdle,
		offered:   make(map[uuid.UUID]bool),
		events:    make(chan domain.CallEvent, 64),
	}
}

// Events is the UI-facing lifecycle event stream. Events are dropped if
// the consumer falls more than the buffer behind.
func (s *Service) Events() <-chan domain.CallEvent {
	return s.events
}

// OnRemoteStream registers the handler for remote media arriving during
// any call. Applies to calls started after registration.
func (s *Service) OnRemoteStream(h func(media.RemoteStream)) {
	s.mu.Lock()
	s.onRemoteStream = h
	s.mu.Unlock()
}

// State returns the current lifecycle state
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CurrentCall returns the call in progress, or nil when idle
func (s *Service) CurrentCall() *domain.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == nil {
		return nil
	}
	c := *s.call
	return &c
}

// Initiate starts a new call in a conversation. The call record is
// created with status ringing, the caller's participant row is joined
// and every callee is invited. A participant insert failing after the
// record exists marks the call ended immediately, so no orphaned
// ringing record is left behind.
func (s *Service) Initiate(ctx context.Context, conversationID uuid.UUID, calleeIDs []uuid.UUID, callType domain.CallType) (*domain.Call, error) {
	if !callType.Valid() {
		return nil, apperrors.InvalidInputError("invalid call type " + string(callType))
	}
	if len(calleeIDs) == 0 {
		return nil, apperrors.InvalidInputError("call needs at least one callee")
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil, apperrors.InvalidInputError("another call is already in progress")
	}
	s.state = StateInitiating
	s.mu.Unlock()

	// One ringing/active call per conversation, application-enforced
	existing, err := s.store.ActiveCallForConversation(ctx, conversationID)
	if err != nil {
		s.resetIdle()
		return nil, err
	}
	if existing != nil {
		s.resetIdle()
		return nil, apperrors.InvalidInputError("conversation already has a call in progress")
	}

	call, err := s.store.CreateCall(ctx, conversationID, s.userID, callType)
	if err != nil {
		s.recordFailure(callType, "record_write")
		s.resetIdle()
		return nil, err
	}

	if _, err := s.store.InsertParticipants(ctx, call.CallID, []uuid.UUID{s.userID}, domain.ParticipantStatusJoined); err != nil {
		s.compensateInitiate(ctx, call)
		s.recordFailure(callType, "record_write")
		s.resetIdle()
		return nil, err
	}
	if _, err := s.store.InsertParticipants(ctx, call.CallID, calleeIDs, domain.ParticipantStatusInvited); err != nil {
		s.compensateInitiate(ctx, call)
		s.recordFailure(callType, "record_write")
		s.resetIdle()
		return nil, err
	}

	if err := s.attach(ctx, call); err != nil {
		s.compensateInitiate(ctx, call)
		s.recordFailure(callType, failureReason(err))
		s.finishLocal(domain.EventError, err)
		return nil, err
	}

	s.mu.Lock()
	s.state = StateRinging
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordCall(string(callType), "initiated")
		s.metrics.SetActiveCalls(1)
	}
	logger.Info("Call initiated",
		zap.String("call_id", call.CallID.String()),
		zap.String("conversation_id", conversationID.String()),
		zap.String("call_type", string(callType)),
		zap.Int("callees", len(calleeIDs)))

	s.emit(domain.EventRinging, call.CallID, uuid.Nil, nil)
	return call, nil
}

// compensateInitiate marks a partially created call ended so other
// clients never ring for it
func (s *Service) compensateInitiate(ctx context.Context, call *domain.Call) {
	if _, err := s.store.UpdateCallStatus(ctx, call.CallID, domain.CallStatusEnded); err != nil &&
		!apperrors.IsCode(err, apperrors.ErrCodeStaleState) {
		logger.Error("Failed to compensate partial call",
			zap.String("call_id", call.CallID.String()),
			zap.Error(err))
	}
}

// Accept joins an incoming call: the local participant row moves
// invited -> joined, the call moves to active, and the joiner opens
// negotiation with every already-joined participant (mesh). Accepting a
// call that ended while the accept was in flight self-corrects by
// leaving again and reports a stale-state conflict.
func (s *Service) Accept(ctx context.Context, callID uuid.UUID) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return apperrors.InvalidInputError("another call is already in progress")
	}
	s.state = StateInitiating
	s.mu.Unlock()

	call, err := s.store.GetCall(ctx, callID)
	if err != nil {
		s.resetIdle()
		return err
	}
	if call.Status.Terminal() {
		s.resetIdle()
		return apperrors.StaleStateError("call already " + string(call.Status))
	}

	s.emit(domain.EventConnecting, callID, uuid.Nil, nil)

	// Media and signaling come up before the joined row is written:
	// announcing presence first would let peers send offers nobody is
	// subscribed to receive yet
	if err := s.attach(ctx, call); err != nil {
		s.recordFailure(call.CallType, failureReason(err))
		s.finishLocal(domain.EventError, err)
		return err
	}

	if _, err := s.store.UpdateParticipantStatus(ctx, callID, s.userID, domain.ParticipantStatusJoined); err != nil {
		s.recordFailure(call.CallType, failureReason(err))
		s.finishLocal(domain.EventError, err)
		return err
	}

	if _, err := s.store.UpdateCallStatus(ctx, callID, domain.CallStatusActive); err != nil {
		// The joined row is already committed and this client is going
		// away; undo the join whatever the failure was, so no ghost
		// participant is left counting toward the call
		if _, leaveErr := s.store.UpdateParticipantStatus(ctx, callID, s.userID, domain.ParticipantStatusLeft); leaveErr != nil &&
			!apperrors.IsCode(leaveErr, apperrors.ErrCodeStaleState) {
			logger.Warn("Failed to undo join on failed activation",
				zap.String("call_id", callID.String()),
				zap.Error(leaveErr))
		}
		s.finishLocal(domain.EventError, err)
		return err
	}

	s.mu.Lock()
	s.state = StateActive
	if s.call != nil {
		s.call.Status = domain.CallStatusActive
	}
	callCtx := s.callCtxLocked()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordCall(string(call.CallType), "joined")
		s.metrics.SetActiveCalls(1)
	}
	s.emit(domain.EventActive, callID, uuid.Nil, nil)

	// Mesh: the newcomer offers to every already-joined participant
	participants, err := s.store.GetParticipants(ctx, callID)
	if err != nil {
		logger.Warn("Failed to list participants for negotiation",
			zap.String("call_id", callID.String()),
			zap.Error(err))
		return nil
	}
	for i := range participants {
		p := &participants[i]
		if p.UserID == s.userID || !p.Active() {
			continue
		}
		s.negotiate(callCtx, p.UserID)
	}
	return nil
}

// Reject declines an incoming call. Only the local participant row
// changes; the shared call status is never touched by a reject.
func (s *Service) Reject(ctx context.Context, callID uuid.UUID) error {
	_, err := s.store.UpdateParticipantStatus(ctx, callID, s.userID, domain.ParticipantStatusRejected)
	if err != nil && !apperrors.IsCode(err, apperrors.ErrCodeStaleState) {
		return err
	}
	logger.Info("Call rejected", zap.String("call_id", callID.String()))
	return nil
}

// End leaves the current call. The local participant row moves to left;
// the last active participant leaving marks the whole call ended. Safe
// to call from several paths at once (hangup button, unmount, remote
// end racing in): only the first caller performs the store writes.
func (s *Service) End(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateIdle || s.ending {
		s.mu.Unlock()
		return nil
	}
	s.ending = true
	call := *s.call
	s.mu.Unlock()

	if _, err := s.store.UpdateParticipantStatus(ctx, call.CallID, s.userID, domain.ParticipantStatusLeft); err != nil &&
		!apperrors.IsCode(err, apperrors.ErrCodeStaleState) {
		logger.Warn("Failed to mark own participant row left",
			zap.String("call_id", call.CallID.String()),
			zap.Error(err))
	}

	remaining := 0
	participants, err := s.store.GetParticipants(ctx, call.CallID)
	if err != nil {
		logger.Warn("Failed to count remaining participants",
			zap.String("call_id", call.CallID.String()),
			zap.Error(err))
	} else {
		for i := range participants {
			if participants[i].UserID != s.userID && participants[i].Active() {
				remaining++
			}
		}
	}

	if err == nil && remaining == 0 {
		if _, err := s.store.UpdateCallStatus(ctx, call.CallID, domain.CallStatusEnded); err != nil &&
			!apperrors.IsCode(err, apperrors.ErrCodeStaleState) {
			logger.Warn("Failed to mark call ended",
				zap.String("call_id", call.CallID.String()),
				zap.Error(err))
		}
	}

	logger.Info("Left call",
		zap.String("call_id", call.CallID.String()),
		zap.Int("remaining", remaining))
	s.finishLocal(domain.EventEnded, nil)
	return nil
}

// ToggleAudio flips the local audio mute state and tells the other
// participants; returns the resulting enabled state
func (s *Service) ToggleAudio(ctx context.Context) (bool, error) {
	return s.toggle(ctx, domain.SignalTypeMuteAudio)
}

// ToggleVideo flips the local video state and tells the other
// participants; returns the resulting enabled state
func (s *Service) ToggleVideo(ctx context.Context) (bool, error) {
	return s.toggle(ctx, domain.SignalTypeMuteVideo)
}

func (s *Service) toggle(ctx context.Context, signal domain.SignalType) (bool, error) {
	s.mu.Lock()
	session := s.session
	channel := s.channel
	s.mu.Unlock()

	if session == nil {
		return false, apperrors.InvalidInputError("no call in progress")
	}

	var enabled bool
	if signal == domain.SignalTypeMuteAudio {
		enabled = session.ToggleAudio()
	} else {
		enabled = session.ToggleVideo()
	}

	// Best-effort notification; local state is already flipped
	if channel != nil {
		if err := channel.Broadcast(ctx, domain.SignalingMessage{Type: signal, Muted: !enabled}); err != nil {
			logger.Warn("Failed to broadcast mute state", zap.Error(err))
		}
	}
	return enabled, nil
}

// LocalStream returns the capture stream of the current call, or nil
func (s *Service) LocalStream() media.LocalStream {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.LocalStream()
}

// AudioEnabled reports the local audio state of the current call
func (s *Service) AudioEnabled() bool {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	return session != nil && session.AudioEnabled()
}

// VideoEnabled reports the local video state of the current call
func (s *Service) VideoEnabled() bool {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	return session != nil && session.VideoEnabled()
}

func failureReason(err error) string {
	switch {
	case apperrors.IsCode(err, apperrors.ErrCodeDeviceUnavailable):
		return "device_unavailable"
	case apperrors.IsCode(err, apperrors.ErrCodeDeviceBusy):
		return "device_busy"
	case apperrors.IsCode(err, apperrors.ErrCodeSignalingChannel):
		return "signaling"
	case apperrors.IsCode(err, apperrors.ErrCodeStaleState):
		return "stale_state"
	default:
		return "record_write"
	}
}

func (s *Service) recordFailure(callType domain.CallType, reason string) {
	if s.metrics != nil {
		s.metrics.RecordCallFailure(string(callType), reason)
	}
}
