package call

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"secureconnect-callkit/internal/domain"
	"secureconnect-callkit/internal/feed"
	"secureconnect-callkit/internal/media"
	"secureconnect-callkit/internal/signaling"
	"secureconnect-callkit/pkg/logger"
)

// attach brings up the per-call resources: media session, signaling
// channel and feed subscriptions. The channel is open before the caller
// announces presence, so no peer can send us an offer we are not
// subscribed to receive.
func (s *Service) attach(ctx context.Context, call *domain.Call) error {
	session := media.NewSession(s.capturer, s.peers, s.metrics)
	channel := signaling.NewChannel(s.transport, call.CallID, s.userID, s.metrics)
	runCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	c := *call
	s.call = &c
	s.session = session
	s.channel = channel
	s.runCtx = runCtx
	s.callCancel = cancel
	onStream := s.onRemoteStream
	s.mu.Unlock()

	if onStream != nil {
		session.OnRemoteStream(onStream)
	}
	session.OnICECandidate(func(remoteID uuid.UUID, candidate string) {
		err := channel.Broadcast(runCtx, domain.SignalingMessage{
			Type:      domain.SignalTypeICE,
			TargetID:  remoteID,
			Candidate: candidate,
		})
		if err != nil {
			logger.Debug("Failed to broadcast ICE candidate",
				zap.String("call_id", call.CallID.String()),
				zap.Error(err))
		}
	})
	channel.OnMessage(s.handleSignal)
	channel.OnError(s.handleChannelDown)

	if _, err := session.Initialize(ctx, call.CallType, nil); err != nil {
		return err
	}
	if err := channel.Open(runCtx); err != nil {
		return err
	}

	cancelCalls, err := s.feed.SubscribeCallUpdates(runCtx, call.CallID, s.handleCallChange)
	if err != nil {
		return err
	}
	cancelParticipants, err := s.feed.SubscribeParticipantUpdates(runCtx, call.CallID, s.handleParticipantChange)
	if err != nil {
		cancelCalls()
		return err
	}

	s.mu.Lock()
	s.cancels = []feed.CancelFunc{cancelCalls, cancelParticipants}
	s.mu.Unlock()
	return nil
}

// negotiate sends exactly one offer to a remote participant. Re-entry
// for an already-negotiated remote is a no-op, so a joined feed event
// and a racing inbound offer cannot produce crossed offers.
func (s *Service) negotiate(ctx context.Context, remoteID uuid.UUID) {
	s.mu.Lock()
	if s.ending || s.session == nil || s.offered[remoteID] {
		s.mu.Unlock()
		return
	}
	s.offered[remoteID] = true
	session := s.session
	channel := s.channel
	s.mu.Unlock()

	peer, err := session.AddRemote(ctx, remoteID)
	if err != nil {
		logger.Warn("Failed to create peer connection",
			zap.String("participant_id", remoteID.String()),
			zap.Error(err))
		return
	}
	sdp, err := peer.CreateOffer(ctx)
	if err != nil {
		logger.Warn("Failed to create offer",
			zap.String("participant_id", remoteID.String()),
			zap.Error(err))
		return
	}
	err = channel.Broadcast(ctx, domain.SignalingMessage{
		Type:     domain.SignalTypeOffer,
		TargetID: remoteID,
		SDP:      sdp,
	})
	if err != nil {
		logger.Warn("Failed to send offer",
			zap.String("participant_id", remoteID.String()),
			zap.Error(err))
	}
}

// handleSignal routes one inbound signaling message to the media
// session. Messages arriving after teardown begins are dropped.
func (s *Service) handleSignal(msg domain.SignalingMessage) {
	s.mu.Lock()
	if s.ending || s.session == nil {
		s.mu.Unlock()
		return
	}
	session := s.session
	channel := s.channel
	ctx := s.callCtxLocked()
	s.mu.Unlock()

	switch msg.Type {
	case domain.SignalTypeOffer:
		// The sender initiated; make sure we never also offer to them
		s.mu.Lock()
		s.offered[msg.SenderID] = true
		s.mu.Unlock()

		peer, err := session.AddRemote(ctx, msg.SenderID)
		if err != nil {
			logger.Warn("Failed to add peer for inbound offer",
				zap.String("participant_id", msg.SenderID.String()),
				zap.Error(err))
			return
		}
		sdp, err := peer.AcceptOffer(ctx, msg.SDP)
		if err != nil {
			logger.Warn("Failed to answer offer",
				zap.String("participant_id", msg.SenderID.String()),
				zap.Error(err))
			return
		}
		err = channel.Broadcast(ctx, domain.SignalingMessage{
			Type:     domain.SignalTypeAnswer,
			TargetID: msg.SenderID,
			SDP:      sdp,
		})
		if err != nil {
			logger.Warn("Failed to send answer",
				zap.String("participant_id", msg.SenderID.String()),
				zap.Error(err))
		}

	case domain.SignalTypeAnswer:
		peer, ok := session.Remote(msg.SenderID)
		if !ok {
			logger.Debug("Answer from unknown peer",
				zap.String("participant_id", msg.SenderID.String()))
			return
		}
		if err := peer.AcceptAnswer(ctx, msg.SDP); err != nil {
			logger.Warn("Failed to apply answer",
				zap.String("participant_id", msg.SenderID.String()),
				zap.Error(err))
		}

	case domain.SignalTypeICE:
		// Per-sender ordering guarantees the offer precedes its candidates
		peer, ok := session.Remote(msg.SenderID)
		if !ok {
			logger.Debug("Candidate for unknown peer",
				zap.String("participant_id", msg.SenderID.String()))
			return
		}
		if err := peer.AddICECandidate(msg.Candidate); err != nil {
			logger.Debug("Failed to apply ICE candidate",
				zap.String("participant_id", msg.SenderID.String()),
				zap.Error(err))
		}

	case domain.SignalTypeMuteAudio, domain.SignalTypeMuteVideo:
		logger.Debug("Remote mute state changed",
			zap.String("participant_id", msg.SenderID.String()),
			zap.String("type", string(msg.Type)),
			zap.Bool("muted", msg.Muted))
	}
}

// handleCallChange reacts to status changes of the current call row
func (s *Service) handleCallChange(change domain.CallChange) {
	s.mu.Lock()
	current := s.call
	s.mu.Unlock()
	if current == nil || change.Call.CallID != current.CallID {
		return
	}

	switch change.Call.Status {
	case domain.CallStatusActive:
		s.mu.Lock()
		if s.state != StateRinging {
			s.mu.Unlock()
			return
		}
		s.state = StateActive
		if s.call != nil {
			s.call.Status = domain.CallStatusActive
		}
		s.mu.Unlock()

		logger.Info("Call answered", zap.String("call_id", current.CallID.String()))
		s.emit(domain.EventActive, current.CallID, uuid.Nil, nil)

	case domain.CallStatusEnded, domain.CallStatusMissed:
		// Terminal on the shared record: tear down regardless of the
		// local participant row's own state
		logger.Info("Call reached terminal status",
			zap.String("call_id", current.CallID.String()),
			zap.String("status", string(change.Call.Status)))
		s.finishLocal(domain.EventEnded, nil)
	}
}

// handleParticipantChange reacts to participant rows of the current
// call changing. A newly joined participant gets a peer connection slot
// here; the newcomer drives the actual offer (see Accept).
func (s *Service) handleParticipantChange(change domain.ParticipantChange) {
	p := change.Participant

	s.mu.Lock()
	current := s.call
	session := s.session
	ending := s.ending
	ctx := s.callCtxLocked()
	s.mu.Unlock()

	if current == nil || ending || p.CallID != current.CallID || p.UserID == s.userID {
		return
	}

	switch p.Status {
	case domain.ParticipantStatusJoined:
		s.emit(domain.EventParticipantJoined, current.CallID, p.UserID, nil)
		if _, err := session.AddRemote(ctx, p.UserID); err != nil {
			logger.Warn("Failed to prepare peer slot for joiner",
				zap.String("participant_id", p.UserID.String()),
				zap.Error(err))
		}

	case domain.ParticipantStatusLeft:
		s.mu.Lock()
		delete(s.offered, p.UserID)
		s.mu.Unlock()
		session.RemoveRemote(p.UserID)
		s.emit(domain.EventParticipantLeft, current.CallID, p.UserID, nil)

	case domain.ParticipantStatusRejected:
		s.mu.Lock()
		delete(s.offered, p.UserID)
		s.mu.Unlock()
	}
}

// handleChannelDown fires after the channel's single reconnect attempt
// failed. Every remote peer is unreachable at that point, so the call
// fails locally; the persisted call status is never changed here.
func (s *Service) handleChannelDown(err error) {
	s.mu.Lock()
	current := s.call
	s.mu.Unlock()
	if current == nil {
		return
	}

	s.emit(domain.EventError, current.CallID, uuid.Nil, err)
	s.finishLocal(domain.EventEnded, nil)
}

// finishLocal releases every per-call resource and returns to Idle,
// emitting exactly one final event. Idempotent; every teardown path
// funnels through here.
func (s *Service) finishLocal(evType domain.CallEventType, cause error) {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	call := s.call
	session := s.session
	channel := s.channel
	cancels := s.cancels
	cancel := s.callCancel

	s.state = StateIdle
	s.ending = false
	s.call = nil
	s.session = nil
	s.channel = nil
	s.cancels = nil
	s.runCtx = nil
	s.callCancel = nil
	s.offered = make(map[uuid.UUID]bool)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, c := range cancels {
		c()
	}
	if channel != nil {
		channel.Close()
	}
	if session != nil {
		session.Teardown()
	}

	if s.metrics != nil {
		s.metrics.SetActiveCalls(0)
		if call != nil && evType == domain.EventEnded {
			s.metrics.RecordCallDuration(string(call.CallType), time.Since(call.StartedAt))
		}
	}

	var callID uuid.UUID
	if call != nil {
		callID = call.CallID
	}
	s.emit(evType, callID, uuid.Nil, cause)
}

// resetIdle abandons an attempt that failed before any per-call
// resources existed
func (s *Service) resetIdle() {
	s.mu.Lock()
	s.state = StateIdle
	s.ending = false
	s.mu.Unlock()
}

// callCtxLocked returns the per-call context; the caller holds s.mu
func (s *Service) callCtxLocked() context.Context {
	if s.runCtx != nil {
		return s.runCtx
	}
	return context.Background()
}

func (s *Service) emit(t domain.CallEventType, callID, participantID uuid.UUID, err error) {
	ev := domain.CallEvent{
		Type:          t,
		CallID:        callID,
		ParticipantID: participantID,
		Err:           err,
		At:            time.Now().UTC(),
	}
	select {
	case s.events <- ev:
	default:
		logger.Warn("Dropping call event, consumer too slow",
			zap.String("type", string(t)))
	}
}
