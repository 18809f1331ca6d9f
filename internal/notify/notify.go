// Package notify is the single process-wide incoming-call service. It
// watches the realtime feed for invitations addressed to the local
// user, resolves the caller's display name, owns the ringtone resource
// and surfaces one prompt state to any number of subscribed UI
// surfaces. Accept and Reject are latched so that two surfaces reacting
// to the same user action cannot double-invoke the outcome.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"secureconnect-callkit/internal/directory"
	"secureconnect-callkit/internal/domain"
	"secureconnect-callkit/internal/feed"
	apperrors "secureconnect-callkit/pkg/errors"
	"secureconnect-callkit/pkg/logger"
)

// Prompt is the incoming-call state shown to the user
type Prompt struct {
	Call       domain.Call
	CallerName string
	ReceivedAt time.Time
}

// PromptEventKind distinguishes a prompt appearing from it going away
type PromptEventKind string

const (
	PromptShown     PromptEventKind = "shown"
	PromptDismissed PromptEventKind = "dismissed"
)

// PromptEvent is delivered to every subscribed surface
type PromptEvent struct {
	Kind   PromptEventKind
	Prompt Prompt
}

// Ringer is the audible ring resource, started when a prompt appears
// and stopped on any exit from the ringing state
type Ringer interface {
	Start()
	Stop()
}

// NopRinger is a Ringer that stays silent
type NopRinger struct{}

func (NopRinger) Start() {}
func (NopRinger) Stop()  {}

// CallReader reads call records; *callstore.Store satisfies it
type CallReader interface {
	GetCall(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
}

// Answerer performs the accept/reject outcome; *call.Service satisfies it
type Answerer interface {
	Accept(ctx context.Context, callID uuid.UUID) error
	Reject(ctx context.Context, callID uuid.UUID) error
}

// Service is the call-notification service. One instance per device.
type Service struct {
	userID    uuid.UUID
	feed      feed.Feed
	store     CallReader
	directory directory.Resolver
	answerer  Answerer
	ringer    Ringer

	mu          sync.Mutex
	current     *Prompt
	answered    bool
	cancelWatch feed.CancelFunc
	cancelFeed  feed.CancelFunc
	subscribers map[int]func(PromptEvent)
	nextSub     int
	running     bool
}

// NewService creates a stopped notification service
func NewService(userID uuid.UUID, fd feed.Feed, store CallReader, dir directory.Resolver, answerer Answerer, ringer Ringer) *Service {
	if ringer == nil {
		ringer = NopRinger{}
	}
	return &Service{
		userID:      userID,
		feed:        fd,
		store:       store,
		directory:   dir,
		answerer:    answerer,
		ringer:      ringer,
		subscribers: make(map[int]func(PromptEvent)),
	}
}

// Start subscribes to invitations addressed to the local user
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	cancel, err := s.feed.SubscribeParticipantInserts(ctx, s.userID, func(change domain.ParticipantChange) {
		s.handleInvite(ctx, change)
	})
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.cancelFeed = cancel
	s.mu.Unlock()

	logger.Info("Call notification service started",
		zap.String("user_id", s.userID.String()))
	return nil
}

// Stop detaches from the feed and dismisses any active prompt
func (s *Service) Stop() {
	s.mu.Lock()
	cancelFeed := s.cancelFeed
	s.cancelFeed = nil
	s.running = false
	s.mu.Unlock()

	if cancelFeed != nil {
		cancelFeed()
	}
	s.dismiss()
}

// Subscribe registers a UI surface. If a prompt is already active the
// surface sees it immediately, so a late-mounting surface converges on
// the same state as one mounted before the call arrived.
func (s *Service) Subscribe(h func(PromptEvent)) feed.CancelFunc {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = h
	var pending *Prompt
	if s.current != nil {
		p := *s.current
		pending = &p
	}
	s.mu.Unlock()

	if pending != nil {
		h(PromptEvent{Kind: PromptShown, Prompt: *pending})
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
		})
	}
}

// Current returns the active prompt, or nil
func (s *Service) Current() *Prompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	p := *s.current
	return &p
}

// Accept answers the active prompt. Latched: the second of two surfaces
// reacting to the same tap is a no-op.
func (s *Service) Accept(ctx context.Context) error {
	prompt, ok := s.latch()
	if !ok {
		return nil
	}
	s.dismiss()

	if err := s.answerer.Accept(ctx, prompt.Call.CallID); err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeStaleState) {
			// Call ended between the tap and the join; prompt is gone
			// either way
			logger.Info("Accepted call had already ended",
				zap.String("call_id", prompt.Call.CallID.String()))
			return nil
		}
		return err
	}
	return nil
}

// Reject declines the active prompt. Latched like Accept.
func (s *Service) Reject(ctx context.Context) error {
	prompt, ok := s.latch()
	if !ok {
		return nil
	}
	s.dismiss()
	return s.answerer.Reject(ctx, prompt.Call.CallID)
}

// latch claims the active prompt for exactly one outcome
func (s *Service) latch() (Prompt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.answered {
		return Prompt{}, false
	}
	s.answered = true
	return *s.current, true
}

// handleInvite reacts to one participant insert addressed to this user
func (s *Service) handleInvite(ctx context.Context, change domain.ParticipantChange) {
	p := change.Participant
	if change.Kind != domain.ChangeInsert || p.UserID != s.userID || p.Status != domain.ParticipantStatusInvited {
		return
	}

	s.mu.Lock()
	busy := s.current != nil
	s.mu.Unlock()
	if busy {
		// One prompt at a time; a second simultaneous call stays ringing
		// on the record level and is simply not shown
		logger.Info("Ignoring invitation while a prompt is active",
			zap.String("call_id", p.CallID.String()))
		return
	}

	call, err := s.store.GetCall(ctx, p.CallID)
	if err != nil {
		logger.Warn("Failed to load call for invitation",
			zap.String("call_id", p.CallID.String()),
			zap.Error(err))
		return
	}
	if call.Status.Terminal() {
		return
	}

	callerName := ""
	if s.directory != nil {
		callerName, err = s.directory.DisplayName(ctx, call.CallerID)
		if err != nil {
			logger.Warn("Failed to resolve caller name",
				zap.String("caller_id", call.CallerID.String()),
				zap.Error(err))
		}
	}

	// Watch the call so the prompt auto-dismisses when the caller hangs
	// up or the call times out before anyone answers
	cancelWatch, err := s.feed.SubscribeCallUpdates(ctx, call.CallID, s.handleCallChange)
	if err != nil {
		logger.Warn("Failed to watch call for prompt dismissal",
			zap.String("call_id", call.CallID.String()),
			zap.Error(err))
	}

	prompt := Prompt{Call: *call, CallerName: callerName, ReceivedAt: time.Now().UTC()}

	s.mu.Lock()
	if s.current != nil {
		s.mu.Unlock()
		if cancelWatch != nil {
			cancelWatch()
		}
		return
	}
	s.current = &prompt
	s.answered = false
	s.cancelWatch = cancelWatch
	subs := s.snapshotSubs()
	s.mu.Unlock()

	s.ringer.Start()
	logger.Info("Incoming call",
		zap.String("call_id", call.CallID.String()),
		zap.String("caller", callerName))
	for _, h := range subs {
		h(PromptEvent{Kind: PromptShown, Prompt: prompt})
	}
}

// handleCallChange auto-dismisses the prompt when the call reaches a
// terminal status while still unanswered
func (s *Service) handleCallChange(change domain.CallChange) {
	if !change.Call.Status.Terminal() {
		return
	}

	s.mu.Lock()
	match := s.current != nil && s.current.Call.CallID == change.Call.CallID
	s.mu.Unlock()
	if !match {
		return
	}

	logger.Info("Dismissing prompt, call reached terminal status",
		zap.String("call_id", change.Call.CallID.String()),
		zap.String("status", string(change.Call.Status)))
	s.dismiss()
}

// dismiss clears the prompt, stops the ringer and notifies surfaces
func (s *Service) dismiss() {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return
	}
	prompt := *s.current
	cancelWatch := s.cancelWatch
	s.current = nil
	s.cancelWatch = nil
	subs := s.snapshotSubs()
	s.mu.Unlock()

	s.ringer.Stop()
	if cancelWatch != nil {
		cancelWatch()
	}
	for _, h := range subs {
		h(PromptEvent{Kind: PromptDismissed, Prompt: prompt})
	}
}

// snapshotSubs copies the subscriber set; the caller holds s.mu
func (s *Service) snapshotSubs() []func(PromptEvent) {
	subs := make([]func(PromptEvent), 0, len(s.subscribers))
	for _, h := range s.subscribers {
		subs = append(subs, h)
	}
	return subs
}
