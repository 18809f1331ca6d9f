package feed

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"secureconnect-callkit/internal/domain"
)

// MemoryFeed is an in-process Feed/Publisher for tests and single-process
// loopback setups. Delivery is asynchronous like the Redis feed, but order
// is preserved per channel via a per-subscriber queue.
type MemoryFeed struct {
	mu   sync.Mutex
	subs map[string][]*memorySub
}

type memorySub struct {
	queue  chan any
	closed chan struct{}
	once   sync.Once
}

// NewMemoryFeed creates an empty in-process feed
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{subs: make(map[string][]*memorySub)}
}

var _ Feed = (*MemoryFeed)(nil)
var _ Publisher = (*MemoryFeed)(nil)

func (f *MemoryFeed) publish(channel string, event any) {
	f.mu.Lock()
	subs := make([]*memorySub, len(f.subs[channel]))
	copy(subs, f.subs[channel])
	f.mu.Unlock()

	for _, s := range subs {
		select {
		case s.queue <- event:
		case <-s.closed:
		}
	}
}

func addSub[T any](f *MemoryFeed, channel string, h func(T)) CancelFunc {
	s := &memorySub{
		queue:  make(chan any, 256),
		closed: make(chan struct{}),
	}

	f.mu.Lock()
	f.subs[channel] = append(f.subs[channel], s)
	f.mu.Unlock()

	go func() {
		for {
			select {
			case <-s.closed:
				return
			case event := <-s.queue:
				if typed, ok := event.(T); ok {
					h(typed)
				}
			}
		}
	}()

	return func() {
		s.once.Do(func() {
			close(s.closed)
			f.mu.Lock()
			list := f.subs[channel]
			for i, sub := range list {
				if sub == s {
					f.subs[channel] = append(list[:i], list[i+1:]...)
					break
				}
			}
			f.mu.Unlock()
		})
	}
}

func (f *MemoryFeed) PublishCallChange(_ context.Context, change domain.CallChange) error {
	if change.Kind == domain.ChangeInsert {
		f.publish(conversationCallsChannel(change.Call.ConversationID), change)
	}
	f.publish(callUpdatesChannel(change.Call.CallID), change)
	return nil
}

func (f *MemoryFeed) PublishParticipantChange(_ context.Context, change domain.ParticipantChange) error {
	f.publish(callParticipantsChannel(change.Participant.CallID), change)
	if change.Kind == domain.ChangeInsert {
		f.publish(userParticipantsChannel(change.Participant.UserID), change)
	}
	return nil
}

func (f *MemoryFeed) SubscribeCallInserts(_ context.Context, conversationID uuid.UUID, h func(domain.CallChange)) (CancelFunc, error) {
	return addSub(f, conversationCallsChannel(conversationID), h), nil
}

func (f *MemoryFeed) SubscribeCallUpdates(_ context.Context, callID uuid.UUID, h func(domain.CallChange)) (CancelFunc, error) {
	return addSub(f, callUpdatesChannel(callID), h), nil
}

func (f *MemoryFeed) SubscribeParticipantInserts(_ context.Context, userID uuid.UUID, h func(domain.ParticipantChange)) (CancelFunc, error) {
	return addSub(f, userParticipantsChannel(userID), h), nil
}

func (f *MemoryFeed) SubscribeParticipantUpdates(_ context.Context, callID uuid.UUID, h func(domain.ParticipantChange)) (CancelFunc, error) {
	return addSub(f, callParticipantsChannel(callID), h), nil
}
