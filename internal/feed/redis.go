package feed

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"secureconnect-callkit/internal/domain"
	"secureconnect-callkit/pkg/logger"
	"secureconnect-callkit/pkg/metrics"
)

// RedisFeed implements Feed and Publisher over Redis Pub/Sub. Redis
// preserves publish order per channel, which gives per-row commit order
// as long as each row maps to a fixed channel.
type RedisFeed struct {
	client  *redis.Client
	metrics *metrics.Metrics
}

// NewRedisFeed creates a feed backed by the given Redis client
func NewRedisFeed(client *redis.Client, m *metrics.Metrics) *RedisFeed {
	return &RedisFeed{client: client, metrics: m}
}

var _ Feed = (*RedisFeed)(nil)
var _ Publisher = (*RedisFeed)(nil)

// PublishCallChange fans out a calls row event
func (f *RedisFeed) PublishCallChange(ctx context.Context, change domain.CallChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}

	// Insert events go to the conversation channel so prospective callees
	// see new calls; updates go to the per-call channel.
	channel := callUpdatesChannel(change.Call.CallID)
	if change.Kind == domain.ChangeInsert {
		channel = conversationCallsChannel(change.Call.ConversationID)
	}
	if err := f.client.Publish(ctx, channel, payload).Err(); err != nil {
		return err
	}
	// Inserts are also replayed on the per-call channel so a subscriber
	// that opened the call channel first still sees the initial row.
	if change.Kind == domain.ChangeInsert {
		if err := f.client.Publish(ctx, callUpdatesChannel(change.Call.CallID), payload).Err(); err != nil {
			return err
		}
	}
	if f.metrics != nil {
		f.metrics.RecordFeedEvent("calls", string(change.Kind))
	}
	return nil
}

// PublishParticipantChange fans out a call_participants row event
func (f *RedisFeed) PublishParticipantChange(ctx context.Context, change domain.ParticipantChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}

	if err := f.client.Publish(ctx, callParticipantsChannel(change.Participant.CallID), payload).Err(); err != nil {
		return err
	}
	// New invitations are additionally addressed to the invited user so the
	// notification service can watch a single channel per device.
	if change.Kind == domain.ChangeInsert {
		if err := f.client.Publish(ctx, userParticipantsChannel(change.Participant.UserID), payload).Err(); err != nil {
			return err
		}
	}
	if f.metrics != nil {
		f.metrics.RecordFeedEvent("call_participants", string(change.Kind))
	}
	return nil
}

func (f *RedisFeed) SubscribeCallInserts(ctx context.Context, conversationID uuid.UUID, h func(domain.CallChange)) (CancelFunc, error) {
	return subscribe(ctx, f.client, conversationCallsChannel(conversationID), h)
}

func (f *RedisFeed) SubscribeCallUpdates(ctx context.Context, callID uuid.UUID, h func(domain.CallChange)) (CancelFunc, error) {
	return subscribe(ctx, f.client, callUpdatesChannel(callID), h)
}

func (f *RedisFeed) SubscribeParticipantInserts(ctx context.Context, userID uuid.UUID, h func(domain.ParticipantChange)) (CancelFunc, error) {
	return subscribe(ctx, f.client, userParticipantsChannel(userID), h)
}

func (f *RedisFeed) SubscribeParticipantUpdates(ctx context.Context, callID uuid.UUID, h func(domain.ParticipantChange)) (CancelFunc, error) {
	return subscribe(ctx, f.client, callParticipantsChannel(callID), h)
}

// subscribe wires one Redis Pub/Sub channel to a typed handler
func subscribe[T any](ctx context.Context, client *redis.Client, channel string, h func(T)) (CancelFunc, error) {
	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event T
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					logger.Warn("Failed to unmarshal feed event",
						zap.String("channel", channel),
						zap.Error(err))
					continue
				}
				h(event)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			pubsub.Close()
		})
	}, nil
}
