// Package feed delivers row-level change events for the calls and
// call_participants tables to subscribed clients. Events for a single row
// arrive in commit order; events for different rows may arrive in any
// order relative to each other, and consumers must tolerate that.
package feed

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"secureconnect-callkit/internal/domain"
)

// CancelFunc detaches a subscription. Safe to call more than once.
type CancelFunc func()

// Feed is the consumer side of the realtime change feed
type Feed interface {
	// SubscribeCallInserts delivers new call rows for a conversation
	SubscribeCallInserts(ctx context.Context, conversationID uuid.UUID, h func(domain.CallChange)) (CancelFunc, error)
	// SubscribeCallUpdates delivers status changes for one call
	SubscribeCallUpdates(ctx context.Context, callID uuid.UUID, h func(domain.CallChange)) (CancelFunc, error)
	// SubscribeParticipantInserts delivers new participant rows addressed to a user
	SubscribeParticipantInserts(ctx context.Context, userID uuid.UUID, h func(domain.ParticipantChange)) (CancelFunc, error)
	// SubscribeParticipantUpdates delivers participant row changes for one call
	SubscribeParticipantUpdates(ctx context.Context, callID uuid.UUID, h func(domain.ParticipantChange)) (CancelFunc, error)
}

// Publisher is the producer side. The call record store publishes one event
// per committed row mutation; every agent observing the same backend then
// converges on the same state.
type Publisher interface {
	PublishCallChange(ctx context.Context, change domain.CallChange) error
	PublishParticipantChange(ctx context.Context, change domain.ParticipantChange) error
}

// Channel naming shared by the Redis producer and consumer sides

func conversationCallsChannel(conversationID uuid.UUID) string {
	return fmt.Sprintf("feed:conv:%s:calls", conversationID)
}

func callUpdatesChannel(callID uuid.UUID) string {
	return fmt.Sprintf("feed:call:%s", callID)
}

func userParticipantsChannel(userID uuid.UUID) string {
	return fmt.Sprintf("feed:user:%s:participants", userID)
}

func callParticipantsChannel(callID uuid.UUID) string {
	return fmt.Sprintf("feed:call:%s:participants", callID)
}
