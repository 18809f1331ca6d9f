// Package signaling carries ephemeral session-negotiation messages
// (offer / answer / ICE candidate) between the participants of one call
// over a per-call broadcast channel.
//
// Delivery is best-effort and at-most-once. Order is preserved only
// within a single sender's stream. A message sent before a receiver has
// subscribed is lost, so participants must open their channel before
// announcing their presence anywhere else.
package signaling

import (
	"context"

	"github.com/google/uuid"
)

// Conn is one attachment to a call's broadcast bus. Everything sent by
// any attached participant is delivered to every other attachment.
type Conn interface {
	// Send publishes one raw message to the bus
	Send(ctx context.Context, data []byte) error
	// Receive returns the inbound message stream. The channel is closed
	// when the transport drops or Close is called; Err distinguishes the
	// two cases.
	Receive() <-chan []byte
	// Err reports the transport error that closed Receive, or nil after
	// a clean Close
	Err() error
	// Close detaches from the bus. Idempotent.
	Close() error
}

// Transport opens per-call connections. Implementations: Redis Pub/Sub,
// a WebSocket client for the backend signaling hub, and an in-process
// bus for tests.
type Transport interface {
	Open(ctx context.Context, callID uuid.UUID) (Conn, error)
}
