package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"secureconnect-callkit/internal/domain"
	apperrors "secureconnect-callkit/pkg/errors"
	"secureconnect-callkit/pkg/logger"
	"secureconnect-callkit/pkg/metrics"
)

// Channel is one participant's handle on a call's signaling bus. It
// filters out the participant's own echoes and messages targeted at
// other participants, and attempts exactly one transport reconnect
// before reporting the channel as failed.
type Channel struct {
	transport Transport
	callID    uuid.UUID
	selfID    uuid.UUID
	metrics   *metrics.Metrics

	onMessage func(domain.SignalingMessage)
	onError   func(error)

	mu     sync.Mutex
	conn   Conn
	closed bool
	failed bool
}

// NewChannel creates an unopened channel handle. Register handlers with
// OnMessage/OnError, then call Open.
func NewChannel(transport Transport, callID, selfID uuid.UUID, m *metrics.Metrics) *Channel {
	return &Channel{
		transport: transport,
		callID:    callID,
		selfID:    selfID,
		metrics:   m,
	}
}

// OnMessage registers the inbound message handler. Must be called before
// Open; messages arriving with no handler registered are dropped.
func (c *Channel) OnMessage(h func(domain.SignalingMessage)) {
	c.mu.Lock()
	c.onMessage = h
	c.mu.Unlock()
}

// OnError registers the handler invoked once if the channel goes down
// for good. A channel failure never changes persisted call status.
func (c *Channel) OnError(h func(error)) {
	c.mu.Lock()
	c.onError = h
	c.mu.Unlock()
}

// Open attaches to the bus and starts the read loop
func (c *Channel) Open(ctx context.Context) error {
	conn, err := c.transport.Open(ctx, c.callID)
	if err != nil {
		return apperrors.SignalingChannelError(err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(ctx, conn, true)
	return nil
}

// Broadcast sends one signaling message to all other participants.
// Sender, call ID and timestamp are stamped here.
func (c *Channel) Broadcast(ctx context.Context, msg domain.SignalingMessage) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	failed := c.failed
	c.mu.Unlock()

	if closed || failed || conn == nil {
		return apperrors.New(apperrors.ErrCodeSignalingChannel, "signaling channel is down")
	}

	msg.CallID = c.callID
	msg.SenderID = c.selfID
	msg.Timestamp = time.Now().UTC()

	data, err := json.Marshal(&msg)
	if err != nil {
		return err
	}

	if err := conn.Send(ctx, data); err != nil {
		return apperrors.SignalingChannelError(err)
	}
	if c.metrics != nil {
		c.metrics.RecordSignalingMessage(string(msg.Type), "out")
	}
	return nil
}

// Close detaches from the bus. Idempotent and safe to call concurrently
// with an in-flight reconnect.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Down reports whether the channel has permanently failed
func (c *Channel) Down() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// readLoop drains one connection. On abnormal close it reconnects once
// (only the first connection gets that budget), then gives up.
func (c *Channel) readLoop(ctx context.Context, conn Conn, mayReconnect bool) {
	for data := range conn.Receive() {
		c.deliver(data)
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	if closed || conn.Err() == nil {
		return
	}

	if mayReconnect && ctx.Err() == nil {
		if c.metrics != nil {
			c.metrics.RecordSignalingReconnect()
		}
		logger.Warn("Signaling transport dropped, reconnecting",
			zap.String("call_id", c.callID.String()),
			zap.Error(conn.Err()))

		next, err := c.transport.Open(ctx, c.callID)
		if err == nil {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				next.Close()
				return
			}
			c.conn = next
			c.mu.Unlock()
			c.readLoop(ctx, next, false)
			return
		}
	}

	c.fail(conn.Err())
}

// fail marks the channel permanently down and notifies the error handler
func (c *Channel) fail(cause error) {
	c.mu.Lock()
	if c.failed || c.closed {
		c.mu.Unlock()
		return
	}
	c.failed = true
	handler := c.onError
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordSignalingError("transport_down")
	}
	logger.Error("Signaling channel failed",
		zap.String("call_id", c.callID.String()),
		zap.Error(cause))

	if handler != nil {
		handler(apperrors.SignalingChannelError(cause))
	}
}

// deliver parses and filters one inbound message
func (c *Channel) deliver(data []byte) {
	var msg domain.SignalingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Warn("Invalid signaling message",
			zap.String("call_id", c.callID.String()),
			zap.Error(err))
		return
	}

	// Drop own echoes and messages addressed to someone else
	if msg.SenderID == c.selfID {
		return
	}
	if msg.Targeted() && msg.TargetID != c.selfID {
		return
	}

	c.mu.Lock()
	handler := c.onMessage
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordSignalingMessage(string(msg.Type), "in")
	}
	if handler != nil {
		handler(msg)
	}
}
