package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryBus is an in-process signaling transport for tests and
// single-process loopback. Fanout happens under one lock, so each
// sender's messages arrive in send order at every receiver.
type MemoryBus struct {
	mu    sync.Mutex
	calls map[uuid.UUID][]*memoryConn
}

// NewMemoryBus creates an empty bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{calls: make(map[uuid.UUID][]*memoryConn)}
}

var _ Transport = (*MemoryBus)(nil)

// Open attaches a new connection to the call's broadcast group
func (b *MemoryBus) Open(_ context.Context, callID uuid.UUID) (Conn, error) {
	conn := &memoryConn{
		bus:    b,
		callID: callID,
		recv:   make(chan []byte, 256),
	}
	b.mu.Lock()
	b.calls[callID] = append(b.calls[callID], conn)
	b.mu.Unlock()
	return conn, nil
}

// Break abnormally disconnects every attachment for a call, as if the
// shared transport dropped. Used to exercise reconnect handling.
func (b *MemoryBus) Break(callID uuid.UUID) {
	b.mu.Lock()
	conns := b.calls[callID]
	delete(b.calls, callID)
	b.mu.Unlock()

	for _, c := range conns {
		c.breakConn()
	}
}

func (b *MemoryBus) remove(conn *memoryConn) {
	b.mu.Lock()
	list := b.calls[conn.callID]
	for i, c := range list {
		if c == conn {
			b.calls[conn.callID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
}

// broadcast delivers data to every attachment of the call, sender
// included (receivers filter their own echoes)
func (b *MemoryBus) broadcast(callID uuid.UUID, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.calls[callID] {
		select {
		case c.recv <- data:
		default:
			// Best-effort delivery: a receiver that cannot keep up
			// loses the message rather than blocking the bus
		}
	}
}

type memoryConn struct {
	bus    *MemoryBus
	callID uuid.UUID
	recv   chan []byte

	mu     sync.Mutex
	closed bool
	err    error
}

func (c *memoryConn) Send(_ context.Context, data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("connection closed")
	}
	c.mu.Unlock()

	c.bus.broadcast(c.callID, data)
	return nil
}

func (c *memoryConn) Receive() <-chan []byte {
	return c.recv
}

func (c *memoryConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *memoryConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.bus.remove(c)
	close(c.recv)
	return nil
}

func (c *memoryConn) breakConn() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = fmt.Errorf("transport dropped")
	c.mu.Unlock()
	close(c.recv)
}
