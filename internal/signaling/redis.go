package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisTransport attaches to the per-call Redis Pub/Sub channel used by
// the backend signaling hub for cross-instance fanout. Agents sharing a
// Redis reach each other without a hub in between.
type RedisTransport struct {
	client *redis.Client
}

// NewRedisTransport creates a transport over the given Redis client
func NewRedisTransport(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

var _ Transport = (*RedisTransport)(nil)

func signalChannel(callID uuid.UUID) string {
	return fmt.Sprintf("call:%s:signal", callID)
}

// Open subscribes to the call's signaling channel
func (t *RedisTransport) Open(ctx context.Context, callID uuid.UUID) (Conn, error) {
	pubsub := t.client.Subscribe(ctx, signalChannel(callID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	conn := &redisConn{
		client:  t.client,
		channel: signalChannel(callID),
		pubsub:  pubsub,
		recv:    make(chan []byte, 64),
	}
	go conn.readLoop()
	return conn, nil
}

type redisConn struct {
	client  *redis.Client
	channel string
	pubsub  *redis.PubSub

	mu     sync.Mutex
	closed bool
	err    error

	recv chan []byte
}

func (c *redisConn) readLoop() {
	defer close(c.recv)
	for msg := range c.pubsub.Channel() {
		c.recv <- []byte(msg.Payload)
	}

	// The message channel only closes after pubsub.Close(); if we did not
	// close it ourselves the subscription was torn down underneath us.
	c.mu.Lock()
	if !c.closed {
		c.err = fmt.Errorf("redis subscription on %s closed unexpectedly", c.channel)
	}
	c.mu.Unlock()
}

func (c *redisConn) Send(ctx context.Context, data []byte) error {
	return c.client.Publish(ctx, c.channel, data).Err()
}

func (c *redisConn) Receive() <-chan []byte {
	return c.recv
}

func (c *redisConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *redisConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.pubsub.Close()
}
