package signaling

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"secureconnect-callkit/pkg/jwt"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 54 * time.Second
	wsPongWait     = 60 * time.Second
)

// WebSocketTransport dials the backend signaling hub
// (GET /v1/calls/ws/signaling?call_id=...) with a short-lived bearer
// token. The hub fans messages out to every other participant of the
// call.
type WebSocketTransport struct {
	url    string
	userID uuid.UUID
	tokens *jwt.Manager
	dialer *websocket.Dialer
}

// NewWebSocketTransport creates a transport dialing the given hub URL
func NewWebSocketTransport(url string, userID uuid.UUID, tokens *jwt.Manager) *WebSocketTransport {
	return &WebSocketTransport{
		url:    url,
		userID: userID,
		tokens: tokens,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

var _ Transport = (*WebSocketTransport)(nil)

// Open dials the hub for one call
func (t *WebSocketTransport) Open(ctx context.Context, callID uuid.UUID) (Conn, error) {
	token, err := t.tokens.GenerateSignalingToken(t.userID, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to mint signaling token: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	url := fmt.Sprintf("%s?call_id=%s", t.url, callID)
	ws, resp, err := t.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("signaling dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("signaling dial failed: %w", err)
	}

	conn := &wsConn{
		ws:   ws,
		recv: make(chan []byte, 64),
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}
	go conn.readPump()
	go conn.writePump()
	return conn, nil
}

type wsConn struct {
	ws *websocket.Conn

	recv chan []byte
	send chan []byte
	done chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

// readPump reads hub messages into the receive channel
func (c *wsConn) readPump() {
	defer close(c.recv)

	c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if !c.closed {
				c.err = err
			}
			c.mu.Unlock()
			return
		}
		select {
		case c.recv <- message:
		case <-c.done:
			return
		}
	}
}

// writePump serializes outbound writes and keeps the connection alive
func (c *wsConn) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) Send(ctx context.Context, data []byte) error {
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsConn) Receive() <-chan []byte {
	return c.recv
}

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
	return nil
}
