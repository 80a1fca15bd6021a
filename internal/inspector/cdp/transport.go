// Package cdp implements the wire side of the Chrome DevTools Protocol:
// a message transport and a client that multiplexes requests and events
// over it.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport carries raw CDP messages.
type Transport interface {
	// Send writes one message.
	Send(ctx context.Context, msg []byte) error

	// Receive blocks until the next message arrives.
	Receive() ([]byte, error)

	// Close closes the transport. Pending Receive calls return an error.
	Close() error
}

// MaxMessageSize bounds a single inbound message (64MB).
const MaxMessageSize = 64 * 1024 * 1024

const closeWriteTimeout = time.Second

// WebSocketTransport implements Transport over a WebSocket connection.
type WebSocketTransport struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// DialWebSocket opens a WebSocket transport to url.
func DialWebSocket(ctx context.Context, url string, header http.Header) (*WebSocketTransport, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	return NewWebSocketTransport(conn), nil
}

// NewWebSocketTransport wraps an established connection.
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	conn.SetReadLimit(MaxMessageSize)
	return &WebSocketTransport{conn: conn}
}

// Send writes msg as a text frame.
func (t *WebSocketTransport) Send(ctx context.Context, msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Receive reads the next data frame.
func (t *WebSocketTransport) Receive() ([]byte, error) {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, fmt.Errorf("%w: %v", ErrRemoteClosed, err)
			}
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Close sends a close frame best-effort and closes the connection.
func (t *WebSocketTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWriteTimeout),
		)
		t.mu.Unlock()

		if err := t.conn.Close(); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			t.closeErr = err
		}
	})
	return t.closeErr
}
