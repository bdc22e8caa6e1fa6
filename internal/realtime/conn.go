// ABOUTME: Real-time connection abstraction and its websocket adapter
// ABOUTME: Conn hides the transport so the manager only sees readiness and sends

package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Conn is one live real-time subscription. Implementations must be safe for
// concurrent Send calls.
type Conn interface {
	// Ready reports whether the connection can currently accept data.
	Ready() bool
	// Send writes one complete message. A returned error marks the
	// connection dead; the manager removes it immediately.
	Send(data []byte) error
	// Close tears the connection down. Closing twice is harmless.
	Close() error
}

// writeTimeout bounds a single websocket write so one stalled peer cannot
// block a broadcast indefinitely.
const writeTimeout = 5 * time.Second

// WebsocketConn adapts a coder/websocket connection to Conn.
type WebsocketConn struct {
	ws *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// NewWebsocketConn wraps an accepted websocket connection.
func NewWebsocketConn(ws *websocket.Conn) *WebsocketConn {
	return &WebsocketConn{ws: ws}
}

// Ready reports whether the connection has not been closed locally.
func (c *WebsocketConn) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Send writes one text frame. Write errors close the connection.
func (c *WebsocketConn) Send(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		c.Close()
		return err
	}
	return nil
}

// Close closes the websocket with a normal status.
func (c *WebsocketConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	return c.ws.Close(websocket.StatusNormalClosure, "")
}

var _ Conn = (*WebsocketConn)(nil)
