// ABOUTME: WebSocket connection adapter and HTTP upgrade handler for the registry.
// ABOUTME: Clients connect with ?topic=<topic> and receive broadcast payloads as text frames.

package hub

import (
	"context"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// WSConn adapts a coder/websocket connection to Conn.
type WSConn struct {
	id   string
	conn *websocket.Conn

	// coder/websocket allows one concurrent writer.
	mu sync.Mutex
}

// NewWSConn wraps conn with a fresh connection ID.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{id: uuid.New().String(), conn: conn}
}

// ID returns the connection ID.
func (c *WSConn) ID() string { return c.id }

// Send writes data as one text frame.
func (c *WSConn) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Close performs a normal closure handshake.
func (c *WSConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// WSHandler upgrades requests and registers them with a Registry.
type WSHandler struct {
	Registry *Registry

	// OriginPatterns is passed to websocket.Accept. Same-origin requests
	// are always allowed.
	OriginPatterns []string
}

// ServeHTTP requires a topic query parameter, registers the connection and
// holds it until the peer disconnects or the request context ends.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		http.Error(w, "topic is required", http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.OriginPatterns,
	})
	if err != nil {
		h.Registry.logger.Debug("websocket accept failed", "error", err)
		return
	}

	conn := NewWSConn(ws)
	h.Registry.Add(topic, conn)
	h.Registry.logger.Info("client connected", "topic", topic, "conn_id", conn.ID())

	// Clients never send application frames; CloseRead handles control
	// frames and cancels once the peer goes away.
	ctx := ws.CloseRead(r.Context())
	<-ctx.Done()

	h.Registry.Remove(conn.ID())
	_ = conn.Close()
	h.Registry.logger.Info("client disconnected", "topic", topic, "conn_id", conn.ID())
}
