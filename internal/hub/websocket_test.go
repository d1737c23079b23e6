// ABOUTME: Tests for the WebSocket handler against a real httptest server.
// ABOUTME: Checks registration by topic, delivery of text frames and removal on disconnect.

package hub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWS(t *testing.T) (*Registry, string) {
	t.Helper()
	reg := NewRegistry(nil)
	srv := httptest.NewServer(&WSHandler{Registry: reg})
	t.Cleanup(srv.Close)
	return reg, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSHandler_DeliversToTopic(t *testing.T) {
	reg, url := startWS(t)

	conn, _, err := websocket.Dial(t.Context(), url+"?topic=project:9", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.Eventually(t, func() bool { return reg.Count("project:9") == 1 }, 2*time.Second, 10*time.Millisecond)

	sent, failed := reg.Deliver(t.Context(), "project:9", []byte(`{"type":"agent_status"}`))
	assert.Equal(t, 1, sent)
	assert.Equal(t, 0, failed)

	typ, data, err := conn.Read(t.Context())
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	assert.JSONEq(t, `{"type":"agent_status"}`, string(data))
}

func TestWSHandler_RemovesOnDisconnect(t *testing.T) {
	reg, url := startWS(t)

	conn, _, err := websocket.Dial(t.Context(), url+"?topic=t", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return reg.Count("t") == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "done"))

	assert.Eventually(t, func() bool { return reg.Count("t") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWSHandler_RequiresTopic(t *testing.T) {
	reg := NewRegistry(nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)

	(&WSHandler{Registry: reg}).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
