package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecoder/edgecoder/pkg/events"
)

type noCatchup struct{}

func (noCatchup) GetCatchupEvents(context.Context, string, int, int) ([]events.CatchupEvent, error) {
	return nil, nil
}

func TestWSWithoutManager(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/ws", nil, withoutMeshToken())
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWSEventFeed(t *testing.T) {
	env := newTestEnv(t)
	env.srv.SetConnectionManager(events.NewConnectionManager(noCatchup{}, 5*time.Second, discardLogger()))

	server := httptest.NewServer(env.srv.Handler())
	t.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The event feed is browser-facing, so it dials without the mesh token.
	conn, _, err := websocket.Dial(ctx, "ws"+server.URL[len("http"):]+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "connection.established", msg["type"])
	assert.NotEmpty(t, msg["connection_id"])
}
