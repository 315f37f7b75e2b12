package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecoder/edgecoder/pkg/models"
	"github.com/edgecoder/edgecoder/pkg/router"
)

func TestChatNonStreaming(t *testing.T) {
	env := newTestEnv(t)

	t.Run("no messages", func(t *testing.T) {
		rec := env.do(http.MethodPost, "/chat", ChatRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("stub floor answers", func(t *testing.T) {
		rec := env.do(http.MethodPost, "/chat", ChatRequest{
			Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "write a loop"}},
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		resp := decodeJSON[router.Response](t, rec)
		assert.Equal(t, router.RouteStub, resp.Route)
		assert.NotEmpty(t, resp.Text)
	})
}

func TestChatStreaming(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/chat", ChatRequest{
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "hello"}},
		Stream:   true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	var frames []router.Frame
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var f router.Frame
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f))
		frames = append(frames, f)
	}
	require.GreaterOrEqual(t, len(frames), 3, "expected route, deltas, done")

	assert.Equal(t, "route", frames[0].Type)
	require.NotNil(t, frames[0].Meta)
	assert.Equal(t, router.RouteStub, frames[0].Meta.Route)

	last := frames[len(frames)-1]
	assert.Equal(t, "done", last.Type)

	var text strings.Builder
	for _, f := range frames[1 : len(frames)-1] {
		assert.Equal(t, "delta", f.Type)
		text.WriteString(f.Content)
	}
	assert.NotEmpty(t, text.String())
}
