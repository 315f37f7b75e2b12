package escalation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecoder/edgecoder/pkg/config"
)

func TestParentBackend(t *testing.T) {
	t.Run("declines without a URL", func(t *testing.T) {
		p := NewParent(config.ParentBackendConfig{}, "")
		_, err := p.Try(context.Background(), testRequest())
		assert.ErrorIs(t, err, ErrDeclined)
	})

	t.Run("dispatches then polls to completion", func(t *testing.T) {
		var polls atomic.Int64
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "mesh-token", r.Header.Get("x-mesh-token"))
			switch {
			case r.Method == http.MethodPost && r.URL.Path == "/escalate":
				var req Request
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "task-1", req.TaskID)
				w.WriteHeader(http.StatusAccepted)
				_ = json.NewEncoder(w).Encode(map[string]string{"task_id": req.TaskID, "status": StatusPending})
			case r.Method == http.MethodGet && r.URL.Path == "/escalate/task-1":
				res := Result{TaskID: "task-1", Status: StatusProcessing}
				if polls.Add(1) >= 2 {
					res.Status = StatusCompleted
					res.ImprovedCode = "fixed code"
					res.Explanation = "from parent"
				}
				_ = json.NewEncoder(w).Encode(res)
			default:
				http.NotFound(w, r)
			}
		}))
		defer srv.Close()

		p := NewParent(config.ParentBackendConfig{URL: srv.URL, AttemptTimeout: 5 * time.Second}, "mesh-token")
		p.pollEvery = time.Millisecond

		out, err := p.Try(context.Background(), testRequest())
		require.NoError(t, err)
		assert.Equal(t, "fixed code", out.ImprovedCode)
		assert.Equal(t, "from parent", out.Explanation)
		assert.GreaterOrEqual(t, polls.Load(), int64(2))
	})

	t.Run("parent terminal failure is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				w.WriteHeader(http.StatusAccepted)
				return
			}
			_ = json.NewEncoder(w).Encode(Result{TaskID: "task-1", Status: StatusHumanPending})
		}))
		defer srv.Close()

		p := NewParent(config.ParentBackendConfig{URL: srv.URL}, "")
		p.pollEvery = time.Millisecond

		_, err := p.Try(context.Background(), testRequest())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "human_pending")
	})

	t.Run("dispatch rejection is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "who are you", http.StatusUnauthorized)
		}))
		defer srv.Close()

		p := NewParent(config.ParentBackendConfig{URL: srv.URL}, "")
		_, err := p.Try(context.Background(), testRequest())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "401")
	})

	t.Run("poll honors context deadline", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				w.WriteHeader(http.StatusAccepted)
				return
			}
			_ = json.NewEncoder(w).Encode(Result{TaskID: "task-1", Status: StatusProcessing})
		}))
		defer srv.Close()

		p := NewParent(config.ParentBackendConfig{URL: srv.URL}, "")
		p.pollEvery = time.Millisecond

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := p.Try(ctx, testRequest())
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestCloudBackendOpenAI(t *testing.T) {
	t.Run("declines without an API key", func(t *testing.T) {
		b := NewCloud(config.CloudBackendConfig{Provider: config.CloudProviderOpenAI, APIKeyEnv: "EDGECODER_TEST_MISSING_KEY"})
		_, err := b.Try(context.Background(), testRequest())
		assert.ErrorIs(t, err, ErrDeclined)
	})

	t.Run("extracts code from a completion", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/chat/completions", r.URL.Path)
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "gpt-4o", body["model"])

			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":     "chatcmpl-1",
				"object": "chat.completion",
				"model":  "gpt-4o",
				"choices": []map[string]any{{
					"index": 0,
					"message": map[string]any{
						"role":    "assistant",
						"content": "The paren was missing.\n```python\nprint(sum(xs))\n```",
					},
					"finish_reason": "stop",
				}},
			})
		}))
		defer srv.Close()

		t.Setenv("EDGECODER_TEST_OPENAI_KEY", "sk-test")
		b := NewCloud(config.CloudBackendConfig{
			Provider:  config.CloudProviderOpenAI,
			BaseURL:   srv.URL,
			APIKeyEnv: "EDGECODER_TEST_OPENAI_KEY",
			Model:     "gpt-4o",
		})

		out, err := b.Try(context.Background(), testRequest())
		require.NoError(t, err)
		assert.Equal(t, "print(sum(xs))", out.ImprovedCode)
		assert.Contains(t, out.Explanation, "paren was missing")
	})

	t.Run("upstream error surfaces", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusBadGateway)
		}))
		defer srv.Close()

		t.Setenv("EDGECODER_TEST_OPENAI_KEY", "sk-test")
		b := NewCloud(config.CloudBackendConfig{
			Provider:  config.CloudProviderOpenAI,
			BaseURL:   srv.URL,
			APIKeyEnv: "EDGECODER_TEST_OPENAI_KEY",
			Model:     "gpt-4o",
		})

		_, err := b.Try(context.Background(), testRequest())
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrDeclined)
	})
}

func TestCloudBackendAnthropic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "msg-1",
			"type":  "message",
			"role":  "assistant",
			"model": "claude-sonnet-4-5",
			"content": []map[string]any{{
				"type": "text",
				"text": "Fixed the off-by-one.\n```python\nprint(sum(xs))\n```",
			}},
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 10, "output_tokens": 20},
		})
	}))
	defer srv.Close()

	t.Setenv("EDGECODER_TEST_ANTHROPIC_KEY", "sk-ant-test")
	b := NewCloud(config.CloudBackendConfig{
		Provider:  config.CloudProviderAnthropic,
		BaseURL:   srv.URL,
		APIKeyEnv: "EDGECODER_TEST_ANTHROPIC_KEY",
		Model:     "claude-sonnet-4-5",
	})

	out, err := b.Try(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "print(sum(xs))", out.ImprovedCode)
	assert.Contains(t, out.Explanation, "off-by-one")
}

func TestCloudBackendUnknownProviderDeclines(t *testing.T) {
	t.Setenv("EDGECODER_TEST_KEY", "k")
	b := NewCloud(config.CloudBackendConfig{Provider: "hallucinated", APIKeyEnv: "EDGECODER_TEST_KEY"})
	_, err := b.Try(context.Background(), testRequest())
	assert.ErrorIs(t, err, ErrDeclined)
}

func TestRepairPromptShape(t *testing.T) {
	req := testRequest()
	prompt := repairPrompt(req)
	assert.Contains(t, prompt, "Task (python):")
	assert.Contains(t, prompt, "```python")
	assert.Contains(t, prompt, "1. SyntaxError")
	assert.Contains(t, prompt, "failed 2 time(s)")
}
