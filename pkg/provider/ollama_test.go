package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaGenerateStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)

		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "qwen2.5-coder:1.5b", req.Model)
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		_ = enc.Encode(ollamaChunk{Response: "print("})
		_ = enc.Encode(ollamaChunk{Response: "1)"})
		_ = enc.Encode(ollamaChunk{Done: true})
	}))
	defer srv.Close()

	o := NewOllama(srv.URL, "qwen2.5-coder:1.5b", 5*time.Second)

	var deltas []string
	res := o.Generate(context.Background(), Request{
		Prompt:  "write code",
		OnDelta: func(d string) { deltas = append(deltas, d) },
	})

	require.False(t, res.Failed(), res.Err)
	assert.Equal(t, "print(1)", res.Text)
	assert.Equal(t, []string{"print(", "1)"}, deltas)
	assert.Equal(t, KindLocalLLM, res.Kind)
}

func TestOllamaGenerateNonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		_ = json.NewEncoder(w).Encode(ollamaChunk{Response: "done deal", Done: true})
	}))
	defer srv.Close()

	o := NewOllama(srv.URL, "llama3:8b", 5*time.Second)
	res := o.Generate(context.Background(), Request{Prompt: "hi"})
	require.False(t, res.Failed())
	assert.Equal(t, "done deal", res.Text)
}

func TestOllamaGenerateServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	o := NewOllama(srv.URL, "missing", 5*time.Second)
	res := o.Generate(context.Background(), Request{Prompt: "hi"})
	require.True(t, res.Failed())
	assert.Contains(t, res.Err, "404")
	assert.Empty(t, res.Text)
}

func TestOllamaGenerateUnreachable(t *testing.T) {
	o := NewOllama("http://127.0.0.1:1", "any", 500*time.Millisecond)
	res := o.Generate(context.Background(), Request{Prompt: "hi"})
	require.True(t, res.Failed())
}

func TestOllamaHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	assert.True(t, NewOllama(srv.URL, "m", time.Second).Healthy(context.Background()))
	assert.False(t, NewOllama("http://127.0.0.1:1", "m", time.Second).Healthy(context.Background()))
}
