package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Ollama talks to a local Ollama server over its native /api/generate
// endpoint. Streaming responses arrive as newline-delimited JSON chunks.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllama creates a provider for one model on one Ollama server.
func NewOllama(baseURL, model string, timeout time.Duration) *Ollama {
	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

func (o *Ollama) Kind() Kind    { return KindLocalLLM }
func (o *Ollama) Model() string { return o.model }

// Healthy probes the server's tag listing with a short deadline.
func (o *Ollama) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

func (o *Ollama) Generate(ctx context.Context, req Request) *Result {
	start := time.Now()

	options := map[string]any{}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if len(req.Stop) > 0 {
		options["stop"] = req.Stop
	}

	body, err := json.Marshal(ollamaRequest{
		Model:   o.model,
		Prompt:  req.Prompt,
		System:  req.System,
		Stream:  req.OnDelta != nil,
		Options: options,
	})
	if err != nil {
		return errResult(KindLocalLLM, o.model, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return errResult(KindLocalLLM, o.model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return errResult(KindLocalLLM, o.model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errResult(KindLocalLLM, o.model,
			fmt.Errorf("ollama returned status %d", resp.StatusCode))
	}

	var text strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return errResult(KindLocalLLM, o.model, fmt.Errorf("decode ollama chunk: %w", err))
		}
		if chunk.Error != "" {
			return errResult(KindLocalLLM, o.model, fmt.Errorf("ollama: %s", chunk.Error))
		}
		if chunk.Response != "" {
			text.WriteString(chunk.Response)
			if req.OnDelta != nil {
				req.OnDelta(chunk.Response)
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		// Preserve whatever streamed before the connection dropped.
		if text.Len() > 0 {
			return &Result{
				Text:      text.String(),
				Kind:      KindLocalLLM,
				Model:     o.model,
				LatencyMs: time.Since(start).Milliseconds(),
				Err:       err.Error(),
			}
		}
		return errResult(KindLocalLLM, o.model, err)
	}

	return &Result{
		Text:      text.String(),
		Kind:      KindLocalLLM,
		Model:     o.model,
		LatencyMs: time.Since(start).Milliseconds(),
	}
}
