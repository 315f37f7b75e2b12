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

	"github.com/edgecoder/edgecoder/pkg/models"
)

// Peer forwards completion requests to another coordinator's /chat endpoint
// over the mesh. The peer decides locally how to serve the request; this
// provider only carries the conversation and the mesh token.
type Peer struct {
	kind      Kind
	baseURL   string
	model     string
	meshToken string
	client    *http.Client
}

// NewPeer creates a provider that proxies to the coordinator at baseURL.
// kind distinguishes edge peers from coordinator-class peers.
func NewPeer(kind Kind, baseURL, model, meshToken string, timeout time.Duration) *Peer {
	return &Peer{
		kind:      kind,
		baseURL:   strings.TrimRight(baseURL, "/"),
		model:     model,
		meshToken: meshToken,
		client:    &http.Client{Timeout: timeout},
	}
}

func (p *Peer) Kind() Kind    { return p.kind }
func (p *Peer) Model() string { return p.model }

func (p *Peer) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

type peerChatRequest struct {
	Messages    []models.ChatMessage `json:"messages"`
	Stream      bool                 `json:"stream"`
	Temperature float64              `json:"temperature,omitempty"`
	MaxTokens   int                  `json:"maxTokens,omitempty"`
	Model       string               `json:"requestedModel,omitempty"`
}

type peerChatResponse struct {
	Text  string `json:"text"`
	Model string `json:"model"`
	Route string `json:"route"`
	Error string `json:"error,omitempty"`
}

func (p *Peer) Generate(ctx context.Context, req Request) *Result {
	start := time.Now()

	msgs := make([]models.ChatMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, models.ChatMessage{Role: models.RoleSystem, Content: req.System})
	}
	msgs = append(msgs, models.ChatMessage{Role: models.RoleUser, Content: req.Prompt})

	body, err := json.Marshal(peerChatRequest{
		Messages:    msgs,
		Stream:      req.OnDelta != nil,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Model:       p.model,
	})
	if err != nil {
		return errResult(p.kind, p.model, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return errResult(p.kind, p.model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-mesh-token", p.meshToken)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return errResult(p.kind, p.model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errResult(p.kind, p.model, fmt.Errorf("peer returned status %d", resp.StatusCode))
	}

	var text string
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		text, err = p.readEventStream(resp, req.OnDelta)
		if err != nil {
			if text != "" {
				return &Result{Text: text, Kind: p.kind, Model: p.model,
					LatencyMs: time.Since(start).Milliseconds(), Err: err.Error()}
			}
			return errResult(p.kind, p.model, err)
		}
	} else {
		var chat peerChatResponse
		if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
			return errResult(p.kind, p.model, fmt.Errorf("decode peer response: %w", err))
		}
		if chat.Error != "" {
			return errResult(p.kind, p.model, fmt.Errorf("peer: %s", chat.Error))
		}
		text = chat.Text
		if req.OnDelta != nil && text != "" {
			req.OnDelta(text)
		}
	}

	return &Result{
		Text:      text,
		Kind:      p.kind,
		Model:     p.model,
		LatencyMs: time.Since(start).Milliseconds(),
	}
}

type peerFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// readEventStream consumes the peer's SSE frames, forwarding content deltas
// and returning the accumulated text.
func (p *Peer) readEventStream(resp *http.Response, onDelta func(string)) (string, error) {
	var text strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var frame peerFrame
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "delta":
			text.WriteString(frame.Content)
			if onDelta != nil {
				onDelta(frame.Content)
			}
		case "error":
			return text.String(), fmt.Errorf("peer: %s", frame.Error)
		case "done":
			return text.String(), nil
		}
	}
	return text.String(), scanner.Err()
}
