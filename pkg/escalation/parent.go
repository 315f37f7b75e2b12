package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/edgecoder/edgecoder/pkg/config"
)

const parentPollInterval = 2 * time.Second

// ParentBackend forwards the escalation to a parent coordinator and polls it
// until the parent reaches a terminal status or the attempt times out.
type ParentBackend struct {
	cfg       config.ParentBackendConfig
	meshToken string
	client    *http.Client
	pollEvery time.Duration
}

// NewParent builds the parent-coordinator backend. An empty URL declines
// every request.
func NewParent(cfg config.ParentBackendConfig, meshToken string) *ParentBackend {
	return &ParentBackend{
		cfg:       cfg,
		meshToken: meshToken,
		client:    &http.Client{},
		pollEvery: parentPollInterval,
	}
}

func (p *ParentBackend) Name() string { return config.BackendParentCoordinator }

func (p *ParentBackend) AttemptTimeout() time.Duration { return p.cfg.AttemptTimeout }

// Try dispatches to the parent's /escalate and polls /escalate/:taskId.
func (p *ParentBackend) Try(ctx context.Context, req *Request) (*Outcome, error) {
	base := strings.TrimRight(p.cfg.URL, "/")
	if base == "" {
		return nil, ErrDeclined
	}

	if err := p.submit(ctx, base, req); err != nil {
		return nil, err
	}

	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		res, err := p.poll(ctx, base, req.TaskID)
		if err != nil {
			return nil, err
		}
		switch res.Status {
		case StatusCompleted:
			return &Outcome{ImprovedCode: res.ImprovedCode, Explanation: res.Explanation}, nil
		case StatusFailed, StatusHumanPending:
			return nil, fmt.Errorf("parent terminal status %q", res.Status)
		}
	}
}

func (p *ParentBackend) submit(ctx context.Context, base string, req *Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal escalation: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/escalate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.meshToken != "" {
		httpReq.Header.Set("x-mesh-token", p.meshToken)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("parent dispatch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("parent dispatch status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

func (p *ParentBackend) poll(ctx context.Context, base, taskID string) (*Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/escalate/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	if p.meshToken != "" {
		httpReq.Header.Set("x-mesh-token", p.meshToken)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("parent poll: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("parent poll status %d", resp.StatusCode)
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("parent poll decode: %w", err)
	}
	return &res, nil
}
