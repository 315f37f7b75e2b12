package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/edgecoder/edgecoder/pkg/escalation"
	"github.com/edgecoder/edgecoder/pkg/identity"
	"github.com/edgecoder/edgecoder/pkg/models"
)

const defaultClientTimeout = 30 * time.Second

// StatusError is a non-2xx coordinator reply. Transport failures stay plain
// wrapped errors, so callers can tell "coordinator said no" from
// "coordinator unreachable".
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("coordinator returned %d", e.Code)
	}
	return fmt.Sprintf("coordinator returned %d: %s", e.Code, e.Body)
}

// ClientConfig wires a Client to one coordinator.
type ClientConfig struct {
	BaseURL   string
	MeshToken string
	AgentID   string

	// Key signs the sensitive operations (result submission). Requests fail
	// fast when a signed call is attempted without one.
	Key *identity.Key

	// Timeout bounds each HTTP call. Zero means 30s.
	Timeout time.Duration
}

// Client is the agent's coordinator REST client. Safe for concurrent use.
type Client struct {
	baseURL   string
	meshToken string
	agentID   string
	key       *identity.Key
	http      *http.Client
}

// NewClient builds a client. The base URL loses any trailing slash.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		meshToken: cfg.MeshToken,
		agentID:   cfg.AgentID,
		key:       cfg.Key,
		http:      &http.Client{Timeout: timeout},
	}
}

// AgentID returns the identity this client acts as.
func (c *Client) AgentID() string { return c.agentID }

// BaseURL returns the coordinator this client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// Register announces the agent to the coordinator. The returned status is
// pending until portal approval unless the approval token matched.
func (c *Client) Register(ctx context.Context, req models.RegisterRequest) (*models.RegisterResponse, error) {
	var out models.RegisterResponse
	if _, err := c.post(ctx, "/register", req, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat reports liveness, load, and power state. The response may carry
// direct-work offers.
func (c *Client) Heartbeat(ctx context.Context, req models.HeartbeatRequest) (*models.HeartbeatResponse, error) {
	var out models.HeartbeatResponse
	if _, err := c.post(ctx, "/heartbeat", req, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pull asks for one claimable subtask. Returns (nil, nil) when the
// coordinator has no work for this agent right now.
func (c *Client) Pull(ctx context.Context) (*models.Subtask, error) {
	var out models.Subtask
	status, err := c.post(ctx, "/pull", models.PullRequest{AgentID: c.agentID}, &out, false)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &out, nil
}

// SubmitResult reports the outcome of a claimed subtask. The request is
// signed; the coordinator verifies the signature against the registered key
// and rejects replays.
func (c *Client) SubmitResult(ctx context.Context, res models.SubtaskResult) error {
	if c.key == nil {
		return fmt.Errorf("submitting result for %s: no signing key configured", res.SubtaskID)
	}
	_, err := c.post(ctx, "/result", res, nil, true)
	return err
}

// Escalate hands a failed execution to the coordinator's escalation resolver.
func (c *Client) Escalate(ctx context.Context, req escalation.Request) error {
	_, err := c.post(ctx, "/escalate", req, nil, false)
	return err
}

// GetEscalation polls the cached escalation state for a task.
func (c *Client) GetEscalation(ctx context.Context, taskID string) (*escalation.Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/escalate/"+taskID, nil)
	if err != nil {
		return nil, fmt.Errorf("building escalation poll: %w", err)
	}
	httpReq.Header.Set("x-mesh-token", c.meshToken)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("polling escalation for %s: %w", taskID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, statusError(resp)
	}
	var out escalation.Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding escalation for %s: %w", taskID, err)
	}
	return &out, nil
}

// post sends one JSON request. A nil out skips decoding; 204 replies never
// decode. sign attaches the Ed25519 request headers over the exact body
// bytes sent.
func (c *Client) post(ctx context.Context, path string, body, out any, sign bool) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encoding %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("building %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-mesh-token", c.meshToken)
	if sign {
		identity.SignRequest(c.key, c.agentID, payload).Apply(req.Header)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resp.StatusCode, statusError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding %s response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

func statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}
