// Package escalation resolves subtasks the agent loop gave up on. A bounded
// waterfall tries each configured backend in order with per-attempt timeouts
// and exponential backoff; whatever text leaves the process is redacted
// first. The terminal status is exactly one of completed, failed or
// human_pending, cached for polling until cleared.
package escalation

import (
	"context"
	"errors"
	"time"

	"github.com/edgecoder/edgecoder/pkg/models"
)

// Escalation statuses visible to pollers.
const (
	StatusPending      = "pending"
	StatusProcessing   = "processing"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
	StatusHumanPending = "human_pending"
)

var (
	// ErrDeclined means the backend cannot serve this request at all
	// (unconfigured, wrong language, disabled). Declines are not retried.
	ErrDeclined = errors.New("backend declined")

	// ErrHumanQueued means the request was accepted into the human review
	// queue. It terminates the waterfall with status human_pending.
	ErrHumanQueued = errors.New("queued for human review")

	// ErrNotFound means no escalation is cached for the task.
	ErrNotFound = errors.New("escalation not found")
)

// Request is one escalation, already redacted by the time a backend sees it.
type Request struct {
	EscalationID        string          `json:"escalation_id"`
	TaskID              string          `json:"task_id"`
	AgentID             string          `json:"agent_id"`
	Task                string          `json:"task"`
	FailedCode          string          `json:"failed_code"`
	ErrorHistory        []string        `json:"error_history"`
	Language            models.Language `json:"language"`
	IterationsAttempted int             `json:"iterations_attempted"`
	Reason              string          `json:"reason,omitempty"`
}

// Outcome is a backend's successful answer.
type Outcome struct {
	ImprovedCode string `json:"improved_code"`
	Explanation  string `json:"explanation"`
}

// Result is the cached, pollable state of one escalation.
type Result struct {
	EscalationID string    `json:"escalation_id"`
	TaskID       string    `json:"task_id"`
	Status       string    `json:"status"`
	ImprovedCode string    `json:"improved_code,omitempty"`
	Explanation  string    `json:"explanation,omitempty"`
	ResolvedBy   string    `json:"resolved_by,omitempty"`
	Error        string    `json:"error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Terminal reports whether the escalation has reached a final status.
func (r *Result) Terminal() bool {
	switch r.Status {
	case StatusCompleted, StatusFailed, StatusHumanPending:
		return true
	}
	return false
}

// Backend is one hop of the waterfall. Try returns the outcome on success,
// ErrDeclined when the backend cannot serve the request, ErrHumanQueued when
// the request entered the human review queue, or any other error on failure
// (a context deadline counts as a timeout and is retried like an error).
type Backend interface {
	Name() string
	AttemptTimeout() time.Duration
	Try(ctx context.Context, req *Request) (*Outcome, error)
}
