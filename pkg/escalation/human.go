package escalation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/edgecoder/edgecoder/pkg/config"
)

const defaultReviewQueueSize = 256

// HumanBackend is the terminal hop: it parks the escalation for manual
// review and reports ErrHumanQueued so the waterfall stops.
type HumanBackend struct {
	cfg config.HumanBackendConfig

	mu      sync.Mutex
	pending map[string]*Review // keyed by task id
}

// Review is one escalation awaiting a person.
type Review struct {
	Request  *Request  `json:"request"`
	QueuedAt time.Time `json:"queued_at"`
}

// NewHuman builds the human review queue backend.
func NewHuman(cfg config.HumanBackendConfig) *HumanBackend {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultReviewQueueSize
	}
	return &HumanBackend{cfg: cfg, pending: make(map[string]*Review)}
}

func (h *HumanBackend) Name() string { return config.BackendHumanQueue }

func (h *HumanBackend) AttemptTimeout() time.Duration { return time.Second }

// Try enqueues the request for review. Re-escalating a task already in the
// queue refreshes its entry rather than duplicating it.
func (h *HumanBackend) Try(ctx context.Context, req *Request) (*Outcome, error) {
	if !h.cfg.Enabled {
		return nil, ErrDeclined
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.pending[req.TaskID]; !exists && len(h.pending) >= h.cfg.QueueSize {
		return nil, fmt.Errorf("human review queue full (%d pending)", len(h.pending))
	}
	h.pending[req.TaskID] = &Review{Request: req, QueuedAt: time.Now()}
	return nil, ErrHumanQueued
}

// Pending lists queued reviews, oldest first.
func (h *HumanBackend) Pending() []*Review {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Review, 0, len(h.pending))
	for _, r := range h.pending {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out
}

// Remove drops a review once a person has handled it.
func (h *HumanBackend) Remove(taskID string) {
	h.mu.Lock()
	delete(h.pending, taskID)
	h.mu.Unlock()
}
