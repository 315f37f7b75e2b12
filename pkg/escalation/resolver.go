package escalation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgecoder/edgecoder/pkg/config"
	"github.com/edgecoder/edgecoder/pkg/models"
	"github.com/edgecoder/edgecoder/pkg/observability"
	"github.com/edgecoder/edgecoder/pkg/redact"
)

const (
	defaultMaxRetries   = 2
	defaultBackoffBase  = 500 * time.Millisecond
	defaultResultTTL    = time.Hour
	defaultSweepEvery   = 5 * time.Minute
	defaultAttemptLimit = 30 * time.Second
)

// Recorder appends escalation lifecycle events to the ordering ledger.
type Recorder interface {
	Append(ctx context.Context, eventType models.EventType, taskID, subtaskID, actorID string, payload map[string]any) (*models.OrderingRecord, error)
}

// TaskMarker flips a task into human_pending in the queue's task view.
type TaskMarker interface {
	MarkHumanPending(taskID string) error
}

// Notifier is told about escalations landing in the human queue. Calls must
// not block resolution; failures stay inside the notifier.
type Notifier interface {
	HumanPending(ctx context.Context, req *Request, res *Result)
}

// Resolver owns the backend waterfall and the result cache.
type Resolver struct {
	cfg      config.EscalationConfig
	backends []Backend
	redactor *redact.Redactor
	ledger   Recorder
	queue    TaskMarker
	notifier Notifier
	logger   *slog.Logger

	mu      sync.Mutex
	results map[string]*Result // keyed by task id

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a resolver over the given backends, in waterfall order.
func New(cfg config.EscalationConfig, backends []Backend, ledger Recorder, logger *slog.Logger) *Resolver {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = defaultBackoffBase
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = defaultResultTTL
	}
	return &Resolver{
		cfg:      cfg,
		backends: backends,
		redactor: redact.New(),
		ledger:   ledger,
		logger:   logger.With("component", "escalation"),
		results:  make(map[string]*Result),
		stopCh:   make(chan struct{}),
	}
}

// SetTaskMarker wires the queue so terminal human_pending reaches task views.
func (r *Resolver) SetTaskMarker(q TaskMarker) { r.queue = q }

// SetNotifier wires optional human-queue notifications.
func (r *Resolver) SetNotifier(n Notifier) { r.notifier = n }

// Start launches the result-cache janitor.
func (r *Resolver) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(defaultSweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweep(time.Now())
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop halts the janitor and waits for in-flight resolutions.
func (r *Resolver) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Dispatch sanitises the request, caches a pending result and resolves the
// waterfall in the background. The returned result is the pending snapshot.
func (r *Resolver) Dispatch(ctx context.Context, req *Request) *Result {
	if req.EscalationID == "" {
		req.EscalationID = uuid.NewString()
	}
	r.sanitize(req)

	res := &Result{
		EscalationID: req.EscalationID,
		TaskID:       req.TaskID,
		Status:       StatusPending,
		UpdatedAt:    time.Now(),
	}
	r.mu.Lock()
	r.results[req.TaskID] = res
	r.mu.Unlock()

	r.record(ctx, models.EventTaskEscalated, req.TaskID, req.AgentID, map[string]any{
		"escalation_id": req.EscalationID,
		"reason":        req.Reason,
		"iterations":    req.IterationsAttempted,
	})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.resolve(context.WithoutCancel(ctx), req)
	}()
	return r.snapshot(res)
}

// Get returns the cached result for a task.
func (r *Resolver) Get(taskID string) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return r.snapshotLocked(res), nil
}

// Clear drops the cached result for a task.
func (r *Resolver) Clear(taskID string) {
	r.mu.Lock()
	delete(r.results, taskID)
	r.mu.Unlock()
}

// resolve walks the waterfall to a terminal status.
func (r *Resolver) resolve(ctx context.Context, req *Request) {
	r.setStatus(req.TaskID, func(res *Result) { res.Status = StatusProcessing })

	for _, b := range r.backends {
		out, err := r.attempt(ctx, b, req)
		switch {
		case err == nil:
			r.logger.Info("escalation resolved",
				"task_id", req.TaskID, "backend", b.Name())
			observability.EscalationOutcomes.WithLabelValues(b.Name(), StatusCompleted).Inc()
			r.setStatus(req.TaskID, func(res *Result) {
				res.Status = StatusCompleted
				res.ImprovedCode = out.ImprovedCode
				res.Explanation = out.Explanation
				res.ResolvedBy = b.Name()
			})
			r.record(ctx, models.EventTaskCompleted, req.TaskID, req.AgentID, map[string]any{
				"escalation_id": req.EscalationID,
				"resolved_by":   b.Name(),
			})
			return

		case errors.Is(err, ErrHumanQueued):
			r.humanPending(ctx, req, "queued for review by "+b.Name())
			return

		case errors.Is(err, ErrDeclined):
			r.logger.Debug("escalation backend declined",
				"task_id", req.TaskID, "backend", b.Name())
			observability.EscalationOutcomes.WithLabelValues(b.Name(), "declined").Inc()

		default:
			r.logger.Warn("escalation backend exhausted",
				"task_id", req.TaskID, "backend", b.Name(), "error", err)
			observability.EscalationOutcomes.WithLabelValues(b.Name(), StatusFailed).Inc()
			r.record(ctx, models.EventTaskFailed, req.TaskID, req.AgentID, map[string]any{
				"escalation_id": req.EscalationID,
				"backend":       b.Name(),
				"error":         err.Error(),
			})
		}
	}

	r.humanPending(ctx, req, "all escalation backends exhausted")
}

// attempt runs one backend with retries and per-attempt timeouts.
func (r *Resolver) attempt(ctx context.Context, b Backend, req *Request) (*Outcome, error) {
	timeout := b.AttemptTimeout()
	if timeout <= 0 {
		timeout = defaultAttemptLimit
	}
	backoff := r.cfg.RetryBackoffBase

	var lastErr error
	for n := 1; n <= r.cfg.MaxRetries; n++ {
		actx, cancel := context.WithTimeout(ctx, timeout)
		out, err := b.Try(actx, req)
		cancel()
		if err == nil {
			return out, nil
		}
		if errors.Is(err, ErrDeclined) || errors.Is(err, ErrHumanQueued) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		r.logger.Debug("escalation attempt failed",
			"task_id", req.TaskID, "backend", b.Name(), "attempt", n, "error", err)

		if n < r.cfg.MaxRetries {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}
	}
	return nil, lastErr
}

func (r *Resolver) humanPending(ctx context.Context, req *Request, why string) {
	r.logger.Info("escalation pending human review", "task_id", req.TaskID, "reason", why)
	observability.EscalationOutcomes.WithLabelValues(config.BackendHumanQueue, StatusHumanPending).Inc()

	r.setStatus(req.TaskID, func(res *Result) {
		res.Status = StatusHumanPending
		res.Explanation = why
	})
	if r.queue != nil {
		if err := r.queue.MarkHumanPending(req.TaskID); err != nil {
			r.logger.Warn("mark human pending failed", "task_id", req.TaskID, "error", err)
		}
	}
	if r.notifier != nil {
		if res, err := r.Get(req.TaskID); err == nil {
			r.notifier.HumanPending(ctx, req, res)
		}
	}
}

// sanitize strips credential material from every text field in place.
func (r *Resolver) sanitize(req *Request) {
	req.Task = r.redactor.Apply(req.Task)
	req.FailedCode = r.redactor.Apply(req.FailedCode)
	req.ErrorHistory = r.redactor.ApplyAll(req.ErrorHistory)
	req.Reason = r.redactor.Apply(req.Reason)
}

func (r *Resolver) setStatus(taskID string, mutate func(*Result)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[taskID]
	if !ok {
		return
	}
	mutate(res)
	res.UpdatedAt = time.Now()
}

// record appends to the ledger, fail-open: an ordering failure never blocks
// resolution.
func (r *Resolver) record(ctx context.Context, eventType models.EventType, taskID, actorID string, payload map[string]any) {
	if r.ledger == nil {
		return
	}
	if _, err := r.ledger.Append(ctx, eventType, taskID, "", actorID, payload); err != nil {
		r.logger.Warn("ledger append failed",
			"event_type", eventType, "task_id", taskID, "error", err)
	}
}

// sweep drops terminal results older than the TTL.
func (r *Resolver) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for taskID, res := range r.results {
		if res.Terminal() && now.Sub(res.UpdatedAt) > r.cfg.ResultTTL {
			delete(r.results, taskID)
		}
	}
}

func (r *Resolver) snapshot(res *Result) *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(res)
}

func (r *Resolver) snapshotLocked(res *Result) *Result {
	cp := *res
	return &cp
}
