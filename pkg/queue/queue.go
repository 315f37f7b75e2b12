// Package queue implements the coordinator's swarm queue: the shared pool of
// subtasks that agents claim, execute, and report results against.
//
// Claiming is fair-share with model affinity. Candidates are first
// partitioned by the claiming agent's active model; within the pool the
// subtask whose project has completed the least work wins, with priority and
// insertion order as tiebreaks. All state transitions run under one mutex so
// a subtask is never claimed by two agents at once.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgecoder/edgecoder/pkg/models"
	"github.com/edgecoder/edgecoder/pkg/observability"
)

var (
	// ErrTaskNotFound indicates an unknown task id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrSubtaskNotFound indicates an unknown subtask id.
	ErrSubtaskNotFound = errors.New("subtask not found")
	// ErrClaimStale indicates a result for a subtask the reporting agent no
	// longer holds (reclaimed or completed by someone else).
	ErrClaimStale = errors.New("claim is stale")
	// ErrNoWork indicates no claimable subtask matched the request.
	ErrNoWork = errors.New("no claimable subtasks")
)

// Recorder appends lifecycle events to the ordering ledger.
type Recorder interface {
	Append(ctx context.Context, eventType models.EventType, taskID, subtaskID, actorID string, payload map[string]any) (*models.OrderingRecord, error)
}

// ReliabilityTracker lowers an agent's reliability after a reclaim.
type ReliabilityTracker interface {
	DecrementReliability(agentID string, by float64)
}

// Notifier receives queue lifecycle events for the live feed. Publish must
// not block; failures stay inside the notifier.
type Notifier interface {
	Publish(ctx context.Context, eventType models.EventType, taskID string, payload map[string]any)
}

// Config holds the queue's tunables.
type Config struct {
	// MaxAttempts bounds how many times one subtask is handed out before it
	// fails terminally.
	MaxAttempts int
	// DefaultTimeout applies to subtasks submitted without one.
	DefaultTimeout time.Duration
	// ReclaimInterval is the sweep period for expired claims.
	ReclaimInterval time.Duration
	// ReliabilityPenalty is subtracted from an agent's score per reclaim.
	ReliabilityPenalty float64
}

type taskState struct {
	task     models.Task
	subtasks []string // subtask ids in submission order
	override models.TaskStatus
	errText  string
}

// Queue is the in-memory swarm queue.
type Queue struct {
	mu                 sync.Mutex
	tasks              map[string]*taskState
	subtasks           map[string]*models.Subtask
	order              []string // claim tiebreak: submission order of subtask ids
	completedByProject map[string]int
	outputs            map[string]string // subtask id → completed output

	cfg         Config
	ledger      Recorder
	reliability ReliabilityTracker
	notifier    Notifier
	logger      *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a queue. The ledger is required; reliability and notifier are
// optional.
func New(cfg Config, ledger Recorder, logger *slog.Logger) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 2 * time.Minute
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = 10 * time.Second
	}
	if cfg.ReliabilityPenalty <= 0 {
		cfg.ReliabilityPenalty = 0.1
	}
	return &Queue{
		tasks:              make(map[string]*taskState),
		subtasks:           make(map[string]*models.Subtask),
		completedByProject: make(map[string]int),
		outputs:            make(map[string]string),
		cfg:                cfg,
		ledger:             ledger,
		logger:             logger.With("component", "swarm_queue"),
		stopCh:             make(chan struct{}),
	}
}

// SetReliabilityTracker wires the agent catalog for reclaim penalties.
func (q *Queue) SetReliabilityTracker(rt ReliabilityTracker) { q.reliability = rt }

// SetNotifier wires the live event feed.
func (q *Queue) SetNotifier(n Notifier) { q.notifier = n }

// Submit enqueues a task and its subtasks. Missing ids are generated; subtask
// scheduling attributes are inherited from the task. Emits task_submitted.
func (q *Queue) Submit(ctx context.Context, task models.Task, subtasks []models.Subtask) (string, error) {
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	q.mu.Lock()
	state := &taskState{task: task}
	for i := range subtasks {
		st := subtasks[i]
		if st.SubtaskID == "" {
			st.SubtaskID = uuid.NewString()
		}
		st.TaskID = task.TaskID
		st.Status = models.SubtaskQueued
		if st.TimeoutMs <= 0 {
			st.TimeoutMs = q.cfg.DefaultTimeout.Milliseconds()
		}
		if st.RequestedModel == "" {
			st.RequestedModel = task.RequestedModel
		}
		st.ProjectMeta = models.ProjectMeta{
			ProjectID:     task.ProjectID,
			ResourceClass: task.ResourceClass,
			Priority:      task.Priority,
		}
		q.subtasks[st.SubtaskID] = &st
		q.order = append(q.order, st.SubtaskID)
		state.subtasks = append(state.subtasks, st.SubtaskID)
	}
	q.tasks[task.TaskID] = state
	q.updateDepthLocked()
	q.mu.Unlock()

	q.record(ctx, models.EventTaskSubmitted, task.TaskID, "", task.SubmitterAccountID, map[string]any{
		"project_id":      task.ProjectID,
		"subtask_count":   len(subtasks),
		"requested_model": task.RequestedModel,
	})
	q.logger.Info("Task submitted",
		"task_id", task.TaskID,
		"project_id", task.ProjectID,
		"subtasks", len(subtasks))
	return task.TaskID, nil
}

// ClaimOptions narrow the claimable pool for one agent.
type ClaimOptions struct {
	// ActiveModel enables the model-affinity partition when set.
	ActiveModel string
	// SmallOnly restricts the pool to single-step subtasks (battery policy).
	SmallOnly bool
}

// Claim hands the best eligible subtask to the agent, or ErrNoWork. The
// fair-share rule picks the candidate whose project has the smallest
// completed count; ties break on higher priority, then insertion order.
func (q *Queue) Claim(ctx context.Context, agentID string, opts ClaimOptions) (*models.Subtask, error) {
	q.mu.Lock()

	now := time.Now()
	var pool []*models.Subtask
	var matching []*models.Subtask
	for _, id := range q.order {
		st := q.subtasks[id]
		if st.Status != models.SubtaskQueued || st.ClaimableAfter.After(now) {
			continue
		}
		if opts.SmallOnly && st.Kind != models.KindSingleStep {
			continue
		}
		pool = append(pool, st)
		if opts.ActiveModel != "" && st.RequestedModel == opts.ActiveModel {
			matching = append(matching, st)
		}
	}
	if opts.ActiveModel != "" && len(matching) > 0 {
		pool = matching
	}
	if len(pool) == 0 {
		q.mu.Unlock()
		observability.ClaimDecisions.WithLabelValues("empty").Inc()
		return nil, ErrNoWork
	}

	best := pool[0]
	bestCompleted := q.completedByProject[best.ProjectMeta.ProjectID]
	for _, st := range pool[1:] {
		completed := q.completedByProject[st.ProjectMeta.ProjectID]
		switch {
		case completed < bestCompleted:
			best, bestCompleted = st, completed
		case completed == bestCompleted && st.ProjectMeta.Priority > best.ProjectMeta.Priority:
			best = st
		}
	}

	best.Status = models.SubtaskClaimed
	best.ClaimedBy = agentID
	best.ClaimedAt = now
	best.Attempts++
	claimed := *best
	q.updateDepthLocked()
	q.mu.Unlock()

	observability.ClaimDecisions.WithLabelValues("claimed").Inc()
	q.record(ctx, models.EventTaskAssigned, claimed.TaskID, claimed.SubtaskID, agentID, map[string]any{
		"attempt": claimed.Attempts,
	})
	return &claimed, nil
}

// SubmitResult ingests an agent's result for a claimed subtask. Results from
// agents that no longer hold the claim are rejected with ErrClaimStale.
func (q *Queue) SubmitResult(ctx context.Context, res models.SubtaskResult) error {
	q.mu.Lock()
	st, ok := q.subtasks[res.SubtaskID]
	if !ok {
		q.mu.Unlock()
		return ErrSubtaskNotFound
	}
	if !st.Claimed() || st.ClaimedBy != res.AgentID {
		q.mu.Unlock()
		observability.SubtaskResults.WithLabelValues("stale").Inc()
		return ErrClaimStale
	}

	taskID := st.TaskID
	if res.OK {
		st.Status = models.SubtaskCompleted
		q.completedByProject[st.ProjectMeta.ProjectID]++
		q.outputs[st.SubtaskID] = res.Output
		q.updateDepthLocked()
		q.mu.Unlock()

		observability.SubtaskResults.WithLabelValues("completed").Inc()
		q.record(ctx, models.EventTaskCompleted, taskID, res.SubtaskID, res.AgentID, map[string]any{
			"duration_ms": res.DurationMs,
		})
		return nil
	}

	requeued := st.Attempts < q.cfg.MaxAttempts
	if requeued {
		st.Status = models.SubtaskQueued
		st.ClaimableAfter = time.Now().Add(RetryBackoff(st.Attempts))
		st.ClaimedBy = ""
		st.ClaimedAt = time.Time{}
	} else {
		st.Status = models.SubtaskFailed
		q.tasks[taskID].errText = res.Error
	}
	q.updateDepthLocked()
	q.mu.Unlock()

	outcome := "failed"
	if requeued {
		outcome = "requeued"
	}
	observability.SubtaskResults.WithLabelValues(outcome).Inc()
	q.record(ctx, models.EventTaskFailed, taskID, res.SubtaskID, res.AgentID, map[string]any{
		"error":    truncateErr(res.Error),
		"requeued": requeued,
	})
	return nil
}

// MarkHumanPending flags a task whose escalation landed in the human queue.
// The task stays visible via polling with status human_pending.
func (q *Queue) MarkHumanPending(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	state, ok := q.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	state.override = models.TaskHumanPending
	return nil
}

// TaskView is the polling view of one task.
type TaskView struct {
	Task     models.Task       `json:"task"`
	Status   models.TaskStatus `json:"status"`
	Subtasks []models.Subtask  `json:"subtasks"`
	Artifact string            `json:"artifact,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Task returns the aggregate view of a task: its derived status, subtask
// snapshots, and the artifact assembled from completed subtask outputs.
func (q *Queue) Task(taskID string) (*TaskView, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	state, ok := q.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}

	view := &TaskView{Task: state.task, Error: state.errText}
	var artifact strings.Builder
	completed, failed, running := 0, 0, 0
	for _, id := range state.subtasks {
		st := q.subtasks[id]
		view.Subtasks = append(view.Subtasks, *st)
		switch st.Status {
		case models.SubtaskCompleted:
			completed++
			if out := q.outputs[id]; out != "" {
				if artifact.Len() > 0 {
					artifact.WriteByte('\n')
				}
				artifact.WriteString(out)
			}
		case models.SubtaskFailed:
			failed++
		case models.SubtaskClaimed:
			running++
		}
	}

	switch {
	case state.override != "":
		view.Status = state.override
	case failed > 0:
		view.Status = models.TaskFailed
	case completed == len(state.subtasks) && len(state.subtasks) > 0:
		view.Status = models.TaskCompleted
		view.Artifact = artifact.String()
	case running > 0:
		view.Status = models.TaskRunning
	default:
		view.Status = models.TaskPending
	}
	return view, nil
}

// Subtask returns a snapshot of one subtask.
func (q *Queue) Subtask(subtaskID string) (models.Subtask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.subtasks[subtaskID]
	if !ok {
		return models.Subtask{}, ErrSubtaskNotFound
	}
	return *st, nil
}

// OffersFor returns up to limit queued subtask ids matching the model, used
// for direct-work offers piggybacked on heartbeat responses.
func (q *Queue) OffersFor(activeModel string, limit int) []string {
	if activeModel == "" || limit <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var out []string
	for _, id := range q.order {
		st := q.subtasks[id]
		if st.Status != models.SubtaskQueued || st.ClaimableAfter.After(now) {
			continue
		}
		if st.RequestedModel != activeModel {
			continue
		}
		out = append(out, id)
		if len(out) == limit {
			break
		}
	}
	return out
}

// Depth returns the current number of queued subtasks.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, st := range q.subtasks {
		if st.Status == models.SubtaskQueued {
			n++
		}
	}
	return n
}

// StartReclaimSweeper launches the periodic sweep that returns expired
// claims to the queue.
func (q *Queue) StartReclaimSweeper(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.cfg.ReclaimInterval)
		defer ticker.Stop()
		for {
			select {
			case <-q.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.ReclaimExpired(ctx)
			}
		}
	}()
}

// Stop terminates the sweeper and waits for it to exit.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()
}

// ReclaimExpired returns every expired claim to the queue and penalises the
// agents that sat on them. Subtasks out of attempts fail terminally instead
// of looping forever. Returns the number of subtasks touched.
func (q *Queue) ReclaimExpired(ctx context.Context) int {
	now := time.Now()
	type reclaimed struct {
		taskID, subtaskID, agentID string
		terminal                   bool
	}

	q.mu.Lock()
	var hits []reclaimed
	for _, st := range q.subtasks {
		if !st.ClaimExpired(now) {
			continue
		}
		hit := reclaimed{taskID: st.TaskID, subtaskID: st.SubtaskID, agentID: st.ClaimedBy}
		if st.Attempts >= q.cfg.MaxAttempts {
			st.Status = models.SubtaskFailed
			q.tasks[st.TaskID].errText = "claim timed out"
			hit.terminal = true
		} else {
			st.Status = models.SubtaskQueued
		}
		st.ClaimedBy = ""
		st.ClaimedAt = time.Time{}
		hits = append(hits, hit)
	}
	q.updateDepthLocked()
	q.mu.Unlock()

	for _, hit := range hits {
		observability.ReclaimedSubtasks.Inc()
		if q.reliability != nil {
			q.reliability.DecrementReliability(hit.agentID, q.cfg.ReliabilityPenalty)
		}
		q.record(ctx, models.EventTaskReclaimed, hit.taskID, hit.subtaskID, hit.agentID, map[string]any{
			"terminal": hit.terminal,
		})
		q.logger.Info("Reclaimed expired claim",
			"subtask_id", hit.subtaskID,
			"agent_id", hit.agentID,
			"terminal", hit.terminal)
	}
	return len(hits)
}

// record appends to the ledger and relays to the live feed. Ledger failures
// are logged, counted, and do not fail the originating operation.
func (q *Queue) record(ctx context.Context, eventType models.EventType, taskID, subtaskID, actorID string, payload map[string]any) {
	if q.ledger != nil {
		if _, err := q.ledger.Append(ctx, eventType, taskID, subtaskID, actorID, payload); err != nil {
			q.logger.Error("Ledger append failed", "event_type", eventType, "error", err)
			observability.EventPublishFailures.WithLabelValues("ledger").Inc()
		}
	}
	if q.notifier != nil {
		q.notifier.Publish(ctx, eventType, taskID, payload)
	}
}

// updateDepthLocked refreshes the queue depth gauges. Callers hold q.mu.
func (q *Queue) updateDepthLocked() {
	depth := map[models.ResourceClass]int{}
	for _, st := range q.subtasks {
		if st.Status == models.SubtaskQueued {
			depth[st.ProjectMeta.ResourceClass]++
		}
	}
	for _, class := range []models.ResourceClass{models.ResourceCPU, models.ResourceGPU} {
		observability.QueueDepth.WithLabelValues(string(class)).Set(float64(depth[class]))
	}
}

func truncateErr(s string) string {
	if len(s) > 500 {
		return s[:500]
	}
	return s
}
