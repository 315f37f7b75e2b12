package agent

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgecoder/edgecoder/pkg/escalation"
	"github.com/edgecoder/edgecoder/pkg/models"
	"github.com/edgecoder/edgecoder/pkg/snapshot"
)

// PowerReader reports the device's power situation for heartbeats. The
// coordinator trusts the reading for one heartbeat window and enforces the
// pull policy server-side.
type PowerReader interface {
	PowerState() models.PowerState
}

// staticPower is the default reader: mains power, nothing throttled.
type staticPower struct{}

func (staticPower) PowerState() models.PowerState {
	return models.PowerState{OnAC: true, BatteryPct: 100, Thermal: models.ThermalNominal}
}

// HeartbeatSink observes heartbeat outcomes. Satisfied by ble.Monitor, which
// uses the stream to detect coordinator loss and trigger credit re-sync.
type HeartbeatSink interface {
	RecordHeartbeat(err error)
}

// WorkerConfig tunes the pull/execute/report loops.
type WorkerConfig struct {
	// HeartbeatInterval is the liveness cadence. Zero means 15s.
	HeartbeatInterval time.Duration

	// PollInterval is the idle wait between empty pulls, jittered up to 25%
	// so a fleet of workers does not thunder in step. Zero means 2s.
	PollInterval time.Duration

	// MaxIterations bounds the retry loop per subtask. Zero uses the loop's
	// worker budget.
	MaxIterations int

	// ActiveModel and ActiveModelParamSize ride on heartbeats so the
	// coordinator can aggregate model availability and target offers.
	ActiveModel          string
	ActiveModelParamSize float64
}

// WorkerOption configures optional worker collaborators.
type WorkerOption func(*Worker)

// WithSnapshotFetcher wires workspace snapshot prefetching.
func WithSnapshotFetcher(f *snapshot.Fetcher) WorkerOption {
	return func(w *Worker) { w.fetcher = f }
}

// WithHeartbeatSink feeds heartbeat outcomes to an observer.
func WithHeartbeatSink(s HeartbeatSink) WorkerOption {
	return func(w *Worker) { w.sink = s }
}

// WithPowerReader replaces the default always-on-AC power reader.
func WithPowerReader(r PowerReader) WorkerOption {
	return func(w *Worker) { w.power = r }
}

// Worker runs the swarm side of an agent: a heartbeat loop that keeps the
// coordinator's catalog fresh, and a pull loop that claims subtasks, drives
// the retry loop over each one, and reports signed results. Escalated runs
// are additionally handed to the coordinator's escalation resolver.
type Worker struct {
	client  *Client
	loop    *Loop
	fetcher *snapshot.Fetcher
	sink    HeartbeatSink
	power   PowerReader
	cfg     WorkerConfig
	logger  *slog.Logger

	load  atomic.Int64
	nudge chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker builds a worker around a client and a retry loop.
func NewWorker(client *Client, loop *Loop, cfg WorkerConfig, logger *slog.Logger, opts ...WorkerOption) *Worker {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	w := &Worker{
		client: client,
		loop:   loop,
		power:  staticPower{},
		cfg:    cfg,
		logger: logger.With("component", "worker"),
		nudge:  make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the heartbeat and pull loops.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(2)
	go w.heartbeatLoop(ctx)
	go w.pullLoop(ctx)
	w.logger.Info("Worker started",
		"agent_id", w.client.AgentID(),
		"coordinator", w.client.BaseURL(),
		"heartbeat_interval", w.cfg.HeartbeatInterval,
		"poll_interval", w.cfg.PollInterval)
}

// Stop terminates both loops and waits for in-flight work to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// CurrentLoad returns the number of subtasks executing right now.
func (w *Worker) CurrentLoad() int {
	return int(w.load.Load())
}

// heartbeatLoop reports liveness on a fixed cadence. The first beat goes out
// immediately so the catalog sees the worker before the first pull.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()

	w.beat(ctx)
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.beat(ctx)
		}
	}
}

func (w *Worker) beat(ctx context.Context) {
	resp, err := w.client.Heartbeat(ctx, models.HeartbeatRequest{
		AgentID:              w.client.AgentID(),
		CurrentLoad:          w.CurrentLoad(),
		PowerState:           w.power.PowerState(),
		ActiveModel:          w.cfg.ActiveModel,
		ActiveModelParamSize: w.cfg.ActiveModelParamSize,
	})
	if w.sink != nil {
		w.sink.RecordHeartbeat(err)
	}
	if err != nil {
		w.logger.Warn("Heartbeat failed", "error", err)
		return
	}
	if len(resp.DirectWorkOffers) > 0 {
		w.logger.Debug("Direct work offered", "subtask_ids", resp.DirectWorkOffers)
		select {
		case w.nudge <- struct{}{}:
		default:
		}
	}
}

// pullLoop claims and executes subtasks one at a time. After work it pulls
// again immediately; when idle it waits out the jittered poll interval or an
// offer nudge, whichever comes first.
func (w *Worker) pullLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		st, err := w.client.Pull(ctx)
		switch {
		case err != nil:
			w.logger.Warn("Pull failed", "error", err)
			w.idle(ctx)
		case st == nil:
			w.idle(ctx)
		default:
			w.execute(ctx, st)
		}
	}
}

func (w *Worker) idle(ctx context.Context) {
	wait := w.cfg.PollInterval
	if quarter := wait / 4; quarter > 0 {
		wait += rand.N(quarter)
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-w.stopCh:
	case <-ctx.Done():
	case <-w.nudge:
	case <-timer.C:
	}
}

// execute drives the retry loop over one claimed subtask and reports the
// outcome. Loop-level failures (sandbox policy, cancellation) become failed
// results so the claim is never left dangling until the reclaim sweep.
func (w *Worker) execute(ctx context.Context, st *models.Subtask) {
	w.load.Add(1)
	defer w.load.Add(-1)

	w.logger.Info("Subtask claimed",
		"subtask_id", st.SubtaskID, "task_id", st.TaskID, "language", st.Language)

	if st.SnapshotRef != "" && w.fetcher != nil {
		if _, err := w.fetcher.Fetch(ctx, st.SnapshotRef); err != nil {
			w.logger.Warn("Snapshot prefetch failed",
				"snapshot_ref", st.SnapshotRef, "error", err)
		}
	}

	start := time.Now()
	exec, err := w.loop.Run(ctx, Assignment{
		Task:          st.Input,
		Language:      st.Language,
		MaxIterations: w.cfg.MaxIterations,
		Timeout:       time.Duration(st.TimeoutMs) * time.Millisecond,
	})
	elapsed := time.Since(start).Milliseconds()

	result := models.SubtaskResult{
		SubtaskID:  st.SubtaskID,
		AgentID:    w.client.AgentID(),
		DurationMs: elapsed,
	}
	switch {
	case err != nil:
		result.Error = err.Error()
		w.logger.Error("Subtask execution failed", "subtask_id", st.SubtaskID, "error", err)
	case exec.Escalated:
		result.Error = exec.EscalationReason
		w.escalate(ctx, st, exec)
	case exec.RunResult.OK:
		result.OK = true
		result.Output = exec.RunResult.Stdout
	default:
		result.Error = exec.RunResult.Stderr
	}

	if err := w.client.SubmitResult(ctx, result); err != nil {
		// The claim times out and the sweep requeues the subtask.
		w.logger.Warn("Result submission failed",
			"subtask_id", st.SubtaskID, "ok", result.OK, "error", err)
		return
	}
	w.logger.Info("Subtask reported",
		"subtask_id", st.SubtaskID, "ok", result.OK, "duration_ms", elapsed)
}

// escalate forwards an escalated execution to the coordinator's resolver.
// Failures are logged and dropped: the failed subtask result already tells
// the coordinator the work did not finish here.
func (w *Worker) escalate(ctx context.Context, st *models.Subtask, exec *models.AgentExecution) {
	req := escalation.Request{
		TaskID:              st.TaskID,
		AgentID:             w.client.AgentID(),
		Task:                st.Input,
		FailedCode:          exec.GeneratedCode,
		ErrorHistory:        exec.ErrorHistory(),
		Language:            st.Language,
		IterationsAttempted: exec.Iterations,
		Reason:              exec.EscalationReason,
	}
	if err := w.client.Escalate(ctx, req); err != nil {
		w.logger.Warn("Escalation submission failed",
			"task_id", st.TaskID, "reason", exec.EscalationReason, "error", err)
		return
	}
	w.logger.Info("Subtask escalated",
		"task_id", st.TaskID, "reason", exec.EscalationReason, "iterations", exec.Iterations)
}
