package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecoder/edgecoder/pkg/config"
	"github.com/edgecoder/edgecoder/pkg/escalation"
	"github.com/edgecoder/edgecoder/pkg/identity"
	"github.com/edgecoder/edgecoder/pkg/models"
	"github.com/edgecoder/edgecoder/pkg/snapshot"
)

// fakeCoordinator scripts the coordinator side of the worker loops.
type fakeCoordinator struct {
	mu          sync.Mutex
	subtasks    []*models.Subtask
	minPulls    int // pulls answered 204 before subtasks are handed out
	pulls       int
	offers      []string
	failBeats   bool
	beats       []models.HeartbeatRequest
	results     []models.SubtaskResult
	escalations []escalation.Request
	snapshots   map[string][]byte
	snapshotGot int
}

func (f *fakeCoordinator) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		var req models.HeartbeatRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.beats = append(f.beats, req)
		fail, offers := f.failBeats, f.offers
		f.mu.Unlock()
		if fail {
			http.Error(w, "catalog unavailable", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(models.HeartbeatResponse{OK: true, DirectWorkOffers: offers})
	})
	mux.HandleFunc("/pull", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.pulls++
		if f.pulls <= f.minPulls || len(f.subtasks) == 0 {
			f.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
			return
		}
		st := f.subtasks[0]
		f.subtasks = f.subtasks[1:]
		f.mu.Unlock()
		json.NewEncoder(w).Encode(st)
	})
	mux.HandleFunc("/result", func(w http.ResponseWriter, r *http.Request) {
		var res models.SubtaskResult
		json.NewDecoder(r.Body).Decode(&res)
		f.mu.Lock()
		f.results = append(f.results, res)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	mux.HandleFunc("/escalate", func(w http.ResponseWriter, r *http.Request) {
		var req escalation.Request
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.escalations = append(f.escalations, req)
		f.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/snapshots/", func(w http.ResponseWriter, r *http.Request) {
		ref := r.URL.Path[len("/snapshots/"):]
		f.mu.Lock()
		data, ok := f.snapshots[ref]
		f.snapshotGot++
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	})
	return mux
}

func (f *fakeCoordinator) resultCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.results)
}

func (f *fakeCoordinator) firstResult() models.SubtaskResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.results[0]
}

func (f *fakeCoordinator) escalationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.escalations)
}

func (f *fakeCoordinator) beatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.beats)
}

func (f *fakeCoordinator) lastBeat() models.HeartbeatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.beats[len(f.beats)-1]
}

// recordingSink captures heartbeat outcomes handed to the worker's sink.
type recordingSink struct {
	mu       sync.Mutex
	outcomes []error
}

func (s *recordingSink) RecordHeartbeat(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, err)
}

func (s *recordingSink) failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, err := range s.outcomes {
		if err != nil {
			n++
		}
	}
	return n
}

type batteryPower struct{ pct int }

func (p batteryPower) PowerState() models.PowerState {
	return models.PowerState{OnAC: false, BatteryPct: p.pct, Thermal: models.ThermalNominal}
}

func newTestWorker(t *testing.T, coord *fakeCoordinator, exec Executor, cfg WorkerConfig, opts ...WorkerOption) (*Worker, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(coord.handler())
	t.Cleanup(srv.Close)

	key, err := identity.Generate(identity.PurposeAgent)
	require.NoError(t, err)

	client := NewClient(ClientConfig{BaseURL: srv.URL, MeshToken: "secret", AgentID: "agent-1", Key: key})
	loop := newTestLoop(&queuedProvider{}, exec)
	return NewWorker(client, loop, cfg, discardLogger(), opts...), srv
}

func TestWorkerExecutesAndReports(t *testing.T) {
	coord := &fakeCoordinator{subtasks: []*models.Subtask{
		{SubtaskID: "st-1", TaskID: "t-1", Language: models.LangPython, Input: "sum 1 2 3", TimeoutMs: 3000},
	}}
	w, _ := newTestWorker(t, coord, &fakeExecutor{}, WorkerConfig{
		HeartbeatInterval: 50 * time.Millisecond,
		PollInterval:      20 * time.Millisecond,
		ActiveModel:       "qwen2.5-coder:1.5b",
	})

	w.Start(context.Background())
	defer w.Stop()

	require.Eventually(t, func() bool { return coord.resultCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	res := coord.firstResult()
	assert.Equal(t, "st-1", res.SubtaskID)
	assert.Equal(t, "agent-1", res.AgentID)
	assert.True(t, res.OK)
	assert.Equal(t, "ok", res.Output)
	assert.Zero(t, coord.escalationCount())

	require.Eventually(t, func() bool { return coord.beatCount() >= 1 }, 5*time.Second, 10*time.Millisecond)
	beat := coord.lastBeat()
	assert.Equal(t, "agent-1", beat.AgentID)
	assert.Equal(t, "qwen2.5-coder:1.5b", beat.ActiveModel)
	assert.True(t, beat.PowerState.OnAC)
}

func TestWorkerEscalatesQueuedRun(t *testing.T) {
	coord := &fakeCoordinator{subtasks: []*models.Subtask{
		{SubtaskID: "st-2", TaskID: "t-2", Language: models.LangPython, Input: "long loop", TimeoutMs: 1000},
	}}
	exec := &fakeExecutor{results: []*models.RunResult{
		{Language: models.LangPython, ExitCode: 124, Stderr: "killed: execution timeout",
			QueueForCloud: true, QueueReason: models.QueueReasonTimeout},
	}}
	w, _ := newTestWorker(t, coord, exec, WorkerConfig{
		HeartbeatInterval: time.Minute,
		PollInterval:      20 * time.Millisecond,
	})

	w.Start(context.Background())
	defer w.Stop()

	require.Eventually(t, func() bool {
		return coord.resultCount() == 1 && coord.escalationCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	res := coord.firstResult()
	assert.False(t, res.OK)
	assert.Equal(t, models.QueueReasonTimeout, res.Error)

	coord.mu.Lock()
	esc := coord.escalations[0]
	coord.mu.Unlock()
	assert.Equal(t, "t-2", esc.TaskID)
	assert.Equal(t, "agent-1", esc.AgentID)
	assert.Equal(t, models.QueueReasonTimeout, esc.Reason)
	assert.Equal(t, 1, esc.IterationsAttempted)
}

func TestWorkerHeartbeatFeedsSink(t *testing.T) {
	coord := &fakeCoordinator{failBeats: true}
	sink := &recordingSink{}
	w, _ := newTestWorker(t, coord, &fakeExecutor{}, WorkerConfig{
		HeartbeatInterval: 20 * time.Millisecond,
		PollInterval:      time.Minute,
	}, WithHeartbeatSink(sink), WithPowerReader(batteryPower{pct: 20}))

	w.Start(context.Background())
	defer w.Stop()

	require.Eventually(t, func() bool { return sink.failures() >= 2 }, 5*time.Second, 10*time.Millisecond)

	beat := coord.lastBeat()
	assert.False(t, beat.PowerState.OnAC)
	assert.Equal(t, 20, beat.PowerState.BatteryPct)
}

func TestWorkerOfferNudgesIdlePull(t *testing.T) {
	// The poll interval is far beyond the assertion window; only a
	// direct-work offer can wake the puller in time.
	coord := &fakeCoordinator{
		subtasks: []*models.Subtask{
			{SubtaskID: "st-3", TaskID: "t-3", Language: models.LangPython, Input: "offered work", TimeoutMs: 1000},
		},
		minPulls: 1,
		offers:   []string{"st-3"},
	}
	w, _ := newTestWorker(t, coord, &fakeExecutor{}, WorkerConfig{
		HeartbeatInterval: 30 * time.Millisecond,
		PollInterval:      time.Minute,
	})

	w.Start(context.Background())
	defer w.Stop()

	require.Eventually(t, func() bool { return coord.resultCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "st-3", coord.firstResult().SubtaskID)
}

func TestWorkerPrefetchesSnapshot(t *testing.T) {
	blob := []byte("workspace tarball bytes")
	ref := snapshot.Ref(blob)
	coord := &fakeCoordinator{
		subtasks: []*models.Subtask{
			{SubtaskID: "st-4", TaskID: "t-4", Language: models.LangPython,
				Input: "needs workspace", TimeoutMs: 1000, SnapshotRef: ref},
		},
		snapshots: map[string][]byte{ref: blob},
	}

	srv := httptest.NewServer(coord.handler())
	t.Cleanup(srv.Close)
	key, err := identity.Generate(identity.PurposeAgent)
	require.NoError(t, err)
	client := NewClient(ClientConfig{BaseURL: srv.URL, MeshToken: "secret", AgentID: "agent-1", Key: key})
	fetcher := snapshot.NewFetcher(srv.URL, "secret", config.SnapshotConfig{})
	w := NewWorker(client, newTestLoop(&queuedProvider{}, &fakeExecutor{}), WorkerConfig{
		HeartbeatInterval: time.Minute,
		PollInterval:      20 * time.Millisecond,
	}, discardLogger(), WithSnapshotFetcher(fetcher))

	w.Start(context.Background())
	defer w.Stop()

	require.Eventually(t, func() bool { return coord.resultCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	coord.mu.Lock()
	fetched := coord.snapshotGot
	coord.mu.Unlock()
	assert.Equal(t, 1, fetched)
	assert.True(t, coord.firstResult().OK)
}

func TestWorkerReportsLoopError(t *testing.T) {
	coord := &fakeCoordinator{subtasks: []*models.Subtask{
		{SubtaskID: "st-5", TaskID: "t-5", Language: models.LangPython, Input: "anything", TimeoutMs: 1000},
	}}
	exec := &fakeExecutor{err: assert.AnError}
	w, _ := newTestWorker(t, coord, exec, WorkerConfig{
		HeartbeatInterval: time.Minute,
		PollInterval:      20 * time.Millisecond,
	})

	w.Start(context.Background())
	defer w.Stop()

	require.Eventually(t, func() bool { return coord.resultCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	res := coord.firstResult()
	assert.False(t, res.OK)
	assert.Equal(t, assert.AnError.Error(), res.Error)
	// Loop-level failures are not escalations.
	assert.Zero(t, coord.escalationCount())
}

func TestWorkerStopJoinsLoops(t *testing.T) {
	coord := &fakeCoordinator{}
	w, _ := newTestWorker(t, coord, &fakeExecutor{}, WorkerConfig{
		HeartbeatInterval: 10 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
	})

	w.Start(context.Background())
	time.Sleep(30 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		w.Stop()
		w.Stop() // idempotent
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not join the worker loops")
	}
	assert.Equal(t, 0, w.CurrentLoad())
}
