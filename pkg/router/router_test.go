package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecoder/edgecoder/pkg/models"
	"github.com/edgecoder/edgecoder/pkg/provider"
)

type scriptedProvider struct {
	kind  provider.Kind
	model string
	text  string
	fail  bool

	mu    sync.Mutex
	calls int
	block chan struct{} // when set, Generate waits for close or ctx
}

func (s *scriptedProvider) Generate(ctx context.Context, req provider.Request) *provider.Result {
	s.mu.Lock()
	s.calls++
	block := s.block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return &provider.Result{Kind: s.kind, Model: s.model, Err: ctx.Err().Error()}
		}
	}
	if s.fail {
		return &provider.Result{Kind: s.kind, Model: s.model, Err: "scripted failure"}
	}
	if req.OnDelta != nil {
		req.OnDelta(s.text)
	}
	return &provider.Result{Text: s.text, Kind: s.kind, Model: s.model, LatencyMs: 1}
}

func (s *scriptedProvider) Healthy(ctx context.Context) bool { return !s.fail }
func (s *scriptedProvider) Kind() provider.Kind              { return s.kind }
func (s *scriptedProvider) Model() string                    { return s.model }

func (s *scriptedProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type scriptedBluetooth struct {
	peerID  string
	hasPeer bool
	text    string
	credits float64
	err     error
}

func (b *scriptedBluetooth) BestPeer(requestedModel string, payloadBytes int) (string, bool) {
	return b.peerID, b.hasPeer
}

func (b *scriptedBluetooth) Execute(ctx context.Context, peerID, prompt string, onDelta func(string)) (string, string, float64, error) {
	if b.err != nil {
		return "", "", 0, b.err
	}
	if onDelta != nil {
		onDelta(b.text)
	}
	return b.text, "peer-model", b.credits, nil
}

func newTestRouter(cfg Config) *Router {
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func userMsg(content string) []models.ChatMessage {
	return []models.ChatMessage{{Role: models.RoleUser, Content: content}}
}

func TestRouteStubFloorNeverFails(t *testing.T) {
	r := newTestRouter(Config{})

	resp, err := r.Route(context.Background(), Request{Messages: userMsg("hello")})
	require.NoError(t, err)
	assert.Equal(t, RouteStub, resp.Route)
	assert.NotEmpty(t, resp.Text)
}

func TestRoutePrefersLocalOverSwarm(t *testing.T) {
	r := newTestRouter(Config{})
	local := &scriptedProvider{kind: provider.KindLocalLLM, model: "qwen2.5-coder:1.5b", text: "local answer"}
	swarm := &scriptedProvider{kind: provider.KindPeerCoordinator, model: "llama3:8b", text: "swarm answer"}
	r.SetLocal(local)
	r.SetSwarm(swarm)

	resp, err := r.Route(context.Background(), Request{Messages: userMsg("hi")})
	require.NoError(t, err)
	assert.Equal(t, RouteLocal, resp.Route)
	assert.Equal(t, "local answer", resp.Text)
	assert.Zero(t, swarm.callCount())
}

func TestRouteRequestedModelFilter(t *testing.T) {
	r := newTestRouter(Config{})
	r.SetLocal(&scriptedProvider{kind: provider.KindLocalLLM, model: "qwen2.5-coder:1.5b", text: "local"})
	r.SetSwarm(&scriptedProvider{kind: provider.KindPeerCoordinator, model: "llama3:8b", text: "swarm"})

	t.Run("matching local model stays local", func(t *testing.T) {
		resp, err := r.Route(context.Background(), Request{
			Messages: userMsg("hi"), RequestedModel: "qwen2.5-coder:1.5b",
		})
		require.NoError(t, err)
		assert.Equal(t, RouteLocal, resp.Route)
	})

	t.Run("mismatched model skips local for swarm", func(t *testing.T) {
		resp, err := r.Route(context.Background(), Request{
			Messages: userMsg("hi"), RequestedModel: "llama3:8b",
		})
		require.NoError(t, err)
		assert.Equal(t, RouteSwarm, resp.Route)
	})

	t.Run("unsatisfiable model lands on the stub floor", func(t *testing.T) {
		resp, err := r.Route(context.Background(), Request{
			Messages: userMsg("hi"), RequestedModel: "gpt-oss:120b",
		})
		require.NoError(t, err)
		assert.Equal(t, RouteStub, resp.Route)
	})
}

func TestRouteFailureDemotesTier(t *testing.T) {
	r := newTestRouter(Config{TierCooldown: time.Hour})
	local := &scriptedProvider{kind: provider.KindLocalLLM, model: "m", fail: true}
	swarm := &scriptedProvider{kind: provider.KindPeerCoordinator, text: "swarm answer"}
	r.SetLocal(local)
	r.SetSwarm(swarm)

	// First request: local fails, swarm serves.
	resp, err := r.Route(context.Background(), Request{Messages: userMsg("hi")})
	require.NoError(t, err)
	assert.Equal(t, RouteSwarm, resp.Route)
	assert.Equal(t, 1, local.callCount())

	// Second request: local is cooling down and is not retried.
	resp, err = r.Route(context.Background(), Request{Messages: userMsg("again")})
	require.NoError(t, err)
	assert.Equal(t, RouteSwarm, resp.Route)
	assert.Equal(t, 1, local.callCount())
}

func TestRouteCooldownExpires(t *testing.T) {
	r := newTestRouter(Config{TierCooldown: time.Millisecond})
	local := &scriptedProvider{kind: provider.KindLocalLLM, model: "m", fail: true}
	r.SetLocal(local)

	_, err := r.Route(context.Background(), Request{Messages: userMsg("hi")})
	require.NoError(t, err)
	require.Equal(t, 1, local.callCount())

	time.Sleep(5 * time.Millisecond)
	local.fail = false
	local.text = "recovered"

	resp, err := r.Route(context.Background(), Request{Messages: userMsg("hi")})
	require.NoError(t, err)
	assert.Equal(t, RouteLocal, resp.Route)
	assert.Equal(t, "recovered", resp.Text)
}

func TestRouteBluetoothWinsWhenPeerIsCheap(t *testing.T) {
	r := newTestRouter(Config{})
	r.SetLocal(&scriptedProvider{kind: provider.KindLocalLLM, model: "m", text: "local"})
	r.SetBluetooth(&scriptedBluetooth{peerID: "peer-7", hasPeer: true, text: "ble answer", credits: 3})

	resp, err := r.Route(context.Background(), Request{Messages: userMsg("hi")})
	require.NoError(t, err)
	assert.Equal(t, RouteBluetooth, resp.Route)
	assert.Equal(t, "ble answer", resp.Text)
	assert.InDelta(t, 3.0, resp.CreditsSpent, 0.001)
}

func TestRouteBluetoothFailureFallsThrough(t *testing.T) {
	r := newTestRouter(Config{})
	r.SetLocal(&scriptedProvider{kind: provider.KindLocalLLM, model: "m", text: "local"})
	r.SetBluetooth(&scriptedBluetooth{peerID: "peer-7", hasPeer: true, err: errors.New("radio silence")})

	resp, err := r.Route(context.Background(), Request{Messages: userMsg("hi")})
	require.NoError(t, err)
	assert.Equal(t, RouteLocal, resp.Route)
}

func TestRouteConcurrencyCapSkipsLocal(t *testing.T) {
	r := newTestRouter(Config{ConcurrencyCap: 1})
	block := make(chan struct{})
	local := &scriptedProvider{kind: provider.KindLocalLLM, model: "m", text: "slow", block: block}
	swarm := &scriptedProvider{kind: provider.KindPeerCoordinator, text: "swarm"}
	r.SetLocal(local)
	r.SetSwarm(swarm)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = r.Route(context.Background(), Request{Messages: userMsg("first")})
	}()

	// Wait for the first request to occupy the only local slot.
	require.Eventually(t, func() bool { return r.Status().ActiveConcurrent == 1 },
		time.Second, time.Millisecond)

	resp, err := r.Route(context.Background(), Request{Messages: userMsg("second")})
	require.NoError(t, err)
	assert.Equal(t, RouteSwarm, resp.Route)

	close(block)
	wg.Wait()
	assert.Zero(t, r.Status().ActiveConcurrent)
}

func TestRouteBackpressure(t *testing.T) {
	r := newTestRouter(Config{ConcurrencyCap: 1, Backpressure: true})
	block := make(chan struct{})
	defer close(block)
	r.SetLocal(&scriptedProvider{kind: provider.KindLocalLLM, model: "pinned", text: "x", block: block})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = r.Route(context.Background(), Request{Messages: userMsg("first"), RequestedModel: "pinned"})
	}()
	require.Eventually(t, func() bool { return r.Status().ActiveConcurrent == 1 },
		time.Second, time.Millisecond)

	_, err := r.Route(context.Background(), Request{Messages: userMsg("second"), RequestedModel: "pinned"})
	assert.ErrorIs(t, err, ErrBackpressure)
	wg.Wait()
}

func TestRouteLatencyGateSkipsLocal(t *testing.T) {
	r := newTestRouter(Config{LatencyThresholdMs: 100})
	r.SetLocal(&scriptedProvider{kind: provider.KindLocalLLM, model: "m", text: "local"})
	r.SetSwarm(&scriptedProvider{kind: provider.KindPeerCoordinator, text: "swarm"})

	// Saturate the window with slow samples.
	for i := 0; i < 50; i++ {
		r.window.Add(500)
	}

	resp, err := r.Route(context.Background(), Request{Messages: userMsg("hi")})
	require.NoError(t, err)
	assert.Equal(t, RouteSwarm, resp.Route)
}

func TestRouteCancellationReleasesSemaphore(t *testing.T) {
	r := newTestRouter(Config{ConcurrencyCap: 1})
	block := make(chan struct{})
	defer close(block)
	r.SetLocal(&scriptedProvider{kind: provider.KindLocalLLM, model: "m", text: "x", block: block})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Route(ctx, Request{Messages: userMsg("hi")})
		done <- err
	}()
	require.Eventually(t, func() bool { return r.Status().ActiveConcurrent == 1 },
		time.Second, time.Millisecond)

	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, r.Status().ActiveConcurrent)
}

func TestRouteStreamingFrames(t *testing.T) {
	r := newTestRouter(Config{})
	r.SetLocal(&scriptedProvider{kind: provider.KindLocalLLM, model: "m", text: "streamed"})

	var frames []Frame
	resp, err := r.Route(context.Background(), Request{
		Messages: userMsg("hi"),
		Stream:   true,
		OnFrame:  func(f Frame) { frames = append(frames, f) },
	})
	require.NoError(t, err)
	assert.Equal(t, "streamed", resp.Text)

	require.GreaterOrEqual(t, len(frames), 3)
	assert.Equal(t, "route", frames[0].Type)
	require.NotNil(t, frames[0].Meta)
	assert.Equal(t, RouteLocal, frames[0].Meta.Route)
	assert.Equal(t, "delta", frames[1].Type)
	assert.Equal(t, "streamed", frames[1].Content)
	assert.Equal(t, "done", frames[len(frames)-1].Type)
}

func TestLatencyWindowP95(t *testing.T) {
	w := newLatencyWindow(10)
	assert.Zero(t, w.P95())

	for i := int64(1); i <= 10; i++ {
		w.Add(i * 10)
	}
	assert.Equal(t, int64(100), w.P95())

	// Window rolls: old cheap samples displaced by slow ones.
	for i := 0; i < 10; i++ {
		w.Add(1000)
	}
	assert.Equal(t, int64(1000), w.P95())
}

func TestFlattenMessages(t *testing.T) {
	t.Run("single user turn passes through", func(t *testing.T) {
		system, prompt := flatten([]models.ChatMessage{
			{Role: models.RoleSystem, Content: "be terse"},
			{Role: models.RoleUser, Content: "write code"},
		})
		assert.Equal(t, "be terse", system)
		assert.Equal(t, "write code", prompt)
	})

	t.Run("multi-turn becomes a transcript", func(t *testing.T) {
		_, prompt := flatten([]models.ChatMessage{
			{Role: models.RoleUser, Content: "a"},
			{Role: models.RoleAssistant, Content: "b"},
			{Role: models.RoleUser, Content: "c"},
		})
		assert.Contains(t, prompt, "user: a")
		assert.Contains(t, prompt, "assistant: b")
		assert.True(t, len(prompt) > 0 && prompt[len(prompt)-1] == ':')
	})
}
