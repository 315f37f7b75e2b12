// Package router selects where one chat request is served: a nearby BLE
// peer, the local model, the wider swarm, or the deterministic stub floor.
// Tiers are tried top-down; any failure demotes the tier for a cool-down and
// the request falls through. The stub always answers, so routing as a whole
// never fails.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/edgecoder/edgecoder/pkg/models"
	"github.com/edgecoder/edgecoder/pkg/observability"
	"github.com/edgecoder/edgecoder/pkg/provider"
)

// Route names one tier of the waterfall.
type Route string

const (
	RouteBluetooth Route = "bluetooth-local"
	RouteLocal     Route = "ollama-local"
	RouteSwarm     Route = "swarm"
	RouteStub      Route = "stub"
)

// ErrBackpressure is returned instead of queueing when the local tier is
// pinned by a requested model, at capacity, and backpressure is configured.
var ErrBackpressure = errors.New("local tier at capacity")

// Request is one routed chat request.
type Request struct {
	Messages       []models.ChatMessage
	Stream         bool
	Temperature    float64
	MaxTokens      int
	RequestedModel string

	// OnFrame receives streaming frames when set: one route frame, then
	// content deltas, then a terminal done or error frame.
	OnFrame func(Frame)
}

// RouteMeta describes the serving tier, sent as the first streaming frame.
type RouteMeta struct {
	Route      Route  `json:"route"`
	Label      string `json:"label"`
	Model      string `json:"model"`
	P95Ms      int64  `json:"p95_ms"`
	Concurrent int64  `json:"concurrent"`
}

// Response is the routed result.
type Response struct {
	Route        Route     `json:"route"`
	RouteLabel   string    `json:"route_label"`
	Model        string    `json:"model"`
	Text         string    `json:"text"`
	LatencyMs    int64     `json:"latency_ms"`
	CreditsSpent float64   `json:"credits_spent,omitempty"`
	Meta         RouteMeta `json:"route_meta"`
}

// Frame is one streaming event.
type Frame struct {
	Type    string     `json:"type"` // route | delta | done | error
	Meta    *RouteMeta `json:"meta,omitempty"`
	Content string     `json:"content,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// BluetoothTier is the local-mesh hop, implemented by the BLE cost router.
type BluetoothTier interface {
	// BestPeer picks the cheapest eligible peer for the request, or
	// ok=false when no peer beats running locally.
	BestPeer(requestedModel string, payloadBytes int) (peerID string, ok bool)
	// Execute runs the prompt on the peer and settles credits.
	Execute(ctx context.Context, peerID, prompt string, onDelta func(string)) (text, model string, credits float64, err error)
}

// Config holds the router's tunables.
type Config struct {
	// ConcurrencyCap bounds in-flight local inferences.
	ConcurrencyCap int64
	// LatencyThresholdMs excludes the local tier when its p95 exceeds it.
	LatencyThresholdMs int64
	// LatencyWindow is the number of samples in the rolling p95 window.
	LatencyWindow int
	// TierCooldown is how long a failed tier sits out of selection.
	TierCooldown time.Duration
	// PeerCostMargin is added to the local cost when comparing BLE peers.
	PeerCostMargin float64
	// Backpressure returns ErrBackpressure instead of falling through when
	// a model-pinned request finds the local tier at capacity.
	Backpressure bool
}

// Router is the tier waterfall. Construct with New, attach optional tiers,
// then call Route.
type Router struct {
	cfg    Config
	logger *slog.Logger

	local     provider.Provider
	swarm     provider.Provider
	stub      provider.Provider
	bluetooth BluetoothTier
	prober    *provider.Prober

	sem    *semaphore.Weighted
	active atomic.Int64
	window *latencyWindow

	cooldownMu sync.Mutex
	cooldown   map[Route]time.Time
}

// New creates a router with only the stub tier wired.
func New(cfg Config, logger *slog.Logger) *Router {
	if cfg.ConcurrencyCap <= 0 {
		cfg.ConcurrencyCap = 2
	}
	if cfg.LatencyThresholdMs <= 0 {
		cfg.LatencyThresholdMs = 8000
	}
	if cfg.TierCooldown <= 0 {
		cfg.TierCooldown = 30 * time.Second
	}
	return &Router{
		cfg:      cfg,
		logger:   logger.With("component", "router"),
		stub:     provider.NewStub(),
		sem:      semaphore.NewWeighted(cfg.ConcurrencyCap),
		window:   newLatencyWindow(cfg.LatencyWindow),
		cooldown: make(map[Route]time.Time),
	}
}

// SetLocal wires the local model tier.
func (r *Router) SetLocal(p provider.Provider) { r.local = p }

// SetSwarm wires the swarm tier (a peer coordinator provider).
func (r *Router) SetSwarm(p provider.Provider) { r.swarm = p }

// SetBluetooth wires the BLE tier.
func (r *Router) SetBluetooth(t BluetoothTier) { r.bluetooth = t }

// SetProber wires cached provider health into tier selection.
func (r *Router) SetProber(p *provider.Prober) { r.prober = p }

// Status is the /status snapshot.
type Status struct {
	ActiveConcurrent   int64 `json:"active_concurrent"`
	ConcurrencyCap     int64 `json:"concurrency_cap"`
	LocalLatencyP95Ms  int64 `json:"local_latency_p95_ms"`
	LatencyThresholdMs int64 `json:"latency_threshold_ms"`
	BluetoothEnabled   bool  `json:"bluetooth_enabled"`
	SwarmEnabled       bool  `json:"swarm_enabled"`
}

// Status reports the router's observable state.
func (r *Router) Status() Status {
	return Status{
		ActiveConcurrent:   r.active.Load(),
		ConcurrencyCap:     r.cfg.ConcurrencyCap,
		LocalLatencyP95Ms:  r.window.P95(),
		LatencyThresholdMs: r.cfg.LatencyThresholdMs,
		BluetoothEnabled:   r.bluetooth != nil,
		SwarmEnabled:       r.swarm != nil,
	}
}

// Route serves one request through the waterfall. It returns an error only
// on caller cancellation or configured backpressure; otherwise the stub
// floor guarantees a response.
func (r *Router) Route(ctx context.Context, req Request) (*Response, error) {
	system, prompt := flatten(req.Messages)

	// bluetooth-local
	if resp, final, err := r.tryBluetooth(ctx, req, prompt); final {
		return resp, err
	}

	// ollama-local
	if resp, final, err := r.tryLocal(ctx, req, system, prompt); final {
		return resp, err
	}

	// swarm
	if resp, final, err := r.tryProvider(ctx, RouteSwarm, r.swarm, req, system, prompt); final {
		return resp, err
	}

	// stub: the floor, never filtered, never fails
	resp, _, err := r.tryProvider(ctx, RouteStub, r.stub, req, system, prompt)
	return resp, err
}

// tryBluetooth attempts the BLE tier. final=false means fall through.
func (r *Router) tryBluetooth(ctx context.Context, req Request, prompt string) (*Response, bool, error) {
	if r.bluetooth == nil || !r.tierAvailable(RouteBluetooth) {
		return nil, false, nil
	}
	peerID, ok := r.bluetooth.BestPeer(req.RequestedModel, len(prompt))
	if !ok {
		observability.RouterDecisions.WithLabelValues(string(RouteBluetooth), "skipped").Inc()
		return nil, false, nil
	}

	meta := RouteMeta{Route: RouteBluetooth, Label: "BLE peer " + peerID, P95Ms: r.window.P95(), Concurrent: r.active.Load()}
	r.emitRoute(req, meta)

	start := time.Now()
	text, model, credits, err := r.bluetooth.Execute(ctx, peerID, prompt, r.deltaSink(req))
	if err != nil {
		if ctx.Err() != nil {
			return nil, true, ctx.Err()
		}
		r.demote(RouteBluetooth, err)
		if r.abortAfterPartial(req, text) {
			return nil, true, fmt.Errorf("bluetooth tier failed mid-stream: %w", err)
		}
		return nil, false, nil
	}

	meta.Model = model
	resp := &Response{
		Route:        RouteBluetooth,
		RouteLabel:   meta.Label,
		Model:        model,
		Text:         text,
		LatencyMs:    time.Since(start).Milliseconds(),
		CreditsSpent: credits,
		Meta:         meta,
	}
	r.finish(req, resp)
	return resp, true, nil
}

// tryLocal attempts the local model behind the concurrency semaphore.
func (r *Router) tryLocal(ctx context.Context, req Request, system, prompt string) (*Response, bool, error) {
	if r.local == nil || !r.tierAvailable(RouteLocal) {
		return nil, false, nil
	}
	if req.RequestedModel != "" && req.RequestedModel != r.local.Model() {
		observability.RouterDecisions.WithLabelValues(string(RouteLocal), "skipped").Inc()
		return nil, false, nil
	}
	if p95 := r.window.P95(); p95 >= r.cfg.LatencyThresholdMs && p95 > 0 {
		observability.RouterDecisions.WithLabelValues(string(RouteLocal), "skipped").Inc()
		return nil, false, nil
	}
	if r.prober != nil && !r.prober.Healthy(provider.KindLocalLLM) {
		observability.RouterDecisions.WithLabelValues(string(RouteLocal), "skipped").Inc()
		return nil, false, nil
	}
	if !r.sem.TryAcquire(1) {
		observability.RouterDecisions.WithLabelValues(string(RouteLocal), "skipped").Inc()
		if r.cfg.Backpressure && req.RequestedModel != "" {
			return nil, true, ErrBackpressure
		}
		return nil, false, nil
	}
	r.active.Add(1)
	observability.LocalConcurrency.Set(float64(r.active.Load()))
	defer func() {
		r.sem.Release(1)
		r.active.Add(-1)
		observability.LocalConcurrency.Set(float64(r.active.Load()))
	}()

	meta := RouteMeta{
		Route:      RouteLocal,
		Label:      "local " + r.local.Model(),
		Model:      r.local.Model(),
		P95Ms:      r.window.P95(),
		Concurrent: r.active.Load(),
	}
	r.emitRoute(req, meta)

	start := time.Now()
	res := r.local.Generate(ctx, provider.Request{
		Prompt:      prompt,
		System:      system,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		OnDelta:     r.deltaSink(req),
	})
	elapsed := time.Since(start)

	if res.Failed() {
		if ctx.Err() != nil {
			return nil, true, ctx.Err()
		}
		r.demote(RouteLocal, errors.New(res.Err))
		if r.abortAfterPartial(req, res.Text) {
			return nil, true, fmt.Errorf("local tier failed mid-stream: %s", res.Err)
		}
		return nil, false, nil
	}

	r.window.Add(elapsed.Milliseconds())
	observability.LocalInferenceLatency.Observe(elapsed.Seconds())

	resp := &Response{
		Route:      RouteLocal,
		RouteLabel: meta.Label,
		Model:      res.Model,
		Text:       res.Text,
		LatencyMs:  elapsed.Milliseconds(),
		Meta:       meta,
	}
	r.finish(req, resp)
	return resp, true, nil
}

// tryProvider serves the swarm and stub tiers, which share provider shape.
func (r *Router) tryProvider(ctx context.Context, route Route, p provider.Provider, req Request, system, prompt string) (*Response, bool, error) {
	if p == nil || !r.tierAvailable(route) {
		return nil, false, nil
	}
	// The stub is the unconditional floor; real tiers honor the model filter.
	if route != RouteStub && req.RequestedModel != "" && p.Model() != "" && p.Model() != req.RequestedModel {
		observability.RouterDecisions.WithLabelValues(string(route), "skipped").Inc()
		return nil, false, nil
	}

	label := string(route)
	if p.Model() != "" {
		label = fmt.Sprintf("%s (%s)", route, p.Model())
	}
	meta := RouteMeta{Route: route, Label: label, Model: p.Model(), P95Ms: r.window.P95(), Concurrent: r.active.Load()}
	r.emitRoute(req, meta)

	start := time.Now()
	res := p.Generate(ctx, provider.Request{
		Prompt:      prompt,
		System:      system,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		OnDelta:     r.deltaSink(req),
	})
	if res.Failed() {
		if ctx.Err() != nil {
			return nil, true, ctx.Err()
		}
		r.demote(route, errors.New(res.Err))
		if r.abortAfterPartial(req, res.Text) {
			return nil, true, fmt.Errorf("%s tier failed mid-stream: %s", route, res.Err)
		}
		return nil, false, nil
	}

	resp := &Response{
		Route:      route,
		RouteLabel: label,
		Model:      res.Model,
		Text:       res.Text,
		LatencyMs:  time.Since(start).Milliseconds(),
		Meta:       meta,
	}
	r.finish(req, resp)
	return resp, true, nil
}

// tierAvailable reports whether the tier is out of its failure cool-down.
func (r *Router) tierAvailable(route Route) bool {
	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()
	until, ok := r.cooldown[route]
	if !ok {
		return true
	}
	if time.Now().After(until) {
		delete(r.cooldown, route)
		return true
	}
	return false
}

// demote sidelines a tier for the configured cool-down.
func (r *Router) demote(route Route, err error) {
	r.cooldownMu.Lock()
	r.cooldown[route] = time.Now().Add(r.cfg.TierCooldown)
	r.cooldownMu.Unlock()

	observability.RouterDecisions.WithLabelValues(string(route), "demoted").Inc()
	r.logger.Warn("Tier demoted", "route", route, "cooldown", r.cfg.TierCooldown, "error", err)
}

// deltaSink adapts streaming deltas onto the frame callback.
func (r *Router) deltaSink(req Request) func(string) {
	if req.OnFrame == nil {
		return nil
	}
	return func(d string) {
		req.OnFrame(Frame{Type: "delta", Content: d})
	}
}

// emitRoute sends the route frame at the start of each serving attempt.
func (r *Router) emitRoute(req Request, meta RouteMeta) {
	if req.OnFrame != nil {
		m := meta
		req.OnFrame(Frame{Type: "route", Meta: &m})
	}
}

// abortAfterPartial decides whether a mid-stream failure ends the request.
// Once deltas have reached a streaming client, falling through to another
// tier would duplicate content, so the request fails instead. The partial
// output the client already saw is preserved on its side.
func (r *Router) abortAfterPartial(req Request, partial string) bool {
	if req.OnFrame == nil || partial == "" {
		return false
	}
	req.OnFrame(Frame{Type: "error", Error: "tier failed mid-stream"})
	return true
}

// finish emits the terminal frame and counts the decision.
func (r *Router) finish(req Request, resp *Response) {
	observability.RouterDecisions.WithLabelValues(string(resp.Route), "served").Inc()
	if req.OnFrame != nil {
		req.OnFrame(Frame{Type: "done", Meta: &resp.Meta})
	}
}

// flatten folds a conversation into a system preamble and a prompt. Single
// user turns pass through untouched; longer conversations become a labelled
// transcript ending with the assistant cue.
func flatten(messages []models.ChatMessage) (system, prompt string) {
	var sys []string
	var turns []models.ChatMessage
	for _, m := range messages {
		if m.Role == models.RoleSystem {
			sys = append(sys, m.Content)
			continue
		}
		turns = append(turns, m)
	}
	system = strings.Join(sys, "\n")

	if len(turns) == 1 && turns[0].Role == models.RoleUser {
		return system, turns[0].Content
	}
	var b strings.Builder
	for _, m := range turns {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	b.WriteString("assistant:")
	return system, b.String()
}
