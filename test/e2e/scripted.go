package e2e

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/edgecoder/edgecoder/pkg/models"
	"github.com/edgecoder/edgecoder/pkg/provider"
)

// ProviderScriptEntry defines a single scripted completion.
type ProviderScriptEntry struct {
	// Response content (exactly one should be set)
	Text string // Completion text returned as-is
	Err  string // Error-marked result, the provider's failure mode

	// Test control
	BlockUntilCancelled bool            // Block Generate() until ctx is cancelled
	OnBlock             chan<- struct{} // Notified when Generate() enters its blocking path
}

// ScriptedProvider implements provider.Provider from a fixed script.
// Entries are consumed in call order; an exhausted script produces
// error-marked results so a test that under-scripts fails loudly instead
// of hanging.
type ScriptedProvider struct {
	mu       sync.Mutex
	kind     provider.Kind
	model    string
	healthy  bool
	entries  []ProviderScriptEntry
	index    int
	captured []provider.Request
}

// NewScriptedProvider creates a healthy scripted provider posing as a local
// model.
func NewScriptedProvider() *ScriptedProvider {
	return &ScriptedProvider{
		kind:    provider.KindLocalLLM,
		model:   "scripted-test-model",
		healthy: true,
	}
}

// Add appends one scripted completion.
func (p *ScriptedProvider) Add(entry ProviderScriptEntry) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, entry)
	return p
}

// AddText appends a plain-text completion.
func (p *ScriptedProvider) AddText(text string) *ScriptedProvider {
	return p.Add(ProviderScriptEntry{Text: text})
}

// AddCode appends a fenced code completion the way a real model answers a
// code prompt.
func (p *ScriptedProvider) AddCode(lang models.Language, code string) *ScriptedProvider {
	return p.AddText(fmt.Sprintf("```%s\n%s\n```", lang, code))
}

// SetHealthy flips the health probe result.
func (p *ScriptedProvider) SetHealthy(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = ok
}

// SetKind overrides the provider kind reported to the router.
func (p *ScriptedProvider) SetKind(k provider.Kind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kind = k
}

// Captured returns a snapshot of every request seen so far.
func (p *ScriptedProvider) Captured() []provider.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]provider.Request, len(p.captured))
	copy(out, p.captured)
	return out
}

// Calls returns how many Generate calls were served.
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.captured)
}

func (p *ScriptedProvider) Kind() provider.Kind { p.mu.Lock(); defer p.mu.Unlock(); return p.kind }
func (p *ScriptedProvider) Model() string       { return p.model }

func (p *ScriptedProvider) Healthy(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

// Generate implements provider.Provider.
func (p *ScriptedProvider) Generate(ctx context.Context, req provider.Request) *provider.Result {
	p.mu.Lock()
	p.captured = append(p.captured, req)
	if p.index >= len(p.entries) {
		n := p.index
		p.mu.Unlock()
		return &provider.Result{Kind: p.kind, Model: p.model,
			Err: fmt.Sprintf("script exhausted after %d calls", n)}
	}
	entry := p.entries[p.index]
	p.index++
	kind, model := p.kind, p.model
	p.mu.Unlock()

	if entry.BlockUntilCancelled {
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		<-ctx.Done()
		return &provider.Result{Kind: kind, Model: model, Err: ctx.Err().Error()}
	}
	if entry.Err != "" {
		return &provider.Result{Kind: kind, Model: model, Err: entry.Err}
	}
	if req.OnDelta != nil {
		req.OnDelta(entry.Text)
	}
	return &provider.Result{Text: entry.Text, Kind: kind, Model: model, LatencyMs: 1}
}

// ExecScriptEntry defines a single scripted sandbox run.
type ExecScriptEntry struct {
	Result *models.RunResult // Returned as-is
	Err    error             // Returned instead of a result
}

// ScriptedExecutor implements the retry loop's executor from a fixed script,
// so e2e scenarios run without Docker or local interpreters.
type ScriptedExecutor struct {
	mu       sync.Mutex
	entries  []ExecScriptEntry
	index    int
	captured []string // code passed to Execute, in call order
}

// NewScriptedExecutor creates an empty scripted executor.
func NewScriptedExecutor() *ScriptedExecutor {
	return &ScriptedExecutor{}
}

// Add appends one scripted run.
func (e *ScriptedExecutor) Add(entry ExecScriptEntry) *ScriptedExecutor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
	return e
}

// AddSuccess appends a passing run with the given stdout.
func (e *ScriptedExecutor) AddSuccess(stdout string) *ScriptedExecutor {
	return e.Add(ExecScriptEntry{Result: &models.RunResult{OK: true, Stdout: stdout, DurationMs: 5}})
}

// AddFailure appends a failing run with the given stderr and exit code.
func (e *ScriptedExecutor) AddFailure(stderr string, exitCode int) *ScriptedExecutor {
	return e.Add(ExecScriptEntry{Result: &models.RunResult{OK: false, Stderr: stderr, ExitCode: exitCode, DurationMs: 5}})
}

// Captured returns the code of every run seen so far.
func (e *ScriptedExecutor) Captured() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.captured))
	copy(out, e.captured)
	return out
}

// Execute implements agent.Executor.
func (e *ScriptedExecutor) Execute(ctx context.Context, lang models.Language, code string, timeout time.Duration) (*models.RunResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.captured = append(e.captured, code)
	if e.index >= len(e.entries) {
		return nil, fmt.Errorf("executor script exhausted after %d runs", e.index)
	}
	entry := e.entries[e.index]
	e.index++
	if entry.Err != nil {
		return nil, entry.Err
	}
	res := *entry.Result
	res.Language = lang
	return &res, nil
}
