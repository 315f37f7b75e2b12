package provider

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Prober periodically health-checks every registered provider so the router
// can consult cached health instead of probing on the request path. A kind
// that has never been probed counts as healthy until proven otherwise.
type Prober struct {
	registry *Registry
	interval time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	healthy map[Kind]bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewProber creates a prober over the registry. Start must be called before
// health results are refreshed.
func NewProber(registry *Registry, interval time.Duration, logger *slog.Logger) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Prober{
		registry: registry,
		interval: interval,
		logger:   logger.With("component", "provider_prober"),
		healthy:  make(map[Kind]bool),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the probe loop. An immediate sweep runs before the first
// tick so health is populated at startup.
func (p *Prober) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sweep(ctx)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.sweep(ctx)
			}
		}
	}()
}

// Stop terminates the probe loop and waits for it to exit.
func (p *Prober) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// Healthy returns the cached health for a kind. Unknown kinds report true;
// the router treats absence of evidence as good news and lets the actual
// call fail over instead.
func (p *Prober) Healthy(kind Kind) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.healthy[kind]
	if !ok {
		return true
	}
	return h
}

func (p *Prober) sweep(ctx context.Context) {
	for _, kind := range p.registry.Available() {
		prov := p.registry.Get(kind)
		if prov == nil {
			continue
		}
		ok := prov.Healthy(ctx)

		p.mu.Lock()
		prev, seen := p.healthy[kind]
		p.healthy[kind] = ok
		p.mu.Unlock()

		if seen && prev != ok {
			p.logger.Info("Provider health changed", "kind", kind, "healthy", ok)
		}
	}
}
