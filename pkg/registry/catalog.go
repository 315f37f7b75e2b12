// Package registry maintains the coordinator's agent catalog: who is
// registered, whether they are approved, when they last heartbeated, and what
// they can run. Registration and heartbeat are the only writers; everything
// else reads snapshots under a short lock.
package registry

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/edgecoder/edgecoder/pkg/models"
	"github.com/edgecoder/edgecoder/pkg/observability"
)

var (
	// ErrAgentNotFound indicates an agent id absent from the catalog.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrAgentBlacklisted indicates an agent that must be refused everywhere.
	ErrAgentBlacklisted = errors.New("agent is blacklisted")
	// ErrAgentNotApproved indicates a pending agent asking for work.
	ErrAgentNotApproved = errors.New("agent is not approved")
	// ErrPublicKeyChanged indicates a re-registration with a different key.
	ErrPublicKeyChanged = errors.New("public key does not match registered key")
)

// Catalog is the in-memory agent registry.
type Catalog struct {
	mu     sync.RWMutex
	agents map[string]*models.Agent

	approvalToken string
	staleAfter    time.Duration
	dropAfter     time.Duration
	logger        *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithApprovalToken sets the token that auto-approves first registrations.
func WithApprovalToken(token string) Option {
	return func(c *Catalog) { c.approvalToken = token }
}

// WithStaleAfter overrides the heartbeat staleness window.
func WithStaleAfter(d time.Duration) Option {
	return func(c *Catalog) { c.staleAfter = d }
}

// WithDropAfter overrides how long a silent agent stays in the catalog.
func WithDropAfter(d time.Duration) Option {
	return func(c *Catalog) { c.dropAfter = d }
}

// NewCatalog creates an empty catalog.
func NewCatalog(logger *slog.Logger, opts ...Option) *Catalog {
	c := &Catalog{
		agents:     make(map[string]*models.Agent),
		staleAfter: 45 * time.Second,
		dropAfter:  24 * time.Hour,
		logger:     logger.With("component", "agent_catalog"),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterInput is the payload of a registration request.
type RegisterInput struct {
	AgentID       string
	AccountID     string
	PublicKey     string
	Capabilities  models.Capabilities
	ApprovalToken string
}

// Register adds an agent or refreshes an existing one. First registrations
// land in pending unless the approval token matches; re-registrations must
// present the original public key and keep their approval status. Returns
// the resulting status.
func (c *Catalog) Register(in RegisterInput) (models.ApprovalStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if existing, ok := c.agents[in.AgentID]; ok {
		if existing.ApprovalStatus == models.ApprovalBlacklisted {
			return models.ApprovalBlacklisted, ErrAgentBlacklisted
		}
		if subtle.ConstantTimeCompare([]byte(existing.PublicKey), []byte(in.PublicKey)) != 1 {
			return existing.ApprovalStatus, ErrPublicKeyChanged
		}
		existing.Capabilities = in.Capabilities
		existing.LastHeartbeat = now
		if in.AccountID != "" {
			existing.AccountID = in.AccountID
		}
		return existing.ApprovalStatus, nil
	}

	status := models.ApprovalPending
	if c.approvalToken != "" && subtle.ConstantTimeCompare([]byte(in.ApprovalToken), []byte(c.approvalToken)) == 1 {
		status = models.ApprovalApproved
	}

	c.agents[in.AgentID] = &models.Agent{
		AgentID:        in.AgentID,
		AccountID:      in.AccountID,
		PublicKey:      in.PublicKey,
		Capabilities:   in.Capabilities,
		LastHeartbeat:  now,
		ApprovalStatus: status,
		Reliability:    1.0,
		RegisteredAt:   now,
	}
	c.logger.Info("Agent registered",
		"agent_id", in.AgentID,
		"status", status,
		"model", in.Capabilities.ActiveModel)
	c.updateGauges()
	return status, nil
}

// HeartbeatInput is the payload of a heartbeat request.
type HeartbeatInput struct {
	AgentID              string
	CurrentLoad          int
	PowerState           models.PowerState
	ActiveModel          string
	ActiveModelParamSize float64
}

// Heartbeat refreshes an agent's liveness, load, power state, and active
// model. Blacklisted agents are refused.
func (c *Catalog) Heartbeat(in HeartbeatInput) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	agent, ok := c.agents[in.AgentID]
	if !ok {
		return ErrAgentNotFound
	}
	if agent.ApprovalStatus == models.ApprovalBlacklisted {
		return ErrAgentBlacklisted
	}

	agent.LastHeartbeat = time.Now()
	agent.CurrentLoad = in.CurrentLoad
	agent.PowerState = in.PowerState
	if in.ActiveModel != "" {
		agent.Capabilities.ActiveModel = in.ActiveModel
		agent.Capabilities.ActiveModelParamSize = in.ActiveModelParamSize
	}
	return nil
}

// Get returns a copy of one agent.
func (c *Catalog) Get(agentID string) (models.Agent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	agent, ok := c.agents[agentID]
	if !ok {
		return models.Agent{}, ErrAgentNotFound
	}
	return *agent, nil
}

// Approve flips a pending agent to approved.
func (c *Catalog) Approve(agentID string) error {
	return c.setStatus(agentID, models.ApprovalApproved)
}

// Blacklist marks an agent as refused everywhere. The queue and the mesh
// consult this before trusting anything the agent sends.
func (c *Catalog) Blacklist(agentID string) error {
	return c.setStatus(agentID, models.ApprovalBlacklisted)
}

func (c *Catalog) setStatus(agentID string, status models.ApprovalStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	agent, ok := c.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	agent.ApprovalStatus = status
	c.logger.Info("Agent status changed", "agent_id", agentID, "status", status)
	c.updateGauges()
	return nil
}

// IsBlacklisted reports whether the agent id is known and blacklisted.
func (c *Catalog) IsBlacklisted(agentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	agent, ok := c.agents[agentID]
	return ok && agent.ApprovalStatus == models.ApprovalBlacklisted
}

// EligibleForWork reports whether the agent may claim subtasks right now:
// registered, approved, and allowed by the power policy derived from its
// latest heartbeat.
func (c *Catalog) EligibleForWork(agentID string) (WorkPolicy, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	agent, ok := c.agents[agentID]
	if !ok {
		return WorkPolicy{}, ErrAgentNotFound
	}
	switch agent.ApprovalStatus {
	case models.ApprovalBlacklisted:
		return WorkPolicy{}, ErrAgentBlacklisted
	case models.ApprovalPending:
		return WorkPolicy{}, ErrAgentNotApproved
	}
	return EvaluatePowerPolicy(agent.Capabilities.DeviceType, agent.PowerState), nil
}

// DecrementReliability lowers an agent's reliability score after a reclaim,
// clamped at zero.
func (c *Catalog) DecrementReliability(agentID string, by float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	agent, ok := c.agents[agentID]
	if !ok {
		return
	}
	agent.Reliability -= by
	if agent.Reliability < 0 {
		agent.Reliability = 0
	}
}

// Snapshot returns copies of all agents.
func (c *Catalog) Snapshot() []models.Agent {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.Agent, 0, len(c.agents))
	for _, agent := range c.agents {
		out = append(out, *agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// AvailableModels aggregates the active models of approved, non-stale agents
// into the /models/available rows.
func (c *Catalog) AvailableModels() []models.ModelAvailability {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	type acc struct {
		paramSize float64
		count     int
		loadSum   int
	}
	byModel := make(map[string]*acc)
	for _, agent := range c.agents {
		if agent.ApprovalStatus != models.ApprovalApproved {
			continue
		}
		if agent.HeartbeatStale(now, c.staleAfter) {
			continue
		}
		model := agent.Capabilities.ActiveModel
		if model == "" {
			continue
		}
		a, ok := byModel[model]
		if !ok {
			a = &acc{paramSize: agent.Capabilities.ActiveModelParamSize}
			byModel[model] = a
		}
		a.count++
		a.loadSum += agent.CurrentLoad
	}

	out := make([]models.ModelAvailability, 0, len(byModel))
	for model, a := range byModel {
		out = append(out, models.ModelAvailability{
			Model:      model,
			ParamSize:  a.paramSize,
			AgentCount: a.count,
			AvgLoad:    float64(a.loadSum) / float64(a.count),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// StartSweeper launches the background sweep that drops agents silent for
// longer than dropAfter.
func (c *Catalog) StartSweeper(ctx context.Context, interval time.Duration) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

// Stop terminates the sweeper and waits for it to exit.
func (c *Catalog) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Catalog) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for id, agent := range c.agents {
		if now.Sub(agent.LastHeartbeat) > c.dropAfter {
			delete(c.agents, id)
			c.logger.Info("Agent dropped after prolonged silence", "agent_id", id)
		}
	}
	c.updateGauges()
}

// updateGauges refreshes the per-status agent gauges. Callers hold c.mu.
func (c *Catalog) updateGauges() {
	counts := map[models.ApprovalStatus]int{}
	for _, agent := range c.agents {
		counts[agent.ApprovalStatus]++
	}
	for _, status := range []models.ApprovalStatus{models.ApprovalPending, models.ApprovalApproved, models.ApprovalBlacklisted} {
		observability.RegisteredAgents.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
