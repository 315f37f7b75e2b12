package config

import (
	"errors"
	"fmt"
	"slices"
)

var validBackends = []string{
	BackendParentCoordinator,
	BackendCloudInference,
	BackendHumanQueue,
}

// Validate checks the merged configuration for internally inconsistent or
// out-of-range values. All problems are reported at once.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, NewValidationError("server", "", "listen_addr", ErrMissingRequiredField))
	}

	errs = append(errs, validateSandbox(&cfg.Sandbox)...)
	errs = append(errs, validateRouter(&cfg.Router)...)
	errs = append(errs, validateQueue(&cfg.Queue)...)
	errs = append(errs, validateGossip(&cfg.Gossip)...)
	errs = append(errs, validateEscalation(&cfg.Escalation)...)
	errs = append(errs, validateCredits(&cfg.Credits)...)

	if cfg.AgentLoop.MaxIterationsInteractive < 1 {
		errs = append(errs, NewValidationError("agent_loop", "", "max_iterations_interactive",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue)))
	}
	if cfg.AgentLoop.MaxIterationsWorker < 1 {
		errs = append(errs, NewValidationError("agent_loop", "", "max_iterations_worker",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue)))
	}
	if cfg.Mesh.SwarmEnabled && cfg.Mesh.AuthToken == "" {
		errs = append(errs, NewValidationError("mesh", "", "auth_token",
			fmt.Errorf("%w: required when swarm is enabled", ErrMissingRequiredField)))
	}
	if cfg.Retention.Interval <= 0 {
		errs = append(errs, NewValidationError("retention", "", "interval",
			fmt.Errorf("%w: must be positive", ErrInvalidValue)))
	}
	if cfg.Retention.EventTTL < 0 {
		errs = append(errs, NewValidationError("retention", "", "event_ttl",
			fmt.Errorf("%w: must not be negative", ErrInvalidValue)))
	}
	if cfg.Retention.SnapshotTTL < 0 {
		errs = append(errs, NewValidationError("retention", "", "snapshot_ttl",
			fmt.Errorf("%w: must not be negative", ErrInvalidValue)))
	}

	return errors.Join(errs...)
}

func validateSandbox(s *SandboxConfig) []error {
	var errs []error
	switch s.Mode {
	case SandboxDocker, SandboxProcess, SandboxNone:
	default:
		errs = append(errs, NewValidationError("sandbox", "", "mode",
			fmt.Errorf("%w: %q (want docker, process, or none)", ErrInvalidValue, s.Mode)))
	}
	if s.Required && s.Mode == SandboxNone {
		errs = append(errs, NewValidationError("sandbox", "", "mode",
			fmt.Errorf("%w: mode none conflicts with required=true", ErrInvalidValue)))
	}
	if s.MemoryMB < 16 {
		errs = append(errs, NewValidationError("sandbox", "", "memory_mb",
			fmt.Errorf("%w: must be at least 16", ErrInvalidValue)))
	}
	return errs
}

func validateRouter(r *RouterConfig) []error {
	var errs []error
	if r.ConcurrencyCap < 1 {
		errs = append(errs, NewValidationError("router", "", "concurrency_cap",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue)))
	}
	if r.LatencyThresholdMs <= 0 {
		errs = append(errs, NewValidationError("router", "", "latency_threshold_ms",
			fmt.Errorf("%w: must be positive", ErrInvalidValue)))
	}
	if r.LatencyWindow < 1 {
		errs = append(errs, NewValidationError("router", "", "latency_window",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue)))
	}
	return errs
}

func validateQueue(q *QueueConfig) []error {
	var errs []error
	if q.ClaimTimeout <= 0 {
		errs = append(errs, NewValidationError("queue", "", "claim_timeout",
			fmt.Errorf("%w: must be positive", ErrInvalidValue)))
	}
	if q.MaxAttempts < 1 {
		errs = append(errs, NewValidationError("queue", "", "max_attempts",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue)))
	}
	return errs
}

func validateGossip(g *GossipConfig) []error {
	var errs []error
	if g.RateLimit < 1 {
		errs = append(errs, NewValidationError("gossip", "", "rate_limit",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue)))
	}
	if g.FanOut < 1 {
		errs = append(errs, NewValidationError("gossip", "", "fan_out",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue)))
	}
	if g.EvictBelowScore < 0 || g.EvictBelowScore >= 1 {
		errs = append(errs, NewValidationError("gossip", "", "evict_below_score",
			fmt.Errorf("%w: must be in [0, 1)", ErrInvalidValue)))
	}
	return errs
}

func validateEscalation(e *EscalationConfig) []error {
	var errs []error
	if len(e.BackendOrder) == 0 {
		errs = append(errs, NewValidationError("escalation", "", "backend_order", ErrMissingRequiredField))
	}
	for _, b := range e.BackendOrder {
		if !slices.Contains(validBackends, b) {
			errs = append(errs, NewValidationError("escalation", b, "backend_order",
				fmt.Errorf("%w: unknown backend", ErrInvalidValue)))
		}
	}
	if e.MaxRetries < 1 {
		errs = append(errs, NewValidationError("escalation", "", "max_retries",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue)))
	}
	switch e.Cloud.Provider {
	case "", CloudProviderOpenAI, CloudProviderAnthropic:
	default:
		errs = append(errs, NewValidationError("escalation", e.Cloud.Provider, "cloud.provider",
			fmt.Errorf("%w: unknown provider (want openai or anthropic)", ErrInvalidValue)))
	}
	return errs
}

func validateCredits(c *CreditsConfig) []error {
	var errs []error
	if c.FailurePayoutRatio < 0 || c.FailurePayoutRatio > 1 {
		errs = append(errs, NewValidationError("credits", "", "failure_payout_ratio",
			fmt.Errorf("%w: must be in [0, 1]", ErrInvalidValue)))
	}
	if c.FailurePayoutMin < 0 {
		errs = append(errs, NewValidationError("credits", "", "failure_payout_min",
			fmt.Errorf("%w: must not be negative", ErrInvalidValue)))
	}
	return errs
}
