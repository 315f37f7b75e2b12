package config

import "time"

// RouterConfig tunes the intelligent-router waterfall.
type RouterConfig struct {
	// ConcurrencyCap is the semaphore size for in-flight local inferences.
	ConcurrencyCap int `yaml:"concurrency_cap"`

	// LatencyThresholdMs excludes the local tier once its rolling p95
	// exceeds this value.
	LatencyThresholdMs int64 `yaml:"latency_threshold_ms"`

	// LatencyWindow is how many recent local samples the p95 is computed
	// over.
	LatencyWindow int `yaml:"latency_window"`

	// TierCooldown is how long a tier stays excluded after a failure.
	TierCooldown time.Duration `yaml:"tier_cooldown"`

	// PeerCostMargin is added to the local cost when comparing against a
	// Bluetooth peer; the peer must beat local+margin to win.
	PeerCostMargin float64 `yaml:"peer_cost_margin"`

	// Backpressure, when true, makes over-cap local requests fail fast
	// (surfaced as 503) instead of blocking on the semaphore.
	Backpressure bool `yaml:"backpressure"`

	// SwarmWait bounds how long the swarm tier waits for a routed task to
	// reach a terminal state before demoting to the next tier.
	SwarmWait time.Duration `yaml:"swarm_wait"`
}

// QueueConfig tunes the swarm queue's claim and reclaim behaviour.
type QueueConfig struct {
	// ClaimTimeout is the default subtask timeout when a submission does
	// not set one; a claim older than the subtask timeout is reclaimable.
	ClaimTimeout time.Duration `yaml:"claim_timeout"`

	// ReclaimInterval is how often the sweep looks for expired claims.
	ReclaimInterval time.Duration `yaml:"reclaim_interval"`

	// MaxAttempts is the per-subtask retry budget before terminal failure.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryBackoffBase seeds the exponential requeue delay after a failed
	// attempt: base * 2^(attempt-1), capped at RetryBackoffMax.
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base"`

	// RetryBackoffMax caps the requeue delay.
	RetryBackoffMax time.Duration `yaml:"retry_backoff_max"`
}

// LedgerConfig tunes the ordering ledger.
type LedgerConfig struct {
	// KeyFile stores the coordinator's Ed25519 ledger seed.
	KeyFile string `yaml:"key_file"`

	// CheckpointEvery emits a checkpoint record after this many appends.
	CheckpointEvery int `yaml:"checkpoint_every"`
}

// CatalogConfig tunes the agent catalog.
type CatalogConfig struct {
	// HeartbeatInterval is the cadence agents are expected to report on.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// StaleAfter marks an agent stale once its last heartbeat is older than
	// this; stale agents are skipped by aggregation and work offers.
	StaleAfter time.Duration `yaml:"stale_after"`

	// SweepInterval is how often the catalog prunes long-gone agents.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// DropAfter removes an agent entirely after this much silence.
	DropAfter time.Duration `yaml:"drop_after"`

	// DirectOfferLimit caps the subtask ids piggybacked on a heartbeat
	// response as direct-work offers.
	DirectOfferLimit int `yaml:"direct_offer_limit"`
}
