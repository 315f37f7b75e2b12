package config

import "time"

// Escalation backend names accepted in BackendOrder.
const (
	BackendParentCoordinator = "parent-coordinator"
	BackendCloudInference    = "cloud-inference"
	BackendHumanQueue        = "human-queue"
)

// Cloud inference providers accepted in CloudBackendConfig.Provider.
const (
	CloudProviderOpenAI    = "openai"
	CloudProviderAnthropic = "anthropic"
)

// EscalationConfig drives the bounded escalation waterfall.
type EscalationConfig struct {
	// BackendOrder is the waterfall, tried top to bottom. Overridable with
	// the ESCALATION_BACKEND_ORDER env option (comma-separated).
	BackendOrder []string `yaml:"backend_order"`

	// MaxRetries is the per-backend attempt budget.
	MaxRetries int `yaml:"max_retries"`

	// RetryBackoffBase seeds the exponential backoff between attempts.
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base"`

	// ResultTTL keeps resolved escalations pollable before the cache drops
	// them.
	ResultTTL time.Duration `yaml:"result_ttl"`

	Parent ParentBackendConfig `yaml:"parent"`
	Cloud  CloudBackendConfig  `yaml:"cloud"`
	Human  HumanBackendConfig  `yaml:"human"`
}

// ParentBackendConfig points at the parent coordinator.
type ParentBackendConfig struct {
	// URL of the parent coordinator; empty declines the backend.
	URL string `yaml:"url"`

	// AttemptTimeout bounds one dispatch+poll attempt.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// CloudBackendConfig points at a hosted inference API.
type CloudBackendConfig struct {
	// Provider is "openai" (any OpenAI-compatible endpoint) or "anthropic".
	Provider string `yaml:"provider"`

	// BaseURL overrides the provider's default endpoint (e.g. a proxy).
	BaseURL string `yaml:"base_url"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`

	// Model is the hosted model id.
	Model string `yaml:"model"`

	// AttemptTimeout bounds one completion attempt.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// HumanBackendConfig controls the human review queue.
type HumanBackendConfig struct {
	// Enabled turns the terminal human-queue backend on.
	Enabled bool `yaml:"enabled"`

	// QueueSize caps pending human reviews held in memory.
	QueueSize int `yaml:"queue_size"`
}

// CreditsConfig sets the settlement policy knobs.
type CreditsConfig struct {
	// FailurePayoutRatio is the fraction of the agreed credits paid for
	// failed-but-attempted work.
	FailurePayoutRatio float64 `yaml:"failure_payout_ratio"`

	// FailurePayoutMin floors the failure payout.
	FailurePayoutMin float64 `yaml:"failure_payout_min"`
}

// SnapshotConfig controls the content-addressed snapshot service.
type SnapshotConfig struct {
	// Dir is where snapshot blobs live on the coordinator.
	Dir string `yaml:"dir"`

	// CacheTTL bounds the agent-side fetch cache.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// MaxBlobBytes rejects oversized snapshot uploads/fetches.
	MaxBlobBytes int64 `yaml:"max_blob_bytes"`
}

// RetentionConfig bounds the coordinator state that grows without limit:
// relayed event rows and snapshot blobs. A zero TTL disables that sweep.
type RetentionConfig struct {
	// Interval is how often the retention pass runs.
	Interval time.Duration `yaml:"interval"`

	// EventTTL is how long relayed events stay available for catchup.
	EventTTL time.Duration `yaml:"event_ttl"`

	// SnapshotTTL is how long untouched snapshot blobs stay on disk.
	SnapshotTTL time.Duration `yaml:"snapshot_ttl"`
}

// NotificationsConfig wires optional Slack alerts for human-pending
// escalations.
type NotificationsConfig struct {
	// SlackEnabled turns notifications on.
	SlackEnabled bool `yaml:"slack_enabled"`

	// SlackTokenEnv names the env var holding the bot token.
	SlackTokenEnv string `yaml:"slack_token_env"`

	// SlackChannel is the channel id to post to.
	SlackChannel string `yaml:"slack_channel"`
}
