// Package config loads, merges, and validates EdgeCoder configuration.
//
// The coordinator reads an optional YAML file (edgecoder.yaml) whose values
// are expanded against the environment, merged over built-in defaults, and
// then overridden by the recognized environment options (MESH_AUTH_TOKEN,
// SANDBOX_REQUIRED, CONCURRENCY_CAP, ...). The agent binary uses the flat
// env-tagged AgentEnv struct instead.
package config

import "time"

// Config is the fully resolved coordinator configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Mesh          MeshConfig          `yaml:"mesh"`
	Gossip        GossipConfig        `yaml:"gossip"`
	Router        RouterConfig        `yaml:"router"`
	Queue         QueueConfig         `yaml:"queue"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	Sandbox       SandboxConfig       `yaml:"sandbox"`
	AgentLoop     AgentLoopConfig     `yaml:"agent_loop"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Escalation    EscalationConfig    `yaml:"escalation"`
	Credits       CreditsConfig       `yaml:"credits"`
	Snapshots     SnapshotConfig      `yaml:"snapshots"`
	Retention     RetentionConfig     `yaml:"retention"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// ServerConfig controls the coordinator HTTP listener.
type ServerConfig struct {
	// ListenAddr is the host:port the HTTP server binds to.
	ListenAddr string `yaml:"listen_addr"`

	// PublicURL is the externally reachable base URL of this coordinator.
	// It doubles as the coordinator's peer identity in the gossip mesh.
	PublicURL string `yaml:"public_url"`

	// ShutdownTimeout bounds the graceful-shutdown drain of in-flight
	// requests.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// AllowedWSOrigins lists additional origins accepted on WebSocket
	// upgrades (the PublicURL origin is always accepted).
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// DatabaseConfig selects the durable store. An empty DSN runs the
// coordinator with in-memory ledger/credit/event stores, which is fine for
// development and tests but loses history on restart.
type DatabaseConfig struct {
	// DSN is the PostgreSQL connection string. Empty disables Postgres.
	DSN string `yaml:"dsn"`

	// MaxOpenConns caps the pgx pool size.
	MaxOpenConns int `yaml:"max_open_conns"`

	// MaxIdleConns caps idle pooled connections.
	MaxIdleConns int `yaml:"max_idle_conns"`

	// ConnMaxLifetime recycles pooled connections after this duration.
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// MigrateOnStart runs embedded schema migrations during bootstrap.
	MigrateOnStart bool `yaml:"migrate_on_start"`
}

// MeshConfig holds the shared secret and tier toggles for swarm traffic.
type MeshConfig struct {
	// AuthToken is the shared mesh secret carried in x-mesh-token. Required
	// whenever the swarm tier or gossip is enabled.
	AuthToken string `yaml:"auth_token"`

	// SwarmEnabled turns the swarm tier and the worker-facing endpoints on.
	SwarmEnabled bool `yaml:"swarm_enabled"`

	// BluetoothEnabled advertises the BLE tier in /status. The daemon only
	// exercises the tier when an in-process peer table is wired (agent CLI);
	// for a headless coordinator this is typically false.
	BluetoothEnabled bool `yaml:"bluetooth_enabled"`

	// ApprovalToken, when non-empty, auto-approves registrations presenting
	// it. Registrations without it stay pending until the portal approves
	// them.
	ApprovalToken string `yaml:"approval_token"`

	// NonceTTL bounds the anti-replay nonce cache. Signed requests with a
	// timestamp outside this window are rejected outright.
	NonceTTL time.Duration `yaml:"nonce_ttl"`
}

// GossipConfig tunes the cross-coordinator mesh.
type GossipConfig struct {
	// Seeds are peer coordinator URLs contacted at startup.
	Seeds []string `yaml:"seeds"`

	// RateLimit is the per-peer message budget per RateWindow. Exceeding
	// peers are demoted and eventually evicted.
	RateLimit int `yaml:"rate_limit"`

	// RateWindow is the window the RateLimit budget applies to.
	RateWindow time.Duration `yaml:"rate_window"`

	// PeerExchangeInterval is how often peer tables and capability
	// announcements are gossiped.
	PeerExchangeInterval time.Duration `yaml:"peer_exchange_interval"`

	// DedupCacheSize bounds the (origin, seq) duplicate-suppression LRU.
	DedupCacheSize int `yaml:"dedup_cache_size"`

	// EvictBelowScore is the reliability floor; peers under it are dropped
	// and their cached state cleared.
	EvictBelowScore float64 `yaml:"evict_below_score"`

	// DefaultTTL is applied to outbound messages without an explicit TTL.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// FanOut is how many peers relay each accepted broadcast message.
	FanOut int `yaml:"fan_out"`
}
