package config

import "time"

// Default returns the built-in configuration. User YAML merges over this,
// then the recognized env options override both.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8090",
			PublicURL:       "http://localhost:8090",
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
			MigrateOnStart:  true,
		},
		Mesh: MeshConfig{
			SwarmEnabled: true,
			NonceTTL:     5 * time.Minute,
		},
		Gossip: GossipConfig{
			RateLimit:            50,
			RateWindow:           10 * time.Second,
			PeerExchangeInterval: 30 * time.Second,
			DedupCacheSize:       4096,
			EvictBelowScore:      0.2,
			DefaultTTL:           2 * time.Minute,
			FanOut:               3,
		},
		Router: RouterConfig{
			ConcurrencyCap:     2,
			LatencyThresholdMs: 8000,
			LatencyWindow:      50,
			TierCooldown:       30 * time.Second,
			PeerCostMargin:     10,
			SwarmWait:          2 * time.Minute,
		},
		Queue: QueueConfig{
			ClaimTimeout:     2 * time.Minute,
			ReclaimInterval:  10 * time.Second,
			MaxAttempts:      3,
			RetryBackoffBase: time.Second,
			RetryBackoffMax:  30 * time.Second,
		},
		Ledger: LedgerConfig{
			KeyFile:         "data/ledger.key",
			CheckpointEvery: 256,
		},
		Catalog: CatalogConfig{
			HeartbeatInterval: 15 * time.Second,
			StaleAfter:        45 * time.Second,
			SweepInterval:     time.Minute,
			DropAfter:         24 * time.Hour,
			DirectOfferLimit:  3,
		},
		Sandbox: SandboxConfig{
			Required: true,
			Mode:     SandboxDocker,
			Images: map[string]string{
				"python":     "python:3.12-alpine",
				"javascript": "node:20-alpine",
			},
			MemoryMB:         256,
			CPUs:             0.5,
			PidsLimit:        50,
			ValidatorTimeout: 5 * time.Second,
			PythonBin:        "python3",
			NodeBin:          "node",
		},
		AgentLoop: AgentLoopConfig{
			MaxIterationsInteractive: 3,
			MaxIterationsWorker:      2,
			PlanTemperature:          0.7,
			CodeTemperature:          0.2,
			MaxTokens:                1024,
		},
		Providers: ProvidersConfig{
			Active:         "stub",
			HealthInterval: 30 * time.Second,
			Ollama: OllamaConfig{
				BaseURL:    "http://127.0.0.1:11434",
				Model:      "qwen2.5-coder:1.5b",
				ParamSizeB: 1.5,
				Timeout:    2 * time.Minute,
			},
			Peer: PeerLLMConfig{
				Tier:    "coordinator",
				Timeout: 2 * time.Minute,
			},
		},
		Escalation: EscalationConfig{
			BackendOrder: []string{
				BackendParentCoordinator,
				BackendCloudInference,
				BackendHumanQueue,
			},
			MaxRetries:       2,
			RetryBackoffBase: 500 * time.Millisecond,
			ResultTTL:        time.Hour,
			Parent: ParentBackendConfig{
				AttemptTimeout: 30 * time.Second,
			},
			Cloud: CloudBackendConfig{
				Provider:       "openai",
				APIKeyEnv:      "EDGECODER_CLOUD_API_KEY",
				Model:          "gpt-4o-mini",
				AttemptTimeout: 60 * time.Second,
			},
			Human: HumanBackendConfig{
				Enabled:   true,
				QueueSize: 256,
			},
		},
		Credits: CreditsConfig{
			FailurePayoutRatio: 0.5,
			FailurePayoutMin:   1,
		},
		Snapshots: SnapshotConfig{
			Dir:          "data/snapshots",
			CacheTTL:     10 * time.Minute,
			MaxBlobBytes: 32 << 20,
		},
		Retention: RetentionConfig{
			Interval:    time.Hour,
			EventTTL:    72 * time.Hour,
			SnapshotTTL: 7 * 24 * time.Hour,
		},
		Notifications: NotificationsConfig{
			SlackTokenEnv: "SLACK_BOT_TOKEN",
		},
	}
}
