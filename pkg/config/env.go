package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Recognized environment options. Each one overrides the corresponding
// file/default value when set; unparseable values are logged and skipped so a
// bad override never silently zeroes a setting.
const (
	EnvMeshAuthToken            = "MESH_AUTH_TOKEN"
	EnvSandboxRequired          = "SANDBOX_REQUIRED"
	EnvMaxIterationsInteractive = "MAX_ITERATIONS_INTERACTIVE"
	EnvMaxIterationsWorker      = "MAX_ITERATIONS_WORKER"
	EnvConcurrencyCap           = "CONCURRENCY_CAP"
	EnvLatencyThresholdMs       = "LATENCY_THRESHOLD_MS"
	EnvClaimTimeoutMs           = "CLAIM_TIMEOUT_MS"
	EnvGossipRateLimit          = "GOSSIP_RATE_LIMIT"
	EnvEscalationBackendOrder   = "ESCALATION_BACKEND_ORDER"
)

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvMeshAuthToken); v != "" {
		cfg.Mesh.AuthToken = v
	}
	if v := os.Getenv(EnvSandboxRequired); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Sandbox.Required = b
		} else {
			slog.Warn("Ignoring unparseable environment override",
				"name", EnvSandboxRequired, "value", v)
		}
	}
	setPositiveInt(EnvMaxIterationsInteractive, &cfg.AgentLoop.MaxIterationsInteractive)
	setPositiveInt(EnvMaxIterationsWorker, &cfg.AgentLoop.MaxIterationsWorker)
	setPositiveInt(EnvConcurrencyCap, &cfg.Router.ConcurrencyCap)
	setPositiveInt(EnvGossipRateLimit, &cfg.Gossip.RateLimit)
	if v := os.Getenv(EnvLatencyThresholdMs); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			cfg.Router.LatencyThresholdMs = ms
		} else {
			slog.Warn("Ignoring unparseable environment override",
				"name", EnvLatencyThresholdMs, "value", v)
		}
	}
	if v := os.Getenv(EnvClaimTimeoutMs); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Queue.ClaimTimeout = time.Duration(ms) * time.Millisecond
		} else {
			slog.Warn("Ignoring unparseable environment override",
				"name", EnvClaimTimeoutMs, "value", v)
		}
	}
	if v := os.Getenv(EnvEscalationBackendOrder); v != "" {
		var order []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				order = append(order, b)
			}
		}
		if len(order) > 0 {
			cfg.Escalation.BackendOrder = order
		}
	}
}

func setPositiveInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("Ignoring unparseable environment override", "name", name, "value", v)
		return
	}
	*dst = n
}

// AgentEnv is the environment-driven configuration for the agent binary.
// Unlike the coordinator the agent carries no config file; everything it
// needs fits in a handful of variables.
type AgentEnv struct {
	CoordinatorURL  string   `env:"EDGECODER_COORDINATOR_URL" envDefault:"http://localhost:8090"`
	MeshToken       string   `env:"MESH_AUTH_TOKEN"`
	ApprovalToken   string   `env:"EDGECODER_APPROVAL_TOKEN"`
	AgentID         string   `env:"EDGECODER_AGENT_ID"`
	DataDir         string   `env:"EDGECODER_DATA_DIR" envDefault:"data"`
	KeyFile         string   `env:"EDGECODER_KEY_FILE"`
	DeviceType      string   `env:"EDGECODER_DEVICE_TYPE" envDefault:"laptop"`
	ActiveModel     string   `env:"EDGECODER_ACTIVE_MODEL"`
	ModelParamSizeB float64  `env:"EDGECODER_MODEL_PARAM_SIZE_B"`
	MemoryMB        int      `env:"EDGECODER_MEMORY_MB" envDefault:"4096"`
	Languages       []string `env:"EDGECODER_LANGUAGES" envSeparator:"," envDefault:"python,javascript"`
	ResourceClass   string   `env:"EDGECODER_RESOURCE_CLASS" envDefault:"cpu"`

	ConcurrencyCap  int    `env:"CONCURRENCY_CAP" envDefault:"1"`
	SandboxRequired bool   `env:"SANDBOX_REQUIRED" envDefault:"true"`
	SandboxMode     string `env:"EDGECODER_SANDBOX_MODE" envDefault:"docker"`
	MaxIterations   int    `env:"MAX_ITERATIONS_WORKER" envDefault:"2"`

	HeartbeatInterval time.Duration `env:"EDGECODER_HEARTBEAT_INTERVAL" envDefault:"15s"`
	PollInterval      time.Duration `env:"EDGECODER_POLL_INTERVAL" envDefault:"2s"`

	OllamaURL   string `env:"EDGECODER_OLLAMA_URL" envDefault:"http://127.0.0.1:11434"`
	OllamaModel string `env:"EDGECODER_OLLAMA_MODEL"`

	CreditDB  string `env:"EDGECODER_CREDIT_DB"`
	AccountID string `env:"EDGECODER_ACCOUNT_ID"`
}

// LoadAgentEnv parses the agent environment and fills path defaults that
// derive from the data directory.
func LoadAgentEnv() (*AgentEnv, error) {
	var a AgentEnv
	if err := env.Parse(&a); err != nil {
		return nil, NewLoadError("environment", err)
	}
	if a.KeyFile == "" {
		a.KeyFile = a.DataDir + "/agent.key"
	}
	if a.CreditDB == "" {
		a.CreditDB = a.DataDir + "/credits.db"
	}
	return &a, nil
}
