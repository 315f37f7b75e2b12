package config

import "time"

// SandboxMode selects the isolation mechanism for generated code.
type SandboxMode string

const (
	SandboxDocker  SandboxMode = "docker"
	SandboxProcess SandboxMode = "process"
	SandboxNone    SandboxMode = "none"
)

// SandboxConfig controls the executor sandbox.
type SandboxConfig struct {
	// Required blocks the "none" mode. When true, a run that resolves to
	// no sandbox fails with a policy violation instead of executing.
	Required bool `yaml:"required"`

	// Mode is the preferred isolation mechanism. Docker falls back to
	// process mode (with a warning) when the daemon is unreachable, unless
	// Required forbids the downgrade path in use.
	Mode SandboxMode `yaml:"mode"`

	// Images maps language -> container image for docker mode.
	Images map[string]string `yaml:"images"`

	// MemoryMB is the container memory limit.
	MemoryMB int `yaml:"memory_mb"`

	// CPUs is the container CPU quota.
	CPUs float64 `yaml:"cpus"`

	// PidsLimit caps processes inside the container.
	PidsLimit int `yaml:"pids_limit"`

	// ValidatorTimeout bounds each subset-validator stage.
	ValidatorTimeout time.Duration `yaml:"validator_timeout"`

	// PythonBin is the interpreter used for the out-of-process AST helper
	// and for process-mode python runs.
	PythonBin string `yaml:"python_bin"`

	// NodeBin is the interpreter for process-mode javascript runs.
	NodeBin string `yaml:"node_bin"`
}

// AgentLoopConfig bounds the plan/code/execute/reflect retry loop.
type AgentLoopConfig struct {
	// MaxIterationsInteractive bounds retries for interactive requests.
	MaxIterationsInteractive int `yaml:"max_iterations_interactive"`

	// MaxIterationsWorker bounds retries for swarm worker executions.
	MaxIterationsWorker int `yaml:"max_iterations_worker"`

	// PlanTemperature is the sampling temperature for plan prompts.
	PlanTemperature float64 `yaml:"plan_temperature"`

	// CodeTemperature is the sampling temperature for code and reflect
	// prompts.
	CodeTemperature float64 `yaml:"code_temperature"`

	// MaxTokens caps provider completions issued by the loop.
	MaxTokens int `yaml:"max_tokens"`
}

// ProvidersConfig wires the model-provider registry.
type ProvidersConfig struct {
	// Active selects the provider used at startup (stub, local-llm,
	// peer-llm-edge, peer-llm-coordinator). Unknown values are ignored and
	// the registry keeps its default.
	Active string `yaml:"active"`

	// HealthInterval is the cadence of background health probes.
	HealthInterval time.Duration `yaml:"health_interval"`

	Ollama OllamaConfig  `yaml:"ollama"`
	Peer   PeerLLMConfig `yaml:"peer"`
}

// OllamaConfig points the local-llm provider at an Ollama server.
type OllamaConfig struct {
	// BaseURL of the Ollama HTTP API.
	BaseURL string `yaml:"base_url"`

	// Model is the local model tag (e.g. "qwen2.5-coder:1.5b").
	Model string `yaml:"model"`

	// ParamSizeB is the model's parameter count in billions, used for the
	// edge/coordinator tier split.
	ParamSizeB float64 `yaml:"param_size_b"`

	// Timeout bounds one generate call.
	Timeout time.Duration `yaml:"timeout"`
}

// PeerLLMConfig points the peer-llm provider at another coordinator.
type PeerLLMConfig struct {
	// URL of the peer coordinator.
	URL string `yaml:"url"`

	// Tier is "edge" (sub-2B models) or "coordinator" (7B+).
	Tier string `yaml:"tier"`

	// Timeout bounds one proxied generate call.
	Timeout time.Duration `yaml:"timeout"`
}
