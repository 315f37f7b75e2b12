package config

import (
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges, and validates the coordinator configuration.
//
// Steps performed:
//  1. Start from built-in defaults
//  2. Load the YAML file (optional) and expand {{.ENV}} references
//  3. Merge file values over the defaults
//  4. Apply explicit boolean overrides (merge cannot distinguish false
//     from unset)
//  5. Apply the recognized environment options
//  6. Validate the result
func Initialize(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, NewLoadError(path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	slog.Info("Configuration initialized",
		"config_file", path,
		"listen_addr", cfg.Server.ListenAddr,
		"swarm_enabled", cfg.Mesh.SwarmEnabled,
		"sandbox_mode", cfg.Sandbox.Mode,
		"database", cfg.Database.DSN != "")

	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// ExpandEnv passes the original bytes through on template errors so the
	// YAML parser can produce a clearer message.
	data = ExpandEnv(data)

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	// Non-zero file values override defaults.
	if err := mergo.Merge(cfg, &fileCfg, mergo.WithOverride); err != nil {
		return fmt.Errorf("merging configuration: %w", err)
	}

	return applyBoolOverrides(data, cfg)
}

// boolOverrides mirrors the boolean fields whose "false" cannot survive a
// zero-value merge. Pointers distinguish explicitly-set from absent.
type boolOverrides struct {
	Mesh struct {
		SwarmEnabled     *bool `yaml:"swarm_enabled"`
		BluetoothEnabled *bool `yaml:"bluetooth_enabled"`
	} `yaml:"mesh"`
	Database struct {
		MigrateOnStart *bool `yaml:"migrate_on_start"`
	} `yaml:"database"`
	Sandbox struct {
		Required *bool `yaml:"required"`
	} `yaml:"sandbox"`
	Router struct {
		Backpressure *bool `yaml:"backpressure"`
	} `yaml:"router"`
	Escalation struct {
		Human struct {
			Enabled *bool `yaml:"enabled"`
		} `yaml:"human"`
	} `yaml:"escalation"`
	Notifications struct {
		SlackEnabled *bool `yaml:"slack_enabled"`
	} `yaml:"notifications"`
}

func applyBoolOverrides(data []byte, cfg *Config) error {
	var b boolOverrides
	if err := yaml.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	if b.Mesh.SwarmEnabled != nil {
		cfg.Mesh.SwarmEnabled = *b.Mesh.SwarmEnabled
	}
	if b.Mesh.BluetoothEnabled != nil {
		cfg.Mesh.BluetoothEnabled = *b.Mesh.BluetoothEnabled
	}
	if b.Database.MigrateOnStart != nil {
		cfg.Database.MigrateOnStart = *b.Database.MigrateOnStart
	}
	if b.Sandbox.Required != nil {
		cfg.Sandbox.Required = *b.Sandbox.Required
	}
	if b.Router.Backpressure != nil {
		cfg.Router.Backpressure = *b.Router.Backpressure
	}
	if b.Escalation.Human.Enabled != nil {
		cfg.Escalation.Human.Enabled = *b.Escalation.Human.Enabled
	}
	if b.Notifications.SlackEnabled != nil {
		cfg.Notifications.SlackEnabled = *b.Notifications.SlackEnabled
	}
	return nil
}
