package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/edgecoder/edgecoder/pkg/agent"
	"github.com/edgecoder/edgecoder/pkg/ble"
	"github.com/edgecoder/edgecoder/pkg/config"
	"github.com/edgecoder/edgecoder/pkg/executor"
	"github.com/edgecoder/edgecoder/pkg/identity"
	"github.com/edgecoder/edgecoder/pkg/models"
	"github.com/edgecoder/edgecoder/pkg/provider"
	"github.com/edgecoder/edgecoder/pkg/snapshot"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Register with a coordinator and work the swarm queue",
		Args:  cobra.NoArgs,
		RunE:  runStart,
	}
}

func runStart(cmd *cobra.Command, _ []string) error {
	logger := newLogger(slog.LevelInfo)

	env, err := config.LoadAgentEnv()
	if err != nil {
		return exitWith(exitConfig, err)
	}

	key, err := identity.LoadOrGenerate(env.KeyFile, identity.PurposeAgent)
	if err != nil {
		return exitWith(exitConfig, fmt.Errorf("loading agent key %s: %w", env.KeyFile, err))
	}

	agentID := env.AgentID
	if agentID == "" {
		agentID = defaultAgentID()
	}

	client := agent.NewClient(agent.ClientConfig{
		BaseURL:   env.CoordinatorURL,
		MeshToken: env.MeshToken,
		AgentID:   agentID,
		Key:       key,
	})

	ctx := cmd.Context()
	reg, err := client.Register(ctx, models.RegisterRequest{
		AgentID:       agentID,
		AccountID:     env.AccountID,
		PublicKey:     key.PublicKey(),
		Capabilities:  capabilitiesFromEnv(env),
		ApprovalToken: env.ApprovalToken,
	})
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return exitWith(exitUnreachable,
				fmt.Errorf("coordinator unreachable at %s: %w", env.CoordinatorURL, err))
		}
		return exitWith(exitConfig, fmt.Errorf("registering with coordinator: %w", err))
	}
	logger.Info("Registered with coordinator",
		"agent_id", agentID,
		"coordinator", env.CoordinatorURL,
		"status", reg.Status)
	if reg.Status == models.ApprovalPending {
		logger.Info("Registration is pending approval; pulls return no work until approved")
	}

	providers := provider.NewRegistry()
	if env.OllamaModel != "" {
		providers.Register(provider.NewOllama(env.OllamaURL, env.OllamaModel, 0))
	} else {
		providers.Register(provider.NewStub())
		logger.Warn("No local model configured, serving subtasks with the stub provider")
	}

	exec := executor.New(config.SandboxConfig{
		Required: env.SandboxRequired,
		Mode:     config.SandboxMode(env.SandboxMode),
	}, int64(env.ConcurrencyCap), logger)

	loop := agent.NewLoop(providers, exec, config.AgentLoopConfig{
		MaxIterationsWorker: env.MaxIterations,
	}, logger)

	// Offline credit store + re-sync on coordinator reconnect.
	creditStore, err := ble.OpenCreditStore(env.CreditDB)
	if err != nil {
		return exitWith(exitConfig, fmt.Errorf("opening credit store %s: %w", env.CreditDB, err))
	}
	defer creditStore.Close()

	syncer := ble.NewSyncer(env.CoordinatorURL, env.MeshToken, agentID, key, creditStore, logger)
	monitor := ble.NewMonitor(func() {
		if err := syncer.SyncOnReconnect(context.Background()); err != nil {
			logger.Warn("Credit re-sync failed", "error", err)
		}
	})

	worker := agent.NewWorker(client, loop, agent.WorkerConfig{
		HeartbeatInterval:    env.HeartbeatInterval,
		PollInterval:         env.PollInterval,
		MaxIterations:        env.MaxIterations,
		ActiveModel:          activeModel(env),
		ActiveModelParamSize: env.ModelParamSizeB,
	}, logger,
		agent.WithSnapshotFetcher(snapshot.NewFetcher(env.CoordinatorURL, env.MeshToken, config.SnapshotConfig{})),
		agent.WithHeartbeatSink(monitor),
	)
	worker.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("Shutdown signal received", "signal", sig)

	worker.Stop()
	logger.Info("Worker stopped")
	return nil
}

// defaultAgentID derives a stable-enough identity when EDGECODER_AGENT_ID is
// unset: the hostname plus a short random suffix so two unnamed agents on
// one machine do not collide.
func defaultAgentID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "agent"
	}
	return host + "-" + uuid.NewString()[:8]
}

// activeModel is what heartbeats advertise: the explicit override, else the
// local Ollama model.
func activeModel(env *config.AgentEnv) string {
	if env.ActiveModel != "" {
		return env.ActiveModel
	}
	return env.OllamaModel
}

func capabilitiesFromEnv(env *config.AgentEnv) models.Capabilities {
	langs := make([]models.Language, 0, len(env.Languages))
	for _, l := range env.Languages {
		langs = append(langs, models.Language(l))
	}
	return models.Capabilities{
		ActiveModel:          activeModel(env),
		ActiveModelParamSize: env.ModelParamSizeB,
		MemoryMB:             env.MemoryMB,
		DeviceType:           models.DeviceType(env.DeviceType),
		Languages:            langs,
		ResourceClass:        models.ResourceClass(env.ResourceClass),
		ConcurrencyCap:       env.ConcurrencyCap,
	}
}
