package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/edgecoder/edgecoder/pkg/config"
	"github.com/edgecoder/edgecoder/pkg/models"
	"github.com/edgecoder/edgecoder/pkg/provider"
	"github.com/edgecoder/edgecoder/pkg/router"
	"github.com/spf13/cobra"
)

func newChatCommand() *cobra.Command {
	var model string
	var temperature float64
	var maxTokens int

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat through the routing waterfall from the terminal",
		Long: "Interactive chat routed tier by tier: local model, then the swarm\n" +
			"coordinator, then the stub floor. Type \"exit\" or press Ctrl-D to\n" +
			"leave.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd, model, temperature, maxTokens)
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "Pin responses to this model; tiers that cannot serve it are skipped")
	cmd.Flags().Float64Var(&temperature, "temperature", 0, "Sampling temperature (provider default when 0)")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Completion token budget (provider default when 0)")
	return cmd
}

func runChat(cmd *cobra.Command, model string, temperature float64, maxTokens int) error {
	logger := newLogger(slog.LevelWarn)

	env, err := config.LoadAgentEnv()
	if err != nil {
		return exitWith(exitConfig, err)
	}

	rt := router.New(router.Config{
		ConcurrencyCap: int64(env.ConcurrencyCap),
	}, logger)
	if env.OllamaModel != "" {
		rt.SetLocal(provider.NewOllama(env.OllamaURL, env.OllamaModel, 0))
	}
	if env.MeshToken != "" {
		rt.SetSwarm(provider.NewPeer(provider.KindPeerCoordinator,
			env.CoordinatorURL, "", env.MeshToken, 0))
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".edgecoder_chat_history"),
		HistoryLimit:    200,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("initializing terminal input: %w", err)
	}
	defer rl.Close()

	var history []models.ChatMessage
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return nil
		}

		history = append(history, models.ChatMessage{Role: models.RoleUser, Content: input})
		resp, err := rt.Route(cmd.Context(), router.Request{
			Messages:       history,
			Stream:         true,
			Temperature:    temperature,
			MaxTokens:      maxTokens,
			RequestedModel: model,
			OnFrame:        printFrame,
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "route failed:", err)
			history = history[:len(history)-1]
			continue
		}
		fmt.Println()
		history = append(history, models.ChatMessage{Role: models.RoleAssistant, Content: resp.Text})
	}
}

func printFrame(f router.Frame) {
	switch f.Type {
	case "route":
		fmt.Printf("[%s, %s]\n", f.Meta.Label, f.Meta.Model)
	case "delta":
		fmt.Print(f.Content)
	case "error":
		fmt.Fprintln(os.Stderr, f.Error)
	}
}
