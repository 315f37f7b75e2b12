// EdgeCoder agent CLI. Registers with a coordinator and works the swarm
// queue, runs generated code in the local sandbox, and chats through the
// routing waterfall from the terminal.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/edgecoder/edgecoder/pkg/version"
	"github.com/spf13/cobra"
)

// Exit codes surfaced to the shell.
const (
	exitConfig      = 1
	exitUnreachable = 2
	exitTimeout     = 124
)

// exitError carries a specific process exit code through cobra's error
// return. Plain errors exit 1.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) *exitError {
	return &exitError{code: code, err: err}
}

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitConfig
}

// newLogger builds the CLI logger. Diagnostics go to stderr so command
// output on stdout stays clean for piping.
func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "edgecoder-agent",
		Short: "EdgeCoder worker agent",
		Long: "EdgeCoder worker agent.\n\n" +
			"Configuration is environment-driven (EDGECODER_COORDINATOR_URL,\n" +
			"MESH_AUTH_TOKEN, EDGECODER_OLLAMA_MODEL, ...); see the deployment\n" +
			"documentation for the full list.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newStartCommand(),
		newRunCommand(),
		newChatCommand(),
		newKeygenCommand(),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(version.Full())
		},
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}
