package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/edgecoder/edgecoder/pkg/config"
	"github.com/edgecoder/edgecoder/pkg/executor"
	"github.com/edgecoder/edgecoder/pkg/models"
	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	var lang string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Execute a file (or stdin) once in the local sandbox",
		Long: "Validates the code against the language subset and runs it in the\n" +
			"configured sandbox. Reads from stdin when no file is given or the\n" +
			"file is \"-\". Exits 124 when the sandbox times out.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, args, lang, timeout)
		},
	}
	cmd.Flags().StringVar(&lang, "lang", "",
		"Language (python or javascript); inferred from the file extension when omitted")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Sandbox execution timeout")
	return cmd
}

func runOnce(cmd *cobra.Command, args []string, lang string, timeout time.Duration) error {
	logger := newLogger(slog.LevelWarn)

	env, err := config.LoadAgentEnv()
	if err != nil {
		return exitWith(exitConfig, err)
	}

	file := ""
	if len(args) == 1 {
		file = args[0]
	}
	code, err := readSource(file)
	if err != nil {
		return exitWith(exitConfig, err)
	}

	language, err := resolveLanguage(lang, file)
	if err != nil {
		return exitWith(exitConfig, err)
	}

	exec := executor.New(config.SandboxConfig{
		Required: env.SandboxRequired,
		Mode:     config.SandboxMode(env.SandboxMode),
	}, 1, logger)

	res, err := exec.Execute(cmd.Context(), language, string(code), timeout)
	if err != nil {
		if errors.Is(err, executor.ErrSandboxPolicy) {
			return exitWith(exitConfig, err)
		}
		return err
	}

	if res.Stdout != "" {
		fmt.Print(res.Stdout)
	}
	if res.Stderr != "" {
		fmt.Fprint(os.Stderr, res.Stderr)
	}

	if res.ExitCode == 124 {
		return exitWith(exitTimeout, fmt.Errorf("sandbox timed out after %s", timeout))
	}
	if !res.OK {
		return exitWith(nonZero(res.ExitCode), fmt.Errorf("execution failed (exit %d)", res.ExitCode))
	}
	return nil
}

func nonZero(code int) int {
	if code > 0 {
		return code
	}
	return 1
}

func readSource(file string) ([]byte, error) {
	if file == "" || file == "-" {
		code, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return code, nil
	}
	code, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", file, err)
	}
	return code, nil
}

func resolveLanguage(flag, file string) (models.Language, error) {
	switch strings.ToLower(flag) {
	case "python", "py":
		return models.LangPython, nil
	case "javascript", "js":
		return models.LangJavaScript, nil
	case "":
	default:
		return "", fmt.Errorf("unsupported language %q (want python or javascript)", flag)
	}
	switch filepath.Ext(file) {
	case ".py":
		return models.LangPython, nil
	case ".js", ".mjs":
		return models.LangJavaScript, nil
	}
	return "", errors.New("cannot infer the language; pass --lang python or --lang javascript")
}
