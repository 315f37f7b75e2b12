package executor

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecoder/edgecoder/pkg/config"
	"github.com/edgecoder/edgecoder/pkg/models"
)

func processSandboxConfig() config.SandboxConfig {
	return config.SandboxConfig{
		Required:         true,
		Mode:             config.SandboxProcess,
		ValidatorTimeout: 5 * time.Second,
		PythonBin:        "python3",
		NodeBin:          "node",
	}
}

func requireNode(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("node"); err != nil {
		t.Skip("node not available")
	}
}

func TestExecute_PolicyViolation(t *testing.T) {
	cfg := processSandboxConfig()
	cfg.Mode = config.SandboxNone
	cfg.Required = true
	e := New(cfg, 1, slog.Default())

	// JavaScript validates in-process, so the policy check is what fails.
	_, err := e.Execute(context.Background(), models.LangJavaScript, "console.log(1)", time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSandboxPolicy)
}

func TestExecute_NoneModeAllowedWhenNotRequired(t *testing.T) {
	requireNode(t)

	cfg := processSandboxConfig()
	cfg.Mode = config.SandboxNone
	cfg.Required = false
	e := New(cfg, 1, slog.Default())

	res, err := e.Execute(context.Background(), models.LangJavaScript, "console.log(21 * 2)", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "42", strings.TrimSpace(res.Stdout))
}

func TestExecute_SubsetRejectionNeverRuns(t *testing.T) {
	// Even with the strictest policy and no interpreters installed, a subset
	// violation must come back as a queued RunResult, not an error.
	cfg := processSandboxConfig()
	cfg.Mode = config.SandboxNone
	e := New(cfg, 1, slog.Default())

	res, err := e.Execute(context.Background(), models.LangJavaScript, "process.exit(1)", time.Second)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.True(t, res.QueueForCloud)
	assert.Equal(t, models.QueueReasonOutsideSubset, res.QueueReason)
	assert.Contains(t, res.Stderr, "subset violation")
}

func TestExecute_PythonSuccess(t *testing.T) {
	requirePython(t)

	e := New(processSandboxConfig(), 1, slog.Default())
	res, err := e.Execute(context.Background(), models.LangPython, "print(2 + 2)", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "4", strings.TrimSpace(res.Stdout))
	assert.GreaterOrEqual(t, res.DurationMs, int64(0))
}

func TestExecute_PythonAssertionFailure(t *testing.T) {
	requirePython(t)

	e := New(processSandboxConfig(), 1, slog.Default())
	res, err := e.Execute(context.Background(), models.LangPython, "assert 1 == 2, 'boom'", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.NotEqual(t, 0, res.ExitCode)
	assert.False(t, res.QueueForCloud)
	assert.Contains(t, res.Stderr, "AssertionError")
}

func TestExecute_TimeoutKills(t *testing.T) {
	requirePython(t)

	e := New(processSandboxConfig(), 1, slog.Default())
	start := time.Now()
	res, err := e.Execute(context.Background(), models.LangPython, "while True:\n    pass", 500*time.Millisecond)
	require.NoError(t, err)

	assert.False(t, res.OK)
	assert.Equal(t, timeoutExitCode, res.ExitCode)
	assert.True(t, res.QueueForCloud)
	assert.Equal(t, models.QueueReasonTimeout, res.QueueReason)
	assert.Less(t, time.Since(start), 5*time.Second, "timeout must kill promptly")
}

func TestExecute_JavaScriptFailure(t *testing.T) {
	requireNode(t)

	e := New(processSandboxConfig(), 1, slog.Default())
	res, err := e.Execute(context.Background(), models.LangJavaScript, "throw new Error('nope')", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.NotEqual(t, 0, res.ExitCode)
	assert.Contains(t, res.Stderr, "nope")
}
