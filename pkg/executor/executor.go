package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/edgecoder/edgecoder/pkg/config"
	"github.com/edgecoder/edgecoder/pkg/models"
	"github.com/edgecoder/edgecoder/pkg/observability"
)

// ErrSandboxPolicy is returned when execution would have to run without any
// sandbox while the policy requires one. This is fatal for the subtask, not
// retryable.
var ErrSandboxPolicy = errors.New("sandbox_policy_violation")

// outputLimit caps captured stdout/stderr per stream.
const outputLimit = 64 << 10

// Executor validates and runs generated code. Safe for concurrent use; a
// weighted semaphore bounds simultaneous sandbox runs.
type Executor struct {
	cfg       config.SandboxConfig
	validator *Validator
	sem       *semaphore.Weighted
	logger    *slog.Logger

	dockerProbe sync.Once
	dockerOK    bool
}

// New builds an Executor. maxConcurrent bounds simultaneous sandbox runs.
func New(cfg config.SandboxConfig, maxConcurrent int64, logger *slog.Logger) *Executor {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Executor{
		cfg:       cfg,
		validator: NewValidator(cfg.PythonBin, cfg.ValidatorTimeout, logger),
		sem:       semaphore.NewWeighted(maxConcurrent),
		logger:    logger.With("component", "executor"),
	}
}

// Validator exposes the subset validator for callers that gate code without
// running it.
func (e *Executor) Validator() *Validator {
	return e.validator
}

// Execute validates code and runs it in the resolved sandbox.
//
// Subset violations and timeouts are not Go errors: they come back as
// RunResults with queueForCloud set so the retry loop escalates. The only
// errors are sandbox policy violations, context cancellation, and workspace
// setup failures.
func (e *Executor) Execute(ctx context.Context, lang models.Language, code string, timeout time.Duration) (*models.RunResult, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	if verdict := e.validator.Validate(ctx, lang, code); !verdict.Safe {
		observability.ValidatorRejections.WithLabelValues(string(lang), verdict.Stage).Inc()
		return &models.RunResult{
			Language:      lang,
			OK:            false,
			Stderr:        "subset violation: " + verdict.Reason,
			ExitCode:      -1,
			QueueForCloud: true,
			QueueReason:   models.QueueReasonOutsideSubset,
		}, nil
	}

	mode, err := e.resolveMode(ctx)
	if err != nil {
		return nil, err
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	workdir, err := os.MkdirTemp("", "edgecoder-run-")
	if err != nil {
		return nil, fmt.Errorf("creating sandbox workspace: %w", err)
	}
	defer os.RemoveAll(workdir)

	fileName := sourceFileName(lang)
	if err := os.WriteFile(filepath.Join(workdir, fileName), []byte(code), 0o644); err != nil {
		return nil, fmt.Errorf("writing sandbox source: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch mode {
	case config.SandboxDocker:
		return e.runDocker(runCtx, lang, workdir, fileName, mode)
	default:
		return e.runProcess(runCtx, lang, workdir, fileName, mode)
	}
}

// resolveMode applies the sandbox policy. Docker degrades to process mode
// when the daemon is unreachable; only the "none" mode conflicts with
// Required.
func (e *Executor) resolveMode(ctx context.Context) (config.SandboxMode, error) {
	mode := e.cfg.Mode
	if mode == "" {
		mode = config.SandboxDocker
	}

	if mode == config.SandboxDocker && !e.dockerAvailable(ctx) {
		e.logger.Warn("Docker daemon unreachable, falling back to process sandbox")
		mode = config.SandboxProcess
	}

	if mode == config.SandboxNone && e.cfg.Required {
		return "", fmt.Errorf("%w: sandbox required but mode is none", ErrSandboxPolicy)
	}
	return mode, nil
}

func (e *Executor) dockerAvailable(ctx context.Context) bool {
	e.dockerProbe.Do(func() {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err := exec.CommandContext(probeCtx, "docker", "info", "--format", "{{.ServerVersion}}").Run()
		e.dockerOK = err == nil
		if err != nil {
			e.logger.Warn("Docker probe failed", "error", err)
		}
	})
	return e.dockerOK
}

func (e *Executor) runDocker(ctx context.Context, lang models.Language, workdir, fileName string, mode config.SandboxMode) (*models.RunResult, error) {
	image := e.cfg.Images[string(lang)]
	if image == "" {
		return nil, fmt.Errorf("no sandbox image configured for language %q", lang)
	}

	containerName := "edgecoder-" + uuid.NewString()[:13]
	args := []string{
		"run", "--rm",
		"--name", containerName,
		"--network=none",
		"--read-only",
		"--tmpfs", "/tmp:rw,size=16m",
		fmt.Sprintf("--memory=%dm", e.cfg.MemoryMB),
		fmt.Sprintf("--cpus=%.2f", e.cfg.CPUs),
		fmt.Sprintf("--pids-limit=%d", e.cfg.PidsLimit),
		"-v", workdir + ":/work:ro",
		"-w", "/work",
		image,
	}
	args = append(args, interpreterArgs(lang, fileName)...)

	cmd := exec.CommandContext(ctx, "docker", args...)
	res := e.runCommand(ctx, cmd, lang, mode)

	// Killing the docker client on timeout abandons the container; reap it
	// explicitly so --pids/--memory capacity is not leaked.
	if res.ExitCode == timeoutExitCode {
		killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := exec.CommandContext(killCtx, "docker", "kill", containerName).Run(); err != nil {
			e.logger.Debug("Sandbox container kill after timeout", "container", containerName, "error", err)
		}
	}

	return res, nil
}

func (e *Executor) runProcess(ctx context.Context, lang models.Language, workdir, fileName string, mode config.SandboxMode) (*models.RunResult, error) {
	bin, args := processCommand(e.cfg, lang, fileName)

	// On darwin, wrap process-mode runs in sandbox-exec when present.
	if mode == config.SandboxProcess && runtime.GOOS == "darwin" {
		if sbPath, err := exec.LookPath("sandbox-exec"); err == nil {
			args = append([]string{"-p", darwinSandboxProfile(workdir), bin}, args...)
			bin = sbPath
		}
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = workdir
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + workdir,
		"PYTHONDONTWRITEBYTECODE=1",
	}
	// Run the child in its own process group so a timeout kill takes down
	// anything it spawned, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}
	cmd.WaitDelay = 2 * time.Second

	return e.runCommand(ctx, cmd, lang, mode), nil
}

const timeoutExitCode = 124

// runCommand executes the prepared command and converts the outcome into a
// RunResult. Timeouts map to exit code 124 with a cloud-queue marker.
func (e *Executor) runCommand(ctx context.Context, cmd *exec.Cmd, lang models.Language, mode config.SandboxMode) *models.RunResult {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	res := &models.RunResult{
		Language:   lang,
		Stdout:     clampOutput(&stdout),
		Stderr:     clampOutput(&stderr),
		DurationMs: duration.Milliseconds(),
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.ExitCode = timeoutExitCode
		res.QueueForCloud = true
		res.QueueReason = models.QueueReasonTimeout
		res.Stderr = appendLine(res.Stderr, "killed: execution timeout")
	case err == nil:
		res.OK = true
		res.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			res.Stderr = appendLine(res.Stderr, fmt.Sprintf("failed to start sandbox: %v", err))
		}
	}

	outcome := "failed"
	switch {
	case res.OK:
		outcome = "ok"
	case res.QueueReason == models.QueueReasonTimeout:
		outcome = "timeout"
	}
	observability.SandboxExecutions.WithLabelValues(string(mode), outcome).Inc()
	observability.SandboxDuration.Observe(duration.Seconds())

	e.logger.Debug("Sandbox run finished",
		"language", lang, "exit_code", res.ExitCode, "duration_ms", res.DurationMs, "ok", res.OK)
	return res
}

func sourceFileName(lang models.Language) string {
	if lang == models.LangJavaScript {
		return "main.js"
	}
	return "main.py"
}

// interpreterArgs is the command run inside the container.
func interpreterArgs(lang models.Language, fileName string) []string {
	if lang == models.LangJavaScript {
		return []string{"node", fileName}
	}
	return []string{"python3", "-B", fileName}
}

// processCommand is the host-side command for process/none modes.
func processCommand(cfg config.SandboxConfig, lang models.Language, fileName string) (string, []string) {
	if lang == models.LangJavaScript {
		bin := cfg.NodeBin
		if bin == "" {
			bin = "node"
		}
		return bin, []string{fileName}
	}
	bin := cfg.PythonBin
	if bin == "" {
		bin = "python3"
	}
	return bin, []string{"-B", fileName}
}

// darwinSandboxProfile denies network and writes outside the workspace.
func darwinSandboxProfile(workdir string) string {
	return fmt.Sprintf(`(version 1)
(allow default)
(deny network*)
(deny file-write* (subpath "/"))
(allow file-write* (subpath %q) (subpath "/private/tmp") (subpath "/private/var/tmp"))`, workdir)
}

func clampOutput(buf *bytes.Buffer) string {
	if buf.Len() <= outputLimit {
		return buf.String()
	}
	return buf.String()[:outputLimit] + "\n... [truncated]"
}

func appendLine(s, line string) string {
	if s == "" {
		return line
	}
	return s + "\n" + line
}
