// Package agent implements the worker side of the swarm: the
// plan/code/execute/reflect retry loop that turns a task description into
// runnable code, the REST client agents use to talk to a coordinator, and the
// long-running worker that pulls subtasks, executes them, and reports signed
// results.
//
// The loop is strictly sequential per assignment. Iteration one plans and
// codes; later iterations reflect on the previous stderr. A subset violation
// or sandbox timeout ends the loop immediately with the run marked for
// escalation; provider failures only consume the iteration. Every iteration,
// including failed ones, lands in the execution history.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/edgecoder/edgecoder/pkg/config"
	"github.com/edgecoder/edgecoder/pkg/models"
	"github.com/edgecoder/edgecoder/pkg/provider"
)

// ErrNoProvider is returned by Run when the registry holds no providers.
var ErrNoProvider = errors.New("no provider registered")

// Executor runs validated code in a sandbox. Satisfied by executor.Executor.
type Executor interface {
	Execute(ctx context.Context, lang models.Language, code string, timeout time.Duration) (*models.RunResult, error)
}

// Assignment is one retry-loop run: a task to solve in a language, bounded by
// an iteration budget and a per-run sandbox timeout.
type Assignment struct {
	Task     string
	Language models.Language

	// MaxIterations bounds the loop. Zero falls back to the worker budget
	// from the loop config.
	MaxIterations int

	// Timeout bounds each sandbox execution. Zero uses the executor default.
	Timeout time.Duration
}

// Loop drives the retry loop against one provider registry and one executor.
type Loop struct {
	providers *provider.Registry
	executor  Executor
	cfg       config.AgentLoopConfig
	logger    *slog.Logger
}

// NewLoop builds a Loop. Zero-valued config fields get the standard budgets:
// 3 interactive iterations, 2 worker iterations, plan temperature 0.7, code
// temperature 0.2, 1024 max tokens.
func NewLoop(providers *provider.Registry, exec Executor, cfg config.AgentLoopConfig, logger *slog.Logger) *Loop {
	if cfg.MaxIterationsInteractive <= 0 {
		cfg.MaxIterationsInteractive = 3
	}
	if cfg.MaxIterationsWorker <= 0 {
		cfg.MaxIterationsWorker = 2
	}
	if cfg.PlanTemperature <= 0 {
		cfg.PlanTemperature = 0.7
	}
	if cfg.CodeTemperature <= 0 {
		cfg.CodeTemperature = 0.2
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &Loop{
		providers: providers,
		executor:  exec,
		cfg:       cfg,
		logger:    logger.With("component", "agent_loop"),
	}
}

// InteractiveBudget returns the iteration bound for interactive requests.
func (l *Loop) InteractiveBudget() int { return l.cfg.MaxIterationsInteractive }

// WorkerBudget returns the iteration bound for swarm subtasks.
func (l *Loop) WorkerBudget() int { return l.cfg.MaxIterationsWorker }

// Run executes the retry loop for one assignment.
//
// The returned execution always has len(History) == Iterations. Escalated is
// set when the run must leave the local tier: immediately on a queue-for-cloud
// run result (subset violation, timeout), or after the iteration budget is
// exhausted. Run returns an error only for caller cancellation, sandbox
// policy violations, and workspace failures; everything else is expressed on
// the execution.
func (l *Loop) Run(ctx context.Context, a Assignment) (*models.AgentExecution, error) {
	active := l.providers.Active()
	if active == nil {
		return nil, ErrNoProvider
	}

	maxIter := a.MaxIterations
	if maxIter <= 0 {
		maxIter = l.cfg.MaxIterationsWorker
	}

	exec := &models.AgentExecution{}
	var code, lastStderr string

	for i := 1; i <= maxIter; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rec := models.IterationRecord{Iteration: i}

		if i == 1 {
			plan := l.generate(ctx, active, PlanPrompt(a.Task, a.Language), l.cfg.PlanTemperature)
			if plan.Failed() {
				l.logger.Warn("Plan generation failed, coding without a plan", "error", plan.Err)
			} else {
				exec.Plan = strings.TrimSpace(plan.Text)
				rec.Plan = exec.Plan
			}
		}

		var gen *provider.Result
		switch {
		case code == "":
			// First iteration, or recovering from an iteration that
			// produced no code.
			gen = l.generate(ctx, active, CodePrompt(a.Task, exec.Plan, a.Language), l.cfg.CodeTemperature)
		default:
			gen = l.generate(ctx, active, ReflectPrompt(a.Task, code, lastStderr, a.Language), l.cfg.CodeTemperature)
		}

		candidate := ""
		if !gen.Failed() {
			candidate = provider.ExtractCode(gen.Text)
		}
		if candidate == "" {
			// A failed or empty completion consumes the iteration but is
			// never executed; an empty program would trivially exit 0.
			reason := "provider returned no code"
			if gen.Failed() {
				reason = "provider error: " + gen.Err
			}
			rec.RunResult = &models.RunResult{
				Language: a.Language,
				ExitCode: -1,
				Stderr:   reason,
			}
			exec.History = append(exec.History, rec)
			exec.Iterations = i
			exec.RunResult = rec.RunResult
			// lastStderr keeps the last real run failure so a later reflect
			// still reasons about code behaviour, not provider flakiness.
			l.logger.Warn("Iteration produced no runnable code",
				"iteration", i, "reason", reason)
			continue
		}

		code = candidate
		rec.Code = code

		res, err := l.executor.Execute(ctx, a.Language, code, a.Timeout)
		if err != nil {
			return nil, err
		}
		rec.RunResult = res
		exec.History = append(exec.History, rec)
		exec.Iterations = i
		exec.GeneratedCode = code
		exec.RunResult = res

		switch {
		case res.OK:
			l.logger.Debug("Assignment solved",
				"iterations", i, "language", a.Language, "duration_ms", res.DurationMs)
			return exec, nil
		case res.QueueForCloud:
			exec.Escalated = true
			exec.EscalationReason = res.QueueReason
			l.logger.Info("Run marked for escalation",
				"iteration", i, "reason", res.QueueReason)
			return exec, nil
		}

		lastStderr = res.Stderr
		l.logger.Debug("Iteration failed, retrying",
			"iteration", i, "exit_code", res.ExitCode)
	}

	exec.Escalated = true
	exec.EscalationReason = models.EscalationMaxIterations
	l.logger.Info("Iteration budget exhausted", "iterations", exec.Iterations)
	return exec, nil
}

func (l *Loop) generate(ctx context.Context, p provider.Provider, prompt string, temperature float64) *provider.Result {
	return p.Generate(ctx, provider.Request{
		Prompt:      prompt,
		MaxTokens:   l.cfg.MaxTokens,
		Temperature: temperature,
	})
}
