// Package executor runs generated code inside a sandbox after proving it
// stays within the safe language subset. Validation is two-stage: a regex
// denylist rejects the obvious escapes cheaply, then a language AST walk
// allowlists every node. Code that fails either stage never executes; the
// run is marked for escalation instead.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/edgecoder/edgecoder/pkg/models"
)

// Verdict is the outcome of subset validation. Stage names the stage that
// rejected the code: denylist, ast, or unsupported.
type Verdict struct {
	Safe   bool   `json:"safe"`
	Reason string `json:"reason,omitempty"`
	Stage  string `json:"stage,omitempty"`
}

// Validator gates code against the safe subset for each supported language.
type Validator struct {
	pythonBin string
	timeout   time.Duration
	logger    *slog.Logger
}

// NewValidator builds a Validator. pythonBin runs the out-of-process Python
// AST helper; timeout bounds each validation stage.
func NewValidator(pythonBin string, timeout time.Duration, logger *slog.Logger) *Validator {
	if pythonBin == "" {
		pythonBin = "python3"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Validator{
		pythonBin: pythonBin,
		timeout:   timeout,
		logger:    logger.With("component", "subset_validator"),
	}
}

// Validate runs both stages in order. The denylist runs first because it is
// nearly free; the AST stage is authoritative and fail-closed: anything it
// cannot positively allow (including parse failures and helper timeouts) is
// unsafe.
func (v *Validator) Validate(ctx context.Context, lang models.Language, code string) Verdict {
	switch lang {
	case models.LangPython:
		if verdict := applyDenylist(pythonDenylist, code); !verdict.Safe {
			verdict.Stage = "denylist"
			return verdict
		}
		ctx, cancel := context.WithTimeout(ctx, v.timeout)
		defer cancel()
		verdict := v.validatePythonAST(ctx, code)
		if !verdict.Safe {
			verdict.Stage = "ast"
			v.logger.Debug("Python code rejected by subset validator", "reason", verdict.Reason)
		}
		return verdict

	case models.LangJavaScript:
		if verdict := applyDenylist(javascriptDenylist, code); !verdict.Safe {
			verdict.Stage = "denylist"
			return verdict
		}
		verdict := validateJavaScriptAST(code)
		if !verdict.Safe {
			verdict.Stage = "ast"
			v.logger.Debug("JavaScript code rejected by subset validator", "reason", verdict.Reason)
		}
		return verdict

	default:
		return Verdict{Safe: false, Reason: fmt.Sprintf("unsupported language: %s", lang), Stage: "unsupported"}
	}
}

func applyDenylist(patterns []denyPattern, code string) Verdict {
	for _, p := range patterns {
		if p.re.MatchString(code) {
			return Verdict{Safe: false, Reason: p.reason}
		}
	}
	return Verdict{Safe: true}
}
