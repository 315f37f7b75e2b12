// Package notify posts Slack alerts when an escalation lands in the human
// review queue. The service is nil-safe and fail-open: disabled or
// unconfigured notifications yield a nil service whose methods no-op, and
// delivery errors are logged, never returned to the resolver.
package notify

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/edgecoder/edgecoder/pkg/config"
	"github.com/edgecoder/edgecoder/pkg/escalation"
)

const postTimeout = 10 * time.Second

// Service delivers human-review alerts.
// Nil-safe: all methods are no-ops when the service is nil.
type Service struct {
	client *Client
	logger *slog.Logger
}

// NewService builds the notification service from config. Returns nil when
// notifications are disabled, no channel is configured, or the token env var
// is empty.
func NewService(cfg config.NotificationsConfig, logger *slog.Logger) *Service {
	if !cfg.SlackEnabled || cfg.SlackChannel == "" {
		return nil
	}
	token := strings.TrimSpace(os.Getenv(cfg.SlackTokenEnv))
	if token == "" {
		return nil
	}
	return &Service{
		client: NewClient(token, cfg.SlackChannel),
		logger: logger.With("component", "notify"),
	}
}

// NewServiceWithClient creates a Service backed by a pre-built client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client, logger *slog.Logger) *Service {
	return &Service{
		client: client,
		logger: logger.With("component", "notify"),
	}
}

// HumanPending alerts the channel that an escalation is waiting for a human.
// Repeat alerts for the same task thread under the first one. Fail-open:
// errors are logged, never returned.
func (s *Service) HumanPending(ctx context.Context, req *escalation.Request, res *escalation.Result) {
	if s == nil {
		return
	}

	marker := Fingerprint(req.TaskID)
	threadTS, err := s.client.FindThread(ctx, marker)
	if err != nil {
		s.logger.Warn("slack history search failed",
			"task_id", req.TaskID, "error", err)
	}

	in := EscalationInput{
		EscalationID: req.EscalationID,
		TaskID:       req.TaskID,
		AgentID:      req.AgentID,
		Language:     string(req.Language),
		Iterations:   req.IterationsAttempted,
		Reason:       req.Reason,
		Task:         req.Task,
		FailedCode:   req.FailedCode,
	}
	if n := len(req.ErrorHistory); n > 0 {
		in.LastError = req.ErrorHistory[n-1]
	}
	if res != nil {
		in.Explanation = res.Explanation
	}

	blocks := BuildHumanPendingMessage(in)
	if err := s.client.PostMessage(ctx, blocks, marker, threadTS, postTimeout); err != nil {
		s.logger.Error("slack notification failed",
			"task_id", req.TaskID, "error", err)
		return
	}
	s.logger.Debug("human review alert posted",
		"task_id", req.TaskID, "threaded", threadTS != "")
}
