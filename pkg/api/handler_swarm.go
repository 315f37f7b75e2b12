package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/edgecoder/edgecoder/pkg/credits"
	"github.com/edgecoder/edgecoder/pkg/identity"
	"github.com/edgecoder/edgecoder/pkg/models"
	"github.com/edgecoder/edgecoder/pkg/queue"
	"github.com/edgecoder/edgecoder/pkg/registry"
)

// maxDirectOffers caps the subtask ids piggybacked on a heartbeat ack.
const maxDirectOffers = 3

// registerHandler handles POST /register.
// First registrations land in pending unless the approval token matches;
// re-registrations must present the original public key.
func (s *Server) registerHandler(c *echo.Context) error {
	// 1. Bind HTTP request
	var req models.RegisterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// 2. Validate required fields
	if req.AgentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent_id is required")
	}
	if req.PublicKey == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "public_key is required")
	}

	// 3. Register with the catalog
	status, err := s.catalog.Register(registry.RegisterInput{
		AgentID:       req.AgentID,
		AccountID:     req.AccountID,
		PublicKey:     req.PublicKey,
		Capabilities:  req.Capabilities,
		ApprovalToken: req.ApprovalToken,
	})
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, &models.RegisterResponse{OK: true, Status: status})
	case errors.Is(err, registry.ErrAgentBlacklisted):
		return c.JSON(http.StatusForbidden, &models.RegisterResponse{OK: false, Status: status})
	case errors.Is(err, registry.ErrPublicKeyChanged):
		return c.JSON(http.StatusConflict, &models.RegisterResponse{OK: false, Status: status})
	default:
		return mapServiceError(err)
	}
}

// heartbeatHandler handles POST /heartbeat.
// Refreshes liveness, load, and power state. The ack carries up to three
// queued subtask ids matching the agent's active model so an idle agent can
// pull immediately instead of waiting out its poll interval.
func (s *Server) heartbeatHandler(c *echo.Context) error {
	// 1. Bind HTTP request
	var req models.HeartbeatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.AgentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent_id is required")
	}

	// 2. Refresh the catalog entry
	if err := s.catalog.Heartbeat(registry.HeartbeatInput{
		AgentID:              req.AgentID,
		CurrentLoad:          req.CurrentLoad,
		PowerState:           req.PowerState,
		ActiveModel:          req.ActiveModel,
		ActiveModelParamSize: req.ActiveModelParamSize,
	}); err != nil {
		return mapServiceError(err)
	}

	// 3. Offer direct work only to agents the power policy would let pull
	var offers []string
	if policy, err := s.catalog.EligibleForWork(req.AgentID); err == nil && policy.Allowed {
		if ag, err := s.catalog.Get(req.AgentID); err == nil {
			offers = s.queue.OffersFor(ag.Capabilities.ActiveModel, maxDirectOffers)
		}
	}

	return c.JSON(http.StatusOK, &models.HeartbeatResponse{OK: true, DirectWorkOffers: offers})
}

// pullHandler handles POST /pull.
// The power policy is server-authoritative: a restricted agent gets 204 no
// matter what it asks for, and a battery-limited desktop only sees
// single-step subtasks.
func (s *Server) pullHandler(c *echo.Context) error {
	// 1. Bind HTTP request
	var req models.PullRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.AgentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent_id is required")
	}

	// 2. Check approval and power policy
	policy, err := s.catalog.EligibleForWork(req.AgentID)
	if err != nil {
		return mapServiceError(err)
	}
	if !policy.Allowed {
		c.Response().WriteHeader(http.StatusNoContent)
		return nil
	}

	// 3. Claim with model affinity from the latest heartbeat
	ag, err := s.catalog.Get(req.AgentID)
	if err != nil {
		return mapServiceError(err)
	}
	st, err := s.queue.Claim(c.Request().Context(), req.AgentID, queue.ClaimOptions{
		ActiveModel: ag.Capabilities.ActiveModel,
		SmallOnly:   policy.SmallOnly,
	})
	if errors.Is(err, queue.ErrNoWork) {
		c.Response().WriteHeader(http.StatusNoContent)
		return nil
	}
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, st)
}

// resultHandler handles POST /result. The route is signature-verified; the
// body's agent must be the signer, so one agent cannot report for another.
func (s *Server) resultHandler(c *echo.Context) error {
	// 1. Bind HTTP request
	var res models.SubtaskResult
	if err := c.Bind(&res); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if res.SubtaskID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "subtask_id is required")
	}

	// 2. The signed agent and the reporting agent must match
	if signer := c.Request().Header.Get(identity.HeaderAgentID); res.AgentID != signer {
		return echo.NewHTTPError(http.StatusForbidden, "result agent_id does not match request signer")
	}

	// 3. Apply the result
	if err := s.queue.SubmitResult(c.Request().Context(), res); err != nil {
		return mapServiceError(err)
	}

	// 4. Pay out compute credits, best-effort
	s.payoutForResult(c, res)

	return c.JSON(http.StatusOK, &OKResponse{OK: true})
}

// payoutForResult credits the reporting agent's account for the compute time
// of one finished subtask. Failures are logged, never surfaced: the result
// is already applied.
func (s *Server) payoutForResult(c *echo.Context, res models.SubtaskResult) {
	if s.credits == nil {
		return
	}
	ag, err := s.catalog.Get(res.AgentID)
	if err != nil || ag.AccountID == "" {
		return
	}
	taskID := ""
	if st, err := s.queue.Subtask(res.SubtaskID); err == nil {
		taskID = st.TaskID
	}
	if _, err := s.credits.PayoutForResult(c.Request().Context(), credits.PayoutInput{
		AgentID:    res.AgentID,
		AccountID:  ag.AccountID,
		TaskID:     taskID,
		SubtaskID:  res.SubtaskID,
		DurationMs: res.DurationMs,
		Succeeded:  res.OK,
	}); err != nil {
		s.logger.Warn("Credit payout failed", "agent_id", res.AgentID, "subtask_id", res.SubtaskID, "error", err)
	}
}
