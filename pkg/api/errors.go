package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/edgecoder/edgecoder/pkg/escalation"
	"github.com/edgecoder/edgecoder/pkg/gossip"
	"github.com/edgecoder/edgecoder/pkg/identity"
	"github.com/edgecoder/edgecoder/pkg/queue"
	"github.com/edgecoder/edgecoder/pkg/registry"
	"github.com/edgecoder/edgecoder/pkg/router"
	"github.com/edgecoder/edgecoder/pkg/snapshot"
)

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, registry.ErrAgentNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "agent not registered")
	case errors.Is(err, registry.ErrAgentBlacklisted):
		return echo.NewHTTPError(http.StatusForbidden, "agent is blacklisted")
	case errors.Is(err, registry.ErrAgentNotApproved):
		return echo.NewHTTPError(http.StatusForbidden, "agent is awaiting approval")
	case errors.Is(err, registry.ErrPublicKeyChanged):
		return echo.NewHTTPError(http.StatusConflict, "public key does not match registration")

	case errors.Is(err, queue.ErrTaskNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	case errors.Is(err, queue.ErrSubtaskNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "subtask not found")
	case errors.Is(err, queue.ErrClaimStale):
		return echo.NewHTTPError(http.StatusConflict, "claim expired and the subtask was requeued")

	case errors.Is(err, escalation.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "no escalation recorded for task")

	case errors.Is(err, gossip.ErrUnknownOrigin):
		return echo.NewHTTPError(http.StatusForbidden, "unknown origin peer")
	case errors.Is(err, gossip.ErrRateLimited):
		return echo.NewHTTPError(http.StatusTooManyRequests, "peer rate limit exceeded")
	case errors.Is(err, gossip.ErrPeerKeyChanged):
		return echo.NewHTTPError(http.StatusConflict, "peer public key changed")

	case errors.Is(err, identity.ErrBadSignature), errors.Is(err, identity.ErrStaleTimestamp):
		return echo.NewHTTPError(http.StatusUnauthorized, "auth_invalid: "+err.Error())

	case errors.Is(err, snapshot.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "snapshot not found")
	case errors.Is(err, snapshot.ErrBadRef):
		return echo.NewHTTPError(http.StatusBadRequest, "snapshot ref must be a hex sha-256")
	case errors.Is(err, snapshot.ErrTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "snapshot exceeds size limit")

	case errors.Is(err, router.ErrBackpressure):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "local tier at capacity, retry later")
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
