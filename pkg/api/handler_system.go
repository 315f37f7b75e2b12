package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/edgecoder/edgecoder/pkg/models"
	"github.com/edgecoder/edgecoder/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthzHandler handles GET /healthz.
// Returns a minimal, safe response suitable for unauthenticated access.
// Only the coordinator's own components are checked; external providers are
// excluded so an upstream outage cannot get this process restarted.
func (s *Server) healthzHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if _, err := s.ledger.Count(reqCtx); err != nil {
		status = healthStatusUnhealthy
		checks["ledger"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["ledger"] = HealthCheck{Status: healthStatusHealthy}
	}

	if s.db != nil {
		if dbHealth, err := s.db.Health(reqCtx); err != nil {
			status = healthStatusUnhealthy
			checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["database"] = HealthCheck{
				Status: healthStatusHealthy,
				Message: fmt.Sprintf("%dms, %d/%d connections in use",
					dbHealth.ResponseTimeMs, dbHealth.InUse, dbHealth.MaxOpenConns),
			}
		}
	}

	rs := s.router.Status()
	if rs.ConcurrencyCap > 0 && rs.ActiveConcurrent >= rs.ConcurrencyCap {
		if status == healthStatusHealthy {
			status = healthStatusDegraded
		}
		checks["router"] = HealthCheck{Status: healthStatusDegraded, Message: "local tier at capacity"}
	} else {
		checks["router"] = HealthCheck{Status: healthStatusHealthy}
	}

	checks["queue"] = HealthCheck{Status: healthStatusHealthy}

	if s.mesh != nil {
		checks["gossip"] = HealthCheck{Status: healthStatusHealthy}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	})
}

// statusHandler handles GET /status: the router's observable state, the
// source for the interactive status bar. A coordinator without an in-process
// peer table can still advertise the BLE tier on behalf of its local mesh.
func (s *Server) statusHandler(c *echo.Context) error {
	status := s.router.Status()
	if s.cfg.Mesh.BluetoothEnabled {
		status.BluetoothEnabled = true
	}
	return c.JSON(http.StatusOK, status)
}

// modelsAvailableHandler handles GET /models/available.
// Aggregates the active models of approved, fresh agents; when the gossip
// mesh is up, models announced by peer coordinators are merged in so callers
// see the whole swarm.
func (s *Server) modelsAvailableHandler(c *echo.Context) error {
	local := s.catalog.AvailableModels()
	if s.mesh == nil {
		return c.JSON(http.StatusOK, local)
	}

	have := make(map[string]struct{}, len(local))
	for _, avail := range local {
		have[avail.Model] = struct{}{}
	}
	merged := append([]models.ModelAvailability{}, local...)
	for _, avail := range s.mesh.RemoteModels() {
		if _, ok := have[avail.Model]; ok {
			continue
		}
		merged = append(merged, avail)
	}
	return c.JSON(http.StatusOK, merged)
}
