// Package api is the coordinator's HTTP surface: agent registration and the
// pull/result swarm loop, task submission and polling, interactive chat with
// SSE streaming, the gossip mesh endpoints, BLE credit sync, ledger access,
// and the live event feed WebSocket.
//
// Every request-bearing route requires the shared mesh token. Result
// submission and credit sync additionally require an Ed25519 request
// signature verified against the agent's registered key, with a nonce cache
// rejecting replays.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgecoder/edgecoder/pkg/config"
	"github.com/edgecoder/edgecoder/pkg/credits"
	"github.com/edgecoder/edgecoder/pkg/database"
	"github.com/edgecoder/edgecoder/pkg/escalation"
	"github.com/edgecoder/edgecoder/pkg/events"
	"github.com/edgecoder/edgecoder/pkg/gossip"
	"github.com/edgecoder/edgecoder/pkg/ledger"
	"github.com/edgecoder/edgecoder/pkg/queue"
	"github.com/edgecoder/edgecoder/pkg/registry"
	"github.com/edgecoder/edgecoder/pkg/router"
	"github.com/edgecoder/edgecoder/pkg/snapshot"
)

// Server wires the coordinator services to their HTTP routes.
type Server struct {
	cfg      *config.Config
	catalog  *registry.Catalog
	queue    *queue.Queue
	router   *router.Router
	resolver *escalation.Resolver
	credits  *credits.Engine
	ledger   *ledger.Ledger
	logger   *slog.Logger

	// Optional collaborators, attached with the Set methods before Start.
	mesh        *gossip.Mesh
	snapshots   *snapshot.Store
	connManager *events.ConnectionManager
	db          *database.Client

	nonces     *nonceCache
	httpServer *http.Server
}

// NewServer builds the HTTP server around the core coordinator services.
// Optional pieces (gossip mesh, snapshot store, event feed) are attached
// with the Set methods.
func NewServer(
	cfg *config.Config,
	catalog *registry.Catalog,
	q *queue.Queue,
	rt *router.Router,
	resolver *escalation.Resolver,
	eng *credits.Engine,
	led *ledger.Ledger,
	logger *slog.Logger,
) *Server {
	return &Server{
		cfg:      cfg,
		catalog:  catalog,
		queue:    q,
		router:   rt,
		resolver: resolver,
		credits:  eng,
		ledger:   led,
		logger:   logger.With("component", "api"),
		nonces:   newNonceCache(cfg.Mesh.NonceTTL),
	}
}

// SetMesh attaches the gossip mesh, enabling the /mesh routes.
func (s *Server) SetMesh(m *gossip.Mesh) { s.mesh = m }

// SetSnapshots attaches the blob store, enabling the /snapshots routes.
func (s *Server) SetSnapshots(st *snapshot.Store) { s.snapshots = st }

// SetConnectionManager attaches the event feed, enabling GET /ws.
func (s *Server) SetConnectionManager(cm *events.ConnectionManager) { s.connManager = cm }

// SetDatabase attaches the Postgres client, adding it to the health checks.
func (s *Server) SetDatabase(db *database.Client) { s.db = db }

// Handler builds the routed echo instance. Exposed for tests; Start wraps it
// in an http.Server.
func (s *Server) Handler() http.Handler {
	e := echo.New()
	e.Use(securityHeaders())
	e.Use(requestLogger(s.logger))
	// Health, metrics, and the browser event feed stay tokenless; /ws relies
	// on origin checks because browsers cannot set custom upgrade headers.
	e.Use(requireMeshToken(s.cfg.Mesh.AuthToken, "/healthz", "/metrics", "/ws"))

	e.GET("/healthz", s.healthzHandler)
	e.GET("/metrics", metricsHandler)
	e.GET("/ws", s.wsHandler)

	// Swarm worker loop.
	e.POST("/register", s.registerHandler)
	e.POST("/heartbeat", s.heartbeatHandler)
	e.POST("/pull", s.pullHandler)
	e.POST("/result", s.signed(s.resultHandler))

	// Task intake and visibility.
	e.POST("/submit", s.submitHandler)
	e.GET("/tasks/:taskId", s.getTaskHandler)

	// Escalation.
	e.POST("/escalate", s.escalateHandler)
	e.GET("/escalate/:taskId", s.getEscalationHandler)

	// Interactive routing.
	e.POST("/chat", s.chatHandler)
	e.GET("/status", s.statusHandler)
	e.GET("/models/available", s.modelsAvailableHandler)

	// Gossip mesh.
	e.POST("/mesh/register-peer", s.registerPeerHandler)
	e.POST("/mesh/ingest", s.meshIngestHandler)
	e.GET("/mesh/peers", s.meshPeersHandler)
	e.GET("/mesh/ws", s.meshWSHandler)

	// Credits.
	e.POST("/credits/ble-sync", s.signed(s.bleSyncHandler))

	// Ledger.
	e.GET("/ledger/snapshot", s.ledgerSnapshotHandler)
	e.GET("/ledger/verify", s.ledgerVerifyHandler)

	// Workspace snapshots.
	e.GET("/snapshots/:ref", s.getSnapshotHandler)
	e.POST("/snapshots", s.putSnapshotHandler)

	return e
}

// metricsHandler bridges the Prometheus handler into echo.
func metricsHandler(c *echo.Context) error {
	promhttp.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}

// Start serves HTTP on addr until Shutdown. Blocks like http.ListenAndServe.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("HTTP server listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
