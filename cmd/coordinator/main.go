// EdgeCoder coordinator daemon. Owns the swarm queue, the ordering ledger,
// the agent catalog, the gossip mesh, and the HTTP/WebSocket API surface.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/edgecoder/edgecoder/pkg/api"
	"github.com/edgecoder/edgecoder/pkg/cleanup"
	"github.com/edgecoder/edgecoder/pkg/config"
	"github.com/edgecoder/edgecoder/pkg/credits"
	"github.com/edgecoder/edgecoder/pkg/database"
	"github.com/edgecoder/edgecoder/pkg/escalation"
	"github.com/edgecoder/edgecoder/pkg/events"
	"github.com/edgecoder/edgecoder/pkg/gossip"
	"github.com/edgecoder/edgecoder/pkg/identity"
	"github.com/edgecoder/edgecoder/pkg/ledger"
	"github.com/edgecoder/edgecoder/pkg/models"
	"github.com/edgecoder/edgecoder/pkg/notify"
	"github.com/edgecoder/edgecoder/pkg/provider"
	"github.com/edgecoder/edgecoder/pkg/queue"
	"github.com/edgecoder/edgecoder/pkg/registry"
	"github.com/edgecoder/edgecoder/pkg/router"
	"github.com/edgecoder/edgecoder/pkg/snapshot"
	"github.com/joho/godotenv"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolveNodeID determines the coordinator identity used as the ledger
// actor. Priority: NODE_ID env > HOSTNAME env > "coordinator"
func resolveNodeID() string {
	if id := os.Getenv("NODE_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "coordinator"
}

func main() {
	// Parse command-line flags
	configPath := flag.String("config",
		getEnv("EDGECODER_CONFIG", "edgecoder.yaml"),
		"Path to the coordinator YAML configuration file")
	flag.Parse()

	// Load .env from the config file's directory
	envPath := filepath.Join(filepath.Dir(*configPath), ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	nodeID := resolveNodeID()
	slog.Info("Starting EdgeCoder coordinator",
		"node_id", nodeID,
		"config", *configPath)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(*configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Signing identities. The ledger key signs ordering records; the peer
	// key signs gossip envelopes. Both persist next to each other.
	ledgerKey, err := identity.LoadOrGenerate(cfg.Ledger.KeyFile, identity.PurposeLedger)
	if err != nil {
		slog.Error("Failed to load ledger signing key", "path", cfg.Ledger.KeyFile, "error", err)
		os.Exit(1)
	}
	peerKeyPath := filepath.Join(filepath.Dir(cfg.Ledger.KeyFile), "peer.key")
	peerKey, err := identity.LoadOrGenerate(peerKeyPath, identity.PurposePeer)
	if err != nil {
		slog.Error("Failed to load peer signing key", "path", peerKeyPath, "error", err)
		os.Exit(1)
	}

	// 3. Durable stores. A configured DSN selects Postgres; otherwise the
	// coordinator runs fully in-memory (development mode, history is lost on
	// restart).
	var dbClient *database.Client
	var ledgerStore ledger.Store
	var creditStore credits.Store

	dsn := database.ResolveDSN(cfg.Database.DSN)
	if dsn != "" {
		dbClient, err = database.NewClient(ctx, database.Config{
			DSN:             dsn,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			MigrateOnStart:  cfg.Database.MigrateOnStart,
		})
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				slog.Error("Error closing database client", "error", err)
			}
		}()
		ledgerStore = ledger.NewPostgresStore(dbClient.DB())
		creditStore = credits.NewPostgresStore(dbClient.DB())
		slog.Info("Connected to PostgreSQL database")
	} else {
		ledgerStore = ledger.NewMemoryStore()
		creditStore = credits.NewMemoryStore()
		slog.Info("No database configured, using in-memory stores")
	}

	// 4. Ordering ledger
	led, err := ledger.New(ledgerStore, ledgerKey, nodeID, cfg.Ledger.CheckpointEvery, logger)
	if err != nil {
		slog.Error("Failed to open ordering ledger", "error", err)
		os.Exit(1)
	}

	// 5. Live event feed. Events go through pg_notify when Postgres is up so
	// every replica relays them; otherwise they fan out in-process.
	var connManager *events.ConnectionManager
	var publisher *events.Publisher
	var listener *events.Listener

	if dbClient != nil {
		connManager = events.NewConnectionManager(events.NewPostgresLog(dbClient.DB()), 10*time.Second, logger)
		publisher = events.NewPublisher(dbClient.DB(), logger)
		listener = events.NewListener(dbClient.DSN(), connManager, logger)
		if err := listener.Start(ctx); err != nil {
			slog.Error("Failed to start event listener", "error", err)
			os.Exit(1)
		}
		defer listener.Stop(ctx)
	} else {
		memLog := events.NewMemoryLog()
		connManager = events.NewConnectionManager(memLog, 10*time.Second, logger)
		publisher = events.NewMemoryPublisher(memLog, connManager, logger)
	}
	slog.Info("Event feed initialized", "durable", dbClient != nil)

	// 6. Agent catalog with background staleness sweep
	catalog := registry.NewCatalog(logger,
		registry.WithApprovalToken(cfg.Mesh.ApprovalToken),
		registry.WithStaleAfter(cfg.Catalog.StaleAfter),
		registry.WithDropAfter(cfg.Catalog.DropAfter),
	)
	catalog.StartSweeper(ctx, cfg.Catalog.SweepInterval)

	// 7. Swarm queue with claim-expiry reclaim sweep
	q := queue.New(queue.Config{
		MaxAttempts:     cfg.Queue.MaxAttempts,
		DefaultTimeout:  cfg.Queue.ClaimTimeout,
		ReclaimInterval: cfg.Queue.ReclaimInterval,
	}, led, logger)
	q.SetReliabilityTracker(catalog)
	q.SetNotifier(publisher)
	q.StartReclaimSweeper(ctx)

	// 8. Model providers and the tier router
	providers := provider.NewRegistry()
	ollama := provider.NewOllama(cfg.Providers.Ollama.BaseURL, cfg.Providers.Ollama.Model, cfg.Providers.Ollama.Timeout)
	providers.Register(ollama)
	if cfg.Providers.Peer.URL != "" {
		kind := provider.KindPeerEdge
		if cfg.Providers.Peer.Tier == "coordinator" {
			kind = provider.KindPeerCoordinator
		}
		providers.Register(provider.NewPeer(kind, cfg.Providers.Peer.URL, "", cfg.Mesh.AuthToken, cfg.Providers.Peer.Timeout))
	}
	providers.Use(provider.Kind(cfg.Providers.Active))

	prober := provider.NewProber(providers, cfg.Providers.HealthInterval, logger)
	prober.Start(ctx)
	defer prober.Stop()

	rt := router.New(router.Config{
		ConcurrencyCap:     int64(cfg.Router.ConcurrencyCap),
		LatencyThresholdMs: cfg.Router.LatencyThresholdMs,
		LatencyWindow:      cfg.Router.LatencyWindow,
		TierCooldown:       cfg.Router.TierCooldown,
		PeerCostMargin:     cfg.Router.PeerCostMargin,
		Backpressure:       cfg.Router.Backpressure,
	}, logger)
	rt.SetLocal(ollama)
	rt.SetProber(prober)
	if peer := providers.Get(provider.KindPeerCoordinator); peer != nil {
		rt.SetSwarm(peer)
	}
	slog.Info("Router initialized", "providers", providers.Available())

	// 9. Escalation resolver
	backends, err := escalation.BuildBackends(cfg.Escalation, cfg.Mesh.AuthToken)
	if err != nil {
		slog.Error("Failed to build escalation backends", "error", err)
		os.Exit(1)
	}
	resolver := escalation.New(cfg.Escalation, backends, led, logger)
	resolver.SetTaskMarker(q)
	if svc := notify.NewService(cfg.Notifications, logger); svc != nil {
		resolver.SetNotifier(svc)
		slog.Info("Slack notifications enabled", "channel", cfg.Notifications.SlackChannel)
	}
	resolver.Start()
	slog.Info("Escalation resolver started", "backends", cfg.Escalation.BackendOrder)

	// 10. Credit engine
	eng := credits.New(cfg.Credits, creditStore, catalog, led, logger)

	// 11. Snapshot store and retention sweeps. The in-memory event ring is
	// self-bounded, so the event purge only runs against Postgres.
	snapshots, err := snapshot.NewStore(cfg.Snapshots)
	if err != nil {
		slog.Error("Failed to open snapshot store", "dir", cfg.Snapshots.Dir, "error", err)
		os.Exit(1)
	}
	var eventPurger cleanup.EventPurger
	if dbClient != nil {
		eventPurger = events.NewPostgresLog(dbClient.DB())
	}
	retention := cleanup.NewService(cfg.Retention, eventPurger, snapshots, logger)
	retention.Start(ctx)
	defer retention.Stop()

	// 12. Gossip mesh (swarm deployments only)
	var mesh *gossip.Mesh
	if cfg.Mesh.SwarmEnabled {
		mesh, err = gossip.New(cfg.Gossip, cfg.Server.PublicURL, peerKey, logger)
		if err != nil {
			slog.Error("Failed to initialize gossip mesh", "error", err)
			os.Exit(1)
		}
		mesh.SetAuthToken(cfg.Mesh.AuthToken)
		mesh.SetCapabilitySource(catalog)
		mesh.SetFeed(publisher)

		// Forwarded tasks join the local queue; ownership transfers on ingest.
		mesh.Handle(models.GossipTaskForward, func(ctx context.Context, msg *models.GossipMessage) error {
			var fwd models.TaskForward
			if err := json.Unmarshal(msg.Body, &fwd); err != nil {
				return err
			}
			taskID, err := q.Submit(ctx, fwd.Task, fwd.Subtasks)
			if err != nil {
				return err
			}
			slog.Info("Accepted forwarded task", "task_id", taskID, "origin", msg.OriginPeerID)
			return nil
		})

		// Results for tasks this node forwarded away. The task is no longer
		// ours, so the result only feeds the ledger and the live feed.
		mesh.Handle(models.GossipResultForward, func(ctx context.Context, msg *models.GossipMessage) error {
			var res models.ResultForward
			if err := json.Unmarshal(msg.Body, &res); err != nil {
				return err
			}
			eventType := models.EventTaskCompleted
			if !res.OK {
				eventType = models.EventTaskFailed
			}
			if _, err := led.Append(ctx, eventType, res.TaskID, res.SubtaskID, msg.OriginPeerID, map[string]any{
				"forwarded": true,
				"error":     res.Error,
			}); err != nil {
				return err
			}
			publisher.Publish(ctx, eventType, res.TaskID, map[string]any{
				"subtask_id": res.SubtaskID,
				"forwarded":  true,
				"ok":         res.OK,
			})
			return nil
		})

		// Propagated blacklists apply locally; agents we never met are skipped.
		mesh.Handle(models.GossipBlacklist, func(ctx context.Context, msg *models.GossipMessage) error {
			var ann models.BlacklistAnnouncement
			if err := json.Unmarshal(msg.Body, &ann); err != nil {
				return err
			}
			if err := catalog.Blacklist(ann.AgentID); err != nil {
				if errors.Is(err, registry.ErrAgentNotFound) {
					return nil
				}
				return err
			}
			slog.Info("Applied propagated blacklist", "agent_id", ann.AgentID, "origin", msg.OriginPeerID)
			return nil
		})

		mesh.Start(ctx)
		slog.Info("Gossip mesh started", "self", cfg.Server.PublicURL, "seeds", len(cfg.Gossip.Seeds))
	}

	// 13. HTTP server
	httpServer := api.NewServer(cfg, catalog, q, rt, resolver, eng, led, logger)
	httpServer.SetSnapshots(snapshots)
	httpServer.SetConnectionManager(connManager)
	if mesh != nil {
		httpServer.SetMesh(mesh)
	}
	if dbClient != nil {
		httpServer.SetDatabase(dbClient)
	}

	// 14. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.Start(cfg.Server.ListenAddr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("EdgeCoder coordinator started",
		"node_id", nodeID,
		"swarm_enabled", cfg.Mesh.SwarmEnabled,
		"public_url", cfg.Server.PublicURL)

	// 15. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 16. Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop the mesh first so peers stop sending while we drain.
	if mesh != nil {
		meshDone := make(chan struct{})
		go func() {
			mesh.Stop()
			close(meshDone)
		}()
		select {
		case <-meshDone:
			slog.Info("Gossip mesh stopped")
		case <-shutdownCtx.Done():
			slog.Warn("Gossip mesh shutdown timeout exceeded")
		}
	}

	// Stop the queue sweeps and the escalation resolver.
	done := make(chan struct{})
	go func() {
		q.Stop()
		resolver.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Queue and resolver stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded, unclaimed work will be reclaimed on restart")
	}

	// Stop HTTP server with its own timeout budget
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
