// Package e2e provides end-to-end test infrastructure for the EdgeCoder
// coordinator and agent stack.
package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edgecoder/edgecoder/pkg/api"
	"github.com/edgecoder/edgecoder/pkg/config"
	"github.com/edgecoder/edgecoder/pkg/credits"
	"github.com/edgecoder/edgecoder/pkg/database"
	"github.com/edgecoder/edgecoder/pkg/escalation"
	"github.com/edgecoder/edgecoder/pkg/events"
	"github.com/edgecoder/edgecoder/pkg/gossip"
	"github.com/edgecoder/edgecoder/pkg/identity"
	"github.com/edgecoder/edgecoder/pkg/ledger"
	"github.com/edgecoder/edgecoder/pkg/models"
	"github.com/edgecoder/edgecoder/pkg/provider"
	"github.com/edgecoder/edgecoder/pkg/queue"
	"github.com/edgecoder/edgecoder/pkg/registry"
	"github.com/edgecoder/edgecoder/pkg/router"
	"github.com/edgecoder/edgecoder/pkg/snapshot"
)

// Shared secrets every TestCoordinator is wired with. Agents registering
// through RegisterWorker present the approval token, so they come up approved
// instead of pending.
const (
	testMeshToken     = "e2e-mesh-token"
	testApprovalToken = "e2e-approval-token"
)

// TestCoordinator boots a complete coordinator for e2e testing.
type TestCoordinator struct {
	// Core
	Config   *config.Config
	DBClient *database.Client // nil when running on memory stores
	Key      *identity.Key    // ledger signing key
	PeerKey  *identity.Key    // gossip envelope key

	// Services
	Catalog   *registry.Catalog
	Queue     *queue.Queue
	Router    *router.Router
	Resolver  *escalation.Resolver
	Credits   *credits.Engine
	Ledger    *ledger.Ledger
	Publisher *events.Publisher
	Snapshots *snapshot.Store
	Mesh      *gossip.Mesh // nil unless WithMesh
	Server    *api.Server

	// Runtime
	BaseURL string // e.g. "http://127.0.0.1:54321"
	WSURL   string // e.g. "ws://127.0.0.1:54321/ws"

	t *testing.T
}

// testCoordinatorConfig holds options accumulated before boot.
type testCoordinatorConfig struct {
	cfg       *config.Config
	dbClient  *database.Client // injected DB client (for multi-pod tests)
	nodeID    string           // custom node ID (for gossip tests)
	mesh      bool             // start the gossip mesh
	backends  []escalation.Backend
	localTier provider.Provider // optional local tier for the chat waterfall
	swarmTier provider.Provider // optional swarm tier for the chat waterfall
}

// TestCoordinatorOption configures the coordinator under test.
type TestCoordinatorOption func(*testCoordinatorConfig)

// WithConfig sets a custom config.
func WithConfig(cfg *config.Config) TestCoordinatorOption {
	return func(c *testCoordinatorConfig) { c.cfg = cfg }
}

// WithDBClient injects a pre-created database client, switching the ledger,
// the credit store, and the event feed onto Postgres. Used for multi-pod
// tests where coordinators share one schema.
func WithDBClient(client *database.Client) TestCoordinatorOption {
	return func(c *testCoordinatorConfig) { c.dbClient = client }
}

// WithNodeID overrides the auto-generated node ID. Gossip tests need each
// coordinator to carry a distinct identity.
func WithNodeID(id string) TestCoordinatorOption {
	return func(c *testCoordinatorConfig) { c.nodeID = id }
}

// WithMesh starts the gossip mesh and registers the coordinator-side
// handlers, mirroring the daemon wiring.
func WithMesh() TestCoordinatorOption {
	return func(c *testCoordinatorConfig) { c.mesh = true }
}

// WithEscalationBackends sets the resolver's backend waterfall. Leaving it
// empty means every escalation falls through to human_pending.
func WithEscalationBackends(backends ...escalation.Backend) TestCoordinatorOption {
	return func(c *testCoordinatorConfig) { c.backends = backends }
}

// WithLocalTier attaches a provider as the router's local model tier.
func WithLocalTier(p provider.Provider) TestCoordinatorOption {
	return func(c *testCoordinatorConfig) { c.localTier = p }
}

// WithSwarmTier attaches a provider as the router's swarm tier.
func WithSwarmTier(p provider.Provider) TestCoordinatorOption {
	return func(c *testCoordinatorConfig) { c.swarmTier = p }
}

// NewTestCoordinator creates and starts a full coordinator instance.
// Shutdown is registered via t.Cleanup automatically.
func NewTestCoordinator(t *testing.T, opts ...TestCoordinatorOption) *TestCoordinator {
	t.Helper()

	tc := &testCoordinatorConfig{}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.cfg == nil {
		tc.cfg = defaultTestConfig(t)
	}
	nodeID := tc.nodeID
	if nodeID == "" {
		nodeID = fmt.Sprintf("e2e-%s", strings.ReplaceAll(t.Name(), "/", "-"))
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	// 1. Bind the listener up front: its address doubles as the gossip self
	// ID, which peers must be able to dial back.
	ts := httptest.NewUnstartedServer(nil)
	baseURL := "http://" + ts.Listener.Addr().String()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	tc.cfg.Server.PublicURL = baseURL

	// 2. Signing keys, throwaway per test.
	keyDir := t.TempDir()
	key, err := identity.LoadOrGenerate(filepath.Join(keyDir, "ledger.key"), identity.PurposeLedger)
	require.NoError(t, err)
	peerKey, err := identity.LoadOrGenerate(filepath.Join(keyDir, "peer.key"), identity.PurposePeer)
	require.NoError(t, err)

	// 3. Stores: Postgres when a DB client is injected, memory otherwise.
	var (
		ledgerStore ledger.Store
		creditStore credits.Store
	)
	if tc.dbClient != nil {
		ledgerStore = ledger.NewPostgresStore(tc.dbClient.DB())
		creditStore = credits.NewPostgresStore(tc.dbClient.DB())
	} else {
		ledgerStore = ledger.NewMemoryStore()
		creditStore = credits.NewMemoryStore()
	}

	// 4. Ordering ledger.
	led, err := ledger.New(ledgerStore, key, nodeID, tc.cfg.Ledger.CheckpointEvery, logger)
	require.NoError(t, err)

	// 5. Event feed. Postgres mode relays through LISTEN/NOTIFY so events
	// published on one pod reach subscribers on every pod.
	var (
		publisher   *events.Publisher
		connManager *events.ConnectionManager
	)
	if tc.dbClient != nil {
		connManager = events.NewConnectionManager(events.NewPostgresLog(tc.dbClient.DB()), 5*time.Second, logger)
		publisher = events.NewPublisher(tc.dbClient.DB(), logger)
		listener := events.NewListener(tc.dbClient.DSN(), connManager, logger)
		require.NoError(t, listener.Start(ctx))
		t.Cleanup(func() { listener.Stop(context.Background()) })
	} else {
		memLog := events.NewMemoryLog()
		connManager = events.NewConnectionManager(memLog, 5*time.Second, logger)
		publisher = events.NewMemoryPublisher(memLog, connManager, logger)
	}

	// 6. Agent catalog.
	catalog := registry.NewCatalog(logger,
		registry.WithApprovalToken(testApprovalToken),
		registry.WithStaleAfter(tc.cfg.Catalog.StaleAfter),
		registry.WithDropAfter(tc.cfg.Catalog.DropAfter),
	)

	// 7. Swarm queue.
	q := queue.New(queue.Config{
		MaxAttempts:     tc.cfg.Queue.MaxAttempts,
		DefaultTimeout:  tc.cfg.Queue.ClaimTimeout,
		ReclaimInterval: tc.cfg.Queue.ReclaimInterval,
	}, led, logger)
	q.SetReliabilityTracker(catalog)
	q.SetNotifier(publisher)
	q.StartReclaimSweeper(ctx)

	// 8. Router, tierless unless a test wires providers in.
	rt := router.New(router.Config{
		ConcurrencyCap:     int64(tc.cfg.Router.ConcurrencyCap),
		LatencyThresholdMs: tc.cfg.Router.LatencyThresholdMs,
		LatencyWindow:      tc.cfg.Router.LatencyWindow,
		TierCooldown:       tc.cfg.Router.TierCooldown,
		PeerCostMargin:     tc.cfg.Router.PeerCostMargin,
	}, logger)
	if tc.localTier != nil {
		rt.SetLocal(tc.localTier)
	}
	if tc.swarmTier != nil {
		rt.SetSwarm(tc.swarmTier)
	}

	// 9. Escalation resolver.
	resolver := escalation.New(tc.cfg.Escalation, tc.backends, led, logger)
	resolver.SetTaskMarker(q)
	resolver.Start()

	// 10. Credit engine and snapshot store.
	eng := credits.New(tc.cfg.Credits, creditStore, catalog, led, logger)
	snapshots, err := snapshot.NewStore(tc.cfg.Snapshots)
	require.NoError(t, err)

	// 11. Gossip mesh, only when asked for.
	var mesh *gossip.Mesh
	if tc.mesh {
		mesh, err = gossip.New(tc.cfg.Gossip, baseURL, peerKey, logger)
		require.NoError(t, err)
		mesh.SetAuthToken(testMeshToken)
		mesh.SetCapabilitySource(catalog)
		mesh.SetFeed(publisher)
		registerMeshHandlers(mesh, q, led, publisher, catalog)
		mesh.Start(ctx)
	}

	// 12. HTTP server onto the waiting listener.
	server := api.NewServer(tc.cfg, catalog, q, rt, resolver, eng, led, logger)
	server.SetSnapshots(snapshots)
	server.SetConnectionManager(connManager)
	if mesh != nil {
		server.SetMesh(mesh)
	}

	ts.Config.Handler = server.Handler()
	ts.Start()

	coord := &TestCoordinator{
		Config:    tc.cfg,
		DBClient:  tc.dbClient,
		Key:       key,
		PeerKey:   peerKey,
		Catalog:   catalog,
		Queue:     q,
		Router:    rt,
		Resolver:  resolver,
		Credits:   eng,
		Ledger:    led,
		Publisher: publisher,
		Snapshots: snapshots,
		Mesh:      mesh,
		Server:    server,
		BaseURL:   baseURL,
		WSURL:     wsURL,
		t:         t,
	}

	// Register cleanup in reverse-creation order.
	t.Cleanup(func() {
		ts.Close()
		if mesh != nil {
			mesh.Stop()
		}
		resolver.Stop()
		q.Stop()
	})

	return coord
}

// registerMeshHandlers wires the coordinator-side gossip handlers the same
// way the daemon does: forwarded tasks enter the local queue, forwarded
// results feed the ledger and the event stream, blacklists propagate into
// the catalog.
func registerMeshHandlers(mesh *gossip.Mesh, q *queue.Queue, led *ledger.Ledger, publisher *events.Publisher, catalog *registry.Catalog) {
	mesh.Handle(models.GossipTaskForward, func(ctx context.Context, msg *models.GossipMessage) error {
		var fwd models.TaskForward
		if err := json.Unmarshal(msg.Body, &fwd); err != nil {
			return err
		}
		_, err := q.Submit(ctx, fwd.Task, fwd.Subtasks)
		return err
	})
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
	mesh.Handle(models.GossipBlacklist, func(ctx context.Context, msg *models.GossipMessage) error {
		var ann models.BlacklistAnnouncement
		if err := json.Unmarshal(msg.Body, &ann); err != nil {
			return err
		}
		if err := catalog.Blacklist(ann.AgentID); err != nil && !errors.Is(err, registry.ErrAgentNotFound) {
			return err
		}
		return nil
	})
}

// defaultTestConfig trims the built-in defaults to test scale: fast reclaim,
// tight retry budgets, a process sandbox, and no escalation backends.
func defaultTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Mesh.AuthToken = testMeshToken
	cfg.Mesh.ApprovalToken = testApprovalToken
	cfg.Mesh.NonceTTL = time.Minute
	cfg.Queue.ClaimTimeout = 5 * time.Second
	cfg.Queue.ReclaimInterval = 100 * time.Millisecond
	cfg.Queue.MaxAttempts = 2
	cfg.Queue.RetryBackoffBase = 10 * time.Millisecond
	cfg.Queue.RetryBackoffMax = 50 * time.Millisecond
	cfg.Catalog.StaleAfter = 10 * time.Second
	cfg.Catalog.DropAfter = time.Minute
	cfg.Gossip.PeerExchangeInterval = 500 * time.Millisecond
	cfg.Gossip.RateLimit = 200
	cfg.Ledger.CheckpointEvery = 8
	cfg.Sandbox.Required = false
	cfg.Sandbox.Mode = config.SandboxProcess
	cfg.Escalation.BackendOrder = nil // human_pending unless a test adds backends
	cfg.Escalation.RetryBackoffBase = 10 * time.Millisecond
	cfg.Snapshots.Dir = t.TempDir()
	return cfg
}
