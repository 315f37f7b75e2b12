// Package gossip is the cross-coordinator mesh: signed envelopes over
// outbound WebSockets with HTTP ingest fallback, duplicate suppression,
// per-peer rate limits and reliability scores. Send failures never propagate
// to the caller; the mesh converges through periodic peer exchange.
package gossip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/edgecoder/edgecoder/pkg/config"
	"github.com/edgecoder/edgecoder/pkg/identity"
	"github.com/edgecoder/edgecoder/pkg/models"
	"github.com/edgecoder/edgecoder/pkg/observability"
)

// Score movements. Peers live in [0,1] and are evicted below the configured
// floor.
const (
	scoreInitial      = 0.5
	scoreReward       = 0.05
	scorePenalty      = 0.1
	scoreAbusePenalty = 0.2
)

var (
	// ErrUnknownOrigin rejects messages from peers that never introduced
	// themselves via register-peer or peer exchange.
	ErrUnknownOrigin = errors.New("unknown origin peer")

	// ErrRateLimited rejects messages over the per-peer budget.
	ErrRateLimited = errors.New("peer rate limited")

	// ErrPeerKeyChanged rejects a re-introduction under a different key.
	ErrPeerKeyChanged = errors.New("peer public key changed")
)

// Handler consumes one verified, deduplicated message.
type Handler func(ctx context.Context, msg *models.GossipMessage) error

// CapabilitySource feeds periodic capability announcements.
type CapabilitySource interface {
	AvailableModels() []models.ModelAvailability
}

// FeedPublisher relays mesh lifecycle events to the live event feed. Nil-safe
// on the Mesh; implementations must not block.
type FeedPublisher interface {
	PublishMesh(ctx context.Context, eventType string, payload map[string]any)
}

type dedupKey struct {
	origin string
	seq    uint64
}

type peerState struct {
	info     models.PeerInfo
	limiter  *rate.Limiter
	lastSeen time.Time

	transport *peerTransport
}

// Mesh is one coordinator's view of the gossip network.
type Mesh struct {
	cfg       config.GossipConfig
	selfID    string
	key       *identity.Key
	authToken string
	logger    *slog.Logger

	mu    sync.Mutex
	peers map[string]*peerState
	// remoteModels caches the latest capability announcement per peer.
	remoteModels map[string][]models.ModelAvailability

	seen *lru.Cache[dedupKey, struct{}]
	seq  atomic.Uint64

	handlersMu sync.RWMutex
	handlers   map[models.GossipType]Handler

	caps CapabilitySource
	feed FeedPublisher

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a mesh identified by selfID (the coordinator's public URL),
// signing with the peer-scoped key.
func New(cfg config.GossipConfig, selfID string, key *identity.Key, logger *slog.Logger) (*Mesh, error) {
	if cfg.DedupCacheSize <= 0 {
		cfg.DedupCacheSize = 4096
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 50
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = 10 * time.Second
	}
	if cfg.PeerExchangeInterval <= 0 {
		cfg.PeerExchangeInterval = 30 * time.Second
	}
	if cfg.EvictBelowScore <= 0 {
		cfg.EvictBelowScore = 0.2
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 2 * time.Minute
	}
	if cfg.FanOut <= 0 {
		cfg.FanOut = 3
	}

	seen, err := lru.New[dedupKey, struct{}](cfg.DedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("dedup cache: %w", err)
	}
	return &Mesh{
		cfg:          cfg,
		selfID:       selfID,
		key:          key,
		logger:       logger.With("component", "gossip"),
		peers:        make(map[string]*peerState),
		remoteModels: make(map[string][]models.ModelAvailability),
		seen:         seen,
		handlers:     make(map[models.GossipType]Handler),
		stopCh:       make(chan struct{}),
	}, nil
}

// SetAuthToken attaches the shared swarm secret to outbound peer calls.
// Must be set before Start or RegisterPeer.
func (m *Mesh) SetAuthToken(token string) { m.authToken = token }

// Handle registers the consumer for one message type. Internal types
// (peer_exchange, capability_announce) are handled by the mesh itself.
func (m *Mesh) Handle(t models.GossipType, h Handler) {
	m.handlersMu.Lock()
	m.handlers[t] = h
	m.handlersMu.Unlock()
}

// SetCapabilitySource wires the local model aggregation into announcements.
func (m *Mesh) SetCapabilitySource(src CapabilitySource) { m.caps = src }

// SetFeed wires mesh lifecycle events into the live event feed.
func (m *Mesh) SetFeed(f FeedPublisher) { m.feed = f }

// SelfInfo is this coordinator's own peer-exchange entry.
func (m *Mesh) SelfInfo() models.PeerInfo {
	return models.PeerInfo{PeerID: m.selfID, PublicKey: m.key.PublicKey(), Score: 1}
}

// Start introduces the mesh to its seeds and launches the exchange loop.
func (m *Mesh) Start(ctx context.Context) {
	for _, seed := range m.cfg.Seeds {
		if seed == "" || seed == m.selfID {
			continue
		}
		m.wg.Add(1)
		go func(url string) {
			defer m.wg.Done()
			if err := m.introduce(ctx, url); err != nil {
				m.logger.Warn("seed introduction failed", "peer", url, "error", err)
			}
		}(seed)
	}

	m.wg.Add(1)
	go m.exchangeLoop()
	m.logger.Info("gossip mesh started", "self", m.selfID, "seeds", len(m.cfg.Seeds))
}

// Stop halts the loops and closes peer connections.
func (m *Mesh) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.peers {
		p.transport.close()
	}
}

// RegisterPeer pins a peer's key on first sight. Re-registration under a new
// key is refused; everything else refreshes the entry.
func (m *Mesh) RegisterPeer(info models.PeerInfo) error {
	if info.PeerID == "" || info.PeerID == m.selfID {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.peers[info.PeerID]; ok {
		if existing.info.PublicKey != info.PublicKey {
			return ErrPeerKeyChanged
		}
		existing.lastSeen = time.Now()
		return nil
	}

	m.peers[info.PeerID] = &peerState{
		info: models.PeerInfo{
			PeerID:    info.PeerID,
			PublicKey: info.PublicKey,
			Score:     scoreInitial,
		},
		limiter: rate.NewLimiter(
			rate.Limit(float64(m.cfg.RateLimit)/m.cfg.RateWindow.Seconds()),
			m.cfg.RateLimit,
		),
		lastSeen:  time.Now(),
		transport: newPeerTransport(info.PeerID, m.authToken, m.logger),
	}
	observability.GossipPeers.Set(float64(len(m.peers)))
	m.logger.Info("peer registered", "peer", info.PeerID)
	m.publishFeed("mesh.peer_joined", map[string]any{"peer_id": info.PeerID})
	return nil
}

// Peers snapshots the peer table for /mesh/peers.
func (m *Mesh) Peers() []models.PeerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PeerInfo, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p.info)
	}
	return out
}

// RemoteModels merges the latest capability announcements from all peers.
func (m *Mesh) RemoteModels() []models.ModelAvailability {
	m.mu.Lock()
	defer m.mu.Unlock()
	merged := make(map[string]models.ModelAvailability)
	for _, list := range m.remoteModels {
		for _, avail := range list {
			cur, ok := merged[avail.Model]
			if !ok {
				merged[avail.Model] = avail
				continue
			}
			total := cur.AgentCount + avail.AgentCount
			if total > 0 {
				cur.AvgLoad = (cur.AvgLoad*float64(cur.AgentCount) + avail.AvgLoad*float64(avail.AgentCount)) / float64(total)
			}
			cur.AgentCount = total
			merged[avail.Model] = cur
		}
	}
	out := make([]models.ModelAvailability, 0, len(merged))
	for _, avail := range merged {
		out = append(out, avail)
	}
	return out
}

// Ingest verifies and dispatches one inbound envelope. It is the single
// entry point for both the WebSocket reader and POST /mesh/ingest.
func (m *Mesh) Ingest(ctx context.Context, msg *models.GossipMessage) error {
	if msg.OriginPeerID == m.selfID {
		return nil // own broadcast reflected back
	}

	m.mu.Lock()
	peer, known := m.peers[msg.OriginPeerID]
	m.mu.Unlock()
	if !known {
		observability.GossipMessages.WithLabelValues(string(msg.Type), "unknown_origin").Inc()
		return ErrUnknownOrigin
	}

	if !peer.limiter.Allow() {
		observability.GossipMessages.WithLabelValues(string(msg.Type), "rate_limited").Inc()
		m.penalize(msg.OriginPeerID, scoreAbusePenalty)
		return ErrRateLimited
	}

	if msg.TTLMs > 0 && msg.SentAtMs > 0 {
		if time.Now().UnixMilli() > msg.SentAtMs+msg.TTLMs {
			observability.GossipMessages.WithLabelValues(string(msg.Type), "expired").Inc()
			return nil
		}
	}

	key := dedupKey{origin: msg.OriginPeerID, seq: msg.SequenceNo}
	if m.seen.Contains(key) {
		observability.GossipMessages.WithLabelValues(string(msg.Type), "duplicate").Inc()
		return nil
	}

	signed := identity.GossipMessageBytes(
		string(msg.Type), msg.OriginPeerID, msg.SequenceNo, msg.TTLMs, identity.BodyHash(msg.Body))
	if err := identity.Verify(peer.info.PublicKey, identity.PurposePeer, signed, msg.Signature); err != nil {
		observability.GossipMessages.WithLabelValues(string(msg.Type), "bad_signature").Inc()
		m.penalize(msg.OriginPeerID, scorePenalty)
		return fmt.Errorf("gossip signature from %s: %w", msg.OriginPeerID, err)
	}

	m.seen.Add(key, struct{}{})
	m.reward(msg.OriginPeerID)
	observability.GossipMessages.WithLabelValues(string(msg.Type), "ingested").Inc()

	m.dispatch(ctx, msg)

	// Blacklists must reach peers that cannot hear the origin directly.
	if msg.Type == models.GossipBlacklist {
		m.relay(ctx, msg)
	}
	return nil
}

// dispatch routes a verified message to its consumer. Handler errors are
// logged, never returned: the envelope itself was valid.
func (m *Mesh) dispatch(ctx context.Context, msg *models.GossipMessage) {
	switch msg.Type {
	case models.GossipPeerExchange:
		m.handlePeerExchange(msg)
		return
	case models.GossipCapabilityAnnounce:
		m.handleCapabilityAnnounce(msg)
		return
	}

	m.handlersMu.RLock()
	h, ok := m.handlers[msg.Type]
	m.handlersMu.RUnlock()
	if !ok {
		m.logger.Debug("no handler for gossip type", "type", msg.Type)
		return
	}
	if err := h(ctx, msg); err != nil {
		m.logger.Warn("gossip handler failed",
			"type", msg.Type, "origin", msg.OriginPeerID, "error", err)
	}
}

func (m *Mesh) handlePeerExchange(msg *models.GossipMessage) {
	var infos []models.PeerInfo
	if err := json.Unmarshal(msg.Body, &infos); err != nil {
		m.logger.Warn("bad peer_exchange body", "origin", msg.OriginPeerID, "error", err)
		return
	}
	for _, info := range infos {
		if err := m.RegisterPeer(info); err != nil && !errors.Is(err, ErrPeerKeyChanged) {
			m.logger.Warn("peer exchange registration failed", "peer", info.PeerID, "error", err)
		}
	}
}

func (m *Mesh) handleCapabilityAnnounce(msg *models.GossipMessage) {
	var ann models.CapabilityAnnouncement
	if err := json.Unmarshal(msg.Body, &ann); err != nil {
		m.logger.Warn("bad capability_announce body", "origin", msg.OriginPeerID, "error", err)
		return
	}
	m.mu.Lock()
	m.remoteModels[ann.PeerID] = ann.Models
	m.mu.Unlock()
}

// Broadcast signs and sends one message to every peer. Failures demote the
// peer and are otherwise swallowed.
func (m *Mesh) Broadcast(ctx context.Context, t models.GossipType, body any) {
	msg, err := m.envelope(t, body)
	if err != nil {
		m.logger.Warn("broadcast envelope failed", "type", t, "error", err)
		return
	}
	for _, peerID := range m.peerIDs() {
		m.sendEnvelope(ctx, peerID, msg)
	}
}

// SendTo signs and sends one message to a single peer. The returned error is
// informational; callers must treat the send as best effort.
func (m *Mesh) SendTo(ctx context.Context, peerID string, t models.GossipType, body any) error {
	msg, err := m.envelope(t, body)
	if err != nil {
		return err
	}
	return m.sendEnvelope(ctx, peerID, msg)
}

// relay forwards an already-signed envelope to up to FanOut peers other than
// its origin. Dedup at the receivers stops the flood.
func (m *Mesh) relay(ctx context.Context, msg *models.GossipMessage) {
	n := 0
	for _, peerID := range m.peerIDs() {
		if peerID == msg.OriginPeerID {
			continue
		}
		if n >= m.cfg.FanOut {
			break
		}
		m.sendEnvelope(ctx, peerID, msg)
		n++
	}
}

func (m *Mesh) envelope(t models.GossipType, body any) (*models.GossipMessage, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal gossip body: %w", err)
	}
	seq := m.seq.Add(1)
	ttlMs := m.cfg.DefaultTTL.Milliseconds()
	sig := m.key.Sign(identity.GossipMessageBytes(
		string(t), m.selfID, seq, ttlMs, identity.BodyHash(raw)))
	return &models.GossipMessage{
		Type:         t,
		OriginPeerID: m.selfID,
		SequenceNo:   seq,
		Body:         raw,
		Signature:    sig,
		TTLMs:        ttlMs,
		SentAtMs:     time.Now().UnixMilli(),
	}, nil
}

func (m *Mesh) sendEnvelope(ctx context.Context, peerID string, msg *models.GossipMessage) error {
	m.mu.Lock()
	peer, ok := m.peers[peerID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("send to unknown peer %s", peerID)
	}

	if err := peer.transport.send(ctx, msg); err != nil {
		observability.GossipMessages.WithLabelValues(string(msg.Type), "send_failed").Inc()
		m.penalize(peerID, scorePenalty)
		m.logger.Warn("gossip send failed", "peer", peerID, "type", msg.Type, "error", err)
		return err
	}
	observability.GossipMessages.WithLabelValues(string(msg.Type), "sent").Inc()
	m.reward(peerID)
	return nil
}

// introduce POSTs our identity to a seed and registers the identity it
// returns.
func (m *Mesh) introduce(ctx context.Context, url string) error {
	info, err := registerWithPeer(ctx, url, m.authToken, m.SelfInfo())
	if err != nil {
		return err
	}
	return m.RegisterPeer(*info)
}

func (m *Mesh) exchangeLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PeerExchangeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PeerExchangeInterval)
			m.exchange(ctx)
			cancel()
		}
	}
}

// exchange shares the peer table and local capability aggregate.
func (m *Mesh) exchange(ctx context.Context) {
	table := append(m.Peers(), m.SelfInfo())
	m.Broadcast(ctx, models.GossipPeerExchange, table)

	if m.caps != nil {
		m.Broadcast(ctx, models.GossipCapabilityAnnounce, models.CapabilityAnnouncement{
			PeerID: m.selfID,
			Models: m.caps.AvailableModels(),
		})
	}
}

func (m *Mesh) peerIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	return ids
}

func (m *Mesh) reward(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[peerID]
	if !ok {
		return
	}
	p.info.Score = min(1, p.info.Score+scoreReward)
	p.lastSeen = time.Now()
}

// penalize lowers a peer's score and evicts it below the floor, clearing its
// cached capability state.
func (m *Mesh) penalize(peerID string, by float64) {
	m.mu.Lock()
	p, ok := m.peers[peerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	p.info.Score = max(0, p.info.Score-by)
	evict := p.info.Score < m.cfg.EvictBelowScore
	if evict {
		delete(m.peers, peerID)
		delete(m.remoteModels, peerID)
		observability.GossipPeers.Set(float64(len(m.peers)))
	}
	m.mu.Unlock()

	if evict {
		p.transport.close()
		m.logger.Info("peer evicted", "peer", peerID, "score", p.info.Score)
		m.publishFeed("mesh.peer_evicted", map[string]any{"peer_id": peerID})
	}
}

func (m *Mesh) publishFeed(eventType string, payload map[string]any) {
	if m.feed == nil {
		return
	}
	m.feed.PublishMesh(context.Background(), eventType, payload)
}
