// Package ble is the local-mesh cost router: a peer table fed by nearby
// discovery, a cost function over model fit, load, battery and signal, and
// dual-signed credit transactions that settle offline work when the
// coordinator comes back. Radio transport mechanics live behind the Link
// interface.
package ble

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/edgecoder/edgecoder/pkg/models"
)

// Cost function weights.
const (
	modelFitPenalty  = 100
	loadWeight       = 20
	batteryWeight    = 0.5
	rssiCostMax      = 30
	stalenessPenalty = 15
)

const (
	defaultEvictAfter = 60 * time.Second
	defaultStaleAfter = 30 * time.Second
	// defaultThroughputBps approximates a usable BLE data channel.
	defaultThroughputBps = 10_000
	defaultMinParamSizeB = 1.0
)

// Peer is one discovered nearby device.
type Peer struct {
	AgentID         string            `json:"agent_id"`
	MeshTokenHash   string            `json:"mesh_token_hash"`
	AccountID       string            `json:"account_id"`
	PublicKey       string            `json:"public_key"`
	ActiveModel     string            `json:"active_model"`
	ModelParamSizeB float64           `json:"model_param_size_b"`
	MemoryMB        int               `json:"memory_mb"`
	BatteryPct      int               `json:"battery_pct"`
	CurrentLoad     int               `json:"current_load"`
	DeviceType      models.DeviceType `json:"device_type"`
	RSSI            int               `json:"rssi"`
	LastSeen        time.Time         `json:"last_seen"`
}

// ScoredPeer is a selection result: the peer and the cost that ranked it.
type ScoredPeer struct {
	Peer Peer    `json:"peer"`
	Cost float64 `json:"cost"`
}

// TokenHash is the advertised form of the mesh token.
func TokenHash(meshToken string) string {
	sum := sha256.Sum256([]byte(meshToken))
	return hex.EncodeToString(sum[:])
}

// Table holds discovered peers keyed by agent id.
type Table struct {
	tokenHash     string
	evictAfter    time.Duration
	staleAfter    time.Duration
	throughputBps float64
	minParamSizeB float64

	mu          sync.Mutex
	peers       map[string]*Peer
	blacklisted map[string]bool
}

// TableOption tunes a Table.
type TableOption func(*Table)

// WithEvictAfter overrides the 60s unseen-eviction horizon.
func WithEvictAfter(d time.Duration) TableOption {
	return func(t *Table) { t.evictAfter = d }
}

// WithStaleAfter overrides the 30s staleness-penalty horizon.
func WithStaleAfter(d time.Duration) TableOption {
	return func(t *Table) { t.staleAfter = d }
}

// WithThroughput overrides the estimated link throughput in bytes/second.
func WithThroughput(bps float64) TableOption {
	return func(t *Table) { t.throughputBps = bps }
}

// WithMinParamSize overrides the parameter size under which a peer's model
// counts as undersized.
func WithMinParamSize(b float64) TableOption {
	return func(t *Table) { t.minParamSizeB = b }
}

// NewTable builds a peer table that only admits peers advertising the hash
// of meshToken.
func NewTable(meshToken string, opts ...TableOption) *Table {
	t := &Table{
		tokenHash:     TokenHash(meshToken),
		evictAfter:    defaultEvictAfter,
		staleAfter:    defaultStaleAfter,
		throughputBps: defaultThroughputBps,
		minParamSizeB: defaultMinParamSizeB,
		peers:         make(map[string]*Peer),
		blacklisted:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Observe upserts a discovered peer. Advertisements with a foreign mesh
// token hash are ignored.
func (t *Table) Observe(p Peer) {
	if p.AgentID == "" || p.MeshTokenHash != t.tokenHash {
		return
	}
	if p.LastSeen.IsZero() {
		p.LastSeen = time.Now()
	}
	t.mu.Lock()
	t.peers[p.AgentID] = &p
	t.mu.Unlock()
}

// Blacklist drops a peer and refuses it from future selection.
func (t *Table) Blacklist(agentID string) {
	t.mu.Lock()
	t.blacklisted[agentID] = true
	delete(t.peers, agentID)
	t.mu.Unlock()
}

// Get returns a copy of one peer entry.
func (t *Table) Get(agentID string) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[agentID]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Len counts live entries after eviction.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictLocked(time.Now())
	return len(t.peers)
}

// SelectBestPeers evicts the unseen, filters by blacklist and model, and
// returns up to maxPeers candidates sorted by cost ascending.
func (t *Table) SelectBestPeers(requestedModel string, payloadBytes, maxPeers int) []ScoredPeer {
	now := time.Now()
	t.mu.Lock()
	t.evictLocked(now)

	candidates := make([]ScoredPeer, 0, len(t.peers))
	for _, p := range t.peers {
		if t.blacklisted[p.AgentID] {
			continue
		}
		if requestedModel != "" && p.ActiveModel != requestedModel {
			continue
		}
		candidates = append(candidates, ScoredPeer{
			Peer: *p,
			Cost: t.costLocked(p, payloadBytes, now),
		})
	}
	t.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Cost < candidates[j].Cost })
	if maxPeers > 0 && len(candidates) > maxPeers {
		candidates = candidates[:maxPeers]
	}
	return candidates
}

// Cost exposes the cost function for one peer.
func (t *Table) Cost(p Peer, payloadBytes int) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.costLocked(&p, payloadBytes, time.Now())
}

func (t *Table) costLocked(p *Peer, payloadBytes int, now time.Time) float64 {
	cost := 0.0
	if p.ModelParamSizeB < t.minParamSizeB {
		cost += modelFitPenalty
	}
	cost += loadWeight * float64(p.CurrentLoad)
	if p.DeviceType == models.DevicePhone {
		cost += batteryWeight * float64(100-p.BatteryPct)
	}
	cost += rssiToCost(p.RSSI)
	cost += float64(payloadBytes) / t.throughputBps
	if now.Sub(p.LastSeen) > t.staleAfter {
		cost += stalenessPenalty
	}
	return cost
}

func (t *Table) evictLocked(now time.Time) {
	for id, p := range t.peers {
		if now.Sub(p.LastSeen) > t.evictAfter {
			delete(t.peers, id)
		}
	}
}

// rssiToCost maps received signal strength onto [0, 30]: -40 dBm or better
// is free, -90 dBm or worse costs the full 30.
func rssiToCost(rssi int) float64 {
	const strong, weak = -40, -90
	if rssi >= strong {
		return 0
	}
	if rssi <= weak {
		return rssiCostMax
	}
	return float64(strong-rssi) * rssiCostMax / float64(strong-weak)
}
