package ble

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/edgecoder/edgecoder/pkg/identity"
	"github.com/edgecoder/edgecoder/pkg/models"
)

const (
	offlineAfterFailures = 3
	defaultSyncBatch     = 100
	syncRequestTimeout   = 30 * time.Second
)

// Monitor decides whether the coordinator is reachable. Three consecutive
// failed heartbeats flip it offline; a single success flips it back and
// fires the reconnect hook.
type Monitor struct {
	onReconnect func()

	mu      sync.Mutex
	fails   int
	offline bool
}

// NewMonitor builds a monitor. onReconnect may be nil.
func NewMonitor(onReconnect func()) *Monitor {
	return &Monitor{onReconnect: onReconnect}
}

// RecordHeartbeat feeds one heartbeat outcome into the state machine.
func (m *Monitor) RecordHeartbeat(err error) {
	m.mu.Lock()
	if err != nil {
		m.fails++
		if m.fails >= offlineAfterFailures {
			m.offline = true
		}
		m.mu.Unlock()
		return
	}
	wasOffline := m.offline
	m.fails = 0
	m.offline = false
	m.mu.Unlock()

	if wasOffline && m.onReconnect != nil {
		go m.onReconnect()
	}
}

// Offline reports whether local-mesh routing should be preferred.
func (m *Monitor) Offline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offline
}

// Syncer uploads unsynced credit transactions to the coordinator in batches.
type Syncer struct {
	coordinatorURL string
	meshToken      string
	agentID        string
	key            *identity.Key
	store          *CreditStore
	client         *http.Client
	logger         *slog.Logger
	batchSize      int
}

// NewSyncer wires a syncer over the given store and signing key.
func NewSyncer(coordinatorURL, meshToken, agentID string, key *identity.Key, store *CreditStore, logger *slog.Logger) *Syncer {
	return &Syncer{
		coordinatorURL: strings.TrimRight(coordinatorURL, "/"),
		meshToken:      meshToken,
		agentID:        agentID,
		key:            key,
		store:          store,
		client:         &http.Client{Timeout: syncRequestTimeout},
		logger:         logger.With("component", "ble_sync"),
		batchSize:      defaultSyncBatch,
	}
}

// SyncOnReconnect drains the store, batch by batch, until nothing unsynced
// remains or an upload fails.
func (s *Syncer) SyncOnReconnect(ctx context.Context) error {
	for {
		accepted, rejected, err := s.SyncOnce(ctx)
		if err != nil {
			return err
		}
		if accepted == 0 && rejected == 0 {
			return nil
		}
		s.logger.Info("credit batch synced", "accepted", accepted, "rejected", rejected)
	}
}

// SyncOnce uploads a single batch. Accepted ids are marked synced; a
// duplicate rejection means the coordinator already applied the transaction
// on an earlier sync, so it is marked synced too. All other rejections are
// deterministic verdicts and the rows are dropped.
func (s *Syncer) SyncOnce(ctx context.Context) (accepted, rejected int, err error) {
	pending, err := s.store.Unsynced(ctx)
	if err != nil {
		return 0, 0, err
	}
	if len(pending) == 0 {
		return 0, 0, nil
	}
	if len(pending) > s.batchSize {
		pending = pending[:s.batchSize]
	}

	body, err := json.Marshal(models.CreditSyncRequest{Transactions: pending})
	if err != nil {
		return 0, 0, fmt.Errorf("encoding sync batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.coordinatorURL+"/credits/ble-sync", bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("building sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-mesh-token", s.meshToken)
	identity.SignRequest(s.key, s.agentID, body).Apply(req.Header)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("uploading credit batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, 0, fmt.Errorf("credit sync returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var verdict models.CreditSyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return 0, 0, fmt.Errorf("decoding sync response: %w", err)
	}

	if err := s.store.MarkSynced(ctx, verdict.Accepted); err != nil {
		return 0, 0, err
	}
	for _, rej := range verdict.Rejected {
		if strings.Contains(rej.Reason, "duplicate") {
			if err := s.store.MarkSynced(ctx, []string{rej.TxID}); err != nil {
				return 0, 0, err
			}
			continue
		}
		s.logger.Warn("credit transaction rejected", "tx_id", rej.TxID, "reason", rej.Reason)
		if err := s.store.Drop(ctx, rej.TxID); err != nil {
			return 0, 0, err
		}
	}
	return len(verdict.Accepted), len(verdict.Rejected), nil
}
