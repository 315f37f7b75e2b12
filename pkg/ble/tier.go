package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/edgecoder/edgecoder/pkg/identity"
	"github.com/edgecoder/edgecoder/pkg/models"
)

const defaultPeerCostMargin = 10

// ErrPeerGone is returned when the selected peer left the table before the
// task could be sent.
var ErrPeerGone = errors.New("ble peer no longer visible")

// TaskRequest is one prompt carried over the local mesh.
type TaskRequest struct {
	TaskHash string `json:"task_hash"`
	Prompt   string `json:"prompt"`
	Model    string `json:"model"`
}

// TaskResponse is the peer's answer plus the CPU time it wants paid for.
type TaskResponse struct {
	Text       string  `json:"text"`
	Model      string  `json:"model"`
	CPUSeconds float64 `json:"cpu_seconds"`
}

// Link carries task exchanges with nearby peers. GATT profile and radio
// mechanics are the implementer's concern.
type Link interface {
	// SendTask runs the prompt on the peer and returns its answer.
	SendTask(ctx context.Context, peer Peer, req TaskRequest) (*TaskResponse, error)
	// Settle presents a requester-signed transaction for countersigning.
	Settle(ctx context.Context, peer Peer, tx models.BLECreditTransaction) (providerSignature string, err error)
}

// Tier plugs the peer table into the router as its bluetooth hop.
type Tier struct {
	self      Party
	key       *identity.Key
	table     *Table
	link      Link
	store     *CreditStore
	logger    *slog.Logger
	margin    float64
	localCost func() float64
}

// TierOption tunes a Tier.
type TierOption func(*Tier)

// WithMargin overrides how much more a peer may cost than local execution.
func WithMargin(m float64) TierOption {
	return func(t *Tier) { t.margin = m }
}

// WithLocalCost supplies the live local-execution cost the peer must beat.
// Without it local execution is treated as unavailable and any eligible peer
// wins.
func WithLocalCost(fn func() float64) TierOption {
	return func(t *Tier) { t.localCost = fn }
}

// NewTier wires the cost router over a peer table, a link, and the offline
// credit store.
func NewTier(self Party, key *identity.Key, table *Table, link Link, store *CreditStore, logger *slog.Logger, opts ...TierOption) *Tier {
	t := &Tier{
		self:   self,
		key:    key,
		table:  table,
		link:   link,
		store:  store,
		logger: logger.With("component", "ble_tier"),
		margin: defaultPeerCostMargin,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// BestPeer picks the cheapest eligible peer, or ok=false when none beats
// local execution plus the margin.
func (t *Tier) BestPeer(requestedModel string, payloadBytes int) (string, bool) {
	candidates := t.table.SelectBestPeers(requestedModel, payloadBytes, 1)
	if len(candidates) == 0 {
		return "", false
	}
	limit := math.Inf(1)
	if t.localCost != nil {
		limit = t.localCost() + t.margin
	}
	if candidates[0].Cost >= limit {
		return "", false
	}
	return candidates[0].Peer.AgentID, true
}

// Execute sends the prompt to the peer, then settles a dual-signed credit
// transaction into the offline store. The answer is returned even when
// settlement fails; unsettled work costs zero credits.
func (t *Tier) Execute(ctx context.Context, peerID, prompt string, onDelta func(string)) (string, string, float64, error) {
	peer, ok := t.table.Get(peerID)
	if !ok {
		return "", "", 0, ErrPeerGone
	}

	resp, err := t.link.SendTask(ctx, peer, TaskRequest{
		TaskHash: identity.BodyHash([]byte(prompt)),
		Prompt:   prompt,
		Model:    peer.ActiveModel,
	})
	if err != nil {
		return "", "", 0, fmt.Errorf("ble task on %s: %w", peerID, err)
	}
	model := resp.Model
	if model == "" {
		model = peer.ActiveModel
	}
	if onDelta != nil && resp.Text != "" {
		onDelta(resp.Text)
	}

	credits := t.settle(ctx, peer, prompt, resp.CPUSeconds)
	return resp.Text, model, credits, nil
}

// settle builds, dual-signs, verifies and persists the credit transaction.
// Failures are logged and forfeit the credits rather than discarding an
// answer that was already computed.
func (t *Tier) settle(ctx context.Context, peer Peer, prompt string, cpuSeconds float64) float64 {
	tx := NewTransaction(t.self, Party{AgentID: peer.AgentID, AccountID: peer.AccountID}, prompt, cpuSeconds)
	if err := SignAsRequester(&tx, t.key); err != nil {
		t.logger.Warn("signing credit transaction failed", "peer", peer.AgentID, "error", err)
		return 0
	}

	providerSig, err := t.link.Settle(ctx, peer, tx)
	if err != nil {
		t.logger.Warn("credit settlement failed", "peer", peer.AgentID, "tx_id", tx.TxID, "error", err)
		return 0
	}
	tx.ProviderSignature = providerSig

	if err := VerifyTransaction(tx, t.key.PublicKey(), peer.PublicKey); err != nil {
		t.logger.Warn("credit countersignature rejected", "peer", peer.AgentID, "tx_id", tx.TxID, "error", err)
		return 0
	}
	if err := t.store.Save(ctx, tx); err != nil && !errors.Is(err, ErrDuplicateTransaction) {
		t.logger.Warn("persisting credit transaction failed", "tx_id", tx.TxID, "error", err)
		return 0
	}
	return tx.Credits
}

// Countersign is the provider side of settlement: verify the requester's
// signature and task binding, then sign. Link implementations call this when
// a peer presents a transaction for work this agent performed.
func Countersign(tx models.BLECreditTransaction, requesterPub string, key *identity.Key) (string, error) {
	msg, err := identity.CanonicalJSON(tx.SigningCopy())
	if err != nil {
		return "", err
	}
	if err := identity.Verify(requesterPub, identity.PurposeAgent, msg, tx.RequesterSignature); err != nil {
		return "", fmt.Errorf("requester signature: %w", err)
	}
	return key.Sign(msg), nil
}
