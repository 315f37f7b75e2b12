// Package credits is the coordinator-side credit engine. It validates and
// applies dual-signed BLE transactions uploaded on reconnect and pays agents
// for swarm work, including the reduced payout for failed-but-attempted
// subtasks.
package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/edgecoder/edgecoder/pkg/ble"
	"github.com/edgecoder/edgecoder/pkg/config"
	"github.com/edgecoder/edgecoder/pkg/models"
	"github.com/edgecoder/edgecoder/pkg/observability"
)

// Rejection reasons returned in CreditSyncResponse.
const (
	reasonMissingTxID     = "missing txId"
	reasonBadAmount       = "credits must be positive"
	reasonSelfDeal        = "requester and provider are the same agent"
	reasonUnknownAgent    = "agent not registered"
	reasonBlacklisted     = "agent is blacklisted"
	reasonAccountMismatch = "account does not match registration"
	reasonBadSignature    = "signature verification failed"
)

// KeyDirectory resolves agent identities; the agent catalog implements it.
type KeyDirectory interface {
	Get(agentID string) (models.Agent, error)
}

// Recorder appends credit events to the ordering ledger.
type Recorder interface {
	Append(ctx context.Context, eventType models.EventType, taskID, subtaskID, actorID string, payload map[string]any) (*models.OrderingRecord, error)
}

// Engine applies credit movements against a Store.
type Engine struct {
	cfg    config.CreditsConfig
	store  Store
	keys   KeyDirectory
	ledger Recorder
	logger *slog.Logger
}

// New wires the engine. ledger may be nil in tests.
func New(cfg config.CreditsConfig, store Store, keys KeyDirectory, ledger Recorder, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		store:  store,
		keys:   keys,
		ledger: ledger,
		logger: logger.With("component", "credits"),
	}
}

// ApplySync validates and applies one uploaded batch. Every transaction gets
// a verdict; the batch itself never fails, so replaying it is idempotent and
// already-applied transactions come back rejected with a duplicate reason.
func (e *Engine) ApplySync(ctx context.Context, txs []models.BLECreditTransaction) models.CreditSyncResponse {
	resp := models.CreditSyncResponse{
		Accepted: []string{},
		Rejected: []models.RejectedCredit{},
	}
	for _, tx := range txs {
		if reason := e.vet(tx); reason != "" {
			resp.Rejected = append(resp.Rejected, models.RejectedCredit{TxID: tx.TxID, Reason: reason})
			observability.CreditTransactions.WithLabelValues("rejected").Inc()
			continue
		}

		err := e.store.Apply(ctx, tx)
		switch {
		case errors.Is(err, ErrDuplicate):
			resp.Rejected = append(resp.Rejected, models.RejectedCredit{TxID: tx.TxID, Reason: models.RejectionDuplicate})
			observability.CreditTransactions.WithLabelValues("duplicate").Inc()
			continue
		case err != nil:
			e.logger.Error("Applying credit transaction failed", "tx_id", tx.TxID, "error", err)
			resp.Rejected = append(resp.Rejected, models.RejectedCredit{TxID: tx.TxID, Reason: "storage failure"})
			observability.CreditTransactions.WithLabelValues("rejected").Inc()
			continue
		}

		resp.Accepted = append(resp.Accepted, tx.TxID)
		observability.CreditTransactions.WithLabelValues("applied").Inc()
		e.record(ctx, tx.TaskHash, tx.ProviderID, map[string]any{
			"tx_id":                tx.TxID,
			"credits":              tx.Credits,
			"cpu_seconds":          tx.CPUSeconds,
			"requester_account_id": tx.RequesterAccountID,
			"provider_account_id":  tx.ProviderAccountID,
			"source":               "ble_sync",
		})
	}
	return resp
}

// vet runs every check that does not touch storage. An empty reason means
// the transaction may be applied.
func (e *Engine) vet(tx models.BLECreditTransaction) string {
	if tx.TxID == "" {
		return reasonMissingTxID
	}
	if tx.Credits <= 0 || math.IsNaN(tx.Credits) || math.IsInf(tx.Credits, 0) {
		return reasonBadAmount
	}
	if tx.RequesterID == tx.ProviderID {
		return reasonSelfDeal
	}

	requester, reason := e.lookup(tx.RequesterID, tx.RequesterAccountID)
	if reason != "" {
		return reason
	}
	provider, reason := e.lookup(tx.ProviderID, tx.ProviderAccountID)
	if reason != "" {
		return reason
	}

	if err := ble.VerifyTransaction(tx, requester.PublicKey, provider.PublicKey); err != nil {
		return reasonBadSignature
	}
	return ""
}

// lookup resolves one party and cross-checks the account it registered with.
func (e *Engine) lookup(agentID, accountID string) (models.Agent, string) {
	agent, err := e.keys.Get(agentID)
	if err != nil {
		return models.Agent{}, reasonUnknownAgent
	}
	if agent.ApprovalStatus == models.ApprovalBlacklisted {
		return models.Agent{}, reasonBlacklisted
	}
	if agent.AccountID != "" && agent.AccountID != accountID {
		return models.Agent{}, reasonAccountMismatch
	}
	return agent, ""
}

// PayoutInput describes one subtask result to be priced.
type PayoutInput struct {
	AgentID    string
	AccountID  string
	TaskID     string
	SubtaskID  string
	DurationMs int64
	Succeeded  bool
}

// PayoutForResult credits the agent for one finished subtask: one credit per
// compute second on success, the configured fraction (floored at the
// configured minimum) when the work failed.
func (e *Engine) PayoutForResult(ctx context.Context, in PayoutInput) (float64, error) {
	if in.AccountID == "" {
		return 0, nil
	}
	amount := ble.CreditsFor(float64(in.DurationMs) / 1000)
	if !in.Succeeded {
		amount = math.Max(e.cfg.FailurePayoutMin, e.cfg.FailurePayoutRatio*amount)
	}

	balance, err := e.store.Adjust(ctx, in.AccountID, amount)
	if err != nil {
		return 0, fmt.Errorf("crediting %s: %w", in.AccountID, err)
	}

	e.record(ctx, in.TaskID, in.AgentID, map[string]any{
		"subtask_id": in.SubtaskID,
		"account_id": in.AccountID,
		"credits":    amount,
		"succeeded":  in.Succeeded,
		"source":     "task_payout",
	})
	e.logger.Debug("Payout applied",
		"agent_id", in.AgentID,
		"credits", amount,
		"succeeded", in.Succeeded,
		"balance", balance)
	return amount, nil
}

// Balance returns the current balance of one account.
func (e *Engine) Balance(ctx context.Context, accountID string) (float64, error) {
	return e.store.Balance(ctx, accountID)
}

// record appends to the ledger best-effort; credit application never fails
// because bookkeeping did.
func (e *Engine) record(ctx context.Context, taskID, actorID string, payload map[string]any) {
	if e.ledger == nil {
		return
	}
	subtaskID, _ := payload["subtask_id"].(string)
	if _, err := e.ledger.Append(ctx, models.EventCreditApplied, taskID, subtaskID, actorID, payload); err != nil {
		e.logger.Warn("Ledger append failed for credit event", "task_id", taskID, "error", err)
	}
}
