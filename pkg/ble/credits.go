package ble

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/edgecoder/edgecoder/pkg/identity"
	"github.com/edgecoder/edgecoder/pkg/models"
)

// ErrDuplicateTransaction is returned when a tx id is saved twice.
var ErrDuplicateTransaction = errors.New("credit transaction already recorded")

// CreditsFor prices cpuSeconds of peer work: one credit per CPU second,
// rounded up, never less than one.
func CreditsFor(cpuSeconds float64) float64 {
	if cpuSeconds <= 0 {
		return 1
	}
	return math.Max(1, math.Ceil(cpuSeconds))
}

// NewTransaction builds an unsigned transaction for work the requester
// received from the provider. TaskHash binds it to the prompt.
func NewTransaction(requester, provider Party, prompt string, cpuSeconds float64) models.BLECreditTransaction {
	return models.BLECreditTransaction{
		TxID:               uuid.NewString(),
		RequesterID:        requester.AgentID,
		ProviderID:         provider.AgentID,
		RequesterAccountID: requester.AccountID,
		ProviderAccountID:  provider.AccountID,
		Credits:            CreditsFor(cpuSeconds),
		CPUSeconds:         cpuSeconds,
		TaskHash:           identity.BodyHash([]byte(prompt)),
		TimestampMs:        time.Now().UnixMilli(),
	}
}

// Party identifies one side of a credit transaction.
type Party struct {
	AgentID   string
	AccountID string
}

// SignAsRequester fills the requester signature over the canonical
// serialisation with both signatures cleared.
func SignAsRequester(tx *models.BLECreditTransaction, key *identity.Key) error {
	msg, err := identity.CanonicalJSON(tx.SigningCopy())
	if err != nil {
		return err
	}
	tx.RequesterSignature = key.Sign(msg)
	return nil
}

// SignAsProvider fills the provider signature over the same canonical bytes.
func SignAsProvider(tx *models.BLECreditTransaction, key *identity.Key) error {
	msg, err := identity.CanonicalJSON(tx.SigningCopy())
	if err != nil {
		return err
	}
	tx.ProviderSignature = key.Sign(msg)
	return nil
}

// VerifyTransaction checks both signatures against the parties' public keys.
func VerifyTransaction(tx models.BLECreditTransaction, requesterPub, providerPub string) error {
	msg, err := identity.CanonicalJSON(tx.SigningCopy())
	if err != nil {
		return err
	}
	if err := identity.Verify(requesterPub, identity.PurposeAgent, msg, tx.RequesterSignature); err != nil {
		return fmt.Errorf("requester signature: %w", err)
	}
	if err := identity.Verify(providerPub, identity.PurposeAgent, msg, tx.ProviderSignature); err != nil {
		return fmt.Errorf("provider signature: %w", err)
	}
	return nil
}

// CreditStore persists dual-signed transactions on the agent until the
// coordinator accepts them.
type CreditStore struct {
	db *sql.DB
}

// OpenCreditStore opens (or creates) the SQLite ledger at path.
func OpenCreditStore(path string) (*CreditStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating credit db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening credit db: %w", err)
	}
	s := &CreditStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *CreditStore) init() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS credit_transactions (
		tx_id                TEXT PRIMARY KEY,
		requester_id         TEXT NOT NULL,
		provider_id          TEXT NOT NULL,
		requester_account_id TEXT NOT NULL,
		provider_account_id  TEXT NOT NULL,
		credits              REAL NOT NULL,
		cpu_seconds          REAL NOT NULL,
		task_hash            TEXT NOT NULL,
		timestamp_ms         INTEGER NOT NULL,
		requester_signature  TEXT NOT NULL,
		provider_signature   TEXT NOT NULL,
		synced               INTEGER NOT NULL DEFAULT 0
	)`)
	if err != nil {
		return fmt.Errorf("creating credit_transactions table: %w", err)
	}
	return nil
}

// Save records a dual-signed transaction as unsynced.
func (s *CreditStore) Save(ctx context.Context, tx models.BLECreditTransaction) error {
	if tx.RequesterSignature == "" || tx.ProviderSignature == "" {
		return errors.New("credit transaction must carry both signatures")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_transactions VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		tx.TxID, tx.RequesterID, tx.ProviderID, tx.RequesterAccountID, tx.ProviderAccountID,
		tx.Credits, tx.CPUSeconds, tx.TaskHash, tx.TimestampMs,
		tx.RequesterSignature, tx.ProviderSignature)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateTransaction
		}
		return fmt.Errorf("saving credit transaction: %w", err)
	}
	return nil
}

// Unsynced returns transactions not yet accepted by the coordinator, oldest
// first.
func (s *CreditStore) Unsynced(ctx context.Context) ([]models.BLECreditTransaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tx_id, requester_id, provider_id, requester_account_id, provider_account_id,
			credits, cpu_seconds, task_hash, timestamp_ms, requester_signature, provider_signature
		 FROM credit_transactions WHERE synced = 0 ORDER BY timestamp_ms ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing unsynced transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.BLECreditTransaction
	for rows.Next() {
		var tx models.BLECreditTransaction
		if err := rows.Scan(&tx.TxID, &tx.RequesterID, &tx.ProviderID,
			&tx.RequesterAccountID, &tx.ProviderAccountID,
			&tx.Credits, &tx.CPUSeconds, &tx.TaskHash, &tx.TimestampMs,
			&tx.RequesterSignature, &tx.ProviderSignature); err != nil {
			return nil, fmt.Errorf("scanning credit transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// MarkSynced flags the given tx ids as accepted by the coordinator.
func (s *CreditStore) MarkSynced(ctx context.Context, txIDs []string) error {
	if len(txIDs) == 0 {
		return nil
	}
	stmt, err := s.db.PrepareContext(ctx, `UPDATE credit_transactions SET synced = 1 WHERE tx_id = ?`)
	if err != nil {
		return fmt.Errorf("preparing sync update: %w", err)
	}
	defer stmt.Close()
	for _, id := range txIDs {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("marking %s synced: %w", id, err)
		}
	}
	return nil
}

// Drop removes a transaction the coordinator permanently rejected so it is
// not retried forever.
func (s *CreditStore) Drop(ctx context.Context, txID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credit_transactions WHERE tx_id = ?`, txID)
	if err != nil {
		return fmt.Errorf("dropping transaction %s: %w", txID, err)
	}
	return nil
}

// Close releases the underlying database.
func (s *CreditStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite reports constraint failures in the error text; the
	// driver does not export a typed error for them.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "constraint")
}
