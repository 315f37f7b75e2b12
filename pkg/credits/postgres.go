package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/edgecoder/edgecoder/pkg/models"
)

// PostgresStore persists transactions and balances in the
// credit_transactions and account_balances tables. Schema lives in
// pkg/database/migrations.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Apply(ctx context.Context, tx models.BLECreditTransaction) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin credit transaction: %w", err)
	}
	defer dbTx.Rollback()

	_, err = dbTx.ExecContext(ctx,
		`INSERT INTO credit_transactions (
			tx_id, requester_id, provider_id, requester_account_id, provider_account_id,
			credits, cpu_seconds, task_hash, timestamp_ms, requester_signature, provider_signature
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		tx.TxID, tx.RequesterID, tx.ProviderID, tx.RequesterAccountID, tx.ProviderAccountID,
		tx.Credits, tx.CPUSeconds, tx.TaskHash, tx.TimestampMs,
		tx.RequesterSignature, tx.ProviderSignature)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert credit transaction: %w", err)
	}

	if err := adjustTx(ctx, dbTx, tx.RequesterAccountID, -tx.Credits); err != nil {
		return err
	}
	if err := adjustTx(ctx, dbTx, tx.ProviderAccountID, tx.Credits); err != nil {
		return err
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit credit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) Adjust(ctx context.Context, accountID string, delta float64) (float64, error) {
	var balance float64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO account_balances (account_id, balance, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (account_id)
		 DO UPDATE SET balance = account_balances.balance + EXCLUDED.balance, updated_at = now()
		 RETURNING balance`,
		accountID, delta).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to adjust balance for %s: %w", accountID, err)
	}
	return balance, nil
}

func (s *PostgresStore) Balance(ctx context.Context, accountID string) (float64, error) {
	var balance float64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM account_balances WHERE account_id = $1`, accountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance for %s: %w", accountID, err)
	}
	return balance, nil
}

func adjustTx(ctx context.Context, dbTx *sql.Tx, accountID string, delta float64) error {
	_, err := dbTx.ExecContext(ctx,
		`INSERT INTO account_balances (account_id, balance, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (account_id)
		 DO UPDATE SET balance = account_balances.balance + EXCLUDED.balance, updated_at = now()`,
		accountID, delta)
	if err != nil {
		return fmt.Errorf("failed to move credits for %s: %w", accountID, err)
	}
	return nil
}
