package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/edgecoder/edgecoder/pkg/models"
)

// PostgresStore persists the chain in the ledger_records table. Schema lives
// in pkg/database/migrations.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `seq, event_type, task_id, subtask_id, actor_id, timestamp_ms, prev_hash, payload_hash, payload, signature`

func (s *PostgresStore) Insert(ctx context.Context, rec *models.OrderingRecord) error {
	var payloadJSON []byte
	if rec.Payload != nil {
		var err error
		payloadJSON, err = json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_records (`+recordColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		int64(rec.Seq), string(rec.EventType), rec.TaskID, rec.SubtaskID, rec.ActorID,
		rec.TimestampMs, rec.PrevHash, rec.PayloadHash, payloadJSON, rec.Signature,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: seq %d", ErrSeqConflict, rec.Seq)
		}
		return fmt.Errorf("failed to insert ledger record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Last(ctx context.Context) (*models.OrderingRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM ledger_records ORDER BY seq DESC LIMIT 1`)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *PostgresStore) Range(ctx context.Context, fromSeq, toSeq uint64) ([]*models.OrderingRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM ledger_records WHERE seq >= $1 AND seq <= $2 ORDER BY seq ASC`,
		int64(fromSeq), int64(toSeq))
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger range: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresStore) ByTask(ctx context.Context, taskID string) ([]*models.OrderingRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM ledger_records WHERE task_id = $1 ORDER BY seq ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger by task: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]*models.OrderingRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM ledger_records ORDER BY seq DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent ledger records: %w", err)
	}
	defer rows.Close()
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	// Query returns newest-first; callers expect ascending.
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

func (s *PostgresStore) Count(ctx context.Context) (uint64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count ledger records: %w", err)
	}
	return uint64(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.OrderingRecord, error) {
	var (
		rec         models.OrderingRecord
		seq         int64
		eventType   string
		payloadJSON []byte
	)
	err := row.Scan(&seq, &eventType, &rec.TaskID, &rec.SubtaskID, &rec.ActorID,
		&rec.TimestampMs, &rec.PrevHash, &rec.PayloadHash, &payloadJSON, &rec.Signature)
	if err != nil {
		return nil, err
	}
	rec.Seq = uint64(seq)
	rec.EventType = models.EventType(eventType)
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &rec.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload at seq %d: %w", seq, err)
		}
	}
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*models.OrderingRecord, error) {
	var out []*models.OrderingRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger rows: %w", err)
	}
	return out, nil
}
