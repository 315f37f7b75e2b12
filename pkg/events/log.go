package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// memoryLogCap bounds the in-process ring. Clients further behind than this
// get a catchup.overflow and reload over REST.
const memoryLogCap = 1000

// PostgresLog serves catchup queries from the events table.
type PostgresLog struct {
	db *sql.DB
}

// NewPostgresLog creates a catchup querier over the shared connection pool.
func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

// GetCatchupEvents returns events on channel with id > sinceID, oldest first,
// capped at limit.
func (l *PostgresLog) GetCatchupEvents(ctx context.Context, channel string, sinceID, limit int) ([]CatchupEvent, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, payload FROM events WHERE channel = $1 AND id > $2 ORDER BY id ASC LIMIT $3`,
		channel, sinceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query catchup events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []CatchupEvent
	for rows.Next() {
		var (
			id  int64
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan catchup event: %w", err)
		}
		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("decode catchup event %d: %w", id, err)
		}
		out = append(out, CatchupEvent{ID: int(id), Payload: payload})
	}
	return out, rows.Err()
}

// PurgeBefore deletes events older than cutoff and reports how many rows
// went away. Catchup requests reaching past the retention horizon overflow
// and the client reloads over REST.
func (l *PostgresLog) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	return res.RowsAffected()
}

type memEvent struct {
	id      int
	channel string
	payload []byte
}

// MemoryLog is the catchup backing for coordinators running without
// Postgres. A bounded ring keeps the newest events; ids are monotonic so the
// client-side catchup contract matches the Postgres log.
type MemoryLog struct {
	mu     sync.Mutex
	nextID int
	ring   []memEvent
}

// NewMemoryLog creates an empty ring.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Append stores an event and returns its id.
func (l *MemoryLog) Append(channel string, payload []byte) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	l.ring = append(l.ring, memEvent{id: l.nextID, channel: channel, payload: payload})
	if len(l.ring) > memoryLogCap {
		l.ring = append([]memEvent(nil), l.ring[len(l.ring)-memoryLogCap:]...)
	}
	return int64(l.nextID)
}

// GetCatchupEvents returns retained events on channel with id > sinceID,
// oldest first, capped at limit.
func (l *MemoryLog) GetCatchupEvents(_ context.Context, channel string, sinceID, limit int) ([]CatchupEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []CatchupEvent
	for _, evt := range l.ring {
		if evt.channel != channel || evt.id <= sinceID {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(evt.payload, &payload); err != nil {
			return nil, fmt.Errorf("decode catchup event %d: %w", evt.id, err)
		}
		out = append(out, CatchupEvent{ID: evt.id, Payload: payload})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
