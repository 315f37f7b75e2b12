package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/edgecoder/edgecoder/pkg/models"
	"github.com/edgecoder/edgecoder/pkg/observability"
)

// pgNotifyLimit leaves headroom under PostgreSQL's 8000-byte NOTIFY payload
// cap. Oversized payloads are replaced by a truncation envelope; clients
// fetch the full event from catchup by its db_event_id.
const pgNotifyLimit = 7900

// Publisher fans task and mesh lifecycle events out to the live feed.
//
// Postgres mode persists each event and broadcasts it via pg_notify in one
// transaction, so the NOTIFY only fires once the row is visible to catchup
// queries. Memory mode appends to an in-process ring and broadcasts straight
// to the local connection manager.
//
// All publish methods are fire-and-forget: failures are logged and counted,
// never returned, so a feed outage cannot stall the queue or the mesh.
type Publisher struct {
	db     *sql.DB
	local  *ConnectionManager
	mem    *MemoryLog
	logger *slog.Logger
}

// NewPublisher creates a Postgres-backed publisher. Delivery to local
// WebSocket clients happens through the Listener, which relays NOTIFY
// payloads into each pod's connection manager.
func NewPublisher(db *sql.DB, logger *slog.Logger) *Publisher {
	return &Publisher{
		db:     db,
		logger: logger.With("component", "events"),
	}
}

// NewMemoryPublisher creates an in-process publisher for coordinators running
// without Postgres. The ring backs catchup; broadcasts go directly to the
// local connection manager.
func NewMemoryPublisher(mem *MemoryLog, manager *ConnectionManager, logger *slog.Logger) *Publisher {
	return &Publisher{
		mem:    mem,
		local:  manager,
		logger: logger.With("component", "events"),
	}
}

// Publish relays a queue lifecycle event to the tasks channel.
func (p *Publisher) Publish(ctx context.Context, eventType models.EventType, taskID string, payload map[string]any) {
	p.emit(ctx, ChannelTasks, Event{
		Type:      string(eventType),
		TaskID:    taskID,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	})
}

// PublishMesh relays a gossip lifecycle event to the mesh channel.
func (p *Publisher) PublishMesh(ctx context.Context, eventType string, payload map[string]any) {
	p.emit(ctx, ChannelMesh, Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (p *Publisher) emit(ctx context.Context, channel string, evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		p.logger.Warn("event marshal failed", "channel", channel, "type", evt.Type, "error", err)
		observability.EventPublishFailures.WithLabelValues(channel).Inc()
		return
	}

	if p.db != nil {
		if err := p.persistAndNotify(ctx, channel, data); err != nil {
			p.logger.Warn("event publish failed",
				"channel", channel, "type", evt.Type, "error", err)
			observability.EventPublishFailures.WithLabelValues(channel).Inc()
		}
		return
	}

	id := p.mem.Append(channel, data)
	enriched, err := injectDBEventID(data, id)
	if err != nil {
		p.logger.Warn("event publish failed",
			"channel", channel, "type", evt.Type, "error", err)
		observability.EventPublishFailures.WithLabelValues(channel).Inc()
		return
	}
	p.local.Broadcast(channel, []byte(enriched))
}

// persistAndNotify stores the event and broadcasts it in a single
// transaction. pg_notify is transactional, so the notification is held until
// COMMIT and fires only once the row exists for catchup.
func (p *Publisher) persistAndNotify(ctx context.Context, channel string, payloadJSON []byte) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var eventID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO events (channel, payload) VALUES ($1, $2) RETURNING id`,
		channel, payloadJSON,
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("persist event: %w", err)
	}

	notifyPayload, err := injectDBEventID(payloadJSON, eventID)
	if err != nil {
		return err
	}
	notifyPayload, err = truncateIfNeeded(notifyPayload)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event transaction: %w", err)
	}
	return nil
}

// injectDBEventID adds db_event_id to the envelope so clients can track
// their catchup position.
func injectDBEventID(payloadJSON []byte, dbEventID int64) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(payloadJSON, &m); err != nil {
		return "", fmt.Errorf("unmarshal envelope for db_event_id: %w", err)
	}
	m["db_event_id"] = dbEventID

	enriched, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal enriched envelope: %w", err)
	}
	return string(enriched), nil
}

// truncateIfNeeded returns the payload as-is when it fits the NOTIFY limit,
// otherwise a minimal envelope with only the routing fields.
func truncateIfNeeded(payloadStr string) (string, error) {
	if len(payloadStr) <= pgNotifyLimit {
		return payloadStr, nil
	}
	return buildTruncatedPayload([]byte(payloadStr))
}

// buildTruncatedPayload keeps just enough for the client to notice the gap
// and fetch the full event via catchup.
func buildTruncatedPayload(payloadBytes []byte) (string, error) {
	var routing struct {
		Type      string `json:"type"`
		TaskID    string `json:"task_id"`
		DBEventID *int64 `json:"db_event_id,omitempty"`
	}
	if err := json.Unmarshal(payloadBytes, &routing); err != nil {
		return "", fmt.Errorf("extract routing fields for truncation: %w", err)
	}

	truncated := map[string]any{
		"type":      routing.Type,
		"truncated": true,
	}
	if routing.TaskID != "" {
		truncated["task_id"] = routing.TaskID
	}
	if routing.DBEventID != nil {
		truncated["db_event_id"] = *routing.DBEventID
	}

	truncBytes, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("marshal truncated envelope: %w", err)
	}
	return string(truncBytes), nil
}
