package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

const maxReconnectBackoff = 30 * time.Second

// Listener holds a dedicated Postgres connection in LISTEN mode on the feed
// channels and relays every notification into the local connection manager.
// The feed channels are fixed, so LISTEN is issued once per connection; on
// receive errors the listener reconnects with exponential backoff and
// re-issues them.
type Listener struct {
	connString string
	channels   []string
	manager    *ConnectionManager
	logger     *slog.Logger

	mu   sync.Mutex
	conn *pgx.Conn

	cancel context.CancelFunc
	done   chan struct{}
}

// NewListener creates a listener for the feed channels. The connection string
// should come from database.Client.DSN so the LISTEN connection matches the
// pool's target.
func NewListener(connString string, manager *ConnectionManager, logger *slog.Logger) *Listener {
	return &Listener{
		connString: connString,
		channels:   []string{ChannelTasks, ChannelMesh},
		manager:    manager,
		logger:     logger.With("component", "events_listener"),
	}
}

// Start establishes the LISTEN connection and begins relaying notifications.
func (l *Listener) Start(ctx context.Context) error {
	conn, err := l.connect(ctx)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		l.receiveLoop(loopCtx)
	}()

	l.logger.Info("Notify listener started", "channels", l.channels)
	return nil
}

// Stop signals the receive loop to exit, waits for it, then closes the
// connection. Stopping before Start is a no-op.
func (l *Listener) Stop(ctx context.Context) {
	if l.cancel != nil {
		l.cancel()
	}
	if l.done != nil {
		<-l.done
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}

// connect opens the dedicated connection and issues LISTEN for every feed
// channel.
func (l *Listener) connect(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return nil, fmt.Errorf("connect for LISTEN: %w", err)
	}
	for _, ch := range l.channels {
		sanitized := pgx.Identifier{ch}.Sanitize()
		if _, err := conn.Exec(ctx, "LISTEN "+sanitized); err != nil {
			_ = conn.Close(ctx)
			return nil, fmt.Errorf("LISTEN %s: %w", sanitized, err)
		}
	}
	return conn, nil
}

// receiveLoop is the sole goroutine touching the pgx connection. It blocks in
// WaitForNotification until the context is cancelled or the connection drops.
func (l *Listener) receiveLoop(ctx context.Context) {
	for {
		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()

		if conn == nil {
			if !l.reconnect(ctx) {
				return
			}
			continue
		}

		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Error("Notify receive error", "error", err)
			if !l.reconnect(ctx) {
				return
			}
			continue
		}

		l.manager.Broadcast(notification.Channel, []byte(notification.Payload))
	}
}

// reconnect re-establishes the LISTEN connection with exponential backoff.
// Returns false when the context is cancelled before a connection is made.
func (l *Listener) reconnect(ctx context.Context) bool {
	l.mu.Lock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
	l.mu.Unlock()

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}

		conn, err := l.connect(ctx)
		if err != nil {
			l.logger.Error("LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, maxReconnectBackoff)
			continue
		}

		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()

		l.logger.Info("Notify listener reconnected")
		return true
	}
}
