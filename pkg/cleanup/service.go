// Package cleanup enforces retention on the coordinator state that grows
// without bound:
//   - Deletes relayed event rows past their TTL
//   - Removes snapshot blobs untouched past their TTL
//
// All sweeps are idempotent and safe to run from multiple replicas.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/edgecoder/edgecoder/pkg/config"
)

// EventPurger deletes stored event rows older than a cutoff. The Postgres
// event log implements it; the in-memory ring is bounded and needs none.
type EventPurger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SnapshotPruner removes snapshot blobs untouched since a cutoff.
type SnapshotPruner interface {
	Prune(cutoff time.Time) (int, error)
}

// Service periodically enforces the retention policies.
type Service struct {
	cfg    config.RetentionConfig
	events EventPurger
	snaps  SnapshotPruner
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service. events and snaps may be nil when
// the corresponding store is not in use.
func NewService(cfg config.RetentionConfig, events EventPurger, snaps SnapshotPruner, logger *slog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		events: events,
		snaps:  snaps,
		logger: logger.With("component", "cleanup"),
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Cleanup service started",
		"interval", s.cfg.Interval,
		"event_ttl", s.cfg.EventTTL,
		"snapshot_ttl", s.cfg.SnapshotTTL)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	interval := s.cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.purgeEvents(ctx)
	s.pruneSnapshots()
}

func (s *Service) purgeEvents(ctx context.Context) {
	if s.events == nil || s.cfg.EventTTL <= 0 {
		return
	}
	count, err := s.events.PurgeBefore(ctx, time.Now().Add(-s.cfg.EventTTL))
	if err != nil {
		s.logger.Error("Retention: event purge failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: purged relayed events", "count", count)
	}
}

func (s *Service) pruneSnapshots() {
	if s.snaps == nil || s.cfg.SnapshotTTL <= 0 {
		return
	}
	count, err := s.snaps.Prune(time.Now().Add(-s.cfg.SnapshotTTL))
	if err != nil {
		s.logger.Error("Retention: snapshot prune failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: pruned snapshot blobs", "count", count)
	}
}
