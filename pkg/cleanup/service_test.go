package cleanup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecoder/edgecoder/pkg/config"
	"github.com/edgecoder/edgecoder/pkg/snapshot"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePurger struct {
	calls  atomic.Int32
	cutoff atomic.Value
	count  int64
	err    error
}

func (p *fakePurger) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	p.calls.Add(1)
	p.cutoff.Store(cutoff)
	return p.count, p.err
}

type fakePruner struct {
	calls atomic.Int32
}

func (p *fakePruner) Prune(time.Time) (int, error) {
	p.calls.Add(1)
	return 0, nil
}

func testRetention() config.RetentionConfig {
	return config.RetentionConfig{
		Interval:    time.Hour,
		EventTTL:    time.Hour,
		SnapshotTTL: 24 * time.Hour,
	}
}

func TestServiceSweepsBothPolicies(t *testing.T) {
	dir := t.TempDir()
	store, err := snapshot.NewStore(config.SnapshotConfig{Dir: dir})
	require.NoError(t, err)

	staleRef, err := store.Put([]byte("stale workspace"))
	require.NoError(t, err)
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, staleRef), old, old))
	freshRef, err := store.Put([]byte("fresh workspace"))
	require.NoError(t, err)

	purger := &fakePurger{count: 3}
	svc := NewService(testRetention(), purger, store, discardLogger())
	svc.runAll(context.Background())

	assert.Equal(t, int32(1), purger.calls.Load())
	cutoff, ok := purger.cutoff.Load().(time.Time)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(-time.Hour), cutoff, 5*time.Second)

	assert.False(t, store.Has(staleRef))
	assert.True(t, store.Has(freshRef))
}

func TestServiceSkipsDisabledPolicies(t *testing.T) {
	purger := &fakePurger{}
	pruner := &fakePruner{}
	cfg := config.RetentionConfig{Interval: time.Hour}

	svc := NewService(cfg, purger, pruner, discardLogger())
	svc.runAll(context.Background())

	assert.Zero(t, purger.calls.Load())
	assert.Zero(t, pruner.calls.Load())
}

func TestServiceToleratesMissingStores(t *testing.T) {
	svc := NewService(testRetention(), nil, nil, discardLogger())
	svc.runAll(context.Background())
	svc.Stop()
}

func TestServicePurgeErrorDoesNotBlockSnapshotSweep(t *testing.T) {
	purger := &fakePurger{err: errors.New("connection reset")}
	pruner := &fakePruner{}

	svc := NewService(testRetention(), purger, pruner, discardLogger())
	svc.runAll(context.Background())

	assert.Equal(t, int32(1), purger.calls.Load())
	assert.Equal(t, int32(1), pruner.calls.Load())
}

func TestServiceRunsOnInterval(t *testing.T) {
	purger := &fakePurger{}
	pruner := &fakePruner{}
	cfg := testRetention()
	cfg.Interval = 20 * time.Millisecond

	svc := NewService(cfg, purger, pruner, discardLogger())
	svc.Start(context.Background())
	defer svc.Stop()

	require.Eventually(t, func() bool {
		return purger.calls.Load() >= 2 && pruner.calls.Load() >= 2
	}, 5*time.Second, 10*time.Millisecond, "expected repeated sweeps")
}
