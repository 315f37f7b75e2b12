package ledger

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecoder/edgecoder/pkg/identity"
	"github.com/edgecoder/edgecoder/pkg/models"
	testdb "github.com/edgecoder/edgecoder/test/database"
)

func TestPostgresStore_ChainRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := testdb.NewTestClient(t)
	store := NewPostgresStore(client.DB())

	key, err := identity.Generate(identity.PurposeLedger)
	require.NoError(t, err)

	l, err := New(store, key, "coord-pg", 256, slog.Default())
	require.NoError(t, err)

	_, err = l.Append(ctx, models.EventTaskSubmitted, "task-1", "", "user", map[string]any{"kind": "code_gen"})
	require.NoError(t, err)
	_, err = l.Append(ctx, models.EventTaskAssigned, "task-1", "sub-1", "agent-a", nil)
	require.NoError(t, err)
	_, err = l.Append(ctx, models.EventTaskCompleted, "task-1", "sub-1", "agent-a",
		map[string]any{"cpu_seconds": 1.5})
	require.NoError(t, err)

	// The chain must verify after a full round trip through JSONB.
	require.NoError(t, l.Verify(ctx, key.PublicKey()))

	byTask, err := l.ByTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Len(t, byTask, 3)

	recent, err := l.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, uint64(1), recent[0].Seq)
	assert.Equal(t, uint64(2), recent[1].Seq)

	n, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)

	// A second ledger over the same store resumes and stays verifiable.
	l2, err := New(store, key, "coord-pg", 256, slog.Default())
	require.NoError(t, err)
	_, err = l2.Append(ctx, models.EventTaskReclaimed, "task-1", "sub-1", "coord-pg", nil)
	require.NoError(t, err)
	require.NoError(t, l2.Verify(ctx, key.PublicKey()))
}

func TestPostgresStore_SeqConflict(t *testing.T) {
	ctx := context.Background()
	client := testdb.NewTestClient(t)
	store := NewPostgresStore(client.DB())

	rec := &models.OrderingRecord{
		Seq:         0,
		EventType:   models.EventTaskSubmitted,
		ActorID:     "user",
		TimestampMs: 1,
		PrevHash:    GenesisPrevHash,
		PayloadHash: "abc",
		Signature:   "sig",
	}
	require.NoError(t, store.Insert(ctx, rec))

	err := store.Insert(ctx, rec)
	assert.ErrorIs(t, err, ErrSeqConflict)
}
