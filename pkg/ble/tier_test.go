package ble

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecoder/edgecoder/pkg/identity"
	"github.com/edgecoder/edgecoder/pkg/models"
)

type fakeLink struct {
	resp      *TaskResponse
	sendErr   error
	settleErr error
	forgeSig  bool

	providerKey *identity.Key
	gotTask     TaskRequest
	gotTx       models.BLECreditTransaction
}

func (l *fakeLink) SendTask(ctx context.Context, peer Peer, req TaskRequest) (*TaskResponse, error) {
	l.gotTask = req
	if l.sendErr != nil {
		return nil, l.sendErr
	}
	return l.resp, nil
}

func (l *fakeLink) Settle(ctx context.Context, peer Peer, tx models.BLECreditTransaction) (string, error) {
	l.gotTx = tx
	if l.settleErr != nil {
		return "", l.settleErr
	}
	if l.forgeSig {
		return "Zm9yZ2VkIHNpZ25hdHVyZQ==", nil
	}
	msg, err := identity.CanonicalJSON(tx.SigningCopy())
	if err != nil {
		return "", err
	}
	return l.providerKey.Sign(msg), nil
}

type tierFixture struct {
	tier  *Tier
	table *Table
	link  *fakeLink
	store *CreditStore

	selfKey *identity.Key
	peerKey *identity.Key
}

func newTierFixture(t *testing.T, opts ...TierOption) *tierFixture {
	t.Helper()
	selfKey, err := identity.Generate(identity.PurposeAgent)
	require.NoError(t, err)
	peerKey, err := identity.Generate(identity.PurposeAgent)
	require.NoError(t, err)

	store, err := OpenCreditStore(filepath.Join(t.TempDir(), "credits.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	table := NewTable("token")
	link := &fakeLink{
		resp:        &TaskResponse{Text: "print(42)", Model: "qwen:7b", CPUSeconds: 1.5},
		providerKey: peerKey,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tier := NewTier(
		Party{AgentID: "self", AccountID: "acct-self"},
		selfKey, table, link, store, logger, opts...)

	return &tierFixture{tier: tier, table: table, link: link, store: store, selfKey: selfKey, peerKey: peerKey}
}

func (f *tierFixture) observePeer(id string) Peer {
	p := laptopPeer(id, "token")
	p.PublicKey = f.peerKey.PublicKey()
	f.table.Observe(p)
	return p
}

func TestTierBestPeer(t *testing.T) {
	t.Run("no peers means no bluetooth", func(t *testing.T) {
		f := newTierFixture(t)
		_, ok := f.tier.BestPeer("", 0)
		assert.False(t, ok)
	})

	t.Run("any eligible peer wins without a local model", func(t *testing.T) {
		f := newTierFixture(t)
		f.observePeer("peer-1")
		id, ok := f.tier.BestPeer("", 0)
		require.True(t, ok)
		assert.Equal(t, "peer-1", id)
	})

	t.Run("peer must beat local cost plus margin", func(t *testing.T) {
		f := newTierFixture(t, WithMargin(10), WithLocalCost(func() float64 { return 5 }))
		busy := laptopPeer("busy", "token")
		busy.CurrentLoad = 3 // cost 60 >= 5+10
		f.table.Observe(busy)

		_, ok := f.tier.BestPeer("", 0)
		assert.False(t, ok)

		f.observePeer("idle") // cost ~0
		id, ok := f.tier.BestPeer("", 0)
		require.True(t, ok)
		assert.Equal(t, "idle", id)
	})

	t.Run("requested model filters peers", func(t *testing.T) {
		f := newTierFixture(t)
		f.observePeer("peer-1")
		_, ok := f.tier.BestPeer("llama:3b", 0)
		assert.False(t, ok)
	})
}

func TestTierExecuteSettlesCredits(t *testing.T) {
	f := newTierFixture(t)
	f.observePeer("peer-1")

	var deltas []string
	text, model, credits, err := f.tier.Execute(context.Background(), "peer-1", "write fizzbuzz", func(d string) {
		deltas = append(deltas, d)
	})
	require.NoError(t, err)
	assert.Equal(t, "print(42)", text)
	assert.Equal(t, "qwen:7b", model)
	assert.InDelta(t, 2, credits, 0.001) // ceil(1.5)
	assert.Equal(t, []string{"print(42)"}, deltas)

	assert.Equal(t, identity.BodyHash([]byte("write fizzbuzz")), f.link.gotTask.TaskHash)
	assert.Equal(t, "write fizzbuzz", f.link.gotTask.Prompt)

	pending, err := f.store.Unsynced(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	tx := pending[0]
	assert.Equal(t, "self", tx.RequesterID)
	assert.Equal(t, "peer-1", tx.ProviderID)
	assert.Equal(t, "acct-peer-1", tx.ProviderAccountID)
	require.NoError(t, VerifyTransaction(tx, f.selfKey.PublicKey(), f.peerKey.PublicKey()))
}

func TestTierExecuteFailures(t *testing.T) {
	t.Run("unknown peer", func(t *testing.T) {
		f := newTierFixture(t)
		_, _, _, err := f.tier.Execute(context.Background(), "ghost", "x", nil)
		require.ErrorIs(t, err, ErrPeerGone)
	})

	t.Run("send failure surfaces", func(t *testing.T) {
		f := newTierFixture(t)
		f.observePeer("peer-1")
		f.link.sendErr = assert.AnError

		_, _, _, err := f.tier.Execute(context.Background(), "peer-1", "x", nil)
		require.Error(t, err)

		pending, err := f.store.Unsynced(context.Background())
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("settlement failure keeps the answer, forfeits credits", func(t *testing.T) {
		f := newTierFixture(t)
		f.observePeer("peer-1")
		f.link.settleErr = assert.AnError

		text, _, credits, err := f.tier.Execute(context.Background(), "peer-1", "x", nil)
		require.NoError(t, err)
		assert.Equal(t, "print(42)", text)
		assert.Zero(t, credits)

		pending, err := f.store.Unsynced(context.Background())
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("forged countersignature is not persisted", func(t *testing.T) {
		f := newTierFixture(t)
		f.observePeer("peer-1")
		f.link.forgeSig = true

		text, _, credits, err := f.tier.Execute(context.Background(), "peer-1", "x", nil)
		require.NoError(t, err)
		assert.Equal(t, "print(42)", text)
		assert.Zero(t, credits)

		pending, err := f.store.Unsynced(context.Background())
		require.NoError(t, err)
		assert.Empty(t, pending)
	})
}

func syncFixture(t *testing.T, handler http.Handler) (*Syncer, *CreditStore, *identity.Key, *identity.Key) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	reqKey, err := identity.Generate(identity.PurposeAgent)
	require.NoError(t, err)
	provKey, err := identity.Generate(identity.PurposeAgent)
	require.NoError(t, err)

	store, err := OpenCreditStore(filepath.Join(t.TempDir(), "credits.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSyncer(srv.URL, "mesh-token", "agent-req", reqKey, store, logger), store, reqKey, provKey
}

func TestSyncOnce(t *testing.T) {
	var got models.CreditSyncRequest
	var gotToken, gotSig string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/credits/ble-sync", r.URL.Path)
		gotToken = r.Header.Get("x-mesh-token")
		gotSig = r.Header.Get(identity.HeaderSignature)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		resp := models.CreditSyncResponse{
			Accepted: []string{got.Transactions[0].TxID},
			Rejected: []models.RejectedCredit{{TxID: got.Transactions[1].TxID, Reason: "provider signature invalid"}},
		}
		json.NewEncoder(w).Encode(resp)
	})

	syncer, store, reqKey, provKey := syncFixture(t, handler)
	ctx := context.Background()

	first := signedTx(t, reqKey, provKey)
	second := signedTx(t, reqKey, provKey)
	require.NoError(t, store.Save(ctx, first))
	require.NoError(t, store.Save(ctx, second))

	accepted, rejected, err := syncer.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, rejected)

	assert.Equal(t, "mesh-token", gotToken)
	assert.NotEmpty(t, gotSig)
	assert.Len(t, got.Transactions, 2)

	pending, err := store.Unsynced(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "accepted marked synced, rejected dropped")
}

func TestSyncOnceDuplicateRejectionMarksSynced(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got models.CreditSyncRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		resp := models.CreditSyncResponse{
			Rejected: []models.RejectedCredit{{TxID: got.Transactions[0].TxID, Reason: models.RejectionDuplicate}},
		}
		json.NewEncoder(w).Encode(resp)
	})

	syncer, store, reqKey, provKey := syncFixture(t, handler)
	ctx := context.Background()

	tx := signedTx(t, reqKey, provKey)
	require.NoError(t, store.Save(ctx, tx))

	_, rejected, err := syncer.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rejected)

	// The row survived as synced: saving the same id again still collides.
	require.ErrorIs(t, store.Save(ctx, tx), ErrDuplicateTransaction)
	pending, err := store.Unsynced(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSyncOnceServerError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "credit engine offline", http.StatusServiceUnavailable)
	})

	syncer, store, reqKey, provKey := syncFixture(t, handler)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, signedTx(t, reqKey, provKey)))

	_, _, err := syncer.SyncOnce(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	pending, err := store.Unsynced(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "failed upload leaves the backlog intact")
}

func TestSyncOnReconnectDrains(t *testing.T) {
	var calls int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var got models.CreditSyncRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		resp := models.CreditSyncResponse{}
		for _, tx := range got.Transactions {
			resp.Accepted = append(resp.Accepted, tx.TxID)
		}
		json.NewEncoder(w).Encode(resp)
	})

	syncer, store, reqKey, provKey := syncFixture(t, handler)
	syncer.batchSize = 2
	ctx := context.Background()

	for range 5 {
		require.NoError(t, store.Save(ctx, signedTx(t, reqKey, provKey)))
	}

	require.NoError(t, syncer.SyncOnReconnect(ctx))
	assert.Equal(t, 3, calls, "5 transactions in batches of 2")

	pending, err := store.Unsynced(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSyncOnceNothingPending(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected with an empty backlog")
	})
	syncer, _, _, _ := syncFixture(t, handler)

	accepted, rejected, err := syncer.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, accepted)
	assert.Zero(t, rejected)
}
