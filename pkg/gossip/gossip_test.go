package gossip

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecoder/edgecoder/pkg/config"
	"github.com/edgecoder/edgecoder/pkg/identity"
	"github.com/edgecoder/edgecoder/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMesh(t *testing.T, selfID string, cfg config.GossipConfig) (*Mesh, *identity.Key) {
	t.Helper()
	key, err := identity.Generate(identity.PurposePeer)
	require.NoError(t, err)
	m, err := New(cfg, selfID, key, testLogger())
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m, key
}

// signedFrom builds an envelope exactly as a remote mesh would.
func signedFrom(t *testing.T, key *identity.Key, origin string, seq uint64, msgType models.GossipType, body any) *models.GossipMessage {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	ttlMs := int64(60_000)
	sig := key.Sign(identity.GossipMessageBytes(string(msgType), origin, seq, ttlMs, identity.BodyHash(raw)))
	return &models.GossipMessage{
		Type:         msgType,
		OriginPeerID: origin,
		SequenceNo:   seq,
		Body:         raw,
		Signature:    sig,
		TTLMs:        ttlMs,
		SentAtMs:     time.Now().UnixMilli(),
	}
}

func registerRemote(t *testing.T, m *Mesh, peerID string) *identity.Key {
	t.Helper()
	key, err := identity.Generate(identity.PurposePeer)
	require.NoError(t, err)
	require.NoError(t, m.RegisterPeer(models.PeerInfo{PeerID: peerID, PublicKey: key.PublicKey()}))
	return key
}

func TestIngestVerifiedMessageReachesHandler(t *testing.T) {
	m, _ := testMesh(t, "http://self:8090", config.GossipConfig{})
	remote := registerRemote(t, m, "http://peer-a:8090")

	var mu sync.Mutex
	var got []string
	m.Handle(models.GossipBlacklist, func(ctx context.Context, msg *models.GossipMessage) error {
		var ann models.BlacklistAnnouncement
		require.NoError(t, json.Unmarshal(msg.Body, &ann))
		mu.Lock()
		got = append(got, ann.AgentID)
		mu.Unlock()
		return nil
	})

	msg := signedFrom(t, remote, "http://peer-a:8090", 1, models.GossipBlacklist,
		models.BlacklistAnnouncement{AgentID: "agent-bad"})
	require.NoError(t, m.Ingest(context.Background(), msg))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"agent-bad"}, got)
}

func TestIngestUnknownOriginRejected(t *testing.T) {
	m, _ := testMesh(t, "http://self:8090", config.GossipConfig{})
	key, err := identity.Generate(identity.PurposePeer)
	require.NoError(t, err)

	msg := signedFrom(t, key, "http://stranger:8090", 1, models.GossipBlacklist,
		models.BlacklistAnnouncement{AgentID: "x"})
	assert.ErrorIs(t, m.Ingest(context.Background(), msg), ErrUnknownOrigin)
}

func TestIngestBadSignaturePenalizes(t *testing.T) {
	m, _ := testMesh(t, "http://self:8090", config.GossipConfig{})
	registerRemote(t, m, "http://peer-a:8090")

	// Signed with a key that is not the registered one.
	wrongKey, err := identity.Generate(identity.PurposePeer)
	require.NoError(t, err)
	msg := signedFrom(t, wrongKey, "http://peer-a:8090", 1, models.GossipBlacklist,
		models.BlacklistAnnouncement{AgentID: "x"})

	err = m.Ingest(context.Background(), msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, identity.ErrBadSignature)

	peers := m.Peers()
	require.Len(t, peers, 1)
	assert.InDelta(t, scoreInitial-scorePenalty, peers[0].Score, 0.001)
}

func TestIngestDuplicatesDropSilently(t *testing.T) {
	m, _ := testMesh(t, "http://self:8090", config.GossipConfig{})
	remote := registerRemote(t, m, "http://peer-a:8090")

	var calls int
	m.Handle(models.GossipBlacklist, func(ctx context.Context, msg *models.GossipMessage) error {
		calls++
		return nil
	})

	msg := signedFrom(t, remote, "http://peer-a:8090", 7, models.GossipBlacklist,
		models.BlacklistAnnouncement{AgentID: "x"})
	require.NoError(t, m.Ingest(context.Background(), msg))
	require.NoError(t, m.Ingest(context.Background(), msg))
	require.NoError(t, m.Ingest(context.Background(), msg))
	assert.Equal(t, 1, calls)
}

func TestIngestExpiredTTLDropped(t *testing.T) {
	m, _ := testMesh(t, "http://self:8090", config.GossipConfig{})
	remote := registerRemote(t, m, "http://peer-a:8090")

	var calls int
	m.Handle(models.GossipBlacklist, func(ctx context.Context, msg *models.GossipMessage) error {
		calls++
		return nil
	})

	msg := signedFrom(t, remote, "http://peer-a:8090", 1, models.GossipBlacklist,
		models.BlacklistAnnouncement{AgentID: "x"})
	msg.SentAtMs = time.Now().Add(-5 * time.Minute).UnixMilli()

	require.NoError(t, m.Ingest(context.Background(), msg))
	assert.Zero(t, calls)
}

func TestIngestRateLimitDemotesAndEvicts(t *testing.T) {
	m, _ := testMesh(t, "http://self:8090", config.GossipConfig{
		RateLimit:  3,
		RateWindow: time.Hour, // no refill during the test
	})
	remote := registerRemote(t, m, "http://peer-a:8090")

	var seq uint64
	send := func() error {
		seq++
		return m.Ingest(context.Background(), signedFrom(t, remote, "http://peer-a:8090", seq,
			models.GossipBlacklist, models.BlacklistAnnouncement{AgentID: "x"}))
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, send())
	}

	// Budget exhausted: each extra message demotes by the abuse penalty.
	// 0.5 + 3 rewards = 0.65; two abuse hits land at 0.25, the third at 0.05
	// which is under the floor, so the peer is gone.
	require.ErrorIs(t, send(), ErrRateLimited)
	require.ErrorIs(t, send(), ErrRateLimited)
	require.Len(t, m.Peers(), 1)

	require.ErrorIs(t, send(), ErrRateLimited)
	assert.Empty(t, m.Peers())

	require.ErrorIs(t, send(), ErrUnknownOrigin)
}

func TestRegisterPeerPinsKey(t *testing.T) {
	m, _ := testMesh(t, "http://self:8090", config.GossipConfig{})
	k1, err := identity.Generate(identity.PurposePeer)
	require.NoError(t, err)
	k2, err := identity.Generate(identity.PurposePeer)
	require.NoError(t, err)

	require.NoError(t, m.RegisterPeer(models.PeerInfo{PeerID: "http://peer-a:8090", PublicKey: k1.PublicKey()}))
	assert.NoError(t, m.RegisterPeer(models.PeerInfo{PeerID: "http://peer-a:8090", PublicKey: k1.PublicKey()}),
		"same key re-registers fine")
	assert.ErrorIs(t,
		m.RegisterPeer(models.PeerInfo{PeerID: "http://peer-a:8090", PublicKey: k2.PublicKey()}),
		ErrPeerKeyChanged)

	assert.NoError(t, m.RegisterPeer(models.PeerInfo{PeerID: "http://self:8090", PublicKey: k2.PublicKey()}),
		"self registration is a no-op")
	assert.Len(t, m.Peers(), 1)
}

func TestPeerExchangeRegistersNewPeers(t *testing.T) {
	m, _ := testMesh(t, "http://self:8090", config.GossipConfig{})
	remote := registerRemote(t, m, "http://peer-a:8090")

	k, err := identity.Generate(identity.PurposePeer)
	require.NoError(t, err)
	table := []models.PeerInfo{
		{PeerID: "http://peer-b:8090", PublicKey: k.PublicKey(), Score: 0.9},
		{PeerID: "http://self:8090", PublicKey: "ignored"}, // our own entry comes back
	}

	msg := signedFrom(t, remote, "http://peer-a:8090", 1, models.GossipPeerExchange, table)
	require.NoError(t, m.Ingest(context.Background(), msg))

	ids := make(map[string]bool)
	for _, p := range m.Peers() {
		ids[p.PeerID] = true
	}
	assert.True(t, ids["http://peer-a:8090"])
	assert.True(t, ids["http://peer-b:8090"])
	assert.False(t, ids["http://self:8090"])
}

func TestCapabilityAnnounceMergesRemoteModels(t *testing.T) {
	m, _ := testMesh(t, "http://self:8090", config.GossipConfig{})
	peerA := registerRemote(t, m, "http://peer-a:8090")
	peerB := registerRemote(t, m, "http://peer-b:8090")

	msgA := signedFrom(t, peerA, "http://peer-a:8090", 1, models.GossipCapabilityAnnounce,
		models.CapabilityAnnouncement{
			PeerID: "http://peer-a:8090",
			Models: []models.ModelAvailability{{Model: "llama3:8b", ParamSize: 8, AgentCount: 2, AvgLoad: 1}},
		})
	msgB := signedFrom(t, peerB, "http://peer-b:8090", 1, models.GossipCapabilityAnnounce,
		models.CapabilityAnnouncement{
			PeerID: "http://peer-b:8090",
			Models: []models.ModelAvailability{{Model: "llama3:8b", ParamSize: 8, AgentCount: 2, AvgLoad: 3}},
		})
	require.NoError(t, m.Ingest(context.Background(), msgA))
	require.NoError(t, m.Ingest(context.Background(), msgB))

	merged := m.RemoteModels()
	require.Len(t, merged, 1)
	assert.Equal(t, 4, merged[0].AgentCount)
	assert.InDelta(t, 2.0, merged[0].AvgLoad, 0.001)
}

func TestBroadcastReachesPeerOverHTTPFallback(t *testing.T) {
	received := make(chan *models.GossipMessage, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/mesh/ingest" {
			var msg models.GossipMessage
			require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
			received <- &msg
			w.WriteHeader(http.StatusAccepted)
			return
		}
		// No /mesh/ws endpoint: the WS dial fails and the POST fallback runs.
		http.NotFound(w, r)
	}))
	defer srv.Close()

	m, selfKey := testMesh(t, "http://self:8090", config.GossipConfig{})
	k, err := identity.Generate(identity.PurposePeer)
	require.NoError(t, err)
	require.NoError(t, m.RegisterPeer(models.PeerInfo{PeerID: srv.URL, PublicKey: k.PublicKey()}))

	m.Broadcast(context.Background(), models.GossipBlacklist,
		models.BlacklistAnnouncement{AgentID: "agent-bad", Reason: "tampering"})

	select {
	case msg := <-received:
		assert.Equal(t, models.GossipBlacklist, msg.Type)
		assert.Equal(t, "http://self:8090", msg.OriginPeerID)

		// The receiver can verify the envelope with our public key.
		signed := identity.GossipMessageBytes(string(msg.Type), msg.OriginPeerID,
			msg.SequenceNo, msg.TTLMs, identity.BodyHash(msg.Body))
		assert.NoError(t, identity.Verify(selfKey.PublicKey(), identity.PurposePeer, signed, msg.Signature))
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast never reached the peer")
	}
}

func TestBlacklistRelaysToOtherPeers(t *testing.T) {
	relayed := make(chan *models.GossipMessage, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/mesh/ingest" {
			var msg models.GossipMessage
			_ = json.NewDecoder(r.Body).Decode(&msg)
			relayed <- &msg
			w.WriteHeader(http.StatusAccepted)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	m, _ := testMesh(t, "http://self:8090", config.GossipConfig{FanOut: 2})
	origin := registerRemote(t, m, "http://peer-origin:8090")
	k, err := identity.Generate(identity.PurposePeer)
	require.NoError(t, err)
	require.NoError(t, m.RegisterPeer(models.PeerInfo{PeerID: srv.URL, PublicKey: k.PublicKey()}))

	msg := signedFrom(t, origin, "http://peer-origin:8090", 1, models.GossipBlacklist,
		models.BlacklistAnnouncement{AgentID: "agent-bad"})
	require.NoError(t, m.Ingest(context.Background(), msg))

	select {
	case fwd := <-relayed:
		// The relayed envelope keeps the origin's identity and signature.
		assert.Equal(t, "http://peer-origin:8090", fwd.OriginPeerID)
		assert.Equal(t, msg.Signature, fwd.Signature)
	case <-time.After(2 * time.Second):
		t.Fatal("blacklist was not relayed")
	}
}

func TestSendFailuresNeverPropagateFromBroadcast(t *testing.T) {
	m, _ := testMesh(t, "http://self:8090", config.GossipConfig{})
	k, err := identity.Generate(identity.PurposePeer)
	require.NoError(t, err)
	// Unreachable peer.
	require.NoError(t, m.RegisterPeer(models.PeerInfo{PeerID: "http://127.0.0.1:1", PublicKey: k.PublicKey()}))

	// Must not panic or error; the failure demotes the peer.
	m.Broadcast(context.Background(), models.GossipBlacklist, models.BlacklistAnnouncement{AgentID: "x"})

	peers := m.Peers()
	require.Len(t, peers, 1)
	assert.Less(t, peers[0].Score, scoreInitial)
}

func TestIngestOwnBroadcastIgnored(t *testing.T) {
	m, key := testMesh(t, "http://self:8090", config.GossipConfig{})
	msg := signedFrom(t, key, "http://self:8090", 1, models.GossipBlacklist,
		models.BlacklistAnnouncement{AgentID: "x"})
	assert.NoError(t, m.Ingest(context.Background(), msg))
}

func TestSeedIntroduction(t *testing.T) {
	seedKey, err := identity.Generate(identity.PurposePeer)
	require.NoError(t, err)

	var gotIntro models.PeerInfo
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/mesh/register-peer", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotIntro))
		_ = json.NewEncoder(w).Encode(models.PeerInfo{PeerID: srvURL(r), PublicKey: seedKey.PublicKey(), Score: 1})
	}))
	defer srv.Close()

	m, _ := testMesh(t, "http://self:8090", config.GossipConfig{Seeds: []string{srv.URL}})
	m.Start(context.Background())

	require.Eventually(t, func() bool { return len(m.Peers()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "http://self:8090", gotIntro.PeerID)
	assert.Equal(t, srv.URL, m.Peers()[0].PeerID)
}

// srvURL reconstructs the httptest base URL from the inbound request.
func srvURL(r *http.Request) string {
	return "http://" + r.Host
}
