package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecoder/edgecoder/pkg/gossip"
	"github.com/edgecoder/edgecoder/pkg/identity"
	"github.com/edgecoder/edgecoder/pkg/models"
)

func TestMeshRoutesWithoutMesh(t *testing.T) {
	env := newTestEnv(t)

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/mesh/register-peer"},
		{http.MethodPost, "/mesh/ingest"},
		{http.MethodGet, "/mesh/peers"},
		{http.MethodGet, "/mesh/ws"},
	}
	for _, route := range routes {
		t.Run(route.path, func(t *testing.T) {
			rec := env.do(route.method, route.path, map[string]string{})
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		})
	}
}

// signedEnvelope builds a gossip message signed the way a real peer signs.
func signedEnvelope(t *testing.T, key *identity.Key, origin string, msgType models.GossipType, seq uint64, body any) models.GossipMessage {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	msg := models.GossipMessage{
		Type:         msgType,
		OriginPeerID: origin,
		SequenceNo:   seq,
		Body:         raw,
		TTLMs:        60_000,
		SentAtMs:     time.Now().UnixMilli(),
	}
	msg.Signature = key.Sign(identity.GossipMessageBytes(
		string(msg.Type), msg.OriginPeerID, msg.SequenceNo, msg.TTLMs, identity.BodyHash(raw)))
	return msg
}

func TestMeshPeerLifecycle(t *testing.T) {
	env := newTestEnv(t)

	selfKey, err := identity.Generate(identity.PurposePeer)
	require.NoError(t, err)
	mesh, err := gossip.New(env.cfg.Gossip, "http://self.example:8080", selfKey, discardLogger())
	require.NoError(t, err)
	mesh.SetAuthToken(testMeshToken)
	env.srv.SetMesh(mesh)

	peerKey, err := identity.Generate(identity.PurposePeer)
	require.NoError(t, err)
	const peerURL = "http://peer-b.example:9090"

	t.Run("register peer returns self info", func(t *testing.T) {
		rec := env.do(http.MethodPost, "/mesh/register-peer", models.PeerInfo{
			PeerID:    peerURL,
			PublicKey: peerKey.PublicKey(),
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		self := decodeJSON[models.PeerInfo](t, rec)
		assert.Equal(t, "http://self.example:8080", self.PeerID)
		assert.Equal(t, selfKey.PublicKey(), self.PublicKey)
	})

	t.Run("peer listed", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/mesh/peers", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		peers := decodeJSON[[]models.PeerInfo](t, rec)
		require.Len(t, peers, 1)
		assert.Equal(t, peerURL, peers[0].PeerID)
	})

	t.Run("re-register under new key refused", func(t *testing.T) {
		strangerKey, err := identity.Generate(identity.PurposePeer)
		require.NoError(t, err)
		rec := env.do(http.MethodPost, "/mesh/register-peer", models.PeerInfo{
			PeerID:    peerURL,
			PublicKey: strangerKey.PublicKey(),
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("ingest from unknown origin", func(t *testing.T) {
		msg := signedEnvelope(t, peerKey, "http://never-registered:1111", models.GossipCapabilityAnnounce, 1, models.CapabilityAnnouncement{})
		rec := env.do(http.MethodPost, "/mesh/ingest", msg)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("ingest with bad signature", func(t *testing.T) {
		wrongKey, err := identity.Generate(identity.PurposePeer)
		require.NoError(t, err)
		msg := signedEnvelope(t, wrongKey, peerURL, models.GossipCapabilityAnnounce, 2, models.CapabilityAnnouncement{PeerID: peerURL})
		rec := env.do(http.MethodPost, "/mesh/ingest", msg)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("capability announce reaches model aggregation", func(t *testing.T) {
		msg := signedEnvelope(t, peerKey, peerURL, models.GossipCapabilityAnnounce, 3, models.CapabilityAnnouncement{
			PeerID: peerURL,
			Models: []models.ModelAvailability{{Model: "phi3:14b", ParamSize: 14, AgentCount: 2}},
		})
		rec := env.do(http.MethodPost, "/mesh/ingest", msg)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		rec = env.do(http.MethodGet, "/models/available", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		available := decodeJSON[[]models.ModelAvailability](t, rec)
		require.Len(t, available, 1)
		assert.Equal(t, "phi3:14b", available[0].Model)
		assert.Equal(t, 2, available[0].AgentCount)
	})

	t.Run("duplicate envelope swallowed", func(t *testing.T) {
		msg := signedEnvelope(t, peerKey, peerURL, models.GossipCapabilityAnnounce, 3, models.CapabilityAnnouncement{PeerID: peerURL})
		rec := env.do(http.MethodPost, "/mesh/ingest", msg)
		assert.Equal(t, http.StatusOK, rec.Code, "dedup is not an error")
	})

	t.Run("blacklist propagates into the catalog", func(t *testing.T) {
		agentKey, err := identity.Generate(identity.PurposeAgent)
		require.NoError(t, err)
		registerApprovedAgent(t, env, "agent-remote-bad", agentKey, models.Capabilities{DeviceType: models.DeviceWorkstation})

		mesh.Handle(models.GossipBlacklist, func(ctx context.Context, msg *models.GossipMessage) error {
			var ann models.BlacklistAnnouncement
			if err := json.Unmarshal(msg.Body, &ann); err != nil {
				return err
			}
			return env.catalog.Blacklist(ann.AgentID)
		})

		msg := signedEnvelope(t, peerKey, peerURL, models.GossipBlacklist, 4, models.BlacklistAnnouncement{
			AgentID: "agent-remote-bad",
			Reason:  "subset validation failures",
		})
		rec := env.do(http.MethodPost, "/mesh/ingest", msg)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.True(t, env.catalog.IsBlacklisted("agent-remote-bad"))
	})
}
