package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecoder/edgecoder/pkg/identity"
	"github.com/edgecoder/edgecoder/pkg/models"
	"github.com/edgecoder/edgecoder/pkg/router"
)

func TestStatusSnapshot(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeJSON[router.Status](t, rec)
	assert.Equal(t, int64(2), status.ConcurrencyCap)
	assert.Zero(t, status.ActiveConcurrent)
	assert.False(t, status.BluetoothEnabled)
	assert.False(t, status.SwarmEnabled)

	t.Run("config advertises the ble tier", func(t *testing.T) {
		env.cfg.Mesh.BluetoothEnabled = true

		rec := env.do(http.MethodGet, "/status", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, decodeJSON[router.Status](t, rec).BluetoothEnabled)
	})
}

func TestModelsAvailable(t *testing.T) {
	env := newTestEnv(t)

	t.Run("empty swarm", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/models/available", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, decodeJSON[[]models.ModelAvailability](t, rec))
	})

	t.Run("aggregates approved fresh agents", func(t *testing.T) {
		for _, id := range []string{"m-agent-1", "m-agent-2"} {
			key, err := identity.Generate(identity.PurposeAgent)
			require.NoError(t, err)
			registerApprovedAgent(t, env, id, key, models.Capabilities{
				ActiveModel:          "qwen2.5-coder:7b",
				ActiveModelParamSize: 7,
				DeviceType:           models.DeviceWorkstation,
			})
		}

		rec := env.do(http.MethodGet, "/models/available", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		available := decodeJSON[[]models.ModelAvailability](t, rec)
		require.Len(t, available, 1)
		assert.Equal(t, "qwen2.5-coder:7b", available[0].Model)
		assert.Equal(t, 2, available[0].AgentCount)
		assert.Equal(t, 7.0, available[0].ParamSize)
	})

	t.Run("pending agents excluded", func(t *testing.T) {
		key, err := identity.Generate(identity.PurposeAgent)
		require.NoError(t, err)
		rec := env.do(http.MethodPost, "/register", models.RegisterRequest{
			AgentID:      "m-agent-pending",
			PublicKey:    key.PublicKey(),
			Capabilities: models.Capabilities{ActiveModel: "llama3.2:3b"},
		})
		require.Equal(t, http.StatusOK, rec.Code)

		rec = env.do(http.MethodGet, "/models/available", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		for _, avail := range decodeJSON[[]models.ModelAvailability](t, rec) {
			assert.NotEqual(t, "llama3.2:3b", avail.Model)
		}
	})
}
