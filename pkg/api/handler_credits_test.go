package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecoder/edgecoder/pkg/ble"
	"github.com/edgecoder/edgecoder/pkg/identity"
	"github.com/edgecoder/edgecoder/pkg/models"
)

// bleFixture registers a requester and a provider and returns a dual-signed
// transaction between them.
type bleFixture struct {
	requesterKey *identity.Key
	providerKey  *identity.Key
}

func newBLEFixture(t *testing.T, env *testEnv) *bleFixture {
	t.Helper()
	f := &bleFixture{}
	var err error
	f.requesterKey, err = identity.Generate(identity.PurposeAgent)
	require.NoError(t, err)
	f.providerKey, err = identity.Generate(identity.PurposeAgent)
	require.NoError(t, err)
	registerApprovedAgent(t, env, "ble-requester", f.requesterKey, models.Capabilities{DeviceType: models.DevicePhone})
	registerApprovedAgent(t, env, "ble-provider", f.providerKey, models.Capabilities{DeviceType: models.DeviceLaptop})
	return f
}

func (f *bleFixture) transaction(t *testing.T, prompt string, cpuSeconds float64) models.BLECreditTransaction {
	t.Helper()
	tx := ble.NewTransaction(
		ble.Party{AgentID: "ble-requester", AccountID: "acct-ble-requester"},
		ble.Party{AgentID: "ble-provider", AccountID: "acct-ble-provider"},
		prompt, cpuSeconds)
	require.NoError(t, ble.SignAsRequester(&tx, f.requesterKey))
	require.NoError(t, ble.SignAsProvider(&tx, f.providerKey))
	return tx
}

func TestBLESyncValidation(t *testing.T) {
	env := newTestEnv(t)
	f := newBLEFixture(t, env)

	t.Run("empty batch", func(t *testing.T) {
		rec := signedDo(env, "/credits/ble-sync", f.requesterKey, "ble-requester", models.CreditSyncRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("oversize batch", func(t *testing.T) {
		batch := models.CreditSyncRequest{Transactions: make([]models.BLECreditTransaction, maxSyncBatch+1)}
		rec := signedDo(env, "/credits/ble-sync", f.requesterKey, "ble-requester", batch)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	t.Run("unsigned request", func(t *testing.T) {
		rec := env.do(http.MethodPost, "/credits/ble-sync", models.CreditSyncRequest{
			Transactions: []models.BLECreditTransaction{f.transaction(t, "p", 1)},
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestBLESyncSettlement(t *testing.T) {
	env := newTestEnv(t)
	f := newBLEFixture(t, env)
	ctx := context.Background()

	tx := f.transaction(t, "write a parser", 2.5)

	rec := signedDo(env, "/credits/ble-sync", f.requesterKey, "ble-requester", models.CreditSyncRequest{
		Transactions: []models.BLECreditTransaction{tx},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeJSON[models.CreditSyncResponse](t, rec)
	require.Equal(t, []string{tx.TxID}, resp.Accepted)
	assert.Empty(t, resp.Rejected)

	provBalance, err := env.credits.Balance(ctx, "acct-ble-provider")
	require.NoError(t, err)
	assert.Equal(t, 3.0, provBalance, "2.5 cpu seconds round up to 3 credits")

	reqBalance, err := env.credits.Balance(ctx, "acct-ble-requester")
	require.NoError(t, err)
	assert.Equal(t, -3.0, reqBalance)

	t.Run("replay rejected as duplicate", func(t *testing.T) {
		rec := signedDo(env, "/credits/ble-sync", f.requesterKey, "ble-requester", models.CreditSyncRequest{
			Transactions: []models.BLECreditTransaction{tx},
		})
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeJSON[models.CreditSyncResponse](t, rec)
		assert.Empty(t, resp.Accepted)
		require.Len(t, resp.Rejected, 1)
		assert.Equal(t, models.RejectionDuplicate, resp.Rejected[0].Reason)

		provBalance, err := env.credits.Balance(ctx, "acct-ble-provider")
		require.NoError(t, err)
		assert.Equal(t, 3.0, provBalance, "replay must not double-credit")
	})

	t.Run("tampered transaction rejected", func(t *testing.T) {
		inflated := f.transaction(t, "another prompt", 1)
		inflated.Credits = 9999

		rec := signedDo(env, "/credits/ble-sync", f.requesterKey, "ble-requester", models.CreditSyncRequest{
			Transactions: []models.BLECreditTransaction{inflated},
		})
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeJSON[models.CreditSyncResponse](t, rec)
		assert.Empty(t, resp.Accepted)
		require.Len(t, resp.Rejected, 1)
	})

	t.Run("mixed batch gets per-transaction verdicts", func(t *testing.T) {
		good := f.transaction(t, "task a", 1)
		bad := f.transaction(t, "task b", 1)
		bad.ProviderSignature = good.ProviderSignature // signature from another tx

		rec := signedDo(env, "/credits/ble-sync", f.requesterKey, "ble-requester", models.CreditSyncRequest{
			Transactions: []models.BLECreditTransaction{good, bad},
		})
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeJSON[models.CreditSyncResponse](t, rec)
		assert.Equal(t, []string{good.TxID}, resp.Accepted)
		require.Len(t, resp.Rejected, 1)
		assert.Equal(t, bad.TxID, resp.Rejected[0].TxID)
	})
}
