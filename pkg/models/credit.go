package models

// BLECreditTransaction settles work exchanged over the local mesh while
// offline. Both parties sign the canonical serialisation; the coordinator
// validates both signatures on sync and deduplicates by TxID, so replaying a
// batch is idempotent.
type BLECreditTransaction struct {
	TxID               string  `json:"tx_id"`
	RequesterID        string  `json:"requester_id"`
	ProviderID         string  `json:"provider_id"`
	RequesterAccountID string  `json:"requester_account_id"`
	ProviderAccountID  string  `json:"provider_account_id"`
	Credits            float64 `json:"credits"`
	CPUSeconds         float64 `json:"cpu_seconds"`
	TaskHash           string  `json:"task_hash"`
	TimestampMs        int64   `json:"timestamp_ms"`
	RequesterSignature string  `json:"requester_signature,omitempty"`
	ProviderSignature  string  `json:"provider_signature,omitempty"`
}

// SigningCopy returns the transaction with both signatures cleared; the
// canonical JSON of this copy is what each party signs.
func (t BLECreditTransaction) SigningCopy() BLECreditTransaction {
	t.RequesterSignature = ""
	t.ProviderSignature = ""
	return t
}

// CreditSyncRequest is the batch an agent uploads after reconnecting.
type CreditSyncRequest struct {
	Transactions []BLECreditTransaction `json:"transactions"`
}

// RejectedCredit names one transaction the coordinator refused and why.
type RejectedCredit struct {
	TxID   string `json:"tx_id"`
	Reason string `json:"reason"`
}

// CreditSyncResponse partitions a sync batch. Replayed transactions come
// back rejected with a duplicate reason so the agent stops resending them.
type CreditSyncResponse struct {
	Accepted []string         `json:"accepted"`
	Rejected []RejectedCredit `json:"rejected"`
}

// RejectionDuplicate is the reason attached to a replayed transaction.
const RejectionDuplicate = "duplicate txId"
