package models

// EventType tags ordering-ledger records and the live event feed.
type EventType string

const (
	EventTaskSubmitted   EventType = "task_submitted"
	EventTaskAssigned    EventType = "task_assigned"
	EventTaskCompleted   EventType = "task_completed"
	EventTaskFailed      EventType = "task_failed"
	EventTaskReclaimed   EventType = "task_reclaimed"
	EventTaskEscalated   EventType = "task_escalated"
	EventAgentRegistered EventType = "agent_registered"
	EventBlacklist       EventType = "blacklist"
	EventCheckpoint      EventType = "checkpoint"
	EventCreditApplied   EventType = "credit_applied"
)

// OrderingRecord is one entry of the per-coordinator hash chain.
//
// Seq is strictly increasing; PrevHash is the SHA-256 of the previous
// record's canonical JSON (64 zeros for the genesis record). Signature is a
// base64 Ed25519 signature over "seq|prevHash|payloadHash|timestamp".
// Field order is fixed; hashes are lowercase hex.
type OrderingRecord struct {
	Seq         uint64         `json:"seq"`
	EventType   EventType      `json:"event_type"`
	TaskID      string         `json:"task_id,omitempty"`
	SubtaskID   string         `json:"subtask_id,omitempty"`
	ActorID     string         `json:"actor_id"`
	TimestampMs int64          `json:"timestamp"`
	PrevHash    string         `json:"prev_hash"`
	PayloadHash string         `json:"payload_hash"`
	Payload     map[string]any `json:"payload,omitempty"`
	Signature   string         `json:"signature"`
}
