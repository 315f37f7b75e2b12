package models

import "encoding/json"

// GossipType identifies the mesh message families the coordinator consumes.
type GossipType string

const (
	GossipTaskForward        GossipType = "task_forward"
	GossipResultForward      GossipType = "result_forward"
	GossipPeerExchange       GossipType = "peer_exchange"
	GossipCapabilityAnnounce GossipType = "capability_announce"
	GossipBlacklist          GossipType = "blacklist_propagate"
)

// GossipMessage is the signed peer-to-peer envelope. Duplicates are keyed by
// (OriginPeerID, SequenceNo); messages older than TTL are dropped on ingest.
// Signature is base64 Ed25519 over "type|origin|seq|ttl|sha256(body)".
type GossipMessage struct {
	Type         GossipType      `json:"type"`
	OriginPeerID string          `json:"origin_peer_id"`
	SequenceNo   uint64          `json:"sequence_no"`
	Body         json.RawMessage `json:"body"`
	Signature    string          `json:"signature"`
	TTLMs        int64           `json:"ttl_ms"`
	SentAtMs     int64           `json:"sent_at_ms"`
}

// PeerInfo is the entry shared in peer_exchange bodies.
type PeerInfo struct {
	PeerID    string  `json:"peer_id"` // public URL of the coordinator
	PublicKey string  `json:"public_key"`
	Score     float64 `json:"score"`
}

// CapabilityAnnouncement is the body of a capability_announce message.
type CapabilityAnnouncement struct {
	PeerID string              `json:"peer_id"`
	Models []ModelAvailability `json:"models"`
}

// BlacklistAnnouncement is the body of a blacklist_propagate message.
type BlacklistAnnouncement struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason,omitempty"`
}

// TaskForward is the body of a task_forward handoff. Ownership of the task
// transfers to the receiving coordinator once it acknowledges ingest.
type TaskForward struct {
	Task     Task      `json:"task"`
	Subtasks []Subtask `json:"subtasks"`
}

// ResultForward returns a completed forward to the originating coordinator.
type ResultForward struct {
	TaskID    string `json:"task_id"`
	SubtaskID string `json:"subtask_id"`
	OK        bool   `json:"ok"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
}
