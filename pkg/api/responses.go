package api

import (
	"github.com/edgecoder/edgecoder/pkg/models"
)

// OKResponse acknowledges a write with no other payload.
type OKResponse struct {
	OK bool `json:"ok"`
}

// EscalateResponse is returned by POST /escalate.
type EscalateResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TaskResponse is returned by GET /tasks/:taskId.
type TaskResponse struct {
	TaskID   string            `json:"task_id"`
	Status   models.TaskStatus `json:"status"`
	Subtasks []models.Subtask  `json:"subtasks"`
	Artifact string            `json:"artifact,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// LedgerSnapshotResponse is returned by GET /ledger/snapshot.
type LedgerSnapshotResponse struct {
	NextSeq  uint64                   `json:"next_seq"`
	HeadHash string                   `json:"head_hash"`
	Records  []*models.OrderingRecord `json:"records"`
}

// LedgerVerifyResponse is returned by GET /ledger/verify.
type LedgerVerifyResponse struct {
	OK       bool   `json:"ok"`
	Records  uint64 `json:"records"`
	HeadHash string `json:"head_hash"`
	Error    string `json:"error,omitempty"`
}

// SnapshotPutResponse is returned by POST /snapshots.
type SnapshotPutResponse struct {
	Ref string `json:"ref"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// HealthCheck is the status of a single component in the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
