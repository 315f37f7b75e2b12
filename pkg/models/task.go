// Package models defines the domain entities shared across the coordinator
// and agent: tasks, subtasks, agents, execution results, ledger records,
// gossip envelopes, and credit transactions.
package models

import "time"

// ResourceClass describes the hardware class a task wants to run on.
type ResourceClass string

const (
	ResourceCPU ResourceClass = "cpu"
	ResourceGPU ResourceClass = "gpu"
)

// SubtaskKind distinguishes one-shot fragments from short iterative ones.
type SubtaskKind string

const (
	KindSingleStep SubtaskKind = "single_step"
	KindMicroLoop  SubtaskKind = "micro_loop"
)

// Language is the programming language of a subtask's generated code.
type Language string

const (
	LangPython     Language = "python"
	LangJavaScript Language = "javascript"
)

// SubtaskStatus is the lifecycle state of a subtask.
type SubtaskStatus string

const (
	SubtaskQueued    SubtaskStatus = "queued"
	SubtaskClaimed   SubtaskStatus = "claimed"
	SubtaskCompleted SubtaskStatus = "completed"
	SubtaskFailed    SubtaskStatus = "failed"
	SubtaskReclaimed SubtaskStatus = "reclaimed"
)

// TaskStatus is the terminal-state view of a whole task, derived from its
// subtasks. Tasks are visible via GET /tasks/:taskId until retention expires.
type TaskStatus string

const (
	TaskPending      TaskStatus = "pending"
	TaskRunning      TaskStatus = "running"
	TaskCompleted    TaskStatus = "completed"
	TaskFailed       TaskStatus = "failed"
	TaskHumanPending TaskStatus = "human_pending"
)

// ProjectMeta carries the scheduling attributes of a subtask's parent task.
// Fair-share scheduling keys off ProjectID; ties break on Priority.
type ProjectMeta struct {
	ProjectID     string        `json:"project_id"`
	ResourceClass ResourceClass `json:"resource_class"`
	Priority      int           `json:"priority"`
}

// Task is a user-submitted unit of work, parent of one or more subtasks.
type Task struct {
	TaskID             string        `json:"task_id"`
	SubmitterAccountID string        `json:"submitter_account_id"`
	ProjectID          string        `json:"project_id"`
	ResourceClass      ResourceClass `json:"resource_class"`
	Priority           int           `json:"priority"`
	RequestedModel     string        `json:"requested_model,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
}

// Subtask is the atomic executable fragment claimed by exactly one agent at
// a time. A claim older than TimeoutMs is reclaimable by the sweep.
type Subtask struct {
	SubtaskID      string      `json:"subtask_id"`
	TaskID         string      `json:"task_id"`
	Kind           SubtaskKind `json:"kind"`
	Language       Language    `json:"language"`
	Input          string      `json:"input"`
	TimeoutMs      int64       `json:"timeout_ms"`
	SnapshotRef    string      `json:"snapshot_ref,omitempty"`
	ProjectMeta    ProjectMeta `json:"project_meta"`
	RequestedModel string      `json:"requested_model,omitempty"`

	Status         SubtaskStatus `json:"status"`
	ClaimedBy      string        `json:"claimed_by,omitempty"`
	ClaimedAt      time.Time     `json:"claimed_at,omitzero"`
	ClaimableAfter time.Time     `json:"claimable_after,omitzero"`
	Attempts       int           `json:"attempts"`
}

// Claimed reports whether the subtask currently holds a live claim.
func (s *Subtask) Claimed() bool {
	return s.Status == SubtaskClaimed && s.ClaimedBy != ""
}

// ClaimExpired reports whether a live claim has outlived the subtask timeout.
func (s *Subtask) ClaimExpired(now time.Time) bool {
	if !s.Claimed() {
		return false
	}
	return now.Sub(s.ClaimedAt) > time.Duration(s.TimeoutMs)*time.Millisecond
}

// SubtaskResult is the agent-reported outcome for one claimed subtask.
type SubtaskResult struct {
	SubtaskID  string `json:"subtask_id"`
	AgentID    string `json:"agent_id"`
	OK         bool   `json:"ok"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}
