package models

// Wire payloads for the agent-facing coordinator endpoints. The agent client
// and the HTTP handlers share these shapes so the two sides cannot drift.

// RegisterRequest is POST /register.
type RegisterRequest struct {
	AgentID       string       `json:"agent_id"`
	AccountID     string       `json:"account_id,omitempty"`
	PublicKey     string       `json:"public_key"`
	Capabilities  Capabilities `json:"capabilities"`
	ApprovalToken string       `json:"approval_token,omitempty"`
}

// RegisterResponse reports the approval status the registration landed in.
type RegisterResponse struct {
	OK     bool           `json:"ok"`
	Status ApprovalStatus `json:"status"`
}

// HeartbeatRequest is POST /heartbeat.
type HeartbeatRequest struct {
	AgentID              string     `json:"agent_id"`
	CurrentLoad          int        `json:"current_load"`
	PowerState           PowerState `json:"power_state"`
	ActiveModel          string     `json:"active_model,omitempty"`
	ActiveModelParamSize float64    `json:"active_model_param_size_b,omitempty"`
}

// HeartbeatResponse acknowledges a heartbeat. DirectWorkOffers carries up to
// three queued subtask ids matching the agent's active model, a hint to pull
// immediately instead of waiting out the poll interval.
type HeartbeatResponse struct {
	OK               bool     `json:"ok"`
	DirectWorkOffers []string `json:"direct_work_offers,omitempty"`
}

// PullRequest is POST /pull. The response is a Subtask, or 204 when the
// queue has nothing for this agent (including power-policy refusals).
type PullRequest struct {
	AgentID string `json:"agent_id"`
}

// SubmitRequest is POST /submit.
type SubmitRequest struct {
	TaskID             string        `json:"task_id,omitempty"`
	SubmitterAccountID string        `json:"submitter_account_id"`
	Subtasks           []Subtask     `json:"subtasks"`
	RequestedModel     string        `json:"requested_model,omitempty"`
	ProjectID          string        `json:"project_id"`
	Priority           int           `json:"priority"`
	ResourceClass      ResourceClass `json:"resource_class"`
}

// SubmitResponse returns the task id assigned to a submission.
type SubmitResponse struct {
	OK     bool   `json:"ok"`
	TaskID string `json:"task_id"`
}
