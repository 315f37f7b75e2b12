package models

// Queue reasons attached to RunResults that must leave the local tier.
const (
	QueueReasonOutsideSubset = "outside_subset"
	QueueReasonTimeout       = "timeout"
)

// Escalation reasons recorded on AgentExecution.
const (
	EscalationMaxIterations = "max_iterations_exhausted"
)

// RunResult is the outcome of one sandboxed execution. OK is true only when
// the sandbox exited 0 and the subset validator passed the executed code.
type RunResult struct {
	Language      Language `json:"language"`
	OK            bool     `json:"ok"`
	Stdout        string   `json:"stdout"`
	Stderr        string   `json:"stderr"`
	ExitCode      int      `json:"exit_code"`
	DurationMs    int64    `json:"duration_ms"`
	QueueForCloud bool     `json:"queue_for_cloud,omitempty"`
	QueueReason   string   `json:"queue_reason,omitempty"`
}

// IterationRecord is one pass of the retry loop.
type IterationRecord struct {
	Iteration int        `json:"iteration"` // 1-based
	Plan      string     `json:"plan,omitempty"`
	Code      string     `json:"code"`
	RunResult *RunResult `json:"run_result"`
}

// AgentExecution is the outcome of a whole retry loop over one subtask.
// len(History) always equals Iterations.
type AgentExecution struct {
	Plan             string            `json:"plan"`
	GeneratedCode    string            `json:"generated_code"`
	RunResult        *RunResult        `json:"run_result"`
	Iterations       int               `json:"iterations"`
	History          []IterationRecord `json:"history"`
	Escalated        bool              `json:"escalated"`
	EscalationReason string            `json:"escalation_reason,omitempty"`
}

// ErrorHistory collects the stderr of every failed iteration, oldest first,
// the shape escalation requests carry.
func (e *AgentExecution) ErrorHistory() []string {
	var out []string
	for _, rec := range e.History {
		if rec.RunResult == nil || rec.RunResult.OK {
			continue
		}
		if rec.RunResult.Stderr != "" {
			out = append(out, rec.RunResult.Stderr)
		}
	}
	return out
}
