// Package observability exposes the coordinator's Prometheus metrics.
// Metrics are registered once at init via promauto and served on /metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of queued (unclaimed) subtasks.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edgecoder_queue_depth",
		Help: "Current number of unclaimed subtasks in the swarm queue",
	}, []string{"resource_class"})

	// ClaimDecisions tracks the outcome of each claim attempt.
	ClaimDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecoder_claim_decisions_total",
		Help: "Total number of subtask claim attempts by outcome",
	}, []string{"outcome"}) // claimed, empty, power_blocked, not_approved

	// SubtaskResults tracks terminal subtask results.
	SubtaskResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecoder_subtask_results_total",
		Help: "Total number of subtask results by outcome",
	}, []string{"outcome"}) // completed, failed, requeued, stale

	// ReclaimedSubtasks tracks subtasks returned to the queue by the sweep.
	ReclaimedSubtasks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgecoder_reclaimed_subtasks_total",
		Help: "Subtasks reclaimed after their claim timed out",
	})

	// RouterDecisions tracks which tier served each routed request.
	RouterDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecoder_router_decisions_total",
		Help: "Total number of routing decisions by tier and outcome",
	}, []string{"tier", "outcome"}) // outcome: served, demoted, skipped

	// LocalInferenceLatency tracks local model round-trip time.
	LocalInferenceLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "edgecoder_local_inference_latency_seconds",
		Help:    "Latency of local model inference calls",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~200s
	})

	// LocalConcurrency tracks in-flight local inferences.
	LocalConcurrency = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgecoder_local_inference_concurrent",
		Help: "Current number of in-flight local inference calls",
	})

	// SandboxExecutions tracks executor runs by mode and outcome.
	SandboxExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecoder_sandbox_executions_total",
		Help: "Total number of sandboxed executions",
	}, []string{"mode", "outcome"}) // outcome: ok, failed, timeout

	// SandboxDuration tracks wall-clock execution time in the sandbox.
	SandboxDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "edgecoder_sandbox_duration_seconds",
		Help:    "Wall-clock duration of sandboxed executions",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~100s
	})

	// ValidatorRejections tracks subset-validator rejections by stage.
	ValidatorRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecoder_validator_rejections_total",
		Help: "Code samples rejected by the subset validator",
	}, []string{"language", "stage"}) // stage: denylist, ast, unsupported

	// EscalationOutcomes tracks escalation terminal states per backend.
	EscalationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecoder_escalation_outcomes_total",
		Help: "Escalation attempts by backend and outcome",
	}, []string{"backend", "outcome"}) // outcome: completed, declined, timeout, error

	// GossipMessages tracks mesh messages by type and disposition.
	GossipMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecoder_gossip_messages_total",
		Help: "Gossip messages processed by type and disposition",
	}, []string{"type", "disposition"}) // disposition: accepted, duplicate, rate_limited, bad_signature

	// GossipPeers tracks the current mesh peer count.
	GossipPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgecoder_gossip_peers",
		Help: "Current number of known mesh peers",
	})

	// RegisteredAgents tracks catalog size by approval status.
	RegisteredAgents = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edgecoder_registered_agents",
		Help: "Registered agents by approval status",
	}, []string{"status"})

	// LedgerAppends tracks ledger writes by event type.
	LedgerAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecoder_ledger_appends_total",
		Help: "Ordering ledger appends by event type",
	}, []string{"event_type"})

	// LedgerHeadSeq tracks the current chain head sequence number.
	LedgerHeadSeq = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgecoder_ledger_head_seq",
		Help: "Sequence number of the most recent ledger record",
	})

	// CreditTransactions tracks BLE credit sync results.
	CreditTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecoder_credit_transactions_total",
		Help: "BLE credit transactions processed during sync",
	}, []string{"disposition"}) // applied, duplicate, rejected

	// EventPublishFailures tracks failed event publishes (best effort).
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecoder_event_publish_failures_total",
		Help: "Failed event publish attempts (non-blocking, best effort)",
	}, []string{"channel"})
)
