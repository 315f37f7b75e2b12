package models

import "time"

// ApprovalStatus gates whether an agent may receive work. First registration
// lands in pending until a portal approval (or a matching approval token)
// flips it to approved. Blacklisted agents are refused everywhere.
type ApprovalStatus string

const (
	ApprovalPending     ApprovalStatus = "pending"
	ApprovalApproved    ApprovalStatus = "approved"
	ApprovalBlacklisted ApprovalStatus = "blacklisted"
)

// DeviceType classifies the hardware an agent runs on. Phones get a battery
// term in the BLE cost function; desktops get the 15/40% battery policy.
type DeviceType string

const (
	DevicePhone       DeviceType = "phone"
	DeviceLaptop      DeviceType = "laptop"
	DeviceWorkstation DeviceType = "workstation"
)

// ThermalState is the device thermal pressure reported on heartbeat.
type ThermalState string

const (
	ThermalNominal  ThermalState = "nominal"
	ThermalFair     ThermalState = "fair"
	ThermalSerious  ThermalState = "serious"
	ThermalCritical ThermalState = "critical"
)

// Capabilities describes what an agent can run, refreshed on registration
// and heartbeat.
type Capabilities struct {
	ActiveModel          string        `json:"active_model"`
	ActiveModelParamSize float64       `json:"active_model_param_size_b"`
	MemoryMB             int           `json:"memory_mb"`
	DeviceType           DeviceType    `json:"device_type"`
	Languages            []Language    `json:"languages"`
	ResourceClass        ResourceClass `json:"resource_class"`
	ConcurrencyCap       int           `json:"concurrency_cap"`
}

// PowerState is the agent's self-reported power situation. The coordinator
// trusts it for the current heartbeat window and enforces policy on pull.
type PowerState struct {
	OnAC         bool         `json:"on_ac"`
	BatteryPct   int          `json:"battery_pct"`
	Thermal      ThermalState `json:"thermal"`
	LowPowerMode bool         `json:"low_power_mode"`
}

// Agent is a worker identity in the coordinator's catalog.
type Agent struct {
	AgentID        string         `json:"agent_id"`
	AccountID      string         `json:"account_id,omitempty"`
	PublicKey      string         `json:"public_key"` // base64 Ed25519
	Capabilities   Capabilities   `json:"capabilities"`
	CurrentLoad    int            `json:"current_load"`
	LastHeartbeat  time.Time      `json:"last_heartbeat"`
	PowerState     PowerState     `json:"power_state"`
	ApprovalStatus ApprovalStatus `json:"approval_status"`
	Reliability    float64        `json:"reliability"`
	RegisteredAt   time.Time      `json:"registered_at"`
}

// HeartbeatStale reports whether the agent has missed enough heartbeats to be
// considered gone for aggregation and work-offer purposes.
func (a *Agent) HeartbeatStale(now time.Time, staleAfter time.Duration) bool {
	return now.Sub(a.LastHeartbeat) > staleAfter
}

// ModelAvailability is one row of the /models/available aggregation.
type ModelAvailability struct {
	Model      string  `json:"model"`
	ParamSize  float64 `json:"param_size_b"`
	AgentCount int     `json:"agent_count"`
	AvgLoad    float64 `json:"avg_load"`
}
