package registry

import "github.com/edgecoder/edgecoder/pkg/models"

// Battery thresholds for the server-side power policy. The agent's declared
// power state is trusted for the current heartbeat window.
const (
	phoneBatteryFloor    = 20
	desktopBatteryFloor  = 15
	desktopSmallOnlyCeil = 40
)

// WorkPolicy is the verdict of the power policy for one pull.
type WorkPolicy struct {
	// Allowed is false when the agent must receive no work at all.
	Allowed bool
	// SmallOnly restricts the agent to small subtasks.
	SmallOnly bool
	// Reason names the restriction when Allowed is false or SmallOnly set.
	Reason string
}

// EvaluatePowerPolicy derives the work policy from an agent's device type and
// latest reported power state. Thermal-critical devices and phones in
// low-power mode get nothing; desktops on battery taper by charge level; AC
// power is unrestricted.
func EvaluatePowerPolicy(device models.DeviceType, power models.PowerState) WorkPolicy {
	if power.Thermal == models.ThermalCritical {
		return WorkPolicy{Reason: "thermal_critical"}
	}

	if device == models.DevicePhone {
		if power.LowPowerMode {
			return WorkPolicy{Reason: "low_power_mode"}
		}
		if !power.OnAC && power.BatteryPct < phoneBatteryFloor {
			return WorkPolicy{Reason: "battery_low"}
		}
		return WorkPolicy{Allowed: true}
	}

	if power.OnAC {
		return WorkPolicy{Allowed: true}
	}
	if power.BatteryPct < desktopBatteryFloor {
		return WorkPolicy{Reason: "battery_low"}
	}
	if power.BatteryPct <= desktopSmallOnlyCeil {
		return WorkPolicy{Allowed: true, SmallOnly: true, Reason: "battery_limited"}
	}
	return WorkPolicy{Allowed: true}
}
