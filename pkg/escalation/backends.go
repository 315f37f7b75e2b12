package escalation

import (
	"fmt"

	"github.com/edgecoder/edgecoder/pkg/config"
)

// BuildBackends assembles the waterfall in the configured order. Unknown
// backend names are rejected so a typo in ESCALATION_BACKEND_ORDER fails at
// startup instead of silently shortening the waterfall.
func BuildBackends(cfg config.EscalationConfig, meshToken string) ([]Backend, error) {
	order := cfg.BackendOrder
	if len(order) == 0 {
		order = []string{
			config.BackendParentCoordinator,
			config.BackendCloudInference,
			config.BackendHumanQueue,
		}
	}

	backends := make([]Backend, 0, len(order))
	for _, name := range order {
		switch name {
		case config.BackendParentCoordinator:
			backends = append(backends, NewParent(cfg.Parent, meshToken))
		case config.BackendCloudInference:
			backends = append(backends, NewCloud(cfg.Cloud))
		case config.BackendHumanQueue:
			backends = append(backends, NewHuman(cfg.Human))
		default:
			return nil, fmt.Errorf("unknown escalation backend %q", name)
		}
	}
	return backends, nil
}
