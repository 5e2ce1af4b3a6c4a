package modules

import (
	"cardpilot.io/notifier/internal/api/handlers"
)

// NewServerDeps builds base server deps then lets each module contribute explicit wiring.
func NewServerDeps(infra *Infrastructure, mods []Module) handlers.ServerDeps {
	deps := handlers.ServerDeps{
		Users:        infra.Store,
		Ledger:       infra.Ledger,
		Assigner:     infra.Assigner,
		Pools:        infra.Pools,
		HealthChecks: infra.HealthChecks(),
	}
	for _, mod := range mods {
		if mod == nil {
			continue
		}
		mod.ContributeServerDeps(&deps)
	}
	return deps
}
