package orchestrator

import (
	"github.com/af-corp/aegis-orchestrator/internal/quota"
	"github.com/af-corp/aegis-orchestrator/internal/router"
)

// RegistryLimits resolves quota limits from the registry's model profiles.
func RegistryLimits(reg *router.Registry) quota.LimitsFunc {
	return func(provider, model string) (quota.Limits, bool) {
		m, err := reg.GetModel(provider, model)
		if err != nil {
			return quota.Limits{}, false
		}
		return quota.Limits{RPM: m.Limits.RPM, TPM: m.Limits.TPM, RPD: m.Limits.RPD}, true
	}
}
