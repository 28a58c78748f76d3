package impact

import (
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/models"
)

// profile is the static characterisation of an action type.
type profile struct {
	baseRisk     float64
	baseDuration time.Duration
	restarts     bool

	// restartDowntime is how long a restarted service is offline.
	restartDowntime time.Duration
	modifiesData    bool
	reversible      bool
	configOnly      bool
	records         int
	disruption      models.ImpactTier

	// userShare is the fraction of a target's active users affected.
	userShare   float64
	cpu         models.ImpactTier
	memory      models.ImpactTier
	disk        models.ImpactTier
	network     models.ImpactTier
	degradation float64
	auth        bool
	authz       bool
	audit       bool
	encryption  bool
}

var profiles = map[string]profile{
	"restart_service": {
		baseRisk: 55, baseDuration: 45 * time.Second,
		restarts: true, restartDowntime: 30 * time.Second,
		reversible: true, disruption: models.ImpactHigh, userShare: 1,
		cpu: models.ImpactMedium, memory: models.ImpactMedium, disk: models.ImpactLow, network: models.ImpactLow,
		degradation: 20,
	},
	"update_configuration": {
		baseRisk: 35, baseDuration: 15 * time.Second,
		modifiesData: true, reversible: true, configOnly: true,
		disruption: models.ImpactLow, userShare: 0.1,
		cpu: models.ImpactLow, memory: models.ImpactNone, disk: models.ImpactNone, network: models.ImpactNone,
		degradation: 5,
	},
	"clear_cache": {
		baseRisk: 20, baseDuration: 10 * time.Second,
		reversible: true, configOnly: true,
		disruption: models.ImpactLow, userShare: 0.3,
		cpu: models.ImpactMedium, memory: models.ImpactLow, disk: models.ImpactNone, network: models.ImpactMedium,
		degradation: 15,
	},
	"database_maintenance": {
		baseRisk: 70, baseDuration: 10 * time.Minute,
		modifiesData: true, reversible: true, records: 5000,
		disruption: models.ImpactMedium, userShare: 0.5,
		cpu: models.ImpactHigh, memory: models.ImpactMedium, disk: models.ImpactHigh, network: models.ImpactLow,
		degradation: 40,
	},
	"apply_patch": {
		baseRisk: 75, baseDuration: 5 * time.Minute,
		restarts: true, restartDowntime: 2 * time.Minute,
		modifiesData: true, reversible: false,
		disruption: models.ImpactHigh, userShare: 1,
		cpu: models.ImpactMedium, memory: models.ImpactMedium, disk: models.ImpactMedium, network: models.ImpactMedium,
		degradation: 30, encryption: true,
	},
	"modify_permissions": {
		baseRisk: 60, baseDuration: 20 * time.Second,
		modifiesData: true, reversible: true, configOnly: true, records: 50,
		disruption: models.ImpactMedium, userShare: 0.2,
		cpu: models.ImpactNone, memory: models.ImpactNone, disk: models.ImpactNone, network: models.ImpactNone,
		degradation: 0, authz: true, audit: true,
	},
	"cleanup_files": {
		baseRisk: 40, baseDuration: 2 * time.Minute,
		modifiesData: true, reversible: false, records: 200,
		disruption: models.ImpactNone,
		cpu: models.ImpactLow, memory: models.ImpactNone, disk: models.ImpactHigh, network: models.ImpactNone,
		degradation: 10,
	},
	"rotate_credentials": {
		baseRisk: 65, baseDuration: time.Minute,
		modifiesData: true, reversible: true,
		disruption: models.ImpactHigh, userShare: 1,
		cpu: models.ImpactLow, memory: models.ImpactNone, disk: models.ImpactNone, network: models.ImpactLow,
		degradation: 5, auth: true, audit: true, encryption: true,
	},
}

var defaultProfile = profile{
	baseRisk: 50, baseDuration: time.Minute,
	modifiesData: true, reversible: true,
	disruption: models.ImpactMedium, userShare: 0.5,
	cpu: models.ImpactLow, memory: models.ImpactLow, disk: models.ImpactLow, network: models.ImpactLow,
	degradation: 10,
}

// lookupProfile resolves an action to its profile by ID, then by name.
func lookupProfile(action models.RemediationAction) (profile, bool) {
	if p, ok := profiles[action.ID]; ok {
		return p, true
	}
	if p, ok := profiles[action.Name]; ok {
		return p, true
	}
	return defaultProfile, false
}

// KnownActions returns the action types with a built-in profile.
func KnownActions() []string {
	out := make([]string, 0, len(profiles))
	for k := range profiles {
		out = append(out, k)
	}
	return out
}
