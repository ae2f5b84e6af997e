package manifest

// =============================================================================
// Inheritance
// =============================================================================

// Resolve computes an instance's effective configuration.
// Each field takes the instance value when declared, otherwise the unit
// default, otherwise stays absent. Lists and the health descriptor are
// replaced as a whole, never merged.
//
// Example:
//
//	unit.Defaults.Environment = []string{"X=0", "Y=2"}
//	inst.Overrides.Environment = []string{"X=1"}
//	Resolve(unit, inst).Environment // []string{"X=1"}
func Resolve(unit Unit, inst Instance) Effective {
	o, d := inst.Overrides, unit.Defaults
	return Effective{
		NetworkMode: firstString(o.NetworkMode, d.NetworkMode),
		Restart:     firstString(o.Restart, d.Restart),
		EnvFiles:    firstList(o.EnvFiles, d.EnvFiles),
		Environment: firstList(o.Environment, d.Environment),
		Volumes:     firstList(o.Volumes, d.Volumes),
		MemLimit:    firstString(o.MemLimit, d.MemLimit),
		Health:      firstHealth(o.Health, d.Health),
		Command:     inst.Command,
	}
}

func firstString(instance, unit string) string {
	if instance != "" {
		return instance
	}
	return unit
}

func firstList(instance, unit []string) []string {
	if len(instance) > 0 {
		return instance
	}
	return unit
}

func firstHealth(instance, unit HealthCheck) HealthCheck {
	if instance != nil {
		return instance
	}
	return unit
}
