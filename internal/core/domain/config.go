package domain

// Settings are the workspace-level preferences persisted next to the cache.
type Settings struct {
	// ArtifactExt is the extension of structure files produced by the engine.
	ArtifactExt string `json:"artifact_ext"`
	// Limits holds the default resource limits per stage kind.
	Limits map[StageKind]ResourceLimits `json:"limits"`
	// Scheduler names the scheduler adapter ("sge", "docker", "local").
	Scheduler string `json:"scheduler"`
}

// DefaultSettings returns safe defaults
func DefaultSettings() *Settings {
	return &Settings{
		ArtifactExt: ".pdb.gz",
		Limits: map[StageKind]ResourceLimits{
			StageKindBuild:    DefaultResourceLimits(StageKindBuild),
			StageKindDesign:   DefaultResourceLimits(StageKindDesign),
			StageKindValidate: DefaultResourceLimits(StageKindValidate),
		},
		Scheduler: "sge",
	}
}

// LimitsFor returns the configured limits for a stage kind.
func (s *Settings) LimitsFor(kind StageKind) ResourceLimits {
	if l, ok := s.Limits[kind]; ok {
		return l
	}
	return DefaultResourceLimits(kind)
}
