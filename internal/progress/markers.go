package progress

import (
	"fmt"
	"regexp"

	"github.com/harrison/autobuild/internal/config"
)

// CompileMarkers converts configured markers into table entries.
func CompileMarkers(cfgs []config.MarkerConfig) ([]Marker, error) {
	markers := make([]Marker, 0, len(cfgs))
	for i, c := range cfgs {
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return nil, fmt.Errorf("marker %d: %w", i, err)
		}
		phase, err := ParsePhase(c.Phase)
		if err != nil {
			return nil, fmt.Errorf("marker %d: %w", i, err)
		}
		scope := ScopeAny
		switch c.Run {
		case "spec":
			scope = ScopeSpec
		case "build":
			scope = ScopeBuild
		case "":
		default:
			return nil, fmt.Errorf("marker %d: unknown run scope %q", i, c.Run)
		}
		if c.SubtaskGroup < 0 || c.SubtaskGroup > re.NumSubexp() {
			return nil, fmt.Errorf("marker %d: subtask_group %d out of range", i, c.SubtaskGroup)
		}
		markers = append(markers, Marker{Pattern: re, Phase: phase, Scope: scope, SubtaskGroup: c.SubtaskGroup})
	}
	return markers, nil
}

// TableFromConfig returns DefaultPatternTable extended with configured markers.
func TableFromConfig(cfg config.ProgressConfig) (*PatternTable, error) {
	if len(cfg.Markers) == 0 {
		return DefaultPatternTable, nil
	}
	extra, err := CompileMarkers(cfg.Markers)
	if err != nil {
		return nil, err
	}
	return DefaultPatternTable.With(extra...), nil
}

// SettingsFromConfig extracts the phase progress constants.
func SettingsFromConfig(cfg config.ProgressConfig) Settings {
	return Settings{Floor: cfg.PhaseFloor, Step: cfg.PhaseStep, Cap: cfg.PhaseCap}.normalized()
}
