package progress

import "github.com/harrison/autobuild/internal/models"

// PhaseWeight is one slice of the overall progress bar.
type PhaseWeight struct {
	Phase  models.Phase
	Weight int
}

// WeightTable maps phases onto overall progress. Weights are laid out in run
// order and must sum to 100, so the last phase at 100% is exactly 100 overall.
type WeightTable []PhaseWeight

// BuildWeights covers planning, implementation and the QA loop.
var BuildWeights = WeightTable{
	{models.PhasePlanning, 20},
	{models.PhaseCoding, 50},
	{models.PhaseQAReview, 15},
	{models.PhaseQAFixing, 10},
	{models.PhaseComplete, 5},
}

// SpecWeights covers the lighter spec-creation pipeline.
var SpecWeights = WeightTable{
	{models.PhaseDiscovery, 30},
	{models.PhasePlanning, 60},
	{models.PhaseComplete, 10},
}

// WeightsFor returns the table used for a run kind.
func WeightsFor(kind models.RunKind) WeightTable {
	if kind.IsSpecCreation() {
		return SpecWeights
	}
	return BuildWeights
}

// Total returns the sum of all weights.
func (w WeightTable) Total() int {
	total := 0
	for _, pw := range w {
		total += pw.Weight
	}
	return total
}

// rank returns the position of phase in the table, or -1.
func (w WeightTable) rank(phase models.Phase) int {
	for i, pw := range w {
		if pw.Phase == phase {
			return i
		}
	}
	return -1
}

// First returns the phase a run starts in.
func (w WeightTable) First() models.Phase {
	if len(w) == 0 {
		return models.PhaseIdle
	}
	return w[0].Phase
}

// Overall maps (phase, phaseProgress) to overall progress. The terminal
// complete phase always maps to 100 at full phase progress. Phases that are
// not in the table (idle, failed) map to 0.
func (w WeightTable) Overall(phase models.Phase, phaseProgress int) int {
	phaseProgress = clamp(phaseProgress, 0, 100)

	start := 0
	for _, pw := range w {
		if pw.Phase == phase {
			return clamp(start+pw.Weight*phaseProgress/100, 0, 100)
		}
		start += pw.Weight
	}
	return 0
}

// OverallProgress maps through the table for the given run kind.
func OverallProgress(phase models.Phase, phaseProgress int, kind models.RunKind) int {
	return WeightsFor(kind).Overall(phase, phaseProgress)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
