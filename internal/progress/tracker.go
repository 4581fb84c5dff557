package progress

import (
	"fmt"

	"github.com/harrison/autobuild/internal/models"
)

// Settings are the phase progress constants.
type Settings struct {
	Floor int // phase progress right after a phase change
	Step  int // increment per recognised marker within a phase
	Cap   int // upper bound before completion
}

// DefaultSettings mirrors the stock configuration.
var DefaultSettings = Settings{Floor: 10, Step: 5, Cap: 90}

func (s Settings) normalized() Settings {
	if s.Cap <= 0 || s.Cap > 99 {
		s.Cap = DefaultSettings.Cap
	}
	if s.Floor <= 0 || s.Floor > s.Cap {
		s.Floor = clamp(DefaultSettings.Floor, 1, s.Cap)
	}
	if s.Step <= 0 {
		s.Step = DefaultSettings.Step
	}
	return s
}

// Tracker keeps phase and progress state across the chunks of a single run.
// Overall progress never decreases. A Tracker is not safe for concurrent use;
// the process manager serialises access per spawn.
type Tracker struct {
	table    *PatternTable
	weights  WeightTable
	settings Settings
	kind     models.RunKind

	phase         models.Phase
	phaseProgress int
	overall       int
	subtask       string
	message       string
}

// NewTracker creates a Tracker for a run of the given kind. A nil table uses
// DefaultPatternTable.
func NewTracker(table *PatternTable, settings Settings, kind models.RunKind) *Tracker {
	if table == nil {
		table = DefaultPatternTable
	}
	return &Tracker{
		table:    table,
		weights:  WeightsFor(kind),
		settings: settings.normalized(),
		kind:     kind,
		phase:    models.PhaseIdle,
	}
}

// StartPhase is the phase a run of kind begins in.
func StartPhase(kind models.RunKind) models.Phase {
	if kind == models.RunQAProcess {
		return models.PhaseQAReview
	}
	return WeightsFor(kind).First()
}

// Start returns the initial progress: the first phase at 0%.
func (t *Tracker) Start() models.ExecutionProgress {
	t.phase = StartPhase(t.kind)
	t.phaseProgress = 0
	t.overall = 0
	switch t.kind {
	case models.RunSpecCreation:
		t.message = "Starting spec creation..."
	case models.RunQAProcess:
		t.message = "Starting QA review..."
	default:
		t.message = "Starting build process..."
	}
	return t.Current()
}

// Observe feeds a chunk of output. It returns the new progress and true when
// the chunk carried a recognised marker.
func (t *Tracker) Observe(text string) (models.ExecutionProgress, bool) {
	update, ok := t.table.ParseChunk(text, t.phase, t.kind.IsSpecCreation())
	if !ok {
		return t.Current(), false
	}

	if update.Phase != t.phase {
		t.phase = update.Phase
		t.phaseProgress = t.settings.Floor
	} else {
		t.phaseProgress = min(t.settings.Cap, t.phaseProgress+t.settings.Step)
	}
	if update.CurrentSubtask != "" {
		t.subtask = update.CurrentSubtask
	}
	if update.Message != "" {
		t.message = update.Message
	}

	t.raise(t.weights.Overall(t.phase, t.phaseProgress))
	return t.Current(), true
}

// Finish returns the terminal progress for an exit code. Success reports
// complete at 100%; failure keeps the last overall value.
func (t *Tracker) Finish(exitCode int) models.ExecutionProgress {
	if exitCode == 0 {
		t.phase = models.PhaseComplete
		t.phaseProgress = 100
		t.raise(100)
		t.message = "Process completed successfully"
		return t.Current()
	}

	t.raise(t.weights.Overall(t.phase, t.phaseProgress))
	t.phase = models.PhaseFailed
	t.phaseProgress = 100
	t.message = fmt.Sprintf("Process exited with code %d", exitCode)
	return t.Current()
}

// Fail returns the terminal progress for a process that could not start.
func (t *Tracker) Fail(errMsg string) models.ExecutionProgress {
	t.phase = models.PhaseFailed
	t.phaseProgress = 0
	t.message = "Error: " + errMsg
	return t.Current()
}

// Current returns the latest progress snapshot.
func (t *Tracker) Current() models.ExecutionProgress {
	return models.ExecutionProgress{
		Phase:           t.phase,
		PhaseProgress:   t.phaseProgress,
		OverallProgress: t.overall,
		CurrentSubtask:  t.subtask,
		Message:         t.message,
	}
}

// Phase returns the current phase.
func (t *Tracker) Phase() models.Phase {
	return t.phase
}

func (t *Tracker) raise(overall int) {
	if overall > t.overall {
		t.overall = overall
	}
}
