package models

// Phase is a coarse stage of an agent run.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseDiscovery Phase = "discovery"
	PhasePlanning  Phase = "planning"
	PhaseCoding    Phase = "coding"
	PhaseQAReview  Phase = "qa_review"
	PhaseQAFixing  Phase = "qa_fixing"
	PhaseComplete  Phase = "complete"
	PhaseFailed    Phase = "failed"
)

// IsTerminal reports whether the phase ends a run.
func (p Phase) IsTerminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// RunKind distinguishes the flavours of agent process the engine spawns.
type RunKind string

const (
	RunSpecCreation  RunKind = "spec-creation"
	RunTaskExecution RunKind = "task-execution"
	RunQAProcess     RunKind = "qa-process"
)

// IsSpecCreation reports whether progress should use the spec-creation tables.
func (k RunKind) IsSpecCreation() bool {
	return k == RunSpecCreation
}

// ExecutionProgress is the transient progress value re-emitted per log chunk.
type ExecutionProgress struct {
	Phase           Phase  `json:"phase"`
	PhaseProgress   int    `json:"phaseProgress"`
	OverallProgress int    `json:"overallProgress"`
	CurrentSubtask  string `json:"currentSubtask,omitempty"`
	Message         string `json:"message,omitempty"`
}
