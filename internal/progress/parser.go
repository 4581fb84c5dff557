// Package progress infers run phase and progress from streamed agent output.
package progress

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/harrison/autobuild/internal/models"
)

// PhaseUpdate is a recognised transition (or re-confirmation) of a run phase.
type PhaseUpdate struct {
	Phase          models.Phase
	CurrentSubtask string
	Message        string
}

// RunScope restricts a marker to spec-creation runs, build runs or both.
type RunScope string

const (
	ScopeAny   RunScope = "any"
	ScopeSpec  RunScope = "spec"
	ScopeBuild RunScope = "build"
)

// Marker maps a line pattern to a phase.
type Marker struct {
	Pattern *regexp.Regexp
	Phase   models.Phase
	Scope   RunScope
	// SubtaskGroup is the capture group holding the subtask id; 0 for none.
	SubtaskGroup int
}

func (m Marker) applies(specRun bool) bool {
	switch m.Scope {
	case ScopeSpec:
		return specRun
	case ScopeBuild:
		return !specRun
	}
	return true
}

// structuredPrefix introduces a JSON phase event emitted by newer agents:
// __EXEC_PHASE__:{"phase":"coding","message":"...","subtask":"2.1"}
const structuredPrefix = "__EXEC_PHASE__:"

// maxMessageLen bounds the human message taken from a log line.
const maxMessageLen = 200

// PatternTable is the ordered marker list consulted for each line. The first
// matching marker wins for a line.
type PatternTable struct {
	markers []Marker
}

// NewPatternTable creates a table from markers, in priority order.
func NewPatternTable(markers ...Marker) *PatternTable {
	return &PatternTable{markers: markers}
}

// With returns a new table that consults extra markers before the existing ones.
func (pt *PatternTable) With(extra ...Marker) *PatternTable {
	markers := make([]Marker, 0, len(extra)+len(pt.markers))
	markers = append(markers, extra...)
	markers = append(markers, pt.markers...)
	return &PatternTable{markers: markers}
}

// Len returns the number of markers.
func (pt *PatternTable) Len() int {
	return len(pt.markers)
}

// DefaultPatternTable holds markers for the stock agent output.
var DefaultPatternTable = NewPatternTable(
	// Spec-creation pipeline
	Marker{Pattern: regexp.MustCompile(`(?i)\b(?:project discovery|analyzing project|discovery phase)\b`), Phase: models.PhaseDiscovery, Scope: ScopeSpec},
	Marker{Pattern: regexp.MustCompile(`(?i)\b(?:requirements gathering|gathering requirements|context discovery|gathering context)\b`), Phase: models.PhaseDiscovery, Scope: ScopeSpec},
	Marker{Pattern: regexp.MustCompile(`(?i)\b(?:writing spec|spec writer|spec critique|self-critique|creating spec)\b`), Phase: models.PhasePlanning, Scope: ScopeSpec},
	Marker{Pattern: regexp.MustCompile(`(?i)\b(?:spec created|spec creation complete|spec complete)\b`), Phase: models.PhaseComplete, Scope: ScopeSpec},

	// Build pipeline
	Marker{Pattern: regexp.MustCompile(`(?i)\bworking on subtask[:\s]+([\w.\-]+)`), Phase: models.PhaseCoding, Scope: ScopeBuild, SubtaskGroup: 1},
	Marker{Pattern: regexp.MustCompile(`(?i)\bsubtask[:\s]+([\w.\-]+)\s+(?:started|in progress)\b`), Phase: models.PhaseCoding, Scope: ScopeBuild, SubtaskGroup: 1},
	Marker{Pattern: regexp.MustCompile(`(?i)\b(?:planner agent|planner session|creating implementation plan|planning phase)\b`), Phase: models.PhasePlanning, Scope: ScopeBuild},
	Marker{Pattern: regexp.MustCompile(`(?i)\b(?:coder agent|coder session|coding phase|starting implementation)\b`), Phase: models.PhaseCoding, Scope: ScopeBuild},
	Marker{Pattern: regexp.MustCompile(`(?i)\b(?:qa fixer|fixing qa issues|qa fix session)\b`), Phase: models.PhaseQAFixing, Scope: ScopeBuild},
	Marker{Pattern: regexp.MustCompile(`(?i)\b(?:qa reviewer|qa review|qa validation|running qa)\b`), Phase: models.PhaseQAReview, Scope: ScopeBuild},
	Marker{Pattern: regexp.MustCompile(`(?i)\b(?:build complete|all subtasks completed|qa approved)\b`), Phase: models.PhaseComplete, Scope: ScopeBuild},
)

// ParseChunk scans text for phase markers using DefaultPatternTable.
func ParseChunk(text string, current models.Phase, specRun bool) (PhaseUpdate, bool) {
	return DefaultPatternTable.ParseChunk(text, current, specRun)
}

// ParseChunk returns the last valid transition found in text, starting from
// current. Unrecognised text yields false; it is never an error. Markers that
// would move the run to an earlier phase are ignored, except for moves
// between the two QA phases.
func (pt *PatternTable) ParseChunk(text string, current models.Phase, specRun bool) (PhaseUpdate, bool) {
	weights := BuildWeights
	if specRun {
		weights = SpecWeights
	}

	var (
		result PhaseUpdate
		found  bool
		phase  = current
	)

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line == "" {
			continue
		}

		update, ok := parseStructured(line)
		if !ok {
			update, ok = pt.matchLine(line, specRun)
		}
		if !ok || !allowed(weights, phase, update.Phase) {
			continue
		}

		if update.CurrentSubtask == "" && update.Phase == phase {
			update.CurrentSubtask = result.CurrentSubtask
		}
		result = update
		phase = update.Phase
		found = true
	}
	return result, found
}

func (pt *PatternTable) matchLine(line string, specRun bool) (PhaseUpdate, bool) {
	for _, m := range pt.markers {
		if !m.applies(specRun) {
			continue
		}
		sub := m.Pattern.FindStringSubmatch(line)
		if sub == nil {
			continue
		}
		u := PhaseUpdate{Phase: m.Phase, Message: truncate(line)}
		if m.SubtaskGroup > 0 && m.SubtaskGroup < len(sub) {
			u.CurrentSubtask = sub[m.SubtaskGroup]
		}
		return u, true
	}
	return PhaseUpdate{}, false
}

type structuredEvent struct {
	Phase   string `json:"phase"`
	Message string `json:"message"`
	Subtask string `json:"subtask"`
}

func parseStructured(line string) (PhaseUpdate, bool) {
	idx := strings.Index(line, structuredPrefix)
	if idx < 0 {
		return PhaseUpdate{}, false
	}
	var ev structuredEvent
	if err := json.Unmarshal([]byte(line[idx+len(structuredPrefix):]), &ev); err != nil {
		return PhaseUpdate{}, false
	}
	phase, err := ParsePhase(ev.Phase)
	if err != nil || phase == models.PhaseIdle || phase == models.PhaseFailed {
		return PhaseUpdate{}, false
	}
	return PhaseUpdate{Phase: phase, Message: truncate(ev.Message), CurrentSubtask: ev.Subtask}, true
}

// allowed rejects backwards moves. Phases outside the table are accepted only
// from idle.
func allowed(w WeightTable, from, to models.Phase) bool {
	if from == to {
		return true
	}
	if isQA(from) && isQA(to) {
		return true
	}
	toRank := w.rank(to)
	if toRank < 0 {
		return false
	}
	fromRank := w.rank(from)
	return fromRank < 0 || toRank > fromRank
}

func isQA(p models.Phase) bool {
	return p == models.PhaseQAReview || p == models.PhaseQAFixing
}

// ParsePhase converts a phase name, accepting "qa" as qa_review.
func ParsePhase(s string) (models.Phase, error) {
	switch p := models.Phase(strings.ToLower(strings.TrimSpace(s))); p {
	case models.PhaseIdle, models.PhaseDiscovery, models.PhasePlanning, models.PhaseCoding,
		models.PhaseQAReview, models.PhaseQAFixing, models.PhaseComplete, models.PhaseFailed:
		return p, nil
	case "qa":
		return models.PhaseQAReview, nil
	}
	return "", fmt.Errorf("unknown phase %q", s)
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxMessageLen {
		return s
	}
	return string(r[:maxMessageLen]) + "..."
}
