// Package plan reads and writes implementation_plan.json, the document the
// agent and this engine share per spec directory. Fields this package does
// not know about are preserved on every write.
package plan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/harrison/autobuild/internal/filelock"
	"github.com/harrison/autobuild/internal/models"
)

// FileName is the plan document inside a spec directory.
const FileName = "implementation_plan.json"

// isoFormat matches JavaScript's Date.toISOString, which the agent writes.
const isoFormat = "2006-01-02T15:04:05.000Z07:00"

// ErrNotFound is returned by Load when no plan exists.
var ErrNotFound = errors.New("implementation plan not found")

// Plan is a parsed plan document. Known fields are read through accessors;
// the raw object is written back as-is apart from the fields changed here.
type Plan struct {
	raw map[string]interface{}
}

// New creates the basic plan written when a status changes before the agent
// produced one.
func New(feature, description string, createdAt time.Time) *Plan {
	p := &Plan{raw: map[string]interface{}{
		"feature":     feature,
		"description": description,
		"phases":      []interface{}{},
	}}
	if !createdAt.IsZero() {
		p.raw["created_at"] = formatTime(createdAt)
	}
	return p
}

// Parse decodes a plan document. Numbers keep their original text.
func Parse(data []byte) (*Plan, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse implementation plan: %w", err)
	}
	if raw == nil {
		raw = make(map[string]interface{})
	}
	return &Plan{raw: raw}, nil
}

// Marshal encodes the plan with two-space indentation.
func (p *Plan) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(p.raw, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode implementation plan: %w", err)
	}
	return append(data, '\n'), nil
}

// Get returns a top-level field.
func (p *Plan) Get(key string) (interface{}, bool) {
	v, ok := p.raw[key]
	return v, ok
}

func (p *Plan) str(key string) string {
	s, _ := p.raw[key].(string)
	return s
}

// Feature is the plan's title.
func (p *Plan) Feature() string {
	if f := p.str("feature"); f != "" {
		return f
	}
	return p.str("title")
}

// Description is the plan's free-form description.
func (p *Plan) Description() string {
	return p.str("description")
}

// Status is the board status stored in the plan, empty when absent or unknown.
func (p *Plan) Status() models.TaskStatus {
	s, err := models.ParseTaskStatus(p.str("status"))
	if err != nil {
		return ""
	}
	return s
}

// PlanStatus is the mapped status field read by the agent.
func (p *Plan) PlanStatus() string {
	return p.str("planStatus")
}

// CreatedAt parses created_at; zero when absent or malformed.
func (p *Plan) CreatedAt() time.Time {
	return parseTime(p.str("created_at"))
}

// UpdatedAt parses updated_at; zero when absent or malformed.
func (p *Plan) UpdatedAt() time.Time {
	return parseTime(p.str("updated_at"))
}

// RecoveryNote returns the note left by the last recovery.
func (p *Plan) RecoveryNote() string {
	return p.str("recoveryNote")
}

// SetStatus stores status, its mapped planStatus, and updated_at.
func (p *Plan) SetStatus(status models.TaskStatus, now time.Time) {
	p.raw["status"] = string(status)
	p.raw["planStatus"] = MapPlanStatus(status)
	p.Touch(now)
}

// Touch sets updated_at.
func (p *Plan) Touch(now time.Time) {
	p.raw["updated_at"] = formatTime(now)
}

// SetRecoveryNote records when the plan was recovered.
func (p *Plan) SetRecoveryNote(now time.Time) {
	p.raw["recoveryNote"] = "Task recovered from stuck state at " + formatTime(now)
}

// subtaskObjects returns every phases[].subtasks[] object in order. Entries
// that are not objects are skipped.
func (p *Plan) subtaskObjects() []map[string]interface{} {
	phases, _ := p.raw["phases"].([]interface{})
	var out []map[string]interface{}
	for _, ph := range phases {
		phase, ok := ph.(map[string]interface{})
		if !ok {
			continue
		}
		subtasks, _ := phase["subtasks"].([]interface{})
		for _, st := range subtasks {
			if obj, ok := st.(map[string]interface{}); ok {
				out = append(out, obj)
			}
		}
	}
	return out
}

// Subtasks flattens every phase's subtasks in plan order.
func (p *Plan) Subtasks() []models.Subtask {
	objs := p.subtaskObjects()
	out := make([]models.Subtask, 0, len(objs))
	for _, obj := range objs {
		st := models.Subtask{Status: models.SubtaskPending}
		st.ID, _ = obj["id"].(string)
		st.Description, _ = obj["description"].(string)
		if s, ok := obj["status"].(string); ok && s != "" {
			st.Status = models.SubtaskStatus(s)
		}
		out = append(out, st)
	}
	return out
}

// ResetInterrupted moves in_progress and failed subtasks back to pending and
// clears their execution artifacts. Completed subtasks are untouched. It
// returns the number of subtasks reset.
func (p *Plan) ResetInterrupted() int {
	n := 0
	for _, obj := range p.subtaskObjects() {
		status, _ := obj["status"].(string)
		switch models.SubtaskStatus(status) {
		case models.SubtaskInProgress, models.SubtaskFailed:
			obj["status"] = string(models.SubtaskPending)
			delete(obj, "actual_output")
			delete(obj, "started_at")
			delete(obj, "completed_at")
			n++
		}
	}
	return n
}

// MapPlanStatus translates a board status into the planStatus vocabulary.
func MapPlanStatus(status models.TaskStatus) string {
	switch status {
	case models.StatusInProgress:
		return "in_progress"
	case models.StatusAIReview, models.StatusHumanReview:
		return "review"
	case models.StatusDone:
		return "completed"
	default:
		return "pending"
	}
}

// RecoveryTarget infers where a stuck task should go: human_review when every
// subtask is completed, in_progress when some are, backlog otherwise.
func RecoveryTarget(subtasks []models.Subtask) models.TaskStatus {
	if len(subtasks) == 0 {
		return models.StatusBacklog
	}
	completed := 0
	for _, st := range subtasks {
		if st.Status == models.SubtaskCompleted {
			completed++
		}
	}
	switch {
	case completed == len(subtasks):
		return models.StatusHumanReview
	case completed > 0:
		return models.StatusInProgress
	default:
		return models.StatusBacklog
	}
}

// Load reads the plan at path. A missing file yields ErrNotFound.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read implementation plan: %w", err)
	}
	return Parse(data)
}

// UpdateFunc receives the current plan, nil when none exists, and returns the
// plan to write. Returning a nil plan leaves the file untouched.
type UpdateFunc func(p *Plan) (*Plan, error)

// Update performs a locked read-modify-write of the plan at path.
func Update(path string, fn UpdateFunc) error {
	return filelock.LockAndUpdate(path, 0644, func(current []byte) ([]byte, error) {
		var p *Plan
		if len(bytes.TrimSpace(current)) > 0 {
			parsed, err := Parse(current)
			if err != nil {
				return nil, err
			}
			p = parsed
		}
		next, err := fn(p)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, filelock.ErrSkipWrite
		}
		return next.Marshal()
	})
}

func formatTime(t time.Time) string {
	return t.UTC().Format(isoFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
