// Package events carries engine notifications from the process manager and
// lifecycle controller to any number of independent subscribers.
package events

import (
	"time"

	"github.com/harrison/autobuild/internal/models"
)

// Kind tags the variant of an Event.
type Kind string

const (
	KindLog          Kind = "log"
	KindProgress     Kind = "execution-progress"
	KindStatusChange Kind = "status-change"
	KindError        Kind = "error"
	KindRateLimit    Kind = "rate-limit"
	KindAuthFailure  Kind = "auth-failure"
	KindExit         Kind = "exit"
	KindPlanUpdated  Kind = "plan-updated"
)

// Event is a tagged union; only the fields relevant to Kind are set.
type Event struct {
	Kind    Kind
	TaskID  string
	SpawnID uint64 // Zero for events not tied to a spawn
	RunID   string
	RunKind models.RunKind
	Time    time.Time

	Text        string // log chunk or error message
	Progress    *models.ExecutionProgress
	Status      models.TaskStatus
	ExitCode    int // -1 when the process ended without an exit code
	RateLimit   *models.RateLimitNotice
	AuthFailure *models.AuthFailureNotice
	Path        string // changed file for plan updates
}

// Origin identifies the spawn an event belongs to.
type Origin struct {
	TaskID  string
	SpawnID uint64
	RunID   string
	RunKind models.RunKind
}

// Sink receives engine notifications. Implementations must be safe for
// concurrent use; events for different tasks arrive from different goroutines.
type Sink interface {
	Log(o Origin, text string)
	ExecutionProgress(o Origin, p models.ExecutionProgress)
	StatusChange(taskID string, status models.TaskStatus)
	Error(o Origin, message string)
	RateLimitDetected(o Origin, notice models.RateLimitNotice)
	AuthFailure(o Origin, notice models.AuthFailureNotice)
	Exit(o Origin, exitCode int)
	PlanUpdated(taskID, path string)
}
