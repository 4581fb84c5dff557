// Package failover reacts to rate-limited runs by switching to another
// credential profile and restarting the task, or by asking for manual action
// when no switch is possible.
package failover

import (
	"fmt"
	"sync"

	"github.com/harrison/autobuild/internal/events"
	"github.com/harrison/autobuild/internal/logger"
	"github.com/harrison/autobuild/internal/models"
	"github.com/harrison/autobuild/internal/profile"
)

// SwapReasonReactive marks swaps triggered by a detected rate limit.
const SwapReasonReactive = "reactive"

// Restarter re-dispatches a task from its persisted state. Generation is
// taken when the rate limit is handled; Restart drops the dispatch when the
// task's lifecycle moved on in the meantime.
type Restarter interface {
	Generation(taskID string) uint64
	Restart(taskID string, gen uint64) error
}

// Outcome describes what HandleRateLimit decided.
type Outcome struct {
	Swapped bool
	From    string             // exhausted profile id
	To      *models.ProfileRef // set when Swapped
	Notice  models.RateLimitNotice
}

// Coordinator implements the rate-limit path of the process manager.
type Coordinator struct {
	profiles profile.Store
	sink     events.Sink
	logger   logger.Logger

	mu        sync.Mutex
	restarter Restarter
}

// NewCoordinator creates a Coordinator. The restarter is attached later,
// once the lifecycle controller exists.
func NewCoordinator(profiles profile.Store, sink events.Sink, log logger.Logger) *Coordinator {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Coordinator{profiles: profiles, sink: sink, logger: log}
}

// SetRestarter attaches the component that restarts swapped tasks.
func (c *Coordinator) SetRestarter(r Restarter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restarter = r
}

// Decide records the exhausted profile, switches to the best available one
// when auto-switch is on, and emits exactly one rate-limit notification.
func (c *Coordinator) Decide(o events.Origin, cls models.FailureClassification) Outcome {
	from := cls.ProfileID
	if from == "" {
		if active, err := c.profiles.ActiveProfile(); err == nil {
			from = active.ID
		}
	}

	notice := models.NewRateLimitNotice(o.TaskID, o.RunKind, cls)
	notice.ProfileID = from

	if notice.ResetAt.IsZero() {
		c.logger.Debugf("Rate limit on profile %s carries no reset time", from)
	} else if err := c.profiles.MarkRateLimited(from, notice.ResetAt); err != nil {
		c.logger.Warnf("Failed to record rate limit for profile %s: %v", from, err)
	}

	out := Outcome{From: from}
	if to, ok := c.swap(from); ok {
		out.Swapped = true
		out.To = to
		notice.WasAutoSwapped = true
		notice.SwappedToProfile = to
		notice.SwapReason = SwapReasonReactive
		c.logger.Infof("Task %s: switched from profile %s to %s after rate limit", o.TaskID, from, to.ID)
	}

	out.Notice = notice
	c.sink.RateLimitDetected(o, notice)
	return out
}

func (c *Coordinator) swap(from string) (*models.ProfileRef, bool) {
	if !c.profiles.AutoSwitchSettings().Active() {
		return nil, false
	}

	best, err := c.profiles.BestAvailableProfile(from)
	if err != nil {
		c.logger.Warnf("Failed to select a fallback profile: %v", err)
		return nil, false
	}
	if best == nil {
		c.logger.Warnf("No alternative profile available; manual action required")
		return nil, false
	}

	if err := c.profiles.SetActiveProfile(best.ID); err != nil {
		c.logger.Warnf("Failed to activate profile %s: %v", best.ID, err)
		return nil, false
	}
	return &models.ProfileRef{ID: best.ID, Name: best.Name}, true
}

// HandleRateLimit decides and, after a swap, returns the restart of the task.
func (c *Coordinator) HandleRateLimit(o events.Origin, cls models.FailureClassification) func() {
	if !c.Decide(o, cls).Swapped {
		return nil
	}

	c.mu.Lock()
	r := c.restarter
	c.mu.Unlock()
	if r == nil {
		c.logger.Warnf("Task %s switched profiles but no restarter is attached", o.TaskID)
		return nil
	}

	gen := r.Generation(o.TaskID)
	return func() {
		if err := r.Restart(o.TaskID, gen); err != nil {
			c.sink.Error(o, fmt.Sprintf("Failed to restart after profile switch: %v", err))
		}
	}
}
