package logger

import (
	"strings"
	"sync"
	"time"

	"github.com/harrison/autobuild/internal/events"
)

// EventLogger writes engine events to a console and, optionally, a file logger.
type EventLogger struct {
	console *ConsoleLogger
	file    *FileLogger
	// Verbose echoes raw agent output to the console at DEBUG level.
	Verbose bool

	mu      sync.Mutex
	started map[uint64]time.Time // spawn id -> first event time
}

// NewEventLogger creates an EventLogger. Either destination may be nil.
func NewEventLogger(console *ConsoleLogger, file *FileLogger) *EventLogger {
	return &EventLogger{console: console, file: file, started: make(map[uint64]time.Time)}
}

// Attach subscribes the logger to bus and returns the unsubscribe function.
func (el *EventLogger) Attach(bus *events.Bus) func() {
	return bus.Subscribe(el.Handle)
}

// Handle logs a single event.
func (el *EventLogger) Handle(e events.Event) {
	if e.SpawnID != 0 && e.Kind != events.KindExit {
		el.mu.Lock()
		if _, ok := el.started[e.SpawnID]; !ok {
			el.started[e.SpawnID] = e.Time
		}
		el.mu.Unlock()
	}

	switch e.Kind {
	case events.KindLog:
		if el.file != nil {
			_ = el.file.AppendTaskOutput(e.TaskID, e.Text)
		}
		if el.Verbose && el.console != nil {
			for _, line := range strings.Split(strings.TrimRight(e.Text, "\n"), "\n") {
				if line != "" {
					el.console.Debugf("%s | %s", e.TaskID, line)
				}
			}
		}

	case events.KindProgress:
		if e.Progress == nil {
			return
		}
		if el.console != nil {
			el.console.LogProgress(e.TaskID, *e.Progress)
		}
		el.debug("%s progress phase=%s phase_progress=%d overall=%d", e.TaskID, e.Progress.Phase, e.Progress.PhaseProgress, e.Progress.OverallProgress)

	case events.KindStatusChange:
		if el.console != nil {
			el.console.LogStatusChange(e.TaskID, e.Status)
		}
		if el.file != nil {
			el.file.Infof("%s status -> %s", e.TaskID, e.Status)
		}

	case events.KindError:
		el.errorf("%s: %s", e.TaskID, e.Text)

	case events.KindRateLimit:
		n := e.RateLimit
		if n == nil {
			return
		}
		if n.WasAutoSwapped && n.SwappedToProfile != nil {
			el.warnf("%s: rate limit on profile %q, switched to %q and restarting", e.TaskID, n.ProfileID, n.SwappedToProfile.Name)
			return
		}
		if !n.ResetAt.IsZero() {
			el.warnf("%s: rate limit on profile %q, resets at %s; manual action required", e.TaskID, n.ProfileID, n.ResetAt.Format("2006-01-02 15:04"))
			return
		}
		el.warnf("%s: rate limit on profile %q; manual action required", e.TaskID, n.ProfileID)

	case events.KindAuthFailure:
		if e.AuthFailure == nil {
			return
		}
		el.errorf("%s: authentication failed (%s): %s", e.TaskID, e.AuthFailure.FailureType, e.AuthFailure.Message)

	case events.KindExit:
		el.finished(e)
		if e.ExitCode == 0 {
			el.infof("%s %s run exited successfully", e.TaskID, e.RunKind)
		} else {
			el.warnf("%s %s run exited with code %d", e.TaskID, e.RunKind, e.ExitCode)
		}

	case events.KindPlanUpdated:
		el.debug("%s plan updated: %s", e.TaskID, e.Path)
	}
}

// finished writes the run summary line with the run's duration.
func (el *EventLogger) finished(e events.Event) {
	el.mu.Lock()
	start, ok := el.started[e.SpawnID]
	delete(el.started, e.SpawnID)
	el.mu.Unlock()
	if el.file == nil {
		return
	}
	var d time.Duration
	if ok && !e.Time.IsZero() {
		d = e.Time.Sub(start)
	}
	el.file.LogRunFinished(e.TaskID, string(e.RunKind), e.ExitCode, d)
}

func (el *EventLogger) debug(format string, args ...interface{}) {
	if el.file != nil {
		el.file.Debugf(format, args...)
	}
}

func (el *EventLogger) infof(format string, args ...interface{}) {
	el.each(func(l Logger) { l.Infof(format, args...) })
}

func (el *EventLogger) warnf(format string, args ...interface{}) {
	el.each(func(l Logger) { l.Warnf(format, args...) })
}

func (el *EventLogger) errorf(format string, args ...interface{}) {
	el.each(func(l Logger) { l.Errorf(format, args...) })
}

func (el *EventLogger) each(fn func(Logger)) {
	if el.console != nil {
		fn(el.console)
	}
	if el.file != nil {
		fn(el.file)
	}
}
