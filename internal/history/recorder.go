package history

import (
	"context"
	"sync"
	"time"

	"github.com/harrison/autobuild/internal/events"
	"github.com/harrison/autobuild/internal/logger"
	"github.com/harrison/autobuild/internal/models"
)

// Recorder feeds engine events into the ledger. Subscribe its Handle method
// to an events.Bus.
type Recorder struct {
	store *Store
	log   logger.Logger
	now   func() time.Time

	mu   sync.Mutex
	seen map[string]string // open run id -> task id
}

// NewRecorder creates a Recorder writing to store.
func NewRecorder(store *Store, log logger.Logger) *Recorder {
	return &Recorder{
		store: store,
		log:   log,
		now:   time.Now,
		seen:  make(map[string]string),
	}
}

// Handle records one event. Ledger errors are logged and never reach the
// emitter.
func (r *Recorder) Handle(e events.Event) {
	ctx := context.Background()
	at := e.Time
	if at.IsZero() {
		at = r.now()
	}

	if e.Kind == events.KindStatusChange {
		if e.Status != models.StatusInProgress {
			r.forgetTask(e.TaskID)
			r.check(r.store.CloseOpen(ctx, e.TaskID, at))
		}
		return
	}
	if e.RunID == "" {
		return
	}

	r.mu.Lock()
	_, open := r.seen[e.RunID]
	first := !open
	r.seen[e.RunID] = e.TaskID
	r.mu.Unlock()
	if first {
		r.check(r.store.RecordStart(ctx, Run{
			RunID:     e.RunID,
			TaskID:    e.TaskID,
			SpawnID:   e.SpawnID,
			RunKind:   e.RunKind,
			StartedAt: at,
		}))
	}

	switch e.Kind {
	case events.KindRateLimit:
		if e.RateLimit != nil {
			r.check(r.store.SetMessage(ctx, e.RunID, OutcomeRateLimited, e.RateLimit.Message))
		}
	case events.KindAuthFailure:
		if e.AuthFailure != nil {
			r.check(r.store.SetMessage(ctx, e.RunID, OutcomeAuthFailed, e.AuthFailure.Message))
		}
	case events.KindError:
		r.check(r.store.SetMessage(ctx, e.RunID, "", e.Text))
	case events.KindExit:
		r.check(r.store.RecordExit(ctx, e.RunID, e.ExitCode, at))
		r.mu.Lock()
		delete(r.seen, e.RunID)
		r.mu.Unlock()
	}
}

func (r *Recorder) forgetTask(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for runID, t := range r.seen {
		if t == taskID {
			delete(r.seen, runID)
		}
	}
}

func (r *Recorder) check(err error) {
	if err != nil {
		logger.GracefulWarn(r.log, "history: %v", err)
	}
}
