package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/autobuild/internal/events"
	"github.com/harrison/autobuild/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewStore_CreatesFileAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "runs.db")
	s, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, s.RecordStart(context.Background(), Run{RunID: "r1", TaskID: "t", RunKind: models.RunTaskExecution, StartedAt: t0}))
	require.NoError(t, s.Close())

	s, err = NewStore(path)
	require.NoError(t, err)
	defer s.Close()
	runs, err := s.ListRuns(context.Background(), "t", 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordStart(ctx, Run{RunID: "r1", TaskID: "t1", SpawnID: 3, RunKind: models.RunTaskExecution, StartedAt: t0}))
	require.NoError(t, s.RecordStart(ctx, Run{RunID: "r1", TaskID: "t1", SpawnID: 3, RunKind: models.RunTaskExecution, StartedAt: t0}), "duplicate start is a no-op")

	r, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRunning, r.Outcome)
	assert.Equal(t, uint64(3), r.SpawnID)
	assert.Nil(t, r.EndedAt)
	assert.Nil(t, r.ExitCode)

	require.NoError(t, s.RecordExit(ctx, "r1", 0, t0.Add(time.Minute)))
	r, err = s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, r.Outcome)
	require.NotNil(t, r.ExitCode)
	assert.Equal(t, 0, *r.ExitCode)
	assert.Equal(t, time.Minute, r.Duration(time.Now()))
}

func TestRecordExit_KeepsSpecificOutcome(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordStart(ctx, Run{RunID: "a", TaskID: "t", RunKind: models.RunTaskExecution, StartedAt: t0}))
	require.NoError(t, s.SetMessage(ctx, "a", OutcomeRateLimited, "Limit reached"))
	require.NoError(t, s.RecordExit(ctx, "a", 1, t0.Add(time.Second)))

	r, err := s.GetRun(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRateLimited, r.Outcome)
	assert.Equal(t, "Limit reached", r.Message)

	require.NoError(t, s.RecordStart(ctx, Run{RunID: "b", TaskID: "t", RunKind: models.RunTaskExecution, StartedAt: t0.Add(time.Hour)}))
	require.NoError(t, s.SetMessage(ctx, "b", "", "Process exited with code 2"))
	require.NoError(t, s.RecordExit(ctx, "b", 2, t0.Add(2*time.Hour)))
	r, err = s.GetRun(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, r.Outcome)
}

func TestRecordExit_UnknownRun(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.RecordExit(context.Background(), "missing", 0, t0))

	_, err := s.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRecordStart_ClosesPreviousOpenRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordStart(ctx, Run{RunID: "old", TaskID: "t", RunKind: models.RunTaskExecution, StartedAt: t0}))
	require.NoError(t, s.RecordStart(ctx, Run{RunID: "other", TaskID: "u", RunKind: models.RunTaskExecution, StartedAt: t0}))
	require.NoError(t, s.RecordStart(ctx, Run{RunID: "new", TaskID: "t", RunKind: models.RunQAProcess, StartedAt: t0.Add(time.Minute)}))

	old, err := s.GetRun(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, OutcomeStopped, old.Outcome)

	other, err := s.GetRun(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRunning, other.Outcome)
}

func TestListRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, s.RecordStart(ctx, Run{RunID: id, TaskID: "t", RunKind: models.RunTaskExecution, StartedAt: t0.Add(time.Duration(i) * time.Hour)}))
	}
	require.NoError(t, s.RecordStart(ctx, Run{RunID: "x", TaskID: "other", RunKind: models.RunSpecCreation, StartedAt: t0}))

	runs, err := s.ListRuns(ctx, "t", 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "r3", runs[0].RunID, "newest first")

	runs, err = s.ListRuns(ctx, "t", 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = s.ListRuns(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, runs, 4)
}

func TestRecorder(t *testing.T) {
	s := newTestStore(t)
	bus := events.NewBus()
	bus.Subscribe(NewRecorder(s, nil).Handle)
	ctx := context.Background()

	o := events.Origin{TaskID: "t", SpawnID: 1, RunID: "run-1", RunKind: models.RunTaskExecution}
	bus.ExecutionProgress(o, models.ExecutionProgress{Phase: models.PhasePlanning})
	bus.Log(o, "working")

	r, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRunning, r.Outcome)
	assert.Equal(t, models.RunTaskExecution, r.RunKind)

	bus.AuthFailure(o, models.AuthFailureNotice{Message: "Please run /login"})
	bus.Exit(o, 1)
	r, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAuthFailed, r.Outcome)
	assert.Equal(t, "Please run /login", r.Message)

	// A killed run emits nothing more; the following stop closes it.
	o2 := events.Origin{TaskID: "t", SpawnID: 2, RunID: "run-2", RunKind: models.RunTaskExecution}
	bus.ExecutionProgress(o2, models.ExecutionProgress{Phase: models.PhasePlanning})
	bus.StatusChange("t", models.StatusBacklog)
	r, err = s.GetRun(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeStopped, r.Outcome)
	assert.NotNil(t, r.EndedAt)
}
