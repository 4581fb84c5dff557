package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/autobuild/internal/events"
	"github.com/harrison/autobuild/internal/filelock"
	"github.com/harrison/autobuild/internal/plan"
)

func newTestWatcher(t *testing.T) (*Watcher, *events.Recorder) {
	t.Helper()
	bus := events.NewBus()
	rec := events.NewRecorder(bus)
	w, err := New(bus, nil)
	require.NoError(t, err)
	w.SetDebounceDelay(20 * time.Millisecond)
	t.Cleanup(func() { _ = w.Close() })
	return w, rec
}

func isPlanUpdate(taskID string) func(events.Event) bool {
	return func(e events.Event) bool {
		return e.Kind == events.KindPlanUpdated && e.TaskID == taskID
	}
}

func TestWatch_ReportsPlanWrites(t *testing.T) {
	w, rec := newTestWatcher(t)
	dir := filepath.Join(t.TempDir(), "specs", "001")
	require.NoError(t, w.Watch("001", dir))
	assert.True(t, w.Watching("001"))

	path := filepath.Join(dir, plan.FileName)
	require.NoError(t, filelock.AtomicWrite(path, []byte(`{"phases": []}`)))

	e, ok := rec.WaitFor(2*time.Second, isPlanUpdate("001"))
	require.True(t, ok, "expected a plan update")
	assert.Equal(t, path, e.Path)
}

func TestWatch_DebouncesBursts(t *testing.T) {
	w, rec := newTestWatcher(t)
	w.SetDebounceDelay(150 * time.Millisecond)
	dir := t.TempDir()
	require.NoError(t, w.Watch("t", dir))

	path := filepath.Join(dir, plan.FileName)
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("{}"), 0644))
		time.Sleep(10 * time.Millisecond)
	}
	_, ok := rec.WaitFor(2*time.Second, isPlanUpdate("t"))
	require.True(t, ok)
	time.Sleep(300 * time.Millisecond)
	assert.Len(t, rec.Filter(events.KindPlanUpdated, "t"), 1)
}

func TestWatch_IgnoresOtherFiles(t *testing.T) {
	w, rec := newTestWatcher(t)
	dir := t.TempDir()
	require.NoError(t, w.Watch("t", dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "spec.md"), []byte("# x"), 0644))
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, rec.Filter(events.KindPlanUpdated, ""))
}

func TestUnwatch(t *testing.T) {
	w, rec := newTestWatcher(t)
	dir := t.TempDir()
	require.NoError(t, w.Watch("t", dir))
	w.Unwatch("t")
	assert.False(t, w.Watching("t"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, plan.FileName), []byte("{}"), 0644))
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, rec.Filter(events.KindPlanUpdated, "t"))
}

func TestWatch_ReplacesDirectory(t *testing.T) {
	w, rec := newTestWatcher(t)
	first, second := t.TempDir(), t.TempDir()
	require.NoError(t, w.Watch("t", first))
	require.NoError(t, w.Watch("t", second))

	require.NoError(t, os.WriteFile(filepath.Join(first, plan.FileName), []byte("{}"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(second, plan.FileName), []byte("{}"), 0644))

	e, ok := rec.WaitFor(2*time.Second, isPlanUpdate("t"))
	require.True(t, ok)
	assert.Equal(t, filepath.Join(second, plan.FileName), e.Path)
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, rec.Filter(events.KindPlanUpdated, "t"), 1)
}

func TestClose_Idempotent(t *testing.T) {
	w, _ := newTestWatcher(t)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Error(t, w.Watch("t", t.TempDir()))
}
