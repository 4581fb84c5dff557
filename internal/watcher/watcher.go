// Package watcher reports changes to the implementation plan of running
// tasks.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/harrison/autobuild/internal/logger"
	"github.com/harrison/autobuild/internal/plan"
)

// DefaultDebounceDelay coalesces the bursts of writes an agent produces
// while rewriting the plan.
const DefaultDebounceDelay = 100 * time.Millisecond

// Notifier receives plan change notifications.
type Notifier interface {
	PlanUpdated(taskID, path string)
}

// Watcher watches one spec directory per task.
type Watcher struct {
	fs       *fsnotify.Watcher
	notifier Notifier
	log      logger.Logger
	done     chan struct{}
	wg       sync.WaitGroup

	mu            sync.Mutex
	debounceDelay time.Duration
	byTask        map[string]string // taskID -> dir
	byDir         map[string]string // dir -> taskID
	timers        map[string]*time.Timer
	closed        bool
}

// New starts a Watcher. Call Close to release it.
func New(notifier Notifier, log logger.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	w := &Watcher{
		fs:            fs,
		notifier:      notifier,
		log:           log,
		done:          make(chan struct{}),
		debounceDelay: DefaultDebounceDelay,
		byTask:        make(map[string]string),
		byDir:         make(map[string]string),
		timers:        make(map[string]*time.Timer),
	}
	w.wg.Add(1)
	go w.processEvents()
	return w, nil
}

// SetDebounceDelay changes the delay applied to subsequent changes.
func (w *Watcher) SetDebounceDelay(d time.Duration) {
	w.mu.Lock()
	w.debounceDelay = d
	w.mu.Unlock()
}

// Watch starts reporting plan changes in dir for taskID, replacing any
// directory previously watched for the task. The directory is created when
// missing.
func (w *Watcher) Watch(taskID, dir string) error {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create spec dir: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("watcher closed")
	}
	if old, ok := w.byTask[taskID]; ok {
		if old == dir {
			return nil
		}
		w.removeLocked(taskID, old)
	}
	if err := w.fs.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.byTask[taskID] = dir
	w.byDir[dir] = taskID
	return nil
}

// Unwatch stops reporting changes for taskID. Pending notifications are
// dropped.
func (w *Watcher) Unwatch(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if dir, ok := w.byTask[taskID]; ok {
		w.removeLocked(taskID, dir)
	}
}

// Watching reports whether taskID is currently watched.
func (w *Watcher) Watching(taskID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.byTask[taskID]
	return ok
}

func (w *Watcher) removeLocked(taskID, dir string) {
	delete(w.byTask, taskID)
	delete(w.byDir, dir)
	path := filepath.Join(dir, plan.FileName)
	if t, ok := w.timers[path]; ok {
		t.Stop()
		delete(w.timers, path)
	}
	// The directory may already be gone.
	_ = w.fs.Remove(dir)
}

// Close stops the watcher and every pending notification.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()

	close(w.done)
	err := w.fs.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warnf("plan watcher: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != plan.FileName {
		return
	}
	// Atomic rewrites land as a create of the final name.
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	path := filepath.Clean(event.Name)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if _, ok := w.byDir[filepath.Dir(path)]; !ok {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounceDelay, func() { w.fire(path) })
}

func (w *Watcher) fire(path string) {
	w.mu.Lock()
	delete(w.timers, path)
	taskID, ok := w.byDir[filepath.Dir(path)]
	closed := w.closed
	w.mu.Unlock()

	if ok && !closed && w.notifier != nil {
		w.notifier.PlanUpdated(taskID, path)
	}
}
