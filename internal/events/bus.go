package events

import (
	"sync"
	"time"

	"github.com/harrison/autobuild/internal/models"
)

// Handler consumes a single event. Handlers run on the emitting goroutine,
// so they must return promptly.
type Handler func(Event)

// Bus fans events out to subscribers in subscription order. It implements Sink.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
	order    []int
	now      func() time.Time
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[int]Handler),
		now:      time.Now,
	}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.order = append(b.order, id)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
		for i, v := range b.order {
			if v == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers e to every subscriber. A panicking subscriber is isolated
// from the emitter and from the remaining subscribers.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = b.now()
	}

	b.mu.RLock()
	hs := make([]Handler, 0, len(b.order))
	for _, id := range b.order {
		hs = append(hs, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, h := range hs {
		deliver(h, e)
	}
}

func deliver(h Handler, e Event) {
	defer func() {
		_ = recover()
	}()
	h(e)
}

func (o Origin) event(kind Kind) Event {
	return Event{Kind: kind, TaskID: o.TaskID, SpawnID: o.SpawnID, RunID: o.RunID, RunKind: o.RunKind}
}

// Log publishes a raw output chunk.
func (b *Bus) Log(o Origin, text string) {
	e := o.event(KindLog)
	e.Text = text
	b.Publish(e)
}

// ExecutionProgress publishes a progress snapshot.
func (b *Bus) ExecutionProgress(o Origin, p models.ExecutionProgress) {
	e := o.event(KindProgress)
	e.Progress = &p
	b.Publish(e)
}

// StatusChange publishes a task status transition.
func (b *Bus) StatusChange(taskID string, status models.TaskStatus) {
	b.Publish(Event{Kind: KindStatusChange, TaskID: taskID, Status: status})
}

// Error publishes a task-scoped error message.
func (b *Bus) Error(o Origin, message string) {
	e := o.event(KindError)
	e.Text = message
	b.Publish(e)
}

// RateLimitDetected publishes a rate limit notice.
func (b *Bus) RateLimitDetected(o Origin, notice models.RateLimitNotice) {
	e := o.event(KindRateLimit)
	e.RateLimit = &notice
	b.Publish(e)
}

// AuthFailure publishes an authentication failure notice.
func (b *Bus) AuthFailure(o Origin, notice models.AuthFailureNotice) {
	e := o.event(KindAuthFailure)
	e.AuthFailure = &notice
	b.Publish(e)
}

// Exit publishes the terminal exit event of a spawn.
func (b *Bus) Exit(o Origin, exitCode int) {
	e := o.event(KindExit)
	e.ExitCode = exitCode
	b.Publish(e)
}

// PlanUpdated publishes a change to a watched spec directory file.
func (b *Bus) PlanUpdated(taskID, path string) {
	b.Publish(Event{Kind: KindPlanUpdated, TaskID: taskID, Path: path})
}

var _ Sink = (*Bus)(nil)
