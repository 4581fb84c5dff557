package events

import (
	"sync"
	"time"
)

// Recorder is a subscriber that keeps every event it sees. The CLI uses it
// to wait for a run to end; tests use it to assert on emitted events.
type Recorder struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []Event
}

// NewRecorder creates a Recorder and subscribes it to b.
func NewRecorder(b *Bus) *Recorder {
	r := &Recorder{}
	r.cond = sync.NewCond(&r.mu)
	b.Subscribe(r.Handle)
	return r
}

// Handle records e.
func (r *Recorder) Handle(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	r.cond.Broadcast()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Filter returns recorded events matching kind and, when taskID is non-empty, the task.
func (r *Recorder) Filter(kind Kind, taskID string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == kind && (taskID == "" || e.TaskID == taskID) {
			out = append(out, e)
		}
	}
	return out
}

// WaitFor blocks until match returns true for some recorded event or the
// timeout elapses. It returns the matching event.
func (r *Recorder) WaitFor(timeout time.Duration, match func(Event) bool) (Event, bool) {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, r.cond.Broadcast)
	defer timer.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	seen := 0
	for {
		for ; seen < len(r.events); seen++ {
			if match(r.events[seen]) {
				return r.events[seen], true
			}
		}
		if !time.Now().Before(deadline) {
			return Event{}, false
		}
		r.cond.Wait()
	}
}
