package process

import (
	"sort"
	"sync"
	"time"

	"github.com/harrison/autobuild/internal/models"
)

// Entry is a live agent process tracked for a task.
type Entry struct {
	TaskID    string
	SpawnID   uint64
	RunID     string
	RunKind   models.RunKind
	StartedAt time.Time
	Handle    Handle

	state *spawn
}

// Registry maps task ids to their live process and remembers which spawns
// were killed on purpose. At most one entry exists per task.
type Registry struct {
	mu        sync.Mutex
	entries   map[string]*Entry
	killed    map[uint64]struct{}
	lastSpawn uint64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		killed:  make(map[uint64]struct{}),
	}
}

// NextSpawnID mints a spawn id. Ids increase monotonically and are never 0.
func (r *Registry) NextSpawnID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSpawn++
	return r.lastSpawn
}

// Add registers e, replacing any entry for the same task.
func (r *Registry) Add(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.TaskID] = e
}

// Get returns the live entry for taskID.
func (r *Registry) Get(taskID string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[taskID]
	return e, ok
}

func (r *Registry) deleteIfSpawnLocked(taskID string, spawnID uint64) bool {
	e, ok := r.entries[taskID]
	if !ok || e.SpawnID != spawnID {
		return false
	}
	delete(r.entries, taskID)
	return true
}

// Take removes the entry for taskID and marks its spawn killed in one step.
func (r *Registry) Take(taskID string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[taskID]
	if !ok {
		return nil, false
	}
	delete(r.entries, taskID)
	r.killed[e.SpawnID] = struct{}{}
	return e, true
}

// Release is called once a spawn has exited. It drops the entry if it still
// belongs to spawnID and consumes the kill marker, reporting whether the
// spawn had been killed.
func (r *Registry) Release(taskID string, spawnID uint64) (killed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteIfSpawnLocked(taskID, spawnID)
	_, killed = r.killed[spawnID]
	delete(r.killed, spawnID)
	return killed
}

// TaskIDs returns the ids of tasks with a live entry, sorted.
func (r *Registry) TaskIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
