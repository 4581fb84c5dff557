// Package process spawns, streams, and terminates the external agent
// processes that run tasks. There is at most one live process per task.
//
// Every spawn gets a spawn id. Exit handling consults it so that a process
// that was killed, or replaced by a newer spawn, never reports on behalf of
// its successor.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/autobuild/internal/classifier"
	"github.com/harrison/autobuild/internal/environment"
	"github.com/harrison/autobuild/internal/events"
	"github.com/harrison/autobuild/internal/logger"
	"github.com/harrison/autobuild/internal/models"
	"github.com/harrison/autobuild/internal/progress"
)

// drainTimeout bounds how long output is read after the process exits.
// Grandchildren can keep the pipes open indefinitely.
const drainTimeout = 2 * time.Second

// EnvSource supplies the file-based environment for a project.
type EnvSource interface {
	CombinedEnvironment(projectPath string) map[string]string
}

// ProfileEnvFunc returns the environment of the active credential profile.
type ProfileEnvFunc func() map[string]string

// RateLimitHandler decides how a rate-limited run continues. It owns the
// notification. A non-nil restart is called after the failed spawn's exit
// event has been delivered.
type RateLimitHandler interface {
	HandleRateLimit(o events.Origin, c models.FailureClassification) (restart func())
}

// SpawnRequest describes an agent run for a task.
type SpawnRequest struct {
	TaskID      string
	RunKind     models.RunKind
	ProjectPath string            // selects project env overrides
	Dir         string            // working directory of the process
	Args        []string          // script and flags passed to the interpreter
	ExtraEnv    map[string]string // overrides the file environment
}

// Options tune a Manager.
type Options struct {
	// Command is the interpreter every run is launched with.
	Command string

	// KillGrace is the delay between SIGTERM and SIGKILL.
	KillGrace time.Duration

	// OutputBufferBytes bounds the output tail kept for classification.
	OutputBufferBytes int

	Patterns *progress.PatternTable
	Progress progress.Settings
}

// Config wires a Manager to its collaborators. Spawner and Sink are required.
type Config struct {
	Spawner    Spawner
	Sink       events.Sink
	Env        EnvSource
	ProfileEnv ProfileEnvFunc
	Classifier classifier.Classifier
	Logger     logger.Logger
	Options    Options
}

// Manager owns the process registry and the output pipeline of every spawn.
type Manager struct {
	spawner    Spawner
	sink       events.Sink
	env        EnvSource
	profileEnv ProfileEnvFunc
	classifier classifier.Classifier
	logger     logger.Logger
	opts       Options
	registry   *Registry

	mu         sync.Mutex
	taskLocks  map[string]*sync.Mutex
	rateLimits RateLimitHandler

	wg sync.WaitGroup
}

// spawn is the per-run state shared by the stdout and stderr readers.
type spawn struct {
	origin events.Origin

	// killed stops event delivery from the moment of kill.
	killed atomic.Bool

	mu      sync.Mutex
	tracker *progress.Tracker
	tail    *tailBuffer
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		spawner:    cfg.Spawner,
		sink:       cfg.Sink,
		env:        cfg.Env,
		profileEnv: cfg.ProfileEnv,
		classifier: cfg.Classifier,
		logger:     cfg.Logger,
		opts:       cfg.Options,
		registry:   NewRegistry(),
		taskLocks:  make(map[string]*sync.Mutex),
	}
	if m.spawner == nil {
		m.spawner = ExecSpawner{}
	}
	if m.classifier == nil {
		m.classifier = classifier.New()
	}
	if m.logger == nil {
		m.logger = logger.NewNoOpLogger()
	}
	if m.opts.Command == "" {
		m.opts.Command = "python3"
	}
	if m.opts.Progress == (progress.Settings{}) {
		m.opts.Progress = progress.DefaultSettings
	}
	return m
}

// SetRateLimitHandler installs the failover handler. Without one, rate
// limits produce a manual notification.
func (m *Manager) SetRateLimitHandler(h RateLimitHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimits = h
}

func (m *Manager) rateLimitHandler() RateLimitHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rateLimits
}

func (m *Manager) lockTask(taskID string) func() {
	m.mu.Lock()
	l, ok := m.taskLocks[taskID]
	if !ok {
		l = &sync.Mutex{}
		m.taskLocks[taskID] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Spawn starts an agent run for req.TaskID, killing any process the task
// already has. The initial progress event is emitted before any output.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) error {
	if req.TaskID == "" {
		return errors.New("spawn request has no task id")
	}
	unlock := m.lockTask(req.TaskID)
	defer unlock()

	if prev, ok := m.registry.Take(req.TaskID); ok {
		m.logger.Infof("Replacing running %s process for task %s", prev.RunKind, req.TaskID)
		m.terminate(prev)
	}

	s := &spawn{
		origin: events.Origin{
			TaskID:  req.TaskID,
			SpawnID: m.registry.NextSpawnID(),
			RunID:   uuid.NewString(),
			RunKind: req.RunKind,
		},
		tracker: progress.NewTracker(m.opts.Patterns, m.opts.Progress, req.RunKind),
		tail:    newTailBuffer(m.opts.OutputBufferBytes),
	}

	proc, err := m.spawner.Start(ctx, Command{
		Path: m.opts.Command,
		Args: req.Args,
		Dir:  req.Dir,
		Env:  m.buildEnv(req),
	})
	if err != nil {
		m.sink.ExecutionProgress(s.origin, s.tracker.Fail(err.Error()))
		m.sink.Error(s.origin, err.Error())
		return fmt.Errorf("failed to start %s process for task %s: %w", req.RunKind, req.TaskID, err)
	}

	m.registry.Add(&Entry{
		TaskID:    req.TaskID,
		SpawnID:   s.origin.SpawnID,
		RunID:     s.origin.RunID,
		RunKind:   req.RunKind,
		StartedAt: time.Now(),
		Handle:    proc,
		state:     s,
	})
	m.logger.Debugf("Started %s process for task %s (pid %d, spawn %d)", req.RunKind, req.TaskID, proc.Pid(), s.origin.SpawnID)

	s.mu.Lock()
	m.sink.ExecutionProgress(s.origin, s.tracker.Start())
	s.mu.Unlock()

	m.wg.Add(1)
	go m.supervise(s, proc)
	return nil
}

// buildEnv layers OS env, file env, request extras, then the profile env.
func (m *Manager) buildEnv(req SpawnRequest) []string {
	var file, profile map[string]string
	if m.env != nil {
		file = m.env.CombinedEnvironment(req.ProjectPath)
	}
	if m.profileEnv != nil {
		profile = m.profileEnv()
	}
	return environment.BuildProcessEnv(os.Environ(), file, req.ExtraEnv, profile)
}

func (m *Manager) supervise(s *spawn, proc Process) {
	defer m.wg.Done()

	var readers sync.WaitGroup
	readers.Add(2)
	go m.pump(&readers, s, proc.Stdout())
	go m.pump(&readers, s, proc.Stderr())

	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()

	<-proc.Done()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		_ = proc.Stdout().Close()
		_ = proc.Stderr().Close()
		<-drained
	}

	m.finish(s, proc.ExitCode())
}

func (m *Manager) pump(wg *sync.WaitGroup, s *spawn, r io.Reader) {
	defer wg.Done()

	var dec utf8Decoder
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			m.output(s, dec.decode(buf[:n]))
		}
		if err != nil {
			m.output(s, dec.flush())
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
				m.logger.Debugf("Output stream for task %s ended: %v", s.origin.TaskID, err)
			}
			return
		}
	}
}

func (m *Manager) output(s *spawn, text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.killed.Load() {
		return
	}
	s.tail.WriteString(text)
	m.sink.Log(s.origin, text)
	if p, ok := s.tracker.Observe(text); ok {
		m.sink.ExecutionProgress(s.origin, p)
	}
}

func (m *Manager) finish(s *spawn, code int) {
	o := s.origin
	if killed := m.registry.Release(o.TaskID, o.SpawnID); killed || s.killed.Load() {
		m.logger.Debugf("Suppressed exit of killed spawn %d for task %s (code %d)", o.SpawnID, o.TaskID, code)
		return
	}

	s.mu.Lock()
	var restart func()
	if code != 0 {
		restart = m.reportFailure(s, code)
	}
	if restart == nil {
		m.sink.ExecutionProgress(o, s.tracker.Finish(code))
	}
	m.sink.Exit(o, code)
	s.mu.Unlock()

	if restart != nil {
		restart()
	}
}

// reportFailure classifies the output tail of a failed run and emits the
// matching notification.
func (m *Manager) reportFailure(s *spawn, code int) func() {
	o := s.origin
	c := m.classifier.Classify(s.tail.String())
	switch {
	case c.IsRateLimited:
		m.logger.Warnf("Task %s hit a rate limit: %s", o.TaskID, c.Message)
		if h := m.rateLimitHandler(); h != nil {
			return h.HandleRateLimit(o, c)
		}
		m.sink.RateLimitDetected(o, models.NewRateLimitNotice(o.TaskID, o.RunKind, c))
	case c.IsAuthFailure:
		m.logger.Warnf("Task %s failed authentication: %s", o.TaskID, c.Message)
		m.sink.AuthFailure(o, models.AuthFailureNotice{
			ProfileID:     c.ProfileID,
			FailureType:   c.FailureType,
			Message:       c.Message,
			OriginalError: c.OriginalError,
		})
	default:
		m.sink.Error(o, fmt.Sprintf("Process exited with code %d", code))
	}
	return nil
}

// Kill terminates the process of taskID: SIGTERM now, SIGKILL after the
// grace period if it is still alive. It returns false when the task has no
// process or the signal could not be delivered.
func (m *Manager) Kill(taskID string) bool {
	e, ok := m.registry.Take(taskID)
	if !ok {
		return false
	}
	return m.terminate(e)
}

func (m *Manager) terminate(e *Entry) bool {
	if e.state != nil {
		e.state.killed.Store(true)
	}

	if err := e.Handle.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return true
		}
		m.logger.Warnf("Failed to signal process %d of task %s: %v", e.Handle.Pid(), e.TaskID, err)
		return false
	}

	h := e.Handle
	escalate := func() {
		if h.Alive() {
			_ = h.Signal(os.Kill)
		}
	}
	if m.opts.KillGrace <= 0 {
		escalate()
	} else {
		time.AfterFunc(m.opts.KillGrace, escalate)
	}
	return true
}

// KillAll terminates every live process and waits for them to exit or for
// ctx to end.
func (m *Manager) KillAll(ctx context.Context) error {
	var handles []Handle
	for _, id := range m.registry.TaskIDs() {
		if e, ok := m.registry.Take(id); ok {
			m.terminate(e)
			handles = append(handles, e.Handle)
		}
	}

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h Handle) {
			defer wg.Done()
			select {
			case <-h.Done():
			case <-ctx.Done():
			}
		}(h)
	}
	wg.Wait()
	return ctx.Err()
}

// Wait blocks until every spawn's exit has been handled.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// IsRunning reports whether taskID has a live process.
func (m *Manager) IsRunning(taskID string) bool {
	_, ok := m.registry.Get(taskID)
	return ok
}

// RunningTaskIDs lists tasks with a live process.
func (m *Manager) RunningTaskIDs() []string {
	return m.registry.TaskIDs()
}

// CurrentSpawn returns the spawn id of the live process of taskID.
func (m *Manager) CurrentSpawn(taskID string) (uint64, bool) {
	e, ok := m.registry.Get(taskID)
	if !ok {
		return 0, false
	}
	return e.SpawnID, true
}
