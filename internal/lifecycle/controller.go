// Package lifecycle drives the status of tasks: starting and stopping agent
// runs, gating reviews, and repairing tasks left stuck by a crash.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/harrison/autobuild/internal/config"
	"github.com/harrison/autobuild/internal/events"
	"github.com/harrison/autobuild/internal/gitstatus"
	"github.com/harrison/autobuild/internal/logger"
	"github.com/harrison/autobuild/internal/models"
	"github.com/harrison/autobuild/internal/plan"
	"github.com/harrison/autobuild/internal/process"
	"github.com/harrison/autobuild/internal/specdoc"
	"github.com/harrison/autobuild/internal/tasks"
)

const (
	msgGitRequired  = `Git repository required. Please run "git init" in your project directory. autobuild uses git worktrees for isolated builds.`
	msgGitNoCommits = `Git repository has no commits. Please make an initial commit first (git add . && git commit -m "Initial commit").`
	msgAuthRequired = "Authentication required. Add a profile with a valid OAuth token (autobuild profiles) before running tasks."
	msgNoAgent      = "Agent installation not found. Set agent.source_path in .autobuild/config.yaml."
)

// ProcessRunner is the part of the process manager the controller drives.
type ProcessRunner interface {
	Spawn(ctx context.Context, req process.SpawnRequest) error
	Kill(taskID string) bool
	IsRunning(taskID string) bool
	CurrentSpawn(taskID string) (uint64, bool)
}

// GitChecker reports the git state of a project.
type GitChecker interface {
	CheckStatus(ctx context.Context, path string) gitstatus.Status
}

// AuthChecker reports whether the active credential profile can run tasks.
type AuthChecker interface {
	HasValidAuth() bool
}

// DirWatcher is told which spec directory to observe per task.
type DirWatcher interface {
	Watch(taskID, dir string) error
	Unwatch(taskID string)
}

// InstallationResolver locates the agent installation.
type InstallationResolver interface {
	ResolveInstallationPath() (string, bool)
}

// Config wires a Controller.
type Config struct {
	ProjectPath  string
	Tasks        *tasks.Store
	Processes    ProcessRunner
	Git          GitChecker
	Auth         AuthChecker
	Watcher      DirWatcher // optional
	Installation InstallationResolver
	Sink         events.Sink
	Logger       logger.Logger
	Agent        config.AgentConfig

	// MinSpecLength gates manual moves to human review.
	MinSpecLength int

	// Now is replaced in tests.
	Now func() time.Time
}

// RecoverOptions tune Recover.
type RecoverOptions struct {
	// Target overrides the status inferred from subtask progress.
	Target models.TaskStatus

	// AutoRestart starts the task again once its plan is repaired.
	AutoRestart bool
}

// RecoveryResult describes a completed recovery.
type RecoveryResult struct {
	TaskID        string
	Recovered     bool
	NewStatus     models.TaskStatus
	Message       string
	AutoRestarted bool
}

// Controller owns the status state machine of one project's tasks.
type Controller struct {
	project       string
	store         *tasks.Store
	layout        specdoc.Layout
	procs         ProcessRunner
	git           GitChecker
	auth          AuthChecker
	watcher       DirWatcher
	install       InstallationResolver
	sink          events.Sink
	logger        logger.Logger
	agent         config.AgentConfig
	minSpecLength int
	now           func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	// gen changes on every lifecycle operation so exit handling started
	// before one can tell it is stale.
	gen map[string]uint64

	wg sync.WaitGroup
}

// New creates a Controller.
func New(cfg Config) *Controller {
	c := &Controller{
		project:       cfg.ProjectPath,
		store:         cfg.Tasks,
		procs:         cfg.Processes,
		git:           cfg.Git,
		auth:          cfg.Auth,
		watcher:       cfg.Watcher,
		install:       cfg.Installation,
		sink:          cfg.Sink,
		logger:        cfg.Logger,
		agent:         cfg.Agent,
		minSpecLength: cfg.MinSpecLength,
		now:           cfg.Now,
		locks:         make(map[string]*sync.Mutex),
		gen:           make(map[string]uint64),
	}
	if c.store == nil {
		c.store = tasks.NewStore(specdoc.NewLayout(config.PathsConfig{}))
	}
	c.layout = c.store.Layout()
	if c.git == nil {
		c.git = gitstatus.NewChecker()
	}
	if c.logger == nil {
		c.logger = logger.NewNoOpLogger()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.minSpecLength <= 0 {
		c.minSpecLength = 100
	}
	return c
}

// lockTask serialises lifecycle operations per task and invalidates exit
// handling that started earlier.
func (c *Controller) lockTask(taskID string) func() {
	c.mu.Lock()
	l, ok := c.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[taskID] = l
	}
	c.gen[taskID]++
	c.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Generation identifies the latest lifecycle operation on taskID.
func (c *Controller) Generation(taskID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen[taskID]
}

// IsRunning reports whether the task has a live agent process.
func (c *Controller) IsRunning(taskID string) bool {
	return c.procs.IsRunning(taskID)
}

// Wait blocks until background exit handling has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Task returns the current state of a task.
func (c *Controller) Task(taskID string) (*models.Task, error) {
	return c.store.Find(c.project, taskID)
}

// Tasks lists every task of the project.
func (c *Controller) Tasks() ([]*models.Task, error) {
	return c.store.List(c.project)
}

// Start validates the start preconditions and launches the run the task's
// persisted state calls for.
func (c *Controller) Start(ctx context.Context, taskID string) error {
	unlock := c.lockTask(taskID)
	defer unlock()

	t, err := c.store.Find(c.project, taskID)
	if err != nil {
		return err
	}
	if err := c.checkPreconditions(ctx, t); err != nil {
		return err
	}
	if err := c.launch(ctx, t); err != nil {
		return err
	}
	c.persistStatus(t, models.StatusInProgress, false)
	c.sink.StatusChange(t.ID, models.StatusInProgress)
	return nil
}

// Restart re-dispatches a task from its persisted state. The failover
// coordinator calls it after switching profiles with the generation it saw
// when the rate limit was handled. Any lifecycle operation since then, such
// as Stop, wins and the restart is skipped.
func (c *Controller) Restart(taskID string, gen uint64) error {
	unlock := c.lockTask(taskID)
	defer unlock()

	if c.Generation(taskID) != gen+1 {
		c.logger.Infof("Skipping restart of task %s: task changed since the rate limit", taskID)
		return nil
	}
	if c.procs.IsRunning(taskID) {
		c.logger.Infof("Skipping restart of task %s: a process is already running", taskID)
		return nil
	}

	t, err := c.store.Find(c.project, taskID)
	if err != nil {
		return err
	}
	c.logger.Infof("Restarting task %s from its persisted plan", taskID)
	return c.launch(context.Background(), t)
}

// Stop kills the task's process, if any, and returns it to the backlog.
func (c *Controller) Stop(taskID string) error {
	unlock := c.lockTask(taskID)
	defer unlock()

	if c.procs.Kill(taskID) {
		c.logger.Infof("Stopped running process of task %s", taskID)
	}
	c.unwatch(taskID)

	t, err := c.store.Find(c.project, taskID)
	if err != nil {
		return err
	}
	c.persistStatus(t, models.StatusBacklog, false)
	c.sink.StatusChange(taskID, models.StatusBacklog)
	return nil
}

// Review records a human verdict. Approval finishes the task; rejection
// writes the feedback for the QA fixer and starts a QA run.
func (c *Controller) Review(ctx context.Context, taskID string, approved bool, feedback string) error {
	unlock := c.lockTask(taskID)
	defer unlock()

	t, err := c.store.Find(c.project, taskID)
	if err != nil {
		return err
	}

	if approved {
		if err := specdoc.WriteApproval(t.SpecDir, c.now()); err != nil {
			return err
		}
		c.unwatch(taskID)
		c.persistStatus(t, models.StatusDone, false)
		c.sink.StatusChange(taskID, models.StatusDone)
		return nil
	}

	if err := specdoc.WriteFixRequest(t.SpecDir, feedback, c.now()); err != nil {
		return err
	}
	install, ok := c.install.ResolveInstallationPath()
	if !ok {
		return c.preconditionFailed(t.ID, msgNoAgent)
	}
	c.watch(t)
	if err := c.procs.Spawn(ctx, c.qaRequest(t, install)); err != nil {
		return err
	}
	c.persistStatus(t, models.StatusInProgress, false)
	c.sink.StatusChange(taskID, models.StatusInProgress)
	return nil
}

// UpdateStatus applies a manual status change. Moving to in_progress starts
// the task when nothing is running, under the same preconditions as Start.
func (c *Controller) UpdateStatus(ctx context.Context, taskID string, status models.TaskStatus) error {
	if _, err := models.ParseTaskStatus(string(status)); err != nil {
		return err
	}

	unlock := c.lockTask(taskID)
	defer unlock()

	t, err := c.store.Find(c.project, taskID)
	if err != nil {
		return err
	}
	if err := c.checkManualTransition(t, status); err != nil {
		c.logger.Warnf("Rejected status change of task %s to %s: %v", taskID, status, err)
		return err
	}
	if err := c.writeStatus(t, status, true); err != nil {
		return fmt.Errorf("update task status: %w", err)
	}

	if status == models.StatusInProgress && !c.procs.IsRunning(taskID) {
		if err := c.checkPreconditions(ctx, t); err != nil {
			return err
		}
		c.logger.Infof("Auto-starting task %s", taskID)
		if err := c.launch(ctx, t); err != nil {
			return err
		}
	}
	c.sink.StatusChange(taskID, status)
	return nil
}

// Recover repairs a task whose status claims progress but whose process is
// gone. Completed subtasks are kept; interrupted and failed ones are reset
// to pending.
func (c *Controller) Recover(ctx context.Context, taskID string, opts RecoverOptions) (RecoveryResult, error) {
	if opts.Target != "" {
		if _, err := models.ParseTaskStatus(string(opts.Target)); err != nil {
			return RecoveryResult{}, err
		}
	}

	unlock := c.lockTask(taskID)
	defer unlock()

	if c.procs.IsRunning(taskID) {
		return RecoveryResult{TaskID: taskID, NewStatus: models.StatusInProgress, Message: "Task is still running"}, ErrTaskRunning
	}

	t, err := c.store.Find(c.project, taskID)
	if err != nil {
		return RecoveryResult{}, err
	}

	target := opts.Target
	if target == "" {
		target = models.StatusBacklog
	}
	reset := 0
	now := c.now()
	err = plan.Update(c.layout.PlanPath(t.ProjectPath, t.SpecID), func(p *plan.Plan) (*plan.Plan, error) {
		if p == nil {
			return nil, nil
		}
		if opts.Target == "" {
			target = plan.RecoveryTarget(p.Subtasks())
		}
		reset = p.ResetInterrupted()
		p.SetStatus(target, now)
		p.SetRecoveryNote(now)
		return p, nil
	})
	if err != nil {
		return RecoveryResult{}, fmt.Errorf("recover task %s: %w", taskID, err)
	}
	c.logger.Infof("Recovered task %s to %s (%d subtasks reset)", taskID, target, reset)
	c.unwatch(taskID)

	result := RecoveryResult{TaskID: taskID, Recovered: true, NewStatus: target}
	if opts.AutoRestart {
		if err := c.checkPreconditions(ctx, t); err != nil {
			result.Message = "Task recovered but cannot restart: " + err.Error()
			c.sink.StatusChange(taskID, target)
			return result, nil
		}
		if err := c.launch(ctx, t); err != nil {
			c.logger.Errorf("Failed to auto-restart task %s after recovery: %v", taskID, err)
		} else {
			c.persistStatus(t, models.StatusInProgress, false)
			result.NewStatus = models.StatusInProgress
			result.AutoRestarted = true
		}
	}

	if result.AutoRestarted {
		result.Message = "Task recovered and restarted successfully"
	} else {
		result.Message = fmt.Sprintf("Task recovered successfully and moved to %s", result.NewStatus)
	}
	c.sink.StatusChange(taskID, result.NewStatus)
	return result, nil
}

// checkPreconditions fails closed when the project cannot host a build or
// no credentials are usable. The failure is also reported as a task error.
func (c *Controller) checkPreconditions(ctx context.Context, t *models.Task) error {
	st := c.git.CheckStatus(ctx, t.ProjectPath)
	switch {
	case st.Error != "":
		return c.preconditionFailed(t.ID, st.Error)
	case !st.IsGitRepo:
		return c.preconditionFailed(t.ID, msgGitRequired)
	case !st.HasCommits:
		return c.preconditionFailed(t.ID, msgGitNoCommits)
	}
	if c.auth == nil || !c.auth.HasValidAuth() {
		return c.preconditionFailed(t.ID, msgAuthRequired)
	}
	if _, ok := c.install.ResolveInstallationPath(); !ok {
		return c.preconditionFailed(t.ID, msgNoAgent)
	}
	return nil
}

func (c *Controller) preconditionFailed(taskID, reason string) error {
	c.logger.Warnf("Task %s: %s", taskID, reason)
	c.sink.Error(events.Origin{TaskID: taskID}, reason)
	return &PreconditionError{TaskID: taskID, Reason: reason}
}

// launch watches the spec directory and spawns the run the persisted state
// calls for: spec creation while no spec exists, otherwise a build.
func (c *Controller) launch(ctx context.Context, t *models.Task) error {
	install, ok := c.install.ResolveInstallationPath()
	if !ok {
		return c.preconditionFailed(t.ID, msgNoAgent)
	}
	c.watch(t)

	info, err := specdoc.Inspect(c.layout.SpecPath(t.ProjectPath, t.SpecID))
	if err != nil {
		c.logger.Warnf("Task %s: %v", t.ID, err)
	}

	var req process.SpawnRequest
	switch {
	case !info.Exists:
		c.logger.Infof("Starting spec creation for task %s", t.ID)
		req = c.specRequest(t, install)
	case len(t.Subtasks) == 0:
		// The build plans first. The agent runs subtasks sequentially unless
		// asked otherwise, so this is the same invocation as a normal build.
		c.logger.Infof("Starting build for task %s (no subtasks yet, planning first)", t.ID)
		req = c.buildRequest(t, install)
	default:
		c.logger.Infof("Starting build for task %s (%d/%d subtasks done)", t.ID, t.CompletedSubtasks(), len(t.Subtasks))
		req = c.buildRequest(t, install)
	}
	if err := c.procs.Spawn(ctx, req); err != nil {
		c.unwatch(t.ID)
		return err
	}
	return nil
}

func (c *Controller) specRequest(t *models.Task, install string) process.SpawnRequest {
	return process.SpawnRequest{
		TaskID:      t.ID,
		RunKind:     models.RunSpecCreation,
		ProjectPath: t.ProjectPath,
		Dir:         install,
		Args: []string{
			filepath.Join(install, c.agent.SpecRunner),
			"--task", t.PromptDescription(),
			"--project-dir", t.ProjectPath,
			"--spec-dir", t.SpecDir,
		},
	}
}

func (c *Controller) buildRequest(t *models.Task, install string) process.SpawnRequest {
	args := []string{
		filepath.Join(install, c.agent.BuildRunner),
		"--spec", t.SpecID,
		"--project-dir", t.ProjectPath,
		"--auto-continue",
	}
	if t.Metadata != nil && t.Metadata.BaseBranch != "" {
		args = append(args, "--base-branch", t.Metadata.BaseBranch)
	}
	return process.SpawnRequest{
		TaskID:      t.ID,
		RunKind:     models.RunTaskExecution,
		ProjectPath: t.ProjectPath,
		Dir:         install,
		Args:        args,
	}
}

func (c *Controller) qaRequest(t *models.Task, install string) process.SpawnRequest {
	return process.SpawnRequest{
		TaskID:      t.ID,
		RunKind:     models.RunQAProcess,
		ProjectPath: t.ProjectPath,
		Dir:         install,
		Args: []string{
			filepath.Join(install, c.agent.BuildRunner),
			"--spec", t.SpecID,
			"--project-dir", t.ProjectPath,
			"--qa",
		},
	}
}

func (c *Controller) watch(t *models.Task) {
	if c.watcher == nil {
		return
	}
	if err := c.watcher.Watch(t.ID, t.SpecDir); err != nil {
		c.logger.Warnf("Failed to watch spec directory of task %s: %v", t.ID, err)
	}
}

func (c *Controller) unwatch(taskID string) {
	if c.watcher != nil {
		c.watcher.Unwatch(taskID)
	}
}

// writeStatus persists status into the plan. With create set, a missing
// plan is replaced by a basic one.
func (c *Controller) writeStatus(t *models.Task, status models.TaskStatus, create bool) error {
	now := c.now()
	return plan.Update(c.layout.PlanPath(t.ProjectPath, t.SpecID), func(p *plan.Plan) (*plan.Plan, error) {
		if p == nil {
			if !create {
				return nil, nil
			}
			created := t.CreatedAt
			if created.IsZero() {
				created = now
			}
			p = plan.New(t.Title, t.Description, created)
		}
		p.SetStatus(status, now)
		return p, nil
	})
}

// persistStatus is writeStatus for paths where a plan write failure must not
// undo an action already taken.
func (c *Controller) persistStatus(t *models.Task, status models.TaskStatus, create bool) {
	if err := c.writeStatus(t, status, create); err != nil {
		c.logger.Warnf("Failed to persist status %s for task %s: %v", status, t.ID, err)
	}
}

// HandleEvent reacts to the exit of a task's current run. Subscribe it to
// the event bus.
func (c *Controller) HandleEvent(e events.Event) {
	if e.Kind != events.KindExit {
		return
	}
	if e.ExitCode != 0 {
		// Failures stay in place for recovery; rate limits restart on
		// their own.
		c.logger.Debugf("Task %s %s run exited with code %d", e.TaskID, e.RunKind, e.ExitCode)
		return
	}
	gen := c.Generation(e.TaskID)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.handleExit(e, gen)
	}()
}

func (c *Controller) handleExit(e events.Event, gen uint64) {
	unlock := c.lockTask(e.TaskID)
	defer unlock()

	c.mu.Lock()
	stale := c.gen[e.TaskID] != gen+1
	c.mu.Unlock()
	if stale {
		c.logger.Debugf("Ignoring exit of spawn %d for task %s: task changed since", e.SpawnID, e.TaskID)
		return
	}
	if current, ok := c.procs.CurrentSpawn(e.TaskID); ok && current != e.SpawnID {
		return
	}

	t, err := c.store.Find(c.project, e.TaskID)
	if err != nil {
		c.logger.Warnf("Exit of task %s: %v", e.TaskID, err)
		return
	}

	switch e.RunKind {
	case models.RunSpecCreation:
		c.continueAfterSpec(t)
	case models.RunTaskExecution:
		c.finishBuild(t)
	case models.RunQAProcess:
		c.advance(t, models.StatusHumanReview)
	}
}

// continueAfterSpec starts the build once spec creation has produced a spec.
func (c *Controller) continueAfterSpec(t *models.Task) {
	info, err := specdoc.Inspect(c.layout.SpecPath(t.ProjectPath, t.SpecID))
	if err != nil || !info.Exists {
		msg := "Spec creation finished without producing " + specdoc.SpecFile
		c.logger.Warnf("Task %s: %s", t.ID, msg)
		c.sink.Error(events.Origin{TaskID: t.ID, RunKind: models.RunSpecCreation}, msg)
		return
	}
	install, ok := c.install.ResolveInstallationPath()
	if !ok {
		_ = c.preconditionFailed(t.ID, msgNoAgent)
		return
	}
	c.logger.Infof("Spec created for task %s, continuing with the build", t.ID)
	if err := c.procs.Spawn(context.Background(), c.buildRequest(t, install)); err != nil {
		c.logger.Errorf("Failed to continue task %s into a build: %v", t.ID, err)
		return
	}
	c.persistStatus(t, models.StatusInProgress, false)
}

// finishBuild moves a successful build to review according to the plan.
func (c *Controller) finishBuild(t *models.Task) {
	p, err := plan.Load(c.layout.PlanPath(t.ProjectPath, t.SpecID))
	if err != nil {
		if !errors.Is(err, plan.ErrNotFound) {
			c.logger.Warnf("Task %s: %v", t.ID, err)
		}
		return
	}

	done, total := t.CompletedSubtasks(), len(t.Subtasks)
	switch {
	case total > 0 && done == total:
		c.advance(t, models.StatusHumanReview)
	case p.PlanStatus() == plan.MapPlanStatus(models.StatusAIReview):
		c.advance(t, models.StatusAIReview)
	default:
		c.logger.Infof("Build of task %s exited with %d/%d subtasks done; status left unchanged", t.ID, done, total)
	}
}

func (c *Controller) advance(t *models.Task, to models.TaskStatus) {
	// The run that just ended was in progress, whatever the agent wrote
	// into the plan meanwhile. Finished tasks stay finished.
	from := t.Status
	if from != models.StatusDone && from != models.StatusArchived {
		from = models.StatusInProgress
	}
	if !CanAdvance(from, to) {
		c.logger.Warnf("Task %s: not moving from %s to %s", t.ID, t.Status, to)
		return
	}
	c.unwatch(t.ID)
	c.persistStatus(t, to, false)
	c.sink.StatusChange(t.ID, to)
}
