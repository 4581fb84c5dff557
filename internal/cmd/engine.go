package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/autobuild/internal/classifier"
	"github.com/harrison/autobuild/internal/config"
	"github.com/harrison/autobuild/internal/environment"
	"github.com/harrison/autobuild/internal/events"
	"github.com/harrison/autobuild/internal/failover"
	"github.com/harrison/autobuild/internal/gitstatus"
	"github.com/harrison/autobuild/internal/history"
	"github.com/harrison/autobuild/internal/lifecycle"
	"github.com/harrison/autobuild/internal/logger"
	"github.com/harrison/autobuild/internal/models"
	"github.com/harrison/autobuild/internal/process"
	"github.com/harrison/autobuild/internal/profile"
	"github.com/harrison/autobuild/internal/progress"
	"github.com/harrison/autobuild/internal/specdoc"
	"github.com/harrison/autobuild/internal/tasks"
	"github.com/harrison/autobuild/internal/watcher"
)

var _ process.RateLimitHandler = (*failover.Coordinator)(nil)

// engine is the fully wired execution engine for one project.
type engine struct {
	cfg     *config.Config
	project string

	bus      *events.Bus
	console  *logger.ConsoleLogger
	fileLog  *logger.FileLogger
	profiles *profile.FileStore
	history  *history.Store
	watcher  *watcher.Watcher
	procs    *process.Manager
	failover *failover.Coordinator
	ctrl     *lifecycle.Controller

	closers []func()
}

// loadConfig reads --config (or <dir>/.autobuild/config.yaml), applies the
// persistent flags, and validates the result.
func loadConfig(cmd *cobra.Command, dir string) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
	} else {
		cfg, err = config.LoadConfigFromDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	var logLevelPtr, logDirPtr, agentPathPtr *string
	var autoSwitchPtr *bool
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		v := f.Value.String()
		logLevelPtr = &v
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		v := "debug"
		logLevelPtr = &v
	}
	if f := cmd.Flags().Lookup("log-dir"); f != nil && f.Changed {
		v := f.Value.String()
		logDirPtr = &v
	}
	if f := cmd.Flags().Lookup("agent-path"); f != nil && f.Changed {
		v := f.Value.String()
		agentPathPtr = &v
	}
	if noSwitch, _ := cmd.Flags().GetBool("no-auto-switch"); noSwitch {
		v := false
		autoSwitchPtr = &v
	}
	cfg.MergeWithFlags(logLevelPtr, logDirPtr, agentPathPtr, autoSwitchPtr)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openProfiles opens the credential profile store named by the config.
func openProfiles(cfg *config.Config) (*profile.FileStore, error) {
	path, err := config.ResolvePath(cfg.ProfilesFile)
	if err != nil {
		return nil, fmt.Errorf("resolve profiles file: %w", err)
	}
	return profile.NewFileStore(path, models.AutoSwitchSettings{
		Enabled:               cfg.Failover.Enabled,
		AutoSwitchOnRateLimit: cfg.Failover.AutoSwitchOnRateLimit,
	}), nil
}

// openHistory opens the run ledger; a nil store means history is disabled.
func openHistory(cfg *config.Config) (*history.Store, error) {
	if cfg.HistoryDB == "" {
		return nil, nil
	}
	path, err := config.ResolvePath(cfg.HistoryDB)
	if err != nil {
		return nil, fmt.Errorf("resolve history database: %w", err)
	}
	return history.NewStore(path)
}

// newEngine wires every component for project. Close releases them.
func newEngine(cmd *cobra.Command, project string) (*engine, error) {
	abs, err := filepath.Abs(project)
	if err != nil {
		return nil, fmt.Errorf("resolve project path: %w", err)
	}
	cfg, err := loadConfig(cmd, abs)
	if err != nil {
		return nil, err
	}

	e := &engine{cfg: cfg, project: abs, bus: events.NewBus()}
	ok := false
	defer func() {
		if !ok {
			e.Close()
		}
	}()

	e.console = logger.NewConsoleLogger(cmd.OutOrStdout(), cfg.LogLevel)
	logDir, err := config.ResolvePath(cfg.LogDir)
	if err != nil {
		return nil, fmt.Errorf("resolve log directory: %w", err)
	}
	e.fileLog, err = logger.NewFileLoggerWithDirAndLevel(logDir, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create file logger: %w", err)
	}
	e.closers = append(e.closers, func() { e.fileLog.Close() })
	log := logger.MultiLogger{e.console, e.fileLog}

	eventLog := logger.NewEventLogger(e.console, e.fileLog)
	eventLog.Verbose = cfg.LogLevel == "debug" || cfg.LogLevel == "trace"
	eventLog.Attach(e.bus)

	if e.profiles, err = openProfiles(cfg); err != nil {
		return nil, err
	}

	if e.history, err = openHistory(cfg); err != nil {
		logger.GracefulWarn(log, "Run history disabled: %v", err)
	}
	if e.history != nil {
		e.closers = append(e.closers, func() { e.history.Close() })
		e.bus.Subscribe(history.NewRecorder(e.history, log).Handle)
	}

	e.watcher, err = watcher.New(e.bus, log)
	if err != nil {
		return nil, fmt.Errorf("failed to start file watcher: %w", err)
	}
	e.closers = append(e.closers, func() { e.watcher.Close() })

	cls, err := classifier.NewFromConfig(cfg.Classifier)
	if err != nil {
		return nil, fmt.Errorf("invalid classifier patterns: %w", err)
	}
	patterns, err := progress.TableFromConfig(cfg.Progress)
	if err != nil {
		return nil, fmt.Errorf("invalid progress markers: %w", err)
	}

	resolver := environment.NewResolver(cfg.Agent, cfg.Paths)
	e.procs = process.NewManager(process.Config{
		Sink:       e.bus,
		Env:        resolver,
		ProfileEnv: e.profiles.ProfileEnv,
		Classifier: cls,
		Logger:     log,
		Options: process.Options{
			Command:           cfg.Agent.PythonPath,
			KillGrace:         cfg.Process.KillGracePeriod,
			OutputBufferBytes: cfg.Process.OutputBufferBytes,
			Patterns:          patterns,
			Progress:          progress.SettingsFromConfig(cfg.Progress),
		},
	})
	e.failover = failover.NewCoordinator(e.profiles, e.bus, log)
	e.procs.SetRateLimitHandler(e.failover)

	e.ctrl = lifecycle.New(lifecycle.Config{
		ProjectPath:   abs,
		Tasks:         tasks.NewStore(specdoc.NewLayout(cfg.Paths)),
		Processes:     e.procs,
		Git:           gitstatus.NewChecker(),
		Auth:          e.profiles,
		Watcher:       e.watcher,
		Installation:  resolver,
		Sink:          e.bus,
		Logger:        log,
		Agent:         cfg.Agent,
		MinSpecLength: cfg.Paths.MinSpecLength,
	})
	e.failover.SetRestarter(e.ctrl)
	e.bus.Subscribe(e.ctrl.HandleEvent)

	ok = true
	return e, nil
}

// Close stops every process still running and releases resources in
// reverse order of acquisition.
func (e *engine) Close() {
	if e.procs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*e.cfg.Process.KillGracePeriod+time.Second)
		if err := e.procs.KillAll(ctx); err != nil {
			logger.GracefulWarn(e.console, "Failed to stop agent processes: %v", err)
		}
		cancel()
		e.procs.Wait()
	}
	if e.ctrl != nil {
		e.ctrl.Wait()
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

// follow blocks until taskID has no process left, including restarts after
// a profile switch and builds continued after spec creation. Cancelling ctx
// stops the task.
func (e *engine) follow(ctx context.Context, taskID string) error {
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for {
			e.procs.Wait()
			e.ctrl.Wait()
			if !e.procs.IsRunning(taskID) {
				return
			}
		}
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		e.console.Warnf("Interrupted, stopping task %s", taskID)
		if err := e.ctrl.Stop(taskID); err != nil {
			return fmt.Errorf("stop task %s: %w", taskID, err)
		}
		<-finished
		return ctx.Err()
	}
}
