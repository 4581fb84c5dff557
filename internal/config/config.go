package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig locates and launches the external build agent
type AgentConfig struct {
	// PythonPath is the interpreter used to run the agent scripts
	PythonPath string `yaml:"python_path"`

	// SourcePath is a manual override for the agent installation directory
	SourcePath string `yaml:"source_path"`

	// MarkerFile must exist inside a candidate directory for it to be accepted
	MarkerFile string `yaml:"marker_file"`

	// EnvFile is the name of the key=value file inside the installation directory
	EnvFile string `yaml:"env_file"`

	// SpecRunner is the script that creates a spec for a new task
	SpecRunner string `yaml:"spec_runner"`

	// BuildRunner is the script that plans, builds and QAs a spec
	BuildRunner string `yaml:"build_runner"`
}

// ProcessConfig tunes process lifecycle management
type ProcessConfig struct {
	// KillGracePeriod is the delay between SIGTERM and SIGKILL
	KillGracePeriod time.Duration `yaml:"kill_grace_period"`

	// OutputBufferBytes bounds the trailing output kept for failure classification
	OutputBufferBytes int `yaml:"output_buffer_bytes"`
}

// ProgressConfig tunes the phase progress estimate
type ProgressConfig struct {
	// PhaseFloor is the phase progress reported right after a phase change
	PhaseFloor int `yaml:"phase_floor"`

	// PhaseStep is added for every recognised marker within the same phase
	PhaseStep int `yaml:"phase_step"`

	// PhaseCap bounds phase progress below completion
	PhaseCap int `yaml:"phase_cap"`

	// Markers are consulted before the built-in phase markers
	Markers []MarkerConfig `yaml:"markers"`
}

// MarkerConfig maps a regular expression on agent output to a phase
type MarkerConfig struct {
	Pattern string `yaml:"pattern"`
	Phase   string `yaml:"phase"`

	// Run limits the marker to "spec" or "build" runs; empty matches both
	Run string `yaml:"run"`

	// SubtaskGroup is the capture group holding a subtask id
	SubtaskGroup int `yaml:"subtask_group"`
}

// ClassifierConfig extends the built-in failure patterns
type ClassifierConfig struct {
	RateLimitPatterns []string `yaml:"rate_limit_patterns"`
	AuthPatterns      []string `yaml:"auth_patterns"`
}

// FailoverConfig seeds the profile store's auto-switch settings
type FailoverConfig struct {
	Enabled               bool `yaml:"enabled"`
	AutoSwitchOnRateLimit bool `yaml:"auto_switch_on_rate_limit"`
}

// PathsConfig describes the per-project directory layout
type PathsConfig struct {
	// AutoBuildDir holds specs/ inside every project
	AutoBuildDir string `yaml:"auto_build_dir"`

	// WorktreesDir holds isolated per-task workspaces inside every project
	WorktreesDir string `yaml:"worktrees_dir"`

	// MinSpecLength is the minimum spec.md size that allows human review
	MinSpecLength int `yaml:"min_spec_length"`
}

// Config represents autobuild configuration options
type Config struct {
	// LogLevel sets the logging verbosity (trace, debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// LogDir is the directory where logs will be written
	LogDir string `yaml:"log_dir"`

	Agent    AgentConfig    `yaml:"agent"`
	Process  ProcessConfig  `yaml:"process"`
	Progress ProgressConfig `yaml:"progress"`
	Failover FailoverConfig `yaml:"failover"`

	Classifier ClassifierConfig `yaml:"classifier"`
	Paths      PathsConfig      `yaml:"paths"`

	// ProfilesFile stores credential profiles and auto-switch settings
	ProfilesFile string `yaml:"profiles_file"`

	// HistoryDB is the SQLite run ledger; empty disables history
	HistoryDB string `yaml:"history_db"`
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		LogDir:   ".autobuild/logs",
		Agent: AgentConfig{
			PythonPath:  "python3",
			MarkerFile:  "requirements.txt",
			EnvFile:     ".env",
			SpecRunner:  "spec_runner.py",
			BuildRunner: "run.py",
		},
		Process: ProcessConfig{
			KillGracePeriod:   5 * time.Second,
			OutputBufferBytes: 10000,
		},
		Progress: ProgressConfig{
			PhaseFloor: 10,
			PhaseStep:  5,
			PhaseCap:   90,
		},
		Failover: FailoverConfig{
			Enabled:               true,
			AutoSwitchOnRateLimit: true,
		},
		Paths: PathsConfig{
			AutoBuildDir:  ".auto-claude",
			WorktreesDir:  ".worktrees",
			MinSpecLength: 100,
		},
		ProfilesFile: ".autobuild/profiles.yaml",
		HistoryDB:    ".autobuild/history/runs.db",
	}
}

// LoadConfig loads configuration from the specified file path
// If the file doesn't exist, returns default configuration without error
// If the file exists but is malformed, returns an error
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Decoding into the defaults keeps every key the file leaves out.
	// yaml.v3 parses duration strings such as "5s" for time.Duration fields.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// LoadConfigFromDir loads configuration from .autobuild/config.yaml in the specified directory
// If the directory or file doesn't exist, returns default configuration without error
func LoadConfigFromDir(dir string) (*Config, error) {
	configPath := filepath.Join(dir, ".autobuild", "config.yaml")
	return LoadConfig(configPath)
}

// MergeWithFlags merges CLI flags into the configuration
// Non-nil flag values override configuration values
func (c *Config) MergeWithFlags(logLevel *string, logDir *string, sourcePath *string, autoSwitch *bool) {
	if logLevel != nil {
		c.LogLevel = *logLevel
	}
	if logDir != nil {
		c.LogDir = *logDir
	}
	if sourcePath != nil {
		c.Agent.SourcePath = *sourcePath
	}
	if autoSwitch != nil {
		c.Failover.Enabled = *autoSwitch
	}
}

// Validate validates the configuration values
// Returns an error if any values are invalid
func (c *Config) Validate() error {
	validLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel)
	}

	if c.Agent.PythonPath == "" {
		return fmt.Errorf("agent.python_path cannot be empty")
	}
	if c.Agent.MarkerFile == "" {
		return fmt.Errorf("agent.marker_file cannot be empty")
	}

	if c.Process.KillGracePeriod < 0 {
		return fmt.Errorf("process.kill_grace_period must be >= 0, got %v", c.Process.KillGracePeriod)
	}
	if c.Process.OutputBufferBytes <= 0 {
		return fmt.Errorf("process.output_buffer_bytes must be > 0, got %d", c.Process.OutputBufferBytes)
	}

	p := c.Progress
	if p.PhaseFloor < 0 || p.PhaseStep < 0 {
		return fmt.Errorf("progress.phase_floor and progress.phase_step must be >= 0")
	}
	if p.PhaseCap <= p.PhaseFloor || p.PhaseCap >= 100 {
		return fmt.Errorf("progress.phase_cap must be between phase_floor and 100, got %d", p.PhaseCap)
	}

	for i, m := range p.Markers {
		if m.Pattern == "" || m.Phase == "" {
			return fmt.Errorf("progress.markers[%d] requires pattern and phase", i)
		}
		if _, err := regexp.Compile(m.Pattern); err != nil {
			return fmt.Errorf("progress.markers[%d]: invalid pattern: %w", i, err)
		}
		if m.Run != "" && m.Run != "spec" && m.Run != "build" {
			return fmt.Errorf("progress.markers[%d]: run must be spec or build, got %q", i, m.Run)
		}
	}

	for _, pat := range append(append([]string{}, c.Classifier.RateLimitPatterns...), c.Classifier.AuthPatterns...) {
		if _, err := regexp.Compile(pat); err != nil {
			return fmt.Errorf("classifier: invalid pattern %q: %w", pat, err)
		}
	}

	if c.Paths.AutoBuildDir == "" {
		return fmt.Errorf("paths.auto_build_dir cannot be empty")
	}
	if c.Paths.MinSpecLength < 0 {
		return fmt.Errorf("paths.min_spec_length must be >= 0, got %d", c.Paths.MinSpecLength)
	}

	return nil
}
