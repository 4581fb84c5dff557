package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestDefaultConfig verifies default configuration values
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.LogDir != ".autobuild/logs" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, ".autobuild/logs")
	}
	if cfg.Process.KillGracePeriod != 5*time.Second {
		t.Errorf("KillGracePeriod = %v, want 5s", cfg.Process.KillGracePeriod)
	}
	if cfg.Process.OutputBufferBytes != 10000 {
		t.Errorf("OutputBufferBytes = %d, want 10000", cfg.Process.OutputBufferBytes)
	}
	if cfg.Progress.PhaseFloor != 10 || cfg.Progress.PhaseStep != 5 || cfg.Progress.PhaseCap != 90 {
		t.Errorf("Progress = %+v, want floor 10 step 5 cap 90", cfg.Progress)
	}
	if cfg.Paths.MinSpecLength != 100 {
		t.Errorf("MinSpecLength = %d, want 100", cfg.Paths.MinSpecLength)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

// TestLoadConfigValidFile tests loading a valid YAML config file
func TestLoadConfigValidFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `log_level: debug
log_dir: /tmp/logs
agent:
  python_path: /usr/bin/python3.12
  source_path: /opt/agent
process:
  kill_grace_period: 2s
  output_buffer_bytes: 4096
progress:
  phase_step: 3
  markers:
    - pattern: "^>>> subtask (\\S+)"
      phase: coding
      run: build
      subtask_group: 1
failover:
  enabled: false
classifier:
  rate_limit_patterns:
    - "quota exhausted"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.LogDir != "/tmp/logs" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/tmp/logs")
	}
	if cfg.Agent.PythonPath != "/usr/bin/python3.12" {
		t.Errorf("PythonPath = %q", cfg.Agent.PythonPath)
	}
	if cfg.Agent.SourcePath != "/opt/agent" {
		t.Errorf("SourcePath = %q", cfg.Agent.SourcePath)
	}
	if cfg.Process.KillGracePeriod != 2*time.Second {
		t.Errorf("KillGracePeriod = %v, want 2s", cfg.Process.KillGracePeriod)
	}
	if cfg.Process.OutputBufferBytes != 4096 {
		t.Errorf("OutputBufferBytes = %d, want 4096", cfg.Process.OutputBufferBytes)
	}
	if cfg.Progress.PhaseStep != 3 {
		t.Errorf("PhaseStep = %d, want 3", cfg.Progress.PhaseStep)
	}
	if cfg.Failover.Enabled {
		t.Error("Failover.Enabled = true, want false")
	}
	if len(cfg.Progress.Markers) != 1 {
		t.Fatalf("Markers = %v, want 1 entry", cfg.Progress.Markers)
	}
	if m := cfg.Progress.Markers[0]; m.Pattern != `^>>> subtask (\S+)` || m.Phase != "coding" || m.Run != "build" || m.SubtaskGroup != 1 {
		t.Errorf("unexpected marker %+v", m)
	}
	if len(cfg.Classifier.RateLimitPatterns) != 1 || cfg.Classifier.RateLimitPatterns[0] != "quota exhausted" {
		t.Errorf("RateLimitPatterns = %v", cfg.Classifier.RateLimitPatterns)
	}
	if cfg.Progress.PhaseFloor != 10 {
		t.Errorf("PhaseFloor = %d, want default 10", cfg.Progress.PhaseFloor)
	}
}

// TestLoadConfigFileNotExists tests fallback to defaults when file doesn't exist
func TestLoadConfigFileNotExists(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("LoadConfig() should not error on missing file, got: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q (default)", cfg.LogLevel, "info")
	}
}

// TestLoadConfigInvalidYAML tests error handling for malformed YAML
func TestLoadConfigInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	invalidYAML := `
log_level: debug
process: [this is not valid
`
	if err := os.WriteFile(configPath, []byte(invalidYAML), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	if _, err := LoadConfig(configPath); err == nil {
		t.Error("LoadConfig() expected error for invalid YAML, got nil")
	}
}

func TestLoadConfigInvalidDuration(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("process:\n  kill_grace_period: soon\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadConfig(configPath); err == nil {
		t.Error("expected error for invalid duration")
	}
}

// TestLoadConfigPartialValues tests that partial config merges with defaults
func TestLoadConfigPartialValues(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("paths:\n  min_spec_length: 250\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Paths.MinSpecLength != 250 {
		t.Errorf("MinSpecLength = %d, want 250", cfg.Paths.MinSpecLength)
	}
	if cfg.Paths.AutoBuildDir != ".auto-claude" {
		t.Errorf("AutoBuildDir = %q, want default", cfg.Paths.AutoBuildDir)
	}
	if cfg.Process.KillGracePeriod != 5*time.Second {
		t.Errorf("KillGracePeriod = %v, want default 5s", cfg.Process.KillGracePeriod)
	}
}

// TestLoadConfigFromDir tests loading config from .autobuild/config.yaml
func TestLoadConfigFromDir(t *testing.T) {
	tmpDir := t.TempDir()
	dir := filepath.Join(tmpDir, ".autobuild")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log_level: warn\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFromDir(tmpDir)
	if err != nil {
		t.Fatalf("LoadConfigFromDir() error = %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
}

func TestMergeWithFlags(t *testing.T) {
	cfg := DefaultConfig()

	level := "debug"
	source := "/srv/agent"
	autoSwitch := false
	cfg.MergeWithFlags(&level, nil, &source, &autoSwitch)

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.LogDir != ".autobuild/logs" {
		t.Errorf("LogDir changed by nil flag: %q", cfg.LogDir)
	}
	if cfg.Agent.SourcePath != "/srv/agent" {
		t.Errorf("SourcePath = %q", cfg.Agent.SourcePath)
	}
	if cfg.Failover.Enabled {
		t.Error("Failover.Enabled should be overridden to false")
	}
}

// TestConfigValidation tests configuration validation
func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"invalid log level", func(c *Config) { c.LogLevel = "loud" }, true},
		{"empty python path", func(c *Config) { c.Agent.PythonPath = "" }, true},
		{"empty marker", func(c *Config) { c.Agent.MarkerFile = "" }, true},
		{"negative grace", func(c *Config) { c.Process.KillGracePeriod = -time.Second }, true},
		{"zero grace allowed", func(c *Config) { c.Process.KillGracePeriod = 0 }, false},
		{"zero buffer", func(c *Config) { c.Process.OutputBufferBytes = 0 }, true},
		{"cap at 100", func(c *Config) { c.Progress.PhaseCap = 100 }, true},
		{"cap below floor", func(c *Config) { c.Progress.PhaseCap = 5 }, true},
		{"negative step", func(c *Config) { c.Progress.PhaseStep = -1 }, true},
		{"empty auto build dir", func(c *Config) { c.Paths.AutoBuildDir = "" }, true},
		{"negative min spec", func(c *Config) { c.Paths.MinSpecLength = -1 }, true},
		{"valid marker", func(c *Config) {
			c.Progress.Markers = []MarkerConfig{{Pattern: `^>> coder`, Phase: "coding", Run: "build"}}
		}, false},
		{"marker without phase", func(c *Config) { c.Progress.Markers = []MarkerConfig{{Pattern: "x"}} }, true},
		{"marker bad regex", func(c *Config) { c.Progress.Markers = []MarkerConfig{{Pattern: "(", Phase: "coding"}} }, true},
		{"marker bad run", func(c *Config) { c.Progress.Markers = []MarkerConfig{{Pattern: "x", Phase: "coding", Run: "qa"}} }, true},
		{"bad rate limit pattern", func(c *Config) { c.Classifier.RateLimitPatterns = []string{"[a"} }, true},
		{"bad auth pattern", func(c *Config) { c.Classifier.AuthPatterns = []string{"(?P<"} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestEmptyConfigFile tests loading an empty config file
func TestEmptyConfigFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(""), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want default", cfg.LogLevel)
	}
}

func TestGetHome(t *testing.T) {
	t.Run("env override", func(t *testing.T) {
		want := t.TempDir()
		t.Setenv(HomeEnvVar, want)

		got, err := GetHome()
		if err != nil {
			t.Fatalf("GetHome() error = %v", err)
		}
		if got != want {
			t.Errorf("GetHome() = %q, want %q", got, want)
		}
	})

	t.Run("root marker", func(t *testing.T) {
		t.Setenv(HomeEnvVar, "")
		root := t.TempDir()
		if err := os.WriteFile(filepath.Join(root, RootMarker), nil, 0644); err != nil {
			t.Fatal(err)
		}
		nested := filepath.Join(root, "a", "b")
		if err := os.MkdirAll(nested, 0755); err != nil {
			t.Fatal(err)
		}
		prevWD, err := os.Getwd()
		if err != nil {
			t.Fatal(err)
		}
		if err := os.Chdir(nested); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = os.Chdir(prevWD) })

		got, err := GetHome()
		if err != nil {
			t.Fatalf("GetHome() error = %v", err)
		}
		want := filepath.Join(root, ".autobuild")
		gotEval, _ := filepath.EvalSymlinks(got)
		wantEval, _ := filepath.EvalSymlinks(want)
		if gotEval != wantEval {
			t.Errorf("GetHome() = %q, want %q", got, want)
		}
	})
}
