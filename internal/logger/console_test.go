package logger

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harrison/autobuild/internal/models"
)

// TestNewConsoleLogger verifies the constructor creates a ConsoleLogger with the provided writer.
func TestNewConsoleLogger(t *testing.T) {
	t.Run("with valid writer", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger := NewConsoleLogger(buf, "info")

		if logger.writer != buf {
			t.Error("writer not set correctly")
		}
		if logger.logLevel != "info" {
			t.Errorf("expected log level %q, got %q", "info", logger.logLevel)
		}
		if logger.colorOutput {
			t.Error("color should be disabled for non-terminal writers")
		}
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		logger := NewConsoleLogger(&bytes.Buffer{}, "LOUD")
		if logger.logLevel != "info" {
			t.Errorf("expected info, got %q", logger.logLevel)
		}
	})

	t.Run("level is case-insensitive", func(t *testing.T) {
		logger := NewConsoleLogger(&bytes.Buffer{}, "  WARN ")
		if logger.logLevel != "warn" {
			t.Errorf("expected warn, got %q", logger.logLevel)
		}
	})
}

// TestLogLevelFiltering verifies that messages are filtered based on log level
func TestLogLevelFiltering(t *testing.T) {
	levels := []string{"trace", "debug", "info", "warn", "error"}

	for li, loggerLevel := range levels {
		for mi, messageLevel := range levels {
			name := fmt.Sprintf("%s logger %s message", loggerLevel, messageLevel)
			t.Run(name, func(t *testing.T) {
				buf := &bytes.Buffer{}
				logger := NewConsoleLogger(buf, loggerLevel)
				message := messageLevel + " msg"

				logger.logWithLevel(strings.ToUpper(messageLevel), message)

				shouldAppear := mi >= li
				contains := strings.Contains(buf.String(), message)
				if shouldAppear && !contains {
					t.Errorf("expected %q in output, got %q", message, buf.String())
				}
				if !shouldAppear && contains {
					t.Errorf("expected %q to be filtered, got %q", message, buf.String())
				}
			})
		}
	}
}

func TestFormattedMethods(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewConsoleLogger(buf, "debug")

	logger.Debugf("spawned %s", "task-1")
	logger.Infof("progress %d%%", 40)
	logger.Warnf("plain 100%% literal")
	logger.Errorf("failed: %v", fmt.Errorf("boom"))

	output := buf.String()
	for _, want := range []string{
		"[DEBUG] spawned task-1",
		"[INFO] progress 40%",
		"[WARN] plain 100%% literal",
		"[ERROR] failed: boom",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output:\n%s", want, output)
		}
	}
}

func TestLogProgress(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewConsoleLogger(buf, "info")

	logger.LogProgress("001-login", models.ExecutionProgress{
		Phase:           models.PhaseCoding,
		PhaseProgress:   15,
		OverallProgress: 40,
		CurrentSubtask:  "2",
		Message:         "Implementing subtask 2",
	})

	output := buf.String()
	for _, want := range []string{"001-login", "[====      ]  40%", "coding", "(subtask 2)", "- Implementing subtask 2"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output %q", want, output)
		}
	}
}

func TestLogProgressFilteredAtWarn(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewConsoleLogger(buf, "warn")
	logger.LogProgress("t", models.ExecutionProgress{Phase: models.PhaseCoding})
	logger.LogStatusChange("t", models.StatusDone)
	if buf.Len() != 0 {
		t.Errorf("expected no output at warn level, got %q", buf.String())
	}
}

func TestLogStatusChange(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewConsoleLogger(buf, "info")
	logger.LogStatusChange("001-login", models.StatusHumanReview)

	if !strings.Contains(buf.String(), "001-login -> human_review") {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestTimestampFormat(t *testing.T) {
	ts := timestamp()
	if _, err := time.Parse("15:04:05", ts); err != nil {
		t.Errorf("timestamp %q is not HH:MM:SS: %v", ts, err)
	}
}

// TestConcurrentLogging verifies thread safety with concurrent logging.
func TestConcurrentLogging(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewConsoleLogger(buf, "info")

	numGoroutines := 10
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(index int) {
			defer wg.Done()
			taskID := fmt.Sprintf("task-%d", index)
			logger.Infof("starting %s", taskID)
			logger.LogProgress(taskID, models.ExecutionProgress{Phase: models.PhasePlanning, OverallProgress: 10})
			logger.LogStatusChange(taskID, models.StatusInProgress)
		}(i)
	}
	wg.Wait()

	output := buf.String()
	for i := 0; i < numGoroutines; i++ {
		want := fmt.Sprintf("task-%d -> in_progress", i)
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q", want)
		}
	}
}

// TestNilWriter verifies that nil writer is handled gracefully.
func TestNilWriter(t *testing.T) {
	logger := NewConsoleLogger(nil, "info")

	logger.Infof("hello")
	logger.LogProgress("t", models.ExecutionProgress{})
	logger.LogStatusChange("t", models.StatusBacklog)
}

// TestDurationFormatting verifies duration formatting for various time ranges.
func TestDurationFormatting(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{0, "0s"},
		{5 * time.Second, "5s"},
		{time.Minute, "1m"},
		{time.Minute + 30*time.Second, "1m30s"},
		{time.Hour, "1h"},
		{time.Hour + 30*time.Minute, "1h30m"},
		{time.Hour + 30*time.Minute + 45*time.Second, "1h30m45s"},
		{2*time.Hour + 15*time.Minute, "2h15m"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := formatDuration(tt.duration); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingLogger) add(level, format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, level+" "+sprintf(format, args...))
}

func (r *recordingLogger) Debugf(format string, args ...interface{}) { r.add("DEBUG", format, args...) }
func (r *recordingLogger) Infof(format string, args ...interface{})  { r.add("INFO", format, args...) }
func (r *recordingLogger) Warnf(format string, args ...interface{})  { r.add("WARN", format, args...) }
func (r *recordingLogger) Errorf(format string, args ...interface{}) { r.add("ERROR", format, args...) }

func TestGracefulHelpers(t *testing.T) {
	GracefulInfo(nil, "ignored")
	GracefulWarn(nil, "ignored")
	GracefulDebug(nil, "ignored")
	GracefulError(nil, "ignored")

	rec := &recordingLogger{}
	GracefulInfo(rec, "a %d", 1)
	GracefulWarn(rec, "b")
	GracefulDebug(rec, "c")
	GracefulError(rec, "d")

	want := []string{"INFO a 1", "WARN b", "DEBUG c", "ERROR d"}
	if len(rec.lines) != len(want) {
		t.Fatalf("expected %d lines, got %v", len(want), rec.lines)
	}
	for i := range want {
		if rec.lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, rec.lines[i], want[i])
		}
	}
}

func TestMultiLogger(t *testing.T) {
	a, b := &recordingLogger{}, &recordingLogger{}
	m := MultiLogger{a, b}
	m.Infof("x")
	m.Errorf("y")

	if len(a.lines) != 2 || len(b.lines) != 2 {
		t.Errorf("expected both loggers to receive 2 lines, got %v and %v", a.lines, b.lines)
	}
}

func TestLoggersSatisfyInterface(t *testing.T) {
	var _ Logger = (*ConsoleLogger)(nil)
	var _ Logger = (*FileLogger)(nil)
	var _ Logger = (*NoOpLogger)(nil)
	var _ Logger = MultiLogger(nil)
}
