package logger

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// TestPerRunLogFile verifies a timestamped log file and latest.log symlink are created per run
func TestPerRunLogFile(t *testing.T) {
	logDir := filepath.Join(t.TempDir(), "logs")

	logger, err := NewFileLoggerWithDir(logDir)
	if err != nil {
		t.Fatalf("NewFileLoggerWithDir() error = %v", err)
	}
	defer logger.Close()

	base := filepath.Base(logger.RunFile())
	if !strings.HasPrefix(base, "run-") || !strings.HasSuffix(base, ".log") {
		t.Errorf("unexpected run file name %q", base)
	}

	target, err := os.Readlink(filepath.Join(logDir, "latest.log"))
	if err != nil {
		t.Fatalf("expected latest.log symlink: %v", err)
	}
	if target != base {
		t.Errorf("latest.log -> %q, want %q", target, base)
	}

	if info, err := os.Stat(filepath.Join(logDir, "tasks")); err != nil || !info.IsDir() {
		t.Errorf("expected tasks directory, err=%v", err)
	}
}

func TestSymlinkReplacedOnNewRun(t *testing.T) {
	logDir := t.TempDir()

	first, err := NewFileLoggerWithDir(logDir)
	if err != nil {
		t.Fatalf("first logger: %v", err)
	}
	first.Close()

	// Run files are named per second.
	time.Sleep(1100 * time.Millisecond)

	second, err := NewFileLoggerWithDir(logDir)
	if err != nil {
		t.Fatalf("second logger: %v", err)
	}
	defer second.Close()

	target, err := os.Readlink(filepath.Join(logDir, "latest.log"))
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if target != filepath.Base(second.RunFile()) {
		t.Errorf("latest.log -> %q, want %q", target, filepath.Base(second.RunFile()))
	}
}

func TestFileLoggerLevels(t *testing.T) {
	logger, err := NewFileLoggerWithDirAndLevel(t.TempDir(), "warn")
	if err != nil {
		t.Fatalf("NewFileLoggerWithDirAndLevel() error = %v", err)
	}

	logger.Debugf("debug line")
	logger.Infof("info line")
	logger.Warnf("warn %s", "line")
	logger.Errorf("error line")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(logger.RunFile())
	if err != nil {
		t.Fatalf("read run log: %v", err)
	}
	content := string(data)

	if !strings.Contains(content, "=== Autobuild Run Log ===") {
		t.Error("missing run log header")
	}
	if strings.Contains(content, "debug line") || strings.Contains(content, "info line") {
		t.Errorf("debug/info should be filtered at warn level:\n%s", content)
	}
	if !strings.Contains(content, "[WARN] warn line") || !strings.Contains(content, "[ERROR] error line") {
		t.Errorf("expected warn and error lines:\n%s", content)
	}
}

func TestAppendTaskOutput(t *testing.T) {
	logger, err := NewFileLoggerWithDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileLoggerWithDir() error = %v", err)
	}
	defer logger.Close()

	if err := logger.AppendTaskOutput("001/login", "first\n"); err != nil {
		t.Fatalf("AppendTaskOutput() error = %v", err)
	}
	if err := logger.AppendTaskOutput("001/login", "second\n"); err != nil {
		t.Fatalf("AppendTaskOutput() error = %v", err)
	}

	path := logger.TaskLogPath("001/login")
	if filepath.Base(path) != "task-001_login.log" {
		t.Errorf("unexpected task log name %q", filepath.Base(path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read task log: %v", err)
	}
	if string(data) != "first\nsecond\n" {
		t.Errorf("task log = %q", string(data))
	}
}

func TestLogRunFinished(t *testing.T) {
	logger, err := NewFileLoggerWithDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileLoggerWithDir() error = %v", err)
	}
	logger.LogRunFinished("001", "task-execution", 0, 90*time.Second)
	logger.LogRunFinished("002", "spec-creation", 2, 5*time.Second)
	logger.Close()

	data, _ := os.ReadFile(logger.RunFile())
	content := string(data)
	if !strings.Contains(content, "001 task-execution run finished: SUCCESS (exit 0, 1m30s)") {
		t.Errorf("missing success summary:\n%s", content)
	}
	if !strings.Contains(content, "002 spec-creation run finished: FAILED (exit 2, 5s)") {
		t.Errorf("missing failure summary:\n%s", content)
	}
}

func TestConcurrentLogWrites(t *testing.T) {
	logger, err := NewFileLoggerWithDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileLoggerWithDir() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.Infof("line %d", i)
			_ = logger.AppendTaskOutput("shared", "x")
		}(i)
	}
	wg.Wait()
	logger.Close()

	data, _ := os.ReadFile(logger.TaskLogPath("shared"))
	if len(data) != 20 {
		t.Errorf("expected 20 bytes of task output, got %d", len(data))
	}
}

func TestCloseTwice(t *testing.T) {
	logger, err := NewFileLoggerWithDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileLoggerWithDir() error = %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	// Writes after close are dropped silently.
	logger.Infof("after close")
}

func TestNewFileLoggerInvalidPath(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileLoggerWithDir(filepath.Join(file, "logs")); err == nil {
		t.Error("expected error when log dir cannot be created")
	}
}
