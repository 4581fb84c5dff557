package filelock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
)

func TestLockUnlock(t *testing.T) {
	lock := NewFileLock(filepath.Join(t.TempDir(), "test.lock"))

	if err := lock.Lock(); err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.Unlock(); err != nil {
		t.Fatalf("Failed to release lock: %v", err)
	}
}

func TestTryLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "test.lock")

	lock1 := NewFileLock(lockPath)
	lock2 := NewFileLock(lockPath)

	acquired, err := lock1.TryLock()
	if err != nil || !acquired {
		t.Fatalf("first TryLock = %v, %v", acquired, err)
	}

	acquired, err = lock2.TryLock()
	if err != nil {
		t.Fatalf("second TryLock failed: %v", err)
	}
	if acquired {
		t.Fatal("second TryLock should not acquire a held lock")
	}

	lock1.Unlock()

	acquired, err = lock2.TryLock()
	if err != nil || !acquired {
		t.Fatalf("TryLock after release = %v, %v", acquired, err)
	}
	lock2.Unlock()
}

func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "plan.json")

	if err := AtomicWrite(path, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("AtomicWrite() error = %v", err)
	}
	if err := AtomicWrite(path, []byte(`{"a":2}`)); err != nil {
		t.Fatalf("AtomicWrite() overwrite error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"a":2}` {
		t.Errorf("content = %q", string(data))
	}

	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0644 {
		t.Errorf("perm = %v, want 0644", info.Mode().Perm())
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if e.Name() != "plan.json" {
			t.Errorf("unexpected leftover file %q", e.Name())
		}
	}
}

func TestAtomicWriteMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	if err := AtomicWriteMode(path, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0600 {
		t.Errorf("perm = %v, want 0600", info.Mode().Perm())
	}
}

func TestLockAndWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spec", "qa_report.md")

	if err := LockAndWrite(path, []byte("approved")); err != nil {
		t.Fatalf("LockAndWrite() error = %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "approved" {
		t.Errorf("content = %q", string(data))
	}
	if LockPath(path) != path+".lock" {
		t.Errorf("LockPath() = %q", LockPath(path))
	}
}

func TestLockAndUpdate_CreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter")

	err := LockAndUpdate(path, 0644, func(current []byte) ([]byte, error) {
		if current != nil {
			t.Errorf("expected nil content for missing file, got %q", current)
		}
		return []byte("1"), nil
	})
	if err != nil {
		t.Fatalf("LockAndUpdate() error = %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "1" {
		t.Errorf("content = %q", string(data))
	}
}

func TestLockAndUpdate_ConcurrentIncrements(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter")
	const goroutines = 8
	const iterations = 10

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				err := LockAndUpdate(path, 0644, func(current []byte) ([]byte, error) {
					n := 0
					if len(current) > 0 {
						var err error
						if n, err = strconv.Atoi(string(current)); err != nil {
							return nil, err
						}
					}
					return []byte(strconv.Itoa(n + 1)), nil
				})
				if err != nil {
					t.Errorf("LockAndUpdate() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	data, _ := os.ReadFile(path)
	if string(data) != fmt.Sprint(goroutines*iterations) {
		t.Errorf("counter = %s, want %d (lost update)", data, goroutines*iterations)
	}
}

func TestLockAndUpdate_SkipAndError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc")
	if err := os.WriteFile(path, []byte("original"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := LockAndUpdate(path, 0644, func([]byte) ([]byte, error) { return nil, ErrSkipWrite }); err != nil {
		t.Errorf("ErrSkipWrite should not surface, got %v", err)
	}

	boom := errors.New("boom")
	if err := LockAndUpdate(path, 0644, func([]byte) ([]byte, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}

	data, _ := os.ReadFile(path)
	if string(data) != "original" {
		t.Errorf("file should be untouched, got %q", string(data))
	}
}
