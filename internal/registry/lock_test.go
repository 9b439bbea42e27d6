package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLock_AcquireRelease(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "clients.lock")
	lock := NewLock(lockPath)

	if err := lock.TryAcquire(); err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if !lock.Locked() {
		t.Error("Lock should be locked")
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Failed to release lock: %v", err)
	}
	if lock.Locked() {
		t.Error("Lock should not be locked after release")
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Errorf("Lock file should be removed, stat err: %v", err)
	}

	if err := lock.TryAcquire(); err != nil {
		t.Fatalf("Failed to acquire lock after release: %v", err)
	}
	lock.Release()
}

func TestLock_HeldBySelf(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "clients.lock")

	lock1 := NewLock(lockPath)
	if err := lock1.TryAcquire(); err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2 := NewLock(lockPath)
	err := lock2.TryAcquire()
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("Expected ErrLocked, got %v", err)
	}
}

func TestLock_StaleDeadProcess(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "clients.lock")

	// PID far above any default pid_max
	content := fmt.Sprintf("%d\n%s\n", 99999999, time.Now().Format(time.RFC3339))
	if err := os.WriteFile(lockPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write stale lock: %v", err)
	}

	lock := NewLock(lockPath)
	if err := lock.TryAcquire(); err != nil {
		t.Fatalf("Should reclaim stale lock: %v", err)
	}
	defer lock.Release()
}

func TestLock_StaleGarbage(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "clients.lock")
	if err := os.WriteFile(lockPath, []byte("not-a-pid\n"), 0644); err != nil {
		t.Fatalf("Failed to write lock: %v", err)
	}

	lock := NewLock(lockPath)
	if err := lock.TryAcquire(); err != nil {
		t.Fatalf("Should reclaim garbage lock: %v", err)
	}
	lock.Release()
}
