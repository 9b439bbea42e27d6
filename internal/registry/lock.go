package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrLocked is returned when another live server process holds the registry.
var ErrLocked = errors.New("registry is in use by another process")

// staleAfter is how old a lock may get before it is reclaimed even if its
// PID looks alive (PIDs get reused).
const staleAfter = 24 * time.Hour

// Lock is a PID lock file guarding the registry file, so two servers never
// append to the same registry.
type Lock struct {
	path   string
	file   *os.File
	locked bool
}

// NewLock creates a lock at path. Nothing is touched until TryAcquire.
func NewLock(path string) *Lock {
	return &Lock{path: path}
}

// TryAcquire creates the lock file exclusively. A lock left behind by a dead
// process is removed and acquisition retried once.
func (l *Lock) TryAcquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	err := l.create()
	if err == nil || !os.IsExist(err) {
		return err
	}

	stale, reason := l.checkStale()
	if !stale {
		return fmt.Errorf("%w: %s", ErrLocked, reason)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale lock (%s): %w", reason, err)
	}
	return l.create()
}

func (l *Lock) create() error {
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return err
	}

	content := fmt.Sprintf("%d\n%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	if _, err := file.WriteString(content); err != nil {
		file.Close()
		os.Remove(l.path)
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(l.path)
		return fmt.Errorf("failed to sync lock file: %w", err)
	}

	l.file = file
	l.locked = true
	return nil
}

func (l *Lock) checkStale() (bool, string) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return true, "cannot read lock file"
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return true, "invalid PID in lock file"
	}
	if pid == os.Getpid() {
		return false, "lock held by this process"
	}
	if running, reason := isProcessRunning(pid); !running {
		return true, reason
	}

	if len(lines) >= 2 {
		if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(lines[1])); err == nil && time.Since(ts) > staleAfter {
			return true, "lock file is older than " + staleAfter.String()
		}
	}
	return false, fmt.Sprintf("process with PID %d is running", pid)
}

// Release closes and removes the lock file.
func (l *Lock) Release() error {
	if !l.locked {
		return nil
	}
	l.locked = false

	var err error
	if l.file != nil {
		err = l.file.Close()
		l.file = nil
	}
	if removeErr := os.Remove(l.path); removeErr != nil && !os.IsNotExist(removeErr) && err == nil {
		err = fmt.Errorf("failed to remove lock file: %w", removeErr)
	}
	return err
}

// Locked reports whether the lock is held.
func (l *Lock) Locked() bool {
	return l.locked
}
