// Package lockfile provides the advisory workspace lock that serializes
// writes to shared agent files across processes.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kir-gadjello/zier-alpha/internal/consts"
	"github.com/kir-gadjello/zier-alpha/internal/logger"
	"github.com/kir-gadjello/zier-alpha/internal/pidfile"
)

var (
	// ErrLocked is returned by TryAcquire while another holder has the lock.
	ErrLocked = errors.New("workspace is locked")
	// ErrLockTimeout is returned by Acquire when the deadline passes first.
	ErrLockTimeout = errors.New("timed out waiting for workspace lock")
)

// Lockfile is an exclusive lock on <dir>/workspace.lock. The holder's PID
// and acquisition time go into a sibling .pid file for diagnostics.
type Lockfile struct {
	path    string
	file    *os.File
	pid     int
	locked  bool
	timeout time.Duration
}

// New creates a lock rooted at path. A zero timeout uses the default.
func New(path string, timeout time.Duration) *Lockfile {
	if timeout <= 0 {
		timeout = consts.DefaultLockTimeout
	}
	return &Lockfile{path: path, timeout: timeout}
}

// ForWorkspace returns the lock guarding a workspace directory.
func ForWorkspace(workspace string, timeout time.Duration) *Lockfile {
	return New(filepath.Join(workspace, consts.LockFileName), timeout)
}

// TryAcquire makes a single non-blocking attempt.
func (l *Lockfile) TryAcquire() error {
	if l.locked {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lockfile directory: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open lockfile: %w", err)
	}
	ok, err := tryLock(file)
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to lock %s: %w", l.path, err)
	}
	if !ok {
		file.Close()
		if holder := l.Holder(); holder != "" {
			return fmt.Errorf("%w: %s", ErrLocked, holder)
		}
		return ErrLocked
	}

	l.file = file
	l.pid = os.Getpid()
	l.locked = true

	content := fmt.Sprintf("%d\n%s\n", l.pid, time.Now().Format(time.RFC3339))
	if err := os.WriteFile(l.pidPath(), []byte(content), 0o644); err != nil {
		logger.Warn("lockfile: failed to write pid file: %v", err)
	}
	return nil
}

// Acquire retries TryAcquire every LockRetryInterval until it succeeds,
// ctx ends, or the lock timeout elapses.
func (l *Lockfile) Acquire(ctx context.Context) error {
	deadline := time.NewTimer(l.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(consts.LockRetryInterval)
	defer ticker.Stop()

	for {
		err := l.TryAcquire()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrLocked) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w after %s: %v", ErrLockTimeout, l.timeout, err)
		case <-ticker.C:
		}
	}
}

// Release drops the lock. The lock file itself stays so that concurrent
// waiters keep contending on the same inode.
func (l *Lockfile) Release() error {
	if !l.locked {
		return nil
	}
	var err error
	if removeErr := os.Remove(l.pidPath()); removeErr != nil && !os.IsNotExist(removeErr) {
		err = fmt.Errorf("failed to remove pid file: %w", removeErr)
	}
	if l.file != nil {
		unlock(l.file)
		if closeErr := l.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		l.file = nil
	}
	l.locked = false
	return err
}

// Holder describes the current holder from the pid file, or "" if unknown.
func (l *Lockfile) Holder() string {
	data, err := os.ReadFile(l.pidPath())
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return ""
	}
	since := ""
	if len(lines) >= 2 {
		since = " since " + strings.TrimSpace(lines[1])
	}
	if !pidfile.Alive(pid) {
		return fmt.Sprintf("held by PID %d%s (process gone)", pid, since)
	}
	return fmt.Sprintf("held by PID %d%s", pid, since)
}

func (l *Lockfile) pidPath() string { return l.path + ".pid" }

// PID returns the PID that acquired the lock
func (l *Lockfile) PID() int {
	return l.pid
}

// Locked returns true if the lock is held
func (l *Lockfile) Locked() bool {
	return l.locked
}

// Path returns the lockfile path
func (l *Lockfile) Path() string {
	return l.path
}

// WithLock runs fn while holding the lock.
func WithLock(ctx context.Context, l *Lockfile, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
