package lockfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLockfile_AcquireRelease(t *testing.T) {
	lock := ForWorkspace(t.TempDir(), time.Second)

	if err := lock.TryAcquire(); err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if !lock.Locked() {
		t.Error("Lock should be locked")
	}
	if lock.PID() != os.Getpid() {
		t.Errorf("Expected PID %d, got %d", os.Getpid(), lock.PID())
	}
	if _, err := os.Stat(lock.Path() + ".pid"); err != nil {
		t.Errorf("expected pid file: %v", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Failed to release lock: %v", err)
	}
	if lock.Locked() {
		t.Error("Lock should not be locked after release")
	}
	if _, err := os.Stat(lock.Path() + ".pid"); !os.IsNotExist(err) {
		t.Errorf("pid file should be removed on release, stat err = %v", err)
	}

	if err := lock.TryAcquire(); err != nil {
		t.Fatalf("Failed to acquire lock after release: %v", err)
	}
	lock.Release()
}

func TestLockfile_AlreadyLocked(t *testing.T) {
	dir := t.TempDir()
	lock1 := ForWorkspace(dir, time.Second)
	if err := lock1.TryAcquire(); err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2 := ForWorkspace(dir, time.Second)
	err := lock2.TryAcquire()
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("Expected ErrLocked, got %v", err)
	}
	if !strings.Contains(err.Error(), "held by PID") {
		t.Errorf("expected holder in error, got %q", err)
	}
}

func TestLockfile_AcquireTimesOut(t *testing.T) {
	dir := t.TempDir()
	holder := ForWorkspace(dir, time.Second)
	if err := holder.TryAcquire(); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer holder.Release()

	waiter := ForWorkspace(dir, 250*time.Millisecond)
	start := time.Now()
	err := waiter.Acquire(context.Background())
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("Acquire returned too early: %v", elapsed)
	}
}

func TestLockfile_AcquireWaitsForRelease(t *testing.T) {
	dir := t.TempDir()
	holder := ForWorkspace(dir, time.Second)
	if err := holder.TryAcquire(); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	go func() {
		time.Sleep(150 * time.Millisecond)
		holder.Release()
	}()

	waiter := ForWorkspace(dir, 5*time.Second)
	if err := waiter.Acquire(context.Background()); err != nil {
		t.Fatalf("expected waiter to acquire after release: %v", err)
	}
	waiter.Release()
}

func TestLockfile_AcquireHonorsContext(t *testing.T) {
	dir := t.TempDir()
	holder := ForWorkspace(dir, time.Second)
	if err := holder.TryAcquire(); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer holder.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ForWorkspace(dir, 10*time.Second).Acquire(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWithLockSerializesWriters(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "MEMORY.md")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithLock(context.Background(), ForWorkspace(dir, 5*time.Second), func() error {
				data, _ := os.ReadFile(target)
				return os.WriteFile(target, append(data, 'x'), 0o644)
			})
			if err != nil {
				t.Errorf("WithLock: %v", err)
			}
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "xxxx" {
		t.Errorf("expected 4 serialized appends, got %q", data)
	}
}
