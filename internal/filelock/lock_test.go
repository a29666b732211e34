package filelock

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestAcquire_Exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ws", "run.lock")

	first, err := Acquire(path, "devstack run (pid 1)")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if holder, ok := Holder(path); !ok || holder != "devstack run (pid 1)" {
		t.Errorf("Holder() = %q, %v", holder, ok)
	}

	_, err = Acquire(path, "devstack clean (pid 2)")
	if !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("second Acquire() error = %v, want ErrAlreadyClaimed", err)
	}
	if !strings.Contains(err.Error(), "devstack run (pid 1)") {
		t.Errorf("error should name the holder: %v", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, ok := Holder(path); ok {
		t.Error("holder should be cleared after Release")
	}

	second, err := Acquire(path, "devstack clean (pid 2)")
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	defer second.Release()
	if second.Owner() != "devstack clean (pid 2)" || second.Path() != path {
		t.Errorf("lock = %q at %q", second.Owner(), second.Path())
	}
}

func TestRelease_Twice(t *testing.T) {
	lock, err := Acquire(filepath.Join(t.TempDir(), "run.lock"), "test")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := lock.Release(); !errors.Is(err, ErrNotOwner) {
		t.Errorf("second Release() error = %v, want ErrNotOwner", err)
	}
}

func TestAcquire_Concurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")

	const workers = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		held  []*Lock
		fails int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock, err := Acquire(path, "worker")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fails++
				return
			}
			held = append(held, lock)
		}()
	}
	wg.Wait()

	if len(held) != 1 || fails != workers-1 {
		t.Errorf("held = %d, failed = %d; want exactly one holder", len(held), fails)
	}
	for _, lock := range held {
		_ = lock.Release()
	}
}

func TestHolder_Missing(t *testing.T) {
	if _, ok := Holder(filepath.Join(t.TempDir(), "absent.lock")); ok {
		t.Error("Holder() of a missing file should report false")
	}
}
