package filelock

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
)

// Lock is a held workspace lock. It is safe for concurrent use.
type Lock struct {
	mu    sync.Mutex
	path  string
	file  *os.File
	owner string
}

// Acquire takes the lock at path without waiting. When another process holds
// it, the error wraps ErrAlreadyClaimed and names the holder.
func Acquire(path, owner string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if err == syscall.EWOULDBLOCK {
			holder, _ := Holder(path)
			if holder == "" {
				holder = "unknown"
			}
			return nil, fmt.Errorf("%w: held by %s", ErrAlreadyClaimed, holder)
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(owner+"\n"), 0)
	}
	return &Lock{path: path, file: f, owner: owner}, nil
}

// Holder returns the description written by the current holder, if any.
func Holder(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	holder := strings.TrimSpace(string(data))
	return holder, holder != ""
}

// Path returns the lock file's path.
func (l *Lock) Path() string { return l.path }

// Owner returns the description the lock was acquired with.
func (l *Lock) Owner() string { return l.owner }

// Release clears the holder description and drops the lock.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return ErrNotOwner
	}
	_ = l.file.Truncate(0)
	unlockErr := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if unlockErr != nil {
		return fmt.Errorf("unlock %s: %w", l.path, unlockErr)
	}
	return closeErr
}
