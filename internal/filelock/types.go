package filelock

import "errors"

// Sentinel errors returned by lock operations.
var (
	// ErrAlreadyClaimed is returned when another process holds the lock.
	ErrAlreadyClaimed = errors.New("workspace is locked by another command")

	// ErrNotOwner is returned when releasing a lock that was already released.
	ErrNotOwner = errors.New("lock is not held")
)
