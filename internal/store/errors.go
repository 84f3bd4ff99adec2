package store

import "errors"

var (
	// ErrNotFound is returned for unknown project or task ids.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a status transition is not legal from the
	// task's current state. The task is left untouched.
	ErrConflict = errors.New("conflict")

	// ErrLockTimeout is returned when a file lock cannot be acquired within
	// the configured timeout.
	ErrLockTimeout = errors.New("lock timeout")
)
