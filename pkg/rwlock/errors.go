package rwlock

import "errors"

var (
	// the lock tree does not look like this protocol left it: a node vanished or a foreign node appeared
	ErrSystem = errors.New("lock protocol violation")

	// a blocking wait was cancelled through its context, the waiter node stays queued
	ErrInterrupted = errors.New("lock wait interrupted")

	// unlock without a matching successful lock
	ErrNotLocked = errors.New("lock not held")

	// the container was closed
	ErrClosed = errors.New("lock is closed")

	// a read holder asked for the write lock on the same container
	ErrUpgrade = errors.New("read lock cannot be upgraded to write lock")

	// resource names and identities become node names and may not contain separators
	ErrInvalidName = errors.New("invalid lock name")
)
