package rwlock

import (
	"context"
	"errors"
	"time"
)

// Locker is one side of a ReadWriteLock
//
// Lock calls are reentrant: every successful Lock or TryLock needs one Unlock.
// Cancelling ctx while Lock waits fails it with ErrInterrupted and leaves the request queued;
// calling Lock again resumes the wait, Unlock withdraws it.
// The same holds when a call to the service fails after the request may have reached it.
type Locker interface {
	// blocks until the lock is granted
	Lock(ctx context.Context) error
	// makes one attempt without waiting, a refused attempt leaves nothing behind
	TryLock(ctx context.Context) (bool, error)
	// waits at most d, a timed out attempt leaves nothing behind
	TryLockTimeout(ctx context.Context, d time.Duration) (bool, error)
	// gives back one acquisition
	Unlock(ctx context.Context) error
}

type facade struct {
	owner *ReadWriteLock
	mode  mode
}

func (f *facade) Lock(ctx context.Context) error {
	if err := f.owner.checkOpen(); err != nil {
		return err
	}
	_, err := f.owner.sync.acquire(ctx, f.mode, waitPolicy{block: true})
	return err
}

func (f *facade) TryLock(ctx context.Context) (bool, error) {
	if err := f.owner.checkOpen(); err != nil {
		return false, err
	}
	return f.owner.sync.acquire(ctx, f.mode, waitPolicy{})
}

func (f *facade) TryLockTimeout(ctx context.Context, d time.Duration) (bool, error) {
	if err := f.owner.checkOpen(); err != nil {
		return false, err
	}
	if d <= 0 {
		return f.owner.sync.acquire(ctx, f.mode, waitPolicy{})
	}
	//deadline fixed once, every wait gets the remainder
	deadline := time.Now().Add(d)
	return f.owner.sync.acquire(ctx, f.mode, waitPolicy{block: true, deadline: deadline})
}

func (f *facade) Unlock(ctx context.Context) error {
	if err := f.owner.checkOpen(); err != nil {
		return err
	}
	return f.owner.sync.release(ctx)
}

// WithLock runs fn while holding l and always unlocks afterwards
// the unlock ignores cancellation of ctx so a cancelled fn still gives the lock back
func WithLock(ctx context.Context, l Locker, fn func(ctx context.Context) error) error {
	if err := l.Lock(ctx); err != nil {
		return err
	}

	fnErr := fn(ctx)
	unlockErr := l.Unlock(context.WithoutCancel(ctx))
	return errors.Join(fnErr, unlockErr)
}
