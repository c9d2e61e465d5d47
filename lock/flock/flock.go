package flock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"

	"github.com/projecteru2/credcache/lock"
)

const (
	// DefaultTimeout matches lock/filelock so both strategies fail alike.
	DefaultTimeout = 5 * time.Second
	retryDelay     = 250 * time.Millisecond
)

// compile-time interface check.
var _ lock.Locker = (*Lock)(nil)

// Lock provides mutual exclusion combining:
//   - In-process exclusion via a size-1 buffered channel. A goroutine acquires
//     the in-process token by sending to ch; it releases by receiving from ch.
//     flock(2) locks are per open file description, so without the token two
//     goroutines sharing a Lock could both succeed.
//   - Cross-process exclusion via flock(2) with a fresh fd on every acquisition.
//
// Unlike lock/filelock the lock file stays on disk; the kernel drops the lock
// when the holder dies, so there is no stale-lock state to recover from.
type Lock struct {
	path    string
	timeout time.Duration
	ch      chan struct{}
	// fl is the active flock fd, non-nil while the lock is held.
	fl *flock.Flock
}

// New creates a Lock for the given path. A non-positive timeout selects DefaultTimeout.
func New(path string, timeout time.Duration) *Lock {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Lock{path: path, timeout: timeout, ch: make(chan struct{}, 1)}
}

// Lock acquires the lock, blocking until available, the timeout elapses or ctx is cancelled.
func (l *Lock) Lock(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		return l.acquireErr(ctx.Err())
	}
	ok, err := l.commitFlock(func(fl *flock.Flock) (bool, error) {
		return fl.TryLockContext(ctx, retryDelay)
	})
	if err != nil {
		return l.acquireErr(err)
	}
	if !ok {
		return l.acquireErr(ctx.Err())
	}
	return nil
}

// TryLock attempts a non-blocking acquisition.
// Returns (false, nil) if the lock is currently held by another caller.
func (l *Lock) TryLock(_ context.Context) (bool, error) {
	select {
	case l.ch <- struct{}{}:
	default:
		return false, nil
	}
	ok, err := l.commitFlock(func(fl *flock.Flock) (bool, error) {
		return fl.TryLock()
	})
	if err != nil {
		return false, fmt.Errorf("%w %s: %w", lock.ErrLock, l.path, err)
	}
	return ok, nil
}

// Unlock releases the lock.
func (l *Lock) Unlock(_ context.Context) error {
	var err error
	if l.fl != nil {
		err = l.fl.Unlock()
		l.fl = nil
	}
	select {
	case <-l.ch:
	default:
	}
	if err != nil {
		return fmt.Errorf("release flock %s: %w", l.path, err)
	}
	return nil
}

func (l *Lock) acquireErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w %s despite trying for %s", lock.ErrLock, l.path, l.timeout)
	}
	return fmt.Errorf("%w %s: %w", lock.ErrLock, l.path, err)
}

// commitFlock opens a fresh flock fd, runs acquire, and either stores the fd
// (on success) or releases the channel token (on failure) so Unlock is always
// called in a balanced pair with Lock/TryLock.
func (l *Lock) commitFlock(acquire func(*flock.Flock) (bool, error)) (bool, error) {
	fl := flock.New(l.path)
	locked, err := acquire(fl)
	if err != nil || !locked {
		_ = fl.Close()
		<-l.ch
		return false, err
	}
	l.fl = fl
	return true, nil
}
