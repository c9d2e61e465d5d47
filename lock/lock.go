package lock

import (
	"context"
	"errors"
)

// ErrLock is returned when a lock cannot be obtained, either because the
// deadline elapsed or because the platform cannot create the lock at all.
var ErrLock = errors.New("unable to obtain lock")

// Locker provides mutual exclusion with context support.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
	TryLock(ctx context.Context) (bool, error)
}

// WithLock acquires l, runs fn and releases l. The release is attempted on
// every exit path, including a panic in fn. A release failure is joined with
// the error returned by fn.
func WithLock(ctx context.Context, l Locker, fn func() error) (err error) {
	if err := l.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		if uerr := l.Unlock(ctx); uerr != nil {
			err = errors.Join(err, uerr)
		}
	}()
	return fn()
}
