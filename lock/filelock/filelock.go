// Package filelock implements a cross-process lock based on the exclusive
// creation of a lock file. It needs nothing from the OS beyond O_EXCL, so it
// works on every platform and on most network filesystems.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/credcache/lock"
	"github.com/projecteru2/credcache/utils"
)

const (
	// DefaultTimeout bounds how long Lock keeps retrying.
	DefaultTimeout = 5 * time.Second
	// DefaultRetryInterval is the pause between two creation attempts.
	DefaultRetryInterval = 250 * time.Millisecond
)

// compile-time interface check.
var _ lock.Locker = (*Lock)(nil)

// Lock is a named lock backed by a file that exists only while the lock is held.
// It is not reentrant: a second Lock on the same path waits for the first Unlock.
type Lock struct {
	path     string
	timeout  time.Duration
	interval time.Duration
}

// Option customizes a Lock.
type Option func(*Lock)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(l *Lock) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithRetryInterval overrides DefaultRetryInterval.
func WithRetryInterval(d time.Duration) Option {
	return func(l *Lock) {
		if d > 0 {
			l.interval = d
		}
	}
}

// New creates a Lock for the given lock file path.
func New(path string, opts ...Option) *Lock {
	l := &Lock{path: path, timeout: DefaultTimeout, interval: DefaultRetryInterval}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Lock creates the lock file, retrying while another holder owns it.
// It gives up with lock.ErrLock once the timeout elapses, or immediately if
// the file cannot be created for any reason other than already existing.
func (l *Lock) Lock(ctx context.Context) error {
	logger := log.WithFunc("filelock.Lock")
	content := ownerContent()
	err := utils.WaitFor(ctx, l.timeout, l.interval, func() (bool, error) {
		created, err := l.create(content)
		if err != nil {
			return false, err
		}
		if !created {
			logger.Debugf(ctx, "process %d found existing lock file %s, will retry after %s", os.Getpid(), l.path, l.interval)
		}
		return created, nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, utils.ErrTimeout):
		return fmt.Errorf("%w despite trying for %s, you may want to manually remove the stale lock file %s",
			lock.ErrLock, l.timeout, l.path)
	default:
		return fmt.Errorf("%w %s: %w", lock.ErrLock, l.path, err)
	}
}

// TryLock makes a single creation attempt.
// Returns (false, nil) if the lock file already exists.
func (l *Lock) TryLock(_ context.Context) (bool, error) {
	created, err := l.create(ownerContent())
	if err != nil {
		return false, fmt.Errorf("%w %s: %w", lock.ErrLock, l.path, err)
	}
	return created, nil
}

// Unlock removes the lock file. A file that is already gone or no longer
// accessible means another process raced us to clear or take it, which is benign.
func (l *Lock) Unlock(ctx context.Context) error {
	err := os.Remove(l.path)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		log.WithFunc("filelock.Unlock").Debugf(ctx, "unable to remove lock file %s: %v", l.path, err)
		return nil
	}
	return fmt.Errorf("remove lock file %s: %w", l.path, err)
}

// create reports (false, nil) when the file already exists.
func (l *Lock) create(content string) (bool, error) {
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600) //nolint:gosec // lock path from caller
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, err
	}
	_, werr := f.WriteString(content)
	if err := errors.Join(werr, f.Close()); err != nil {
		_ = os.Remove(l.path)
		return false, fmt.Errorf("write lock file: %w", err)
	}
	return true, nil
}

// ownerContent is diagnostic only and never read back by Lock.
func ownerContent() string {
	var argv0 string
	if len(os.Args) > 0 {
		argv0 = os.Args[0]
	}
	return fmt.Sprintf("%d %s", os.Getpid(), argv0)
}
