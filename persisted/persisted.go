// Package persisted keeps an in-memory token cache in step with a persistence
// shared by many processes, so that desktop apps get single sign-on.
//
// Each Cache holds a snapshot of the token cache in memory. Find reloads the
// snapshot when the persistence is newer, without taking the cross-process
// lock, and retries when a reload fails because another process is midway
// through a write. Modify takes the lock, reloads, applies the change and
// flushes it back before releasing, so writes from all processes serialize.
package persisted

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/credcache/lock"
	"github.com/projecteru2/credcache/lock/filelock"
	"github.com/projecteru2/credcache/persistence"
	"github.com/projecteru2/credcache/tokencache"
	"github.com/projecteru2/credcache/utils"
)

const (
	// LockSuffix is appended to the persistence location to name the default lock file.
	LockSuffix = ".lockfile"
	// DefaultFindAttempts bounds the reloads Find tries before giving up.
	DefaultFindAttempts = 3
	// DefaultFindRetryDelay is the pause between two Find reloads.
	DefaultFindRetryDelay = 500 * time.Millisecond
)

// Cache is a token cache backed by a persistence and coordinated by a
// cross-process lock. It is safe for concurrent use by goroutines.
//
// Deserialize and Serialize act on the in-memory snapshot only; they neither
// reload from nor flush to the persistence.
type Cache struct {
	mu sync.Mutex

	cache        tokencache.Serializable
	persistence  persistence.Persistence
	locker       lock.Locker
	lockLocation string

	// lastSync is the last time the snapshot was known to match the persistence.
	lastSync time.Time
	now      func() time.Time

	findAttempts   int
	findRetryDelay time.Duration
}

type options struct {
	lockLocation   string
	newLocker      func(path string) lock.Locker
	now            func() time.Time
	findAttempts   int
	findRetryDelay time.Duration
}

// Option customizes a Cache.
type Option func(*options)

// WithLockLocation overrides the default "<persistence location>.lockfile".
func WithLockLocation(path string) Option {
	return func(o *options) { o.lockLocation = path }
}

// WithLocker selects the lock strategy, see lock/strategy. Defaults to lock/filelock.
func WithLocker(newLocker func(path string) lock.Locker) Option {
	return func(o *options) { o.newLocker = newLocker }
}

// WithFindRetry overrides DefaultFindAttempts and DefaultFindRetryDelay.
func WithFindRetry(attempts int, delay time.Duration) Option {
	return func(o *options) {
		if attempts > 0 {
			o.findAttempts = attempts
		}
		if delay >= 0 {
			o.findRetryDelay = delay
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New wraps cache with p. The lock file's directory is created if missing.
func New(p persistence.Persistence, cache tokencache.Serializable, opts ...Option) (*Cache, error) {
	if p == nil || cache == nil {
		return nil, fmt.Errorf("persistence and cache are required")
	}
	o := options{
		newLocker:      func(path string) lock.Locker { return filelock.New(path) },
		now:            time.Now,
		findAttempts:   DefaultFindAttempts,
		findRetryDelay: DefaultFindRetryDelay,
	}
	for _, opt := range opts {
		opt(&o)
	}

	lockLocation := p.Location() + LockSuffix
	if o.lockLocation != "" {
		expanded, err := utils.ExpandPath(o.lockLocation)
		if err != nil {
			return nil, err
		}
		lockLocation = expanded
	}
	if err := utils.EnsureDirs(filepath.Dir(lockLocation)); err != nil {
		return nil, err
	}

	return &Cache{
		cache:          cache,
		persistence:    p,
		locker:         o.newLocker(lockLocation),
		lockLocation:   lockLocation,
		now:            o.now,
		findAttempts:   o.findAttempts,
		findRetryDelay: o.findRetryDelay,
	}, nil
}

// Modify applies the change under the cross-process lock, on top of the
// latest persisted data, and flushes the result back to the persistence.
func (c *Cache) Modify(ctx context.Context, credentialType string, old, fields tokencache.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return lock.WithLock(ctx, c.locker, func() error {
		if err := c.reloadIfNecessary(ctx); err != nil {
			return err
		}
		if err := c.cache.Modify(credentialType, old, fields); err != nil {
			return err
		}
		data, err := c.cache.Serialize()
		if err != nil {
			return err
		}
		if err := c.persistence.Save(ctx, data); err != nil {
			return fmt.Errorf("save %s: %w", c.persistence.Location(), err)
		}
		c.markSynced()
		return nil
	})
}

// Find returns the entries of credentialType matching query.
//
// No lock is taken. A reload failure is presumed to be a dirty read caused by
// a concurrent writer and is retried; once the attempts are used up the last
// failure is returned rather than a possibly stale or empty result. A context
// cancelled while waiting ends the retries with the last failure joined to
// the context error.
func (c *Cache) Find(ctx context.Context, credentialType string, query tokencache.Entry) ([]tokencache.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	logger := log.WithFunc("persisted.Find")
	var b backoff.BackOff = backoff.NewConstantBackOff(c.findRetryDelay)
	b = backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.findAttempts-1)), ctx) //nolint:gosec // attempts >= 1

	var (
		attempt int
		lastErr error
	)
	err := backoff.RetryNotify(func() error {
		attempt++
		lastErr = c.reloadIfNecessary(ctx)
		return lastErr
	}, b, func(err error, wait time.Duration) {
		logger.Debugf(ctx, "unable to load token cache %s in attempt %d, retry after %s: %v",
			c.persistence.Location(), attempt, wait, err)
	})
	if err != nil {
		// Cancellation surfaces as the context error alone; keep the reload failure too.
		if lastErr != nil && !errors.Is(err, lastErr) {
			err = errors.Join(lastErr, err)
		}
		return nil, err
	}
	return c.cache.Find(credentialType, query), nil
}

// Deserialize replaces the in-memory snapshot without touching the persistence.
func (c *Cache) Deserialize(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Deserialize(data)
}

// Serialize snapshots the in-memory cache without reloading it.
func (c *Cache) Serialize() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Serialize()
}

// Encrypted reports whether the persistence encrypts data at rest.
func (c *Cache) Encrypted() bool { return c.persistence.Encrypted() }

// LockLocation is the lock file guarding writes.
func (c *Cache) LockLocation() string { return c.lockLocation }

// Persistence returns the backing persistence.
func (c *Cache) Persistence() persistence.Persistence { return c.persistence }

// reloadIfNecessary loads the persistence when it changed after the last sync.
// A persistence that does not exist yet is nothing to reload. Data that exists
// but cannot be read or decoded is an error.
func (c *Cache) reloadIfNecessary(ctx context.Context) error {
	mod, err := c.persistence.LastModified(ctx)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", c.persistence.Location(), err)
	}
	if !c.lastSync.Before(mod) {
		return nil
	}
	data, found, err := c.persistence.Load(ctx)
	if err != nil {
		return fmt.Errorf("load %s: %w", c.persistence.Location(), err)
	}
	if !found {
		return nil
	}
	if err := c.cache.Deserialize(data); err != nil {
		return err
	}
	c.markSynced()
	return nil
}

// markSynced keeps lastSync monotonic even if the clock steps back.
func (c *Cache) markSynced() {
	if now := c.now(); now.After(c.lastSync) {
		c.lastSync = now
	}
}
