// Package strategy picks the cross-process lock implementation at startup.
//
// Two strategies exist: lock/filelock (exclusive file creation, works
// everywhere) and lock/flock (OS advisory locks, no stale lock files).
// Every process sharing a cache must use the same strategy, since the two do
// not exclude each other. The flock strategy locks a sibling path (see
// FlockPath), so the file it leaves behind is never taken for a stale lock
// file by processes on the file strategy.
package strategy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/credcache/lock"
	"github.com/projecteru2/credcache/lock/filelock"
	lockflock "github.com/projecteru2/credcache/lock/flock"
)

// Kind names a lock strategy.
type Kind string

const (
	// Auto selects Flock when advisory locking works in the lock directory, else File.
	Auto Kind = "auto"
	// File uses lock/filelock.
	File Kind = "file"
	// Flock uses lock/flock.
	Flock Kind = "flock"
)

const (
	probeName = ".credcache-flock-probe"
	// FlockExt replaces the lock path's extension for the flock strategy.
	FlockExt = ".flock"
)

// Options tunes the lockers built by Factory.
type Options struct {
	Timeout       time.Duration
	RetryInterval time.Duration
}

// Factory returns a constructor of Lockers for the given strategy.
// For Auto, dir is probed once to decide.
func Factory(ctx context.Context, kind Kind, dir string, opts Options) (func(path string) lock.Locker, error) {
	switch kind = Resolve(ctx, kind, dir); kind {
	case File:
		return func(path string) lock.Locker {
			return filelock.New(path, filelock.WithTimeout(opts.Timeout), filelock.WithRetryInterval(opts.RetryInterval))
		}, nil
	case Flock:
		return func(path string) lock.Locker {
			return lockflock.New(FlockPath(path), opts.Timeout)
		}, nil
	default:
		return nil, fmt.Errorf("unknown lock strategy %q", kind)
	}
}

// Resolve turns Auto (or "") into the strategy Detect picks for dir.
// Other kinds are returned as is.
func Resolve(ctx context.Context, kind Kind, dir string) Kind {
	if kind == "" || kind == Auto {
		return Detect(ctx, dir)
	}
	return kind
}

// FlockPath is the file the flock strategy locks for lock path p:
// "cache.json.lockfile" becomes "cache.json.flock".
func FlockPath(p string) string {
	return strings.TrimSuffix(p, filepath.Ext(p)) + FlockExt
}

// Detect reports Flock if an advisory lock can be taken and released on a
// probe file inside dir, and File otherwise.
func Detect(ctx context.Context, dir string) Kind {
	logger := log.WithFunc("strategy.Detect")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		logger.Warnf(ctx, "cannot create %s, falling back to %s: %v", dir, File, err)
		return File
	}
	probe := filepath.Join(dir, probeName)
	defer os.Remove(probe) //nolint:errcheck

	fl := flock.New(probe)
	ok, err := fl.TryLock()
	if err != nil || !ok {
		_ = fl.Close()
		logger.Debugf(ctx, "advisory locking unavailable in %s (locked=%v err=%v), using %s", dir, ok, err, File)
		return File
	}
	if err := fl.Unlock(); err != nil {
		logger.Debugf(ctx, "advisory unlock failed in %s: %v, using %s", dir, err, File)
		return File
	}
	return Flock
}
