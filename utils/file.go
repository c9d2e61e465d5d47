package utils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/projecteru2/core/log"
)

// StaleTempAge is the age threshold for removing abandoned atomic-write temp files.
const StaleTempAge = time.Hour

// EnsureDirs creates all directories with 0o700 permissions.
// Credential caches are private to the user.
func EnsureDirs(dirs ...string) error {
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ExpandPath expands a leading "~" to the user's home directory.
func ExpandPath(path string) (string, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", path, err)
	}
	return expanded, nil
}

// ModTime returns the modification time of path.
// The returned error wraps fs.ErrNotExist when path is absent.
func ModTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// Touch creates path if needed and sets its modification time to now.
func Touch(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o600) //nolint:gosec // signal file next to the cache
	if err != nil {
		return fmt.Errorf("touch %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("touch %s: %w", path, err)
	}
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		return fmt.Errorf("touch %s: %w", path, err)
	}
	return nil
}

// RemoveMatching scans dir and removes entries where match returns true.
// Returns the removed paths and a slice of errors for entries that could not be removed.
func RemoveMatching(ctx context.Context, dir string, match func(os.DirEntry) bool) ([]string, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []error{fmt.Errorf("read %s: %w", dir, err)}
	}

	var (
		removed []string
		errs    []error
	)
	for _, e := range entries {
		if !match(e) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", path, err))
			continue
		}
		removed = append(removed, path)
		log.WithFunc("utils.RemoveMatching").Infof(ctx, "removed: %s", path)
	}
	return removed, errs
}
