// Package file persists a token cache as a plaintext file.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/projecteru2/credcache/persistence"
	"github.com/projecteru2/credcache/utils"
)

// compile-time interface check.
var _ persistence.Persistence = (*File)(nil)

// File stores data unencrypted at its location. Writes are atomic renames, so
// readers see either the old or the new content.
type File struct {
	location string
	write    func(path string, data []byte, perm os.FileMode) error
}

// New creates a File persistence. A leading "~" in location is expanded.
func New(location string) (*File, error) {
	expanded, err := utils.ExpandPath(location)
	if err != nil {
		return nil, err
	}
	return &File{location: expanded, write: utils.AtomicWriteFile}, nil
}

func (f *File) Load(_ context.Context) ([]byte, bool, error) {
	data, err := os.ReadFile(f.location)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", f.location, err)
	}
	return data, true, nil
}

func (f *File) Save(_ context.Context, data []byte) error {
	if err := utils.EnsureDirs(filepath.Dir(f.location)); err != nil {
		return err
	}
	if err := f.write(f.location, data, 0o600); err != nil {
		return err
	}
	// The rename keeps the temp file's mtime, which can predate the sync of a
	// reader that loaded the old content meanwhile.
	now := time.Now()
	if err := os.Chtimes(f.location, now, now); err != nil {
		return fmt.Errorf("stamp %s: %w", f.location, err)
	}
	return nil
}

func (f *File) LastModified(_ context.Context) (time.Time, error) {
	mod, err := utils.ModTime(f.location)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, fmt.Errorf("%w: %s", persistence.ErrNotFound, f.location)
		}
		return time.Time{}, fmt.Errorf("stat %s: %w", f.location, err)
	}
	return mod, nil
}

func (f *File) Location() string { return f.location }

func (f *File) Encrypted() bool { return false }
