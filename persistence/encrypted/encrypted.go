// Package encrypted persists a token cache as a password-encrypted (JWE) file
// through the 99designs/keyring file backend.
package encrypted

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/99designs/keyring"
	"golang.org/x/term"

	"github.com/projecteru2/credcache/persistence"
	"github.com/projecteru2/credcache/utils"
)

const (
	serviceName  = "credcache"
	signalSuffix = ".signal"
)

// ErrPasswordRequired is returned by the prompt when no password source is available.
var ErrPasswordRequired = errors.New("encryption password required")

// compile-time interface check.
var _ persistence.Persistence = (*Encrypted)(nil)

// Encrypted keeps the cache in the directory of its location under the
// location's base name; "<location>.signal" tracks the modification time.
type Encrypted struct {
	ring     keyring.Keyring
	key      string
	location string
}

// New opens the encrypted store at location. prompt supplies the password
// when the file is first read or written.
func New(location string, prompt keyring.PromptFunc) (*Encrypted, error) {
	expanded, err := utils.ExpandPath(location)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(expanded)
	if err := utils.EnsureDirs(dir); err != nil {
		return nil, err
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName:      serviceName,
		AllowedBackends:  []keyring.BackendType{keyring.FileBackend},
		FileDir:          dir,
		FilePasswordFunc: prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("open encrypted store %s: %w", dir, err)
	}
	return &Encrypted{ring: ring, key: filepath.Base(expanded), location: expanded}, nil
}

// PasswordPrompt reads the password from the env variable, then from the
// terminal when stdin is one.
func PasswordPrompt(env string) keyring.PromptFunc {
	return func(prompt string) (string, error) {
		if pw, ok := os.LookupEnv(env); ok && pw != "" {
			return pw, nil
		}
		fd := int(os.Stdin.Fd()) //nolint:gosec // fd fits in int
		if !term.IsTerminal(fd) {
			return "", fmt.Errorf("%w: set %s or run interactively", ErrPasswordRequired, env)
		}
		fmt.Fprintf(os.Stderr, "%s: ", prompt)
		pw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(pw), nil
	}
}

func (e *Encrypted) Load(_ context.Context) ([]byte, bool, error) {
	item, err := e.ring.Get(e.key)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("decrypt %s: %w", e.location, err)
	}
	return item.Data, true, nil
}

func (e *Encrypted) Save(_ context.Context, data []byte) error {
	if err := e.ring.Set(keyring.Item{Key: e.key, Data: data}); err != nil {
		return fmt.Errorf("encrypt %s: %w", e.location, err)
	}
	return utils.Touch(e.signalPath())
}

func (e *Encrypted) LastModified(_ context.Context) (time.Time, error) {
	mod, err := utils.ModTime(e.signalPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, fmt.Errorf("%w: %s", persistence.ErrNotFound, e.location)
		}
		return time.Time{}, fmt.Errorf("stat %s: %w", e.signalPath(), err)
	}
	return mod, nil
}

func (e *Encrypted) Location() string { return e.location }

func (e *Encrypted) Encrypted() bool { return true }

func (e *Encrypted) signalPath() string { return e.location + signalSuffix }
