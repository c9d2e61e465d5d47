// Package auto builds the strongest encrypted persistence available on the
// current machine.
package auto

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/credcache/persistence"
	"github.com/projecteru2/credcache/persistence/encrypted"
	"github.com/projecteru2/credcache/persistence/file"
	"github.com/projecteru2/credcache/persistence/keyring"
)

// Options steers Build.
type Options struct {
	// Service and Account identify the secret in the OS keyring.
	Service string
	Account string
	// PasswordEnv names the variable holding the encrypted-file password.
	PasswordEnv string
	// AllowPlaintext permits a plaintext file when no encrypted backend works.
	AllowPlaintext bool
}

// ErrNoEncryption is returned when no encrypted backend is usable and
// plaintext is not allowed.
var ErrNoEncryption = errors.New("no encrypted persistence available")

// Build tries, in order: the OS keyring, an encrypted file (when a password
// is available), and a plaintext file (only with AllowPlaintext).
func Build(ctx context.Context, location string, opts Options) (persistence.Persistence, error) {
	logger := log.WithFunc("auto.Build")

	var errs []error
	err := keyring.Probe(opts.Service)
	if err == nil {
		k, err := keyring.New(location, opts.Service, opts.Account)
		if err != nil {
			return nil, err
		}
		return k, nil
	}
	errs = append(errs, err)

	if passwordAvailable(opts.PasswordEnv) {
		p, err := encrypted.New(location, encrypted.PasswordPrompt(opts.PasswordEnv))
		if err == nil {
			return p, nil
		}
		errs = append(errs, err)
	} else {
		errs = append(errs, fmt.Errorf("%w: %s not set", encrypted.ErrPasswordRequired, opts.PasswordEnv))
	}

	if opts.AllowPlaintext {
		logger.Warnf(ctx, "encryption unavailable, falling back to plaintext %s: %v", location, errors.Join(errs...))
		f, err := file.New(location)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrNoEncryption, errors.Join(errs...))
}

func passwordAvailable(env string) bool {
	if env == "" {
		return false
	}
	pw, ok := os.LookupEnv(env)
	return ok && pw != ""
}
