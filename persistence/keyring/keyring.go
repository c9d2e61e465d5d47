// Package keyring persists a token cache in the OS credential store
// (macOS Keychain, Secret Service/libsecret on Linux, Windows Credential Manager).
//
// Credential stores keep no modification time, so every Save also touches a
// signal file whose mtime stands in for the store's.
package keyring

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	gokeyring "github.com/zalando/go-keyring"

	"github.com/projecteru2/credcache/persistence"
	"github.com/projecteru2/credcache/utils"
)

const probeAccount = "credcache-keyring-probe"

// compile-time interface check.
var _ persistence.Persistence = (*Keyring)(nil)

// Keyring stores the cache as one secret identified by service and account.
type Keyring struct {
	signal  string
	service string
	account string
}

// New creates a Keyring persistence. signalLocation is the signal file path,
// and doubles as Location.
func New(signalLocation, service, account string) (*Keyring, error) {
	if service == "" || account == "" {
		return nil, fmt.Errorf("keyring service and account are required")
	}
	expanded, err := utils.ExpandPath(signalLocation)
	if err != nil {
		return nil, err
	}
	return &Keyring{signal: expanded, service: service, account: account}, nil
}

// Probe checks whether the OS credential store is reachable. A lookup of a
// missing secret fails with ErrNotFound on a working store and with some
// other error (e.g. no D-Bus session in a container) otherwise.
func Probe(service string) error {
	if _, err := gokeyring.Get(service, probeAccount); err != nil && !errors.Is(err, gokeyring.ErrNotFound) {
		return fmt.Errorf("system keyring not available: %w", err)
	}
	return nil
}

func (k *Keyring) Load(_ context.Context) ([]byte, bool, error) {
	secret, err := gokeyring.Get(k.service, k.account)
	if err != nil {
		if errors.Is(err, gokeyring.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get %s/%s from keyring: %w", k.service, k.account, err)
	}
	return []byte(secret), true, nil
}

func (k *Keyring) Save(_ context.Context, data []byte) error {
	if err := gokeyring.Set(k.service, k.account, string(data)); err != nil {
		return fmt.Errorf("set %s/%s in keyring: %w", k.service, k.account, err)
	}
	if err := utils.EnsureDirs(filepath.Dir(k.signal)); err != nil {
		return err
	}
	return utils.Touch(k.signal)
}

func (k *Keyring) LastModified(_ context.Context) (time.Time, error) {
	mod, err := utils.ModTime(k.signal)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, fmt.Errorf("%w: %s", persistence.ErrNotFound, k.signal)
		}
		return time.Time{}, fmt.Errorf("stat %s: %w", k.signal, err)
	}
	return mod, nil
}

func (k *Keyring) Location() string { return k.signal }

func (k *Keyring) Encrypted() bool { return true }
