package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/projecteru2/credcache/config"
	"github.com/projecteru2/credcache/lock"
	"github.com/projecteru2/credcache/lock/strategy"
	"github.com/projecteru2/credcache/persisted"
	"github.com/projecteru2/credcache/persistence"
	"github.com/projecteru2/credcache/persistence/auto"
	"github.com/projecteru2/credcache/persistence/encrypted"
	"github.com/projecteru2/credcache/persistence/file"
	"github.com/projecteru2/credcache/persistence/keyring"
	"github.com/projecteru2/credcache/tokencache"
)

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// CommandContext returns command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// InitPersistence builds the configured persistence backend.
func InitPersistence(ctx context.Context, conf *config.Config) (persistence.Persistence, error) {
	var (
		p   persistence.Persistence
		err error
	)
	switch conf.Backend {
	case config.BackendFile:
		p, err = file.New(conf.Location)
	case config.BackendKeyring:
		p, err = keyring.New(conf.Location, conf.KeyringService, conf.KeyringAccount)
	case config.BackendEncrypted:
		p, err = encrypted.New(conf.Location, encrypted.PasswordPrompt(conf.PasswordEnv))
	case config.BackendAuto:
		p, err = auto.Build(ctx, conf.Location, auto.Options{
			Service:        conf.KeyringService,
			Account:        conf.KeyringAccount,
			PasswordEnv:    conf.PasswordEnv,
			AllowPlaintext: conf.AllowPlaintext,
		})
	default:
		return nil, fmt.Errorf("unknown backend %q", conf.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s backend: %w", conf.Backend, err)
	}
	return p, nil
}

// InitLocker returns the lock constructor for the configured strategy.
func InitLocker(ctx context.Context, conf *config.Config) (func(path string) lock.Locker, error) {
	newLocker, err := strategy.Factory(ctx, strategy.Kind(conf.LockStrategy), conf.LockDir(), strategy.Options{
		Timeout:       conf.LockTimeout,
		RetryInterval: conf.LockRetryInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("init lock: %w", err)
	}
	return newLocker, nil
}

// InitCache wires persistence, lock strategy and an in-memory token cache.
func InitCache(ctx context.Context, conf *config.Config) (*persisted.Cache, error) {
	p, err := InitPersistence(ctx, conf)
	if err != nil {
		return nil, err
	}
	newLocker, err := InitLocker(ctx, conf)
	if err != nil {
		return nil, err
	}
	c, err := persisted.New(p, tokencache.New(),
		persisted.WithLockLocation(conf.LockLocation),
		persisted.WithLocker(newLocker),
		persisted.WithFindRetry(conf.FindAttempts, conf.FindRetryDelay),
	)
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}
	return c, nil
}

// ParseFields turns "key=value" arguments into an entry.
func ParseFields(args []string) (tokencache.Entry, error) {
	fields := tokencache.Entry{}
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid field %q, expected key=value", arg)
		}
		fields[k] = v
	}
	return fields, nil
}
