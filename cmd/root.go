package cmd

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdcache "github.com/projecteru2/credcache/cmd/cache"
	cmdcore "github.com/projecteru2/credcache/cmd/core"
	cmdothers "github.com/projecteru2/credcache/cmd/others"
	"github.com/projecteru2/credcache/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "credcache",
		Short:         "credcache - shared, multi-process token cache",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(cmdcore.CommandContext(cmd))
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("location", "", "token cache location")
	cmd.PersistentFlags().String("lock-location", "", "lock file location (default <location>.lockfile)")
	cmd.PersistentFlags().String("backend", "", "persistence backend: file, keyring, encrypted, auto")
	cmd.PersistentFlags().String("lock-strategy", "", "lock strategy: auto, file, flock")
	cmd.PersistentFlags().String("log-level", "", "log level")

	_ = viper.BindPFlag("location", cmd.PersistentFlags().Lookup("location"))
	_ = viper.BindPFlag("lock_location", cmd.PersistentFlags().Lookup("lock-location"))
	_ = viper.BindPFlag("backend", cmd.PersistentFlags().Lookup("backend"))
	_ = viper.BindPFlag("lock_strategy", cmd.PersistentFlags().Lookup("lock-strategy"))
	_ = viper.BindPFlag("log.level", cmd.PersistentFlags().Lookup("log-level"))

	viper.SetEnvPrefix("CREDCACHE")
	viper.AutomaticEnv()

	confProvider := func() *config.Config { return conf }
	base := cmdcore.BaseHandler{ConfProvider: confProvider}

	for _, c := range cmdcache.Commands(cmdcache.Handler{BaseHandler: base}) {
		cmd.AddCommand(c)
	}
	for _, c := range cmdothers.Commands(cmdothers.Handler{BaseHandler: base}) {
		cmd.AddCommand(c)
	}

	return cmd
}()

func initConfig(ctx context.Context) error {
	conf = config.DefaultConfig()

	// Env-only keys must be known to viper for AutomaticEnv to pick them up.
	for _, key := range []string{
		"lock_timeout", "lock_retry_interval", "find_attempts", "find_retry_delay",
		"keyring_service", "keyring_account", "password_env", "allow_plaintext",
	} {
		_ = viper.BindEnv(key)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	_ = viper.ReadInConfig() // optional; missing file is OK

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	return log.SetupLog(ctx, &conf.Log, "")
}

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := newCommandContext()
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}
