package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/chaz8081/proximity-signal/internal/config"
)

// app carries state shared by subcommands once the root pre-run has loaded
// the configuration.
type app struct {
	configPath string
	logLevel   string
	driver     string

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "proximity-signal",
		Short:         "proximity-signal broadcasts and detects BLE proximity tokens",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "",
		"path to config file (default: ~/.config/proximity-signal/config.yaml)")
	root.PersistentFlags().StringVarP(&a.logLevel, "log-level", "l", "",
		"log level: debug, info, warn or error; overrides log_level")
	root.PersistentFlags().StringVar(&a.driver, "driver", "",
		"radio driver: tinygo or sim; overrides driver")

	root.AddCommand(
		newServeCmd(a),
		newBroadcastCmd(a),
		newScanCmd(a),
		newDiscoverCmd(a),
		newTokenCmd(),
		newInitCmd(),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.driver != "" {
		cfg.Driver = a.driver
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	a.cfg = cfg

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)})
	slog.SetDefault(slog.New(handler))
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	defaultPath := config.DefaultConfigPath()
	cfg, err := config.LoadOrDefault(defaultPath)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
	}
	return cfg, nil
}
