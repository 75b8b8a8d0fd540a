package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/glimte/mmate-rpc/config"
	"github.com/glimte/mmate-rpc/internal/logging"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

type globalFlags struct {
	configPath string
	transport  string
	logLevel   string
}

func main() {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:   "mmate-rpc",
		Short: "Request/reply over a partitioned pub/sub log",
		Long: `mmate-rpc runs the open banking gateway (client), the bank responder (bank)
or both in one process (demo), and provisions the topics they use.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to config file (default configs/config.yaml if present)")
	rootCmd.PersistentFlags().StringVarP(&flags.transport, "transport", "t", "", "Transport kind: memory, rabbitmq or kafka")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn or error")

	rootCmd.AddCommand(
		newClientCmd(&flags),
		newBankCmd(&flags),
		newDemoCmd(&flags),
		newTopicsCmd(&flags),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads the configuration, applies flag overrides and builds the logger
func setup(flags *globalFlags) (config.Config, *slog.Logger, func(), error) {
	cfg, err := config.LoadFromPath(flags.configPath)
	if err != nil {
		return config.Config{}, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if flags.transport != "" {
		cfg.Transport.Kind = flags.transport
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, nil, err
	}

	logger, sync, err := logging.New(cfg.Service, cfg.Log.Level)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, func() { _ = sync() }, nil
}
