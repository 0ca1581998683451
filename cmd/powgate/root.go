package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"powgate/internal/config"
	"powgate/internal/observability"
)

// Version is set at build time with -ldflags "-X 'main.Version=...'"
var Version = "dev"

var (
	cfgFile  string
	logLevel string

	// cfg is loaded once by the root command before any subcommand runs.
	cfg *config.Config
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "powgate",
		Short:         "powgate guards mutating HTTP routes with signed challenges and proof-of-work.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.LoadConfig(cfgFile)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "powgate"})
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if logLevel != "" {
				loaded.Logger.Level = logLevel
			}
			cfg = loaded
			observability.InitializeLogger(cfg.Logger)
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logger.level")

	root.AddCommand(
		newServeCmd(),
		newFingerprintCmd(),
		newSolveCmd(),
		newCallCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the root command with ctx, which is cancelled on shutdown signals.
func Execute(ctx context.Context) error {
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		// Avoid logging context.Canceled errors as failures, as they are expected
		// during graceful shutdown.
		if ctx.Err() == nil {
			observability.GetLogger().Error("Command execution failed", zap.Error(err))
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return err
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "powgate", Version)
			return err
		},
	}
}
