package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"powgate/internal/observability"
	"powgate/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gate in front of the configured backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	logger := observability.GetLogger()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	app, err := server.NewApp(ctx, cfg, logger, Version)
	if err != nil {
		return err
	}
	defer app.Close()
	app.Start(ctx)

	// Server configuration
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      app.Handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting powgate",
			zap.String("addr", srv.Addr),
			zap.String("version", Version),
			zap.String("backend", cfg.Server.Backend),
			zap.Int("difficulty", cfg.Challenge.Difficulty),
			zap.Int("protectedRoutes", len(cfg.Protected)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Block until shutdown signal
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("could not start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("Shutdown signal received")

	// Gracefully shut down
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("Server exited gracefully")
	return nil
}
