package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"reportd/internal/app"
)

var (
	serveConfig      string
	serveStopTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, delivery and management API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := app.NewApp(ctx, serveConfig)
		if err != nil {
			return fmt.Errorf("init: %w", err)
		}
		if err := a.Start(ctx); err != nil {
			stopCtx, c := context.WithTimeout(context.Background(), serveStopTimeout)
			defer c()
			_ = a.Stop(stopCtx, app.StopFatalError)
			return fmt.Errorf("start: %w", err)
		}

		reason := app.StopSignal
		select {
		case <-ctx.Done():
		case <-a.Done():
			reason = app.StopFatalError
		}

		stopCtx, c := context.WithTimeout(context.Background(), serveStopTimeout)
		defer c()
		_ = a.Stop(stopCtx, reason)
		if reason == app.StopFatalError {
			return a.Err()
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfig, "config", "c", "./reportd.yaml", "path to config file (yaml or json)")
	serveCmd.Flags().DurationVar(&serveStopTimeout, "stop-timeout", 20*time.Second, "upper bound for graceful shutdown")
}
