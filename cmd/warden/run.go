package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"warden/internal/app"
)

func newRunCommand(version string, register registerFunc) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfgPath, version, register, stopTimeout)
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 30*time.Second, "upper bound for the shutdown sequence")
	return cmd
}

func run(ctx context.Context, cfgPath, version string, register registerFunc, stopTimeout time.Duration) error {
	a, err := app.New(cfgPath, app.Options{Version: version})
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	if err := register(a.Plugins()); err != nil {
		_ = a.Stop(context.Background())
		return fmt.Errorf("register plugins: %w", err)
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background())
		return fmt.Errorf("start: %w", err)
	}

	// A fatal supervisor error also cancels the app context.
	select {
	case <-ctx.Done():
	case <-a.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	stopErr := a.Stop(stopCtx)
	if err := a.Err(); err != nil {
		return err
	}
	return stopErr
}
