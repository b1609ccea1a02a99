package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ec2toggle/internal/app"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot and the schedule engine",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := app.New(ctx, cfgPath)
		if err != nil {
			return err
		}
		if err := a.Start(ctx); err != nil {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			_ = a.Stop(stopCtx, app.StopFatalError)
			return err
		}

		reason := app.StopSignal
		select {
		case <-ctx.Done():
		case <-a.Done():
			if a.Err() != nil {
				reason = app.StopFatalError
			} else {
				reason = app.StopAppStop
			}
		}

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := a.Stop(stopCtx, reason); err != nil {
			return err
		}
		return a.Err()
	},
}
