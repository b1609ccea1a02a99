package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"ec2toggle/internal/config"
	"ec2toggle/internal/storage"
	logx "ec2toggle/pkg/logx"

	"github.com/spf13/cobra"
)

var schedulesOwner int64

func init() {
	rootCmd.AddCommand(schedulesCmd)
	schedulesCmd.Flags().Int64Var(&schedulesOwner, "owner", 0, "only list schedules of this chat id")
}

var schedulesCmd = &cobra.Command{
	Use:   "schedules",
	Short: "List active schedules straight from storage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(cfgPath); err != nil {
			return err
		}
		cfg, err := config.NewManager(cfgPath).Load()
		if err != nil {
			return err
		}
		loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
		if err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
		if err != nil {
			return err
		}
		store, err := storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			DSN:         cfg.Storage.DSN,
			BusyTimeout: busy,
			MaxConns:    cfg.Storage.MaxConns,
		}, logx.NewWriter(cmd.ErrOrStderr(), cfg.Logging.Level))
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var recs []storage.Record
		if schedulesOwner != 0 {
			recs, err = store.AllActiveForOwner(ctx, schedulesOwner)
		} else {
			recs, err = store.AllActive(ctx)
		}
		if err != nil {
			return fmt.Errorf("list schedules: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(recs) == 0 {
			fmt.Fprintln(out, "No schedules found.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tOWNER\tTARGET\tACTION\tWHEN\tNEXT")
		for _, r := range recs {
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\n",
				r.ID, r.OwnerID, r.TargetID, r.Action, r.Rule(),
				r.NextFire.In(loc).Format("Mon 2006-01-02 15:04 MST"),
			)
		}
		return w.Flush()
	},
}
