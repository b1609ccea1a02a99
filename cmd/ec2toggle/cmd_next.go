package main

import (
	"fmt"
	"strings"
	"time"

	"ec2toggle/internal/engine"
	"ec2toggle/internal/recurrence"

	"github.com/spf13/cobra"
)

var (
	nextDays  string
	nextAt    string
	nextCount int
	nextTZ    string
	nextFrom  string
)

func init() {
	rootCmd.AddCommand(nextCmd)
	nextCmd.Flags().StringVar(&nextDays, "days", "daily", `weekdays: "0,2,4", "mon,wed", or weekdays|weekends|daily`)
	nextCmd.Flags().StringVar(&nextAt, "at", "", "time of day, HH:MM (24h)")
	nextCmd.Flags().IntVar(&nextCount, "count", 5, "number of occurrences to print")
	nextCmd.Flags().StringVar(&nextTZ, "tz", "America/Sao_Paulo", "IANA timezone of the wall clock")
	nextCmd.Flags().StringVar(&nextFrom, "from", "", "reference instant, RFC 3339 (default now)")
	_ = nextCmd.MarkFlagRequired("at")
}

var nextCmd = &cobra.Command{
	Use:   "next",
	Short: "Print the upcoming fire times of a recurrence",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		loc, err := time.LoadLocation(strings.TrimSpace(nextTZ))
		if err != nil {
			return fmt.Errorf("invalid --tz: %w", err)
		}
		days, err := recurrence.ParseWeekdaySet(nextDays)
		if err != nil {
			return err
		}
		at, err := recurrence.ParseTimeOfDay(nextAt)
		if err != nil {
			return err
		}
		ref := time.Now()
		if nextFrom != "" {
			if ref, err = time.Parse(time.RFC3339, nextFrom); err != nil {
				return fmt.Errorf("invalid --from: %w", err)
			}
		}
		if nextCount < 1 {
			return fmt.Errorf("--count must be at least 1")
		}

		rule := recurrence.Rule{Weekdays: days, TimeOfDay: at}
		times, err := rule.Upcoming(ref, loc, nextCount)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s (%s)\n", rule, loc)
		for _, t := range times {
			fmt.Fprintf(out, "  %s  %s\n", engine.FormatLocal(t, loc), t.UTC().Format(time.RFC3339))
		}
		return nil
	},
}
