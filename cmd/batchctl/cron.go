package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"batchctl/internal/task/scheduler"
	"batchctl/internal/task/trigger"
)

func newCronCmd() *cobra.Command {
	var (
		count int
		tz    string
	)
	cmd := &cobra.Command{
		Use:   "cron <expression>",
		Short: "Print the next fire times of a six-field cron expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := scheduler.LoadLocation(tz)
			if err != nil {
				return err
			}
			c, err := trigger.NewCron(args[0], loc)
			if err != nil {
				return err
			}
			if count < 1 {
				return fmt.Errorf("--count must be >= 1")
			}
			n := 0
			for t := range trigger.Fires(c, time.Now().In(loc)) {
				fmt.Fprintln(cmd.OutOrStdout(), t.Format(time.RFC3339))
				if n++; n >= count {
					break
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of fire times")
	cmd.Flags().StringVar(&tz, "tz", "", "IANA timezone (default local)")
	return cmd
}
