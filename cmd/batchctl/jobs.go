package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"batchctl/internal/app"
	"batchctl/internal/config"
	"batchctl/internal/job"
	"batchctl/internal/storage"
	logx "batchctl/pkg/logx"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect stored job configurations",
	}
	cmd.AddCommand(newJobsListCmd(), newJobsShowCmd())
	return cmd
}

func openStore() (storage.Store, error) {
	cfg, err := config.NewConfigManager(flagConfig).Load()
	if err != nil {
		return nil, err
	}
	return app.OpenStore(cfg, logx.NewConsole("warn"))
}

func newJobsListCmd() *cobra.Command {
	var names []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored configurations",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			var cfgs []*job.Configuration
			if len(names) > 0 {
				cfgs, err = store.ListByJobNames(cmd.Context(), names...)
			} else {
				cfgs, err = store.List(cmd.Context())
			}
			if err != nil {
				return fmt.Errorf("list configurations: %w", err)
			}
			if len(cfgs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No configurations stored.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tJOB\tKIND\tUNIT\tTRIGGER\tSTATUS")
			for _, c := range cfgs {
				kind, unit, trig, status := describe(c)
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", c.ID, c.JobName, kind, unit, trig, status)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringSliceVar(&names, "job", nil, "only configurations of these job names")
	return cmd
}

func newJobsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print one stored configuration as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			cfg, err := store.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
}

func describe(c *job.Configuration) (kind, unit, trig string, status job.Status) {
	switch {
	case c.Scheduler != nil:
		sc := c.Scheduler
		trig = sc.CronExpression
		if sc.Type == job.SchedulerPeriod {
			trig = fmt.Sprintf("every %dms (initial %dms)", sc.FixedDelayMs, sc.InitialDelayMs)
		}
		return string(sc.Type), sc.BeanName, trig, sc.Status
	case c.Listener != nil:
		lc := c.Listener
		return string(lc.Type), lc.BeanName, lc.SourceFolder + "/" + lc.FilePattern, lc.Status
	default:
		return "-", "-", "-", "-"
	}
}
