package main

import (
	"github.com/spf13/cobra"
)

var flagConfig string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "batchctl",
		Short:         "Dynamic scheduler registry for batch jobs",
		Long:          "batchctl schedules registered jobs with cron or fixed-delay triggers and folder listeners.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "./batchctl.yaml", "path to config file (yaml or json)")

	root.AddCommand(
		newServeCmd(),
		newJobsCmd(),
		newParamsCmd(),
		newCronCmd(),
	)
	return root
}
