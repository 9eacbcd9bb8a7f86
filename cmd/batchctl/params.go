package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"batchctl/internal/params"
)

func newParamsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "params <text>",
		Short: "Parse a parameter string and print its typed entries",
		Long:  "Parses name(TYPE)=value entries separated by commas, e.g. 'runDate(DATE)=2024/01/15 10:00:00:000,count(LONG)=5'.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := params.Parse(args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTYPE\tVALUE")
			for name, v := range p.All() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", name, v.Type(), v.Text())
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), p.String())
			return nil
		},
	}
}
