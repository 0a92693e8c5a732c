package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/gitd/internal/version"
)

func newVersionCommand() *cobra.Command {
	var agent bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the gitd version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if agent {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Agent())
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.Module(), version.Current())
			return err
		},
	}
	cmd.Flags().BoolVar(&agent, "agent", false, "print the agent string advertised to git clients")
	return cmd
}
