package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"pkt.systems/mbus/internal/version"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the mbus version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.Module(), version.Current())
		},
	}
}
