package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewVersionCommand creates the version command.
func NewVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  `Display the mazos version and the platform it boots on.`,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "mazos v%s\n", version)
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Unikernel core for the simulated x86 PC platform")
		},
	}
}
