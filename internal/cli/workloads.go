package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newWorkloadsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workloads",
		Short: "List the available workloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range workloadRegistry().Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
