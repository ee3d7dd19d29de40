package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/strainhq/strain/internal/proc"
)

func newProbeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "probe",
		Short:  "Disposable operation helpers (spawned by workloads)",
		Hidden: true,
	}
	cmd.AddCommand(newProbeOpenCmd())
	return cmd
}

// newProbeOpenCmd opens a path that is allowed to wedge inside the
// kernel. The parent enforces the deadline and reaps us; this side just
// reports whether the resource was there at all.
func newProbeOpenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open <path>",
		Short: "Open a path once and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			switch {
			case err == nil:
				return f.Close()
			case os.IsNotExist(err), os.IsPermission(err):
				return &exitError{code: proc.ExitNoResource, err: err}
			default:
				return &exitError{code: proc.ExitFailure, err: err}
			}
		},
	}
}
