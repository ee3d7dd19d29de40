package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	strainschema "github.com/strainhq/strain/schema"
)

func newPlanCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Inspect and validate plan files",
	}
	cmd.AddCommand(newPlanValidateCmd(ctx))
	cmd.AddCommand(newPlanShowCmd(ctx))
	cmd.AddCommand(newPlanSchemaCmd())
	return cmd
}

func newPlanValidateCmd(ctx *context) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a plan file",
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := ctx.loadPlan()
			if err != nil {
				return err
			}
			// Load checks structure; workload names only resolve against
			// the registry this binary carries.
			reg := workloadRegistry()
			for _, name := range plan.StressorsSorted() {
				st := plan.Stressors[name]
				if _, ok := reg.Lookup(st.Workload); !ok {
					return fmt.Errorf("stressors.%s.workload: unknown workload %q", name, st.Workload)
				}
			}
			workers := 0
			for _, st := range plan.Stressors {
				workers += st.Workers
			}
			fmt.Fprintf(cmd.OutOrStdout(), "plan %s is valid: %d stressors, %d workers\n",
				plan.Run.Name, len(plan.Stressors), workers)
			return nil
		},
	}
}

func newPlanShowCmd(ctx *context) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the resolved plan with defaults applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := ctx.loadPlan()
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(plan)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func newPlanSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema plans are validated against",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := cmd.OutOrStdout().Write(strainschema.PlanV1Schema)
			return err
		},
	}
}
