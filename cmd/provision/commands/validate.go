package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/provision/pkg/config"
)

func newValidateCommand() *cobra.Command {
	var (
		planFile string
		phaseIDs []string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a plan file without applying it",
		Long: `Check a plan file against the current profile without changing anything.

This command checks:
  - Plan file syntax and required fields
  - That removed and updated units are installed
  - That every touchpoint and action the phases would run can be resolved`,
		Example: `  # Validate a plan
  provision validate --plan plan.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pf, err := config.LoadPlanFile(planFile)
			if err != nil {
				return err
			}

			rt, ctx, err := openRuntime(cmd, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			plan, ps, err := preparePlan(rt, pf, nil, phaseIDs)
			if err != nil {
				return err
			}

			rt.logger.Debug().Str("plan", planFile).Int("operands", plan.Len()).Msg("Validating plan")
			status := rt.engine.Validate(ctx, plan.Profile(), ps, plan.Operands(), plan.Context())
			if err := statusResult(cmd.OutOrStdout(), status); err != nil {
				return err
			}
			if !jsonOutput {
				fmt.Fprintf(cmd.OutOrStdout(), "Plan is valid: %d operand(s) for profile %s\n", plan.Len(), pf.Profile)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&planFile, "plan", "p", "", "plan file to validate")
	cmd.Flags().StringSliceVar(&phaseIDs, "phase", nil, "validate only these phases (default: all configured)")
	_ = cmd.MarkFlagRequired("plan")

	return cmd
}
