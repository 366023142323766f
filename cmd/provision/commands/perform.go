package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/provision/pkg/config"
	"github.com/openfroyo/provision/pkg/engine"
)

func newPerformCommand() *cobra.Command {
	var (
		planFile string
		phaseIDs []string
		pctxArgs []string
	)

	cmd := &cobra.Command{
		Use:   "perform",
		Short: "Apply a plan file to a profile",
		Long: `Apply the changes described by a plan file as one transaction.

This command:
  - Loads and validates the plan file
  - Locks the target profile
  - Runs the configured phases over every operand
  - Commits a new profile snapshot, or undoes every executed action
  - Journals the transaction when a store is configured`,
		Example: `  # Apply a plan
  provision perform --plan plan.yaml

  # Only run the install phase, with a provisioning context property
  provision perform --plan plan.yaml --phase install --context mirror=https://example.org`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pf, err := config.LoadPlanFile(planFile)
			if err != nil {
				return err
			}
			pctxProps, err := parseAssignments(pctxArgs)
			if err != nil {
				return err
			}

			rt, ctx, err := openRuntime(cmd, runtimeOptions{journal: true, watch: true})
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			if err := rt.tel.StartMetricsServer(); err != nil {
				rt.logger.Warn().Err(err).Msg("Metrics server not started")
			}

			plan, ps, err := preparePlan(rt, pf, pctxProps, phaseIDs)
			if err != nil {
				return err
			}
			if plan.Len() == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to do")
				return nil
			}

			rt.logger.Info().
				Str("plan", planFile).
				Str("profile_id", pf.Profile).
				Int("operands", plan.Len()).
				Msg("Performing plan")

			monitor := &logMonitor{logger: rt.logger}
			status := rt.engine.PerformWithMonitor(ctx, plan.Profile(), ps, plan.Operands(), plan.Context(), monitor)

			rt.pruneJournal(ctx, pf.Profile)
			return statusResult(cmd.OutOrStdout(), status)
		},
	}

	cmd.Flags().StringVarP(&planFile, "plan", "p", "", "plan file to apply")
	cmd.Flags().StringSliceVar(&phaseIDs, "phase", nil, "run only these phases (default: all configured)")
	cmd.Flags().StringArrayVar(&pctxArgs, "context", nil, "provisioning context property as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("plan")

	return cmd
}

// preparePlan loads the target profile and builds the plan and phase set.
func preparePlan(rt *runtime, pf *config.PlanFile, pctxProps map[string]string, phaseIDs []string) (*engine.Plan, *engine.PhaseSet, error) {
	profile, err := rt.registry.GetProfile(pf.Profile)
	if err != nil {
		return nil, nil, err
	}

	pctx := engine.NewProvisioningContext()
	for k, v := range pctxProps {
		pctx.SetProperty(k, v)
	}

	plan, err := pf.Build(profile, pctx)
	if err != nil {
		return nil, nil, err
	}
	ps, err := rt.phaseSet(phaseIDs)
	if err != nil {
		return nil, nil, err
	}
	return plan, ps, nil
}

// pruneJournal drops journal entries beyond the configured retention.
func (rt *runtime) pruneJournal(ctx context.Context, profileID string) {
	if rt.journal == nil || rt.cfg.Store.Keep == 0 {
		return
	}
	n, err := rt.journal.PruneTransactions(context.WithoutCancel(ctx), profileID, rt.cfg.Store.Keep)
	if err != nil {
		rt.logger.Warn().Err(err).Msg("Failed to prune journal")
		return
	}
	if n > 0 {
		rt.logger.Debug().Int64("deleted", n).Msg("Pruned journal")
	}
}

// logMonitor reports engine progress through the logger.
type logMonitor struct {
	logger zerolog.Logger
	total  int
	done   int
}

func (m *logMonitor) Begin(total int) {
	m.total = total
	m.logger.Debug().Int("total", total).Msg("Progress started")
}

func (m *logMonitor) Subtask(name string) {
	m.logger.Info().Str("step", name).Msgf("[%3d%%] %s", m.percent(), name)
}

func (m *logMonitor) Worked(amount int) { m.done += amount }

func (m *logMonitor) Done() {
	m.logger.Debug().Msg("Progress done")
}

func (m *logMonitor) percent() int {
	if m.total <= 0 {
		return 0
	}
	return m.done * 100 / m.total
}
