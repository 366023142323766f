package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newActionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "actions",
		Short: "List registered touchpoints and actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := openRuntime(cmd, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			touchpoints := rt.providers.Touchpoints()
			actions := rt.providers.Actions()
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"touchpoints": touchpoints,
					"actions":     actions,
				})
			}

			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "TOUCHPOINT\tVERSION")
			for _, t := range touchpoints {
				fmt.Fprintf(tw, "%s\t%s\n", t.ID, t.Version)
			}
			fmt.Fprintln(tw)
			fmt.Fprintln(tw, "ACTION\tVERSION")
			for _, a := range actions {
				fmt.Fprintf(tw, "%s\t%s\n", a.ID, a.Version)
			}
			return tw.Flush()
		},
	}
}
