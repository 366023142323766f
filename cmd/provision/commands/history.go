package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "history [profile]",
		Short: "List journaled transactions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := openRuntime(cmd, runtimeOptions{journal: true})
			if err != nil {
				return err
			}
			defer rt.Close(ctx)
			if rt.journal == nil {
				return fmt.Errorf("no transaction journal is configured")
			}

			filter := stores.TransactionFilter{Limit: limit, Offset: offset}
			if len(args) > 0 {
				filter.ProfileID = args[0]
			}
			txs, err := rt.journal.ListTransactions(ctx, filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), txs)
			}

			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tPROFILE\tSTARTED\tSEVERITY\tSNAPSHOT\tMESSAGE")
			for _, tx := range txs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					tx.ID, tx.ProfileID, tx.StartedAt.UTC().Format("2006-01-02 15:04:05"),
					transactionOutcome(tx), tx.SnapshotTimestamp, tx.Message)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of transactions (0 for all)")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of transactions to skip")

	cmd.AddCommand(&cobra.Command{
		Use:   "steps <transaction-id>",
		Short: "List the steps of a journaled transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := openRuntime(cmd, runtimeOptions{journal: true})
			if err != nil {
				return err
			}
			defer rt.Close(ctx)
			if rt.journal == nil {
				return fmt.Errorf("no transaction journal is configured")
			}

			if _, err := rt.journal.GetTransaction(ctx, args[0]); err != nil {
				return err
			}
			steps, err := rt.journal.ListSteps(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), steps)
			}

			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "SEQ\tKIND\tPHASE\tOPERAND\tACTION")
			for _, s := range steps {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", s.Sequence, s.Kind, s.Phase, s.Operand, s.Action)
			}
			return tw.Flush()
		},
	})

	return cmd
}

// transactionOutcome is the severity of a finished transaction, or its
// state while it is unfinished.
func transactionOutcome(tx *engine.Transaction) string {
	if tx.State != engine.TransactionDone {
		return string(tx.State)
	}
	return tx.Severity.String()
}
