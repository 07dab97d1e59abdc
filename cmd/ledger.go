package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/adalundhe/folio/core/ledger"
)

// =============================================================================
// Ledger Command Flags
// =============================================================================

var (
	ledgerKind   string
	ledgerActor  string
	ledgerTarget string
	ledgerSince  string
	ledgerLimit  int
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Operation ledger commands",
	Long:  `Read the append-only record of mutating operations.`,
}

var ledgerQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query ledger entries",
	Args:  cobra.NoArgs,
	RunE:  runLedgerQuery,
}

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerQueryCmd)

	ledgerQueryCmd.Flags().StringVar(&ledgerKind, "kind", "", "Filter by operation (create_draft,discard_draft,commit,publish,resolve,materialize)")
	ledgerQueryCmd.Flags().StringVar(&ledgerActor, "actor", "", "Filter by actor")
	ledgerQueryCmd.Flags().StringVar(&ledgerTarget, "target", "", "Filter by target")
	ledgerQueryCmd.Flags().StringVar(&ledgerSince, "since", "", "Entries since (e.g., 24h, 7d, 2024-01-01)")
	ledgerQueryCmd.Flags().IntVar(&ledgerLimit, "limit", 100, "Maximum entries to return")
}

func runLedgerQuery(cmd *cobra.Command, args []string) error {
	filter := ledger.Filter{
		Kind:   ledger.Kind(ledgerKind),
		Actor:  ledgerActor,
		Target: ledgerTarget,
		Limit:  ledgerLimit,
	}
	if ledgerSince != "" {
		since, err := parseSince(ledgerSince, time.Now())
		if err != nil {
			return fmt.Errorf("invalid --since value: %w", err)
		}
		filter.Since = since
	}

	e, err := openEngine(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer e.Close()

	records, err := e.Ledger().Query(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	return formatLedgerOutput(cmd.OutOrStdout(), records, parseOutputFormat(rootFormat))
}

func formatLedgerOutput(w io.Writer, records []ledger.Record, format OutputFormat) error {
	if format == OutputJSON {
		if records == nil {
			records = []ledger.Record{}
		}
		return writeJSON(w, records)
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "No entries found.")
		return nil
	}

	if format == OutputPlain {
		for _, r := range records {
			status := "ok"
			if !r.Success {
				status = "failed: " + r.Error
			}
			fmt.Fprintf(w, "%s %s %s %s %s\n",
				r.Timestamp.Format(time.RFC3339), r.Kind, r.Actor, r.Target, status)
		}
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tKIND\tACTOR\tTARGET\tOK\tDURATION\tERROR")
	fmt.Fprintln(tw, "----\t----\t-----\t------\t--\t--------\t-----")
	for _, r := range records {
		ok := "yes"
		if !r.Success {
			ok = "no"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%dms\t%s\n",
			r.Timestamp.Local().Format("2006-01-02 15:04:05"),
			r.Kind,
			truncateString(r.Actor, 20),
			truncateString(r.Target, 40),
			ok,
			r.DurationMs,
			truncateString(r.Error, 50))
	}
	return tw.Flush()
}
