package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/adalundhe/folio/core/history"
)

// =============================================================================
// History Command Flags
// =============================================================================

var (
	historyLine  string
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history <path>",
	Short: "Show the revisions that changed a file",
	Long: `Show the revisions on a line (trunk by default) that changed a file,
newest first, with line additions and deletions.`,
	Args: cobra.ExactArgs(1),
	RunE: runHistory,
}

var materializeCmd = &cobra.Command{
	Use:   "materialize [line]",
	Short: "Render a line into the snapshot directory",
	Long: `Render every file on a line (trunk by default) with metadata sidecars and
atomically make the result the live snapshot for that line.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMaterialize,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(materializeCmd)

	historyCmd.Flags().StringVar(&historyLine, "line", "", "Draft or branch to read (defaults to trunk)")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of revisions (0 for all)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	e, err := openEngine(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer e.Close()

	line := historyLine
	if line == "" {
		line = e.Store().Trunk()
	}

	view, err := e.GetHistory(cmd.Context(), args[0], line, historyLimit)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}
	return formatHistoryOutput(cmd.OutOrStdout(), view, parseOutputFormat(rootFormat))
}

func runMaterialize(cmd *cobra.Command, args []string) error {
	e, err := openEngine(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer e.Close()

	line := e.Store().Trunk()
	if len(args) == 1 {
		line = args[0]
	}

	if err := e.Materialize(cmd.Context(), line); err != nil {
		return fmt.Errorf("failed to materialize %s: %w", line, err)
	}
	live, err := e.LiveSnapshot(line)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if parseOutputFormat(rootFormat) == OutputJSON {
		return writeJSON(out, map[string]string{"line": line, "live": live})
	}
	fmt.Fprintln(out, live)
	return nil
}

func formatHistoryOutput(w io.Writer, view *history.View, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, view)
	case OutputPlain:
		if len(view.Entries) == 0 {
			fmt.Fprintln(w, "No revisions found.")
			return nil
		}
		for _, e := range view.Entries {
			fmt.Fprintf(w, "revision %s\n", e.Revision)
			fmt.Fprintf(w, "Author: %s <%s>\n", e.Author, e.Email)
			fmt.Fprintf(w, "Date:   %s\n\n", e.When.Format(time.RFC1123))
			fmt.Fprintf(w, "    %s\n\n", e.Subject)
		}
		return nil
	}

	if len(view.Entries) == 0 {
		fmt.Fprintln(w, "No revisions found.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REVISION\tAUTHOR\tDATE\tCHANGES\tSUBJECT")
	fmt.Fprintln(tw, "--------\t------\t----\t-------\t-------")
	for _, e := range view.Entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t+%d -%d\t%s\n",
			e.Revision.Short(),
			truncateString(e.Author, 20),
			e.When.Local().Format("2006-01-02 15:04"),
			e.Additions, e.Deletions,
			truncateString(e.Subject, 60))
	}
	return tw.Flush()
}
