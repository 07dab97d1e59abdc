package cmd

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/adalundhe/folio/core/merge"
	"github.com/adalundhe/folio/core/resolve"
)

// =============================================================================
// Merge Command Flags
// =============================================================================

var (
	conflictsAll      bool
	resolveOurs       bool
	resolveTheirs     bool
	resolveFile       string
	resolveAuthorName string
	resolveEmail      string
)

// errUnmerged makes the process exit non-zero when a publish stopped on
// conflicts. The conflicts themselves have already been printed.
var errUnmerged = errors.New("draft not published: resolve the conflicts and retry")

// =============================================================================
// Merge Commands
// =============================================================================

var conflictsCmd = &cobra.Command{
	Use:   "conflicts [draft]",
	Short: "Show the conflicts a publish would hit",
	Long: `Run a trial merge of a draft against trunk and list conflicting files.
With --all, every draft in the repository is scanned.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConflicts,
}

var publishCmd = &cobra.Command{
	Use:   "publish <draft>",
	Short: "Merge a draft into trunk",
	Args:  cobra.ExactArgs(1),
	RunE:  runPublish,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <draft> <path>",
	Short: "Resolve one conflicting file and publish again",
	Long: `Record a resolution for a conflicting file and retry the publish.
Exactly one of --ours (keep the draft's version), --theirs (adopt trunk's
version) or --file (use this file's content) must be given.`,
	Args: cobra.ExactArgs(2),
	RunE: runResolve,
}

func init() {
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(resolveCmd)

	conflictsCmd.Flags().BoolVar(&conflictsAll, "all", false, "Scan every draft")

	resolveCmd.Flags().BoolVar(&resolveOurs, "ours", false, "Keep the draft's version")
	resolveCmd.Flags().BoolVar(&resolveTheirs, "theirs", false, "Adopt trunk's version")
	resolveCmd.Flags().StringVar(&resolveFile, "file", "", "Use the content of this file")
	resolveCmd.Flags().StringVar(&resolveAuthorName, "author", "", "Author name (defaults to $USER)")
	resolveCmd.Flags().StringVar(&resolveEmail, "email", "", "Author email")
	resolveCmd.MarkFlagsMutuallyExclusive("ours", "theirs", "file")
	resolveCmd.MarkFlagsOneRequired("ours", "theirs", "file")
}

func runConflicts(cmd *cobra.Command, args []string) error {
	if conflictsAll == (len(args) == 1) {
		return fmt.Errorf("give either a draft or --all")
	}

	e, err := openEngine(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer e.Close()

	var records []merge.ConflictRecord
	if conflictsAll {
		records, err = e.ScanConflicts(cmd.Context())
	} else {
		records, err = e.DetectConflicts(cmd.Context(), args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to detect conflicts: %w", err)
	}
	return formatConflictOutput(cmd.OutOrStdout(), records, parseOutputFormat(rootFormat))
}

func runPublish(cmd *cobra.Command, args []string) error {
	e, err := openEngine(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer e.Close()

	result, err := e.Publish(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	return formatPublishOutput(cmd.OutOrStdout(), args[0], result, parseOutputFormat(rootFormat))
}

func runResolve(cmd *cobra.Command, args []string) error {
	res, err := buildResolution(cmd)
	if err != nil {
		return err
	}

	e, err := openEngine(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer e.Close()

	result, err := e.Resolve(cmd.Context(), args[0], args[1], res, resolveAuthor(resolveAuthorName, resolveEmail))
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", args[1], err)
	}
	return formatPublishOutput(cmd.OutOrStdout(), args[0], result, parseOutputFormat(rootFormat))
}

func buildResolution(cmd *cobra.Command) (resolve.Resolution, error) {
	switch {
	case resolveOurs:
		return resolve.Ours(), nil
	case resolveTheirs:
		return resolve.Theirs(), nil
	case resolveFile != "":
		content, err := readContent(cmd.InOrStdin(), resolveFile)
		if err != nil {
			return resolve.Resolution{}, err
		}
		return resolve.WithContent(content), nil
	}
	return resolve.Resolution{}, fmt.Errorf("one of --ours, --theirs or --file is required")
}

// =============================================================================
// Output
// =============================================================================

func formatConflictOutput(w io.Writer, records []merge.ConflictRecord, format OutputFormat) error {
	if format == OutputJSON {
		if records == nil {
			records = []merge.ConflictRecord{}
		}
		return writeJSON(w, records)
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "No conflicts.")
		return nil
	}

	if format == OutputPlain {
		for _, r := range records {
			fmt.Fprintf(w, "%s %s\n", r.DraftID, r)
		}
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DRAFT\tPATH\tKIND\tBASE\tTRUNK\tDRAFT SIDE")
	fmt.Fprintln(tw, "-----\t----\t----\t----\t-----\t----------")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.DraftID,
			truncateString(r.Path, 50),
			r.Kind,
			sideLabel(r.Base),
			sideLabel(r.Theirs),
			sideLabel(r.Ours))
	}
	return tw.Flush()
}

func formatPublishOutput(w io.Writer, draftID string, result *merge.PublishResult, format OutputFormat) error {
	if format == OutputJSON {
		if err := writeJSON(w, result); err != nil {
			return err
		}
	} else if result.Merged {
		fmt.Fprintf(w, "Published %s as %s\n", draftID, result.Revision.Short())
	} else {
		fmt.Fprintf(w, "%s has %d conflicting file(s):\n", draftID, len(result.Conflicts))
		for _, r := range result.Conflicts {
			fmt.Fprintf(w, "  %s\n", r)
		}
	}

	if !result.Merged {
		return errUnmerged
	}
	return nil
}

func sideLabel(blob string) string {
	if blob == "" {
		return "(absent)"
	}
	return shortHash(blob)
}
