package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/adalundhe/folio/core/drafts"
)

// =============================================================================
// Draft Command Flags
// =============================================================================

var (
	draftSessionsCleared bool
	draftOlderThan       time.Duration
)

// =============================================================================
// Draft Commands
// =============================================================================

var draftCmd = &cobra.Command{
	Use:   "draft",
	Short: "Manage drafts",
	Long:  `Create, discard and list private draft lines branched from trunk.`,
}

var draftCreateCmd = &cobra.Command{
	Use:   "create <actor>",
	Short: "Branch a new draft from trunk",
	Args:  cobra.ExactArgs(1),
	RunE:  runDraftCreate,
}

var draftDiscardCmd = &cobra.Command{
	Use:   "discard <draft>",
	Short: "Delete a draft",
	Long: `Delete a draft and its metadata. Pass --sessions-cleared to confirm that no
edit session still references the draft.`,
	Args: cobra.ExactArgs(1),
	RunE: runDraftDiscard,
}

var draftListCmd = &cobra.Command{
	Use:   "list",
	Short: "List drafts",
	Args:  cobra.NoArgs,
	RunE:  runDraftList,
}

var draftStaleCmd = &cobra.Command{
	Use:   "stale",
	Short: "List drafts older than drafts.stale_after",
	Args:  cobra.NoArgs,
	RunE:  runDraftStale,
}

func init() {
	rootCmd.AddCommand(draftCmd)
	draftCmd.AddCommand(draftCreateCmd)
	draftCmd.AddCommand(draftDiscardCmd)
	draftCmd.AddCommand(draftListCmd)
	draftCmd.AddCommand(draftStaleCmd)

	draftDiscardCmd.Flags().BoolVar(&draftSessionsCleared, "sessions-cleared", false, "Confirm no edit session references the draft")
	draftStaleCmd.Flags().DurationVar(&draftOlderThan, "older-than", 0, "Override drafts.stale_after")
}

// draftView is a DraftLine with its tip for output.
type draftView struct {
	ID        string    `json:"id"`
	Actor     string    `json:"actor"`
	Base      string    `json:"base"`
	Tip       string    `json:"tip"`
	CreatedAt time.Time `json:"created_at"`
}

func newDraftView(d *drafts.DraftLine) draftView {
	return draftView{
		ID:        d.ID,
		Actor:     d.Actor,
		Base:      string(d.Base),
		Tip:       string(d.Tip),
		CreatedAt: d.CreatedAt,
	}
}

func runDraftCreate(cmd *cobra.Command, args []string) error {
	e, err := openEngine(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer e.Close()

	d, err := e.CreateDraft(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to create draft: %w", err)
	}

	out := cmd.OutOrStdout()
	if parseOutputFormat(rootFormat) == OutputJSON {
		return writeJSON(out, newDraftView(d))
	}
	fmt.Fprintln(out, d.ID)
	return nil
}

func runDraftDiscard(cmd *cobra.Command, args []string) error {
	e, err := openEngine(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.DiscardDraft(cmd.Context(), args[0], draftSessionsCleared); err != nil {
		return fmt.Errorf("failed to discard draft: %w", err)
	}
	if parseOutputFormat(rootFormat) != OutputJSON {
		fmt.Fprintf(cmd.OutOrStdout(), "Discarded %s\n", args[0])
	}
	return nil
}

func runDraftList(cmd *cobra.Command, args []string) error {
	e, err := openEngine(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer e.Close()

	list, err := e.ListDrafts()
	if err != nil {
		return fmt.Errorf("failed to list drafts: %w", err)
	}
	return formatDraftOutput(cmd.OutOrStdout(), list, parseOutputFormat(rootFormat))
}

func runDraftStale(cmd *cobra.Command, args []string) error {
	e, err := openEngine(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer e.Close()

	list, err := e.StaleDrafts(draftOlderThan)
	if err != nil {
		return fmt.Errorf("failed to list stale drafts: %w", err)
	}
	return formatDraftOutput(cmd.OutOrStdout(), list, parseOutputFormat(rootFormat))
}

func formatDraftOutput(w io.Writer, list []*drafts.DraftLine, format OutputFormat) error {
	views := make([]draftView, len(list))
	for i, d := range list {
		views[i] = newDraftView(d)
	}

	if format == OutputJSON {
		return writeJSON(w, views)
	}
	if len(views) == 0 {
		fmt.Fprintln(w, "No drafts found.")
		return nil
	}

	if format == OutputPlain {
		for _, v := range views {
			fmt.Fprintln(w, v.ID)
		}
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DRAFT\tACTOR\tBASE\tTIP\tCREATED")
	fmt.Fprintln(tw, "-----\t-----\t----\t---\t-------")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			v.ID, v.Actor, shortHash(v.Base), shortHash(v.Tip),
			v.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
