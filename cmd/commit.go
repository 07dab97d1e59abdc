package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/adalundhe/folio/core/commits"
)

// =============================================================================
// Commit Command Flags
// =============================================================================

var (
	commitFile    string
	commitMessage string
	commitAuthor  string
	commitEmail   string
	commitBinary  bool
	commitDelete  bool
)

var commitCmd = &cobra.Command{
	Use:   "commit <draft> <path>",
	Short: "Record a file change on a draft",
	Long: `Write content to a path on a draft as a new revision.
Content is read from --file, or from stdin when --file is not given.
With --delete the path is removed instead.`,
	Args: cobra.ExactArgs(2),
	RunE: runCommit,
}

func init() {
	rootCmd.AddCommand(commitCmd)

	commitCmd.Flags().StringVar(&commitFile, "file", "", "Read content from this file instead of stdin")
	commitCmd.Flags().StringVarP(&commitMessage, "message", "m", "", "Revision message")
	commitCmd.Flags().StringVar(&commitAuthor, "author", "", "Author name (defaults to $USER)")
	commitCmd.Flags().StringVar(&commitEmail, "email", "", "Author email")
	commitCmd.Flags().BoolVar(&commitBinary, "binary", false, "Treat content as binary")
	commitCmd.Flags().BoolVar(&commitDelete, "delete", false, "Delete the path")
}

func runCommit(cmd *cobra.Command, args []string) error {
	req := commits.Request{
		DraftID: args[0],
		Path:    args[1],
		Message: commitMessage,
		Author:  resolveAuthor(commitAuthor, commitEmail),
		Binary:  commitBinary,
		Delete:  commitDelete,
	}

	if !commitDelete {
		content, err := readContent(cmd.InOrStdin(), commitFile)
		if err != nil {
			return err
		}
		req.Content = content
	}

	e, err := openEngine(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer e.Close()

	rev, err := e.Commit(cmd.Context(), req)
	if err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	out := cmd.OutOrStdout()
	if parseOutputFormat(rootFormat) == OutputJSON {
		return writeJSON(out, map[string]string{"draft": req.DraftID, "path": req.Path, "revision": string(rev)})
	}
	fmt.Fprintln(out, rev)
	return nil
}

func readContent(stdin io.Reader, path string) ([]byte, error) {
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		return content, nil
	}
	content, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("failed to read stdin: %w", err)
	}
	return content, nil
}

func resolveAuthor(name, email string) commits.Author {
	if name == "" {
		name = os.Getenv("USER")
	}
	if name == "" {
		name = "folio"
	}
	return commits.Author{Name: name, Email: email}
}
