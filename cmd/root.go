// Package cmd provides CLI commands for the Folio application.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/adalundhe/folio/core/config"
	"github.com/adalundhe/folio/core/engine"
	"github.com/adalundhe/folio/core/storage"
)

// =============================================================================
// Root Command Flags
// =============================================================================

var (
	rootRepo    string
	rootConfig  string
	rootFormat  string
	rootVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "folio",
	Short: "Folio - draft and publish engine for versioned documents",
	Long: `Folio keeps documents in a versioned repository. Editors work on private
drafts branched from trunk; publishing merges a draft back into trunk or
reports the files that conflict.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootRepo, "repo", "", "Repository directory (overrides repository.path)")
	rootCmd.PersistentFlags().StringVar(&rootConfig, "config", "", "Explicit config file")
	rootCmd.PersistentFlags().StringVarP(&rootFormat, "format", "f", "table", "Output format (table, json, plain)")
	rootCmd.PersistentFlags().BoolVarP(&rootVerbose, "verbose", "v", false, "Enable debug logging")
}

func Execute() error {
	return rootCmd.Execute()
}

// =============================================================================
// Engine Setup
// =============================================================================

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if rootVerbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig() (*config.Config, error) {
	manager := config.NewManager(storage.ResolveDirs(), rootRepo)
	defer manager.Close()

	if rootConfig != "" {
		manager.SetExplicitFile(rootConfig)
	}
	if err := manager.Load(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg := *manager.Get()
	if rootRepo != "" {
		cfg.Repository.Path = rootRepo
	}
	return &cfg, nil
}

// openEngine builds an engine for one command. create initializes the
// repository if it does not exist.
func openEngine(ctx context.Context, create bool) (*engine.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	e, err := engine.New(ctx, *cfg, engine.Options{
		Create: create,
		Logger: newLogger(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open repository %s: %w", cfg.Repository.Path, err)
	}
	return e, nil
}

// =============================================================================
// Init Command
// =============================================================================

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a repository",
	Long:  `Create a repository with an empty trunk, or verify an existing one.`,
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	e, err := openEngine(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer e.Close()

	head, err := e.Store().TrunkHead()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if parseOutputFormat(rootFormat) == OutputJSON {
		return writeJSON(out, map[string]string{
			"path":  e.Store().Path(),
			"trunk": e.Store().Trunk(),
			"head":  head.String(),
		})
	}
	fmt.Fprintf(out, "Repository ready at %s (trunk %s)\n", e.Store().Path(), e.Store().Trunk())
	return nil
}
