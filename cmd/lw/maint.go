package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mschirtzinger/linework/internal/importer"
	"github.com/mschirtzinger/linework/internal/loadtest"
	"github.com/mschirtzinger/linework/internal/store"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:     "seed <file.toml>",
	GroupID: "maint",
	Short:   "Load teams, users and session tokens from a TOML file",
	Long: `Load teams, users and session tokens into the local database.

  [[teams]]
  id = "3f1c2a9e-8d4b-4c6a-9f0e-1b2c3d4e5f60"
  name = "Engineering"
  slug = "eng"

  [[users]]
  id = "u-ada"
  email = "ada@example.com"
  full_name = "Ada Lovelace"
  token = "dev-token-ada"

Running it again updates the rows in place.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seed, err := store.ReadSeedFile(args[0])
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		db, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		result, err := db.LoadSeed(ctx, seed)
		if err != nil {
			return fmt.Errorf("failed to load seed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d teams, %d users, %d sessions into %s\n",
			result.Teams, result.Users, result.Sessions, db.Path())
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file.jsonl>",
	GroupID: "maint",
	Short:   "Import issues from JSONL into the local database",
	Long: `Import issues, one JSON object per line, keeping their identifiers.

Issues still marked as being saved (TEMP-0) are skipped. Lines that fail to
import are reported and the rest continue.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")

		ctx, cancel := signalContext()
		defer cancel()

		db, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		result, err := importer.Import(ctx, db, importer.Options{
			FromJSONL: args[0],
			TeamID:    cfg.Team,
			DryRun:    dryRun,
			Backup:    backup,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Fprintf(out, "%s %d issues (%d assignments), skipped %d\n", verb, result.Imported, result.Assigned, result.Skipped)
		if result.BackupCreated != "" {
			fmt.Fprintf(out, "Backup: %s\n", result.BackupCreated)
		}
		for _, msg := range result.Errors {
			fmt.Fprintf(cmd.ErrOrStderr(), "  %s\n", msg)
		}
		if len(result.Errors) > 0 {
			return fmt.Errorf("%d issues failed to import", len(result.Errors))
		}
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:     "export <file.jsonl>",
	GroupID: "maint",
	Short:   "Export the team's issues to JSONL",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		teamID, err := requireTeam()
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		db, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := importer.Export(ctx, db, teamID, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %d issues to %s\n", n, args[0])
		return nil
	},
}

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "maint",
	Short:   "Run concurrent mutations against a scratch database",
	Long: `Run workers that create and update issues through the cache and check
that the cached list matches the database afterwards.

With --failure-rate a share of server calls fails on purpose, exercising
rollback.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		if err := checkFormat(format); err != nil {
			return err
		}
		opts := loadtest.Options{}
		opts.Workers, _ = cmd.Flags().GetInt("workers")
		opts.MutationsPerWorker, _ = cmd.Flags().GetInt("mutations")
		opts.FailureRate, _ = cmd.Flags().GetFloat64("failure-rate")
		opts.Seed, _ = cmd.Flags().GetInt64("seed")
		if opts.Seed == 0 {
			opts.Seed = time.Now().UnixNano()
		}
		if opts.FailureRate < 0 || opts.FailureRate > 1 {
			return fmt.Errorf("--failure-rate must be between 0 and 1")
		}

		dir, err := os.MkdirTemp("", "lw-bench-")
		if err != nil {
			return fmt.Errorf("failed to create scratch directory: %w", err)
		}
		defer os.RemoveAll(dir)

		ctx, cancel := signalContext()
		defer cancel()

		harness, err := loadtest.NewHarness(ctx, filepath.Join(dir, "bench.db"), newLogger("bench"))
		if err != nil {
			return err
		}
		defer harness.Close()

		report, err := harness.Run(ctx, opts)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if ok, err := writeStructured(out, format, report); ok {
			return err
		}
		fmt.Fprintf(out, "%d workers x %d mutations in %v (seed %d)\n",
			opts.Workers, opts.MutationsPerWorker, report.Duration.Round(time.Millisecond), opts.Seed)
		report.Create.Fprint(out, "Create")
		report.Update.Fprint(out, "Update")
		fmt.Fprintf(out, "Rolled back: %d\nConverged:   %d issues\n", report.Failed, report.Issues)
		return nil
	},
}

func init() {
	importCmd.Flags().Bool("dry-run", false, "Validate without writing")
	importCmd.Flags().Bool("backup", false, "Copy the input file aside first")

	benchCmd.Flags().Int("workers", 8, "Concurrent workers")
	benchCmd.Flags().Int("mutations", 25, "Creates per worker, each followed by an update")
	benchCmd.Flags().Float64("failure-rate", 0, "Share of server calls to fail, 0..1")
	benchCmd.Flags().Int64("seed", 0, "Random seed for failure injection (default: time-based)")
	addFormatFlag(benchCmd.Flags())

	rootCmd.AddCommand(seedCmd, importCmd, exportCmd, benchCmd)
}
