package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lherron/sandcastle/internal/cli/appctx"
	"github.com/lherron/sandcastle/internal/db"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Run ledger maintenance",
	Long:  `Commands for the SQLite run ledger: schema migrations, snapshots, and forgetting an org pair.`,
}

var ledgerMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run any pending ledger migrations",
	Long: `Migrate applies any pending SQL migrations to the ledger.

Migrations are embedded in the sandcastle binary and tracked via the
schema_migrations table. Each migration file (e.g., 000001_ledger.sql) is
applied exactly once. 'sandcastle run' applies them automatically; read-only
commands refuse to open an outdated ledger.

Use --dry-run to see which migrations would be applied without running them.`,
	Args: cobra.NoArgs,
	RunE: appctx.WithApp(appctx.ConfigOnly(), runLedgerMigrate),
}

var ledgerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending ledger migrations",
	Args:  cobra.NoArgs,
	RunE:  appctx.WithApp(appctx.ConfigOnly(), runLedgerStatus),
}

var ledgerSnapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Create a WAL-safe ledger snapshot",
	Long: `Creates a consistent point-in-time copy of the ledger using VACUUM INTO.
The snapshot is immediately usable without WAL/SHM files. Take one before
refreshing a sandbox to keep the old id mappings around.`,
	Args: cobra.NoArgs,
	RunE: appctx.WithApp(appctx.DefaultOptions(), runLedgerSnapshot),
}

var ledgerForgetCmd = &cobra.Command{
	Use:   "forget",
	Short: "Delete the id mappings of an org pair",
	Long: `Forget deletes the id mappings and outstanding substitutions recorded for a
source/target pair. Use it after refreshing the target sandbox: the old target
ids no longer exist, and --resume would otherwise reuse them.

Run history and the event log are kept.

The pair defaults to the configured source and target orgs.`,
	Args: cobra.NoArgs,
	RunE: appctx.WithApp(appctx.DefaultOptions(), runLedgerForget),
}

var (
	ledgerMigrateDryRun bool
	ledgerSnapshotOut   string
	ledgerForgetSource  string
	ledgerForgetTarget  string
	ledgerForgetYes     bool
)

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerMigrateCmd, ledgerStatusCmd, ledgerSnapshotCmd, ledgerForgetCmd)

	ledgerMigrateCmd.Flags().BoolVar(&ledgerMigrateDryRun, "dry-run", false, "Show which migrations would be applied without running them")

	ledgerSnapshotCmd.Flags().StringVar(&ledgerSnapshotOut, "out", "", "Output path for the snapshot (required)")
	ledgerSnapshotCmd.MarkFlagRequired("out")

	ledgerForgetCmd.Flags().StringVar(&ledgerForgetSource, "source", "", "Source name as recorded in the ledger (default: configured source)")
	ledgerForgetCmd.Flags().StringVar(&ledgerForgetTarget, "target", "", "Target name as recorded in the ledger (default: configured target)")
	ledgerForgetCmd.Flags().BoolVar(&ledgerForgetYes, "yes", false, "Do not ask for confirmation")
}

func openLedgerDB(app *appctx.App) (*db.DB, error) {
	if app.Config.LedgerPath == "" {
		return nil, exitError(2, fmt.Errorf("ledger path not specified (use --ledger flag or set SANDCASTLE_LEDGER_PATH)"))
	}
	database, err := db.Open(app.Config.LedgerPath)
	if err != nil {
		return nil, exitError(1, fmt.Errorf("failed to open ledger: %w", err))
	}
	return database, nil
}

func runLedgerMigrate(app *appctx.App, cmd *cobra.Command, args []string) error {
	database, err := openLedgerDB(app)
	if err != nil {
		return err
	}
	defer database.Close()

	out := cmd.OutOrStdout()
	if ledgerMigrateDryRun {
		_, pending, err := database.MigrationStatus()
		if err != nil {
			return exitError(1, fmt.Errorf("failed to get migration status: %w", err))
		}
		if len(pending) == 0 {
			fmt.Fprintln(out, "No pending migrations. Ledger is up to date.")
			return nil
		}
		fmt.Fprintln(out, "Pending migrations (would be applied):")
		for _, m := range pending {
			fmt.Fprintf(out, "  ○ %s\n", m)
		}
		fmt.Fprintf(out, "\nTotal: %d migration(s) would be applied.\n", len(pending))
		return nil
	}

	applied, err := database.MigrateWithInfo()
	if err != nil {
		return exitError(1, fmt.Errorf("failed to run migrations: %w", err))
	}
	if len(applied) == 0 {
		fmt.Fprintln(out, "Ledger is up to date. No migrations to apply.")
		return nil
	}
	for _, m := range applied {
		fmt.Fprintf(out, "✓ Applied migration: %s\n", m)
	}
	fmt.Fprintf(out, "\nApplied %d migration(s).\n", len(applied))
	return nil
}

func runLedgerStatus(app *appctx.App, cmd *cobra.Command, args []string) error {
	database, err := openLedgerDB(app)
	if err != nil {
		return err
	}
	defer database.Close()

	applied, pending, err := database.MigrationStatus()
	if err != nil {
		return exitError(1, fmt.Errorf("failed to get migration status: %w", err))
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Ledger: %s\n\n", database.Path())
	if len(applied) == 0 && len(pending) == 0 {
		fmt.Fprintln(out, "No migrations found.")
		return nil
	}
	if len(applied) > 0 {
		fmt.Fprintln(out, "Applied migrations:")
		for _, m := range applied {
			fmt.Fprintf(out, "  ✓ %s\n", m)
		}
	}
	if len(pending) > 0 {
		if len(applied) > 0 {
			fmt.Fprintln(out)
		}
		fmt.Fprintln(out, "Pending migrations:")
		for _, m := range pending {
			fmt.Fprintf(out, "  ○ %s\n", m)
		}
	}
	return nil
}

func runLedgerSnapshot(app *appctx.App, cmd *cobra.Command, args []string) error {
	if err := app.Ledger.DB().Snapshot(ledgerSnapshotOut); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Created snapshot: %s\n", ledgerSnapshotOut)
	fmt.Fprintf(out, "  Source: %s\n", app.Ledger.DB().Path())
	fmt.Fprintf(out, "  Timestamp: %s\n", time.Now().UTC().Format(time.RFC3339))
	return nil
}

func runLedgerForget(app *appctx.App, cmd *cobra.Command, args []string) error {
	source, target := ledgerForgetSource, ledgerForgetTarget
	if source == "" {
		source = app.Config.Source.Name()
	}
	if target == "" {
		target = app.Config.Target.Name()
	}
	if source == "" || target == "" {
		return exitError(2, fmt.Errorf("source and target are required (use --source/--target or configure the orgs)"))
	}

	if !ledgerForgetYes {
		fmt.Fprintf(cmd.ErrOrStderr(), "Forget all id mappings from %s to %s? [y/N] ", source, target)
		var answer string
		fmt.Fscanln(cmd.InOrStdin(), &answer)
		if answer != "y" && answer != "Y" && answer != "yes" {
			return exitError(1, fmt.Errorf("aborted"))
		}
	}

	n, err := app.Ledger.ForgetPair(source, target)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Forgot %d row(s) for %s -> %s\n", n, source, target)
	return nil
}
