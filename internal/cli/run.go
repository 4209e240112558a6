package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lherron/sandcastle/internal/cli/appctx"
	"github.com/lherron/sandcastle/internal/config"
	"github.com/lherron/sandcastle/internal/domain"
	"github.com/lherron/sandcastle/internal/engine"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the migration plan",
	Long: `Run copies the records selected by the plan from the source org into the
target org.

Phase 1 creates records in plan order. References to records that do not
exist yet are written as dummies (when a dummy is configured for the
referenced type) or left empty. Phase 2 rewrites every such reference with the
real target id.

Every id mapping and outstanding substitution is journaled to the ledger.
Use --resume after an interrupted run to pick up where it stopped.

--clean empties the target first (see 'sandcastle clean'); cleanup.before_run
turns it on by default and --no-delete turns it off. --pause-flows deactivates
the target's record-triggered flows for the length of the run.

Exit codes:
  0  every record created and every reference resolved
  5  finished with skipped records or unresolved references
  1  run aborted (see the report's errors)
  2  invalid configuration or plan
  3  org safety check failed

Examples:
  sandcastle run                          # Migrate using sandcastle.yaml
  sandcastle run --dry-run                # Count what would be created
  sandcastle run --resume                 # Continue an interrupted run
  sandcastle run --clean --pause-flows    # Fresh copy with automation off
  sandcastle run --fixture stores.yaml    # Run against in-memory fixtures
`,
	RunE: appctx.WithApp(appctx.WithMigrate(), runRun),
}

var (
	runDryRun          bool
	runFixture         string
	runResume          bool
	runAllowProduction bool
	runJSON            bool
	runQuiet           bool
	runCleanFlag       bool
	runNoDelete        bool
	runPauseFlows      bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Apply the transformation rules without writing to the target")
	runCmd.Flags().StringVar(&runFixture, "fixture", "", "Read both stores from a YAML fixture instead of connecting to orgs")
	runCmd.Flags().BoolVar(&runResume, "resume", false, "Preload id mappings and outstanding work from earlier runs of the same org pair")
	runCmd.Flags().BoolVar(&runAllowProduction, "allow-production", false, "Allow writing to a target org that is not a sandbox")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Output the report as JSON")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Suppress progress output")
	runCmd.Flags().BoolVar(&runCleanFlag, "clean", false, "Delete the target records of the plan's entity types before migrating")
	runCmd.Flags().BoolVar(&runNoDelete, "no-delete", false, "Keep existing target records even when cleanup.before_run is set")
	runCmd.Flags().BoolVar(&runPauseFlows, "pause-flows", false, "Deactivate target flows during the run")
}

func runRun(app *appctx.App, cmd *cobra.Command, args []string) (retErr error) {
	ctx := cmd.Context()
	cfg := app.Config

	if len(cfg.Plan.Steps) == 0 {
		return exitError(2, errNoSteps(cfg))
	}
	plan, err := cfg.MigrationPlan()
	if err != nil {
		return exitError(2, err)
	}

	if runCleanFlag && runNoDelete {
		return exitError(2, fmt.Errorf("--clean and --no-delete are mutually exclusive"))
	}
	clean := (cfg.Cleanup.BeforeRun || runCleanFlag) && !runNoDelete
	if clean && runResume {
		return exitError(2, fmt.Errorf("--resume cannot be combined with a cleanup, which forgets the mappings it would load"))
	}
	pause := cfg.Automation.PauseFlows || runPauseFlows

	renderer, err := newRenderer(cmd.OutOrStdout(), cfg.Output, runJSON)
	if err != nil {
		return err
	}

	st, err := openStores(ctx, cfg, storeOptions{fixture: runFixture, allowProduction: runAllowProduction}, app.Log)
	if err != nil {
		return err
	}

	opts := cfg.EngineOptions()
	opts.RunID = uuid.New().String()
	opts.ShowProgress = !runQuiet
	opts.Progress = os.Stderr
	eng := engine.New(st.source, st.target, opts, app.Log)

	if err := app.Ledger.StartRun(opts.RunID, st.sourceName, st.targetName, runDryRun, plan); err != nil {
		return err
	}
	journal := app.Ledger.Journal(opts.RunID, st.sourceName, st.targetName)

	if runDryRun && (clean || pause) {
		app.Log.Info("dry run leaves target records and flows alone")
	}
	if !runDryRun && pause {
		paused, err := pauseFlows(ctx, app, st, journal)
		defer func() {
			if err := resumeFlows(context.WithoutCancel(ctx), app, st, journal, paused); err != nil && retErr == nil {
				retErr = err
			}
		}()
		if err != nil {
			return abortRun(app, opts.RunID, fmt.Errorf("pause flows: %w", err))
		}
	}
	if !runDryRun && clean {
		res, err := cleanTarget(ctx, app, st, cfg.CleanupOptions(plan), journal)
		if res != nil {
			for _, w := range res.Warnings {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
			}
		}
		if err != nil {
			return abortRun(app, opts.RunID, fmt.Errorf("clean target: %w", err))
		}
	}

	var (
		report *domain.MigrationReport
		runErr error
	)
	if runDryRun {
		report, runErr = eng.Preview(ctx, plan, nil)
	} else {
		if runResume {
			state, err := app.Ledger.LoadState(st.sourceName, st.targetName)
			if err != nil {
				return err
			}
			if err := eng.Resume(state.Mappings, state.Substitutions, state.Discriminators); err != nil {
				return err
			}
		}
		eng.SetJournal(journal)
		report, runErr = eng.Run(ctx, plan)
	}
	if runErr != nil && len(report.Errors) == 0 {
		report.Fail(runErr)
	}

	if err := app.Ledger.FinishRun(opts.RunID, report); err != nil {
		app.Log.Error("failed to record run result", zap.String("run_id", opts.RunID), zap.Error(err))
	}

	if err := renderer.Report(report); err != nil {
		return err
	}
	if code := report.ExitCode(); code != 0 {
		return exitError(code, nil)
	}
	return nil
}

// abortRun records a run that failed before the engine started
func abortRun(app *appctx.App, runID string, err error) error {
	report := domain.NewMigrationReport(runID)
	report.Fail(err)
	report.Finish()
	if ferr := app.Ledger.FinishRun(runID, report); ferr != nil {
		app.Log.Error("failed to record run result", zap.String("run_id", runID), zap.Error(ferr))
	}
	return err
}

func errNoSteps(cfg *config.Config) error {
	file := cfg.File
	if file == "" {
		file = config.FileName
	}
	return fmt.Errorf("plan has no steps (add plan.steps to %s)", file)
}
