package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lherron/sandcastle/internal/automation"
	"github.com/lherron/sandcastle/internal/cleanup"
	"github.com/lherron/sandcastle/internal/cli/appctx"
	"github.com/lherron/sandcastle/internal/datastore"
	"github.com/lherron/sandcastle/internal/domain"
	"github.com/lherron/sandcastle/internal/ledger"
	"github.com/lherron/sandcastle/internal/render"
)

// Ledger event types of the target preparation around a run
const (
	EventTargetCleaned = "target.cleaned"
	EventFlowPaused    = "flow.paused"
	EventFlowResumed   = "flow.resumed"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete the records of the plan's entity types from the target org",
	Long: `Clean empties the target org before a fresh migration. Entity types are
emptied in reverse plan order (or cleanup.entities), so records go before the
records they reference. Contacts and accounts that portal users belong to
cannot be deleted and are kept.

The ledger mappings of the org pair point at the deleted records and are
forgotten afterwards.

Exit codes:
  0  every record deleted
  5  some records could not be deleted

Examples:
  sandcastle clean --dry-run              # Count what would be deleted
  sandcastle clean --yes                  # Delete without asking
`,
	Args: cobra.NoArgs,
	RunE: appctx.WithApp(appctx.WithMigrate(), runClean),
}

var (
	cleanYes             bool
	cleanDryRun          bool
	cleanFixture         string
	cleanAllowProduction bool
	cleanJSON            bool
)

func init() {
	rootCmd.AddCommand(cleanCmd)

	cleanCmd.Flags().BoolVar(&cleanYes, "yes", false, "Do not ask for confirmation")
	cleanCmd.Flags().BoolVar(&cleanDryRun, "dry-run", false, "Count the records without deleting them")
	cleanCmd.Flags().StringVar(&cleanFixture, "fixture", "", "Read both stores from a YAML fixture instead of connecting to orgs")
	cleanCmd.Flags().BoolVar(&cleanAllowProduction, "allow-production", false, "Allow deleting from a target org that is not a sandbox")
	cleanCmd.Flags().BoolVar(&cleanJSON, "json", false, "Output as JSON")
}

func runClean(app *appctx.App, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := app.Config

	if len(cfg.Plan.Steps) == 0 && len(cfg.Cleanup.Entities) == 0 {
		return exitError(2, errNoSteps(cfg))
	}
	var plan domain.MigrationPlan
	if len(cfg.Plan.Steps) > 0 {
		var err error
		if plan, err = cfg.MigrationPlan(); err != nil {
			return exitError(2, err)
		}
	}
	opts := cfg.CleanupOptions(plan)

	renderer, err := newRenderer(cmd.OutOrStdout(), cfg.Output, cleanJSON)
	if err != nil {
		return err
	}
	st, err := openStores(ctx, cfg, storeOptions{fixture: cleanFixture, allowProduction: cleanAllowProduction}, app.Log)
	if err != nil {
		return err
	}

	if !cleanDryRun && !cleanYes {
		fmt.Fprintf(cmd.ErrOrStderr(), "Delete every %v record from %s? [y/N] ", opts.Entities, st.targetName)
		var answer string
		fmt.Fscanln(cmd.InOrStdin(), &answer)
		if answer != "y" && answer != "Y" && answer != "yes" {
			return exitError(1, fmt.Errorf("aborted"))
		}
	}
	opts.DryRun = cleanDryRun

	res, cleanErr := cleanTarget(ctx, app, st, opts, nil)
	if res != nil {
		if err := renderCleanup(renderer, res); err != nil {
			return err
		}
		for _, w := range res.Warnings {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
		}
	}
	if cleanErr != nil {
		if errors.Is(cleanErr, cleanup.ErrIncomplete) {
			return exitError(5, cleanErr)
		}
		return cleanErr
	}
	return nil
}

// cleanTarget empties the target and forgets the ledger mappings into it.
// With a journal every entity type's outcome is recorded as an event.
func cleanTarget(ctx context.Context, app *appctx.App, st *stores, opts cleanup.Options, journal *ledger.RunJournal) (*cleanup.Result, error) {
	res, err := cleanup.New(st.target, opts, app.Log.Named("cleanup")).Run(ctx)
	if journal != nil {
		for _, er := range res.Entities {
			if jerr := journal.Event(er.Entity, "", EventTargetCleaned, er); jerr != nil {
				return res, jerr
			}
		}
	}
	if opts.DryRun || res.Deleted() == 0 {
		return res, err
	}

	n, ferr := app.Ledger.ForgetPair(st.sourceName, st.targetName)
	if ferr != nil {
		return res, ferr
	}
	app.Log.Info("ledger mappings forgotten", zap.Int64("rows", n), zap.String("target", st.targetName))
	return res, err
}

func renderCleanup(renderer *render.Renderer, res *cleanup.Result) error {
	rows := make([][]string, 0, len(res.Entities))
	for _, e := range res.Entities {
		rows = append(rows, []string{
			e.Entity,
			strconv.Itoa(e.Found),
			strconv.Itoa(e.Protected),
			strconv.Itoa(e.Deleted),
			strconv.Itoa(e.Failed),
		})
	}
	return renderer.Render(res, []string{"ENTITY", "FOUND", "PROTECTED", "DELETED", "FAILED"}, rows)
}

// pauseFlows deactivates the target's flows for a run. A target that cannot
// control flows is left as is.
func pauseFlows(ctx context.Context, app *appctx.App, st *stores, journal *ledger.RunJournal) ([]datastore.Flow, error) {
	ctl, ok := st.target.(datastore.FlowController)
	if !ok {
		app.Log.Warn("target cannot pause flows", zap.String("target", st.targetName))
		return nil, nil
	}
	paused, err := automation.Pause(ctx, ctl, app.Log.Named("automation"))
	for _, f := range paused {
		if jerr := journal.Event("Flow", f.ID, EventFlowPaused, f); jerr != nil && err == nil {
			err = jerr
		}
	}
	return paused, err
}

// resumeFlows reactivates what pauseFlows deactivated. Flows still paused
// after a failure are left without a flow.resumed event.
func resumeFlows(ctx context.Context, app *appctx.App, st *stores, journal *ledger.RunJournal, paused []datastore.Flow) error {
	if len(paused) == 0 {
		return nil
	}
	ctl := st.target.(datastore.FlowController)
	err := automation.Resume(ctx, ctl, paused, app.Log.Named("automation"))
	if err != nil {
		return err
	}
	for _, f := range paused {
		if jerr := journal.Event("Flow", f.ID, EventFlowResumed, f); jerr != nil {
			app.Log.Error("journal write failed", zap.String("flow", f.Name), zap.Error(jerr))
		}
	}
	return nil
}
