package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lherron/sandcastle/internal/cli/appctx"
	"github.com/lherron/sandcastle/internal/domain"
	"github.com/lherron/sandcastle/internal/engine"
	"github.com/lherron/sandcastle/internal/render"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the migration plan",
	Long: `Plan validates the configured plan and prints its steps in order.

With --preview, the source records are fetched and run through the Phase 1
transformation rules without writing anything. Each record is printed as a
unified diff between the source record and the payload Phase 1 would create;
fields written in Phase 2 show as "<set in phase 2>".

Examples:
  sandcastle plan
  sandcastle plan --preview
  sandcastle plan --preview --fixture stores.yaml -o json
`,
	Args: cobra.NoArgs,
	RunE: appctx.WithApp(appctx.ConfigOnly(), runPlan),
}

var (
	planPreview         bool
	planFixture         string
	planAllowProduction bool
	planJSON            bool
)

func init() {
	rootCmd.AddCommand(planCmd)

	planCmd.Flags().BoolVar(&planPreview, "preview", false, "Show what Phase 1 would write for each source record")
	planCmd.Flags().StringVar(&planFixture, "fixture", "", "Read both stores from a YAML fixture instead of connecting to orgs")
	planCmd.Flags().BoolVar(&planAllowProduction, "allow-production", false, "Allow a target org that is not a sandbox")
	planCmd.Flags().BoolVar(&planJSON, "json", false, "Output as JSON")
}

// recordPreview is the structured form of one preview
type recordPreview struct {
	Entity   string        `json:"entity"`
	Step     string        `json:"step"`
	SourceID string        `json:"source_id"`
	Payload  domain.Record `json:"payload"`
	Deferred []string      `json:"deferred,omitempty"`
}

func runPlan(app *appctx.App, cmd *cobra.Command, args []string) error {
	cfg := app.Config

	if len(cfg.Plan.Steps) == 0 {
		return exitError(2, errNoSteps(cfg))
	}
	plan, err := cfg.MigrationPlan()
	if err != nil {
		return exitError(2, err)
	}

	renderer, err := newRenderer(cmd.OutOrStdout(), cfg.Output, planJSON)
	if err != nil {
		return err
	}

	if !planPreview {
		return renderer.Render(plan, []string{"#", "ENTITY", "SELECT", "LIMIT", "OPTIONS"}, planRows(plan))
	}

	ctx := cmd.Context()
	st, err := openStores(ctx, cfg, storeOptions{fixture: planFixture, allowProduction: planAllowProduction}, app.Log)
	if err != nil {
		return err
	}
	eng := engine.New(st.source, st.target, cfg.EngineOptions(), app.Log)

	var previews []interface{}
	out := cmd.OutOrStdout()
	report, err := eng.Preview(ctx, plan, func(p engine.RecordPreview) error {
		if renderer.Structured() {
			previews = append(previews, recordPreview{
				Entity:   p.Step.Entity,
				Step:     p.Step.Label(),
				SourceID: p.SourceID,
				Payload:  p.Payload,
				Deferred: p.Deferred,
			})
			return nil
		}
		diff, err := render.RecordDiff(p.Step.Entity, p.SourceID, p.Source, p.Payload, p.Deferred)
		if err != nil {
			return err
		}
		if diff == "" {
			fmt.Fprintf(out, "%s %s: unchanged\n", p.Step.Entity, p.SourceID)
			return nil
		}
		fmt.Fprint(out, diff)
		return nil
	})
	if err != nil {
		return exitError(1, err)
	}

	if renderer.Structured() {
		return renderer.Render(previews, nil, nil)
	}
	errOut := cmd.ErrOrStderr()
	fmt.Fprintln(errOut)
	var parts []string
	for _, entity := range report.EntityTypes() {
		parts = append(parts, fmt.Sprintf("%s=%d", entity, report.Created[entity]))
	}
	fmt.Fprintf(errOut, "Would create %d record(s): %s\n", report.TotalCreated(), strings.Join(parts, " "))
	for _, w := range report.Warnings {
		fmt.Fprintf(errOut, "warning: %s\n", w)
	}
	return nil
}

func planRows(plan domain.MigrationPlan) [][]string {
	rows := make([][]string, 0, len(plan.Steps))
	for i, s := range plan.Steps {
		var sel string
		switch {
		case s.IsRoot():
			sel = "Id IN (" + strings.Join(s.RootIDs, ", ") + ")"
			if s.IncludeHierarchy {
				sel += " + hierarchy"
			}
		default:
			var refs []string
			for _, ref := range s.Scope {
				refs = append(refs, ref.Field+" -> "+ref.Entity)
			}
			sel = strings.Join(refs, " OR ")
		}

		limit := "all"
		if s.Limit >= 0 {
			limit = strconv.Itoa(s.Limit)
			if s.LimitPerParent {
				limit += "/parent"
			}
		}

		var flags []string
		if s.BypassDiscriminator {
			flags = append(flags, "bypass-discriminator")
		}
		if s.PlaceholderDiscriminatorID != "" {
			flags = append(flags, "placeholder="+s.PlaceholderDiscriminatorID)
		} else if s.PlaceholderDiscriminatorName != "" {
			flags = append(flags, "placeholder="+s.PlaceholderDiscriminatorName)
		}

		rows = append(rows, []string{strconv.Itoa(i + 1), s.Entity, sel, limit, strings.Join(flags, ",")})
	}
	return rows
}
