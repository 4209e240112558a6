package cli

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/lherron/sandcastle/internal/cli/appctx"
	"github.com/lherron/sandcastle/internal/ledger"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs recorded in the ledger",
	Long: `Runs lists the most recent runs, newest first.

Examples:
  sandcastle runs
  sandcastle runs --limit 5 -o json
`,
	Args: cobra.NoArgs,
	RunE: appctx.WithApp(appctx.DefaultOptions(), runRuns),
}

var (
	runsLimit int
	runsJSON  bool
)

func init() {
	rootCmd.AddCommand(runsCmd)

	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Limit number of runs (0 = unlimited)")
	runsCmd.Flags().BoolVar(&runsJSON, "json", false, "Output as JSON")
}

func runRuns(app *appctx.App, cmd *cobra.Command, args []string) error {
	runs, err := app.Ledger.ListRuns(runsLimit)
	if err != nil {
		return err
	}

	renderer, err := newRenderer(cmd.OutOrStdout(), app.Config.Output, runsJSON)
	if err != nil {
		return err
	}

	// Structured output leaves out plans and reports; use `report` for those.
	summaries := make([]interface{}, 0, len(runs))
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		s := runSummary(r)
		summaries = append(summaries, s)
		rows = append(rows, []string{
			shortID(r.UUID),
			r.Status,
			strconv.FormatBool(r.DryRun),
			r.Source,
			r.Target,
			r.StartedAt.Local().Format(time.DateTime),
			strconv.Itoa(s.Created),
			strconv.Itoa(s.Skipped),
			strconv.Itoa(s.Unresolved),
		})
	}
	return renderer.Render(summaries, []string{"RUN", "STATUS", "DRY_RUN", "SOURCE", "TARGET", "STARTED", "CREATED", "SKIPPED", "UNRESOLVED"}, rows)
}

type runListEntry struct {
	UUID       string     `json:"uuid"`
	Status     string     `json:"status"`
	DryRun     bool       `json:"dry_run"`
	Source     string     `json:"source"`
	Target     string     `json:"target"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Created    int        `json:"created"`
	Existing   int        `json:"existing"`
	Updated    int        `json:"updated"`
	Skipped    int        `json:"skipped"`
	Unresolved int        `json:"unresolved"`
}

func runSummary(r ledger.Run) runListEntry {
	e := runListEntry{
		UUID:       r.UUID,
		Status:     r.Status,
		DryRun:     r.DryRun,
		Source:     r.Source,
		Target:     r.Target,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
	if r.Report != nil {
		e.Created = r.Report.TotalCreated()
		e.Existing = r.Report.TotalExisting()
		e.Updated = r.Report.TotalUpdated()
		e.Skipped = len(r.Report.Skipped)
		e.Unresolved = len(r.Report.Unresolved)
	}
	return e
}

// shortID returns the first 8 characters of a run id
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
