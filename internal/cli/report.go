package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lherron/sandcastle/internal/cli/appctx"
	"github.com/lherron/sandcastle/internal/events"
	"github.com/lherron/sandcastle/internal/ledger"
	"github.com/lherron/sandcastle/internal/render"
)

var reportCmd = &cobra.Command{
	Use:   "report [RUN-ID]",
	Short: "Show the report of a run",
	Long: `Report prints the stored report of a run: counts per entity type,
skipped records, unresolved references, warnings and errors.

RUN-ID may be any unique prefix of a run id. Without it, the latest run is shown.

Examples:
  sandcastle report                    # Latest run
  sandcastle report 3f2a               # Run by id prefix
  sandcastle report --events           # Include the run's event log
  sandcastle report --events --type 'substitution.*'
`,
	Args: cobra.MaximumNArgs(1),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runReport),
}

var (
	reportEvents    bool
	reportEventType string
	reportEntity    string
	reportLimit     int
	reportJSON      bool
)

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().BoolVar(&reportEvents, "events", false, "Include the run's event log")
	reportCmd.Flags().StringVar(&reportEventType, "type", "", "Filter events by type (suffix .* matches a prefix)")
	reportCmd.Flags().StringVar(&reportEntity, "entity", "", "Filter events by entity type")
	reportCmd.Flags().IntVar(&reportLimit, "limit", 0, "Limit number of events (0 = unlimited)")
	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "Output as JSON")
}

// runReportOutput is the structured form of a report
type runReportOutput struct {
	*ledger.Run
	Events []events.Event `json:"events,omitempty"`
}

func runReport(app *appctx.App, cmd *cobra.Command, args []string) error {
	var (
		run *ledger.Run
		err error
	)
	if len(args) == 1 {
		run, err = app.Ledger.GetRun(args[0])
	} else {
		run, err = app.Ledger.LatestRun()
	}
	if err != nil {
		var ambiguous *ledger.AmbiguousRunError
		if errors.Is(err, ledger.ErrRunNotFound) || errors.As(err, &ambiguous) {
			return exitError(4, err)
		}
		return err
	}

	var evts []events.Event
	if reportEvents || reportEventType != "" || reportEntity != "" {
		evts, err = app.Ledger.Events(events.Filter{
			RunUUID:    run.UUID,
			EntityType: reportEntity,
			EventType:  reportEventType,
			Limit:      reportLimit,
		})
		if err != nil {
			return fmt.Errorf("failed to query event log: %w", err)
		}
	}

	renderer, err := newRenderer(cmd.OutOrStdout(), app.Config.Output, reportJSON)
	if err != nil {
		return err
	}
	if renderer.Structured() {
		return renderer.Render(runReportOutput{Run: run, Events: evts}, nil, nil)
	}

	out := cmd.OutOrStdout()
	if renderer.Format() == render.FormatTable {
		fmt.Fprintf(out, "Run:      %s\n", run.UUID)
		fmt.Fprintf(out, "Status:   %s\n", run.Status)
		fmt.Fprintf(out, "Source:   %s\n", run.Source)
		fmt.Fprintf(out, "Target:   %s\n", run.Target)
		fmt.Fprintf(out, "Started:  %s\n", run.StartedAt.Local().Format(time.RFC3339))
		if run.FinishedAt != nil {
			fmt.Fprintf(out, "Finished: %s\n", run.FinishedAt.Local().Format(time.RFC3339))
		}
		fmt.Fprintln(out)
	}

	if run.Report == nil {
		fmt.Fprintln(out, "No report recorded (the run did not finish).")
	} else if err := renderer.Report(run.Report); err != nil {
		return err
	}

	if evts == nil {
		return nil
	}
	renderer.Section("Events")
	rows := make([][]string, 0, len(evts))
	for _, e := range evts {
		rows = append(rows, []string{e.Timestamp, e.EventType, e.EntityType, e.SourceID, e.Payload})
	}
	return renderer.Render(nil, []string{"TIME", "TYPE", "ENTITY", "SOURCE_ID", "PAYLOAD"}, rows)
}
