package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lherron/sandcastle/internal/cli/appctx"
	"github.com/lherron/sandcastle/internal/config"
	"github.com/lherron/sandcastle/internal/datastore/salesforce"
	"github.com/lherron/sandcastle/internal/db"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, ledger health and org access",
	Long: `Doctor performs health checks before a run: the config file and plan,
the ledger database and its schema, and access to the source and target orgs,
including the same-org and production-target safety checks.

Exits 1 when any check fails.`,
	Args: cobra.NoArgs,
	RunE: appctx.WithApp(appctx.ConfigOnly(), runDoctor),
}

var (
	doctorJSON            bool
	doctorSkipOrgs        bool
	doctorAllowProduction bool
)

const (
	checkOK      = "ok"
	checkWarning = "warning"
	checkError   = "error"
)

type checkResult struct {
	Category string   `json:"category"`
	Name     string   `json:"name"`
	Status   string   `json:"status"` // "ok", "warning", "error"
	Message  string   `json:"message,omitempty"`
	Details  []string `json:"details,omitempty"`
}

type doctorReport struct {
	Version       string        `json:"version"`
	ConfigFile    string        `json:"config_file,omitempty"`
	LedgerPath    string        `json:"ledger_path"`
	Checks        []checkResult `json:"checks"`
	Warnings      int           `json:"warnings"`
	Errors        int           `json:"errors"`
	OverallStatus string        `json:"overall_status"`
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "Output JSON")
	doctorCmd.Flags().BoolVar(&doctorSkipOrgs, "skip-orgs", false, "Do not connect to the orgs")
	doctorCmd.Flags().BoolVar(&doctorAllowProduction, "allow-production", false, "Accept a target org that is not a sandbox")
}

func runDoctor(app *appctx.App, cmd *cobra.Command, args []string) error {
	cfg := app.Config
	report := &doctorReport{
		Version:       Version,
		ConfigFile:    cfg.File,
		LedgerPath:    cfg.LedgerPath,
		OverallStatus: checkOK,
	}

	report.Checks = append(report.Checks, checkConfig(cfg)...)
	report.Checks = append(report.Checks, checkLedger(cfg.LedgerPath)...)
	if !doctorSkipOrgs {
		report.Checks = append(report.Checks, checkOrgs(cmd.Context(), app, cfg)...)
	}

	for _, check := range report.Checks {
		switch check.Status {
		case checkWarning:
			report.Warnings++
		case checkError:
			report.Errors++
			report.OverallStatus = checkError
		}
	}
	if report.Warnings > 0 && report.OverallStatus == checkOK {
		report.OverallStatus = checkWarning
	}

	if doctorJSON {
		renderer, err := newRenderer(cmd.OutOrStdout(), "json", true)
		if err != nil {
			return err
		}
		if err := renderer.Render(report, nil, nil); err != nil {
			return err
		}
	} else {
		printDoctorReport(cmd, report)
	}

	if report.Errors > 0 {
		return exitError(1, nil)
	}
	return nil
}

func checkConfig(cfg *config.Config) []checkResult {
	var results []checkResult

	if cfg.File == "" {
		results = append(results, checkResult{
			Category: "Configuration",
			Name:     "config_file",
			Status:   checkWarning,
			Message:  "No config file found, using environment and defaults",
			Details:  []string{fmt.Sprintf("Create %s to define the plan", config.FileName)},
		})
	} else {
		results = append(results, checkResult{
			Category: "Configuration",
			Name:     "config_file",
			Status:   checkOK,
			Message:  fmt.Sprintf("Config file: %s", cfg.File),
		})
	}

	if len(cfg.Plan.Steps) == 0 {
		results = append(results, checkResult{
			Category: "Configuration",
			Name:     "plan",
			Status:   checkError,
			Message:  "Plan has no steps",
		})
		return results
	}
	plan, err := cfg.MigrationPlan()
	if err != nil {
		results = append(results, checkResult{
			Category: "Configuration",
			Name:     "plan",
			Status:   checkError,
			Message:  err.Error(),
		})
		return results
	}
	results = append(results, checkResult{
		Category: "Configuration",
		Name:     "plan",
		Status:   checkOK,
		Message:  fmt.Sprintf("Plan has %d step(s) over %d entity type(s)", len(plan.Steps), len(plan.Entities())),
	})
	return results
}

func checkLedger(path string) []checkResult {
	var results []checkResult

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return append(results, checkResult{
			Category: "Ledger",
			Name:     "ledger_file_exists",
			Status:   checkWarning,
			Message:  fmt.Sprintf("Ledger not found: %s", path),
			Details:  []string{"It is created by the first 'sandcastle run'"},
		})
	}
	if err != nil {
		return append(results, checkResult{
			Category: "Ledger",
			Name:     "ledger_file_exists",
			Status:   checkError,
			Message:  fmt.Sprintf("Cannot stat ledger: %v", err),
		})
	}
	results = append(results, checkResult{
		Category: "Ledger",
		Name:     "ledger_file_exists",
		Status:   checkOK,
		Message:  fmt.Sprintf("Ledger file: %s (%.1f MB)", path, float64(info.Size())/(1024*1024)),
	})

	database, err := db.Open(path)
	if err != nil {
		return append(results, checkResult{
			Category: "Ledger",
			Name:     "ledger_open",
			Status:   checkError,
			Message:  fmt.Sprintf("Failed to open ledger: %v", err),
		})
	}
	defer database.Close()

	var journalMode string
	database.QueryRow("PRAGMA journal_mode").Scan(&journalMode)
	if journalMode == "wal" {
		results = append(results, checkResult{Category: "Ledger", Name: "wal_mode", Status: checkOK, Message: "WAL mode enabled"})
	} else {
		results = append(results, checkResult{
			Category: "Ledger",
			Name:     "wal_mode",
			Status:   checkWarning,
			Message:  fmt.Sprintf("WAL mode not enabled (current: %s)", journalMode),
		})
	}

	var integrity string
	database.QueryRow("PRAGMA integrity_check").Scan(&integrity)
	if integrity == "ok" {
		results = append(results, checkResult{Category: "Ledger", Name: "integrity_check", Status: checkOK, Message: "Ledger integrity check passed"})
	} else {
		results = append(results, checkResult{
			Category: "Ledger",
			Name:     "integrity_check",
			Status:   checkError,
			Message:  fmt.Sprintf("Ledger integrity check failed: %s", integrity),
		})
	}

	_, pending, err := database.MigrationStatus()
	switch {
	case err != nil:
		results = append(results, checkResult{Category: "Ledger", Name: "schema", Status: checkError, Message: err.Error()})
	case len(pending) > 0:
		results = append(results, checkResult{
			Category: "Ledger",
			Name:     "schema",
			Status:   checkWarning,
			Message:  fmt.Sprintf("%d pending migration(s)", len(pending)),
			Details:  append([]string{"Run 'sandcastle ledger migrate'"}, pending...),
		})
	default:
		results = append(results, checkResult{Category: "Ledger", Name: "schema", Status: checkOK, Message: "Schema is up to date"})
	}
	return results
}

func checkOrgs(ctx context.Context, app *appctx.App, cfg *config.Config) []checkResult {
	var results []checkResult
	clients := make(map[string]*salesforce.Client, 2)
	orgs := make(map[string]salesforce.Org, 2)

	for _, o := range []struct {
		name string
		cfg  config.OrgConfig
	}{
		{"source", cfg.Source},
		{"target", cfg.Target},
	} {
		check := checkResult{Category: "Orgs", Name: o.name + "_org"}
		if o.cfg.IsZero() {
			check.Status = checkError
			check.Message = fmt.Sprintf("%s org not configured", o.name)
			results = append(results, check)
			continue
		}
		client, err := salesforce.Connect(ctx, o.name, credentials(o.cfg), salesforce.WithLogger(app.Log.Named(o.name)))
		if err == nil {
			var org salesforce.Org
			if org, err = client.Organization(ctx); err == nil {
				clients[o.name] = client
				orgs[o.name] = org
				kind := "production"
				if org.IsSandbox {
					kind = "sandbox"
				}
				check.Status = checkOK
				check.Message = fmt.Sprintf("%s: %s (%s, %s)", client.Name(), org.Name, org.ID, kind)
				check.Details = []string{client.InstanceURL()}
			}
		}
		if err != nil {
			check.Status = checkError
			check.Message = err.Error()
		}
		results = append(results, check)
	}

	if len(clients) < 2 {
		return results
	}
	pair := checkResult{Category: "Orgs", Name: "org_pair", Status: checkOK, Message: "Source and target are different orgs"}
	if err := salesforce.CheckPair(ctx, clients["source"], clients["target"], doctorAllowProduction, app.Log); err != nil {
		pair.Status = checkError
		pair.Message = err.Error()
	} else if !orgs["target"].IsSandbox {
		pair.Status = checkWarning
		pair.Message = "Target is a production org"
	}
	return append(results, pair)
}

func printDoctorReport(cmd *cobra.Command, report *doctorReport) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "sandcastle doctor %s\n\n", report.Version)
	fmt.Fprintf(out, "Ledger: %s\n\n", report.LedgerPath)

	var category string
	for _, check := range report.Checks {
		if check.Category != category {
			if category != "" {
				fmt.Fprintln(out)
			}
			category = check.Category
			fmt.Fprintln(out, category)
		}
		icon := "✓"
		switch check.Status {
		case checkWarning:
			icon = "⚠"
		case checkError:
			icon = "✗"
		}
		fmt.Fprintf(out, "  %s %s\n", icon, check.Message)
		for _, detail := range check.Details {
			fmt.Fprintf(out, "      %s\n", detail)
		}
	}

	fmt.Fprintln(out)
	switch report.OverallStatus {
	case checkOK:
		fmt.Fprintln(out, "All checks passed")
	case checkWarning:
		fmt.Fprintf(out, "%d warning(s)\n", report.Warnings)
	default:
		fmt.Fprintf(out, "%d error(s), %d warning(s)\n", report.Errors, report.Warnings)
	}
}
