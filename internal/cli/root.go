package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sandcastle",
	Short: "Copy a connected slice of records from one org into another",
	Long: `sandcastle copies a subgraph of records from a source org (usually
production) into a target org (usually a sandbox), remapping every reference
to the ids the target assigns.

Records are created in plan order with placeholder or deferred references,
then a second pass rewrites the references once every record exists. Id
mappings and outstanding work are journaled to a SQLite ledger so an
interrupted run can be resumed.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with a context that cancels running
// migrations, e.g. on interrupt
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to config file (overrides SANDCASTLE_CONFIG)")
	rootCmd.PersistentFlags().String("ledger", "", "Path to ledger database (overrides SANDCASTLE_LEDGER_PATH)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: console or json")
	rootCmd.PersistentFlags().StringP("output", "o", "", "Output format: table, json, ndjson, yaml, tsv")
}
