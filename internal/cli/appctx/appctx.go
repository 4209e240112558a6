// Package appctx provides a shared bootstrap helper for CLI commands.
// It centralizes config loading, logger construction, and ledger opening
// to reduce boilerplate across commands.
package appctx

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lherron/sandcastle/internal/config"
	"github.com/lherron/sandcastle/internal/db"
	"github.com/lherron/sandcastle/internal/ledger"
	"github.com/lherron/sandcastle/internal/logging"
)

// App holds the shared application context for commands.
type App struct {
	// Config is the loaded configuration
	Config *config.Config

	// Log is the process logger
	Log *zap.Logger

	// Ledger is the opened run ledger (nil if NeedsLedger is false)
	Ledger *ledger.Ledger
}

// Close releases resources held by the App.
// Safe to call multiple times.
func (a *App) Close() {
	if a.Ledger != nil {
		a.Ledger.Close()
		a.Ledger = nil
	}
	if a.Log != nil {
		_ = a.Log.Sync()
	}
}

// Options configures the bootstrap behavior.
type Options struct {
	// NeedsLedger indicates whether to open the ledger database.
	NeedsLedger bool

	// Migrate applies pending ledger migrations instead of refusing to run.
	// Commands that write runs create the ledger on first use.
	Migrate bool
}

// DefaultOptions returns default options (ledger required, no auto-migration).
func DefaultOptions() Options {
	return Options{NeedsLedger: true}
}

// WithMigrate returns options that open the ledger and migrate it.
func WithMigrate() Options {
	return Options{NeedsLedger: true, Migrate: true}
}

// ConfigOnly returns options that skip the ledger.
func ConfigOnly() Options {
	return Options{}
}

// RunFunc is the signature for command run functions.
type RunFunc func(app *App, cmd *cobra.Command, args []string) error

// WithApp wraps a command's run function with shared bootstrap logic.
// The ledger is closed automatically when the wrapped function returns.
func WithApp(opts Options, fn RunFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := Bootstrap(cmd, opts)
		if err != nil {
			return err
		}
		defer app.Close()

		return fn(app, cmd, args)
	}
}

func flagString(cmd *cobra.Command, name string) string {
	if f := cmd.Flag(name); f != nil {
		return f.Value.String()
	}
	return ""
}

// Bootstrap initializes the App according to the given options.
// Callers are responsible for calling App.Close() when done.
func Bootstrap(cmd *cobra.Command, opts Options) (*App, error) {
	app := &App{}

	// Load configuration
	cfg, err := config.Load(flagString(cmd, "config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Flags override config
	if v := flagString(cmd, "ledger"); v != "" {
		cfg.LedgerPath = v
	}
	if v := flagString(cmd, "log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v := flagString(cmd, "log-format"); v != "" {
		cfg.LogFormat = v
	}
	if v := flagString(cmd, "output"); v != "" {
		cfg.Output = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	app.Config = cfg

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	app.Log = log

	if !opts.NeedsLedger {
		return app, nil
	}

	if opts.Migrate {
		l, err := ledger.Open(cfg.LedgerPath)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to open ledger: %w", err)
		}
		app.Ledger = l
		return app, nil
	}

	database, err := db.Open(cfg.LedgerPath)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	// Check for pending migrations
	_, pending, err := database.MigrationStatus()
	if err != nil {
		database.Close()
		app.Close()
		return nil, fmt.Errorf("failed to check migration status: %w", err)
	}
	if len(pending) > 0 {
		migErr := database.RequiresMigrationError()
		database.Close()
		app.Close()
		return nil, migErr
	}

	app.Ledger = ledger.New(database)
	return app, nil
}
