package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lherron/sandcastle/internal/cli/appctx"
	"github.com/lherron/sandcastle/internal/config"
	"github.com/lherron/sandcastle/internal/ledger"
)

const pairFixture = `
source:
  name: prod
  tag: S
  entities:
    - name: Account
      prefix: "001"
      fields:
        - {name: Name, type: string, createable: true}
        - {name: ParentId, type: reference, reference_to: [Account], nillable: true, createable: true}
      records:
        - {id: 001S0000000000A001, Name: Acme}
        - {id: 001S0000000000A002, Name: Acme East, ParentId: 001S0000000000A001}
        - {id: 001S0000000000A003, Name: Unrelated}
    - name: Contact
      prefix: "003"
      fields:
        - {name: LastName, type: string, createable: true}
        - {name: Email, type: email, nillable: true, createable: true}
        - {name: AccountId, type: reference, reference_to: [Account], nillable: true, createable: true}
      records:
        - {id: 003S0000000000C001, LastName: Boss, Email: boss@acme.com, AccountId: 001S0000000000A002}
target:
  name: sandbox
  entities:
    - name: Account
      prefix: "001"
      fields:
        - {name: Name, type: string, createable: true}
        - {name: ParentId, type: reference, reference_to: [Account], nillable: true, createable: true}
    - name: Contact
      prefix: "003"
      fields:
        - {name: LastName, type: string, createable: true}
        - {name: Email, type: email, nillable: true, createable: true}
        - {name: AccountId, type: reference, reference_to: [Account], nillable: true, createable: true}
`

const planConfig = `
output: table
plan:
  steps:
    - entity: Account
      root_ids: [001S0000000000A001]
      include_hierarchy: true
    - entity: Contact
      scope: {AccountId: Account}
`

type testEnv struct {
	app     *appctx.App
	fixture string
}

// setupTestEnv writes a config and a store fixture, loads the config and opens
// a migrated ledger
func setupTestEnv(t *testing.T, cfgYAML string) *testEnv {
	t.Helper()

	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	for _, kv := range os.Environ() {
		if name, _, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(name, "SANDCASTLE_") {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}
	prevDir, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(prevDir) })

	cfgPath := filepath.Join(tmpDir, config.FileName)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgYAML), 0644))
	fixture := filepath.Join(tmpDir, "stores.yaml")
	require.NoError(t, os.WriteFile(fixture, []byte(pairFixture), 0644))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	cfg.LedgerPath = filepath.Join(tmpDir, "ledger.db")

	l, err := ledger.Open(cfg.LedgerPath)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	return &testEnv{
		app:     &appctx.App{Config: cfg, Log: zaptest.NewLogger(t), Ledger: l},
		fixture: fixture,
	}
}

func testCmd() (*cobra.Command, *bytes.Buffer, *bytes.Buffer) {
	cmd := &cobra.Command{}
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetContext(context.Background())
	return cmd, &out, &errOut
}

// setFlag assigns a package-level flag variable for the duration of a test
func setFlag[T any](t *testing.T, p *T, v T) {
	t.Helper()
	old := *p
	*p = v
	t.Cleanup(func() { *p = old })
}

func TestRunCommand_Fixture(t *testing.T) {
	env := setupTestEnv(t, planConfig)
	setFlag(t, &runFixture, env.fixture)
	setFlag(t, &runQuiet, true)

	cmd, out, _ := testCmd()
	require.NoError(t, runRun(env.app, cmd, nil))
	assert.Contains(t, out.String(), "TOTAL")

	runs, err := env.app.Ledger.ListRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	run := runs[0]
	assert.Equal(t, ledger.StatusSucceeded, run.Status)
	assert.False(t, run.DryRun)
	assert.Equal(t, "fixture:stores.yaml:prod", run.Source)
	assert.Equal(t, "fixture:stores.yaml:sandbox", run.Target)
	require.NotNil(t, run.Report)
	assert.Equal(t, 2, run.Report.Created["Account"])
	assert.Equal(t, 1, run.Report.Created["Contact"])

	state, err := env.app.Ledger.LoadState(run.Source, run.Target)
	require.NoError(t, err)
	assert.Len(t, state.Mappings, 3)
	assert.Empty(t, state.Substitutions, "every substitution was resolved")
}

func TestRunCommand_DryRun(t *testing.T) {
	env := setupTestEnv(t, planConfig)
	setFlag(t, &runFixture, env.fixture)
	setFlag(t, &runDryRun, true)
	setFlag(t, &runJSON, true)
	setFlag(t, &runQuiet, true)

	cmd, out, _ := testCmd()
	require.NoError(t, runRun(env.app, cmd, nil))

	var report struct {
		RunID   string         `json:"run_id"`
		DryRun  bool           `json:"dry_run"`
		Created map[string]int `json:"created"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.True(t, report.DryRun)
	assert.Equal(t, map[string]int{"Account": 2, "Contact": 1}, report.Created)

	run, err := env.app.Ledger.GetRun(report.RunID)
	require.NoError(t, err)
	assert.True(t, run.DryRun)

	state, err := env.app.Ledger.LoadState(run.Source, run.Target)
	require.NoError(t, err)
	assert.Empty(t, state.Mappings, "dry runs journal nothing")
}

func TestRunCommand_NoSteps(t *testing.T) {
	env := setupTestEnv(t, "output: table\n")
	setFlag(t, &runFixture, env.fixture)

	cmd, _, _ := testCmd()
	err := runRun(env.app, cmd, nil)
	require.Error(t, err)
	assert.Equal(t, 2, ExitCode(err))
	assert.Contains(t, err.Error(), "plan has no steps")
}

func TestRunCommand_MissingOrgs(t *testing.T) {
	env := setupTestEnv(t, planConfig)

	cmd, _, _ := testCmd()
	err := runRun(env.app, cmd, nil)
	require.Error(t, err)
	assert.Equal(t, 2, ExitCode(err))
}

func TestPlanCommand(t *testing.T) {
	env := setupTestEnv(t, planConfig)

	cmd, out, _ := testCmd()
	require.NoError(t, runPlan(env.app, cmd, nil))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4, "header, separator, two steps")
	assert.Contains(t, lines[2], "Id IN (001S0000000000A001) + hierarchy")
	assert.Contains(t, lines[3], "AccountId -> Account")
}

func TestPlanCommand_Preview(t *testing.T) {
	env := setupTestEnv(t, planConfig)
	setFlag(t, &planPreview, true)
	setFlag(t, &planFixture, env.fixture)

	cmd, out, errOut := testCmd()
	require.NoError(t, runPlan(env.app, cmd, nil))

	diff := out.String()
	assert.Contains(t, diff, "--- source/Account/001S0000000000A002")
	assert.Contains(t, diff, "+++ target/Account/001S0000000000A002")
	assert.Contains(t, diff, "+ParentId: <set in phase 2>")
	assert.Contains(t, diff, "+Email: boss@acme.com.invalid")
	assert.Contains(t, errOut.String(), "Would create 3 record(s): Account=2 Contact=1")
}

func TestPlanCommand_PreviewJSON(t *testing.T) {
	env := setupTestEnv(t, planConfig)
	setFlag(t, &planPreview, true)
	setFlag(t, &planFixture, env.fixture)
	setFlag(t, &planJSON, true)

	cmd, out, _ := testCmd()
	require.NoError(t, runPlan(env.app, cmd, nil))

	var previews []struct {
		Entity   string                 `json:"entity"`
		SourceID string                 `json:"source_id"`
		Payload  map[string]interface{} `json:"payload"`
		Deferred []string               `json:"deferred"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &previews))
	require.Len(t, previews, 3)
	assert.Equal(t, "001S0000000000A002", previews[1].SourceID)
	assert.Equal(t, []string{"ParentId"}, previews[1].Deferred)
	assert.Equal(t, "Contact", previews[2].Entity)
}

func TestReportAndRunsCommands(t *testing.T) {
	env := setupTestEnv(t, planConfig)
	setFlag(t, &runFixture, env.fixture)
	setFlag(t, &runQuiet, true)

	cmd, _, _ := testCmd()
	require.NoError(t, runRun(env.app, cmd, nil))
	latest, err := env.app.Ledger.LatestRun()
	require.NoError(t, err)

	t.Run("latest as table", func(t *testing.T) {
		cmd, out, _ := testCmd()
		require.NoError(t, runReport(env.app, cmd, nil))
		assert.Contains(t, out.String(), "Run:      "+latest.UUID)
		assert.Contains(t, out.String(), "Status:   succeeded")
	})

	t.Run("by prefix as json with events", func(t *testing.T) {
		setFlag(t, &reportJSON, true)
		setFlag(t, &reportEventType, "record.*")
		cmd, out, _ := testCmd()
		require.NoError(t, runReport(env.app, cmd, []string{latest.UUID[:8]}))

		var got struct {
			UUID   string `json:"uuid"`
			Events []struct {
				EventType string `json:"event_type"`
			} `json:"events"`
		}
		require.NoError(t, json.Unmarshal(out.Bytes(), &got))
		assert.Equal(t, latest.UUID, got.UUID)
		assert.Len(t, got.Events, 3)
		for _, e := range got.Events {
			assert.True(t, strings.HasPrefix(e.EventType, "record."))
		}
	})

	t.Run("unknown run", func(t *testing.T) {
		cmd, _, _ := testCmd()
		err := runReport(env.app, cmd, []string{"ffffffff"})
		require.Error(t, err)
		assert.Equal(t, 4, ExitCode(err))
		assert.ErrorIs(t, err, ledger.ErrRunNotFound)
	})

	t.Run("runs", func(t *testing.T) {
		cmd, out, _ := testCmd()
		require.NoError(t, runRuns(env.app, cmd, nil))
		assert.Contains(t, out.String(), latest.UUID[:8])
		assert.Contains(t, out.String(), "succeeded")
	})
}

func TestLedgerForget(t *testing.T) {
	env := setupTestEnv(t, planConfig)
	setFlag(t, &runFixture, env.fixture)
	setFlag(t, &runQuiet, true)

	cmd, _, _ := testCmd()
	require.NoError(t, runRun(env.app, cmd, nil))

	setFlag(t, &ledgerForgetSource, "fixture:stores.yaml:prod")
	setFlag(t, &ledgerForgetTarget, "fixture:stores.yaml:sandbox")

	t.Run("declined", func(t *testing.T) {
		cmd, _, _ := testCmd()
		cmd.SetIn(strings.NewReader("n\n"))
		assert.Error(t, runLedgerForget(env.app, cmd, nil))
	})

	t.Run("confirmed", func(t *testing.T) {
		setFlag(t, &ledgerForgetYes, true)
		cmd, out, _ := testCmd()
		require.NoError(t, runLedgerForget(env.app, cmd, nil))
		assert.Contains(t, out.String(), "Forgot 3 row(s)")

		state, err := env.app.Ledger.LoadState("fixture:stores.yaml:prod", "fixture:stores.yaml:sandbox")
		require.NoError(t, err)
		assert.Empty(t, state.Mappings)
	})
}

func TestLedgerMigrateAndStatus(t *testing.T) {
	env := setupTestEnv(t, planConfig)
	env.app.Config.LedgerPath = filepath.Join(t.TempDir(), "fresh.db")

	cmd, out, _ := testCmd()
	require.NoError(t, runLedgerStatus(env.app, cmd, nil))
	assert.Contains(t, out.String(), "Pending migrations:")

	setFlag(t, &ledgerMigrateDryRun, true)
	cmd, out, _ = testCmd()
	require.NoError(t, runLedgerMigrate(env.app, cmd, nil))
	assert.Contains(t, out.String(), "would be applied")

	ledgerMigrateDryRun = false
	cmd, out, _ = testCmd()
	require.NoError(t, runLedgerMigrate(env.app, cmd, nil))
	assert.Contains(t, out.String(), "✓ Applied migration: 000001_ledger.sql")

	cmd, out, _ = testCmd()
	require.NoError(t, runLedgerMigrate(env.app, cmd, nil))
	assert.Contains(t, out.String(), "Ledger is up to date")
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("boom")))
	assert.Equal(t, 5, ExitCode(exitError(5, nil)))

	wrapped := exitError(3, errors.New("not a sandbox"))
	assert.Equal(t, 3, ExitCode(wrapped))
	assert.Equal(t, "not a sandbox", wrapped.Error())
	assert.False(t, Silent(wrapped))
	assert.True(t, Silent(exitError(5, nil)))
	assert.False(t, Silent(errors.New("boom")))
}
