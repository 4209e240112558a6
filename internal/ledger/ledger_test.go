package ledger

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/sandcastle/internal/domain"
	"github.com/lherron/sandcastle/internal/engine"
	"github.com/lherron/sandcastle/internal/events"
	"github.com/lherron/sandcastle/internal/idmap"
)

var _ engine.Journal = (*RunJournal)(nil)

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func samplePlan() domain.MigrationPlan {
	return domain.MigrationPlan{Steps: []domain.PlanStep{
		{Entity: "Account", RootIDs: []string{"001A"}, Limit: -1},
	}}
}

func TestRunLifecycle(t *testing.T) {
	l := openLedger(t)
	const id = "0b7d6c2e-1111-4a4a-9c9c-000000000001"

	require.NoError(t, l.StartRun(id, "prod", "dev", false, samplePlan()))

	run, err := l.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)
	assert.Nil(t, run.FinishedAt)
	require.NotNil(t, run.Plan)
	assert.Equal(t, "Account", run.Plan.Steps[0].Entity)

	report := domain.NewMigrationReport(id)
	report.AddCreated("Account", 3)
	report.Skip("Account", "001B", "bad value")
	report.Finish()
	require.NoError(t, l.FinishRun(id, report))

	run, err = l.GetRun(id[:8])
	require.NoError(t, err, "unique prefix")
	assert.Equal(t, StatusPartial, run.Status)
	require.NotNil(t, run.FinishedAt)
	require.NotNil(t, run.Report)
	assert.Equal(t, 3, run.Report.Created["Account"])
	assert.Len(t, run.Report.Skipped, 1)

	evs, err := l.Events(events.Filter{RunUUID: id, EventType: "run.*"})
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "run.started", evs[0].EventType)
	assert.Equal(t, "run.finished", evs[1].EventType)
}

func TestFinishRunUnknown(t *testing.T) {
	l := openLedger(t)
	err := l.FinishRun("nope", domain.NewMigrationReport("nope"))
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func TestGetRun(t *testing.T) {
	l := openLedger(t)
	require.NoError(t, l.StartRun("abc-1", "prod", "dev", false, samplePlan()))
	require.NoError(t, l.StartRun("abc-2", "prod", "dev", true, samplePlan()))

	_, err := l.GetRun("zzz")
	assert.ErrorIs(t, err, ErrRunNotFound)

	_, err = l.GetRun("abc")
	var amb *AmbiguousRunError
	require.ErrorAs(t, err, &amb)
	assert.Equal(t, 2, amb.Matches)

	run, err := l.GetRun("abc-2")
	require.NoError(t, err)
	assert.True(t, run.DryRun)

	runs, err := l.ListRuns(0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = l.ListRuns(1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	latest, err := l.LatestRun()
	require.NoError(t, err)
	assert.Equal(t, runs[0].UUID, latest.UUID)
}

func TestStatusOf(t *testing.T) {
	r := domain.NewMigrationReport("x")
	assert.Equal(t, StatusSucceeded, StatusOf(r))
	r.Skip("Account", "1", "x")
	assert.Equal(t, StatusPartial, StatusOf(r))
	r.Fail(errors.New("boom"))
	assert.Equal(t, StatusFailed, StatusOf(r))
}

func TestJournalAndLoadState(t *testing.T) {
	l := openLedger(t)
	require.NoError(t, l.StartRun("run-1", "prod", "dev", false, samplePlan()))
	j := l.Journal("run-1", "prod", "dev")

	require.NoError(t, j.MapID(idmap.Entry{EntityType: "Account", SourceID: "001A", TargetID: "001X"}))
	require.NoError(t, j.MapID(idmap.Entry{EntityType: "Account", SourceID: "001B", TargetID: "001Y"}))
	require.NoError(t, j.MapID(idmap.Entry{EntityType: "Account", SourceID: "001A", TargetID: "001Z"}))

	open := domain.PendingSubstitution{EntityType: "Account", SourceID: "001B", Field: "ParentId", TargetEntityType: "Account", SourceRefID: "001C", Mode: domain.SubstitutionDummy}
	done := domain.PendingSubstitution{EntityType: "Account", SourceID: "001A", Field: "ParentId", TargetEntityType: "Account", SourceRefID: "001B", Mode: domain.SubstitutionDeferred}
	require.NoError(t, j.Substitution(open, false))
	require.NoError(t, j.Substitution(done, false))
	require.NoError(t, j.Substitution(done, true))

	def := domain.DeferredDiscriminator{EntityType: "Contact", SourceID: "003A", Field: "RecordTypeId", SourceValue: "012A"}
	require.NoError(t, j.Discriminator(def, false))

	require.NoError(t, j.Event("Account", "001A", engine.EventRecordCreated, map[string]string{"target_id": "001X"}))

	st, err := l.LoadState("prod", "dev")
	require.NoError(t, err)
	assert.Equal(t, []idmap.Entry{
		{EntityType: "Account", SourceID: "001A", TargetID: "001Z"},
		{EntityType: "Account", SourceID: "001B", TargetID: "001Y"},
	}, st.Mappings)
	assert.Equal(t, []domain.PendingSubstitution{open}, st.Substitutions)
	assert.Equal(t, []domain.DeferredDiscriminator{def}, st.Discriminators)

	other, err := l.LoadState("prod", "qa")
	require.NoError(t, err)
	assert.Empty(t, other.Mappings)

	evs, err := l.Events(events.Filter{RunUUID: "run-1", EntityType: "Account"})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "001A", evs[0].SourceID)
	assert.JSONEq(t, `{"target_id":"001X"}`, evs[0].Payload)

	n, err := l.ForgetPair("prod", "dev")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	st, err = l.LoadState("prod", "dev")
	require.NoError(t, err)
	assert.Empty(t, st.Mappings)
	assert.Empty(t, st.Substitutions)
}
