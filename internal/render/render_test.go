package render

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/lherron/sandcastle/internal/domain"
)

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatTable, f)

	f, err = ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf, Options{})
	require.NoError(t, r.RenderTable([]string{"ENTITY", "COUNT"}, [][]string{{"Account", "2"}, {"Contact", "10"}}))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "ENTITY   COUNT", lines[0])
	assert.Equal(t, "-------  -----", lines[1])
	assert.Equal(t, "Account  2", lines[2])
	assert.Equal(t, "Contact  10", lines[3])
}

func TestRenderTable_Porcelain(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf, Options{Porcelain: true})
	require.NoError(t, r.RenderTable([]string{"A", "B"}, [][]string{{"1", "2"}}))
	assert.Equal(t, "A\tB\n1\t2\n", buf.String())
}

func TestRenderNDJSON(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf, Options{Format: FormatNDJSON})
	require.NoError(t, r.Render([]interface{}{map[string]int{"a": 1}, map[string]int{"a": 2}}, nil, nil))
	assert.Equal(t, "{\"a\":1}\n{\"a\":2}\n", buf.String())
}

func sampleReport() *domain.MigrationReport {
	rep := domain.NewMigrationReport("run-1")
	rep.AddCreated("Account", 2)
	rep.AddExisting("Contact", 1)
	rep.AddUpdated("Account", 1)
	rep.Skip("Contact", "003A", "REQUIRED_FIELD_MISSING: LastName")
	rep.Unresolve(&domain.UnresolvedSubstitutionError{
		Substitution: domain.PendingSubstitution{EntityType: "Account", SourceID: "001B", Field: "ParentId", TargetEntityType: "Account", SourceRefID: "001A", Mode: domain.SubstitutionDummy},
		Reason:       "referenced Account 001A was not migrated",
		Cleared:      true,
	})
	rep.Warn(domain.Warning{EntityType: "Account", SourceID: "001B", Field: "Rating", Message: `value "Gold" not allowed, dropped`})
	rep.Discriminators = []domain.DiscriminatorMapping{{EntityType: "Contact", SourceID: "012S0000000000AAAA", TargetID: "012T0000000000AAAA", Name: "Customer"}}
	rep.Fail(errors.New("target unavailable"))
	rep.Finish()
	return rep
}

func TestReport_Table(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewRenderer(&buf, Options{}).Report(sampleReport()))
	out := buf.String()

	assert.Contains(t, out, "Run run-1")
	assert.Regexp(t, `Account\s+2\s+0\s+1`, out)
	assert.Regexp(t, `TOTAL\s+2\s+1\s+1`, out)
	assert.Contains(t, out, "Skipped records (1)")
	assert.Contains(t, out, "(cleared)")
	assert.Contains(t, out, `Account 001B.Rating: value "Gold" not allowed, dropped`)
	assert.Contains(t, out, "target unavailable")
	assert.Contains(t, out, "Discriminator mappings (1)")
	assert.Regexp(t, `Contact\s+Customer\s+012S0000000000AAAA\s+012T0000000000AAAA`, out)
}

func TestReport_Structured(t *testing.T) {
	rep := sampleReport()

	var js bytes.Buffer
	require.NoError(t, NewRenderer(&js, Options{Format: FormatJSON}).Report(rep))
	var decoded domain.MigrationReport
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Equal(t, 2, decoded.Created["Account"])
	require.Len(t, decoded.Unresolved, 1)
	assert.True(t, decoded.Unresolved[0].Cleared)

	var ym bytes.Buffer
	require.NoError(t, NewRenderer(&ym, Options{Format: FormatYAML}).Report(rep))
	var generic map[string]interface{}
	require.NoError(t, yaml.Unmarshal(ym.Bytes(), &generic))
	assert.Equal(t, "run-1", generic["run_id"])
}

func TestReport_TSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewRenderer(&buf, Options{Format: FormatTSV}).Report(sampleReport()))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, "KIND\tENTITY\tSOURCE_ID\tFIELD\tDETAIL", lines[0])
	assert.Contains(t, lines, "created\tAccount\t\t\t2")
	assert.Contains(t, lines, "skipped\tContact\t003A\t\tREQUIRED_FIELD_MISSING: LastName")
	assert.Contains(t, lines, "discriminator\tContact\t012S0000000000AAAA\tCustomer\t012T0000000000AAAA")
}

func TestRecordDiff(t *testing.T) {
	source := domain.NewRecord("LastName", "Boss", "Email", "boss@acme.com", "ReportsToId", "003S1", "Campaign__c", "701S1")
	payload := domain.NewRecord("LastName", "Boss", "Email", "boss@acme.com.invalid")

	out, err := RecordDiff("Contact", "003S2", source, payload, []string{"ReportsToId"})
	require.NoError(t, err)

	assert.Contains(t, out, "--- source/Contact/003S2")
	assert.Contains(t, out, "+++ target/Contact/003S2")
	assert.Contains(t, out, " LastName: Boss\n")
	assert.Contains(t, out, "-Email: boss@acme.com\n")
	assert.Contains(t, out, "+Email: boss@acme.com.invalid\n")
	assert.Contains(t, out, "+ReportsToId: "+DeferredMarker)
	assert.Contains(t, out, "-Campaign__c: 701S1\n")
}

func TestRecordDiff_Unchanged(t *testing.T) {
	rec := domain.NewRecord("Name", "Acme", "Active", true)
	out, err := RecordDiff("Account", "001", rec, rec, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}
