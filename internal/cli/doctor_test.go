package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// orgServer answers the Organization query with a different org per token
func orgServer(t *testing.T, orgs map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		org, ok := orgs[token]
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `[{"errorCode":"INVALID_SESSION_ID","message":"Session expired or invalid"}]`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"totalSize":1,"done":true,"records":[%s]}`, org)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func orgConfig(url, sourceToken, targetToken string) string {
	return fmt.Sprintf("source:\n  instance_url: %s\n  access_token: %s\ntarget:\n  instance_url: %s\n  access_token: %s\n%s",
		url, sourceToken, url, targetToken, planConfig)
}

const (
	prodOrg    = `{"attributes":{"type":"Organization"},"Id":"00D000000000001","Name":"Acme","OrganizationType":"Enterprise Edition","IsSandbox":false}`
	sandboxOrg = `{"attributes":{"type":"Organization"},"Id":"00D000000000002","Name":"Acme Dev","OrganizationType":"Enterprise Edition","IsSandbox":true}`
)

func TestDoctor_SkipOrgs(t *testing.T) {
	env := setupTestEnv(t, planConfig)
	setFlag(t, &doctorSkipOrgs, true)

	cmd, out, _ := testCmd()
	require.NoError(t, runDoctor(env.app, cmd, nil))

	output := out.String()
	assert.Contains(t, output, "✓ Plan has 2 step(s) over 2 entity type(s)")
	assert.Contains(t, output, "✓ Ledger integrity check passed")
	assert.Contains(t, output, "✓ Schema is up to date")
	assert.NotContains(t, output, "Orgs")
}

func TestDoctor_EmptyPlan(t *testing.T) {
	env := setupTestEnv(t, "output: table\n")
	setFlag(t, &doctorSkipOrgs, true)

	cmd, out, _ := testCmd()
	err := runDoctor(env.app, cmd, nil)
	require.Error(t, err)
	assert.Equal(t, 1, ExitCode(err))
	assert.True(t, Silent(err), "the report already names the failure")
	assert.Contains(t, out.String(), "✗ Plan has no steps")
}

func TestDoctor_Orgs(t *testing.T) {
	srv := orgServer(t, map[string]string{"prod": prodOrg, "dev": sandboxOrg})

	t.Run("sandbox target", func(t *testing.T) {
		env := setupTestEnv(t, orgConfig(srv.URL, "prod", "dev"))
		setFlag(t, &doctorJSON, true)

		cmd, out, _ := testCmd()
		require.NoError(t, runDoctor(env.app, cmd, nil))

		var report doctorReport
		require.NoError(t, json.Unmarshal(out.Bytes(), &report))
		assert.Equal(t, 0, report.Errors)
		byName := make(map[string]checkResult)
		for _, c := range report.Checks {
			byName[c.Name] = c
		}
		assert.Equal(t, checkOK, byName["source_org"].Status)
		assert.Contains(t, byName["target_org"].Message, "Acme Dev (00D000000000002, sandbox)")
		assert.Equal(t, checkOK, byName["org_pair"].Status)
	})

	t.Run("same org", func(t *testing.T) {
		env := setupTestEnv(t, orgConfig(srv.URL, "dev", "dev"))

		cmd, out, _ := testCmd()
		err := runDoctor(env.app, cmd, nil)
		assert.Equal(t, 1, ExitCode(err))
		assert.Contains(t, out.String(), "same org")
	})

	t.Run("production target", func(t *testing.T) {
		env := setupTestEnv(t, orgConfig(srv.URL, "dev", "prod"))

		cmd, out, _ := testCmd()
		err := runDoctor(env.app, cmd, nil)
		assert.Equal(t, 1, ExitCode(err))
		assert.Contains(t, out.String(), "--allow-production")

		setFlag(t, &doctorAllowProduction, true)
		cmd, out, _ = testCmd()
		require.NoError(t, runDoctor(env.app, cmd, nil))
		assert.Contains(t, out.String(), "⚠ Target is a production org")
	})

	t.Run("bad token", func(t *testing.T) {
		env := setupTestEnv(t, orgConfig(srv.URL, "prod", "expired"))

		cmd, out, _ := testCmd()
		err := runDoctor(env.app, cmd, nil)
		assert.Equal(t, 1, ExitCode(err))
		assert.Contains(t, out.String(), "INVALID_SESSION_ID")
	})
}
