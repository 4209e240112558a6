package salesforce

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/lherron/sandcastle/internal/datastore"
)

var identRegex = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\.[A-Za-z][A-Za-z0-9_]*)*$`)

var soqlEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

func quote(s string) string {
	return "'" + soqlEscaper.Replace(s) + "'"
}

// BuildQuery renders a SOQL query selecting Id plus fields, ORing the filters
func BuildQuery(entity string, fields []string, filters []datastore.Filter, limit int) (string, error) {
	if !identRegex.MatchString(entity) {
		return "", fmt.Errorf("invalid entity name %q", entity)
	}
	cols := []string{"Id"}
	seen := map[string]bool{"Id": true}
	for _, f := range fields {
		if seen[f] {
			continue
		}
		if !identRegex.MatchString(f) {
			return "", fmt.Errorf("invalid field name %q", f)
		}
		seen[f] = true
		cols = append(cols, f)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(cols, ", "), entity)

	var clauses []string
	for _, f := range filters {
		if len(f.IDs) == 0 {
			continue
		}
		if !identRegex.MatchString(f.Field) {
			return "", fmt.Errorf("invalid field name %q", f.Field)
		}
		ids := make([]string, len(f.IDs))
		for i, id := range f.IDs {
			ids[i] = quote(id)
		}
		clauses = append(clauses, fmt.Sprintf("%s IN (%s)", f.Field, strings.Join(ids, ", ")))
	}
	if len(filters) > 0 && len(clauses) == 0 {
		// Every filter was empty: nothing can match.
		clauses = append(clauses, "Id = null")
	}
	if len(clauses) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(clauses, " OR "))
	}
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	return b.String(), nil
}
