package render

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/lherron/sandcastle/internal/domain"
)

// DeferredMarker stands in for a field value Phase 2 will write
const DeferredMarker = "<set in phase 2>"

// RecordDiff returns a unified diff between a source record and the payload
// written for it. Fields in deferred are shown with DeferredMarker.
// An empty string means the payload equals the source.
func RecordDiff(entity, sourceID string, source, payload domain.Record, deferred []string) (string, error) {
	after := payload.Clone()
	for _, f := range deferred {
		after.Set(f, domain.String(DeferredMarker))
	}
	diff := difflib.UnifiedDiff{
		A:        recordLines(source, nil),
		B:        recordLines(after, source.Keys()),
		FromFile: fmt.Sprintf("source/%s/%s", entity, sourceID),
		ToFile:   fmt.Sprintf("target/%s/%s", entity, sourceID),
		Context:  len(source.Keys()) + len(deferred),
	}
	return difflib.GetUnifiedDiffString(diff)
}

// recordLines renders one "Field: value" line per field. Fields named in
// order come first, in that order, so both sides line up.
func recordLines(rec domain.Record, order []string) []string {
	var lines []string
	seen := make(map[string]bool)
	emit := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		if v, ok := rec.Get(name); ok {
			lines = append(lines, fmt.Sprintf("%s: %s\n", name, formatValue(v)))
		}
	}
	for _, name := range order {
		emit(name)
	}
	for _, name := range rec.Keys() {
		emit(name)
	}
	return lines
}

func formatValue(v domain.Value) string {
	switch v.Kind() {
	case domain.KindNull:
		return "null"
	case domain.KindString:
		s := v.Text()
		if strings.ContainsAny(s, "\n\r") {
			return fmt.Sprintf("%q", s)
		}
		return s
	default:
		return v.String()
	}
}
