package render

import (
	"fmt"
	"strconv"
	"time"

	"github.com/lherron/sandcastle/internal/domain"
)

// Report writes a migration report in the renderer's format
func (r *Renderer) Report(rep *domain.MigrationReport) error {
	switch r.opts.Format {
	case FormatJSON, FormatNDJSON, FormatYAML:
		return r.Render(rep, nil, nil)
	case FormatTSV:
		return r.RenderTSV([]string{"KIND", "ENTITY", "SOURCE_ID", "FIELD", "DETAIL"}, reportRows(rep))
	}

	title := "Run " + rep.RunID
	if rep.DryRun {
		title += " (dry run)"
	}
	if !rep.FinishedAt.IsZero() {
		title += fmt.Sprintf(", %s", rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintln(r.writer, title)
	fmt.Fprintln(r.writer)

	var counts [][]string
	for _, entity := range rep.EntityTypes() {
		counts = append(counts, []string{
			entity,
			strconv.Itoa(rep.Created[entity]),
			strconv.Itoa(rep.Existing[entity]),
			strconv.Itoa(rep.Updated[entity]),
		})
	}
	counts = append(counts, []string{
		"TOTAL",
		strconv.Itoa(rep.TotalCreated()),
		strconv.Itoa(rep.TotalExisting()),
		strconv.Itoa(rep.TotalUpdated()),
	})
	if err := r.RenderTable([]string{"ENTITY", "CREATED", "EXISTING", "UPDATED"}, counts); err != nil {
		return err
	}

	if len(rep.Skipped) > 0 {
		r.Section(fmt.Sprintf("Skipped records (%d)", len(rep.Skipped)))
		rows := make([][]string, len(rep.Skipped))
		for i, s := range rep.Skipped {
			rows[i] = []string{s.EntityType, s.SourceID, s.Reason}
		}
		if err := r.RenderTable([]string{"ENTITY", "SOURCE ID", "REASON"}, rows); err != nil {
			return err
		}
	}

	if len(rep.Unresolved) > 0 {
		r.Section(fmt.Sprintf("Unresolved references (%d)", len(rep.Unresolved)))
		rows := make([][]string, len(rep.Unresolved))
		for i, u := range rep.Unresolved {
			reason := u.Reason
			if u.Cleared {
				reason += " (cleared)"
			}
			rows[i] = []string{u.EntityType, u.SourceID, u.Field, u.TargetEntityType + " " + u.SourceRefID, string(u.Mode), reason}
		}
		if err := r.RenderTable([]string{"ENTITY", "SOURCE ID", "FIELD", "REFERENCES", "MODE", "REASON"}, rows); err != nil {
			return err
		}
	}

	if len(rep.Discriminators) > 0 {
		r.Section(fmt.Sprintf("Discriminator mappings (%d)", len(rep.Discriminators)))
		rows := make([][]string, len(rep.Discriminators))
		for i, m := range rep.Discriminators {
			rows[i] = []string{m.EntityType, m.Name, m.SourceID, m.TargetID}
		}
		if err := r.RenderTable([]string{"ENTITY", "NAME", "SOURCE ID", "TARGET ID"}, rows); err != nil {
			return err
		}
	}

	if len(rep.Warnings) > 0 {
		r.Section(fmt.Sprintf("Warnings (%d)", len(rep.Warnings)))
		for _, w := range rep.Warnings {
			fmt.Fprintf(r.writer, "  %s\n", w)
		}
	}

	if len(rep.Errors) > 0 {
		r.Section("Errors")
		for _, e := range rep.Errors {
			fmt.Fprintf(r.writer, "  %s\n", e)
		}
	}
	return nil
}

func reportRows(rep *domain.MigrationReport) [][]string {
	var rows [][]string
	for _, entity := range rep.EntityTypes() {
		rows = append(rows,
			[]string{"created", entity, "", "", strconv.Itoa(rep.Created[entity])},
			[]string{"existing", entity, "", "", strconv.Itoa(rep.Existing[entity])},
			[]string{"updated", entity, "", "", strconv.Itoa(rep.Updated[entity])},
		)
	}
	for _, s := range rep.Skipped {
		rows = append(rows, []string{"skipped", s.EntityType, s.SourceID, "", s.Reason})
	}
	for _, u := range rep.Unresolved {
		rows = append(rows, []string{"unresolved", u.EntityType, u.SourceID, u.Field, u.Reason})
	}
	for _, m := range rep.Discriminators {
		rows = append(rows, []string{"discriminator", m.EntityType, m.SourceID, m.Name, m.TargetID})
	}
	for _, w := range rep.Warnings {
		rows = append(rows, []string{"warning", w.EntityType, w.SourceID, w.Field, w.Message})
	}
	for _, e := range rep.Errors {
		rows = append(rows, []string{"error", "", "", "", e})
	}
	return rows
}
