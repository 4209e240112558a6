// Package render writes command output as tables, JSON, YAML, TSV and diffs.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format represents an output format
type Format string

const (
	FormatTable  Format = "table"
	FormatJSON   Format = "json"
	FormatNDJSON Format = "ndjson"
	FormatYAML   Format = "yaml"
	FormatTSV    Format = "tsv"
)

// ParseFormat validates a format name
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatTable, FormatJSON, FormatNDJSON, FormatYAML, FormatTSV:
		return f, nil
	case "":
		return FormatTable, nil
	default:
		return "", fmt.Errorf("unknown output format %q", s)
	}
}

// Options for rendering
type Options struct {
	Format    Format
	Porcelain bool
}

// Renderer handles output rendering
type Renderer struct {
	writer io.Writer
	opts   Options
}

// NewRenderer creates a new renderer
func NewRenderer(writer io.Writer, opts Options) *Renderer {
	if opts.Format == "" {
		opts.Format = FormatTable
	}
	return &Renderer{
		writer: writer,
		opts:   opts,
	}
}

// Format returns the output format
func (r *Renderer) Format() Format {
	return r.opts.Format
}

// Structured reports whether the format encodes data rather than rows
func (r *Renderer) Structured() bool {
	switch r.opts.Format {
	case FormatJSON, FormatNDJSON, FormatYAML:
		return true
	}
	return false
}

// Render writes data in a structured format, or headers and rows otherwise
func (r *Renderer) Render(data interface{}, headers []string, rows [][]string) error {
	switch r.opts.Format {
	case FormatJSON:
		return r.RenderJSON(data)
	case FormatNDJSON:
		return r.RenderNDJSON(data)
	case FormatYAML:
		return r.RenderYAML(data)
	case FormatTSV:
		return r.RenderTSV(headers, rows)
	default:
		return r.RenderTable(headers, rows)
	}
}

// RenderJSON renders data as JSON
func (r *Renderer) RenderJSON(data interface{}) error {
	encoder := json.NewEncoder(r.writer)
	if !r.opts.Porcelain {
		encoder.SetIndent("", "  ")
	}
	return encoder.Encode(data)
}

// RenderNDJSON renders a slice as newline-delimited JSON. Anything else is
// written as a single line.
func (r *Renderer) RenderNDJSON(data interface{}) error {
	encoder := json.NewEncoder(r.writer)
	items, ok := data.([]interface{})
	if !ok {
		return encoder.Encode(data)
	}
	for _, item := range items {
		if err := encoder.Encode(item); err != nil {
			return err
		}
	}
	return nil
}

// RenderYAML renders data as YAML. Data goes through JSON first so field
// names and value encodings match the JSON output.
func (r *Renderer) RenderYAML(data interface{}) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var generic interface{}
	if err := json.Unmarshal(b, &generic); err != nil {
		return err
	}
	encoder := yaml.NewEncoder(r.writer)
	encoder.SetIndent(2)
	defer encoder.Close()
	return encoder.Encode(generic)
}

// RenderTSV renders data as tab-separated values
func (r *Renderer) RenderTSV(headers []string, rows [][]string) error {
	if _, err := fmt.Fprintln(r.writer, strings.Join(headers, "\t")); err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := fmt.Fprintln(r.writer, strings.Join(row, "\t")); err != nil {
			return err
		}
	}
	return nil
}

// RenderTable renders data as a formatted table
func (r *Renderer) RenderTable(headers []string, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	if r.opts.Porcelain {
		return r.RenderTSV(headers, rows)
	}

	r.renderTableRow(headers, widths)
	r.renderTableSeparator(widths)
	for _, row := range rows {
		r.renderTableRow(row, widths)
	}
	return nil
}

// Section writes a titled block for multi-part table output
func (r *Renderer) Section(title string) {
	fmt.Fprintf(r.writer, "\n%s\n", title)
}

func (r *Renderer) renderTableRow(cells []string, widths []int) {
	for i, cell := range cells {
		if i < len(widths) {
			if i == len(cells)-1 {
				fmt.Fprint(r.writer, cell)
			} else {
				fmt.Fprintf(r.writer, "%-*s  ", widths[i], cell)
			}
		}
	}
	fmt.Fprintln(r.writer)
}

func (r *Renderer) renderTableSeparator(widths []int) {
	for i, width := range widths {
		fmt.Fprint(r.writer, strings.Repeat("-", width))
		if i < len(widths)-1 {
			fmt.Fprint(r.writer, "  ")
		}
	}
	fmt.Fprintln(r.writer)
}
