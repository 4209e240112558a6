package bulk

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultBatchSize is the largest number of records a single bulk call may carry
const DefaultBatchSize = 200

// Chunk splits items into consecutive, disjoint chunks of at most size
// elements, preserving input order. The last chunk may be shorter.
// A size <= 0 uses DefaultBatchSize.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = DefaultBatchSize
	}
	if len(items) == 0 {
		return nil
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end:end])
	}
	return chunks
}

// Operation represents a chunked bulk operation configuration
type Operation struct {
	Jobs         int
	BatchSize    int
	ShowProgress bool
	Label        string
	Output       io.Writer
}

// ChunkFunc is the function to execute for each chunk
type ChunkFunc[T, R any] func(ctx context.Context, chunk []T) (R, error)

// Map runs fn over the chunks of items and returns the results in chunk
// order. With Jobs > 1 chunks run concurrently; fn must then not touch
// shared state, and callers apply the results serially.
// The first error cancels the remaining chunks.
func Map[T, R any](ctx context.Context, op Operation, items []T, fn ChunkFunc[T, R]) ([]R, error) {
	chunks := Chunk(items, op.BatchSize)
	results := make([]R, len(chunks))
	if len(chunks) == 0 {
		return results, nil
	}

	progress := NewProgress(op.output(), op.Label, len(items), op.ShowProgress)
	defer progress.Done()

	jobs := op.Jobs
	if jobs <= 1 {
		for i, chunk := range chunks {
			if err := ctx.Err(); err != nil {
				return results, err
			}
			r, err := fn(ctx, chunk)
			if err != nil {
				return results, err
			}
			results[i] = r
			progress.Add(len(chunk))
		}
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			r, err := fn(gctx, chunk)
			if err != nil {
				return err
			}
			results[i] = r
			progress.Add(len(chunk))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func (op Operation) output() io.Writer {
	if op.Output != nil {
		return op.Output
	}
	return os.Stderr
}

// Progress prints a single updating progress line while attached to a terminal
type Progress struct {
	mu      sync.Mutex
	w       io.Writer
	label   string
	total   int
	done    int
	enabled bool
}

// NewProgress creates a progress line. It is silent unless enabled and stderr is a TTY,
// or w is not stderr (tests).
func NewProgress(w io.Writer, label string, total int, enabled bool) *Progress {
	if w == os.Stderr && !isatty(os.Stderr) {
		enabled = false
	}
	return &Progress{w: w, label: label, total: total, enabled: enabled && total > 0}
}

// Add records n more completed items
func (p *Progress) Add(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done += n
	if !p.enabled {
		return
	}
	pct := int(float64(p.done) / float64(p.total) * 100)
	fmt.Fprintf(p.w, "\r%s [%s] %d/%d", p.label, progressBar(pct, 20), p.done, p.total)
}

// Done clears the progress line
func (p *Progress) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enabled {
		fmt.Fprintf(p.w, "\r\033[K")
	}
}

// Completed returns the number of items reported so far
func (p *Progress) Completed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// progressBar creates a simple ASCII progress bar
func progressBar(percent, width int) string {
	filled := percent * width / 100
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

// isatty checks if the file descriptor is a terminal
func isatty(f *os.File) bool {
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}
