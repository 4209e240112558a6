package bulk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("001%015d", i)
	}
	return out
}

func TestChunk(t *testing.T) {
	tests := []struct {
		name       string
		n          int
		size       int
		wantChunks int
		wantLast   int
	}{
		{name: "empty", n: 0, size: 200, wantChunks: 0},
		{name: "single short chunk", n: 5, size: 200, wantChunks: 1, wantLast: 5},
		{name: "exact multiple", n: 400, size: 200, wantChunks: 2, wantLast: 200},
		{name: "remainder", n: 450, size: 200, wantChunks: 3, wantLast: 50},
		{name: "default size", n: 201, size: 0, wantChunks: 2, wantLast: 1},
		{name: "negative size", n: 3, size: -1, wantChunks: 1, wantLast: 3},
		{name: "size one", n: 3, size: 1, wantChunks: 3, wantLast: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := ids(tt.n)
			chunks := Chunk(items, tt.size)
			require.Len(t, chunks, tt.wantChunks)

			var joined []string
			limit := tt.size
			if limit <= 0 {
				limit = DefaultBatchSize
			}
			for _, c := range chunks {
				assert.LessOrEqual(t, len(c), limit)
				assert.NotEmpty(t, c)
				joined = append(joined, c...)
			}
			if tt.n > 0 {
				assert.Equal(t, items, joined)
				assert.Len(t, chunks[len(chunks)-1], tt.wantLast)
			}
		})
	}
}

func TestChunk_AppendDoesNotClobberNeighbour(t *testing.T) {
	items := ids(4)
	chunks := Chunk(items, 2)
	_ = append(chunks[0], "extra")
	assert.Equal(t, items[2], chunks[1][0])
}

func TestMap_Sequential(t *testing.T) {
	var seen []int
	op := Operation{Jobs: 1, BatchSize: 2}

	results, err := Map(context.Background(), op, []int{1, 2, 3, 4, 5}, func(ctx context.Context, chunk []int) (int, error) {
		seen = append(seen, chunk...)
		total := 0
		for _, v := range chunk {
			total += v
		}
		return total, nil
	})

	require.NoError(t, err)
	assert.Equal(t, []int{3, 7, 5}, results)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, seen)
}

func TestMap_ParallelKeepsChunkOrder(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0
	op := Operation{Jobs: 4, BatchSize: 1}

	items := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	results, err := Map(context.Background(), op, items, func(ctx context.Context, chunk []string) (string, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		return strings.ToUpper(chunk[0]), nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C", "D", "E", "F", "G", "H"}, results)
	assert.LessOrEqual(t, peak, 4)
}

func TestMap_StopsOnError(t *testing.T) {
	calls := 0
	op := Operation{Jobs: 1, BatchSize: 1}
	boom := errors.New("query failed")

	_, err := Map(context.Background(), op, []string{"a", "b", "c"}, func(ctx context.Context, chunk []string) (bool, error) {
		calls++
		if chunk[0] == "b" {
			return false, boom
		}
		return true, nil
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestMap_ParallelError(t *testing.T) {
	boom := errors.New("unavailable")
	op := Operation{Jobs: 3, BatchSize: 1}

	_, err := Map(context.Background(), op, []int{1, 2, 3, 4}, func(ctx context.Context, chunk []int) (int, error) {
		if chunk[0] == 3 {
			return 0, boom
		}
		return chunk[0], nil
	})

	assert.ErrorIs(t, err, boom)
}

func TestMap_Empty(t *testing.T) {
	results, err := Map(context.Background(), Operation{Jobs: 4}, []string{}, func(ctx context.Context, chunk []string) (int, error) {
		t.Fatal("fn called for empty input")
		return 0, nil
	})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestMap_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Map(ctx, Operation{Jobs: 1}, []int{1}, func(ctx context.Context, chunk []int) (int, error) {
		return 0, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProgress(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf, "Account", 4, true)
	p.Add(2)
	p.Add(2)
	p.Done()

	out := buf.String()
	assert.Contains(t, out, "Account [")
	assert.Contains(t, out, "4/4")
	assert.Equal(t, 4, p.Completed())
}

func TestProgress_Disabled(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf, "Account", 4, false)
	p.Add(4)
	p.Done()
	assert.Empty(t, buf.String())
}

func TestProgressBar(t *testing.T) {
	assert.Equal(t, strings.Repeat("░", 10), progressBar(0, 10))
	assert.Equal(t, strings.Repeat("█", 5)+strings.Repeat("░", 5), progressBar(50, 10))
	assert.Equal(t, strings.Repeat("█", 10), progressBar(150, 10))
}
