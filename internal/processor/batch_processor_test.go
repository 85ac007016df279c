package processor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealflow/server/config"
)

func newTestProcessor(batchSize int) (*BatchProcessor, *[]time.Duration) {
	cfg := &config.Config{}
	cfg.BatchProcessing.BatchSize = batchSize
	cfg.BatchProcessing.Pause = 150 * time.Millisecond

	p := NewBatchProcessor(cfg, logrus.New())
	var pauses []time.Duration
	p.SetSleeper(func(ctx context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return nil
	})
	return p, &pauses
}

func TestNewBatchProcessor(t *testing.T) {
	p := NewBatchProcessor(nil, nil)
	assert.Equal(t, 3, p.BatchSize())
	assert.Equal(t, 150*time.Millisecond, p.pause)
	assert.NotNil(t, p.logger)
}

func TestBatchProcessor_RunBoundsConcurrency(t *testing.T) {
	p, pauses := newTestProcessor(3)

	var inFlight, peak int32
	var mu sync.Mutex
	seen := make(map[int]bool)

	err := p.Run(context.Background(), 8, func(ctx context.Context, i int) error {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)

		mu.Lock()
		seen[i] = true
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	assert.Len(t, seen, 8)
	assert.LessOrEqual(t, int(peak), 3)
	// 8 items in batches of 3 means two pauses
	assert.Equal(t, []time.Duration{150 * time.Millisecond, 150 * time.Millisecond}, *pauses)
}

func TestBatchProcessor_RunStopsOnError(t *testing.T) {
	p, _ := newTestProcessor(2)
	boom := errors.New("boom")

	var calls int32
	err := p.Run(context.Background(), 6, func(ctx context.Context, i int) error {
		atomic.AddInt32(&calls, 1)
		if i == 1 {
			return boom
		}
		return nil
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "later batches must not start")
}

func TestBatchProcessor_RunHonoursCancellation(t *testing.T) {
	p := NewBatchProcessor(nil, logrus.New())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Run(ctx, 6, func(ctx context.Context, i int) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMap_PreservesOrder(t *testing.T) {
	p, _ := newTestProcessor(3)

	out, err := Map(context.Background(), p, []int{1, 2, 3, 4, 5}, func(ctx context.Context, n int) (int, error) {
		time.Sleep(time.Duration(6-n) * time.Millisecond)
		return n * n, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 9, 16, 25}, out)
}

func TestChunk(t *testing.T) {
	tests := []struct {
		name  string
		items []string
		size  int
		want  [][]string
	}{
		{"empty", nil, 2, nil},
		{"exact", []string{"a", "b", "c", "d"}, 2, [][]string{{"a", "b"}, {"c", "d"}}},
		{"remainder", []string{"a", "b", "c"}, 2, [][]string{{"a", "b"}, {"c"}}},
		{"size below one", []string{"a", "b"}, 0, [][]string{{"a"}, {"b"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Chunk(tt.items, tt.size))
		})
	}
}
