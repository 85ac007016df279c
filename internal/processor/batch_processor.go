package processor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"dealflow/server/config"
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// BatchProcessor runs work items in small concurrent batches with a pause
// between batches, keeping the record store under its rate limit.
type BatchProcessor struct {
	batchSize int
	pause     time.Duration
	logger    *logrus.Logger
	sleep     Sleeper
}

// NewBatchProcessor creates a processor from the fan-out settings in cfg.
func NewBatchProcessor(cfg *config.Config, logger *logrus.Logger) *BatchProcessor {
	batchSize, pause := 3, 150*time.Millisecond
	if cfg != nil {
		if cfg.BatchProcessing.BatchSize > 0 {
			batchSize = cfg.BatchProcessing.BatchSize
		}
		pause = cfg.BatchProcessing.Pause
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &BatchProcessor{
		batchSize: batchSize,
		pause:     pause,
		logger:    logger,
		sleep:     sleepContext,
	}
}

// SetSleeper replaces the pause implementation.
func (p *BatchProcessor) SetSleeper(s Sleeper) {
	p.sleep = s
}

// BatchSize returns the number of items run concurrently.
func (p *BatchProcessor) BatchSize() int {
	return p.batchSize
}

// Run calls fn for every index in [0, n). The first error cancels the
// remaining work and is returned.
func (p *BatchProcessor) Run(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	for start := 0; start < n; start += p.batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		if start > 0 && p.pause > 0 {
			if err := p.sleep(ctx, p.pause); err != nil {
				return err
			}
		}

		end := start + p.batchSize
		if end > n {
			end = n
		}

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				return fn(gctx, i)
			})
		}
		if err := g.Wait(); err != nil {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"batch_start": start,
				"batch_end":   end,
				"total":       n,
			}).Error("Batch processing failed")
			return err
		}
	}
	return nil
}

// Each runs fn for every item using p's batching.
func Each[T any](ctx context.Context, p *BatchProcessor, items []T, fn func(ctx context.Context, item T) error) error {
	return p.Run(ctx, len(items), func(ctx context.Context, i int) error {
		return fn(ctx, items[i])
	})
}

// Map runs fn for every item and returns the results in input order.
func Map[T, R any](ctx context.Context, p *BatchProcessor, items []T, fn func(ctx context.Context, item T) (R, error)) ([]R, error) {
	out := make([]R, len(items))
	err := p.Run(ctx, len(items), func(ctx context.Context, i int) error {
		r, err := fn(ctx, items[i])
		if err != nil {
			return err
		}
		out[i] = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Chunk splits items into slices of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if size < 1 {
		size = 1
	}
	var chunks [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
