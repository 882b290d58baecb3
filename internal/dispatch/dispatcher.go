// Package dispatch fans single-file aggregation out over a bounded worker
// pool. Files are independent: a worker owns one file end to end and failures
// never cross file boundaries.
package dispatch

import (
	"context"
	"errors"
	"io"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/route-beacon/peer-stats/internal/broker"
	"github.com/route-beacon/peer-stats/internal/metrics"
	"github.com/route-beacon/peer-stats/internal/rel"
	"github.com/route-beacon/peer-stats/internal/rib"
	"github.com/route-beacon/peer-stats/internal/stats"
	"go.uber.org/zap"
)

// OpenFunc obtains the entry stream for one archive item.
type OpenFunc func(ctx context.Context, item broker.Item) (rib.Source, error)

// Result is the outcome for exactly one dispatched item: either the
// aggregated reports or the error that failed the file.
type Result struct {
	Item    broker.Item
	Stats   *stats.CollectorReport
	Pairs   []rel.Pair
	Origins []rel.Origin
	Entries uint64
	Skipped uint64
	Err     error
}

type Option func(*Dispatcher)

// WithWorkers caps the pool size. Zero or negative means host parallelism;
// the pool never exceeds the host's parallelism either way.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) { d.workers = n }
}

// WithoutExtract disables the relationship extraction side aggregation.
func WithoutExtract() Option {
	return func(d *Dispatcher) { d.extract = false }
}

// WithProgress installs a completion callback. It is invoked once per
// finished item, from worker goroutines.
func WithProgress(fn func(done, total int)) Option {
	return func(d *Dispatcher) { d.onProgress = fn }
}

type Dispatcher struct {
	open       OpenFunc
	workers    int
	extract    bool
	onProgress func(done, total int)
	logger     *zap.Logger
}

func New(open OpenFunc, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		open:    open,
		extract: true,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Workers returns the effective pool size: the configured cap bounded by the
// host's available parallelism.
func (d *Dispatcher) Workers() int {
	max := runtime.GOMAXPROCS(0)
	if d.workers <= 0 || d.workers > max {
		return max
	}
	return d.workers
}

// Run processes all items and returns exactly one Result per item, in input
// order. Per-file failures are recorded in their Result; when the context is
// cancelled, items never claimed by a worker carry the context error.
func (d *Dispatcher) Run(ctx context.Context, items []broker.Item) []Result {
	results := make([]Result, len(items))

	workers := d.Workers()
	if workers > len(items) {
		workers = len(items)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	var done atomic.Int64
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				results[idx] = d.processFile(ctx, items[idx])
				n := done.Add(1)
				if d.onProgress != nil {
					d.onProgress(int(n), len(items))
				}
			}
		}()
	}

	unfed := -1
	for i := range items {
		select {
		case jobs <- i:
		case <-ctx.Done():
			unfed = i
		}
		if unfed >= 0 {
			break
		}
	}
	close(jobs)
	wg.Wait()

	if unfed >= 0 {
		for j := unfed; j < len(items); j++ {
			results[j] = Result{Item: items[j], Err: ctx.Err()}
		}
	}
	return results
}

func (d *Dispatcher) processFile(ctx context.Context, item broker.Item) Result {
	res := Result{Item: item}
	start := time.Now()

	src, err := d.open(ctx, item)
	if err != nil {
		d.logger.Warn("archive failed",
			zap.String("url", item.URL),
			zap.String("collector", item.Collector),
			zap.Error(err),
		)
		metrics.FilesProcessedTotal.WithLabelValues("failed").Inc()
		res.Err = err
		return res
	}
	defer src.Close()

	agg := stats.NewAggregator(item.Collector, item.Project, item.URL)
	var ext *rel.Extractor
	if d.extract {
		ext = rel.NewExtractor()
	}

	for {
		e, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			d.logger.Warn("archive failed mid-stream",
				zap.String("url", item.URL),
				zap.Uint64("entries", res.Entries),
				zap.Error(err),
			)
			metrics.FilesProcessedTotal.WithLabelValues("failed").Inc()
			res.Err = err
			return res
		}

		if err := agg.Add(e); err != nil {
			res.Skipped++
			metrics.EntriesSkippedTotal.WithLabelValues("malformed").Inc()
			d.logger.Debug("skipping malformed entry",
				zap.String("url", item.URL),
				zap.Uint64("entry", res.Entries+res.Skipped),
			)
			continue
		}
		if ext != nil {
			// Family was already validated by the aggregator.
			_ = ext.Add(e)
		}
		res.Entries++
		metrics.EntriesTotal.WithLabelValues(strconv.Itoa(e.Family())).Inc()
	}

	res.Stats = agg.Report()
	if ext != nil {
		res.Pairs = ext.Pairs()
		res.Origins = ext.Origins()
	}
	metrics.FilesProcessedTotal.WithLabelValues("ok").Inc()
	metrics.FileDuration.Observe(time.Since(start).Seconds())

	d.logger.Info("processed archive",
		zap.String("url", item.URL),
		zap.String("collector", item.Collector),
		zap.Uint64("entries", res.Entries),
		zap.Uint64("skipped", res.Skipped),
		zap.Int("peers", len(res.Stats.Peers)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res
}
