// Package bootstrap drives the backfill: it walks a date range day by day,
// discovers RIB dumps through the broker, dispatches each dump for
// aggregation, and writes the resulting artifacts.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/route-beacon/peer-stats/internal/artifact"
	"github.com/route-beacon/peer-stats/internal/broker"
	"github.com/route-beacon/peer-stats/internal/dispatch"
	"github.com/route-beacon/peer-stats/internal/metrics"
	"github.com/route-beacon/peer-stats/internal/rel"
	"go.uber.org/zap"
)

// Notifier publishes an event after a dump's artifacts land on disk.
// Notification failures are logged, never fatal.
type Notifier interface {
	Processed(ctx context.Context, item broker.Item, date string, paths []string) error
}

// Options selects the date range and processing mode for one run.
type Options struct {
	Start     time.Time
	End       time.Time
	Collector string
	OnlyDaily bool
	DryRun    bool
	Resume    bool
}

// Summary reports what one run did across all slots. A slot is one day of
// the scheduled range.
type Summary struct {
	Slots        int
	SlotFailures int
	Discovered   int
	Skipped      int
	Processed    int
	Failed       int
	Written      int
}

type Scheduler struct {
	broker   *broker.Client
	disp     *dispatch.Dispatcher
	layout   artifact.Layout
	notifier Notifier
	logger   *zap.Logger
}

func NewScheduler(bc *broker.Client, disp *dispatch.Dispatcher, layout artifact.Layout, logger *zap.Logger) *Scheduler {
	return &Scheduler{broker: bc, disp: disp, layout: layout, logger: logger}
}

// SetNotifier installs an optional post-processing notifier.
func (s *Scheduler) SetNotifier(n Notifier) { s.notifier = n }

// Run walks the half-open date range [Start, End) a day at a time. A broker
// failure marks that slot failed and the run continues; an artifact write
// failure aborts. Per-file aggregation failures are counted and the run
// continues.
func (s *Scheduler) Run(ctx context.Context, opts Options) (*Summary, error) {
	start := midnight(opts.Start)
	end := midnight(opts.End)
	if !end.After(start) {
		return nil, fmt.Errorf("bootstrap: end date %s not after start date %s",
			end.Format("2006-01-02"), start.Format("2006-01-02"))
	}

	runStart := time.Now()
	sum := &Summary{}
	for day := start; day.Before(end); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if err := s.runDay(ctx, day, opts, sum); err != nil {
			return sum, err
		}
		sum.Slots++
	}

	s.logger.Info("bootstrap complete",
		zap.Int("slots", sum.Slots),
		zap.Int("slot_failures", sum.SlotFailures),
		zap.Int("discovered", sum.Discovered),
		zap.Int("skipped", sum.Skipped),
		zap.Int("processed", sum.Processed),
		zap.Int("failed", sum.Failed),
		zap.Int("artifacts", sum.Written),
		zap.Duration("elapsed", time.Since(runStart)),
	)
	return sum, nil
}

func (s *Scheduler) runDay(ctx context.Context, day time.Time, opts Options, sum *Summary) error {
	items, err := s.broker.Search(ctx, broker.Query{
		TsStart:   day,
		TsEnd:     day.Add(24*time.Hour - time.Second),
		DataType:  "rib",
		Collector: opts.Collector,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sum.SlotFailures++
		s.logger.Warn("broker query failed, skipping slot",
			zap.String("date", day.Format("2006-01-02")),
			zap.Error(err),
		)
		return nil
	}
	if opts.OnlyDaily {
		items = filterDaily(items)
	}
	sum.Discovered += len(items)

	if opts.DryRun {
		for _, it := range items {
			s.logger.Info("discovered rib dump",
				zap.String("collector", it.Collector),
				zap.String("project", it.Project),
				zap.Time("timestamp", it.Timestamp),
				zap.String("url", it.URL),
				zap.Int64("bytes", it.Size),
			)
		}
		return nil
	}

	if opts.Resume {
		pending := items[:0]
		for _, it := range items {
			if s.alreadyDone(it) {
				s.logger.Debug("artifacts already present",
					zap.String("collector", it.Collector),
					zap.Time("timestamp", it.Timestamp),
				)
				sum.Skipped++
				continue
			}
			pending = append(pending, it)
		}
		items = pending
	}

	for _, res := range s.disp.Run(ctx, items) {
		if res.Err != nil {
			sum.Failed++
			continue
		}
		paths, err := s.writeArtifacts(res)
		if err != nil {
			return err
		}
		sum.Processed++
		sum.Written += len(paths)

		if s.notifier != nil {
			date := res.Item.Timestamp.UTC().Format("2006-01-02")
			if err := s.notifier.Processed(ctx, res.Item, date, paths); err != nil {
				s.logger.Warn("notification failed",
					zap.String("collector", res.Item.Collector),
					zap.Error(err),
				)
			}
		}
	}

	s.logger.Info("day complete",
		zap.String("date", day.Format("2006-01-02")),
		zap.Int("processed", sum.Processed),
		zap.Int("failed", sum.Failed),
	)
	return nil
}

func (s *Scheduler) writeArtifacts(res dispatch.Result) ([]string, error) {
	pairs := res.Pairs
	if pairs == nil {
		pairs = []rel.Pair{}
	}
	origins := res.Origins
	if origins == nil {
		origins = []rel.Origin{}
	}

	paths := make([]string, 0, len(artifact.Kinds))
	for _, kind := range artifact.Kinds {
		var payload any
		switch kind {
		case artifact.KindPeerStats:
			payload = res.Stats
		case artifact.KindAs2Rel:
			payload = &rel.PairsReport{
				Collector:  res.Item.Collector,
				Project:    res.Item.Project,
				RIBDumpURL: res.Item.URL,
				Pairs:      pairs,
			}
		case artifact.KindPfx2As:
			payload = &rel.OriginsReport{
				Collector:  res.Item.Collector,
				Project:    res.Item.Project,
				RIBDumpURL: res.Item.URL,
				Origins:    origins,
			}
		}
		path := s.layout.Path(kind, res.Item)
		if err := artifact.WriteJSON(path, payload); err != nil {
			return nil, err
		}
		metrics.ArtifactsWrittenTotal.WithLabelValues(kind).Inc()
		paths = append(paths, path)
	}
	return paths, nil
}

// alreadyDone reports whether every artifact for the item is on disk.
func (s *Scheduler) alreadyDone(item broker.Item) bool {
	for _, kind := range artifact.Kinds {
		if _, err := os.Stat(s.layout.Path(kind, item)); err != nil {
			return false
		}
	}
	return true
}

// filterDaily keeps the midnight dumps. RIS collectors write three bviews a
// day and route-views collectors a RIB every two hours; only the 00:00 dump
// of each survives this filter.
func filterDaily(items []broker.Item) []broker.Item {
	kept := items[:0]
	for _, it := range items {
		if it.Timestamp.UTC().Hour() == 0 {
			kept = append(kept, it)
		}
	}
	return kept
}

func midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
