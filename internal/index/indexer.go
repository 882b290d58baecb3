// Package index walks a generated artifact tree and loads one artifact kind
// into the relational store. Unreadable artifacts are logged and skipped;
// database failures abort the run.
package index

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/route-beacon/peer-stats/internal/artifact"
	"github.com/route-beacon/peer-stats/internal/metrics"
	"github.com/route-beacon/peer-stats/internal/rel"
	"github.com/route-beacon/peer-stats/internal/stats"
	"github.com/route-beacon/peer-stats/internal/store"
	"go.uber.org/zap"
)

// Options selects what gets indexed. Kind is required. Since, when set to a
// YYYY-MM-DD date, restricts the load to artifacts of that date or later.
type Options struct {
	Kind  string
	Since string
}

// Summary reports what one indexing run did.
type Summary struct {
	Files   int
	Skipped int
	Rows    int64
}

// fileError marks a per-file problem that is logged and skipped. Any other
// error from loading aborts the walk.
type fileError struct{ err error }

func (e *fileError) Error() string { return e.err.Error() }
func (e *fileError) Unwrap() error { return e.err }

type Indexer struct {
	store  *store.Store
	logger *zap.Logger
}

func New(st *store.Store, logger *zap.Logger) *Indexer {
	return &Indexer{store: st, logger: logger}
}

var kindTables = map[string]string{
	artifact.KindPeerStats: "peer_stats",
	artifact.KindAs2Rel:    "as2rel",
	artifact.KindPfx2As:    "pfx2as",
}

// Run indexes every artifact of the configured kind under root.
func (ix *Indexer) Run(ctx context.Context, root string, opts Options) (*Summary, error) {
	table, ok := kindTables[opts.Kind]
	if !ok {
		return nil, fmt.Errorf("index: unknown artifact kind %q", opts.Kind)
	}

	sum := &Summary{}
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !artifact.MatchKind(path, opts.Kind) {
			return nil
		}

		date, err := artifact.DateFromName(path)
		if err != nil {
			ix.logger.Warn("skipping artifact with unrecognized name", zap.String("path", path))
			metrics.IndexFilesTotal.WithLabelValues(table, "skipped").Inc()
			sum.Skipped++
			return nil
		}
		if opts.Since != "" && date < opts.Since {
			return nil
		}

		rows, err := ix.loadFile(ctx, path, date, opts.Kind)
		if err != nil {
			var fe *fileError
			if errors.As(err, &fe) {
				ix.logger.Warn("skipping unreadable artifact", zap.String("path", path), zap.Error(fe.err))
				metrics.IndexFilesTotal.WithLabelValues(table, "failed").Inc()
				sum.Skipped++
				return nil
			}
			return err
		}

		metrics.IndexFilesTotal.WithLabelValues(table, "ok").Inc()
		sum.Files++
		sum.Rows += rows
		ix.logger.Debug("indexed artifact", zap.String("path", path), zap.Int64("rows", rows))
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("index: walk %s: %w", root, walkErr)
	}

	ix.logger.Info("indexing complete",
		zap.String("kind", opts.Kind),
		zap.Int("files", sum.Files),
		zap.Int("skipped", sum.Skipped),
		zap.Int64("rows", sum.Rows),
	)
	return sum, nil
}

func (ix *Indexer) loadFile(ctx context.Context, path, date, kind string) (int64, error) {
	switch kind {
	case artifact.KindPeerStats:
		var report stats.CollectorReport
		if err := artifact.ReadJSON(path, &report); err != nil {
			return 0, &fileError{err}
		}
		if report.Collector == "" {
			return 0, &fileError{fmt.Errorf("missing collector field")}
		}
		return ix.store.InsertPeerStats(ctx, date, &report)
	case artifact.KindAs2Rel:
		var doc rel.PairsReport
		if err := artifact.ReadJSON(path, &doc); err != nil {
			return 0, &fileError{err}
		}
		if doc.Collector == "" {
			return 0, &fileError{fmt.Errorf("missing collector field")}
		}
		return ix.store.InsertPairs(ctx, date, doc.Pairs)
	case artifact.KindPfx2As:
		var doc rel.OriginsReport
		if err := artifact.ReadJSON(path, &doc); err != nil {
			return 0, &fileError{err}
		}
		if doc.Collector == "" {
			return 0, &fileError{fmt.Errorf("missing collector field")}
		}
		return ix.store.InsertOrigins(ctx, date, doc.Origins)
	}
	return 0, fmt.Errorf("index: unknown artifact kind %q", kind)
}
