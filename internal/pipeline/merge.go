package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mhmlab/mhm/internal/index"
	"github.com/mhmlab/mhm/internal/merge"
	"github.com/mhmlab/mhm/internal/pathcodec"
	"github.com/mhmlab/mhm/internal/period"
	"github.com/mhmlab/mhm/internal/report"
)

// MergeOptions tune a merge pass.
type MergeOptions struct {
	// Force rewrites every merged file even when its manifest is current.
	Force bool
	// Granularity overrides merge.granularity when non-empty.
	Granularity string
}

// Index scans the raw tree and records the totals in run.
func (p *Pipeline) Index(ctx context.Context, run *report.Run) (*index.Result, error) {
	ix := &index.Indexer{
		Codec:  p.Config.Codec(),
		Filter: p.Config.SiteFilter(),
		Logger: p.logger(),
	}
	res, err := ix.Index(ctx, p.rawRoot())
	if err != nil {
		return nil, err
	}

	st := res.Stats()
	run.SetIndexed(st.Streams, st.Files, st.Bytes)
	run.AddParseFailures(res.ParseFailures.Count, res.ParseFailures.Sample, index.DefaultSampleSize)
	if res.ParseFailures.Count > 0 {
		run.Warn("%d files did not match the path layout", res.ParseFailures.Count)
	}
	p.Metrics.Indexed(st.Files, res.ParseFailures.Count)

	p.logger().Info("indexed raw tree",
		zap.String("root", res.Root),
		zap.Int("streams", st.Streams),
		zap.Int("files", st.Files),
		zap.Int("parse_failures", res.ParseFailures.Count),
		zap.Int("filtered", res.Filtered),
	)
	return res, nil
}

// Merge indexes the raw tree and merges every (stream, period) unit. A unit
// that fails is recorded in run; the pass only returns an error when the
// index fails or ctx is cancelled.
func (p *Pipeline) Merge(ctx context.Context, run *report.Run, opts MergeOptions) error {
	g := p.Config.MergeGranularity()
	if opts.Granularity != "" {
		var err error
		if g, err = period.ParseGranularity(opts.Granularity); err != nil {
			return err
		}
	}

	res, err := p.Index(ctx, run)
	if err != nil {
		return fmt.Errorf("index %s: %w", p.rawRoot(), err)
	}

	mopts := merge.Options{
		TimeColumns: p.Config.Merge.TimeColumns,
		KeyColumns:  p.Config.Merge.KeyColumns,
		Location:    p.location(),
		Strict:      p.Config.Merge.Strict,
		Force:       opts.Force,
		Logger:      p.logger(),
		Now:         p.Now,
	}
	if p.Cache != nil {
		mopts.Invalidator = p.Cache
	}
	merger := merge.New(p.mergedRoot(), p.Config.Codec(), mopts)

	var units []index.PeriodGroup
	for _, grp := range res.Groups {
		units = append(units, grp.Periods(g, p.location())...)
	}

	var (
		mu    sync.Mutex
		empty = make(map[string]bool)
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(p.workers())
	for _, unit := range units {
		unit := unit
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			r, err := merger.Merge(egCtx, unit)
			if err != nil {
				if ctxErr := egCtx.Err(); ctxErr != nil {
					return ctxErr
				}
				p.logger().Error("merge failed",
					zap.String("stream", unit.Stream.Key()),
					zap.String("period", unit.Period.Key()),
					zap.Error(err),
				)
				run.AddFailedStream(unit.Stream.Key(), unit.Period.Key(), report.StageMerge, err)
				p.Metrics.Merge("failed", 0)
				p.Metrics.StreamFailed(report.StageMerge)
				return nil
			}
			if r.Status == merge.StatusEmpty {
				mu.Lock()
				empty[unitKey(unit.Stream, unit.Period.Key())] = true
				mu.Unlock()
				return nil
			}
			run.AddMerge(r.Status == merge.StatusWritten)
			for _, s := range r.Skipped {
				run.AddSkipped(s.Path, s.Reason)
			}
			p.Metrics.Merge(string(r.Status), len(r.Skipped))
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	live := make(map[string]bool, len(units))
	for _, unit := range units {
		if k := unitKey(unit.Stream, unit.Period.Key()); !empty[k] {
			live[k] = true
		}
	}
	return p.prune(ctx, run, g, live)
}

func unitKey(s pathcodec.StreamID, periodKey string) string {
	return s.Key() + "@" + periodKey
}

// prune removes merged files of granularity g, and their manifests, whose
// (stream, period) the raw tree no longer produces. Merged files of other
// granularities are left alone.
func (p *Pipeline) prune(ctx context.Context, run *report.Run, g period.Granularity, live map[string]bool) error {
	if _, err := os.Stat(p.mergedRoot()); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	merged, err := p.MergedStreams(ctx)
	if err != nil {
		return err
	}
	for _, stream := range sortedStreams(merged) {
		for _, mf := range merged[stream] {
			if mf.Granularity != g || live[unitKey(stream, mf.PeriodKey)] {
				continue
			}
			target := filepath.Join(p.mergedRoot(), filepath.FromSlash(mf.Path))
			for _, path := range []string{target, pathcodec.ManifestPath(target)} {
				if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
					return fmt.Errorf("prune %s: %w", mf.Path, err)
				}
			}
			if p.Cache != nil {
				if per, err := mf.Period(); err == nil {
					if err := p.Cache.Invalidate(stream, per); err != nil {
						p.logger().Warn("cache invalidation failed", zap.String("path", mf.Path), zap.Error(err))
					}
				}
			}
			p.logger().Info("pruned stale merged file", zap.String("path", mf.Path))
			run.AddPruned()
		}
	}
	return nil
}
