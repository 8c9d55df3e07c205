// Package pipeline runs the merge, metadata, summary and coverage stages over
// a study tree. Each stage splits its work into independent units (one merge
// period, one stream, one participant period) and runs them on a bounded
// worker pool; unit failures are recorded in the run report and never stop
// the other units.
package pipeline

import (
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/mhmlab/mhm/internal/cache"
	"github.com/mhmlab/mhm/internal/config"
	"github.com/mhmlab/mhm/internal/metadata"
	"github.com/mhmlab/mhm/internal/metrics"
	"github.com/mhmlab/mhm/internal/report"
	"github.com/mhmlab/mhm/internal/summary"
)

// Pipeline holds what every stage needs. Cache and Metrics are optional.
type Pipeline struct {
	Config  *config.Config
	Logger  *zap.Logger
	Cache   *cache.Cache
	Metrics *metrics.Metrics
	// Now is the clock used for reports and generation times.
	Now func() time.Time
}

// New returns a Pipeline for cfg.
func New(cfg *config.Config, logger *zap.Logger, c *cache.Cache, m *metrics.Metrics) *Pipeline {
	return &Pipeline{Config: cfg, Logger: logger, Cache: c, Metrics: m}
}

// NewRun starts a report for command.
func (p *Pipeline) NewRun(command string) *report.Run {
	return report.New(command, p.now())
}

// Finish stamps the run, records it in the metrics and cache, and writes the
// metrics textfile when one is configured. Persistence problems are logged.
func (p *Pipeline) Finish(run *report.Run) {
	run.Finish(p.now())
	p.Metrics.RunFinished(run.Command, run.StartedAt, run.FinishedAt)

	if p.Cache != nil {
		payload, err := run.JSON()
		if err == nil {
			err = p.Cache.SaveRun(cache.RunRecord{
				ID:         run.ID,
				Command:    run.Command,
				StartedAt:  run.StartedAt,
				FinishedAt: run.FinishedAt,
				Failures:   run.Failures(),
				Payload:    payload,
			})
		}
		if err != nil {
			p.logger().Warn("saving run report failed", zap.Error(err))
		}
	}

	if path := p.Config.Metrics.Textfile; path != "" {
		if err := p.Metrics.WriteTextfile(p.Config.Resolve(path)); err != nil {
			p.logger().Warn("writing metrics textfile failed", zap.String("path", path), zap.Error(err))
		}
	}
}

func (p *Pipeline) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

func (p *Pipeline) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func (p *Pipeline) workers() int {
	if p.Config.Merge.Workers > 0 {
		return p.Config.Merge.Workers
	}
	return runtime.NumCPU()
}

func (p *Pipeline) location() *time.Location {
	loc, err := p.Config.Location()
	if err != nil {
		return time.UTC
	}
	return loc
}

func (p *Pipeline) rawRoot() string      { return p.Config.Resolve(p.Config.Data.RawRoot) }
func (p *Pipeline) mergedRoot() string   { return p.Config.Resolve(p.Config.Data.MergedRoot) }
func (p *Pipeline) summariesDir() string { return p.Config.Resolve(p.Config.Data.SummariesDir) }
func (p *Pipeline) reportsDir() string   { return p.Config.Resolve(p.Config.Data.ReportsDir) }

// metadataCache returns the cache as a metadata.Cache counting hits, or nil.
func (p *Pipeline) metadataCache() metadata.Cache {
	if p.Cache == nil {
		return nil
	}
	return &instrumentedCache{cache: p.Cache, metrics: p.Metrics}
}

// summaryCache returns the cache as a summary.Cache counting hits, or nil.
func (p *Pipeline) summaryCache() summary.Cache {
	if p.Cache == nil {
		return nil
	}
	return &instrumentedCache{cache: p.Cache, metrics: p.Metrics}
}

type instrumentedCache struct {
	cache   *cache.Cache
	metrics *metrics.Metrics
}

func (c *instrumentedCache) LookupMetadata(key string, generation time.Time) (*metadata.StreamMetadata, bool, error) {
	m, ok, err := c.cache.LookupMetadata(key, generation)
	if err == nil {
		c.metrics.CacheLookup("metadata", ok)
	}
	return m, ok, err
}

func (c *instrumentedCache) StoreMetadata(key string, generation time.Time, m *metadata.StreamMetadata) error {
	return c.cache.StoreMetadata(key, generation, m)
}

func (c *instrumentedCache) LookupSummary(participantKey, periodKey, fingerprint string, generation time.Time) (*summary.ParticipantPeriodSummary, bool, error) {
	s, ok, err := c.cache.LookupSummary(participantKey, periodKey, fingerprint, generation)
	if err == nil {
		c.metrics.CacheLookup("summary", ok)
	}
	return s, ok, err
}

func (c *instrumentedCache) StoreSummary(s *summary.ParticipantPeriodSummary, fingerprint string, generation time.Time) error {
	return c.cache.StoreSummary(s, fingerprint, generation)
}
