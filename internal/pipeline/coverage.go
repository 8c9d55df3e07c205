package pipeline

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mhmlab/mhm/internal/coverage"
	"github.com/mhmlab/mhm/internal/records"
	"github.com/mhmlab/mhm/internal/report"
)

// Default coverage output names inside the reports dir.
const (
	HeatmapFile      = "coverage_heatmap.csv.gz"
	PresenceFile     = "coverage_presence.csv.gz"
	ParticipantsFile = "coverage_participants.csv.gz"
	MissingFile      = "missing.csv.gz"
)

// CoverageOptions configure a coverage report and where to write it. Empty
// paths are not written.
type CoverageOptions struct {
	Report           coverage.Options
	HeatmapPath      string
	PresencePath     string
	ParticipantsPath string
	MissingPath      string
}

// CoverageDefaults returns report options from the coverage config section.
func (p *Pipeline) CoverageDefaults() coverage.Options {
	return coverage.Options{
		Prefix:  p.Config.Coverage.Prefix,
		Boolean: p.Config.Coverage.Boolean,
		AllDays: p.Config.Coverage.AllDays,
		MinDays: p.Config.Coverage.MinDays,
	}
}

// DefaultCoverageOutputs names every coverage output inside the reports dir.
func (p *Pipeline) DefaultCoverageOutputs(opts coverage.Options) CoverageOptions {
	dir := p.reportsDir()
	return CoverageOptions{
		Report:           opts,
		HeatmapPath:      filepath.Join(dir, HeatmapFile),
		PresencePath:     filepath.Join(dir, PresenceFile),
		ParticipantsPath: filepath.Join(dir, ParticipantsFile),
		MissingPath:      filepath.Join(dir, MissingFile),
	}
}

// Coverage extracts metadata and builds the coverage report.
func (p *Pipeline) Coverage(ctx context.Context, run *report.Run, opts CoverageOptions) (*coverage.Report, error) {
	st, err := p.Stats(ctx, run, StatsOptions{})
	if err != nil {
		return nil, err
	}
	return p.coverage(run, st, opts)
}

func (p *Pipeline) coverage(run *report.Run, st *StatsResult, opts CoverageOptions) (*coverage.Report, error) {
	rep := coverage.Build(coverage.Input{Streams: st.Streams, Failed: st.Failed}, opts.Report)

	writes := []struct {
		path  string
		write func(string) error
	}{
		{opts.HeatmapPath, func(path string) error { return coverage.WriteHeatmapCSV(path, rep.Heatmap) }},
		{opts.PresencePath, func(path string) error { return coverage.WritePresenceCSV(path, rep.Heatmap) }},
		{opts.ParticipantsPath, func(path string) error { return coverage.WriteParticipantHeatmapCSV(path, rep.Heatmap) }},
		{opts.MissingPath, func(path string) error { return records.WriteReport(path, coverage.MissingTable(rep.Missing)) }},
	}
	for _, w := range writes {
		if w.path == "" {
			continue
		}
		if err := w.write(w.path); err != nil {
			return rep, err
		}
		run.AddOutput(w.path)
	}

	p.logger().Info("coverage report built",
		zap.Int("participants", rep.Summary.Participants),
		zap.Int("metrics", rep.Summary.Metrics),
		zap.Int("days", rep.Summary.Days),
		zap.Int("no_data", rep.Summary.NoData),
		zap.Int("below_threshold", rep.Summary.BelowThreshold),
		zap.Int("failed", rep.Summary.Failed),
	)
	return rep, nil
}
