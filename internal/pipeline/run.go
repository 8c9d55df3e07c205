package pipeline

import (
	"context"
	"fmt"

	"github.com/mhmlab/mhm/internal/coverage"
	"github.com/mhmlab/mhm/internal/report"
	"github.com/mhmlab/mhm/internal/summary"
)

// RunOptions configure a full pipeline run.
type RunOptions struct {
	Merge MergeOptions
	// Rules may be nil, in which case no summaries are written.
	Rules    *summary.RuleSet
	Coverage CoverageOptions
}

// RunResult collects the outputs of a full run.
type RunResult struct {
	Stats     *StatsResult
	Summaries []*summary.ParticipantPeriodSummary
	Coverage  *coverage.Report
}

// Run merges, extracts metadata and writes the stats files, then writes
// summaries and the coverage report.
func (p *Pipeline) Run(ctx context.Context, run *report.Run, opts RunOptions) (*RunResult, error) {
	if err := p.Merge(ctx, run, opts.Merge); err != nil {
		return nil, fmt.Errorf("merge: %w", err)
	}

	st, err := p.Stats(ctx, run, StatsOptions{Devices: p.Config.Extract.Devices, Write: true})
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	res := &RunResult{Stats: st}

	if opts.Rules != nil && len(opts.Rules.Rules) > 0 {
		res.Summaries, err = p.Summarize(ctx, run, SummarizeOptions{Rules: opts.Rules})
		if err != nil {
			return res, fmt.Errorf("summarize: %w", err)
		}
	} else {
		run.Warn("no summary rules configured; summaries skipped")
	}

	res.Coverage, err = p.coverage(run, st, opts.Coverage)
	if err != nil {
		return res, fmt.Errorf("coverage: %w", err)
	}
	return res, nil
}
