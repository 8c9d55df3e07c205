package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mhmlab/mhm/internal/merge"
	"github.com/mhmlab/mhm/internal/pathcodec"
	"github.com/mhmlab/mhm/internal/period"
	"github.com/mhmlab/mhm/internal/report"
	"github.com/mhmlab/mhm/internal/summary"
)

// SummarizeOptions select what to summarize.
type SummarizeOptions struct {
	Rules *summary.RuleSet
	// Resolution overrides summary.resolution when non-empty.
	Resolution string
	// Participants restricts the participants; empty means all.
	Participants []string
	// From and To clip the summarized periods, inclusive.
	From, To *period.Date
}

// participantSpan is the time range of one participant's merged data.
type participantSpan struct {
	site, participant string
	start, end        time.Time
}

// unit is one participant period to summarize.
type unit struct {
	site, participant string
	period            period.Period
}

// Summarize writes one summary per participant and period. Periods run from
// the participant's first to last merged row, clipped to the window; a period
// without rows for a rule's metric still gets a summary with absent results.
func (p *Pipeline) Summarize(ctx context.Context, run *report.Run, opts SummarizeOptions) ([]*summary.ParticipantPeriodSummary, error) {
	if opts.Rules == nil || len(opts.Rules.Rules) == 0 {
		return nil, fmt.Errorf("no summary rules configured")
	}
	if err := opts.Rules.Validate(); err != nil {
		return nil, err
	}
	res := p.Config.SummaryResolution()
	if opts.Resolution != "" {
		var err error
		if res, err = period.ParseGranularity(opts.Resolution); err != nil {
			return nil, err
		}
	}
	loc := p.location()

	merged, err := p.MergedStreams(ctx)
	if err != nil {
		return nil, err
	}
	units := p.summaryUnits(merged, res, loc, opts)

	agg := &summary.Aggregator{
		Source: &summary.MergedSource{
			Root:        p.mergedRoot(),
			Codec:       p.Config.Codec(),
			Granularity: p.Config.MergeGranularity(),
			Location:    loc,
		},
		TimeColumns: p.Config.Merge.TimeColumns,
		Location:    loc,
		Cache:       p.summaryCache(),
		Logger:      p.logger(),
		Now:         p.Now,
	}

	out := make([]*summary.ParticipantPeriodSummary, len(units))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(p.workers())
	for i, u := range units {
		i, u := i, u
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			s, err := agg.Summarize(egCtx, u.site, u.participant, u.period, opts.Rules)
			if err != nil {
				if ctxErr := egCtx.Err(); ctxErr != nil {
					return ctxErr
				}
				stream := u.site + "/" + u.participant
				run.AddFailedStream(stream, u.period.Key(), report.StageSummary, err)
				p.Metrics.StreamFailed(report.StageSummary)
				return nil
			}
			path, err := summary.WriteJSON(filepath.Join(p.summariesDir(), u.site), s)
			if err != nil {
				run.AddFailedStream(u.site+"/"+u.participant, u.period.Key(), report.StageSummary, err)
				p.Metrics.StreamFailed(report.StageSummary)
				return nil
			}
			var failures []report.RuleFailure
			for _, name := range s.FailedRules() {
				failures = append(failures, report.RuleFailure{
					Participant: u.participant,
					Period:      s.Period,
					Rule:        name,
					Error:       s.Rules[name].Error,
				})
			}
			run.AddSummary(path, failures)
			p.Metrics.Summary(len(failures))
			out[i] = s
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var written []*summary.ParticipantPeriodSummary
	for _, s := range out {
		if s != nil {
			written = append(written, s)
		}
	}
	p.logger().Info("summarized",
		zap.Int("units", len(units)),
		zap.Int("written", len(written)),
		zap.String("resolution", res.String()),
	)
	return written, nil
}

func (p *Pipeline) summaryUnits(merged map[pathcodec.StreamID][]*merge.MergedFile, res period.Granularity, loc *time.Location, opts SummarizeOptions) []unit {
	spans := make(map[string]*participantSpan)
	for stream, files := range merged {
		if len(opts.Participants) > 0 && !contains(opts.Participants, stream.Participant) {
			continue
		}
		key := stream.Site + "/" + stream.Participant
		for _, f := range files {
			if f.Start == nil || f.End == nil {
				continue
			}
			sp, ok := spans[key]
			if !ok {
				sp = &participantSpan{site: stream.Site, participant: stream.Participant, start: *f.Start, end: *f.End}
				spans[key] = sp
			}
			if f.Start.Before(sp.start) {
				sp.start = *f.Start
			}
			if f.End.After(sp.end) {
				sp.end = *f.End
			}
		}
	}

	keys := make([]string, 0, len(spans))
	for k := range spans {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var units []unit
	for _, k := range keys {
		sp := spans[k]
		start, end := sp.start, sp.end
		if opts.From != nil {
			if from := opts.From.Time(loc); from.After(start) {
				start = from
			}
		}
		if opts.To != nil {
			if to := opts.To.AddDays(1).Time(loc).Add(-time.Nanosecond); to.Before(end) {
				end = to
			}
		}
		for _, pr := range period.Range(start, end, res, loc) {
			units = append(units, unit{site: sp.site, participant: sp.participant, period: pr})
		}
	}
	return units
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
