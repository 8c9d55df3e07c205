package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/mhmlab/mhm/internal/pathcodec"
	"github.com/mhmlab/mhm/internal/period"
	"github.com/mhmlab/mhm/internal/records"
)

// DataSummary gives the span of feature data in a summary.
type DataSummary struct {
	StartDate         string   `json:"start_date,omitempty" yaml:"start_date,omitempty"`
	EndDate           string   `json:"end_date,omitempty" yaml:"end_date,omitempty"`
	TotalDaysWithData int      `json:"total_days_with_data" yaml:"total_days_with_data"`
	FeaturesAvailable []string `json:"features_available" yaml:"features_available"`
}

// StreamCoverage is how much of one metric a summary saw.
type StreamCoverage struct {
	Status       Status `json:"status" yaml:"status"`
	Rows         int    `json:"rows,omitempty" yaml:"rows,omitempty"`
	DaysWithData int    `json:"days_with_data,omitempty" yaml:"days_with_data,omitempty"`
	Error        string `json:"error,omitempty" yaml:"error,omitempty"`
}

// ParticipantPeriodSummary is the summary of one participant for one period.
// It is built fresh from records and holds no state from other periods.
type ParticipantPeriodSummary struct {
	Site        string                    `json:"site" yaml:"site"`
	Participant string                    `json:"participant" yaml:"participant"`
	Period      string                    `json:"period" yaml:"period"`
	Resolution  period.Granularity        `json:"resolution" yaml:"resolution"`
	FirstDay    period.Date               `json:"first_day" yaml:"first_day"`
	LastDay     period.Date               `json:"last_day" yaml:"last_day"`
	GeneratedAt time.Time                 `json:"generated_at" yaml:"generated_at"`
	RuleSet     string                    `json:"rule_set" yaml:"rule_set"`
	DataSummary DataSummary               `json:"data_summary" yaml:"data_summary"`
	Streams     map[string]StreamCoverage `json:"streams" yaml:"streams"`
	Rules       map[string]Result         `json:"rules" yaml:"rules"`
}

// FailedRules returns the names of rules that ended in error, sorted.
func (s *ParticipantPeriodSummary) FailedRules() []string {
	var out []string
	for name, r := range s.Rules {
		if r.Status == StatusError {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// FileName is the output file name of the summary.
func (s *ParticipantPeriodSummary) FileName() string {
	return fmt.Sprintf("%s_%s.json", s.Participant, s.Period)
}

// WriteJSON writes the summary into dir atomically and returns its path.
func WriteJSON(dir string, s *ParticipantPeriodSummary) (string, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode summary: %w", err)
	}
	path := filepath.Join(dir, s.FileName())
	if err := records.WriteBytesAtomic(path, append(data, '\n')); err != nil {
		return "", err
	}
	return path, nil
}

// Cache stores summaries keyed by participant, period and rule set
// fingerprint. A lookup hits only when the stored generation equals the
// requested one.
type Cache interface {
	LookupSummary(participant, periodKey, fingerprint string, generation time.Time) (*ParticipantPeriodSummary, bool, error)
	StoreSummary(s *ParticipantPeriodSummary, fingerprint string, generation time.Time) error
}

// Aggregator builds participant period summaries.
type Aggregator struct {
	Source      RecordSource
	TimeColumns []string
	Location    *time.Location
	Cache       Cache
	Logger      *zap.Logger
	Now         func() time.Time
}

// ParticipantKey identifies a participant across sites in cache keys.
func ParticipantKey(site, participant string) string {
	return site + "/" + participant
}

// Summarize evaluates every rule for one participant and period. Rule
// failures are recorded per rule; only cancellation is returned as an error.
func (a *Aggregator) Summarize(ctx context.Context, site, participant string, p period.Period, rs *RuleSet) (*ParticipantPeriodSummary, error) {
	log := a.logger().With(zap.String("participant", participant), zap.String("period", p.Key()))
	fingerprint := rs.Fingerprint()
	pkey := ParticipantKey(site, participant)

	var generation time.Time
	cacheable := a.Cache != nil
	if cacheable {
		for _, metric := range rs.Metrics() {
			gen, ok, err := a.Source.Generation(ctx, streamOf(site, participant, metric), p)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				cacheable = false
				break
			}
			if ok && gen.After(generation) {
				generation = gen
			}
		}
	}
	if cacheable {
		cached, ok, err := a.Cache.LookupSummary(pkey, p.Key(), fingerprint, generation)
		if err != nil {
			log.Warn("summary cache lookup failed", zap.Error(err))
		} else if ok {
			log.Debug("summary cache hit")
			return cached, nil
		}
	}

	s := &ParticipantPeriodSummary{
		Site:        site,
		Participant: participant,
		Period:      p.Key(),
		Resolution:  p.Granularity,
		FirstDay:    p.FirstDay(),
		LastDay:     p.LastDay(),
		GeneratedAt: a.now().UTC(),
		RuleSet:     fingerprint,
		Streams:     make(map[string]StreamCoverage),
		Rules:       make(map[string]Result),
		DataSummary: DataSummary{FeaturesAvailable: []string{}},
	}

	tables := make(map[string]*records.Table)
	loadErrs := make(map[string]error)
	for _, metric := range rs.Metrics() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, err := a.Source.Load(ctx, streamOf(site, participant, metric), p)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			log.Warn("loading records failed", zap.String("metric", metric), zap.Error(err))
			loadErrs[metric] = err
			s.Streams[metric] = StreamCoverage{Status: StatusError, Error: err.Error()}
			continue
		}
		tables[metric] = t
		s.Streams[metric] = a.coverage(t, p)
	}

	featureDays := make(map[period.Date]bool)
	for _, r := range rs.Rules {
		b := r.Common()
		if err, failed := loadErrs[b.Metric]; failed {
			res := errorResult(r)
			res.Error = err.Error()
			s.Rules[b.Name] = res
			continue
		}
		res, err := Evaluate(r, Input{
			Table:       tables[b.Metric],
			Period:      p,
			TimeColumns: a.TimeColumns,
			Location:    a.Location,
		})
		if err != nil {
			var rerr *RuleEvaluationError
			if !errors.As(err, &rerr) {
				return nil, err
			}
			log.Warn("rule evaluation failed", zap.String("rule", b.Name), zap.Error(err))
			res.Error = err.Error()
		}
		if r.Kind() == KindFeature && res.Status == StatusOK && res.ValidEntries > 0 {
			s.DataSummary.FeaturesAvailable = append(s.DataSummary.FeaturesAvailable, b.Name)
			for d := range res.days {
				featureDays[d] = true
			}
		}
		s.Rules[b.Name] = res
	}

	sort.Strings(s.DataSummary.FeaturesAvailable)
	if len(featureDays) > 0 {
		days := make([]period.Date, 0, len(featureDays))
		for d := range featureDays {
			days = append(days, d)
		}
		sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
		s.DataSummary.StartDate = days[0].String()
		s.DataSummary.EndDate = days[len(days)-1].String()
		s.DataSummary.TotalDaysWithData = len(days)
	}

	if cacheable && len(loadErrs) == 0 {
		if err := a.Cache.StoreSummary(s, fingerprint, generation); err != nil {
			log.Warn("summary cache store failed", zap.Error(err))
		}
	}
	return s, nil
}

func (a *Aggregator) coverage(t *records.Table, p period.Period) StreamCoverage {
	if t == nil || t.Len() == 0 {
		return StreamCoverage{Status: StatusAbsent}
	}
	_, times, ok := t.RowTimes(a.TimeColumns, a.Location)
	cov := StreamCoverage{Status: StatusOK}
	days := make(map[period.Date]bool)
	for i := range times {
		if !ok[i] || !p.Contains(times[i]) {
			continue
		}
		cov.Rows++
		days[period.DateOf(times[i], a.Location)] = true
	}
	cov.DaysWithData = len(days)
	if cov.Rows == 0 {
		cov.Status = StatusAbsent
	}
	return cov
}

func (a *Aggregator) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}

func (a *Aggregator) now() time.Time {
	if a.Now == nil {
		return time.Now()
	}
	return a.Now()
}

func streamOf(site, participant, metric string) pathcodec.StreamID {
	return pathcodec.StreamID{Site: site, Participant: participant, Metric: metric}
}
