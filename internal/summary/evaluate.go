package summary

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mhmlab/mhm/internal/period"
	"github.com/mhmlab/mhm/internal/records"
)

// Status tells consumers whether a result carries data.
type Status string

const (
	StatusOK     Status = "ok"
	StatusAbsent Status = "absent"
	StatusError  Status = "error"
)

// OtherBucket collects histogram answers outside the configured buckets.
const OtherBucket = "other"

// Stats are descriptive statistics. Std is the population standard deviation.
type Stats struct {
	Count  int     `json:"count" yaml:"count"`
	Sum    float64 `json:"sum" yaml:"sum"`
	Mean   float64 `json:"mean" yaml:"mean"`
	Median float64 `json:"median" yaml:"median"`
	Std    float64 `json:"std" yaml:"std"`
	Min    float64 `json:"min" yaml:"min"`
	Max    float64 `json:"max" yaml:"max"`
}

// Result is one rule's outcome for a participant and period. An absent
// result carries no value, so "no data" is never confused with zero.
type Result struct {
	Kind         Kind           `json:"kind" yaml:"kind"`
	Metric       string         `json:"metric" yaml:"metric"`
	Status       Status         `json:"status" yaml:"status"`
	Error        string         `json:"error,omitempty" yaml:"error,omitempty"`
	Unit         string         `json:"unit,omitempty" yaml:"unit,omitempty"`
	Aggregation  string         `json:"aggregation,omitempty" yaml:"aggregation,omitempty"`
	Value        *float64       `json:"value,omitempty" yaml:"value,omitempty"`
	Stats        *Stats         `json:"stats,omitempty" yaml:"stats,omitempty"`
	TotalEntries int            `json:"total_entries,omitempty" yaml:"total_entries,omitempty"`
	ValidEntries int            `json:"valid_entries,omitempty" yaml:"valid_entries,omitempty"`
	OutOfRange   int            `json:"out_of_range,omitempty" yaml:"out_of_range,omitempty"`
	DaysWithData int            `json:"days_with_data,omitempty" yaml:"days_with_data,omitempty"`
	Histogram    map[string]int `json:"histogram,omitempty" yaml:"histogram,omitempty"`

	days map[period.Date]bool
}

// RuleEvaluationError reports a rule that references a column the metric's
// records do not have.
type RuleEvaluationError struct {
	Rule   string
	Metric string
	Field  string
}

func (e *RuleEvaluationError) Error() string {
	return fmt.Sprintf("rule %q: metric %q has no field %q", e.Rule, e.Metric, e.Field)
}

// Input is what a rule is evaluated against.
type Input struct {
	// Table holds the metric's records; nil means the metric has no data.
	Table       *records.Table
	Period      period.Period
	TimeColumns []string
	Location    *time.Location
}

type rowView struct {
	table *records.Table
	rows  []int
	times []time.Time
	loc   *time.Location
}

func (v *rowView) day(i int) period.Date {
	return period.DateOf(v.times[i], v.loc)
}

// Evaluate applies r to the rows of in that fall inside the period.
// A metric without rows in the period yields an absent result. A missing
// column yields *RuleEvaluationError.
func Evaluate(r Rule, in Input) (Result, error) {
	b := r.Common()
	absent := Result{Kind: r.Kind(), Metric: b.Metric, Status: StatusAbsent}
	if in.Table == nil || in.Table.Len() == 0 {
		return absent, nil
	}
	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}

	var timeCol string
	if b.TimeField != "" {
		if !in.Table.HasColumn(b.TimeField) {
			return errorResult(r), &RuleEvaluationError{Rule: b.Name, Metric: b.Metric, Field: b.TimeField}
		}
		timeCol = b.TimeField
	} else {
		timeCol = records.TimeColumn(in.Table.Header, in.TimeColumns)
		if timeCol == "" {
			return errorResult(r), &RuleEvaluationError{Rule: b.Name, Metric: b.Metric, Field: "timestamp"}
		}
	}

	v := &rowView{table: in.Table, loc: loc}
	idx := in.Table.Column(timeCol)
	for i, row := range in.Table.Rows {
		ts, err := records.ParseTime(row[idx], loc)
		if err != nil || !in.Period.Contains(ts) {
			continue
		}
		v.rows = append(v.rows, i)
		v.times = append(v.times, ts)
	}
	if len(v.rows) == 0 {
		return absent, nil
	}

	res, err := r.evaluate(v)
	if err != nil {
		return errorResult(r), err
	}
	res.Kind = r.Kind()
	res.Metric = b.Metric
	if res.Status == "" {
		res.Status = StatusOK
	}
	if res.Status == StatusAbsent && res.TotalEntries == 0 {
		return absent, nil
	}
	res.DaysWithData = len(res.days)
	return res, nil
}

func errorResult(r Rule) Result {
	return Result{Kind: r.Kind(), Metric: r.Common().Metric, Status: StatusError}
}

func (r *FeatureRule) evaluate(v *rowView) (Result, error) {
	valueCol := v.table.Column(r.ValueField)
	if valueCol < 0 {
		return Result{}, &RuleEvaluationError{Rule: r.Name, Metric: r.Metric, Field: r.ValueField}
	}
	filterCol := -1
	if r.FilterField != "" {
		if filterCol = v.table.Column(r.FilterField); filterCol < 0 {
			return Result{}, &RuleEvaluationError{Rule: r.Name, Metric: r.Metric, Field: r.FilterField}
		}
	}

	res := Result{Unit: r.Unit, Aggregation: r.Aggregation, days: make(map[period.Date]bool)}
	if res.Aggregation == "" {
		res.Aggregation = AggStats
	}
	var values []float64
	for i, row := range v.rows {
		cells := v.table.Rows[row]
		if filterCol >= 0 && cells[filterCol] != r.FilterValue {
			continue
		}
		res.TotalEntries++
		f, ok := parseNumber(cells[valueCol])
		if !ok {
			continue
		}
		values = append(values, f)
		res.days[v.day(i)] = true
	}
	if res.TotalEntries == 0 {
		return Result{Status: StatusAbsent}, nil
	}
	res.ValidEntries = len(values)
	if len(values) == 0 {
		// Entries without a usable value: a count is still a value.
		if res.Aggregation == AggCount {
			zero := 0.0
			res.Value = &zero
			return res, nil
		}
		res.Status = StatusAbsent
		return res, nil
	}

	stats := Describe(values)
	switch res.Aggregation {
	case AggStats:
		res.Stats = &stats
	case AggMean:
		res.Value = &stats.Mean
	case AggMedian:
		res.Value = &stats.Median
	case AggSum:
		res.Value = &stats.Sum
	case AggMin:
		res.Value = &stats.Min
	case AggMax:
		res.Value = &stats.Max
	case AggCount:
		n := float64(stats.Count)
		res.Value = &n
	}
	return res, nil
}

// answerColumns pairs every <base>.<i>.questionId column with its
// <base>.<i>.<suffix> value column.
func answerColumns(t *records.Table, base, suffix string) (pairs [][2]int) {
	for qi, h := range t.Header {
		if !strings.HasPrefix(h, base+".") || !strings.HasSuffix(h, ".questionId") {
			continue
		}
		vi := t.Column(strings.TrimSuffix(h, "questionId") + suffix)
		if vi < 0 {
			continue
		}
		pairs = append(pairs, [2]int{qi, vi})
	}
	return pairs
}

func (r *SliderRule) evaluate(v *rowView) (Result, error) {
	pairs := answerColumns(v.table, r.AnswersBase, r.ValueSuffix)
	if len(pairs) == 0 {
		return Result{}, &RuleEvaluationError{Rule: r.Name, Metric: r.Metric, Field: r.AnswersBase + ".*." + r.ValueSuffix}
	}

	res := Result{days: make(map[period.Date]bool)}
	var values []float64
	for i, row := range v.rows {
		cells := v.table.Rows[row]
		for _, p := range pairs {
			qid := cells[p[0]]
			if qid == "" || !strings.HasPrefix(qid, r.TargetPrefix) {
				continue
			}
			res.TotalEntries++
			f, ok := parseNumber(cells[p[1]])
			if !ok {
				continue
			}
			if (r.Min != nil && f < *r.Min) || (r.Max != nil && f > *r.Max) {
				res.OutOfRange++
				continue
			}
			values = append(values, f)
			res.days[v.day(i)] = true
		}
	}
	if res.TotalEntries == 0 {
		return Result{Status: StatusAbsent}, nil
	}
	res.ValidEntries = len(values)
	if len(values) == 0 {
		res.Status = StatusAbsent
		return res, nil
	}
	stats := Describe(values)
	res.Stats = &stats
	return res, nil
}

func (r *HistogramRule) evaluate(v *rowView) (Result, error) {
	pairs := answerColumns(v.table, r.AnswersBase, r.ValueSuffix)
	if len(pairs) == 0 {
		return Result{}, &RuleEvaluationError{Rule: r.Name, Metric: r.Metric, Field: r.AnswersBase + ".*." + r.ValueSuffix}
	}

	res := Result{Histogram: make(map[string]int), days: make(map[period.Date]bool)}
	for i, row := range v.rows {
		cells := v.table.Rows[row]
		for _, p := range pairs {
			if cells[p[0]] != r.QuestionID {
				continue
			}
			answer := strings.TrimSpace(cells[p[1]])
			if len(r.Buckets) > 0 && !contains(r.Buckets, answer) {
				answer = OtherBucket
			}
			res.Histogram[answer]++
			res.TotalEntries++
			res.days[v.day(i)] = true
		}
	}
	if res.TotalEntries == 0 {
		return Result{Status: StatusAbsent}, nil
	}
	res.ValidEntries = res.TotalEntries
	return res, nil
}

func (r *ResponsesRule) evaluate(v *rowView) (Result, error) {
	res := Result{days: make(map[period.Date]bool)}
	for i := range v.rows {
		res.TotalEntries++
		res.days[v.day(i)] = true
	}
	res.ValidEntries = res.TotalEntries
	return res, nil
}

func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Describe computes descriptive statistics. values must be non-empty.
func Describe(values []float64) Stats {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)

	s := Stats{Count: n, Min: sorted[0], Max: sorted[n-1]}
	for _, v := range sorted {
		s.Sum += v
	}
	s.Mean = s.Sum / float64(n)
	if n%2 == 1 {
		s.Median = sorted[n/2]
	} else {
		s.Median = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	var sq float64
	for _, v := range sorted {
		d := v - s.Mean
		sq += d * d
	}
	s.Std = math.Sqrt(sq / float64(n))
	return s
}
