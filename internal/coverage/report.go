// Package coverage turns stream metadata into a day-by-day presence heatmap
// and a report of streams that are missing, sparse or failed.
package coverage

import (
	"sort"
	"strings"

	"github.com/mhmlab/mhm/internal/metadata"
	"github.com/mhmlab/mhm/internal/pathcodec"
	"github.com/mhmlab/mhm/internal/period"
)

// Reason explains why a stream is in the missing report.
type Reason string

const (
	// ReasonNoData means the stream has no rows in the window.
	ReasonNoData Reason = "no_data"
	// ReasonBelowThreshold means the stream has fewer days than Options.MinDays.
	ReasonBelowThreshold Reason = "below_threshold"
	// ReasonFailed means metadata extraction failed, so the data could not be
	// read. This is distinct from having no data.
	ReasonFailed Reason = "failed"
)

// FailedStream is a stream whose metadata could not be extracted.
type FailedStream struct {
	Stream pathcodec.StreamID `json:"stream" yaml:"stream"`
	Error  string             `json:"error" yaml:"error"`
}

// Input is the metadata the report is built from.
type Input struct {
	Streams []*metadata.StreamMetadata
	Failed  []FailedStream
}

// Options configures the report.
type Options struct {
	// Participants are the rows to report. Empty means every participant seen.
	Participants []string

	// Metrics are the metrics to report. Empty means every metric seen.
	Metrics []string

	// Prefix keeps only metrics starting with it.
	Prefix string

	// From and To bound the window, inclusive. Nil means unbounded.
	From, To *period.Date

	// AllDays makes every day of the window a column, not only covered days.
	AllDays bool

	// Boolean reports 0/1 presence instead of row counts.
	Boolean bool

	// MinDays is the expected number of days with data; streams with fewer
	// are reported as below threshold. Zero disables the check.
	MinDays int
}

// HeatmapRow is one (participant, metric) row of the heatmap.
type HeatmapRow struct {
	Site        string `json:"site,omitempty" yaml:"site,omitempty"`
	Participant string `json:"participant" yaml:"participant"`
	Metric      string `json:"metric" yaml:"metric"`
	Cells       []int  `json:"cells" yaml:"cells,flow"`
}

// Heatmap is a participant by metric by day matrix.
type Heatmap struct {
	Days []period.Date `json:"days" yaml:"days,flow"`
	Rows []HeatmapRow  `json:"rows" yaml:"rows"`
}

// MissingEntry is one stream in the missing report.
type MissingEntry struct {
	Participant string `json:"participant" yaml:"participant"`
	Metric      string `json:"metric" yaml:"metric"`
	Reason      Reason `json:"reason" yaml:"reason"`
	DayCount    int    `json:"day_count" yaml:"day_count"`
	Error       string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Summary holds aggregate counts.
type Summary struct {
	Participants   int `json:"participants" yaml:"participants"`
	Metrics        int `json:"metrics" yaml:"metrics"`
	Days           int `json:"days" yaml:"days"`
	NoData         int `json:"no_data" yaml:"no_data"`
	BelowThreshold int `json:"below_threshold" yaml:"below_threshold"`
	Failed         int `json:"failed" yaml:"failed"`
}

// Report is the result of a coverage run.
type Report struct {
	Heatmap Heatmap        `json:"heatmap" yaml:"heatmap"`
	Missing []MissingEntry `json:"missing" yaml:"missing"`
	Summary Summary        `json:"summary" yaml:"summary"`
}

// MissingFor returns the metrics listed as missing for a participant.
func (r *Report) MissingFor(participant string) []string {
	var out []string
	for _, m := range r.Missing {
		if m.Participant == participant {
			out = append(out, m.Metric)
		}
	}
	return out
}

type cellKey struct {
	participant, metric string
}

type cellData struct {
	site   string
	days   map[period.Date]int
	failed string
}

// Build computes the heatmap and missing report. It performs no I/O.
func Build(in Input, opts Options) *Report {
	keep := func(s pathcodec.StreamID) bool {
		if len(opts.Participants) > 0 && !contains(opts.Participants, s.Participant) {
			return false
		}
		if len(opts.Metrics) > 0 && !contains(opts.Metrics, s.Metric) {
			return false
		}
		return strings.HasPrefix(s.Metric, opts.Prefix)
	}

	cells := make(map[cellKey]*cellData)
	get := func(s pathcodec.StreamID) *cellData {
		k := cellKey{s.Participant, s.Metric}
		c, ok := cells[k]
		if !ok {
			c = &cellData{site: s.Site, days: make(map[period.Date]int)}
			cells[k] = c
		}
		return c
	}

	participants := make(map[string]bool)
	metrics := make(map[string]bool)
	covered := make(map[period.Date]bool)
	var first, last period.Date
	for _, sm := range in.Streams {
		if sm == nil || !keep(sm.Stream) {
			continue
		}
		participants[sm.Stream.Participant] = true
		metrics[sm.Stream.Metric] = true
		c := get(sm.Stream)
		for d, n := range sm.DayCounts {
			if !inWindow(d, opts) {
				continue
			}
			c.days[d] += n
			covered[d] = true
			if first.IsZero() || d.Before(first) {
				first = d
			}
			if last.IsZero() || d.After(last) {
				last = d
			}
		}
	}
	for _, f := range in.Failed {
		if !keep(f.Stream) {
			continue
		}
		participants[f.Stream.Participant] = true
		metrics[f.Stream.Metric] = true
		get(f.Stream).failed = f.Error
	}

	rowParticipants := opts.Participants
	if len(rowParticipants) == 0 {
		rowParticipants = keys(participants)
	}
	rowMetrics := opts.Metrics
	if len(rowMetrics) == 0 {
		rowMetrics = keys(metrics)
	} else if opts.Prefix != "" {
		var filtered []string
		for _, m := range rowMetrics {
			if strings.HasPrefix(m, opts.Prefix) {
				filtered = append(filtered, m)
			}
		}
		rowMetrics = filtered
	}
	rowParticipants = sorted(rowParticipants)
	rowMetrics = sorted(rowMetrics)

	var days []period.Date
	if opts.AllDays {
		from, to := first, last
		if opts.From != nil {
			from = *opts.From
		}
		if opts.To != nil {
			to = *opts.To
		}
		if !from.IsZero() && !to.IsZero() {
			days = period.DaysBetween(from, to)
		}
	} else {
		for d := range covered {
			days = append(days, d)
		}
		sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	}

	r := &Report{Heatmap: Heatmap{Days: days}}
	for _, p := range rowParticipants {
		for _, m := range rowMetrics {
			c := cells[cellKey{p, m}]
			row := HeatmapRow{Participant: p, Metric: m, Cells: make([]int, len(days))}
			if c != nil {
				row.Site = c.site
				for i, d := range days {
					n := c.days[d]
					if opts.Boolean && n > 0 {
						n = 1
					}
					row.Cells[i] = n
				}
			}
			r.Heatmap.Rows = append(r.Heatmap.Rows, row)

			if entry, missing := classify(p, m, c, opts.MinDays); missing {
				r.Missing = append(r.Missing, entry)
				switch entry.Reason {
				case ReasonNoData:
					r.Summary.NoData++
				case ReasonBelowThreshold:
					r.Summary.BelowThreshold++
				case ReasonFailed:
					r.Summary.Failed++
				}
			}
		}
	}
	r.Summary.Participants = len(rowParticipants)
	r.Summary.Metrics = len(rowMetrics)
	r.Summary.Days = len(days)
	return r
}

func classify(participant, metric string, c *cellData, minDays int) (MissingEntry, bool) {
	e := MissingEntry{Participant: participant, Metric: metric}
	if c != nil && c.failed != "" {
		e.Reason = ReasonFailed
		e.Error = c.failed
		return e, true
	}
	if c != nil {
		e.DayCount = len(c.days)
	}
	switch {
	case e.DayCount == 0:
		e.Reason = ReasonNoData
	case minDays > 0 && e.DayCount < minDays:
		e.Reason = ReasonBelowThreshold
	default:
		return e, false
	}
	return e, true
}

func inWindow(d period.Date, opts Options) bool {
	if opts.From != nil && d.Before(*opts.From) {
		return false
	}
	if opts.To != nil && d.After(*opts.To) {
		return false
	}
	return true
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func sorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
