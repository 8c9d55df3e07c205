// Package metadata computes per-stream coverage statistics: row count,
// timestamp range and the distinct calendar days that have data.
package metadata

import (
	"fmt"
	"sort"
	"time"

	"github.com/mhmlab/mhm/internal/pathcodec"
	"github.com/mhmlab/mhm/internal/period"
)

// StreamMetadata is a derived view over a stream's files. It is recomputed
// whenever the files change and is never the source of truth.
type StreamMetadata struct {
	Stream    pathcodec.StreamID  `json:"stream" yaml:"stream"`
	RowCount  int                 `json:"row_count" yaml:"row_count"`
	Start     *time.Time          `json:"start,omitempty" yaml:"start,omitempty"`
	End       *time.Time          `json:"end,omitempty" yaml:"end,omitempty"`
	DayCounts map[period.Date]int `json:"day_counts" yaml:"day_counts"`
	Files     int                 `json:"files" yaml:"files"`
}

// New returns empty metadata for a stream.
func New(stream pathcodec.StreamID) *StreamMetadata {
	return &StreamMetadata{Stream: stream, DayCounts: make(map[period.Date]int)}
}

// DistinctDays is the number of days with at least one row.
func (m *StreamMetadata) DistinctDays() int {
	return len(m.DayCounts)
}

// Days returns the days with data in ascending order.
func (m *StreamMetadata) Days() []period.Date {
	days := make([]period.Date, 0, len(m.DayCounts))
	for d := range m.DayCounts {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days
}

// Empty reports whether the stream has no rows.
func (m *StreamMetadata) Empty() bool {
	return m == nil || m.RowCount == 0
}

func (m *StreamMetadata) observe(ts time.Time, loc *time.Location) {
	if m.Start == nil || ts.Before(*m.Start) {
		t := ts.UTC()
		m.Start = &t
	}
	if m.End == nil || ts.After(*m.End) {
		t := ts.UTC()
		m.End = &t
	}
	m.DayCounts[period.DateOf(ts, loc)]++
}

// Restrict returns the part of m that falls inside p. Row count becomes the
// number of timestamped rows on the period's days; the range is clamped to
// the period.
func (m *StreamMetadata) Restrict(p period.Period) *StreamMetadata {
	out := New(m.Stream)
	out.Files = m.Files
	first, last := p.FirstDay(), p.LastDay()
	for d, n := range m.DayCounts {
		if d.Before(first) || d.After(last) {
			continue
		}
		out.DayCounts[d] = n
		out.RowCount += n
	}
	if out.RowCount == 0 || m.Start == nil || m.End == nil {
		return out
	}
	start, end := *m.Start, *m.End
	if start.Before(p.Start) {
		start = p.Start.UTC()
	}
	if !end.Before(p.End()) {
		end = p.End().Add(-time.Nanosecond).UTC()
	}
	out.Start, out.End = &start, &end
	return out
}

// Combine merges parts into one stream's metadata: union of days with their
// counts summed, summed row and file counts, and the widest time range.
// Parts must not overlap in rows (different periods or different devices).
func Combine(stream pathcodec.StreamID, parts ...*StreamMetadata) *StreamMetadata {
	out := New(stream)
	for _, p := range parts {
		if p == nil {
			continue
		}
		out.RowCount += p.RowCount
		out.Files += p.Files
		for d, n := range p.DayCounts {
			out.DayCounts[d] += n
		}
		if p.Start != nil && (out.Start == nil || p.Start.Before(*out.Start)) {
			t := *p.Start
			out.Start = &t
		}
		if p.End != nil && (out.End == nil || p.End.After(*out.End)) {
			t := *p.End
			out.End = &t
		}
	}
	return out
}

// ExtractionError reports a file or row that made exact metadata impossible.
type ExtractionError struct {
	Stream pathcodec.StreamID
	Path   string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s from %s: %v", e.Stream, e.Path, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Cache stores computed metadata keyed by a caller-chosen key and the
// generation time of the files it was computed from. A lookup hits only
// when the stored generation equals the requested one.
type Cache interface {
	LookupMetadata(key string, generation time.Time) (*StreamMetadata, bool, error)
	StoreMetadata(key string, generation time.Time, m *StreamMetadata) error
}
