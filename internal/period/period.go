// Package period provides the fixed-granularity time windows used as the unit
// of merging and summarization, plus a civil calendar Date type.
package period

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Granularity is the fixed width of a Period.
type Granularity string

const (
	// Day periods are single calendar days, keyed "2024-01-02".
	Day Granularity = "day"
	// Week periods are ISO weeks starting Monday, keyed "2024-W03".
	Week Granularity = "week"
	// Month periods are calendar months, keyed "2024-01".
	Month Granularity = "month"
	// Year periods are calendar years, keyed "2024".
	Year Granularity = "year"
)

// ValidGranularities lists the accepted granularity values.
var ValidGranularities = []Granularity{Day, Week, Month, Year}

// ParseGranularity parses a granularity name (case-insensitive).
func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "day":
		return Day, nil
	case "week":
		return Week, nil
	case "month":
		return Month, nil
	case "year":
		return Year, nil
	default:
		return "", fmt.Errorf("invalid granularity: %q (expected day, week, month, or year)", s)
	}
}

// String returns the string representation of the granularity.
func (g Granularity) String() string {
	return string(g)
}

// Period is a bounded, half-open interval [Start, End) of fixed granularity.
// Start is always midnight of the first day in the period's location.
type Period struct {
	Granularity Granularity
	Start       time.Time
}

// Of returns the period of granularity g containing t, evaluated in loc.
// A nil loc means UTC.
func Of(t time.Time, g Granularity, loc *time.Location) Period {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	y, m, d := t.Date()
	var start time.Time
	switch g {
	case Day:
		start = time.Date(y, m, d, 0, 0, 0, 0, loc)
	case Week:
		// ISO weeks start on Monday
		offset := (int(t.Weekday()) + 6) % 7
		start = time.Date(y, m, d-offset, 0, 0, 0, 0, loc)
	case Year:
		start = time.Date(y, time.January, 1, 0, 0, 0, 0, loc)
	default:
		start = time.Date(y, m, 1, 0, 0, 0, 0, loc)
		g = Month
	}
	return Period{Granularity: g, Start: start}
}

// Parse parses a period key produced by Key. The result is in UTC.
func Parse(key string, g Granularity) (Period, error) {
	var (
		t   time.Time
		err error
	)
	switch g {
	case Day:
		t, err = time.Parse("2006-01-02", key)
	case Month:
		t, err = time.Parse("2006-01", key)
	case Year:
		t, err = time.Parse("2006", key)
	case Week:
		t, err = parseISOWeek(key)
	default:
		return Period{}, fmt.Errorf("invalid granularity: %q", g)
	}
	if err != nil {
		return Period{}, fmt.Errorf("parse %s period %q: %w", g, key, err)
	}
	return Of(t, g, time.UTC), nil
}

func parseISOWeek(key string) (time.Time, error) {
	yearStr, weekStr, ok := strings.Cut(key, "-W")
	if !ok {
		return time.Time{}, fmt.Errorf("expected YYYY-Www")
	}
	year, err := strconv.Atoi(yearStr)
	if err != nil || len(yearStr) != 4 {
		return time.Time{}, fmt.Errorf("invalid year %q", yearStr)
	}
	week, err := strconv.Atoi(weekStr)
	if err != nil || week < 1 || week > 53 {
		return time.Time{}, fmt.Errorf("invalid week %q", weekStr)
	}
	// January 4th is always in ISO week 1
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	monday := jan4.AddDate(0, 0, -((int(jan4.Weekday()) + 6) % 7))
	t := monday.AddDate(0, 0, (week-1)*7)
	if y, _ := t.ISOWeek(); y != year {
		return time.Time{}, fmt.Errorf("week %d out of range for %d", week, year)
	}
	return t, nil
}

// Key returns the canonical identifier of the period.
func (p Period) Key() string {
	switch p.Granularity {
	case Day:
		return p.Start.Format("2006-01-02")
	case Week:
		y, w := p.Start.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", y, w)
	case Year:
		return p.Start.Format("2006")
	default:
		return p.Start.Format("2006-01")
	}
}

// String implements fmt.Stringer.
func (p Period) String() string {
	return p.Key()
}

// End returns the exclusive end of the period.
func (p Period) End() time.Time {
	switch p.Granularity {
	case Day:
		return p.Start.AddDate(0, 0, 1)
	case Week:
		return p.Start.AddDate(0, 0, 7)
	case Year:
		return p.Start.AddDate(1, 0, 0)
	default:
		return p.Start.AddDate(0, 1, 0)
	}
}

// Next returns the period immediately following p.
func (p Period) Next() Period {
	return Period{Granularity: p.Granularity, Start: p.End()}
}

// Contains reports whether t falls inside [Start, End).
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End())
}

// Overlaps reports whether two periods share at least one instant.
func (p Period) Overlaps(o Period) bool {
	return p.Start.Before(o.End()) && o.Start.Before(p.End())
}

// Days returns every calendar day in the period, in order.
func (p Period) Days() []Date {
	var days []Date
	end := p.End()
	for t := p.Start; t.Before(end); t = t.AddDate(0, 0, 1) {
		days = append(days, DateOf(t, p.Start.Location()))
	}
	return days
}

// DayCount returns the number of calendar days in the period.
func (p Period) DayCount() int {
	return len(p.Days())
}

// FirstDay returns the first calendar day of the period.
func (p Period) FirstDay() Date {
	return DateOf(p.Start, p.Start.Location())
}

// LastDay returns the last calendar day of the period.
func (p Period) LastDay() Date {
	return p.FirstDay().AddDays(p.DayCount() - 1)
}

// Range returns the contiguous periods of granularity g covering from..to
// (inclusive), in order. It returns nil when to is before from.
func Range(from, to time.Time, g Granularity, loc *time.Location) []Period {
	if to.Before(from) {
		return nil
	}
	var out []Period
	last := Of(to, g, loc)
	for p := Of(from, g, loc); !p.Start.After(last.Start); p = p.Next() {
		out = append(out, p)
	}
	return out
}
