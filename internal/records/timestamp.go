package records

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeColumns are the timestamp columns tried in order when none are
// configured. value.time is the collection service's sample time in epoch
// seconds; the others appear in questionnaire and event exports.
var DefaultTimeColumns = []string{
	"value.time",
	"timestamp",
	"value.startTime",
	"value.timeCompleted",
	"time",
	"timeReceived",
	"value.timeReceived",
}

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
// 1e12 seconds is in the year 33658; 1e12 milliseconds is September 2001.
const epochMillisThreshold = 1e12

// TimeColumn returns the first candidate present in header, or "".
func TimeColumn(header []string, candidates []string) string {
	if len(candidates) == 0 {
		candidates = DefaultTimeColumns
	}
	for _, c := range candidates {
		for _, h := range header {
			if h == c {
				return c
			}
		}
	}
	return ""
}

// ParseTime parses an epoch seconds value (fraction allowed), an epoch
// milliseconds value, or an RFC 3339 / ISO 8601 string. Timestamps without
// an explicit offset are interpreted in loc (nil means UTC).
func ParseTime(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}

	if f, err := strconv.ParseFloat(value, 64); err == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return time.Time{}, fmt.Errorf("invalid timestamp %q", value)
		}
		if math.Abs(f) >= epochMillisThreshold {
			ms := int64(f)
			return time.UnixMilli(ms).In(loc), nil
		}
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(math.Round(frac*1e6))*1e3).In(loc), nil
	}

	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999Z0700"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.In(loc), nil
		}
	}
	for _, layout := range []string{"2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

// RowTimes resolves a timestamp per row from the first candidate column
// present in the table. Rows whose timestamp cannot be parsed get ok=false.
func (t *Table) RowTimes(candidates []string, loc *time.Location) (column string, times []time.Time, ok []bool) {
	column = TimeColumn(t.Header, candidates)
	times = make([]time.Time, len(t.Rows))
	ok = make([]bool, len(t.Rows))
	if column == "" {
		return column, times, ok
	}
	idx := t.Column(column)
	for i, row := range t.Rows {
		ts, err := ParseTime(row[idx], loc)
		if err != nil {
			continue
		}
		times[i] = ts
		ok[i] = true
	}
	return column, times, ok
}
