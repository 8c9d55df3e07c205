package coverage

import (
	"sort"
	"strconv"

	"github.com/mhmlab/mhm/internal/records"
)

// HeatmapTable pivots the heatmap: one row per (participant, metric), one
// column per day.
func HeatmapTable(h Heatmap) *records.Table {
	t := &records.Table{Header: []string{"participant", "metric"}}
	for _, d := range h.Days {
		t.Header = append(t.Header, d.String())
	}
	for _, row := range h.Rows {
		cells := []string{row.Participant, row.Metric}
		for _, n := range row.Cells {
			cells = append(cells, strconv.Itoa(n))
		}
		t.Rows = append(t.Rows, cells)
	}
	return t
}

// PresenceTable lists one row per stream and day with data, in long form.
func PresenceTable(h Heatmap) *records.Table {
	t := &records.Table{Header: []string{"site", "participant", "metric", "date", "rows"}}
	for _, row := range h.Rows {
		for i, n := range row.Cells {
			if n == 0 {
				continue
			}
			t.Rows = append(t.Rows, []string{row.Site, row.Participant, row.Metric, h.Days[i].String(), strconv.Itoa(n)})
		}
	}
	return t
}

// ParticipantTable pivots the heatmap by participant: each cell is the
// number of metrics with data that day.
func ParticipantTable(h Heatmap) *records.Table {
	t := &records.Table{Header: []string{"participant"}}
	for _, d := range h.Days {
		t.Header = append(t.Header, d.String())
	}
	counts := make(map[string][]int)
	for _, row := range h.Rows {
		c, ok := counts[row.Participant]
		if !ok {
			c = make([]int, len(h.Days))
			counts[row.Participant] = c
		}
		for i, n := range row.Cells {
			if n > 0 {
				c[i]++
			}
		}
	}
	participants := keysOf(counts)
	for _, p := range participants {
		cells := []string{p}
		for _, n := range counts[p] {
			cells = append(cells, strconv.Itoa(n))
		}
		t.Rows = append(t.Rows, cells)
	}
	return t
}

// MissingTable lists the missing report.
func MissingTable(missing []MissingEntry) *records.Table {
	t := &records.Table{Header: []string{"participant", "metric", "reason", "day_count", "error"}}
	for _, m := range missing {
		t.Rows = append(t.Rows, []string{m.Participant, m.Metric, string(m.Reason), strconv.Itoa(m.DayCount), m.Error})
	}
	return t
}

// WriteHeatmapCSV writes HeatmapTable to path.
func WriteHeatmapCSV(path string, h Heatmap) error {
	return records.WriteReport(path, HeatmapTable(h))
}

// WritePresenceCSV writes PresenceTable to path.
func WritePresenceCSV(path string, h Heatmap) error {
	return records.WriteReport(path, PresenceTable(h))
}

// WriteParticipantHeatmapCSV writes ParticipantTable to path.
func WriteParticipantHeatmapCSV(path string, h Heatmap) error {
	return records.WriteReport(path, ParticipantTable(h))
}

func keysOf(m map[string][]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
