package coverage

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mhmlab/mhm/internal/metadata"
	"github.com/mhmlab/mhm/internal/pathcodec"
	"github.com/mhmlab/mhm/internal/period"
	"github.com/mhmlab/mhm/internal/records"
)

func day(d int) period.Date {
	return period.Date{Year: 2024, Month: 1, Day: d}
}

func stream(participant, metric string, days ...int) *metadata.StreamMetadata {
	m := metadata.New(pathcodec.StreamID{Site: "S1", Participant: participant, Metric: metric})
	for _, d := range days {
		m.DayCounts[day(d)] += 10
		m.RowCount += 10
	}
	return m
}

func allJanuary() []int {
	var out []int
	for d := 1; d <= 31; d++ {
		out = append(out, d)
	}
	return out
}

func TestMissingParticipantMetric(t *testing.T) {
	from, to := day(1), day(31)
	in := Input{Streams: []*metadata.StreamMetadata{
		stream("P1", "steps", allJanuary()...),
		stream("P2", "heart", 3, 4),
	}}
	r := Build(in, Options{Participants: []string{"P1", "P2"}, Metrics: []string{"steps"}, From: &from, To: &to})

	if len(r.Heatmap.Days) != 31 {
		t.Fatalf("columns = %d, want 31", len(r.Heatmap.Days))
	}
	if len(r.Heatmap.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(r.Heatmap.Rows))
	}
	p2 := r.Heatmap.Rows[1]
	if p2.Participant != "P2" || p2.Metric != "steps" {
		t.Fatalf("second row = %s/%s", p2.Participant, p2.Metric)
	}
	if diff := cmp.Diff(make([]int, 31), p2.Cells); diff != "" {
		t.Errorf("P2 steps should be all zero (-want +got):\n%s", diff)
	}
	want := []MissingEntry{{Participant: "P2", Metric: "steps", Reason: ReasonNoData}}
	if diff := cmp.Diff(want, r.Missing); diff != "" {
		t.Errorf("missing mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"steps"}, r.MissingFor("P2")); diff != "" {
		t.Errorf("MissingFor mismatch (-want +got):\n%s", diff)
	}
}

func TestColumnsOnlyCoveredDays(t *testing.T) {
	in := Input{Streams: []*metadata.StreamMetadata{
		stream("P1", "steps", 5, 2),
		stream("P2", "steps", 9),
	}}
	r := Build(in, Options{})
	if diff := cmp.Diff([]period.Date{day(2), day(5), day(9)}, r.Heatmap.Days); diff != "" {
		t.Errorf("days mismatch (-want +got):\n%s", diff)
	}

	all := Build(in, Options{AllDays: true})
	if len(all.Heatmap.Days) != 8 {
		t.Errorf("AllDays columns = %d, want 8 (Jan 2 to 9)", len(all.Heatmap.Days))
	}
}

func TestBooleanAndWindow(t *testing.T) {
	from, to := day(2), day(3)
	in := Input{Streams: []*metadata.StreamMetadata{stream("P1", "steps", 1, 2, 3, 4)}}
	r := Build(in, Options{From: &from, To: &to, Boolean: true})
	if diff := cmp.Diff([]int{1, 1}, r.Heatmap.Rows[0].Cells); diff != "" {
		t.Errorf("cells mismatch (-want +got):\n%s", diff)
	}
}

func TestThresholdAndFailed(t *testing.T) {
	in := Input{
		Streams: []*metadata.StreamMetadata{
			stream("P1", "steps", 1, 2, 3),
			stream("P1", "sleep", 1),
		},
		Failed: []FailedStream{{
			Stream: pathcodec.StreamID{Site: "S1", Participant: "P1", Metric: "heart"},
			Error:  "decode x.csv.gz: gzip: invalid header",
		}},
	}
	r := Build(in, Options{MinDays: 2})
	want := []MissingEntry{
		{Participant: "P1", Metric: "heart", Reason: ReasonFailed, Error: "decode x.csv.gz: gzip: invalid header"},
		{Participant: "P1", Metric: "sleep", Reason: ReasonBelowThreshold, DayCount: 1},
	}
	if diff := cmp.Diff(want, r.Missing); diff != "" {
		t.Errorf("missing mismatch (-want +got):\n%s", diff)
	}
	if r.Summary.Failed != 1 || r.Summary.BelowThreshold != 1 || r.Summary.NoData != 0 {
		t.Errorf("summary = %+v", r.Summary)
	}
}

func TestPrefixFilter(t *testing.T) {
	in := Input{Streams: []*metadata.StreamMetadata{
		stream("P1", "android_phone_steps", 1),
		stream("P1", "questionnaire_phq8", 1),
	}}
	r := Build(in, Options{Prefix: "android_"})
	if len(r.Heatmap.Rows) != 1 || r.Heatmap.Rows[0].Metric != "android_phone_steps" {
		t.Errorf("rows = %+v", r.Heatmap.Rows)
	}
}

func TestTables(t *testing.T) {
	in := Input{Streams: []*metadata.StreamMetadata{
		stream("P1", "steps", 1, 2),
		stream("P1", "heart", 2),
		stream("P2", "steps", 1),
	}}
	h := Build(in, Options{}).Heatmap

	pivot := HeatmapTable(h)
	wantPivot := &records.Table{
		Header: []string{"participant", "metric", "2024-01-01", "2024-01-02"},
		Rows: [][]string{
			{"P1", "heart", "0", "10"},
			{"P1", "steps", "10", "10"},
			{"P2", "heart", "0", "0"},
			{"P2", "steps", "10", "0"},
		},
	}
	if diff := cmp.Diff(wantPivot, pivot); diff != "" {
		t.Errorf("heatmap table mismatch (-want +got):\n%s", diff)
	}

	byParticipant := ParticipantTable(h)
	wantRows := [][]string{{"P1", "1", "2"}, {"P2", "1", "0"}}
	if diff := cmp.Diff(wantRows, byParticipant.Rows); diff != "" {
		t.Errorf("participant table mismatch (-want +got):\n%s", diff)
	}

	presence := PresenceTable(h)
	if len(presence.Rows) != 4 {
		t.Errorf("presence rows = %d, want 4", len(presence.Rows))
	}

	path := filepath.Join(t.TempDir(), "heatmap.csv.gz")
	if err := WriteHeatmapCSV(path, h); err != nil {
		t.Fatal(err)
	}
	back, err := records.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(wantPivot, back); diff != "" {
		t.Errorf("written heatmap mismatch (-want +got):\n%s", diff)
	}
}
