package merge

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/go-cmp/cmp"

	"github.com/mhmlab/mhm/internal/index"
	"github.com/mhmlab/mhm/internal/pathcodec"
	"github.com/mhmlab/mhm/internal/period"
	"github.com/mhmlab/mhm/internal/records"
)

var steps = pathcodec.StreamID{Site: "S1", Participant: "P1", Metric: "steps"}

// writeDay writes n rows one minute apart starting at midnight of day.
func writeDay(t *testing.T, root, name string, day time.Time, n int) string {
	t.Helper()
	tbl := &records.Table{Header: []string{"value.time", "value.steps"}}
	for i := 0; i < n; i++ {
		ts := day.Add(time.Duration(i) * time.Minute).Unix()
		tbl.Rows = append(tbl.Rows, []string{strconv.FormatInt(ts, 10), strconv.Itoa(i)})
	}
	return writeTable(t, root, name, tbl)
}

func writeTable(t *testing.T, root, name string, tbl *records.Table) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(name))
	if err := records.WriteFileAtomic(path, tbl); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeCorrupt(t *testing.T, root, name string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("this is not gzip"), 0644); err != nil {
		t.Fatal(err)
	}
}

func jan(day int) time.Time {
	return time.Date(2024, time.January, day, 0, 0, 0, 0, time.UTC)
}

func periodGroups(t *testing.T, raw string, codec pathcodec.Codec) []index.PeriodGroup {
	t.Helper()
	ix := &index.Indexer{Codec: codec}
	result, err := ix.Index(context.Background(), raw)
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	g, ok := result.Group(steps)
	if !ok {
		t.Fatalf("no group for %s", steps)
	}
	return g.Periods(period.Month, time.UTC)
}

func groupFor(t *testing.T, groups []index.PeriodGroup, key string) index.PeriodGroup {
	t.Helper()
	for _, g := range groups {
		if g.Period.Key() == key {
			return g
		}
	}
	t.Fatalf("no %s period in %d groups", key, len(groups))
	return index.PeriodGroup{}
}

func januaryGroup(t *testing.T, raw string) index.PeriodGroup {
	t.Helper()
	return groupFor(t, periodGroups(t, raw, pathcodec.New(0, "", "")), "2024-01")
}

type countingInvalidator struct {
	calls []string
}

func (c *countingInvalidator) Invalidate(s pathcodec.StreamID, p period.Period) error {
	c.calls = append(c.calls, s.Key()+"@"+p.Key())
	return nil
}

func TestMergeThreeDays(t *testing.T) {
	raw, merged := t.TempDir(), t.TempDir()
	for d := 1; d <= 3; d++ {
		writeDay(t, raw, "S1/P1/steps/202401"+pad(d)+"_0000.csv.gz", jan(d), 100)
	}

	m := New(merged, pathcodec.New(0, "", ""), Options{})
	res, err := m.Merge(context.Background(), januaryGroup(t, raw))
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	if res.Status != StatusWritten {
		t.Errorf("status = %s, want written", res.Status)
	}
	if res.File.RowCount != 300 {
		t.Errorf("row count = %d, want 300", res.File.RowCount)
	}
	from, to, ok := res.File.Days(time.UTC)
	if !ok || from.String() != "2024-01-01" || to.String() != "2024-01-03" {
		t.Errorf("date range = %s..%s, want 2024-01-01..2024-01-03", from, to)
	}
	if res.File.Path != "S1/P1/steps/steps_2024-01.csv.gz" {
		t.Errorf("path = %q", res.File.Path)
	}

	tbl, err := records.ReadFile(filepath.Join(merged, res.File.Path))
	if err != nil {
		t.Fatal(err)
	}
	if tbl.Len() != 300 {
		t.Errorf("merged file has %d rows, want 300", tbl.Len())
	}
	_, times, _ := tbl.RowTimes(nil, time.UTC)
	for i := 1; i < len(times); i++ {
		if times[i].Before(times[i-1]) {
			t.Fatalf("rows not sorted at %d", i)
		}
	}
}

func TestMergeSkipsCorruptFile(t *testing.T) {
	raw, merged := t.TempDir(), t.TempDir()
	writeDay(t, raw, "S1/P1/steps/20240101_0000.csv.gz", jan(1), 100)
	writeCorrupt(t, raw, "S1/P1/steps/20240102_0000.csv.gz")
	writeDay(t, raw, "S1/P1/steps/20240103_0000.csv.gz", jan(3), 100)

	m := New(merged, pathcodec.New(0, "", ""), Options{})
	res, err := m.Merge(context.Background(), januaryGroup(t, raw))
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if res.File.RowCount != 200 {
		t.Errorf("row count = %d, want 200", res.File.RowCount)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Path != "S1/P1/steps/20240102_0000.csv.gz" {
		t.Errorf("skipped = %+v, want the 2024-01-02 file", res.Skipped)
	}
	from, to, _ := res.File.Days(time.UTC)
	if from.String() != "2024-01-01" || to.String() != "2024-01-03" {
		t.Errorf("date range = %s..%s", from, to)
	}

	// The skipped file is still reported when the merge is a no-op.
	again, err := m.Merge(context.Background(), januaryGroup(t, raw))
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != StatusNoOp || len(again.Skipped) != 1 {
		t.Errorf("second merge = %s with %d skipped, want noop with 1", again.Status, len(again.Skipped))
	}
}

func TestMergeStrictAbortsPeriod(t *testing.T) {
	raw, merged := t.TempDir(), t.TempDir()
	writeDay(t, raw, "S1/P1/steps/20240101_0000.csv.gz", jan(1), 10)
	writeCorrupt(t, raw, "S1/P1/steps/20240102_0000.csv.gz")

	m := New(merged, pathcodec.New(0, "", ""), Options{Strict: true})
	_, err := m.Merge(context.Background(), januaryGroup(t, raw))
	var derr *records.DecodeError
	if !errors.As(err, &derr) {
		t.Fatalf("error = %v, want *records.DecodeError", err)
	}
	if _, statErr := os.Stat(m.Target(steps, period.Of(jan(1), period.Month, nil))); !os.IsNotExist(statErr) {
		t.Error("strict failure must not leave a merged file")
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	raw, merged := t.TempDir(), t.TempDir()
	writeDay(t, raw, "S1/P1/steps/20240101_0000.csv.gz", jan(1), 50)
	writeDay(t, raw, "S1/P1/steps/20240102_0000.csv.gz", jan(2), 50)

	inv := &countingInvalidator{}
	m := New(merged, pathcodec.New(0, "", ""), Options{Invalidator: inv})

	first, err := m.Merge(context.Background(), januaryGroup(t, raw))
	if err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(merged, first.File.Path)
	before, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}

	second, err := m.Merge(context.Background(), januaryGroup(t, raw))
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != StatusNoOp {
		t.Errorf("second status = %s, want noop", second.Status)
	}
	after, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("merged file changed on a no-op run")
	}
	if len(inv.calls) != 1 {
		t.Errorf("invalidator called %d times, want 1", len(inv.calls))
	}

	// A touched source changes the identity set; the rewrite is byte-identical.
	src := filepath.Join(raw, "S1/P1/steps/20240102_0000.csv.gz")
	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(src, later, later); err != nil {
		t.Fatal(err)
	}
	third, err := m.Merge(context.Background(), januaryGroup(t, raw))
	if err != nil {
		t.Fatal(err)
	}
	if third.Status != StatusWritten {
		t.Errorf("third status = %s, want written", third.Status)
	}
	rewritten, _ := os.ReadFile(target)
	if !bytes.Equal(before, rewritten) {
		t.Error("rewrite of unchanged content should be byte-identical")
	}
	if len(inv.calls) != 2 {
		t.Errorf("invalidator called %d times, want 2", len(inv.calls))
	}
}

func TestMergeLaterSourceWins(t *testing.T) {
	raw, merged := t.TempDir(), t.TempDir()
	shared := strconv.FormatInt(jan(1).Add(10*time.Hour).Unix(), 10)
	writeTable(t, raw, "S1/P1/steps/20240101_0000.csv.gz", &records.Table{
		Header: []string{"value.time", "value.steps"},
		Rows:   [][]string{{shared, "old"}, {strconv.FormatInt(jan(1).Unix(), 10), "early"}},
	})
	writeTable(t, raw, "S1/P1/steps/20240101_1200.csv.gz", &records.Table{
		Header: []string{"value.time", "value.steps"},
		Rows:   [][]string{{shared, "new"}},
	})

	m := New(merged, pathcodec.New(0, "", ""), Options{})
	res, err := m.Merge(context.Background(), januaryGroup(t, raw))
	if err != nil {
		t.Fatal(err)
	}
	tbl, err := records.ReadFile(filepath.Join(merged, res.File.Path))
	if err != nil {
		t.Fatal(err)
	}
	want := [][]string{
		{strconv.FormatInt(jan(1).Unix(), 10), "early", "2024-01-01T00:00:00Z", "S1", "P1"},
		{shared, "new", "2024-01-01T12:00:00Z", "S1", "P1"},
	}
	if diff := cmp.Diff(want, tbl.Rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeKeepsRowsAcrossPeriodBoundary(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)
	tests := []struct {
		name  string
		file  string
		start time.Time
		gr    period.Granularity
		loc   *time.Location
		want  map[string]int
	}{
		{
			name:  "zone shifts month start",
			file:  "S1/P1/steps/20240201_0000.csv.gz",
			start: time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC),
			gr:    period.Month,
			loc:   est,
			want:  map[string]int{"2024-01": 300, "2024-02": 1140},
		},
		{
			name:  "rows run past the file's day",
			file:  "S1/P1/steps/20240101_1200.csv.gz",
			start: jan(1).Add(12 * time.Hour),
			gr:    period.Day,
			loc:   time.UTC,
			want:  map[string]int{"2024-01-01": 720, "2024-01-02": 720},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, merged := t.TempDir(), t.TempDir()
			writeDay(t, raw, tt.file, tt.start, 1440)

			codec := pathcodec.New(0, "", "")
			result, err := (&index.Indexer{Codec: codec}).Index(context.Background(), raw)
			if err != nil {
				t.Fatal(err)
			}
			g, _ := result.Group(steps)

			m := New(merged, codec, Options{Location: tt.loc})
			got := make(map[string]int)
			for _, pg := range g.Periods(tt.gr, tt.loc) {
				res, err := m.Merge(context.Background(), pg)
				if err != nil {
					t.Fatalf("Merge %s: %v", pg.Period, err)
				}
				if res.Status == StatusEmpty {
					if _, err := os.Stat(m.Target(steps, pg.Period)); !os.IsNotExist(err) {
						t.Errorf("empty period %s left a merged file", pg.Period)
					}
					continue
				}
				if res.File.OutOfPeriod != 0 {
					t.Errorf("%s: out of period = %d, want 0", pg.Period, res.File.OutOfPeriod)
				}
				got[pg.Period.Key()] = res.File.RowCount
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("rows per period mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMergeKeyColumnsKeepDistinctRows(t *testing.T) {
	raw, merged := t.TempDir(), t.TempDir()
	ts := strconv.FormatInt(jan(5).Unix(), 10)
	writeTable(t, raw, "S1/P1/steps/20240105_0000.csv.gz", &records.Table{
		Header: []string{"value.time", "key.device", "value.steps"},
		Rows:   [][]string{{ts, "watch", "1"}, {ts, "phone", "2"}, {ts, "watch", "3"}},
	})

	m := New(merged, pathcodec.New(0, "", ""), Options{KeyColumns: map[string][]string{"steps": {"key.device"}}})
	res, err := m.Merge(context.Background(), januaryGroup(t, raw))
	if err != nil {
		t.Fatal(err)
	}
	if res.File.RowCount != 2 {
		t.Errorf("row count = %d, want 2 (one per device)", res.File.RowCount)
	}
}

func TestMergeUnionsHeadersAndDropsRows(t *testing.T) {
	raw, merged := t.TempDir(), t.TempDir()
	writeTable(t, raw, "S1/P1/steps/20240101_0000.csv.gz", &records.Table{
		Header: []string{"value.time", "a"},
		Rows: [][]string{
			{strconv.FormatInt(jan(1).Unix(), 10), "1"},
			{"", "no time"},
			{strconv.FormatInt(jan(1).AddDate(0, 1, 0).Unix(), 10), "february"},
		},
	})
	writeTable(t, raw, "S1/P1/steps/20240102_0000.csv.gz", &records.Table{
		Header: []string{"b", "value.time"},
		Rows:   [][]string{{"2", strconv.FormatInt(jan(2).Unix(), 10)}},
	})

	m := New(merged, pathcodec.New(0, "", ""), Options{})
	res, err := m.Merge(context.Background(), januaryGroup(t, raw))
	if err != nil {
		t.Fatal(err)
	}
	if res.File.DroppedRows != 1 || res.File.OutOfPeriod != 1 {
		t.Errorf("dropped = %d, out of period = %d, want 1 and 1", res.File.DroppedRows, res.File.OutOfPeriod)
	}

	tbl, err := records.ReadFile(filepath.Join(merged, res.File.Path))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"value.time", "a", "b", "file_timestamp", "site", "participant_id"}, tbl.Header); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
	if got := tbl.Value(tbl.Rows[1], "a"); got != "" {
		t.Errorf("missing column should be empty, got %q", got)
	}
}

func TestMergeCollapsesDuplicateIdentities(t *testing.T) {
	raw, merged := t.TempDir(), t.TempDir()
	codec := pathcodec.New(1, "", "")
	ts := strconv.FormatInt(jan(1).Unix(), 10)

	oldPath := writeTable(t, raw, "export-a/S1/P1/steps/20240101_0000.csv.gz", &records.Table{
		Header: []string{"value.time", "v"}, Rows: [][]string{{ts, "stale"}, {"1704070800", "only-in-old"}},
	})
	writeTable(t, raw, "export-b/S1/P1/steps/20240101_0000.csv.gz", &records.Table{
		Header: []string{"value.time", "v"}, Rows: [][]string{{ts, "fresh"}},
	})
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(oldPath, past, past); err != nil {
		t.Fatal(err)
	}

	m := New(merged, codec, Options{})
	res, err := m.Merge(context.Background(), groupFor(t, periodGroups(t, raw, codec), "2024-01"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"export-a/S1/P1/steps/20240101_0000.csv.gz"}, res.File.Superseded); diff != "" {
		t.Errorf("superseded mismatch (-want +got):\n%s", diff)
	}
	if res.File.RowCount != 1 {
		t.Errorf("row count = %d, want 1 (only the newer copy counts)", res.File.RowCount)
	}
	if len(res.File.Sources) != 2 {
		t.Errorf("sources should record both copies, got %v", res.File.Sources)
	}
}

func TestMergeConflict(t *testing.T) {
	raw, merged := t.TempDir(), t.TempDir()
	writeDay(t, raw, "S1/P1/steps/20240101_0000.csv.gz", jan(1), 5)

	m := New(merged, pathcodec.New(0, "", ""), Options{})
	target := m.Target(steps, period.Of(jan(1), period.Month, nil))
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		t.Fatal(err)
	}
	other := flock.New(pathcodec.LockPath(target))
	locked, err := other.TryLock()
	if err != nil || !locked {
		t.Fatalf("could not take lock: %v", err)
	}
	defer other.Unlock()

	_, err = m.Merge(context.Background(), januaryGroup(t, raw))
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("error = %v, want *ConflictError", err)
	}
	if conflict.Period != "2024-01" {
		t.Errorf("conflict period = %q", conflict.Period)
	}
}

func TestMergeCancelled(t *testing.T) {
	raw, merged := t.TempDir(), t.TempDir()
	writeDay(t, raw, "S1/P1/steps/20240101_0000.csv.gz", jan(1), 5)
	group := januaryGroup(t, raw)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := New(merged, pathcodec.New(0, "", ""), Options{})
	if _, err := m.Merge(ctx, group); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if _, err := os.Stat(m.Target(steps, group.Period)); !os.IsNotExist(err) {
		t.Error("cancelled merge must not leave a file")
	}
}

func TestExisting(t *testing.T) {
	raw, merged := t.TempDir(), t.TempDir()
	writeDay(t, raw, "S1/P1/steps/20240101_0000.csv.gz", jan(1), 5)
	writeDay(t, raw, "S1/P1/steps/20240201_0000.csv.gz", jan(1).AddDate(0, 1, 0), 5)

	m := New(merged, pathcodec.New(0, "", ""), Options{})
	for _, g := range periodGroups(t, raw, pathcodec.New(0, "", "")) {
		if _, err := m.Merge(context.Background(), g); err != nil {
			t.Fatal(err)
		}
	}

	files, err := m.Existing(steps)
	if err != nil {
		t.Fatal(err)
	}
	var keys []string
	for _, f := range files {
		keys = append(keys, f.PeriodKey)
	}
	if diff := cmp.Diff([]string{"2024-01", "2024-02"}, keys); diff != "" {
		t.Errorf("existing periods mismatch (-want +got):\n%s", diff)
	}
	p, err := files[1].Period()
	if err != nil || p.Key() != "2024-02" {
		t.Errorf("Period() = %v, %v", p, err)
	}
}

func pad(d int) string {
	if d < 10 {
		return "0" + strconv.Itoa(d)
	}
	return strconv.Itoa(d)
}
