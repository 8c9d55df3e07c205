package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

var start = time.Date(2024, time.February, 1, 2, 0, 0, 0, time.UTC)

func TestNewAssignsRunID(t *testing.T) {
	a, b := New("merge", start), New("merge", start)
	if _, err := uuid.Parse(a.ID); err != nil {
		t.Errorf("ID %q is not a UUID: %v", a.ID, err)
	}
	if a.ID == b.ID {
		t.Error("run IDs should be unique")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name   string
		fill   func(r *Run)
		strict bool
		want   int
	}{
		{"clean", func(r *Run) {}, true, ExitOK},
		{"warnings only", func(r *Run) {
			r.Warn("12 paths did not parse")
			r.AddParseFailures(12, []string{"a", "b"}, 20)
		}, true, ExitOK},
		{"skipped file, lenient", func(r *Run) { r.AddSkipped("x.csv.gz", "gzip: invalid header") }, false, ExitOK},
		{"skipped file, strict", func(r *Run) { r.AddSkipped("x.csv.gz", "gzip: invalid header") }, true, ExitPartial},
		{"failed rule, strict", func(r *Run) {
			r.AddSummary("", []RuleFailure{{Participant: "P1", Period: "2024-01", Rule: "hr"}})
		}, true, ExitPartial},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New("run", start)
			tt.fill(r)
			if got := r.ExitCode(tt.strict); got != tt.want {
				t.Errorf("ExitCode(%v) = %d, want %d", tt.strict, got, tt.want)
			}
		})
	}
}

func TestConcurrentAdds(t *testing.T) {
	r := New("run", start)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.AddMerge(i%2 == 0)
			r.AddFailedStream(fmt.Sprintf("S1/P%02d/steps", i), "2024-01", StageMerge, errors.New("locked"))
		}(i)
	}
	wg.Wait()
	r.Finish(start.Add(time.Minute))

	if r.Merges.Written != 25 || r.Merges.NoOp != 25 || r.Merges.Failed != 50 {
		t.Errorf("merges = %+v", r.Merges)
	}
	if r.FailedStreams[0].Stream != "S1/P00/steps" || r.FailedStreams[49].Stream != "S1/P49/steps" {
		t.Error("failed streams should be sorted after Finish")
	}
}

func TestParseFailureSampleLimit(t *testing.T) {
	r := New("merge", start)
	r.AddParseFailures(3, []string{"a", "b", "c"}, 2)
	r.AddParseFailures(1, []string{"d"}, 2)
	want := ParseFailures{Count: 4, Sample: []string{"a", "b"}}
	if diff := cmp.Diff(want, r.ParseFailures); diff != "" {
		t.Errorf("parse failures mismatch (-want +got):\n%s", diff)
	}
}

func TestJSON(t *testing.T) {
	r := New("coverage", start)
	r.AddSkipped("b.csv.gz", "corrupt")
	r.AddSkipped("a.csv.gz", "corrupt")
	r.Finish(start.Add(time.Second))

	data, err := r.JSON()
	if err != nil {
		t.Fatal(err)
	}
	var back struct {
		Command      string      `json:"command"`
		SkippedFiles []FileIssue `json:"skipped_files"`
	}
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Command != "coverage" || len(back.SkippedFiles) != 2 || back.SkippedFiles[0].Path != "a.csv.gz" {
		t.Errorf("decoded = %+v", back)
	}
}
