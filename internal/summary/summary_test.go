package summary

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gopkg.in/yaml.v3"

	"github.com/mhmlab/mhm/internal/pathcodec"
	"github.com/mhmlab/mhm/internal/period"
	"github.com/mhmlab/mhm/internal/records"
)

func jan(day, hour int) time.Time {
	return time.Date(2024, time.January, day, hour, 0, 0, 0, time.UTC)
}

func epoch(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

var (
	january = period.Of(jan(1, 0), period.Month, nil)
	approx  = cmpopts.EquateApprox(0, 1e-9)
)

func stepsTable() *records.Table {
	return &records.Table{
		Header: []string{"value.time", "value.steps", "value.type"},
		Rows: [][]string{
			{epoch(jan(1, 8)), "100", "walk"},
			{epoch(jan(1, 9)), "300", "run"},
			{epoch(jan(2, 8)), "200", "walk"},
			{epoch(jan(3, 8)), "n/a", "walk"},
			{epoch(time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)), "999", "walk"},
		},
	}
}

func TestEvaluateFeature(t *testing.T) {
	r := &FeatureRule{Base: Base{Name: "steps", Metric: "steps"}, ValueField: "value.steps", Unit: "count"}
	res, err := Evaluate(r, Input{Table: stepsTable(), Period: january})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusOK || res.TotalEntries != 4 || res.ValidEntries != 3 || res.DaysWithData != 2 {
		t.Errorf("result = %+v", res)
	}
	want := &Stats{Count: 3, Sum: 600, Mean: 200, Median: 200, Std: 81.64965809277261, Min: 100, Max: 300}
	if diff := cmp.Diff(want, res.Stats, approx); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestEvaluateFeatureFilterAndAggregation(t *testing.T) {
	r := &FeatureRule{
		Base:        Base{Name: "walking", Metric: "steps"},
		FilterField: "value.type",
		FilterValue: "walk",
		ValueField:  "value.steps",
		Aggregation: AggSum,
	}
	res, err := Evaluate(r, Input{Table: stepsTable(), Period: january})
	if err != nil {
		t.Fatal(err)
	}
	if res.Value == nil || *res.Value != 300 || res.Stats != nil {
		t.Errorf("sum of walks = %+v", res)
	}
}

func TestAbsentIsNeverZero(t *testing.T) {
	r := &FeatureRule{Base: Base{Name: "steps", Metric: "steps"}, ValueField: "value.steps"}
	december := period.Of(time.Date(2023, time.December, 5, 0, 0, 0, 0, time.UTC), period.Month, nil)

	tests := []struct {
		name string
		in   Input
	}{
		{"nil table", Input{Period: january}},
		{"empty table", Input{Table: &records.Table{Header: []string{"value.time", "value.steps"}}, Period: january}},
		{"no rows in period", Input{Table: stepsTable(), Period: december}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Evaluate(r, tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if res.Status != StatusAbsent || res.Value != nil || res.Stats != nil {
				t.Errorf("result = %+v, want absent", res)
			}
			data, err := json.Marshal(res)
			if err != nil {
				t.Fatal(err)
			}
			if string(data) != `{"kind":"feature","metric":"steps","status":"absent"}` {
				t.Errorf("absent JSON = %s", data)
			}
		})
	}
}

func TestNoUsableValueIsAbsent(t *testing.T) {
	unusable := &records.Table{
		Header: []string{"value.time", "value.steps"},
		Rows:   [][]string{{epoch(jan(1, 8)), "n/a"}, {epoch(jan(2, 8)), ""}},
	}
	for _, agg := range []string{AggStats, AggSum, AggMean} {
		t.Run(agg, func(t *testing.T) {
			r := &FeatureRule{Base: Base{Name: "steps", Metric: "steps"}, ValueField: "value.steps", Aggregation: agg}
			res, err := Evaluate(r, Input{Table: unusable, Period: january})
			if err != nil {
				t.Fatal(err)
			}
			if res.Status != StatusAbsent || res.Value != nil || res.Stats != nil {
				t.Errorf("result = %+v, want absent without a value", res)
			}
			if res.TotalEntries != 2 || res.ValidEntries != 0 {
				t.Errorf("entries = %d/%d, want 2 total and 0 valid", res.TotalEntries, res.ValidEntries)
			}
		})
	}

	t.Run(AggCount, func(t *testing.T) {
		r := &FeatureRule{Base: Base{Name: "steps", Metric: "steps"}, ValueField: "value.steps", Aggregation: AggCount}
		res, err := Evaluate(r, Input{Table: unusable, Period: january})
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != StatusOK || res.Value == nil || *res.Value != 0 {
			t.Errorf("result = %+v, want ok with a count of 0", res)
		}
	})

	t.Run("slider out of range", func(t *testing.T) {
		hi := 1.0
		r := &SliderRule{
			Base:         Base{Name: "mood", Metric: "questionnaire", TimeField: "value.timeCompleted"},
			AnswersBase:  "value.answers",
			TargetPrefix: "mood",
			ValueSuffix:  "value",
			Max:          &hi,
		}
		res, err := Evaluate(r, Input{Table: questionnaire(), Period: january})
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != StatusAbsent || res.Stats != nil {
			t.Errorf("result = %+v, want absent without stats", res)
		}
		if res.TotalEntries != 3 || res.OutOfRange != 3 {
			t.Errorf("entries = %d, out of range = %d, want 3 and 3", res.TotalEntries, res.OutOfRange)
		}
	})
}

func TestEvaluateMissingColumn(t *testing.T) {
	tests := []struct {
		name  string
		rule  Rule
		field string
	}{
		{"value field", &FeatureRule{Base: Base{Name: "x", Metric: "steps"}, ValueField: "value.nope"}, "value.nope"},
		{"time field", &FeatureRule{Base: Base{Name: "x", Metric: "steps", TimeField: "value.when"}, ValueField: "value.steps"}, "value.when"},
		{"filter field", &FeatureRule{Base: Base{Name: "x", Metric: "steps"}, FilterField: "f", FilterValue: "v", ValueField: "value.steps"}, "f"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Evaluate(tt.rule, Input{Table: stepsTable(), Period: january})
			var rerr *RuleEvaluationError
			if !errors.As(err, &rerr) {
				t.Fatalf("error = %v, want *RuleEvaluationError", err)
			}
			if rerr.Field != tt.field {
				t.Errorf("Field = %q, want %q", rerr.Field, tt.field)
			}
			if res.Status != StatusError {
				t.Errorf("Status = %q, want error", res.Status)
			}
		})
	}
}

func questionnaire() *records.Table {
	return &records.Table{
		Header: []string{
			"value.timeCompleted",
			"value.answers.0.questionId", "value.answers.0.value",
			"value.answers.1.questionId", "value.answers.1.value",
		},
		Rows: [][]string{
			{epoch(jan(4, 10)), "mood_1", "3", "sleep", "good"},
			{epoch(jan(5, 10)), "mood_2", "11", "sleep", "bad"},
			{epoch(jan(6, 10)), "mood_1", "7", "sleep", "great"},
			{epoch(jan(6, 11)), "energy", "2", "", ""},
		},
	}
}

func TestEvaluateSliderRange(t *testing.T) {
	lo, hi := 0.0, 10.0
	r := &SliderRule{
		Base:         Base{Name: "mood", Metric: "questionnaire", TimeField: "value.timeCompleted"},
		AnswersBase:  "value.answers",
		TargetPrefix: "mood",
		ValueSuffix:  "value",
		Min:          &lo,
		Max:          &hi,
	}
	res, err := Evaluate(r, Input{Table: questionnaire(), Period: january})
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalEntries != 3 || res.OutOfRange != 1 || res.ValidEntries != 2 || res.DaysWithData != 2 {
		t.Errorf("result = %+v", res)
	}
	if res.Stats == nil || res.Stats.Mean != 5 {
		t.Errorf("stats = %+v, want mean 5", res.Stats)
	}
}

func TestEvaluateHistogramOtherBucket(t *testing.T) {
	r := &HistogramRule{
		Base:        Base{Name: "sleep", Metric: "questionnaire"},
		AnswersBase: "value.answers",
		QuestionID:  "sleep",
		ValueSuffix: "value",
		Buckets:     []string{"good", "bad"},
	}
	res, err := Evaluate(r, Input{Table: questionnaire(), Period: january})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]int{"good": 1, "bad": 1, OtherBucket: 1}
	if diff := cmp.Diff(want, res.Histogram); diff != "" {
		t.Errorf("histogram mismatch (-want +got):\n%s", diff)
	}
}

func TestEvaluateResponses(t *testing.T) {
	r := &ResponsesRule{Base: Base{Name: "questionnaire", Metric: "questionnaire"}}
	res, err := Evaluate(r, Input{Table: questionnaire(), Period: january})
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalEntries != 4 || res.DaysWithData != 3 {
		t.Errorf("responses = %d over %d days, want 4 over 3", res.TotalEntries, res.DaysWithData)
	}
}

func TestDescribe(t *testing.T) {
	got := Describe([]float64{4, 1, 3, 2})
	want := Stats{Count: 4, Sum: 10, Mean: 2.5, Median: 2.5, Std: 1.118033988749895, Min: 1, Max: 4}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("Describe mismatch (-want +got):\n%s", diff)
	}
}

func TestFlags(t *testing.T) {
	f := Flags{
		Features:      []string{"walk:steps:value.time:value.type:walk:value.steps", "hr:heart:value.time:value.bpm:bpm"},
		Questionnaire: []string{"phq9:value.timeCompleted"},
		Sliders:       []string{"mood:ema:value.answers:mood:value:value.timeCompleted"},
		Histograms:    []string{"sleep:ema:value.answers:sleep:value:value.timeCompleted"},
	}
	rs, err := f.RuleSet()
	if err != nil {
		t.Fatal(err)
	}
	if err := rs.Validate(); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"steps", "heart", "phq9", "ema"}, rs.Metrics()); diff != "" {
		t.Errorf("metrics mismatch (-want +got):\n%s", diff)
	}
	walk := rs.Rules[0].(*FeatureRule)
	if walk.FilterField != "value.type" || walk.FilterValue != "walk" || walk.ValueField != "value.steps" {
		t.Errorf("6-field feature = %+v", walk)
	}
	hr := rs.Rules[1].(*FeatureRule)
	if hr.ValueField != "value.bpm" || hr.Unit != "bpm" {
		t.Errorf("5-field feature = %+v", hr)
	}

	bad := []Flags{
		{Features: []string{"a:b:c"}},
		{Questionnaire: []string{"only"}},
		{Sliders: []string{"a:b:c:d:e"}},
		{Histograms: []string{"a:b:c:d:e:f:g"}},
	}
	for _, f := range bad {
		if _, err := f.RuleSet(); err == nil {
			t.Errorf("%+v: expected error", f)
		}
	}
}

func TestValidateRejects(t *testing.T) {
	lo, hi := 5.0, 1.0
	tests := []struct {
		name string
		rs   RuleSet
	}{
		{"no name", RuleSet{Rules: []Rule{&ResponsesRule{Base: Base{Metric: "m"}}}}},
		{"duplicate", RuleSet{Rules: []Rule{
			&ResponsesRule{Base: Base{Name: "a", Metric: "m"}},
			&ResponsesRule{Base: Base{Name: "a", Metric: "n"}},
		}}},
		{"half filter", RuleSet{Rules: []Rule{&FeatureRule{Base: Base{Name: "a", Metric: "m"}, FilterField: "f", ValueField: "v"}}}},
		{"aggregation", RuleSet{Rules: []Rule{&FeatureRule{Base: Base{Name: "a", Metric: "m"}, ValueField: "v", Aggregation: "mode"}}}},
		{"range", RuleSet{Rules: []Rule{&SliderRule{Base: Base{Name: "a", Metric: "m"}, AnswersBase: "b", ValueSuffix: "v", Min: &lo, Max: &hi}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.rs.Validate(); !errors.Is(err, ErrInvalidRules) {
				t.Errorf("Validate = %v, want ErrInvalidRules", err)
			}
		})
	}
}

const rulesYAML = `rules:
  - name: steps
    metric: steps
    value_field: value.steps
    aggregation: sum
  - kind: slider
    name: mood
    metric: ema
    answers_base: value.answers
    target_prefix: mood
    value_suffix: value
    max: 10
  - kind: histogram
    name: sleep
    metric: ema
    answers_base: value.answers
    question_id: sleep
    value_suffix: value
    buckets: [good, bad]
  - kind: responses
    name: ema_count
    metric: ema
`

func TestLoadRulesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(rulesYAML), 0644); err != nil {
		t.Fatal(err)
	}
	rs, err := LoadRules(path)
	if err != nil {
		t.Fatal(err)
	}
	kinds := make([]Kind, len(rs.Rules))
	for i, r := range rs.Rules {
		kinds[i] = r.Kind()
	}
	if diff := cmp.Diff([]Kind{KindFeature, KindSlider, KindHistogram, KindResponses}, kinds); diff != "" {
		t.Errorf("kinds mismatch (-want +got):\n%s", diff)
	}
	if s := rs.Rules[1].(*SliderRule); s.Max == nil || *s.Max != 10 || s.Min != nil {
		t.Errorf("slider bounds = %v..%v", s.Min, s.Max)
	}

	data, err := yaml.Marshal(rs)
	if err != nil {
		t.Fatal(err)
	}
	var again RuleSet
	if err := yaml.Unmarshal(data, &again); err != nil {
		t.Fatal(err)
	}
	if again.Fingerprint() != rs.Fingerprint() {
		t.Errorf("fingerprint changed after re-encoding:\n%s", data)
	}
}

func TestLoadRulesUnknownKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("rules:\n  - kind: pie\n    name: x\n    metric: y\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRules(path); err == nil {
		t.Error("expected error for unknown kind")
	}
}

type mapSource struct {
	tables map[string]*records.Table
	fail   map[string]error
	gen    time.Time
	loads  int
}

func (s *mapSource) Load(ctx context.Context, stream pathcodec.StreamID, p period.Period) (*records.Table, error) {
	s.loads++
	if err := s.fail[stream.Metric]; err != nil {
		return nil, err
	}
	return s.tables[stream.Metric], nil
}

func (s *mapSource) Generation(ctx context.Context, stream pathcodec.StreamID, p period.Period) (time.Time, bool, error) {
	return s.gen, !s.gen.IsZero(), nil
}

func TestSummarizeIsolatesFailures(t *testing.T) {
	src := &mapSource{
		tables: map[string]*records.Table{"steps": stepsTable()},
		fail:   map[string]error{"heart": errors.New("disk on fire")},
	}
	rs := &RuleSet{Rules: []Rule{
		&FeatureRule{Base: Base{Name: "steps", Metric: "steps"}, ValueField: "value.steps"},
		&FeatureRule{Base: Base{Name: "broken", Metric: "steps"}, ValueField: "value.missing"},
		&FeatureRule{Base: Base{Name: "hr", Metric: "heart"}, ValueField: "value.bpm"},
		&FeatureRule{Base: Base{Name: "sleep", Metric: "sleep"}, ValueField: "value.hours"},
	}}
	a := &Aggregator{Source: src, Now: func() time.Time { return jan(31, 0) }}
	s, err := a.Summarize(context.Background(), "S1", "P1", january, rs)
	if err != nil {
		t.Fatal(err)
	}

	status := make(map[string]Status)
	for name, r := range s.Rules {
		status[name] = r.Status
	}
	want := map[string]Status{"steps": StatusOK, "broken": StatusError, "hr": StatusError, "sleep": StatusAbsent}
	if diff := cmp.Diff(want, status); diff != "" {
		t.Errorf("statuses mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"broken", "hr"}, s.FailedRules()); diff != "" {
		t.Errorf("failed rules mismatch (-want +got):\n%s", diff)
	}
	wantData := DataSummary{StartDate: "2024-01-01", EndDate: "2024-01-02", TotalDaysWithData: 2, FeaturesAvailable: []string{"steps"}}
	if diff := cmp.Diff(wantData, s.DataSummary); diff != "" {
		t.Errorf("data summary mismatch (-want +got):\n%s", diff)
	}
	if s.Streams["steps"].Rows != 4 || s.Streams["sleep"].Status != StatusAbsent || s.Streams["heart"].Status != StatusError {
		t.Errorf("streams = %+v", s.Streams)
	}
	if src.loads != 3 {
		t.Errorf("loads = %d, want one per metric", src.loads)
	}
}

func TestSummarizeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rs := &RuleSet{Rules: []Rule{&ResponsesRule{Base: Base{Name: "a", Metric: "m"}}}}
	if _, err := (&Aggregator{Source: &mapSource{}}).Summarize(ctx, "S1", "P1", january, rs); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

type memCache struct {
	stored map[string]*ParticipantPeriodSummary
	gens   map[string]time.Time
	hits   int
}

func (c *memCache) LookupSummary(participant, periodKey, fingerprint string, gen time.Time) (*ParticipantPeriodSummary, bool, error) {
	key := participant + "|" + periodKey + "|" + fingerprint
	if g, ok := c.gens[key]; ok && g.Equal(gen) {
		c.hits++
		return c.stored[key], true, nil
	}
	return nil, false, nil
}

func (c *memCache) StoreSummary(s *ParticipantPeriodSummary, fingerprint string, gen time.Time) error {
	key := ParticipantKey(s.Site, s.Participant) + "|" + s.Period + "|" + fingerprint
	c.stored[key] = s
	c.gens[key] = gen
	return nil
}

func TestSummarizeCache(t *testing.T) {
	src := &mapSource{tables: map[string]*records.Table{"steps": stepsTable()}, gen: jan(20, 0)}
	cache := &memCache{stored: map[string]*ParticipantPeriodSummary{}, gens: map[string]time.Time{}}
	rs := &RuleSet{Rules: []Rule{&FeatureRule{Base: Base{Name: "steps", Metric: "steps"}, ValueField: "value.steps"}}}
	a := &Aggregator{Source: src, Cache: cache}

	for i := 0; i < 2; i++ {
		if _, err := a.Summarize(context.Background(), "S1", "P1", january, rs); err != nil {
			t.Fatal(err)
		}
	}
	if cache.hits != 1 || src.loads != 1 {
		t.Errorf("hits = %d, loads = %d, want 1 and 1", cache.hits, src.loads)
	}

	src.gen = jan(21, 0)
	if _, err := a.Summarize(context.Background(), "S1", "P1", january, rs); err != nil {
		t.Fatal(err)
	}
	if src.loads != 2 {
		t.Errorf("newer generation should reload, loads = %d", src.loads)
	}
}

func TestWriteJSON(t *testing.T) {
	s := &ParticipantPeriodSummary{Site: "S1", Participant: "P1", Period: "2024-01", Resolution: period.Month}
	path, err := WriteJSON(t.TempDir(), s)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "P1_2024-01.json" {
		t.Errorf("file = %s", filepath.Base(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var back ParticipantPeriodSummary
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Participant != "P1" || back.Resolution != period.Month {
		t.Errorf("decoded = %+v", back)
	}
}
