package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mhmlab/mhm/internal/cache"
	"github.com/mhmlab/mhm/internal/config"
	"github.com/mhmlab/mhm/internal/coverage"
	"github.com/mhmlab/mhm/internal/metrics"
	"github.com/mhmlab/mhm/internal/records"
	"github.com/mhmlab/mhm/internal/report"
	"github.com/mhmlab/mhm/internal/summary"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var fixedNow = time.Date(2024, time.February, 1, 12, 0, 0, 0, time.UTC)

// writeDay writes n step rows one minute apart starting at midnight of day.
func writeDay(t *testing.T, root, rel string, day time.Time, n int) {
	t.Helper()
	tbl := &records.Table{Header: []string{"value.time", "value.steps"}}
	for i := 0; i < n; i++ {
		ts := day.Add(time.Duration(i) * time.Minute).Unix()
		tbl.Rows = append(tbl.Rows, []string{strconv.FormatInt(ts, 10), strconv.Itoa(i)})
	}
	require.NoError(t, records.WriteFileAtomic(filepath.Join(root, filepath.FromSlash(rel)), tbl))
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func jan(day int) time.Time {
	return time.Date(2024, time.January, day, 0, 0, 0, 0, time.UTC)
}

// setupPipeline builds a study tree with two participants, one corrupt file
// and one file whose name does not match the layout.
func setupPipeline(t *testing.T) *Pipeline {
	t.Helper()
	dir := t.TempDir()
	raw := filepath.Join(dir, "raw")

	writeDay(t, raw, "S1/P1/steps/20240101_0000.csv.gz", jan(1), 2)
	writeDay(t, raw, "S1/P1/steps/20240102_0000.csv.gz", jan(2), 2)
	writeDay(t, raw, "S1/P1/steps/20240103_0000.csv.gz", jan(3), 2)
	writeFile(t, raw, "S1/P1/steps/20240104_0000.csv.gz", "not gzip")
	writeFile(t, raw, "S1/P1/steps/notes.csv.gz", "")
	writeDay(t, raw, "S1/P2/steps/20240102_0000.csv.gz", jan(2), 5)

	cfg := config.DefaultConfig()
	cfg.Data = config.DataConfig{
		RawRoot:      raw,
		MergedRoot:   filepath.Join(dir, "merged"),
		SummariesDir: filepath.Join(dir, "summaries"),
		ReportsDir:   filepath.Join(dir, "reports"),
	}
	cfg.Merge.Workers = 2
	cfg.Metrics.Textfile = filepath.Join(dir, "mhm.prom")
	require.NoError(t, config.Validate(cfg))

	c, err := cache.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	p := New(cfg, nil, c, metrics.New())
	p.Now = func() time.Time { return fixedNow }
	return p
}

func testRules() *summary.RuleSet {
	rs := &summary.RuleSet{}
	rs.Add(
		&summary.FeatureRule{Base: summary.Base{Name: "daily_steps", Metric: "steps"}, ValueField: "value.steps", Aggregation: summary.AggSum},
		&summary.FeatureRule{Base: summary.Base{Name: "heart_rate", Metric: "heart"}, ValueField: "value.bpm"},
	)
	return rs
}

func TestMergeRecordsOutcomes(t *testing.T) {
	p := setupPipeline(t)
	ctx := context.Background()

	run := p.NewRun("merge")
	require.NoError(t, p.Merge(ctx, run, MergeOptions{}))

	assert.Equal(t, report.Merges{Written: 2}, run.Merges)
	assert.Equal(t, 1, run.ParseFailures.Count)
	require.Len(t, run.SkippedFiles, 1)
	assert.Equal(t, "S1/P1/steps/20240104_0000.csv.gz", run.SkippedFiles[0].Path)
	assert.Equal(t, report.ExitPartial, run.ExitCode(true))
	assert.Equal(t, report.ExitOK, run.ExitCode(false))

	again := p.NewRun("merge")
	require.NoError(t, p.Merge(ctx, again, MergeOptions{}))
	assert.Equal(t, report.Merges{NoOp: 2}, again.Merges)

	forced := p.NewRun("merge")
	require.NoError(t, p.Merge(ctx, forced, MergeOptions{Force: true}))
	assert.Equal(t, report.Merges{Written: 2}, forced.Merges)
}

func TestMergePrunesVanishedStreams(t *testing.T) {
	p := setupPipeline(t)
	ctx := context.Background()
	require.NoError(t, p.Merge(ctx, p.NewRun("merge"), MergeOptions{}))
	// A week-granularity file is not touched by a month pass.
	require.NoError(t, p.Merge(ctx, p.NewRun("merge"), MergeOptions{Granularity: "week"}))

	p2 := filepath.Join(p.mergedRoot(), "S1", "P2", "steps", "steps_2024-01.csv.gz")
	require.FileExists(t, p2)
	require.NoError(t, os.Remove(filepath.Join(p.rawRoot(), "S1", "P2", "steps", "20240102_0000.csv.gz")))

	run := p.NewRun("merge")
	require.NoError(t, p.Merge(ctx, run, MergeOptions{}))
	assert.Equal(t, report.Merges{NoOp: 1, Pruned: 1}, run.Merges)
	assert.NoFileExists(t, p2)
	assert.NoFileExists(t, p2+".manifest.json")

	merged, err := p.MergedStreams(ctx)
	require.NoError(t, err)
	var weekly int
	for _, files := range merged {
		for _, f := range files {
			if f.Granularity == "week" {
				weekly++
			}
		}
	}
	assert.Equal(t, 2, weekly, "P1 and P2 week files stay")
}

func TestStatsAndCoverage(t *testing.T) {
	p := setupPipeline(t)
	ctx := context.Background()
	require.NoError(t, p.Merge(ctx, p.NewRun("merge"), MergeOptions{}))

	run := p.NewRun("stats")
	st, err := p.Stats(ctx, run, StatsOptions{Write: true})
	require.NoError(t, err)
	require.Len(t, st.Streams, 2)
	assert.Empty(t, st.Failed)
	assert.Equal(t, 6, st.Streams[0].RowCount)
	assert.Equal(t, 3, st.Streams[0].DistinctDays())
	assert.Equal(t, 1, st.Streams[1].DistinctDays())
	assert.Len(t, st.Outputs, 2)
	for _, path := range st.Outputs {
		assert.FileExists(t, path)
	}

	opts := p.DefaultCoverageOutputs(coverage.Options{MinDays: 3})
	rep, err := p.Coverage(ctx, p.NewRun("coverage"), opts)
	require.NoError(t, err)
	assert.Len(t, rep.Heatmap.Days, 3)
	require.Len(t, rep.Heatmap.Rows, 2)
	if diff := cmp.Diff([]int{2, 2, 2}, rep.Heatmap.Rows[0].Cells); diff != "" {
		t.Errorf("P1 cells mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, rep.Missing, 1)
	assert.Equal(t, "P2", rep.Missing[0].Participant)
	assert.Equal(t, coverage.ReasonBelowThreshold, rep.Missing[0].Reason)
	for _, path := range []string{opts.HeatmapPath, opts.PresencePath, opts.ParticipantsPath, opts.MissingPath} {
		assert.FileExists(t, path)
	}
}

func TestSummarizeWritesAbsentResults(t *testing.T) {
	p := setupPipeline(t)
	ctx := context.Background()
	require.NoError(t, p.Merge(ctx, p.NewRun("merge"), MergeOptions{}))

	run := p.NewRun("summarize")
	out, err := p.Summarize(ctx, run, SummarizeOptions{Rules: testRules()})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, 2, run.Summaries)

	p1 := out[0]
	assert.Equal(t, "P1", p1.Participant)
	assert.Equal(t, "2024-01", p1.Period)
	steps := p1.Rules["daily_steps"]
	require.Equal(t, summary.StatusOK, steps.Status)
	require.NotNil(t, steps.Value)
	assert.InDelta(t, 3.0, *steps.Value, 1e-9)
	assert.Equal(t, summary.StatusAbsent, p1.Rules["heart_rate"].Status)
	assert.Nil(t, p1.Rules["heart_rate"].Value)
	assert.FileExists(t, filepath.Join(p.summariesDir(), "S1", "P1_2024-01.json"))

	// The second pass is served from the cache.
	again, err := p.Summarize(ctx, p.NewRun("summarize"), SummarizeOptions{Rules: testRules()})
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.Equal(t, p1.GeneratedAt, again[0].GeneratedAt)
}

func TestSummarizeRequiresRules(t *testing.T) {
	p := setupPipeline(t)
	_, err := p.Summarize(context.Background(), p.NewRun("summarize"), SummarizeOptions{})
	assert.Error(t, err)
}

func TestRunAndFinish(t *testing.T) {
	p := setupPipeline(t)
	ctx := context.Background()

	run := p.NewRun("run")
	res, err := p.Run(ctx, run, RunOptions{
		Rules:    testRules(),
		Coverage: p.DefaultCoverageOutputs(p.CoverageDefaults()),
	})
	require.NoError(t, err)
	assert.Len(t, res.Stats.Streams, 2)
	assert.Len(t, res.Summaries, 2)
	require.NotNil(t, res.Coverage)

	p.Finish(run)
	assert.Equal(t, fixedNow, run.FinishedAt)
	assert.FileExists(t, p.Config.Metrics.Textfile)

	runs, err := p.Cache.Runs(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
	assert.Equal(t, run.Failures(), runs[0].Failures)

	participants, err := p.Cache.Participants()
	require.NoError(t, err)
	assert.Equal(t, []string{"P1", "P2"}, participants)
}

func TestMergeCancelled(t *testing.T) {
	p := setupPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Merge(ctx, p.NewRun("merge"), MergeOptions{})
	assert.True(t, errors.Is(err, context.Canceled), "err = %v", err)
}

func TestStatsWithoutMergedTree(t *testing.T) {
	p := setupPipeline(t)
	_, err := p.Stats(context.Background(), p.NewRun("stats"), StatsOptions{})
	assert.Error(t, err)
}
