// Package report collects what happened during a pipeline run: what was
// indexed and merged, and which files, streams and rules could not be
// processed. Failures are kept apart from successful output so "no data" is
// never confused with "data that could not be read".
package report

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Exit codes returned by the CLI.
const (
	ExitOK      = 0
	ExitError   = 1
	ExitPartial = 3
)

// Indexed counts the raw files found.
type Indexed struct {
	Streams int   `yaml:"streams" json:"streams"`
	Files   int   `yaml:"files" json:"files"`
	Bytes   int64 `yaml:"bytes" json:"bytes"`
}

// ParseFailures counts paths that did not match the layout.
type ParseFailures struct {
	Count  int      `yaml:"count" json:"count"`
	Sample []string `yaml:"sample,omitempty" json:"sample,omitempty"`
}

// Merges counts merge outcomes per (stream, period).
type Merges struct {
	Written int `yaml:"written" json:"written"`
	NoOp    int `yaml:"noop" json:"noop"`
	Failed  int `yaml:"failed" json:"failed"`
	// Pruned counts merged files removed because no raw file produces them.
	Pruned int `yaml:"pruned,omitempty" json:"pruned,omitempty"`
}

// FileIssue is a file that was skipped.
type FileIssue struct {
	Path   string `yaml:"path" json:"path"`
	Reason string `yaml:"reason" json:"reason"`
}

// StreamFailure is a stream, or one period of it, that could not be processed.
type StreamFailure struct {
	Stream string `yaml:"stream" json:"stream"`
	Period string `yaml:"period,omitempty" json:"period,omitempty"`
	Stage  string `yaml:"stage" json:"stage"`
	Error  string `yaml:"error" json:"error"`
}

// RuleFailure is a rule that could not be evaluated for one summary.
type RuleFailure struct {
	Participant string `yaml:"participant" json:"participant"`
	Period      string `yaml:"period" json:"period"`
	Rule        string `yaml:"rule" json:"rule"`
	Error       string `yaml:"error,omitempty" json:"error,omitempty"`
}

// Run is the report of one command invocation. All Add methods are safe for
// concurrent use.
type Run struct {
	ID            string          `yaml:"id" json:"id"`
	Command       string          `yaml:"command" json:"command"`
	StartedAt     time.Time       `yaml:"started_at" json:"started_at"`
	FinishedAt    time.Time       `yaml:"finished_at,omitempty" json:"finished_at,omitempty"`
	Indexed       Indexed         `yaml:"indexed" json:"indexed"`
	ParseFailures ParseFailures   `yaml:"parse_failures" json:"parse_failures"`
	Merges        Merges          `yaml:"merges" json:"merges"`
	Streams       int             `yaml:"streams_extracted" json:"streams_extracted"`
	Summaries     int             `yaml:"summaries" json:"summaries"`
	SkippedFiles  []FileIssue     `yaml:"skipped_files,omitempty" json:"skipped_files,omitempty"`
	FailedStreams []StreamFailure `yaml:"failed_streams,omitempty" json:"failed_streams,omitempty"`
	FailedRules   []RuleFailure   `yaml:"failed_rules,omitempty" json:"failed_rules,omitempty"`
	Outputs       []string        `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Warnings      []string        `yaml:"warnings,omitempty" json:"warnings,omitempty"`

	mu sync.Mutex
}

// New starts a run report.
func New(command string, now time.Time) *Run {
	return &Run{ID: uuid.NewString(), Command: command, StartedAt: now.UTC()}
}

// SetIndexed records the index statistics.
func (r *Run) SetIndexed(streams, files int, bytes int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Indexed = Indexed{Streams: streams, Files: files, Bytes: bytes}
}

// AddParseFailures adds unparseable paths; sample is appended up to limit.
func (r *Run) AddParseFailures(count int, sample []string, limit int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ParseFailures.Count += count
	for _, s := range sample {
		if len(r.ParseFailures.Sample) >= limit {
			break
		}
		r.ParseFailures.Sample = append(r.ParseFailures.Sample, s)
	}
}

// AddMerge counts a merge outcome. written reports whether a file was written.
func (r *Run) AddMerge(written bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if written {
		r.Merges.Written++
	} else {
		r.Merges.NoOp++
	}
}

// AddPruned counts a removed merged file.
func (r *Run) AddPruned() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Merges.Pruned++
}

// AddSkipped records a skipped file.
func (r *Run) AddSkipped(path, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.SkippedFiles = append(r.SkippedFiles, FileIssue{Path: path, Reason: reason})
}

// AddFailedStream records a stream failure. A failed merge also counts
// against Merges.Failed.
func (r *Run) AddFailedStream(stream, periodKey, stage string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.FailedStreams = append(r.FailedStreams, StreamFailure{Stream: stream, Period: periodKey, Stage: stage, Error: err.Error()})
	if stage == StageMerge {
		r.Merges.Failed++
	}
}

// Stages named in StreamFailure.
const (
	StageMerge    = "merge"
	StageMetadata = "metadata"
	StageSummary  = "summary"
	StageFetch    = "fetch"
)

// AddStream counts a stream whose metadata was extracted.
func (r *Run) AddStream() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Streams++
}

// AddSummary counts a written summary.
func (r *Run) AddSummary(path string, failedRules []RuleFailure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Summaries++
	if path != "" {
		r.Outputs = append(r.Outputs, path)
	}
	r.FailedRules = append(r.FailedRules, failedRules...)
}

// AddOutput records a written artifact.
func (r *Run) AddOutput(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Outputs = append(r.Outputs, path)
}

// Warn records a warning.
func (r *Run) Warn(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Finish stamps the end time and sorts the lists so reports are stable.
func (r *Run) Finish(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.FinishedAt = now.UTC()
	sort.Slice(r.SkippedFiles, func(i, j int) bool { return r.SkippedFiles[i].Path < r.SkippedFiles[j].Path })
	sort.Slice(r.FailedStreams, func(i, j int) bool {
		a, b := r.FailedStreams[i], r.FailedStreams[j]
		if a.Stream != b.Stream {
			return a.Stream < b.Stream
		}
		return a.Period < b.Period
	})
	sort.Slice(r.FailedRules, func(i, j int) bool {
		a, b := r.FailedRules[i], r.FailedRules[j]
		if a.Participant != b.Participant {
			return a.Participant < b.Participant
		}
		if a.Period != b.Period {
			return a.Period < b.Period
		}
		return a.Rule < b.Rule
	})
	sort.Strings(r.Outputs)
}

// Failures is the number of partial failures: skipped files, failed streams
// and failed rules. Parse failures are warnings.
func (r *Run) Failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.SkippedFiles) + len(r.FailedStreams) + len(r.FailedRules)
}

// HasFailures reports whether any partial failure occurred.
func (r *Run) HasFailures() bool {
	return r.Failures() > 0
}

// ExitCode is ExitPartial when strict and a partial failure occurred, else
// ExitOK. Unrecoverable errors are reported by the caller as ExitError.
func (r *Run) ExitCode(strict bool) int {
	if strict && r.HasFailures() {
		return ExitPartial
	}
	return ExitOK
}

// JSON encodes the report.
func (r *Run) JSON() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return json.Marshal(r)
}
