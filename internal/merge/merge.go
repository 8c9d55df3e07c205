// Package merge combines a stream's raw files for one period into a single
// deduplicated, time-ordered file.
package merge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/mhmlab/mhm/internal/index"
	"github.com/mhmlab/mhm/internal/pathcodec"
	"github.com/mhmlab/mhm/internal/period"
	"github.com/mhmlab/mhm/internal/records"
)

// Status is the outcome of one Merge call.
type Status string

const (
	StatusWritten Status = "written"
	StatusNoOp    Status = "noop"
	// StatusEmpty is a period reached only by neighbouring files, none of
	// whose rows fall in it. Nothing is written.
	StatusEmpty Status = "empty"
)

// ConflictError reports that another writer holds the claim on a merge target.
type ConflictError struct {
	Stream pathcodec.StreamID
	Period string
	Path   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("merge conflict on %s %s: %s is locked by another writer", e.Stream, e.Period, e.Path)
}

// Invalidator is notified after a merged file has been rewritten.
type Invalidator interface {
	Invalidate(stream pathcodec.StreamID, p period.Period) error
}

// Options tune a Merger.
type Options struct {
	// TimeColumns are tried in order to find each file's timestamp column.
	TimeColumns []string
	// KeyColumns disambiguate rows sharing a timestamp, per metric.
	// The "*" entry applies to metrics without their own entry.
	KeyColumns map[string][]string
	// Location is used for period boundaries and zone-less timestamps.
	Location *time.Location
	// Strict aborts the period on the first unreadable raw file instead of
	// skipping it.
	Strict bool
	// Force rewrites outputs even when their manifest is current.
	Force       bool
	Invalidator Invalidator
	Logger      *zap.Logger
	// Now is the clock used for GeneratedAt.
	Now func() time.Time
}

// Result is returned by Merge.
type Result struct {
	Status  Status
	File    *MergedFile
	Skipped []SkippedFile
}

// Merger writes merged files under Root.
type Merger struct {
	Root    string
	Codec   pathcodec.Codec
	Options Options
}

// New returns a Merger with defaults applied.
func New(root string, codec pathcodec.Codec, opts Options) *Merger {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Merger{Root: root, Codec: codec, Options: opts}
}

// Target returns the absolute merged file path for a stream and period.
func (m *Merger) Target(stream pathcodec.StreamID, p period.Period) string {
	return filepath.Join(m.Root, filepath.FromSlash(m.Codec.Encode(stream, p)))
}

// Merge builds the merged file for one stream and period from the group's
// files. It returns a NoOp result when the existing manifest already records
// exactly this set of source identities.
func (m *Merger) Merge(ctx context.Context, group index.PeriodGroup) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.defaults()
	log := m.Options.Logger.With(
		zap.String("stream", group.Stream.Key()),
		zap.String("period", group.Period.Key()),
	)

	rel := m.Codec.Encode(group.Stream, group.Period)
	target := filepath.Join(m.Root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return nil, fmt.Errorf("merge %s %s: %w", group.Stream, group.Period, err)
	}

	lock := flock.New(pathcodec.LockPath(target))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("merge %s %s: lock: %w", group.Stream, group.Period, err)
	}
	if !locked {
		return nil, &ConflictError{Stream: group.Stream, Period: group.Period.Key(), Path: rel}
	}
	defer lock.Unlock()

	sources := group.Identities()
	manifestPath := pathcodec.ManifestPath(target)
	if !m.Options.Force {
		if current, ok := m.current(target, manifestPath, sources); ok {
			log.Debug("merged file is current")
			return &Result{Status: StatusNoOp, File: current, Skipped: current.Skipped}, nil
		}
	}

	all := append(append([]index.RawFile(nil), group.Files...), group.Neighbors...)
	index.SortFiles(all)
	files, superseded := collapseDuplicates(all)
	own := make(map[string]bool, len(group.Files))
	for _, f := range group.Files {
		own[f.Rel] = true
	}

	out := &MergedFile{
		Path:        rel,
		Stream:      group.Stream,
		Granularity: group.Period.Granularity,
		PeriodKey:   group.Period.Key(),
		Sources:     sources,
	}
	for _, f := range superseded {
		if own[f.Rel] {
			out.Superseded = append(out.Superseded, f.Rel)
		}
	}

	var sourcesRead []source
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, err := records.ReadFile(f.Path)
		if err != nil {
			if !own[f.Rel] {
				// Reported by the period that owns it.
				log.Debug("skipping unreadable neighbouring file", zap.String("file", f.Rel), zap.Error(err))
				continue
			}
			if m.Options.Strict {
				return nil, fmt.Errorf("merge %s %s: %w", group.Stream, group.Period, err)
			}
			reason := err.Error()
			var derr *records.DecodeError
			if errors.As(err, &derr) {
				reason = derr.Err.Error()
			}
			log.Warn("skipping unreadable raw file", zap.String("file", f.Rel), zap.Error(err))
			out.Skipped = append(out.Skipped, SkippedFile{Path: f.Rel, Reason: reason})
			continue
		}
		sourcesRead = append(sourcesRead, source{file: f, table: t, own: own[f.Rel]})
	}

	merged := m.combine(group, sourcesRead, out)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(group.Files) == 0 && out.RowCount == 0 {
		log.Debug("no rows from neighbouring files")
		return &Result{Status: StatusEmpty}, nil
	}

	out.GeneratedAt = m.Options.Now().UTC()
	if err := records.WriteFileAtomic(target, merged); err != nil {
		return nil, fmt.Errorf("merge %s %s: %w", group.Stream, group.Period, err)
	}
	if err := writeManifest(manifestPath, out); err != nil {
		return nil, fmt.Errorf("merge %s %s: %w", group.Stream, group.Period, err)
	}

	if m.Options.Invalidator != nil {
		if err := m.Options.Invalidator.Invalidate(group.Stream, group.Period); err != nil {
			log.Warn("cache invalidation failed", zap.Error(err))
		}
	}

	log.Info("merged",
		zap.Int("sources", len(sourcesRead)),
		zap.Int("rows", out.RowCount),
		zap.Int("skipped", len(out.Skipped)),
		zap.Int("dropped_rows", out.DroppedRows),
		zap.Int("out_of_period", out.OutOfPeriod),
	)
	return &Result{Status: StatusWritten, File: out, Skipped: out.Skipped}, nil
}

func (m *Merger) defaults() {
	if m.Options.Location == nil {
		m.Options.Location = time.UTC
	}
	if m.Options.Logger == nil {
		m.Options.Logger = zap.NewNop()
	}
	if m.Options.Now == nil {
		m.Options.Now = time.Now
	}
}

// current returns the existing manifest when it matches sources and the
// data file it describes is present.
func (m *Merger) current(target, manifestPath string, sources []string) (*MergedFile, bool) {
	if _, err := os.Stat(target); err != nil {
		return nil, false
	}
	mf, err := ReadManifest(manifestPath)
	if err != nil {
		return nil, false
	}
	if !sameSources(mf.Sources, sources) {
		return nil, false
	}
	return mf, true
}

// collapseDuplicates keeps one file per (timestamp token, sequence). The same
// token can appear under several prefix directories when exports overlap;
// the most recently modified copy wins, then the greater relative path.
func collapseDuplicates(files []index.RawFile) (kept, superseded []index.RawFile) {
	type key struct {
		ts  int64
		seq int
	}
	winner := make(map[key]int)
	for i, f := range files {
		k := key{f.ID.Timestamp.UnixNano(), f.ID.Sequence}
		j, ok := winner[k]
		if !ok {
			winner[k] = i
			continue
		}
		prev := files[j]
		if f.ModTime.After(prev.ModTime) || (f.ModTime.Equal(prev.ModTime) && f.Rel > prev.Rel) {
			winner[k] = i
		}
	}
	for i, f := range files {
		k := key{f.ID.Timestamp.UnixNano(), f.ID.Sequence}
		if winner[k] == i {
			kept = append(kept, f)
		} else {
			superseded = append(superseded, f)
		}
	}
	return kept, superseded
}

type mergedRow struct {
	ts    time.Time
	cells []string
}

// ProvenanceColumns are appended to every merged row: the filename timestamp
// of the raw file the row came from, then its site and participant.
var ProvenanceColumns = []string{"file_timestamp", "site", "participant_id"}

// source is one raw file read for a merge. Rows of files owned by a
// neighbouring period only count when they fall in this period.
type source struct {
	file  index.RawFile
	table *records.Table
	own   bool
}

// combine unions headers, drops rows without a timestamp or outside the
// period, sorts by time and deduplicates by (timestamp, key columns) with the
// later source winning. Each row carries the provenance columns of its file.
func (m *Merger) combine(group index.PeriodGroup, sources []source, out *MergedFile) *records.Table {
	var header []string
	colIndex := make(map[string]int)
	add := func(h string) {
		if _, ok := colIndex[h]; !ok {
			colIndex[h] = len(header)
			header = append(header, h)
		}
	}
	for _, src := range sources {
		for _, h := range src.table.Header {
			add(h)
		}
	}
	for _, h := range ProvenanceColumns {
		add(h)
	}
	provIndex := make([]int, len(ProvenanceColumns))
	for i, h := range ProvenanceColumns {
		provIndex[i] = colIndex[h]
	}

	var rows []mergedRow
	for _, src := range sources {
		t := src.table
		_, times, ok := t.RowTimes(m.Options.TimeColumns, m.Options.Location)
		mapping := make([]int, len(t.Header))
		for i, h := range t.Header {
			mapping[i] = colIndex[h]
		}
		provenance := []string{
			src.file.ID.Timestamp.UTC().Format(time.RFC3339),
			src.file.ID.Stream.Site,
			src.file.ID.Stream.Participant,
		}
		for i, row := range t.Rows {
			if !ok[i] {
				if src.own {
					out.DroppedRows++
				}
				continue
			}
			if !group.Period.Contains(times[i]) {
				if src.own && !reaches(src.file, times[i], group.Period.Granularity, m.Options.Location) {
					out.OutOfPeriod++
				}
				continue
			}
			cells := make([]string, len(header))
			for j, v := range row {
				cells[mapping[j]] = v
			}
			for j, v := range provenance {
				cells[provIndex[j]] = v
			}
			rows = append(rows, mergedRow{ts: times[i], cells: cells})
		}
	}

	// Stable: rows with equal timestamps keep source order, then row order.
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].ts.Before(rows[j].ts)
	})

	keyCols := m.keyColumns(group.Stream.Metric, colIndex)
	seen := make(map[string]int, len(rows))
	deduped := make([]mergedRow, 0, len(rows))
	for _, r := range rows {
		k := dedupKey(r, keyCols)
		if i, ok := seen[k]; ok {
			deduped[i] = r
			continue
		}
		seen[k] = len(deduped)
		deduped = append(deduped, r)
	}

	result := &records.Table{Header: header, Rows: make([][]string, len(deduped))}
	for i, r := range deduped {
		result.Rows[i] = r.cells
	}
	out.RowCount = len(deduped)
	if len(deduped) > 0 {
		start := deduped[0].ts.UTC()
		end := deduped[len(deduped)-1].ts.UTC()
		out.Start, out.End = &start, &end
	}
	return result
}

// reaches reports whether the period containing t is offered f by
// index.Group.Periods, so a row of f at t is merged by some period.
func reaches(f index.RawFile, t time.Time, gr period.Granularity, loc *time.Location) bool {
	p := period.Of(t, gr, loc)
	return !p.Start.After(f.ID.Timestamp.Add(index.BoundarySlack)) &&
		p.End().After(f.ID.Timestamp.Add(-index.BoundarySlack))
}

func (m *Merger) keyColumns(metric string, colIndex map[string]int) []int {
	names, ok := m.Options.KeyColumns[metric]
	if !ok {
		names = m.Options.KeyColumns["*"]
	}
	var cols []int
	for _, n := range names {
		if i, ok := colIndex[n]; ok {
			cols = append(cols, i)
		}
	}
	return cols
}

func dedupKey(r mergedRow, keyCols []int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d", r.ts.UnixNano())
	for _, c := range keyCols {
		b.WriteByte(0)
		b.WriteString(r.cells[c])
	}
	return b.String()
}
