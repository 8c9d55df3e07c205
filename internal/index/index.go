// Package index walks a raw data tree and groups its files into streams.
package index

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/mhmlab/mhm/internal/exclude"
	"github.com/mhmlab/mhm/internal/pathcodec"
	"github.com/mhmlab/mhm/internal/period"
)

// DefaultSampleSize is the number of failing paths kept in ParseFailures.
const DefaultSampleSize = 20

// RawFile is one upstream data file as found on disk.
type RawFile struct {
	Path    string // absolute or root-joined path
	Rel     string // slash-separated, relative to the scan root
	ID      pathcodec.RawID
	Size    int64
	ModTime time.Time
}

// Identity is the cheap file identity used to decide whether a merged file
// is current: relative path, size and modification time.
func (f RawFile) Identity() string {
	return fmt.Sprintf("%s|%d|%d", f.Rel, f.Size, f.ModTime.UnixNano())
}

// Group is every raw file of one stream, ordered by (timestamp, sequence, path).
type Group struct {
	Stream pathcodec.StreamID
	Files  []RawFile
}

// BoundarySlack is how far a file's rows may sit from its filename timestamp.
// It covers a day-long file plus the widest zone offset, so files near a
// period boundary are also offered to the neighbouring period.
const BoundarySlack = 38 * time.Hour

// PeriodGroup is the subset of a Group relevant to one period. Files hold the
// files whose filename timestamp falls in the period; Neighbors hold files of
// adjacent periods within BoundarySlack of it, whose rows may spill over.
type PeriodGroup struct {
	Stream    pathcodec.StreamID
	Period    period.Period
	Files     []RawFile
	Neighbors []RawFile
}

// Periods splits the group by the period of each file's encoded timestamp and
// offers each file to the periods its rows may reach. The result is ordered by
// period start and keeps file order within a period.
func (g Group) Periods(gr period.Granularity, loc *time.Location) []PeriodGroup {
	var out []PeriodGroup
	byKey := make(map[string]int)
	slot := func(p period.Period) *PeriodGroup {
		i, ok := byKey[p.Key()]
		if !ok {
			i = len(out)
			byKey[p.Key()] = i
			out = append(out, PeriodGroup{Stream: g.Stream, Period: p})
		}
		return &out[i]
	}
	for _, f := range g.Files {
		own := period.Of(f.ID.Timestamp, gr, loc)
		pg := slot(own)
		pg.Files = append(pg.Files, f)

		last := f.ID.Timestamp.Add(BoundarySlack)
		for p := period.Of(f.ID.Timestamp.Add(-BoundarySlack), gr, loc); !p.Start.After(last); p = period.Of(p.End(), gr, loc) {
			if p.Key() != own.Key() {
				pg := slot(p)
				pg.Neighbors = append(pg.Neighbors, f)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Period.Start.Before(out[j].Period.Start)
	})
	return out
}

// Identities returns the identity of every file and neighbour in order.
func (pg PeriodGroup) Identities() []string {
	ids := make([]string, 0, len(pg.Files)+len(pg.Neighbors))
	for _, f := range pg.Files {
		ids = append(ids, f.Identity())
	}
	for _, f := range pg.Neighbors {
		ids = append(ids, f.Identity())
	}
	return ids
}

// ParseFailures counts files that carried the data extension but could not
// be decoded by the path codec. Sample keeps the first failures in walk order.
type ParseFailures struct {
	Count  int      `json:"count" yaml:"count"`
	Sample []string `json:"sample,omitempty" yaml:"sample,omitempty"`
}

// Result is the outcome of one scan.
type Result struct {
	Root          string
	Groups        []Group
	ParseFailures ParseFailures
	// Filtered counts files dropped by the include/exclude filter.
	Filtered int
}

// Stats are scan totals for logging and reports.
type Stats struct {
	Streams int   `json:"streams" yaml:"streams"`
	Files   int   `json:"files" yaml:"files"`
	Bytes   int64 `json:"bytes" yaml:"bytes"`
}

// Stats sums the groups.
func (r *Result) Stats() Stats {
	s := Stats{Streams: len(r.Groups)}
	for _, g := range r.Groups {
		s.Files += len(g.Files)
		for _, f := range g.Files {
			s.Bytes += f.Size
		}
	}
	return s
}

// Group returns the group for a stream, if present.
func (r *Result) Group(s pathcodec.StreamID) (Group, bool) {
	i := sort.Search(len(r.Groups), func(i int) bool {
		return r.Groups[i].Stream.Key() >= s.Key()
	})
	if i < len(r.Groups) && r.Groups[i].Stream == s {
		return r.Groups[i], true
	}
	return Group{}, false
}

// Indexer scans a raw tree. It keeps no state between calls.
type Indexer struct {
	Codec      pathcodec.Codec
	Filter     exclude.Filter
	SampleSize int
	Logger     *zap.Logger
}

// Index walks root and groups every parseable data file by stream.
// Files without the codec's extension are ignored. Files with the extension
// that fail to parse are counted in ParseFailures and excluded; a bad name or
// an unreadable directory never aborts the scan. Only a missing root or a
// cancelled context return an error.
func (ix *Indexer) Index(ctx context.Context, root string) (*Result, error) {
	logger := ix.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sampleSize := ix.SampleSize
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("index %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("index %s: not a directory", root)
	}

	result := &Result{Root: root}
	fail := func(rel string) {
		result.ParseFailures.Count++
		if len(result.ParseFailures.Sample) < sampleSize {
			result.ParseFailures.Sample = append(result.ParseFailures.Sample, rel)
		}
	}

	byStream := make(map[pathcodec.StreamID][]RawFile)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if walkErr != nil {
			logger.Warn("unreadable path during scan", zap.String("path", rel), zap.Error(walkErr))
			fail(rel)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if path != root && exclude.SkipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}

		if exclude.SkipFile(d.Name()) || !ix.Codec.HasExtension(d.Name()) {
			return nil
		}

		id, parseErr := ix.Codec.Parse(rel)
		if parseErr != nil {
			logger.Debug("unparseable data file", zap.String("path", rel), zap.Error(parseErr))
			fail(rel)
			return nil
		}

		if !ix.Filter.AllowComponents([]string{id.Stream.Site, id.Stream.Participant, id.Stream.Metric}) {
			result.Filtered++
			return nil
		}

		fi, statErr := d.Info()
		if statErr != nil {
			logger.Warn("stat failed during scan", zap.String("path", rel), zap.Error(statErr))
			fail(rel)
			return nil
		}

		byStream[id.Stream] = append(byStream[id.Stream], RawFile{
			Path:    path,
			Rel:     rel,
			ID:      id,
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("index %s: %w", root, err)
	}

	result.Groups = make([]Group, 0, len(byStream))
	for stream, files := range byStream {
		SortFiles(files)
		result.Groups = append(result.Groups, Group{Stream: stream, Files: files})
	}
	sort.Slice(result.Groups, func(i, j int) bool {
		return result.Groups[i].Stream.Key() < result.Groups[j].Stream.Key()
	})

	logger.Debug("walked raw tree",
		zap.String("root", root),
		zap.Int("streams", len(result.Groups)),
		zap.Int("parse_failures", result.ParseFailures.Count),
	)
	return result, nil
}

// SortFiles orders files by (timestamp, sequence, relative path). This is
// also the merge precedence order: later files override earlier ones.
func SortFiles(files []RawFile) {
	sort.SliceStable(files, func(i, j int) bool {
		a, b := files[i].ID, files[j].ID
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.Sequence != b.Sequence {
			return a.Sequence < b.Sequence
		}
		return files[i].Rel < files[j].Rel
	})
}
