package summary

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/mhmlab/mhm/internal/merge"
	"github.com/mhmlab/mhm/internal/pathcodec"
	"github.com/mhmlab/mhm/internal/period"
	"github.com/mhmlab/mhm/internal/records"
)

// RecordSource supplies a stream's records for a period.
type RecordSource interface {
	// Load returns the stream's records covering p, or nil when there are none.
	Load(ctx context.Context, stream pathcodec.StreamID, p period.Period) (*records.Table, error)
	// Generation returns the newest generation time of the files Load would
	// read, and false when there are none.
	Generation(ctx context.Context, stream pathcodec.StreamID, p period.Period) (time.Time, bool, error)
}

// MergedSource reads merged files. Merged files of granularity Granularity
// that overlap the requested period are concatenated; the caller filters rows
// to the period.
type MergedSource struct {
	Root        string
	Codec       pathcodec.Codec
	Granularity period.Granularity
	Location    *time.Location
}

func (s *MergedSource) targets(stream pathcodec.StreamID, p period.Period) []string {
	var paths []string
	last := p.End().Add(-time.Nanosecond)
	for _, mp := range period.Range(p.Start, last, s.Granularity, s.Location) {
		paths = append(paths, filepath.Join(s.Root, filepath.FromSlash(s.Codec.Encode(stream, mp))))
	}
	return paths
}

// Load implements RecordSource.
func (s *MergedSource) Load(ctx context.Context, stream pathcodec.StreamID, p period.Period) (*records.Table, error) {
	var tables []*records.Table
	for _, path := range s.targets(stream, p) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, err := records.ReadFile(path)
		if err != nil {
			var derr *records.DecodeError
			if errors.As(err, &derr) && errors.Is(derr.Err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		tables = append(tables, t)
	}
	switch len(tables) {
	case 0:
		return nil, nil
	case 1:
		return tables[0], nil
	}
	return concat(tables), nil
}

// Generation implements RecordSource using the merged files' manifests.
func (s *MergedSource) Generation(ctx context.Context, stream pathcodec.StreamID, p period.Period) (time.Time, bool, error) {
	var newest time.Time
	found := false
	for _, path := range s.targets(stream, p) {
		if err := ctx.Err(); err != nil {
			return time.Time{}, false, err
		}
		mf, err := merge.ReadManifest(pathcodec.ManifestPath(path))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return time.Time{}, false, err
		}
		if !found || mf.GeneratedAt.After(newest) {
			newest = mf.GeneratedAt
		}
		found = true
	}
	return newest, found, nil
}

func concat(tables []*records.Table) *records.Table {
	out := &records.Table{}
	colIndex := make(map[string]int)
	for _, t := range tables {
		for _, h := range t.Header {
			if _, ok := colIndex[h]; !ok {
				colIndex[h] = len(out.Header)
				out.Header = append(out.Header, h)
			}
		}
	}
	for _, t := range tables {
		for _, row := range t.Rows {
			cells := make([]string, len(out.Header))
			for i, v := range row {
				cells[colIndex[t.Header[i]]] = v
			}
			out.Rows = append(out.Rows, cells)
		}
	}
	return out
}
