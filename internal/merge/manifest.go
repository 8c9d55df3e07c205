package merge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mhmlab/mhm/internal/pathcodec"
	"github.com/mhmlab/mhm/internal/period"
	"github.com/mhmlab/mhm/internal/records"
)

// SkippedFile is a raw file left out of a merge.
type SkippedFile struct {
	Path   string `json:"path" yaml:"path"`
	Reason string `json:"reason" yaml:"reason"`
}

// MergedFile describes one merged output. It is persisted next to the data
// file as its manifest and is the record of which raw files built it.
type MergedFile struct {
	// Path is relative to the merged root.
	Path        string             `json:"path" yaml:"path"`
	Stream      pathcodec.StreamID `json:"stream" yaml:"stream"`
	Granularity period.Granularity `json:"granularity" yaml:"granularity"`
	PeriodKey   string             `json:"period" yaml:"period"`
	RowCount    int                `json:"row_count" yaml:"row_count"`
	Start       *time.Time         `json:"start,omitempty" yaml:"start,omitempty"`
	End         *time.Time         `json:"end,omitempty" yaml:"end,omitempty"`
	GeneratedAt time.Time          `json:"generated_at" yaml:"generated_at"`
	// Sources lists the identity of every raw file in the covering set,
	// including neighbouring files, superseded duplicates and skipped files.
	Sources    []string      `json:"sources" yaml:"sources"`
	Superseded []string      `json:"superseded,omitempty" yaml:"superseded,omitempty"`
	Skipped    []SkippedFile `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	// DroppedRows counts rows without a usable timestamp.
	DroppedRows int `json:"dropped_rows,omitempty" yaml:"dropped_rows,omitempty"`
	// OutOfPeriod counts rows of this period's own files that fell in no
	// period the file was offered to, so no merged file holds them.
	OutOfPeriod int `json:"out_of_period,omitempty" yaml:"out_of_period,omitempty"`
}

// Period returns the period the file covers.
func (m *MergedFile) Period() (period.Period, error) {
	return period.Parse(m.PeriodKey, m.Granularity)
}

// Days returns the calendar day range covered by the file's rows, in loc.
func (m *MergedFile) Days(loc *time.Location) (from, to period.Date, ok bool) {
	if m.Start == nil || m.End == nil {
		return period.Date{}, period.Date{}, false
	}
	return period.DateOf(*m.Start, loc), period.DateOf(*m.End, loc), true
}

// ReadManifest loads a manifest file.
func ReadManifest(path string) (*MergedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m MergedFile
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &m, nil
}

func writeManifest(path string, m *MergedFile) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return records.WriteBytesAtomic(path, append(data, '\n'))
}

// sameSources compares identity sets, ignoring order.
func sameSources(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

// Existing lists the merged files recorded for a stream, ordered by period.
func (m *Merger) Existing(stream pathcodec.StreamID) ([]*MergedFile, error) {
	dir := filepath.Join(m.Root, stream.Site, stream.Participant, filepath.FromSlash(stream.Metric))
	matches, err := filepath.Glob(filepath.Join(dir, "*"+pathcodec.ManifestSuffix))
	if err != nil {
		return nil, err
	}
	var out []*MergedFile
	for _, path := range matches {
		mf, err := ReadManifest(path)
		if err != nil {
			return nil, err
		}
		if mf.Stream != stream {
			continue
		}
		out = append(out, mf)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PeriodKey < out[j].PeriodKey
	})
	return out, nil
}
