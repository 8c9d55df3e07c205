package metadata

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mhmlab/mhm/internal/merge"
	"github.com/mhmlab/mhm/internal/pathcodec"
	"github.com/mhmlab/mhm/internal/records"
)

// Extractor computes StreamMetadata from raw or merged files.
type Extractor struct {
	TimeColumns   []string
	DeviceColumns []string
	Location      *time.Location
	Cache         Cache
	Logger        *zap.Logger
}

func (e *Extractor) loc() *time.Location {
	if e.Location == nil {
		return time.UTC
	}
	return e.Location
}

func (e *Extractor) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// Extract makes one pass over every row of every file. Rows with an empty
// timestamp count toward RowCount but contribute no day. A file that cannot
// be read, a file with rows but no timestamp column, or a malformed
// timestamp fails the whole call with *ExtractionError.
func (e *Extractor) Extract(ctx context.Context, stream pathcodec.StreamID, paths []string) (*StreamMetadata, error) {
	out := New(stream)
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := e.extractFile(stream, path, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (e *Extractor) extractFile(stream pathcodec.StreamID, path string, out *StreamMetadata) error {
	t, err := records.ReadFile(path)
	if err != nil {
		return &ExtractionError{Stream: stream, Path: path, Err: err}
	}
	out.Files++
	if t.Len() == 0 {
		return nil
	}
	col := records.TimeColumn(t.Header, e.TimeColumns)
	if col == "" {
		return &ExtractionError{Stream: stream, Path: path, Err: fmt.Errorf("no timestamp column among %v", t.Header)}
	}
	idx := t.Column(col)
	for i, row := range t.Rows {
		out.RowCount++
		v := strings.TrimSpace(row[idx])
		if v == "" {
			continue
		}
		ts, err := records.ParseTime(v, e.loc())
		if err != nil {
			return &ExtractionError{Stream: stream, Path: path, Err: fmt.Errorf("row %d: %w", i+1, err)}
		}
		out.observe(ts, e.loc())
	}
	return nil
}

// ExtractMerged computes a stream's metadata from its merged files, one
// period at a time. Each period's result is cached under the file's
// generation time, so unchanged periods are not re-read.
func (e *Extractor) ExtractMerged(ctx context.Context, root string, files []*merge.MergedFile) (*StreamMetadata, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("extract: no merged files")
	}
	stream := files[0].Stream
	parts := make([]*StreamMetadata, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := CacheKey(f.Stream, f.PeriodKey)
		if e.Cache != nil {
			cached, ok, err := e.Cache.LookupMetadata(key, f.GeneratedAt)
			if err != nil {
				e.logger().Warn("metadata cache lookup failed", zap.String("key", key), zap.Error(err))
			} else if ok {
				parts = append(parts, cached)
				continue
			}
		}

		m, err := e.Extract(ctx, f.Stream, []string{filepath.Join(root, filepath.FromSlash(f.Path))})
		if err != nil {
			return nil, err
		}
		if e.Cache != nil {
			if err := e.Cache.StoreMetadata(key, f.GeneratedAt, m); err != nil {
				e.logger().Warn("metadata cache store failed", zap.String("key", key), zap.Error(err))
			}
		}
		parts = append(parts, m)
	}
	return Combine(stream, parts...), nil
}

// CacheKey is the cache key of one stream period.
func CacheKey(stream pathcodec.StreamID, periodKey string) string {
	return stream.Key() + "@" + periodKey
}

// DeviceColumn returns the configured device column present in header, else
// the first header containing "device", else "".
func DeviceColumn(header, configured []string) string {
	for _, c := range configured {
		for _, h := range header {
			if h == c {
				return c
			}
		}
	}
	for _, h := range header {
		if strings.Contains(strings.ToLower(h), "device") {
			return h
		}
	}
	return ""
}

// ExtractDevices splits a stream by device. Each sub-stream has metric
// "<metric>/<device>" and its own day set. It returns nil when no file has
// a device column. Rows with an empty device value are attributed to
// "unknown".
func (e *Extractor) ExtractDevices(ctx context.Context, stream pathcodec.StreamID, paths []string) ([]*StreamMetadata, error) {
	byDevice := make(map[string]*StreamMetadata)
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, err := records.ReadFile(path)
		if err != nil {
			return nil, &ExtractionError{Stream: stream, Path: path, Err: err}
		}
		devCol := DeviceColumn(t.Header, e.DeviceColumns)
		if devCol == "" || t.Len() == 0 {
			continue
		}
		timeCol := records.TimeColumn(t.Header, e.TimeColumns)
		if timeCol == "" {
			return nil, &ExtractionError{Stream: stream, Path: path, Err: fmt.Errorf("no timestamp column among %v", t.Header)}
		}
		di, ti := t.Column(devCol), t.Column(timeCol)
		seen := make(map[string]bool)
		for i, row := range t.Rows {
			device := strings.TrimSpace(row[di])
			if device == "" {
				device = "unknown"
			}
			m, ok := byDevice[device]
			if !ok {
				sub := stream
				sub.Metric = stream.Metric + "/" + device
				m = New(sub)
				byDevice[device] = m
			}
			if !seen[device] {
				seen[device] = true
				m.Files++
			}
			m.RowCount++
			v := strings.TrimSpace(row[ti])
			if v == "" {
				continue
			}
			ts, err := records.ParseTime(v, e.loc())
			if err != nil {
				return nil, &ExtractionError{Stream: stream, Path: path, Err: fmt.Errorf("row %d: %w", i+1, err)}
			}
			m.observe(ts, e.loc())
		}
	}
	if len(byDevice) == 0 {
		return nil, nil
	}
	out := make([]*StreamMetadata, 0, len(byDevice))
	for _, m := range byDevice {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stream.Metric < out[j].Stream.Metric })
	return out, nil
}
