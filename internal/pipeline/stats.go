package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mhmlab/mhm/internal/coverage"
	"github.com/mhmlab/mhm/internal/exclude"
	"github.com/mhmlab/mhm/internal/merge"
	"github.com/mhmlab/mhm/internal/metadata"
	"github.com/mhmlab/mhm/internal/pathcodec"
	"github.com/mhmlab/mhm/internal/report"
)

// StatsOptions tune a metadata pass.
type StatsOptions struct {
	// Devices adds per-device sub-streams.
	Devices bool
	// Write writes the per-site and combined stats files to the reports dir.
	Write bool
}

// StatsResult is the metadata of every merged stream.
type StatsResult struct {
	Streams []*metadata.StreamMetadata `json:"streams" yaml:"streams"`
	Devices []*metadata.StreamMetadata `json:"devices,omitempty" yaml:"devices,omitempty"`
	Failed  []coverage.FailedStream    `json:"failed,omitempty" yaml:"failed,omitempty"`
	Outputs []string                   `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// MergedStreams reads every manifest under the merged root and groups the
// merged files by stream, each list ordered by period. The site filter is
// applied to the stream's components.
func (p *Pipeline) MergedStreams(ctx context.Context) (map[pathcodec.StreamID][]*merge.MergedFile, error) {
	root := p.mergedRoot()
	filter := p.Config.SiteFilter()
	out := make(map[pathcodec.StreamID][]*merge.MergedFile)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			p.logger().Warn("skipping unreadable path", zap.String("path", path), zap.Error(err))
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != root && exclude.SkipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), pathcodec.ManifestSuffix) {
			return nil
		}
		mf, err := merge.ReadManifest(path)
		if err != nil {
			p.logger().Warn("skipping unreadable manifest", zap.String("path", path), zap.Error(err))
			return nil
		}
		s := mf.Stream
		if !filter.AllowComponents([]string{s.Site, s.Participant, s.Metric}) {
			return nil
		}
		out[s] = append(out[s], mf)
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("merged root %s does not exist; run merge first", root)
		}
		return nil, err
	}

	for s := range out {
		files := out[s]
		sort.Slice(files, func(i, j int) bool { return files[i].PeriodKey < files[j].PeriodKey })
	}
	return out, nil
}

func sortedStreams(m map[pathcodec.StreamID][]*merge.MergedFile) []pathcodec.StreamID {
	keys := make([]pathcodec.StreamID, 0, len(m))
	for s := range m {
		keys = append(keys, s)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Key() < keys[j].Key() })
	return keys
}

// Stats extracts the metadata of every merged stream. A stream that cannot
// be read is recorded in run and in the result's Failed list.
func (p *Pipeline) Stats(ctx context.Context, run *report.Run, opts StatsOptions) (*StatsResult, error) {
	merged, err := p.MergedStreams(ctx)
	if err != nil {
		return nil, err
	}
	streams := sortedStreams(merged)
	root := p.mergedRoot()

	ex := &metadata.Extractor{
		TimeColumns:   p.Config.Extract.TimeColumns,
		DeviceColumns: p.Config.Extract.DeviceColumns,
		Location:      p.location(),
		Cache:         p.metadataCache(),
		Logger:        p.logger(),
	}

	results := make([]*metadata.StreamMetadata, len(streams))
	devices := make([][]*metadata.StreamMetadata, len(streams))
	var (
		mu     sync.Mutex
		failed []coverage.FailedStream
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(p.workers())
	for i, stream := range streams {
		i, stream := i, stream
		files := merged[stream]
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			m, err := ex.ExtractMerged(egCtx, root, files)
			if err != nil {
				if ctxErr := egCtx.Err(); ctxErr != nil {
					return ctxErr
				}
				p.logger().Error("metadata extraction failed", zap.String("stream", stream.Key()), zap.Error(err))
				run.AddFailedStream(stream.Key(), "", report.StageMetadata, err)
				p.Metrics.StreamFailed(report.StageMetadata)
				mu.Lock()
				failed = append(failed, coverage.FailedStream{Stream: stream, Error: err.Error()})
				mu.Unlock()
				return nil
			}
			results[i] = m
			run.AddStream()

			if opts.Devices {
				paths := make([]string, len(files))
				for j, f := range files {
					paths[j] = filepath.Join(root, filepath.FromSlash(f.Path))
				}
				subs, err := ex.ExtractDevices(egCtx, stream, paths)
				if err != nil {
					if ctxErr := egCtx.Err(); ctxErr != nil {
						return ctxErr
					}
					run.Warn("device split for %s failed: %v", stream.Key(), err)
					return nil
				}
				devices[i] = subs
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	res := &StatsResult{Failed: failed}
	for i := range streams {
		if results[i] != nil {
			res.Streams = append(res.Streams, results[i])
		}
		res.Devices = append(res.Devices, devices[i]...)
	}
	sort.Slice(res.Failed, func(i, j int) bool { return res.Failed[i].Stream.Key() < res.Failed[j].Stream.Key() })

	if opts.Write {
		all := append(append([]*metadata.StreamMetadata(nil), res.Streams...), res.Devices...)
		paths, err := metadata.WriteStatsCSV(p.reportsDir(), all, p.location())
		for _, path := range paths {
			run.AddOutput(path)
		}
		res.Outputs = paths
		if err != nil {
			return res, err
		}
	}

	p.logger().Info("extracted metadata",
		zap.Int("streams", len(res.Streams)),
		zap.Int("devices", len(res.Devices)),
		zap.Int("failed", len(res.Failed)),
	)
	return res, nil
}
