package pipeline

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/mhmlab/mhm/internal/remote"
	"github.com/mhmlab/mhm/internal/report"
)

// Fetch mirrors the configured remote prefix into the raw root.
func (p *Pipeline) Fetch(ctx context.Context, run *report.Run, store remote.Store, force bool) (*remote.SyncResult, error) {
	res, err := remote.Sync(ctx, store, p.Config.Remote.Prefix, p.rawRoot(), remote.SyncOptions{
		Filter:      p.Config.SiteFilter(),
		Force:       force,
		Concurrency: p.Config.Remote.Concurrency,
		Logger:      p.logger(),
	})
	if res != nil {
		for _, f := range res.Failed {
			run.AddFailedStream(f.Key, "", report.StageFetch, errors.New(f.Error))
			p.Metrics.StreamFailed(report.StageFetch)
		}
		p.Metrics.Remote("downloaded", len(res.Downloaded))
		p.Metrics.Remote("skipped", res.Skipped)
		p.Metrics.Remote("failed", len(res.Failed))
		p.logger().Info("fetched remote files",
			zap.Int("listed", res.Listed),
			zap.Int("downloaded", len(res.Downloaded)),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", len(res.Failed)),
		)
	}
	return res, err
}

// S3Store opens the configured bucket.
func (p *Pipeline) S3Store() (*remote.S3Store, error) {
	return remote.NewS3Store(remote.S3Options{
		Bucket:   p.Config.Remote.Bucket,
		Region:   p.Config.Remote.Region,
		Endpoint: p.Config.Remote.Endpoint,
	})
}
