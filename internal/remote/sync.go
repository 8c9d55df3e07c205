package remote

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mhmlab/mhm/internal/exclude"
)

// SyncOptions tune Sync.
type SyncOptions struct {
	Filter exclude.Filter
	// Force downloads objects even when a local file of the same size exists.
	Force       bool
	Concurrency int
	Logger      *zap.Logger
}

// FailedObject is an object that could not be downloaded.
type FailedObject struct {
	Key   string `json:"key" yaml:"key"`
	Error string `json:"error" yaml:"error"`
}

// SyncResult counts what Sync did.
type SyncResult struct {
	Listed     int            `json:"listed" yaml:"listed"`
	Filtered   int            `json:"filtered" yaml:"filtered"`
	Skipped    int            `json:"skipped" yaml:"skipped"`
	Downloaded []string       `json:"downloaded,omitempty" yaml:"downloaded,omitempty"`
	Failed     []FailedObject `json:"failed,omitempty" yaml:"failed,omitempty"`
}

// Sync mirrors the objects under prefix into localRoot, keeping each key's
// path relative to prefix. Individual download failures are collected in the
// result; only listing failures and cancellation return an error.
func Sync(ctx context.Context, store Store, prefix, localRoot string, opts SyncOptions) (*SyncResult, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	limit := opts.Concurrency
	if limit <= 0 {
		limit = 1
	}

	objects, err := store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })

	res := &SyncResult{Listed: len(objects)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, obj := range objects {
		rel := strings.TrimPrefix(strings.TrimPrefix(obj.Key, prefix), "/")
		if rel == "" || strings.HasSuffix(obj.Key, "/") {
			continue
		}
		parts := exclude.Components(rel)
		if !opts.Filter.AllowComponents(parts) || exclude.SkipFile(parts[len(parts)-1]) {
			res.Filtered++
			continue
		}
		dst := filepath.Join(localRoot, filepath.FromSlash(rel))
		if !opts.Force {
			if info, err := os.Stat(dst); err == nil && info.Size() == obj.Size {
				res.Skipped++
				continue
			}
		}

		obj := obj
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			err := download(gctx, store, obj.Key, dst)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Warn("download failed", zap.String("key", obj.Key), zap.Error(err))
				res.Failed = append(res.Failed, FailedObject{Key: obj.Key, Error: err.Error()})
				return nil
			}
			log.Debug("downloaded", zap.String("key", obj.Key), zap.Int64("bytes", obj.Size))
			res.Downloaded = append(res.Downloaded, obj.Key)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return res, err
	}
	sort.Strings(res.Downloaded)
	sort.Slice(res.Failed, func(i, j int) bool { return res.Failed[i].Key < res.Failed[j].Key })
	return res, nil
}

// download writes key to a temp file next to dst and renames it into place,
// so an interrupted run never leaves a truncated data file.
func download(ctx context.Context, store Store, key, dst string) (err error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.part")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err := store.Download(ctx, key, tmp); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
