// Package remote mirrors raw study files from an object store into the local
// raw tree.
package remote

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// Object is one listed remote object.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store lists and downloads objects.
type Store interface {
	List(ctx context.Context, prefix string) ([]Object, error)
	Download(ctx context.Context, key string, dst io.WriterAt) error
}

// S3Options configure an S3Store.
type S3Options struct {
	Bucket   string
	Region   string
	Endpoint string
}

// S3Store reads objects from one S3 bucket. Credentials come from the SDK's
// default provider chain.
type S3Store struct {
	bucket     string
	client     *s3.S3
	downloader *s3manager.Downloader
}

// NewS3Store opens a session for the bucket.
func NewS3Store(opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("remote bucket is not configured")
	}
	cfg := aws.NewConfig()
	if opts.Region != "" {
		cfg = cfg.WithRegion(opts.Region)
	}
	if opts.Endpoint != "" {
		// S3-compatible stores generally need path-style addressing.
		cfg = cfg.WithEndpoint(opts.Endpoint).WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            *cfg,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	client := s3.New(sess)
	return &S3Store{
		bucket:     opts.Bucket,
		client:     client,
		downloader: s3manager.NewDownloaderWithClient(client),
	}, nil
}

// List returns every object under prefix.
func (s *S3Store) List(ctx context.Context, prefix string) ([]Object, error) {
	var out []Object
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	err := s.client.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			out = append(out, Object{
				Key:          aws.StringValue(obj.Key),
				Size:         aws.Int64Value(obj.Size),
				LastModified: aws.TimeValue(obj.LastModified),
			})
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("list s3://%s/%s: %w", s.bucket, prefix, err)
	}
	return out, nil
}

// Download writes the object body to dst.
func (s *S3Store) Download(ctx context.Context, key string, dst io.WriterAt) error {
	_, err := s.downloader.DownloadWithContext(ctx, dst, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("download s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}
