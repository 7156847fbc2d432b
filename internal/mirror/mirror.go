// Package mirror publishes materialized builds to S3-compatible object
// storage. Publication is a copy: the local build directory stays the source
// of truth.
package mirror

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultRegion = "us-east-1"

// Config describes the target bucket.
type Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// objectStore is the subset of *minio.Client used here.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Result summarizes one publication.
type Result struct {
	Bucket  string
	Prefix  string
	Objects int
}

// Publisher uploads build directories.
type Publisher struct {
	client objectStore
	bucket string
	prefix string
	region string
	logger *slog.Logger

	initOnce sync.Once
	initErr  error
}

// New connects a publisher to the configured endpoint.
func New(cfg Config, logger *slog.Logger) (*Publisher, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("mirror: endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("mirror: access key and secret key are required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("mirror: bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = defaultRegion
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("mirror: init client: %w", err)
	}
	return newPublisher(client, cfg.Bucket, cfg.Prefix, region, logger), nil
}

func newPublisher(client objectStore, bucket, prefix, region string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Publisher{
		client: client,
		bucket: strings.TrimSpace(bucket),
		prefix: strings.Trim(strings.TrimSpace(prefix), "/"),
		region: region,
		logger: logger,
	}
}

// Bucket returns the target bucket.
func (p *Publisher) Bucket() string {
	return p.bucket
}

func (p *Publisher) ensureBucket(ctx context.Context) error {
	p.initOnce.Do(func() {
		exists, err := p.client.BucketExists(ctx, p.bucket)
		if err != nil {
			p.initErr = err
			return
		}
		if exists {
			return
		}
		p.initErr = p.client.MakeBucket(ctx, p.bucket, minio.MakeBucketOptions{Region: p.region})
	})
	return p.initErr
}

// Publish uploads every regular file below dir under <prefix>/<key>/.
func (p *Publisher) Publish(ctx context.Context, dir, key string) (Result, error) {
	key = strings.Trim(strings.TrimSpace(key), "/")
	if key == "" {
		return Result{}, fmt.Errorf("mirror: object key is required")
	}
	if err := p.ensureBucket(ctx); err != nil {
		return Result{}, fmt.Errorf("mirror: ensure bucket %s: %w", p.bucket, err)
	}
	base := path.Join(p.prefix, key)
	res := Result{Bucket: p.bucket, Prefix: base}
	err := filepath.WalkDir(dir, func(file string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, file)
		if err != nil {
			return err
		}
		object := path.Join(base, filepath.ToSlash(rel))
		contentType := mime.TypeByExtension(filepath.Ext(file))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if _, err := p.client.FPutObject(ctx, p.bucket, object, file, minio.PutObjectOptions{ContentType: contentType}); err != nil {
			return fmt.Errorf("put %s: %w", object, err)
		}
		res.Objects++
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("mirror: publish %s: %w", dir, err)
	}
	p.logger.Info("build mirrored", "bucket", p.bucket, "prefix", base, "objects", res.Objects)
	return res, nil
}
