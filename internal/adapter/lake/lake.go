// Package lake implements flush.LakeAdapter over S3-compatible object
// storage, adapting the teacher's Uploader/NoopUploader split
// (internal/snapshot/uploader.go) from "upload one snapshot file per
// store" to "put/get/list/delete one flushed batch object per gateway."
package lake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotConfigured is returned by NoopAdapter, used when object storage is
// not configured and the flush pipeline is running database-only.
var ErrNotConfigured = errors.New("lake: object storage not configured")

// s3Client defines the minimal minio.Client operations this adapter uses,
// simplified the same way the teacher's s3Client seam wraps *minio.Client
// for testability without a live endpoint.
type s3Client interface {
	PutObject(ctx context.Context, bucket, object string, body []byte) error
	GetObject(ctx context.Context, bucket, object string) ([]byte, error)
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
	RemoveObject(ctx context.Context, bucket, object string) error
}

// minioClientWrapper adapts *minio.Client to s3Client, mirroring the
// teacher's minioClientWrapper.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) PutObject(ctx context.Context, bucket, object string, body []byte) error {
	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	_, err := w.client.PutObject(ctx, bucket, object, bytes.NewReader(body), int64(len(body)), opts)
	return err
}

func (w *minioClientWrapper) GetObject(ctx context.Context, bucket, object string) ([]byte, error) {
	obj, err := w.client.GetObject(ctx, bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

func (w *minioClientWrapper) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	for info := range w.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, info.Err
		}
		keys = append(keys, info.Key)
	}
	return keys, nil
}

func (w *minioClientWrapper) RemoveObject(ctx context.Context, bucket, object string) error {
	return w.client.RemoveObject(ctx, bucket, object, minio.RemoveObjectOptions{})
}

// Config configures a connection to an S3-compatible endpoint.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// Adapter is a flush.LakeAdapter backed by S3-compatible object storage.
type Adapter struct {
	client s3Client
	bucket string
}

// New creates an Adapter from cfg. Unlike the teacher's NewUploader, an
// empty bucket here is a caller mistake rather than a signal to fall back
// to a no-op: use NoopAdapter directly when object storage is
// intentionally disabled.
func New(cfg Config) (*Adapter, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("lake: bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("lake: create client: %w", err)
	}
	return &Adapter{client: &minioClientWrapper{client: client}, bucket: cfg.Bucket}, nil
}

// PutObject uploads body under key.
func (a *Adapter) PutObject(ctx context.Context, key string, body []byte) error {
	if err := a.client.PutObject(ctx, a.bucket, key, body); err != nil {
		return fmt.Errorf("lake: put object %s: %w", key, err)
	}
	return nil
}

// GetObject downloads the object at key.
func (a *Adapter) GetObject(ctx context.Context, key string) ([]byte, error) {
	data, err := a.client.GetObject(ctx, a.bucket, key)
	if err != nil {
		return nil, fmt.Errorf("lake: get object %s: %w", key, err)
	}
	return data, nil
}

// ListObjects lists every object key under prefix.
func (a *Adapter) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	keys, err := a.client.ListObjects(ctx, a.bucket, prefix)
	if err != nil {
		return nil, fmt.Errorf("lake: list objects under %s: %w", prefix, err)
	}
	return keys, nil
}

// DeleteObject removes the object at key.
func (a *Adapter) DeleteObject(ctx context.Context, key string) error {
	if err := a.client.RemoveObject(ctx, a.bucket, key); err != nil {
		return fmt.Errorf("lake: delete object %s: %w", key, err)
	}
	return nil
}

// NoopAdapter is used when object storage is not configured: every write
// is a no-op and every read returns ErrNotConfigured, matching the
// teacher's NoopUploader behavior for a disabled optional sink.
type NoopAdapter struct{}

func (NoopAdapter) PutObject(ctx context.Context, key string, body []byte) error { return nil }

func (NoopAdapter) GetObject(ctx context.Context, key string) ([]byte, error) {
	return nil, ErrNotConfigured
}

func (NoopAdapter) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	return nil, nil
}

func (NoopAdapter) DeleteObject(ctx context.Context, key string) error { return nil }
