package s3

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds object-storage connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Uploader implements domain.Uploader against any S3-compatible store
// via minio-go.
type Uploader struct {
	client *minio.Client
	bucket string
}

// New creates an uploader and ensures the bucket exists.
func New(ctx context.Context, cfg Config) (*Uploader, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("object storage client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &Uploader{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads a local file under the given key.
func (u *Uploader) Put(ctx context.Context, localPath, key, contentType string) error {
	_, err := u.client.FPutObject(ctx, u.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

// Presign returns a time-limited GET URL for the key.
func (u *Uploader) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	signed, err := u.client.PresignedGetObject(ctx, u.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", err
	}
	return signed.String(), nil
}

// Remove deletes the object. Missing keys are not an error.
func (u *Uploader) Remove(ctx context.Context, key string) error {
	return u.client.RemoveObject(ctx, u.bucket, key, minio.RemoveObjectOptions{})
}
