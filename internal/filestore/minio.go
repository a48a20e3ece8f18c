package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Minio stores blobs as objects in a single S3-compatible bucket.
type Minio struct {
	client   *minio.Client
	bucket   string
	maxBytes int64
}

func NewMinio(ctx context.Context, cfg MinioConfig, maxBytes int64) (*Minio, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
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
	return &Minio{client: client, bucket: cfg.Bucket, maxBytes: maxBytes}, nil
}

func (m *Minio) Save(ctx context.Context, upload Upload) (Object, error) {
	mimeType, err := Validate(upload, m.maxBytes)
	if err != nil {
		return Object{}, err
	}
	size := upload.Size
	if size <= 0 {
		size = -1
	}
	key := NewKey(upload.Name)
	info, err := m.client.PutObject(ctx, m.bucket, key, &limitedReader{r: upload.Body, max: m.maxBytes}, size, minio.PutObjectOptions{
		ContentType: mimeType,
	})
	if err != nil {
		_ = m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{})
		if errors.Is(err, ErrTooLarge) {
			return Object{}, ErrTooLarge
		}
		return Object{}, fmt.Errorf("put object: %w", err)
	}
	return Object{Key: key, Name: upload.Name, Size: info.Size, MimeType: mimeType}, nil
}

func (m *Minio) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	object, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	// GetObject is lazy; Stat surfaces a missing key.
	if _, err := object.Stat(); err != nil {
		_ = object.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat object: %w", err)
	}
	return object, nil
}

func (m *Minio) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

// Ping reports whether the bucket is reachable.
func (m *Minio) Ping(ctx context.Context) error {
	if _, err := m.client.BucketExists(ctx, m.bucket); err != nil {
		return fmt.Errorf("minio ping: %w", err)
	}
	return nil
}
