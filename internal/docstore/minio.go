package docstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	defaultURLExpiry = 15 * time.Minute
)

type MinioOpts func(c *minioConfig)

type minioConfig struct {
	endpoint        string
	bucket          string
	accessKey       string
	secretAccessKey string
	useSSL          bool
	urlExpiry       time.Duration
}

func newConfig(opts ...MinioOpts) *minioConfig {
	cfg := &minioConfig{
		useSSL:    false,
		urlExpiry: defaultURLExpiry,
	}

	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

type minioStore struct {
	cfg    *minioConfig
	client *minio.Client
}

var _ Store = (*minioStore)(nil)

func NewMinioStore(opts ...MinioOpts) (*minioStore, error) {
	cfg := newConfig(opts...)

	minioClient, err := minio.New(cfg.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.accessKey, cfg.secretAccessKey, ""),
		Secure: cfg.useSSL,
	})
	if err != nil {
		return nil, err
	}

	return &minioStore{cfg: cfg, client: minioClient}, nil
}

// Store uploads the document and returns the object key as the handle. The
// original filename is kept as the key suffix so downloads keep a meaningful
// name.
func (s *minioStore) Store(ctx context.Context, r io.Reader, size int64, filename, mimeType string) (string, error) {
	ref := path.Join(uuid.NewString(), filename)

	_, err := s.client.PutObject(ctx, s.cfg.bucket, ref, r, size, minio.PutObjectOptions{
		ContentType: mimeType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to store document: %w", err)
	}

	return ref, nil
}

// Resolve returns a presigned URL for the handle, or ErrNotFound when the
// object is gone.
func (s *minioStore) Resolve(ctx context.Context, ref string) (string, error) {
	if _, err := s.client.StatObject(ctx, s.cfg.bucket, ref, minio.StatObjectOptions{}); err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
			return "", ErrNotFound
		}
		return "", err
	}

	signed, err := s.client.PresignedGetObject(ctx, s.cfg.bucket, ref, s.cfg.urlExpiry, url.Values{})
	if err != nil {
		return "", err
	}

	return signed.String(), nil
}

func WithEndpoint(endpoint string) MinioOpts {
	return func(c *minioConfig) {
		c.endpoint = endpoint
	}
}

func WithBucket(bucket string) MinioOpts {
	return func(c *minioConfig) {
		c.bucket = bucket
	}
}

func WithAccessKey(accessKey string) MinioOpts {
	return func(c *minioConfig) {
		c.accessKey = accessKey
	}
}

func WithSecretKey(secretAccessKey string) MinioOpts {
	return func(c *minioConfig) {
		c.secretAccessKey = secretAccessKey
	}
}

func WithUseSSL(useSSL bool) MinioOpts {
	return func(c *minioConfig) {
		c.useSSL = useSSL
	}
}

func WithURLExpiry(expiry time.Duration) MinioOpts {
	return func(c *minioConfig) {
		c.urlExpiry = expiry
	}
}
