// Package blob stores build artifacts in S3-compatible object storage.
package blob

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/narvanalabs/buildstream/pkg/config"
)

// Validate checks that cfg can be used to build a client.
func Validate(cfg config.BlobConfig) error {
	var errs []error
	if cfg.Endpoint == "" {
		errs = append(errs, errors.New("blob endpoint is required"))
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		errs = append(errs, errors.New("blob credentials are required"))
	}
	if cfg.Bucket == "" {
		errs = append(errs, errors.New("blob bucket is required"))
	}
	return errors.Join(errs...)
}

// NewMinIOClient creates an object storage client.
func NewMinIOClient(cfg config.BlobConfig) (*minio.Client, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	}
	return minio.New(cfg.Endpoint, opts)
}

// Store uploads files into one bucket.
type Store struct {
	client *minio.Client
	bucket string
	region string
}

// New returns a store writing to cfg.Bucket.
func New(client *minio.Client, cfg config.BlobConfig) *Store {
	return &Store{client: client, bucket: cfg.Bucket, region: cfg.Region}
}

// EnsureBucket creates the bucket if it does not exist.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("creating bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Upload stores the file at filePath under key.
func (s *Store) Upload(ctx context.Context, key, filePath, contentType string) error {
	_, err := s.client.FPutObject(ctx, s.bucket, key, filePath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	return nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
