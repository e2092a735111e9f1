// Package backup archives project graphs to S3-compatible object storage
// before destructive operations.
package backup

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds object storage settings. An empty Endpoint disables backups.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Service uploads graph archives. A nil *Service is valid and inert, so
// callers never need to branch on whether backups are configured.
type Service struct {
	client *minio.Client
	bucket string
}

// New creates the backup service. Returns nil when no endpoint is set.
func New(cfg Config) (*Service, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "graphroom-backups"
	}
	return &Service{client: client, bucket: bucket}, nil
}

// EnsureBucket creates the backup bucket if it does not exist.
func (s *Service) EnsureBucket(ctx context.Context) error {
	if s == nil {
		return nil
	}
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

// UploadGraph stores a JSON archive of the project's graph under a
// timestamped key and returns the object name.
func (s *Service) UploadGraph(ctx context.Context, projectID string, payload []byte) (string, error) {
	if s == nil {
		return "", nil
	}
	objectName := fmt.Sprintf("projects/%s/%s.json", projectID, time.Now().UTC().Format("2006-01-02T15-04-05Z"))
	_, err := s.client.PutObject(ctx, s.bucket, objectName,
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", fmt.Errorf("upload backup %s: %w", objectName, err)
	}
	return objectName, nil
}
