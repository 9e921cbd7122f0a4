// Package blobstore issues pre-signed upload and download URLs against an
// S3-compatible object store and owns the canonical artifact key layout.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Presigner is the object-store contract the engine depends on. The transfer
// itself happens outside the control plane once a URL is issued.
type Presigner interface {
	PresignPut(ctx context.Context, key, contentType string, sizeBytes int64, ttl time.Duration) (string, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Config for the MinIO-backed presigner.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

type Store struct {
	client *minio.Client
	bucket string
}

// New builds a presigner for an S3-compatible endpoint.
func New(cfg Config) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("object store endpoint required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("object store bucket required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("object store client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// PresignPut returns a time-boxed upload URL bound to the exact key and
// content type.
func (s *Store) PresignPut(ctx context.Context, key, contentType string, sizeBytes int64, ttl time.Duration) (string, error) {
	headers := http.Header{}
	if contentType != "" {
		headers.Set("Content-Type", contentType)
	}
	u, err := s.client.PresignHeader(ctx, http.MethodPut, s.bucket, key, ttl, url.Values{}, headers)
	if err != nil {
		return "", fmt.Errorf("presign put %s: %w", key, err)
	}
	return u.String(), nil
}

// PresignGet returns a time-boxed download URL for the key.
func (s *Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign get %s: %w", key, err)
	}
	return u.String(), nil
}

// ValidName rejects artifact names that could escape or collide with the
// session prefix: path traversal, absolute paths, and backslashes.
func ValidName(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	if strings.Contains(name, "..") {
		return false
	}
	if strings.HasPrefix(name, "/") {
		return false
	}
	if strings.Contains(name, `\`) {
		return false
	}
	return true
}

// SanitizeName replaces every character outside [A-Za-z0-9._-/] with '_'.
func SanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.' || r == '_' || r == '-' || r == '/':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// BuildKey anchors an artifact name to its owning project, session, and
// iteration. Handlers never accept a client-supplied full key for writes.
func BuildKey(projectID, sessionID string, iteration int, name string) string {
	return fmt.Sprintf("projects/%s/sessions/%s/iter/%d/%s", projectID, sessionID, iteration, SanitizeName(name))
}
