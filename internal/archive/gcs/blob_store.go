// Package gcs archives audit reports in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/JakeFAU/site-audit-scheduler/internal/archive"
)

// ErrAlreadyArchived is returned when an object already exists at the report's path.
var ErrAlreadyArchived = errors.New("report already archived")

// Config names the target bucket.
type Config struct {
	Bucket string
}

// BlobStore writes report objects once; an existing object is never replaced.
type BlobStore struct {
	client *storage.Client
	bucket string
}

// New creates a GCS-backed report store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{client: client, bucket: cfg.Bucket}, nil
}

// PutObject uploads a report in a single request and returns its gs:// URI.
// The object's content type, cache control and metadata come from obj.
func (s *BlobStore) PutObject(ctx context.Context, obj archive.Object, r io.Reader) (string, error) {
	if strings.TrimSpace(obj.Path) == "" {
		return "", fmt.Errorf("path is required")
	}
	handle := s.client.Bucket(s.bucket).Object(obj.Path).If(storage.Conditions{DoesNotExist: true})
	w := handle.NewWriter(ctx)
	// Reports are small; skip the resumable session.
	w.ChunkSize = 0
	w.ContentType = obj.ContentType
	w.CacheControl = obj.CacheControl
	w.Metadata = obj.Metadata

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("upload report %s: %w", obj.Path, err)
	}
	if err := w.Close(); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
			return "", fmt.Errorf("%w: gs://%s/%s", ErrAlreadyArchived, s.bucket, obj.Path)
		}
		return "", fmt.Errorf("finish report upload %s: %w", obj.Path, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, obj.Path), nil
}
