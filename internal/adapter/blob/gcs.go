// Package blob stores rendered poster artifacts in Google Cloud Storage
// and derives their public URLs.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/fairyhunter13/posterforge/internal/domain"
)

const uploadTimeout = 2 * time.Minute

// Store implements domain.BlobStore on a GCS bucket. When cdnBaseURL is
// set, public URLs are served from the CDN instead of the bucket endpoint.
type Store struct {
	client     *storage.Client
	bucket     string
	cdnBaseURL string
}

// NewStore constructs a Store using application default credentials.
func NewStore(ctx context.Context, bucket, cdnBaseURL string) (*Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("missing bucket name")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}
	return &Store{
		client:     client,
		bucket:     bucket,
		cdnBaseURL: strings.TrimSuffix(cdnBaseURL, "/"),
	}, nil
}

// Put writes data at key and returns the public URL of the object.
func (s *Store) Put(ctx domain.Context, key string, data []byte, contentType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("op=blob.put: write %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("op=blob.put: close %q: %w", key, err)
	}
	return s.URL(key), nil
}

// URL derives the public URL for a stored key.
func (s *Store) URL(key string) string {
	if s.cdnBaseURL != "" {
		return fmt.Sprintf("%s/%s", s.cdnBaseURL, key)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, key)
}

// Delete removes an object; missing objects are not an error.
func (s *Store) Delete(ctx domain.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
	if err != nil && err != storage.ErrObjectNotExist {
		return fmt.Errorf("op=blob.delete: %q: %w", key, err)
	}
	return nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
