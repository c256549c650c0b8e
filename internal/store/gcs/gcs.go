//go:build gcp

// Package gcs stores blobs in Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/git-pkgs/depot/internal/core"
)

func init() {
	core.RegisterStore(core.StorageGCS, func(ctx context.Context, opts core.StoreOptions) (core.BlobStore, error) {
		return New(ctx, Config{Bucket: opts.Bucket, Prefix: opts.Prefix})
	})
}

// Config holds configuration for Store.
type Config struct {
	Bucket string
	Prefix string // Optional key prefix
}

// Store implements core.BlobStore on a GCS bucket.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed store using application default credentials.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs store: bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *Store) Kind() core.StorageKind { return core.StorageGCS }

func (s *Store) key(key string) string {
	if s.prefix == "" || strings.HasPrefix(key, s.prefix) {
		return key
	}
	return s.prefix + key
}

func (s *Store) Put(ctx context.Context, key string, r io.Reader, meta map[string]string) error {
	w := s.client.Bucket(s.bucket).Object(s.key(key)).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.Metadata = meta

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed for %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close failed for %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := s.client.Bucket(s.bucket).Object(s.key(key)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: gs://%s/%s", core.ErrBlobNotFound, s.bucket, s.key(key))
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", key, err)
	}
	return rc, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(s.key(key)).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("gcs attrs error: %w", err)
	}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.client.Bucket(s.bucket).Object(s.key(key)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete failed for %s: %w", key, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.key(prefix)})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list failed for %s: %w", prefix, err)
		}
		keys = append(keys, strings.TrimPrefix(attrs.Name, s.prefix))
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	u, err := s.client.Bucket(s.bucket).SignedURL(s.key(key), &storage.SignedURLOptions{
		Method:  http.MethodGet,
		Expires: time.Now().Add(ttl),
		Scheme:  storage.SigningSchemeV4,
	})
	if err != nil {
		return "", fmt.Errorf("gcs sign failed for %s: %w", key, err)
	}
	return u, nil
}

func (s *Store) Ref(key string) core.StorageRef {
	return core.StorageRef{Kind: core.StorageGCS, Bucket: s.bucket, Key: s.key(key)}
}

// Close closes the GCS client.
func (s *Store) Close() error {
	return s.client.Close()
}
