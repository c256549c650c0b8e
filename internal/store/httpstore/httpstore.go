// Package httpstore is a read-only blob store over a static HTTP mirror,
// such as a CDN in front of a release bucket.
package httpstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/git-pkgs/depot/fetch"
	"github.com/git-pkgs/depot/internal/core"
)

// ErrReadOnly is returned by mutating operations.
var ErrReadOnly = errors.New("http store is read-only")

func init() {
	core.RegisterStore(core.StorageHTTP, func(_ context.Context, opts core.StoreOptions) (core.BlobStore, error) {
		return New(opts.BaseURL, fetch.NewCircuitBreakerFetcher(fetch.NewFetcher(fetch.WithTimeout(opts.Timeout))))
	})
}

// Store reads keys as paths below a base URL.
type Store struct {
	base   *url.URL
	getter fetch.Getter
}

// New returns a store rooted at baseURL using g for requests.
func New(baseURL string, g fetch.Getter) (*Store, error) {
	if baseURL == "" {
		return nil, errors.New("http store: base URL is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("http store: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("http store: unsupported scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return &Store{base: u, getter: g}, nil
}

func (s *Store) Kind() core.StorageKind { return core.StorageHTTP }

// URL returns the absolute URL of key.
func (s *Store) URL(key string) string {
	ref := &url.URL{Path: strings.TrimPrefix(key, "/")}
	return s.base.ResolveReference(ref).String()
}

func (s *Store) Put(context.Context, string, io.Reader, map[string]string) error {
	return ErrReadOnly
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	artifact, err := s.getter.Fetch(ctx, s.URL(key))
	if errors.Is(err, fetch.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", core.ErrBlobNotFound, s.URL(key))
	}
	if err != nil {
		return nil, err
	}
	return artifact.Body, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, _, err := s.getter.Head(ctx, s.URL(key))
	if errors.Is(err, fetch.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) Delete(context.Context, string) error {
	return ErrReadOnly
}

// List is not possible without an index on the server.
func (s *Store) List(context.Context, string) ([]string, error) {
	return nil, fmt.Errorf("http store: listing is not supported")
}

// SignedURL returns the plain URL; access is governed by the server.
func (s *Store) SignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return s.URL(key), nil
}

func (s *Store) Ref(key string) core.StorageRef {
	return core.StorageRef{Kind: core.StorageHTTP, Path: s.URL(key), Key: key}
}
