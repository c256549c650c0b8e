// Package local stores blobs as files under a root directory.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/git-pkgs/depot/internal/core"
)

func init() {
	core.RegisterStore(core.StorageLocal, func(_ context.Context, opts core.StoreOptions) (core.BlobStore, error) {
		return New(opts.Root)
	})
}

// Store is a filesystem-backed BlobStore. Keys are slash-separated paths
// relative to the root.
type Store struct {
	root string
	mu   sync.RWMutex
}

// New creates the root directory if needed and returns a store over it.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("local store: root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure storage dir: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute storage directory.
func (s *Store) Root() string { return s.root }

func (s *Store) Kind() core.StorageKind { return core.StorageLocal }

// Path maps key to its file path, rejecting keys that escape the root.
func (s *Store) Path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(key, "/")))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("local store: invalid key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

// Put writes r to key via a temp file and rename. Metadata is ignored.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, _ map[string]string) error {
	path, err := s.Path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	_, err = io.Copy(tmp, readerWithContext(ctx, r))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write blob %s: %w", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to commit blob %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(_ context.Context, key string) (io.ReadCloser, error) {
	path, err := s.Path(key)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", core.ErrBlobNotFound, key)
	}
	return f, err
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	path, err := s.Path(key)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// Delete removes key. Missing keys are not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	path, err := s.Path(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// List returns all keys starting with prefix, sorted.
func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".blob-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// SignedURL returns a file:// URL. Local files carry no expiry.
func (s *Store) SignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	path, err := s.Path(key)
	if err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String(), nil
}

func (s *Store) Ref(key string) core.StorageRef {
	path, _ := s.Path(key)
	return core.StorageRef{Kind: core.StorageLocal, Path: path, Key: key}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	if ctx == nil {
		return r
	}
	return ctxReader{ctx: ctx, r: r}
}
