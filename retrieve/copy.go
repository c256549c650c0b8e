package retrieve

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/git-pkgs/depot/fetch"
)

// downloader is implemented by getters that stream straight to disk.
type downloader interface {
	Download(ctx context.Context, url, dest string) (int64, error)
}

func fetchTo(ctx context.Context, g fetch.Getter, url, dest string) (int64, error) {
	if d, ok := g.(downloader); ok {
		return d.Download(ctx, url, dest)
	}
	a, err := g.Fetch(ctx, url)
	if err != nil {
		return 0, err
	}
	defer func() { _ = a.Body.Close() }()
	if err := writeAtomic(dest, a.Body); err != nil {
		return 0, err
	}
	info, err := os.Stat(dest)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// writeAtomic copies r to a temp file beside dest and renames it into place.
func writeAtomic(dest string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".retrieve-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	_, err = io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
