package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/git-pkgs/depot/internal/core"
)

func writeZip(w io.Writer, srcDir string, entries []core.FileEntry) error {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.DefaultCompression)
	})

	for _, e := range entries {
		header := &zip.FileHeader{
			Name:     e.Path,
			Method:   zip.Deflate,
			Modified: epoch,
		}
		header.SetMode(memberMode)

		dst, err := zw.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("failed to write header for %s: %w", e.Path, err)
		}
		if err := copyFrom(dst, filepath.Join(srcDir, filepath.FromSlash(e.Path))); err != nil {
			return fmt.Errorf("failed to write content for %s: %w", e.Path, err)
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finishing zip: %w", err)
	}
	return nil
}

// readZip lists the members of a zip file, extracting them into destDir
// when it is non-empty.
func readZip(archivePath, destDir string) ([]string, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("opening zip: %w", err)
	}
	defer func() { _ = zr.Close() }()

	members := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		isDir := strings.HasSuffix(f.Name, "/")
		name, err := cleanMember(strings.TrimSuffix(f.Name, "/"))
		if err != nil {
			return nil, err
		}
		if !isDir {
			members = append(members, name)
		}
		if destDir == "" {
			continue
		}

		full, err := target(destDir, name)
		if err != nil {
			return nil, err
		}
		if isDir {
			if err := os.MkdirAll(full, 0o755); err != nil {
				return nil, err
			}
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening member %s: %w", name, err)
		}
		err = writeFile(full, rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("extracting %s: %w", name, err)
		}
	}
	return members, nil
}

func copyFrom(dst io.Writer, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = io.Copy(dst, f)
	return err
}

func writeFile(full string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, memberMode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
