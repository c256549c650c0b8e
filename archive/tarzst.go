package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/git-pkgs/depot/internal/core"
)

func writeTarZst(w io.Writer, srcDir string, entries []core.FileEntry) error {
	zw, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return fmt.Errorf("creating zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	for _, e := range entries {
		full := filepath.Join(srcDir, filepath.FromSlash(e.Path))
		info, err := os.Stat(full)
		if err != nil {
			_ = zw.Close()
			return fmt.Errorf("failed to stat %s: %w", e.Path, err)
		}

		header := &tar.Header{
			Name:     e.Path,
			Size:     info.Size(),
			Mode:     memberMode,
			ModTime:  epoch,
			Typeflag: tar.TypeReg,
			Format:   tar.FormatPAX,
		}
		if err := tw.WriteHeader(header); err != nil {
			_ = zw.Close()
			return fmt.Errorf("failed to write header for %s: %w", e.Path, err)
		}
		if err := copyFrom(tw, full); err != nil {
			_ = zw.Close()
			return fmt.Errorf("failed to write content for %s: %w", e.Path, err)
		}
	}

	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return fmt.Errorf("finishing tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finishing zstd: %w", err)
	}
	return nil
}

// readTarZst lists the members of a tar.zst file, extracting them into
// destDir when it is non-empty.
func readTarZst(archivePath, destDir string) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("opening zstd stream: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	var members []string
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading tar: %w", err)
		}

		name, err := cleanMember(header.Name)
		if err != nil {
			return nil, err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if destDir != "" {
				full, err := target(destDir, name)
				if err != nil {
					return nil, err
				}
				if err := os.MkdirAll(full, 0o755); err != nil {
					return nil, err
				}
			}
		case tar.TypeReg:
			members = append(members, name)
			if destDir == "" {
				continue
			}
			full, err := target(destDir, name)
			if err != nil {
				return nil, err
			}
			if err := writeFile(full, tr); err != nil {
				return nil, fmt.Errorf("extracting %s: %w", name, err)
			}
		default:
			return nil, fmt.Errorf("%w: unsupported member type for %q", ErrUnsafePath, name)
		}
	}
	return members, nil
}
