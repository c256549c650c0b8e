// Package archive packs manifest files into a single deterministic
// compressed archive, unpacks archives, and verifies them against a digest.
//
// Two formats are supported and chosen by file extension: ".zip" (deflate)
// and ".tar.zst" (tar compressed with zstd). Member timestamps and modes are
// fixed so identical inputs always produce byte-identical archives.
package archive

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/git-pkgs/depot/digest"
	"github.com/git-pkgs/depot/internal/core"
)

// Format is an archive container format.
type Format string

const (
	FormatZip    Format = "zip"
	FormatTarZst Format = "tar.zst"
)

// DefaultFormat is used when no format is configured.
const DefaultFormat = FormatZip

var (
	ErrUnknownFormat = errors.New("unknown archive format")
	ErrUnsafePath    = errors.New("archive member escapes destination")
)

// epoch is the modification time written for every member.
var epoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

const memberMode = 0o644

// Ext returns the file extension for f, including the leading dot.
func (f Format) Ext() string {
	return "." + string(f)
}

// ParseFormat accepts "zip", "tar.zst" and the empty string (DefaultFormat).
func ParseFormat(s string) (Format, error) {
	switch Format(strings.TrimPrefix(strings.ToLower(s), ".")) {
	case "":
		return DefaultFormat, nil
	case FormatZip:
		return FormatZip, nil
	case FormatTarZst, "tzst":
		return FormatTarZst, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// FormatOf infers the format of an archive from its file name.
func FormatOf(name string) (Format, error) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, FormatTarZst.Ext()), strings.HasSuffix(lower, ".tzst"):
		return FormatTarZst, nil
	case strings.HasSuffix(lower, FormatZip.Ext()):
		return FormatZip, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownFormat, name)
	}
}

// FileName returns the conventional archive file name "{name}_v{version}.{ext}".
func FileName(name, version string, f Format) string {
	return fmt.Sprintf("%s_v%s%s", name, version, f.Ext())
}

// Result describes a packed archive.
type Result struct {
	Path string
	Size int64
	Hash digest.Token
}

// Archiver packs and unpacks archives.
type Archiver struct {
	algo digest.Algorithm
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithAlgorithm sets the algorithm for the whole-archive digest.
func WithAlgorithm(a digest.Algorithm) Option {
	return func(ar *Archiver) {
		ar.algo = a
	}
}

// New creates an Archiver hashing with sha256 unless overridden.
func New(opts ...Option) *Archiver {
	a := &Archiver{algo: digest.Default}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Pack writes entries from srcDir into dest in manifest order. The format
// follows dest's extension. The returned hash is computed from the file on
// disk after it has been closed.
func (a *Archiver) Pack(srcDir string, entries []core.FileEntry, dest string) (*Result, error) {
	if !a.algo.Supported() {
		return nil, fmt.Errorf("%w: %q", digest.ErrUnsupportedAlgorithm, a.algo)
	}
	format, err := FormatOf(dest)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if _, err := cleanMember(e.Path); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".pack-*")
	if err != nil {
		return nil, fmt.Errorf("creating archive file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	switch format {
	case FormatTarZst:
		err = writeTarZst(tmp, srcDir, entries)
	default:
		err = writeZip(tmp, srcDir, entries)
	}
	if err != nil {
		_ = tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("closing archive: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return nil, fmt.Errorf("moving archive into place: %w", err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return nil, err
	}
	tok, err := digest.File(dest, a.algo)
	if err != nil {
		return nil, fmt.Errorf("hashing archive: %w", err)
	}

	return &Result{Path: dest, Size: info.Size(), Hash: tok}, nil
}

// Unpack extracts every member of archivePath into destDir, creating it if
// needed, and returns the member paths in archive order.
func (a *Archiver) Unpack(archivePath, destDir string) ([]string, error) {
	format, err := FormatOf(archivePath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating destination: %w", err)
	}

	switch format {
	case FormatTarZst:
		return readTarZst(archivePath, destDir)
	default:
		return readZip(archivePath, destDir)
	}
}

// Verify recomputes the digest of archivePath with expected's algorithm and
// reports whether it matches.
func (a *Archiver) Verify(archivePath string, expected digest.Token) (bool, error) {
	return digest.VerifyFile(archivePath, expected)
}

// List returns the member paths of archivePath without extracting.
func (a *Archiver) List(archivePath string) ([]string, error) {
	format, err := FormatOf(archivePath)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatTarZst:
		return readTarZst(archivePath, "")
	default:
		return readZip(archivePath, "")
	}
}

var std = New()

// Pack packs with a default Archiver.
func Pack(srcDir string, entries []core.FileEntry, dest string) (*Result, error) {
	return std.Pack(srcDir, entries, dest)
}

// Unpack unpacks with a default Archiver.
func Unpack(archivePath, destDir string) ([]string, error) {
	return std.Unpack(archivePath, destDir)
}

// Verify checks archivePath against expected.
func Verify(archivePath string, expected digest.Token) (bool, error) {
	return std.Verify(archivePath, expected)
}

// List lists the members of archivePath.
func List(archivePath string) ([]string, error) {
	return std.List(archivePath)
}

// cleanMember normalizes a member name and rejects names that would land
// outside the extraction root.
func cleanMember(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	cleaned := path.Clean(name)
	if name == "" || path.IsAbs(name) || cleaned == "." || cleaned == ".." ||
		strings.HasPrefix(cleaned, "../") || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return cleaned, nil
}

// target resolves a member inside destDir.
func target(destDir, member string) (string, error) {
	cleaned, err := cleanMember(member)
	if err != nil {
		return "", err
	}
	full := filepath.Join(destDir, filepath.FromSlash(cleaned))
	rel, err := filepath.Rel(destDir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, member)
	}
	return full, nil
}
