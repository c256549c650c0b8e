// Package scan walks a directory tree and produces the file manifest of a
// package: one entry per retained regular file with its size and digest.
package scan

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/git-pkgs/depot/digest"
	"github.com/git-pkgs/depot/internal/core"
)

// Scanner builds manifests. The zero value is not usable; call New.
type Scanner struct {
	rules  Rules
	algo   digest.Algorithm
	logger *slog.Logger
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithIgnore replaces the default ignore rules.
func WithIgnore(patterns ...string) Option {
	return func(s *Scanner) {
		s.rules = NewRules(patterns)
	}
}

// WithExtraIgnore adds rules on top of the current ones.
func WithExtraIgnore(patterns ...string) Option {
	return func(s *Scanner) {
		s.rules = append(s.rules, NewRules(patterns)...)
	}
}

// WithAlgorithm sets the digest algorithm used for file hashes.
func WithAlgorithm(a digest.Algorithm) Option {
	return func(s *Scanner) {
		s.algo = a
	}
}

// WithLogger sets the logger that records dropped files at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scanner) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Scanner using DefaultIgnore and sha256 unless overridden.
func New(opts ...Option) *Scanner {
	s := &Scanner{
		rules:  NewRules(DefaultIgnore),
		algo:   digest.Default,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan walks root with the default configuration.
func Scan(root string) ([]core.FileEntry, core.Summary, error) {
	return New().Scan(root)
}

// Scan walks root and returns entries sorted by path. Files that cannot be
// read are left out of the manifest instead of failing the scan.
func (s *Scanner) Scan(root string) ([]core.FileEntry, core.Summary, error) {
	if !s.algo.Supported() {
		return nil, core.Summary{}, fmt.Errorf("%w: %q", digest.ErrUnsupportedAlgorithm, s.algo)
	}

	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, core.Summary{}, fmt.Errorf("%w: %s", core.ErrDirectoryNotFound, root)
		}
		return nil, core.Summary{}, fmt.Errorf("stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, core.Summary{}, fmt.Errorf("%w: %s", core.ErrNotADirectory, root)
	}

	var entries []core.FileEntry
	var summary core.Summary

	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			s.logger.Debug("skipping unreadable path", "path", p, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if p == root {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if s.skipDir(rel) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || s.rules.Match(rel) {
			return nil
		}

		entry, ok := s.entry(p, rel)
		if !ok {
			return nil
		}
		entries = append(entries, entry)
		summary.TotalFiles++
		summary.TotalSize += entry.Size
		return nil
	})
	if walkErr != nil {
		return nil, core.Summary{}, fmt.Errorf("walking %s: %w", root, walkErr)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})

	return entries, summary, nil
}

// skipDir prunes directories that a literal rule names, since every file
// beneath them would match the same segment.
func (s *Scanner) skipDir(rel string) bool {
	for _, r := range s.rules {
		if !r.isGlob() && r.Match(rel) {
			return true
		}
	}
	return false
}

func (s *Scanner) entry(full, rel string) (core.FileEntry, bool) {
	f, err := os.Open(full)
	if err != nil {
		s.logger.Debug("dropping unreadable file", "path", rel, "error", err)
		return core.FileEntry{}, false
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		s.logger.Debug("dropping unreadable file", "path", rel, "error", err)
		return core.FileEntry{}, false
	}

	tok, err := digest.Stream(f, s.algo)
	if err != nil {
		s.logger.Debug("dropping unreadable file", "path", rel, "error", err)
		return core.FileEntry{}, false
	}

	return core.FileEntry{Path: rel, Size: info.Size(), Hash: tok}, true
}
