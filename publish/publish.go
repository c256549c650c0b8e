// Package publish turns a source directory into a catalogued, content
// addressed package archive, stored locally or in a blob store.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/git-pkgs/depot/archive"
	"github.com/git-pkgs/depot/digest"
	"github.com/git-pkgs/depot/internal/core"
	"github.com/git-pkgs/depot/internal/logger"
	"github.com/git-pkgs/depot/manifest"
	"github.com/git-pkgs/depot/scan"
)

// DefaultSignedURLTTL is how long the download URL written into a remote
// sidecar stays valid.
const DefaultSignedURLTTL = 7 * 24 * time.Hour

// Options tunes a single publish.
type Options struct {
	Description     string
	Metadata        map[string]string
	IgnorePatterns  []string // added to the scanner defaults
	CaptureRevision bool
	Algorithm       digest.Algorithm // empty means digest.Default
	Format          archive.Format   // empty means archive.DefaultFormat
}

// Result describes a finished publish.
type Result struct {
	PackageID   string
	ArchivePath string // empty after a remote publish removed the local copy
	SidecarPath string
	Package     *core.Package

	// Existing is true when the catalog already held this name, version and
	// commit. PackageID then identifies the earlier row.
	Existing bool
}

// RevisionCapturer reads version-control state for a directory.
type RevisionCapturer interface {
	Capture(ctx context.Context, dir string) (*core.RevisionInfo, error)
}

// Publisher runs the publish pipeline against one catalog and output directory.
type Publisher struct {
	catalog      core.PackageCatalog
	outDir       string
	publisherID  string
	revisions    RevisionCapturer
	signedURLTTL time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithPublisherID records id as the publisher of every package.
func WithPublisherID(id string) Option {
	return func(p *Publisher) {
		p.publisherID = id
	}
}

// WithRevisionCapturer sets the source of revision info used when
// Options.CaptureRevision is set.
func WithRevisionCapturer(rc RevisionCapturer) Option {
	return func(p *Publisher) {
		p.revisions = rc
	}
}

// WithSignedURLTTL sets the validity of sidecar download URLs.
func WithSignedURLTTL(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.signedURLTTL = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger.OrDiscard(l)
	}
}

// WithClock overrides the time source for CreatedAt and upload_time.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		p.now = now
	}
}

// New creates a Publisher writing archives and sidecars under outDir.
func New(catalog core.PackageCatalog, outDir string, opts ...Option) *Publisher {
	p := &Publisher{
		catalog:      catalog,
		outDir:       outDir,
		signedURLTTL: DefaultSignedURLTTL,
		logger:       logger.Discard().Logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// built is the output of the shared steps before anything is persisted.
// The archive sits in a private staging directory under outDir until the
// catalog has accepted it.
type built struct {
	pkg         *core.Package
	stagedPath  string
	archivePath string
	stageDir    string
}

// promote moves the staged archive to its final path.
func (b *built) promote() error {
	if err := os.Rename(b.stagedPath, b.archivePath); err != nil {
		return fmt.Errorf("moving archive into place: %w", err)
	}
	return nil
}

func (b *built) discard() {
	_ = os.RemoveAll(b.stageDir)
}

// Publish packs sourceDir as name@version into the output directory,
// records it in the catalog and writes its sidecar next to the archive.
// Publishing a name, version and commit that is already catalogued
// succeeds and returns the stored identity. When the stored archive has a
// different hash the fresh archive is discarded so the bytes the catalog
// vouches for are never overwritten.
func (p *Publisher) Publish(ctx context.Context, sourceDir, name, version string, opts Options) (*Result, error) {
	b, err := p.build(ctx, sourceDir, name, version, opts)
	if err != nil {
		return nil, err
	}
	defer b.discard()

	abs, err := filepath.Abs(b.archivePath)
	if err != nil {
		abs = b.archivePath
	}
	b.pkg.Storage = &core.StorageRef{Kind: core.StorageLocal, Path: abs}

	stored, existed, err := p.catalog.InsertOrGet(ctx, b.pkg)
	if err != nil {
		return nil, fmt.Errorf("recording %s@%s: %w", name, version, err)
	}

	archivePath := b.archivePath
	if p.diverged(stored, b.pkg, existed) {
		archivePath = ""
		if stored.Storage != nil && stored.Storage.Kind == core.StorageLocal {
			archivePath = stored.Storage.Path
		}
	} else if err := b.promote(); err != nil {
		return nil, err
	}

	sidecarPath := filepath.Join(p.outDir, manifest.SidecarName(name, version))
	if err := manifest.Write(sidecarPath, manifest.FromPackage(stored, "")); err != nil {
		return nil, fmt.Errorf("writing sidecar: %w", err)
	}

	p.logger.Info("published package",
		"package", name, "version", version, "id", stored.ID,
		"archive", archivePath, "files", stored.FileCount, "existing", existed)

	return &Result{
		PackageID:   stored.ID,
		ArchivePath: archivePath,
		SidecarPath: sidecarPath,
		Package:     stored,
		Existing:    existed,
	}, nil
}

// PublishToRemote is Publish with the archive uploaded to store under
// core.ArchiveKey before the catalog write. The catalog row points at the
// remote object and no local archive is kept. An upload failure returns an
// error wrapping core.ErrRemotePublishFailed and leaves the catalog
// untouched.
//
// Re-uploading a package that is already catalogued with the same content
// moves its storage reference to the remote object. If the catalogued
// content differs, nothing is uploaded and the stored row is returned.
func (p *Publisher) PublishToRemote(ctx context.Context, sourceDir, name, version string, opts Options, store core.BlobStore) (*Result, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: no blob store configured", core.ErrRemotePublishFailed)
	}

	b, err := p.build(ctx, sourceDir, name, version, opts)
	if err != nil {
		return nil, err
	}
	defer b.discard()

	key := core.ArchiveKey(name, version, b.pkg.ArchiveName)
	prior, err := p.lookup(ctx, b.pkg.Key())
	if err != nil {
		return nil, fmt.Errorf("looking up %s@%s: %w", name, version, err)
	}
	if p.diverged(prior, b.pkg, prior != nil) {
		return p.remoteResult(ctx, store, key, prior, true)
	}

	if err := p.upload(ctx, store, key, b); err != nil {
		return nil, err
	}

	ref := store.Ref(key)
	b.pkg.Storage = &ref

	stored, existed, err := p.catalog.InsertOrGet(ctx, b.pkg)
	if err != nil {
		return nil, fmt.Errorf("recording %s@%s: %w", name, version, err)
	}
	if existed && !p.diverged(stored, b.pkg, existed) && (stored.Storage == nil || *stored.Storage != ref) {
		if err := p.catalog.UpdateStorage(ctx, stored.ID, ref); err != nil {
			return nil, fmt.Errorf("updating storage of %s@%s: %w", name, version, err)
		}
		p.logger.Info("moved package storage",
			"package", name, "version", version, "id", stored.ID, "store", store.Kind(), "key", key)
		stored = stored.WithStorage(ref)
	}

	return p.remoteResult(ctx, store, key, stored, existed)
}

// remoteResult writes the sidecar for stored and logs the publish.
func (p *Publisher) remoteResult(ctx context.Context, store core.BlobStore, key string, stored *core.Package, existed bool) (*Result, error) {
	var downloadURL string
	if stored.Storage != nil && *stored.Storage == store.Ref(key) {
		u, err := store.SignedURL(ctx, key, p.signedURLTTL)
		if err != nil {
			p.logger.Debug("no signed URL for sidecar", "key", key, "error", err)
		} else {
			downloadURL = u
		}
	}

	name, version := string(stored.Name), stored.Version
	sidecarPath := filepath.Join(p.outDir, manifest.SidecarName(name, version))
	if err := manifest.Write(sidecarPath, manifest.FromPackage(stored, downloadURL)); err != nil {
		return nil, fmt.Errorf("writing sidecar: %w", err)
	}

	p.logger.Info("published package to remote",
		"package", name, "version", version, "id", stored.ID,
		"store", store.Kind(), "key", key, "existing", existed)

	return &Result{
		PackageID:   stored.ID,
		SidecarPath: sidecarPath,
		Package:     stored,
		Existing:    existed,
	}, nil
}

// lookup returns the catalogued package with exactly key, or nil.
func (p *Publisher) lookup(ctx context.Context, key core.PackageKey) (*core.Package, error) {
	pkgs, err := p.catalog.FindAll(ctx, core.PackageFilter{Name: key.Name, Version: key.Version})
	if err != nil {
		return nil, err
	}
	for _, pkg := range pkgs {
		if pkg.CommitHash() == key.Commit {
			return pkg, nil
		}
	}
	return nil, nil
}

// build validates the input, captures revision info, scans and packs.
func (p *Publisher) build(ctx context.Context, sourceDir, name, version string, opts Options) (*built, error) {
	pkgName, err := core.NewPackageName(name)
	if err != nil {
		return nil, err
	}
	if version == "" {
		return nil, fmt.Errorf("package %s: empty version", name)
	}

	info, err := os.Stat(sourceDir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", core.ErrSourceNotFound, sourceDir)
	case err != nil:
		return nil, err
	case !info.IsDir():
		return nil, fmt.Errorf("%w: %s", core.ErrNotADirectory, sourceDir)
	}

	algo := opts.Algorithm
	if algo == "" {
		algo = digest.Default
	}
	format := opts.Format
	if format == "" {
		format = archive.DefaultFormat
	}

	var rev *core.RevisionInfo
	if opts.CaptureRevision {
		rev = p.captureRevision(ctx, sourceDir)
	}

	scanner := scan.New(
		scan.WithAlgorithm(algo),
		scan.WithExtraIgnore(opts.IgnorePatterns...),
		scan.WithLogger(p.logger),
	)
	entries, summary, err := scanner.Scan(sourceDir)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(p.outDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	stageDir, err := os.MkdirTemp(p.outDir, ".stage-*")
	if err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}

	archiveName := archive.FileName(name, version, format)
	res, err := archive.New(archive.WithAlgorithm(algo)).Pack(sourceDir, entries, filepath.Join(stageDir, archiveName))
	if err != nil {
		_ = os.RemoveAll(stageDir)
		return nil, fmt.Errorf("packing %s@%s: %w", name, version, err)
	}

	p.logger.Debug("packed archive",
		"package", name, "version", version, "files", summary.TotalFiles,
		"bytes", summary.TotalSize, "archive_size", res.Size, "hash", res.Hash.String())

	return &built{
		pkg: &core.Package{
			Name:        pkgName,
			Version:     version,
			ArchiveName: archiveName,
			ArchiveHash: res.Hash,
			ArchiveSize: res.Size,
			FileCount:   len(entries),
			Files:       entries,
			Revision:    rev,
			PublisherID: p.publisherID,
			Description: opts.Description,
			Metadata:    opts.Metadata,
			CreatedAt:   p.now(),
		},
		stagedPath:  res.Path,
		archivePath: filepath.Join(p.outDir, archiveName),
		stageDir:    stageDir,
	}, nil
}

func (p *Publisher) captureRevision(ctx context.Context, dir string) *core.RevisionInfo {
	if p.revisions == nil {
		p.logger.Warn("revision capture requested but no capturer configured", "dir", dir)
		return nil
	}
	rev, err := p.revisions.Capture(ctx, dir)
	if err != nil {
		p.logger.Warn("continuing without revision info", "dir", dir, "error", err)
		return nil
	}
	return rev
}

func (p *Publisher) upload(ctx context.Context, store core.BlobStore, key string, b *built) error {
	f, err := os.Open(b.stagedPath)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrRemotePublishFailed, err)
	}
	defer func() { _ = f.Close() }()

	meta := map[string]string{
		"package_name": string(b.pkg.Name),
		"version":      b.pkg.Version,
		"git_commit":   b.pkg.CommitHash(),
		"publisher_id": b.pkg.PublisherID,
		"upload_time":  p.now().Format(time.RFC3339),
	}
	if err := store.Put(ctx, key, f, meta); err != nil {
		return fmt.Errorf("%w: uploading %s: %w", core.ErrRemotePublishFailed, key, err)
	}
	return nil
}

// diverged reports an idempotent hit whose archive differs from what was
// just packed, and logs it. The catalog row is kept as is.
func (p *Publisher) diverged(stored, fresh *core.Package, existed bool) bool {
	if !existed || stored.ArchiveHash.Equal(fresh.ArchiveHash) {
		return false
	}
	p.logger.Warn("package already published with different content, keeping the stored archive",
		"package", fresh.Name, "version", fresh.Version, "id", stored.ID,
		"stored_hash", stored.ArchiveHash.String(), "new_hash", fresh.ArchiveHash.String())
	return true
}
