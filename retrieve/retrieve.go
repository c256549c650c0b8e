// Package retrieve downloads published packages, verifies them against
// their recorded digest and extracts them.
//
// Every entry point funnels into the same routine: resolve candidate
// sources, copy the archive into the output directory, verify, unpack.
// Each call makes exactly one attempt; wrap it with fetch.Retry for
// bounded retries of transient failures.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/git-pkgs/depot/archive"
	"github.com/git-pkgs/depot/digest"
	"github.com/git-pkgs/depot/fetch"
	"github.com/git-pkgs/depot/group"
	"github.com/git-pkgs/depot/internal/core"
	"github.com/git-pkgs/depot/internal/logger"
	"github.com/git-pkgs/depot/manifest"
)

// maxManifestSize bounds sidecars fetched over HTTP.
const maxManifestSize = 16 << 20

// Result describes one extracted package.
type Result struct {
	Name        string
	Version     string
	OutputDir   string
	ArchivePath string
	Files       []string
	Source      string // where the archive bytes came from
	Verified    bool
}

// Retriever downloads packages from URLs, blob stores and local roots.
type Retriever struct {
	catalog   core.Catalog
	getter    fetch.Getter
	mu        sync.Mutex
	stores    map[core.StorageKind]core.BlobStore
	storeOpts core.StoreOptions
	roots     []string
	archiver  *archive.Archiver
	logger    *slog.Logger
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithGetter sets the HTTP getter. The default makes a single attempt per
// request.
func WithGetter(g fetch.Getter) Option {
	return func(r *Retriever) {
		r.getter = g
	}
}

// WithStore registers s for references of its kind.
func WithStore(s core.BlobStore) Option {
	return func(r *Retriever) {
		r.stores[s.Kind()] = s
	}
}

// WithStoreOptions sets the options used to open a registered backend for
// a reference whose kind has no store configured.
func WithStoreOptions(opts core.StoreOptions) Option {
	return func(r *Retriever) {
		r.storeOpts = opts
	}
}

// WithLocalRoot adds a directory searched for archives by conventional name.
func WithLocalRoot(root string) Option {
	return func(r *Retriever) {
		if root != "" {
			r.roots = append(r.roots, root)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Retriever) {
		r.logger = logger.OrDiscard(l)
	}
}

// New creates a Retriever. catalog may be nil when only DownloadByManifest
// is used.
func New(catalog core.Catalog, opts ...Option) *Retriever {
	r := &Retriever{
		catalog:  catalog,
		getter:   fetch.NewFetcher(fetch.WithMaxRetries(0)),
		stores:   make(map[core.StorageKind]core.BlobStore),
		archiver: archive.New(),
		logger:   logger.Discard().Logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DownloadByManifest loads a sidecar from a local path or an HTTP(S) URL
// and retrieves the package it describes into outDir. The sidecar's own
// directory is searched for the archive after its download_url and
// storage entries.
func (r *Retriever) DownloadByManifest(ctx context.Context, pathOrURL, outDir string) (*Result, error) {
	sc, roots, err := r.loadManifest(ctx, pathOrURL)
	if err != nil {
		return nil, err
	}
	pkg, err := sc.Package()
	if err != nil {
		return nil, err
	}
	return r.download(ctx, pkg, sc.DownloadURL, outDir, roots)
}

// DownloadByIdentity retrieves name@version from the catalog. The version
// "latest" (or "") selects the highest semantic version.
func (r *Retriever) DownloadByIdentity(ctx context.Context, name, version, outDir string) (*Result, error) {
	if r.catalog == nil {
		return nil, errors.New("no catalog configured")
	}
	pkg, err := core.FindPackage(ctx, r.catalog, name, version)
	if err != nil {
		return nil, err
	}
	return r.download(ctx, pkg, "", outDir, nil)
}

// DownloadByGroup resolves a group and retrieves each member, in install
// order, into outDir/{member name}_v{member version}, so two versions of
// one package never share a directory. With an empty version, name is
// taken as the group ID. Results for members retrieved before a failure are
// returned along with the error.
func (r *Retriever) DownloadByGroup(ctx context.Context, name, version, outDir string) ([]*Result, error) {
	if r.catalog == nil {
		return nil, errors.New("no catalog configured")
	}

	var (
		g   *core.Group
		err error
	)
	if version == "" {
		g, err = r.catalog.GetGroup(ctx, name)
	} else {
		g, err = r.catalog.FindGroup(ctx, name, version)
	}
	if err != nil {
		return nil, err
	}

	members, err := group.NewResolver(r.catalog, r.logger).Resolve(ctx, g)
	if err != nil {
		return nil, err
	}

	r.logger.Info("downloading group", "group", g.Name, "group_version", g.Version, "members", len(members))

	results := make([]*Result, 0, len(members))
	for _, m := range members {
		res, err := r.download(ctx, m.Package, "", filepath.Join(outDir, MemberDir(m.Package)), nil)
		if err != nil {
			return results, fmt.Errorf("group %s@%s member %s@%s: %w",
				g.Name, g.Version, m.Package.Name, m.Package.Version, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// MemberDir is the directory, relative to a group download's output
// directory, that receives pkg.
func MemberDir(pkg *core.Package) string {
	dir := string(pkg.Name) + "_v" + pkg.Version
	if !core.ValidArchiveName(dir) {
		dir = string(pkg.Name) + "_v" + strings.NewReplacer("/", "_", `\`, "_").Replace(pkg.Version)
	}
	return dir
}

func (r *Retriever) download(ctx context.Context, pkg *core.Package, directURL, outDir string, extraRoots []string) (*Result, error) {
	l := r.logger.With("package", pkg.Name, "version", pkg.Version)

	dest, err := archivePath(outDir, pkg.ArchiveName)
	if err != nil {
		return nil, err
	}

	resolver := fetch.NewResolver(append(append([]string(nil), r.roots...), extraRoots...)...)
	candidates, err := resolver.Resolve(pkg, directURL)
	if errors.Is(err, fetch.ErrNoDownloadURL) {
		return nil, fmt.Errorf("%w: %s@%s has no known source", core.ErrArchiveNotFound, pkg.Name, pkg.Version)
	}
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	var source string
	for _, c := range candidates {
		err := r.copyFrom(ctx, c, dest)
		if err == nil {
			source = c.Location()
			break
		}
		if isNotFound(err) {
			l.Debug("archive not at source", "source", c.Location(), "error", err)
			continue
		}
		return nil, err
	}
	if source == "" {
		return nil, fmt.Errorf("%w: %s@%s", core.ErrArchiveNotFound, pkg.Name, pkg.Version)
	}

	ok, err := r.archiver.Verify(dest, pkg.ArchiveHash)
	if err != nil {
		return nil, fmt.Errorf("verifying %s: %w", dest, err)
	}
	if !ok {
		actual, _ := digest.File(dest, pkg.ArchiveHash.Algorithm)
		l.Error("integrity check failed", "archive", dest, "expected", pkg.ArchiveHash.String(), "actual", actual.String())
		return nil, &core.IntegrityError{Path: dest, Expected: pkg.ArchiveHash, Actual: actual}
	}

	files, err := r.archiver.Unpack(dest, outDir)
	if err != nil {
		return nil, fmt.Errorf("extracting %s: %w", dest, err)
	}

	l.Info("downloaded package", "source", source, "output", outDir, "files", len(files))
	return &Result{
		Name:        string(pkg.Name),
		Version:     pkg.Version,
		OutputDir:   outDir,
		ArchivePath: dest,
		Files:       files,
		Source:      source,
		Verified:    true,
	}, nil
}

// copyFrom places the archive from c at dest.
func (r *Retriever) copyFrom(ctx context.Context, c fetch.ArtifactInfo, dest string) error {
	switch c.Kind {
	case fetch.SourceURL:
		_, err := fetchTo(ctx, r.getter, c.URL, dest)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, fetch.ErrNotFound):
			return err
		case fetch.Retryable(err), errors.Is(err, fetch.ErrCircuitOpen):
			return core.Transient("downloading "+c.URL, err)
		default:
			return fmt.Errorf("downloading %s: %w", c.URL, err)
		}

	case fetch.SourceStore:
		store, err := r.store(ctx, c.Ref)
		if err != nil {
			return err
		}
		rc, err := store.Get(ctx, c.Ref.Key)
		if errors.Is(err, core.ErrBlobNotFound) {
			return err
		}
		if err != nil {
			return core.Transient("reading "+c.Location(), err)
		}
		defer func() { _ = rc.Close() }()
		if err := writeAtomic(dest, rc); err != nil {
			return core.Transient("reading "+c.Location(), err)
		}
		return nil

	case fetch.SourceLocal:
		if same(c.Path, dest) {
			_, err := os.Stat(dest)
			return err
		}
		f, err := os.Open(c.Path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		return writeAtomic(dest, f)

	default:
		return fmt.Errorf("unknown source kind %q", c.Kind)
	}
}

func (r *Retriever) store(ctx context.Context, ref *core.StorageRef) (core.BlobStore, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[ref.Kind]; ok {
		return s, nil
	}
	opts := r.storeOpts
	opts.Bucket = ref.Bucket
	if ref.Region != "" {
		opts.Region = ref.Region
	}
	// ref keys already carry the prefix
	opts.Prefix = ""
	s, err := core.OpenStore(ctx, ref.Kind, opts)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", ref.Kind, err)
	}
	r.stores[ref.Kind] = s
	return s, nil
}

func (r *Retriever) loadManifest(ctx context.Context, pathOrURL string) (*manifest.Sidecar, []string, error) {
	if u, err := url.Parse(pathOrURL); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		a, err := r.getter.Fetch(ctx, pathOrURL)
		if errors.Is(err, fetch.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: manifest %s", core.ErrPackageNotFound, pathOrURL)
		}
		if err != nil {
			return nil, nil, core.Transient("fetching manifest "+pathOrURL, err)
		}
		defer func() { _ = a.Body.Close() }()

		data, err := io.ReadAll(io.LimitReader(a.Body, maxManifestSize))
		if err != nil {
			return nil, nil, core.Transient("reading manifest "+pathOrURL, err)
		}
		sc, err := manifest.Decode(data, pathOrURL)
		return sc, nil, err
	}

	path := strings.TrimPrefix(pathOrURL, "file://")
	sc, err := manifest.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("%w: manifest %s", core.ErrPackageNotFound, path)
	}
	if err != nil {
		return nil, nil, err
	}
	return sc, []string{filepath.Dir(path)}, nil
}

// archivePath joins name onto outDir and rejects names that would land
// anywhere else.
func archivePath(outDir, name string) (string, error) {
	if !core.ValidArchiveName(name) {
		return "", &core.ManifestError{Source: name, Reason: "archive name is not a bare file name"}
	}
	dest := filepath.Join(outDir, name)
	rel, err := filepath.Rel(outDir, dest)
	if err != nil || rel != name {
		return "", &core.ManifestError{Source: name, Reason: "archive name escapes the output directory"}
	}
	return dest, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, fetch.ErrNotFound) ||
		errors.Is(err, core.ErrBlobNotFound) ||
		errors.Is(err, os.ErrNotExist)
}

func same(a, b string) bool {
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ai, bi)
}
