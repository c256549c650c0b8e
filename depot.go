// Package depot publishes directories as content-addressed archives,
// records them in a catalog and retrieves them again with integrity
// verification.
//
// Basic usage:
//
//	import (
//		"github.com/git-pkgs/depot"
//		_ "github.com/git-pkgs/depot/all"
//	)
//
//	cfg, err := depot.LoadConfig("depot.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	d, err := depot.Open(ctx, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer d.Close()
//
//	res, err := d.Publish(ctx, "./build", "demo", "1.0.0", "./releases", depot.PublishOptions{})
//	...
//	_, err = d.Download(ctx, "demo", "1.0.0", "./out")
//
// Catalog drivers and blob stores register themselves on import. The all
// subpackage imports every backend.
package depot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/git-pkgs/depot/archive"
	"github.com/git-pkgs/depot/digest"
	"github.com/git-pkgs/depot/fetch"
	"github.com/git-pkgs/depot/group"
	"github.com/git-pkgs/depot/internal/catalog/rediscache"
	"github.com/git-pkgs/depot/internal/config"
	"github.com/git-pkgs/depot/internal/core"
	"github.com/git-pkgs/depot/internal/logger"
	"github.com/git-pkgs/depot/publish"
	"github.com/git-pkgs/depot/retrieve"
	"github.com/git-pkgs/depot/revision"
)

// Re-export types from internal/core
type (
	Package        = core.Package
	PackageName    = core.PackageName
	PackageKey     = core.PackageKey
	PackageFilter  = core.PackageFilter
	FileEntry      = core.FileEntry
	RevisionInfo   = core.RevisionInfo
	StorageRef     = core.StorageRef
	StorageKind    = core.StorageKind
	Group          = core.Group
	GroupMember    = core.GroupMember
	GroupFilter    = core.GroupFilter
	ResolvedMember = core.ResolvedMember

	// Catalog is implemented by every catalog driver.
	Catalog = core.Catalog

	// BlobStore is implemented by every archive storage backend.
	BlobStore = core.BlobStore

	// Config holds all depot settings.
	Config = config.Config
)

// Re-export types from the pipelines
type (
	PublishOptions  = publish.Options
	PublishResult   = publish.Result
	DownloadResult  = retrieve.Result
	GroupOptions    = group.CreateOptions
	StoreOptions    = core.StoreOptions
	CatalogOpener   = core.CatalogFactory
	StoreOpener     = core.StoreFactory
)

// Re-export constants
const (
	StorageLocal = core.StorageLocal
	StorageS3    = core.StorageS3
	StorageGCS   = core.StorageGCS
	StorageHTTP  = core.StorageHTTP
)

// Re-export errors
var (
	ErrSourceNotFound         = core.ErrSourceNotFound
	ErrNotADirectory          = core.ErrNotADirectory
	ErrInvalidPackageName     = core.ErrInvalidPackageName
	ErrInvalidManifest        = core.ErrInvalidManifest
	ErrUnsupportedAlgorithm   = core.ErrUnsupportedAlgorithm
	ErrIntegrityViolation     = core.ErrIntegrityViolation
	ErrPackageNotFound        = core.ErrPackageNotFound
	ErrArchiveNotFound        = core.ErrArchiveNotFound
	ErrRequiredPackageMissing = core.ErrRequiredPackageMissing
	ErrGroupNotFound          = core.ErrGroupNotFound
	ErrGroupExists            = core.ErrGroupExists
	ErrPackageReferenced      = core.ErrPackageReferenced
	ErrRemotePublishFailed    = core.ErrRemotePublishFailed
	ErrTransient              = core.ErrTransient
)

// Error types
type (
	IntegrityError     = core.IntegrityError
	MissingMemberError = core.MissingMemberError
	NotFoundError      = core.NotFoundError
	TransientError     = core.TransientError
)

// retryDelay is the first wait between download attempts.
const retryDelay = 500 * time.Millisecond

// LoadConfig reads path (if non-empty) over the defaults and applies
// DEPOT_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return config.Default()
}

// Depot bundles a catalog, a blob store and the pipelines built on them.
type Depot struct {
	cfg       *Config
	catalog   Catalog
	store     BlobStore
	retriever *retrieve.Retriever
	groups    *group.Service
	logger    *slog.Logger
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	logger  *slog.Logger
	catalog Catalog
	store   BlobStore
}

// WithLogger sets the logger. The default is built from cfg.Logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *openOptions) {
		o.logger = l
	}
}

// WithCatalog uses c instead of opening cfg.Database. Close closes it.
func WithCatalog(c Catalog) Option {
	return func(o *openOptions) {
		o.catalog = c
	}
}

// WithStore uses s instead of opening cfg.Storage.
func WithStore(s BlobStore) Option {
	return func(o *openOptions) {
		o.store = s
	}
}

// Open connects the catalog (behind the Redis cache when cfg.Redis.URL is
// set) and the blob store described by cfg.
func Open(ctx context.Context, cfg *Config, opts ...Option) (*Depot, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := &openOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logger.New(cfg.Logging.Level, cfg.Logging.Format).Logger
	}

	cat := o.catalog
	if cat == nil {
		driver, dsn := cfg.CatalogDSN()
		var err error
		cat, err = core.OpenCatalog(ctx, driver, dsn)
		if err != nil {
			return nil, fmt.Errorf("opening catalog: %w", err)
		}
	}
	if cfg.Redis.URL != "" {
		cached, err := rediscache.Open(ctx, cat, cfg.Redis.URL, cfg.Redis.TTL, rediscache.WithLogger(o.logger))
		if err != nil {
			_ = cat.Close()
			return nil, err
		}
		cat = cached
	}

	store := o.store
	if store == nil {
		var err error
		store, err = core.OpenStore(ctx, core.StorageKind(cfg.Storage.Type), cfg.StoreOptions())
		if err != nil {
			_ = cat.Close()
			return nil, fmt.Errorf("opening %s store: %w", cfg.Storage.Type, err)
		}
	}

	getter := fetch.NewCircuitBreakerFetcher(fetch.NewFetcher(
		fetch.WithTimeout(cfg.HTTP.Timeout),
		fetch.WithUserAgent(cfg.HTTP.UserAgent),
		fetch.WithMaxRetries(0),
		fetch.WithRateLimit(cfg.HTTP.RateLimit, 1),
	))

	retrieveOpts := []retrieve.Option{
		retrieve.WithGetter(getter),
		retrieve.WithStore(store),
		retrieve.WithStoreOptions(cfg.StoreOptions()),
		retrieve.WithLogger(o.logger),
	}
	if store.Kind() == core.StorageLocal {
		retrieveOpts = append(retrieveOpts, retrieve.WithLocalRoot(cfg.Storage.LocalPath))
	}

	return &Depot{
		cfg:       cfg,
		catalog:   cat,
		store:     store,
		retriever: retrieve.New(cat, retrieveOpts...),
		groups: group.NewService(cat,
			group.WithStore(store),
			group.WithCreatedBy(cfg.Publish.PublisherID),
			group.WithLogger(o.logger)),
		logger: o.logger,
	}, nil
}

// Close releases the catalog and, when it holds one, the store's client.
func (d *Depot) Close() error {
	var errs []error
	if c, ok := d.store.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	errs = append(errs, d.catalog.Close())
	return errors.Join(errs...)
}

// Catalog returns the underlying catalog.
func (d *Depot) Catalog() Catalog { return d.catalog }

// Store returns the configured blob store.
func (d *Depot) Store() BlobStore { return d.store }

// Groups returns the group service.
func (d *Depot) Groups() *group.Service { return d.groups }

// Retriever returns the download pipeline.
func (d *Depot) Retriever() *retrieve.Retriever { return d.retriever }

// Publisher returns a publish pipeline writing archives and sidecars to outDir.
func (d *Depot) Publisher(outDir string) *publish.Publisher {
	return publish.New(d.catalog, outDir,
		publish.WithPublisherID(d.cfg.Publish.PublisherID),
		publish.WithRevisionCapturer(revision.New()),
		publish.WithSignedURLTTL(d.cfg.Publish.SignedURLTTL),
		publish.WithLogger(d.logger))
}

// Publish packs sourceDir as name@version into outDir and records it.
// Configured defaults fill unset algorithm, format and ignore patterns.
func (d *Depot) Publish(ctx context.Context, sourceDir, name, version, outDir string, opts PublishOptions) (*PublishResult, error) {
	return d.Publisher(outDir).Publish(ctx, sourceDir, name, version, d.withDefaults(opts))
}

// PublishRemote is Publish with the archive uploaded to the configured store.
func (d *Depot) PublishRemote(ctx context.Context, sourceDir, name, version, outDir string, opts PublishOptions) (*PublishResult, error) {
	return d.Publisher(outDir).PublishToRemote(ctx, sourceDir, name, version, d.withDefaults(opts), d.store)
}

// Download retrieves name@version from the catalog into outDir, retrying
// transient failures up to the configured limit.
func (d *Depot) Download(ctx context.Context, name, version, outDir string) (*DownloadResult, error) {
	var res *DownloadResult
	err := d.retry(ctx, func(ctx context.Context) error {
		var err error
		res, err = d.retriever.DownloadByIdentity(ctx, name, version, outDir)
		return err
	})
	return res, err
}

// DownloadManifest retrieves the package described by a sidecar path or URL.
func (d *Depot) DownloadManifest(ctx context.Context, pathOrURL, outDir string) (*DownloadResult, error) {
	var res *DownloadResult
	err := d.retry(ctx, func(ctx context.Context) error {
		var err error
		res, err = d.retriever.DownloadByManifest(ctx, pathOrURL, outDir)
		return err
	})
	return res, err
}

// DownloadGroup retrieves every resolved member of a group. With an empty
// version, name is the group ID.
func (d *Depot) DownloadGroup(ctx context.Context, name, version, outDir string) ([]*DownloadResult, error) {
	var res []*DownloadResult
	err := d.retry(ctx, func(ctx context.Context) error {
		var err error
		res, err = d.retriever.DownloadByGroup(ctx, name, version, outDir)
		return err
	})
	return res, err
}

func (d *Depot) retry(ctx context.Context, op func(context.Context) error) error {
	return fetch.Retry(ctx, d.cfg.HTTP.MaxRetries+1, retryDelay, op)
}

func (d *Depot) withDefaults(opts PublishOptions) PublishOptions {
	if opts.Algorithm == "" {
		opts.Algorithm = digest.Algorithm(d.cfg.Publish.Algorithm)
	}
	if opts.Format == "" {
		opts.Format = archive.Format(d.cfg.Publish.Format)
	}
	opts.IgnorePatterns = append(append([]string(nil), d.cfg.Publish.IgnorePatterns...), opts.IgnorePatterns...)
	return opts
}

// SupportedCatalogs returns the registered catalog drivers.
// Note: drivers must be imported to be registered.
func SupportedCatalogs() []string {
	return core.SupportedCatalogs()
}

// SupportedStores returns the registered blob store kinds.
func SupportedStores() []string {
	return core.SupportedStores()
}

// PackageURL returns the Package URL of p.
func PackageURL(p *Package) string {
	return core.PackageURL(p)
}

// ParsePackageURL extracts the name and version from a generic Package URL.
func ParsePackageURL(s string) (PackageName, string, error) {
	return core.ParsePackageURL(s)
}
