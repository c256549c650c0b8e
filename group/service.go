package group

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/git-pkgs/depot/internal/core"
	"github.com/git-pkgs/depot/internal/logger"
	"github.com/git-pkgs/depot/manifest"
)

// maxConfigSize bounds group documents read from a blob store.
const maxConfigSize = 4 << 20

// CreateOptions carries the optional fields of a new group.
type CreateOptions struct {
	Description       string
	EnvironmentConfig map[string]any
	Metadata          map[string]any
	CreatedBy         string // defaults to the service's creator
}

// Service manages groups in a catalog.
type Service struct {
	catalog   core.Catalog
	resolver  *Resolver
	store     core.BlobStore
	createdBy string
	logger    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithStore sets the blob store used by PublishConfig and FetchConfig.
func WithStore(s core.BlobStore) Option {
	return func(svc *Service) {
		svc.store = s
	}
}

// WithCreatedBy sets the default creator recorded on new groups.
func WithCreatedBy(id string) Option {
	return func(svc *Service) {
		svc.createdBy = id
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(svc *Service) {
		svc.logger = logger.OrDiscard(l)
	}
}

// NewService creates a Service over catalog.
func NewService(catalog core.Catalog, opts ...Option) *Service {
	s := &Service{catalog: catalog, logger: logger.Discard().Logger}
	for _, opt := range opts {
		opt(s)
	}
	s.resolver = NewResolver(catalog, s.logger)
	return s
}

// Resolver returns the resolver bound to the service's catalog.
func (s *Service) Resolver() *Resolver {
	return s.resolver
}

// Create stores a new group. Every required member must already be
// published; optional members may be absent and are kept by reference.
// A taken (name, version) fails with core.ErrGroupExists.
func (s *Service) Create(ctx context.Context, name, version string, members []core.GroupMember, opts CreateOptions) (*core.Group, error) {
	gname, err := core.NewPackageName(name)
	if err != nil {
		return nil, err
	}
	if version == "" {
		return nil, fmt.Errorf("group %s: empty version", name)
	}

	linked := make([]core.GroupMember, 0, len(members))
	for _, m := range members {
		lm, err := s.link(ctx, m)
		if err != nil {
			return nil, err
		}
		linked = append(linked, lm)
	}

	createdBy := opts.CreatedBy
	if createdBy == "" {
		createdBy = s.createdBy
	}

	g, err := s.catalog.CreateGroup(ctx, &core.Group{
		Name:              gname,
		Version:           version,
		CreatedBy:         createdBy,
		Description:       opts.Description,
		EnvironmentConfig: opts.EnvironmentConfig,
		Metadata:          opts.Metadata,
		Members:           linked,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("created group", "group", name, "group_version", version, "id", g.ID, "members", len(linked))
	return g, nil
}

// AddMember appends m to the group. The same existence rule as Create
// applies.
func (s *Service) AddMember(ctx context.Context, groupID string, m core.GroupMember) error {
	lm, err := s.link(ctx, m)
	if err != nil {
		return err
	}
	return s.catalog.AddMember(ctx, groupID, lm)
}

// RemoveMember drops the member referencing name@version.
func (s *Service) RemoveMember(ctx context.Context, groupID, name, version string) error {
	return s.catalog.RemoveMember(ctx, groupID, name, version)
}

// Get returns a group by ID.
func (s *Service) Get(ctx context.Context, id string) (*core.Group, error) {
	return s.catalog.GetGroup(ctx, id)
}

// Find returns a group by name and version.
func (s *Service) Find(ctx context.Context, name, version string) (*core.Group, error) {
	return s.catalog.FindGroup(ctx, name, version)
}

// List returns the groups matching f.
func (s *Service) List(ctx context.Context, f core.GroupFilter) ([]*core.Group, error) {
	return s.catalog.ListGroups(ctx, f)
}

// Delete removes a group and its member rows. Packages are kept.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.catalog.DeleteGroup(ctx, id)
}

// Resolve loads a group and resolves it to packages in install order.
func (s *Service) Resolve(ctx context.Context, id string) (*core.Group, []core.ResolvedMember, error) {
	g, err := s.catalog.GetGroup(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	resolved, err := s.resolver.Resolve(ctx, g)
	return g, resolved, err
}

// Missing loads a group and reports the members, required or not, that
// have no matching catalog package.
func (s *Service) Missing(ctx context.Context, id string) ([]core.GroupMember, error) {
	g, err := s.catalog.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.resolver.Missing(ctx, g)
}

// ExportDocument builds the export form of a group, recording the short
// commit of each member package that has one.
func (s *Service) ExportDocument(ctx context.Context, id string) (*manifest.GroupExport, error) {
	g, err := s.catalog.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}

	commits := make(map[string]string)
	for i, m := range g.Members {
		pkg, err := s.resolver.lookup(ctx, m)
		if errors.Is(err, core.ErrPackageNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		g.Members[i].PackageID = pkg.ID
		if pkg.Revision != nil {
			commits[pkg.ID] = pkg.Revision.CommitShort
		}
	}
	return manifest.ExportGroup(g, commits), nil
}

// Export writes the group to dir as "{name}_v{version}.json" and returns
// the file path.
func (s *Service) Export(ctx context.Context, id, dir string) (string, error) {
	doc, err := s.ExportDocument(ctx, id)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, manifest.GroupFileName(doc.GroupName, doc.Version))
	if err := manifest.WriteGroup(path, doc); err != nil {
		return "", fmt.Errorf("writing group export: %w", err)
	}
	s.logger.Info("exported group", "group", doc.GroupName, "group_version", doc.Version, "path", path)
	return path, nil
}

// Import creates a group from an export file. Members whose packages are
// not in this catalog are kept by name and version with a warning, so an
// export can be imported before its packages are synced.
func (s *Service) Import(ctx context.Context, path string) (*core.Group, error) {
	doc, err := manifest.LoadGroup(path)
	if err != nil {
		return nil, err
	}
	return s.ImportDocument(ctx, doc)
}

// ImportDocument is Import for an already decoded export.
func (s *Service) ImportDocument(ctx context.Context, doc *manifest.GroupExport) (*core.Group, error) {
	g, err := doc.Group()
	if err != nil {
		return nil, err
	}

	for i, m := range g.Members {
		pkg, err := core.FindPackage(ctx, s.catalog, string(m.PackageName), m.PackageVersion)
		switch {
		case err == nil:
			g.Members[i].PackageID = pkg.ID
			g.Members[i].PackageVersion = pkg.Version
		case errors.Is(err, core.ErrPackageNotFound):
			s.logger.Warn("imported group references unknown package",
				"group", g.Name, "package", m.PackageName, "version", m.PackageVersion, "required", m.Required)
		default:
			return nil, err
		}
	}

	if g.CreatedBy == "" {
		g.CreatedBy = s.createdBy
	}
	stored, err := s.catalog.CreateGroup(ctx, g)
	if err != nil {
		return nil, err
	}
	s.logger.Info("imported group", "group", g.Name, "group_version", g.Version, "id", stored.ID)
	return stored, nil
}

// PublishConfig uploads the group's export document to the blob store
// under core.GroupConfigKey and returns the key.
func (s *Service) PublishConfig(ctx context.Context, id string) (string, error) {
	if s.store == nil {
		return "", fmt.Errorf("%w: no blob store configured", core.ErrRemotePublishFailed)
	}
	doc, err := s.ExportDocument(ctx, id)
	if err != nil {
		return "", err
	}
	data, err := manifest.EncodeGroup(doc)
	if err != nil {
		return "", err
	}

	key := core.GroupConfigKey(doc.GroupName, doc.Version)
	meta := map[string]string{"group_name": doc.GroupName, "version": doc.Version}
	if err := s.store.Put(ctx, key, bytes.NewReader(data), meta); err != nil {
		return "", fmt.Errorf("%w: uploading %s: %w", core.ErrRemotePublishFailed, key, err)
	}
	s.logger.Info("published group config", "group", doc.GroupName, "group_version", doc.Version, "key", key)
	return key, nil
}

// FetchConfig downloads a group document from the blob store and imports it.
func (s *Service) FetchConfig(ctx context.Context, name, version string) (*core.Group, error) {
	if s.store == nil {
		return nil, errors.New("no blob store configured")
	}
	key := core.GroupConfigKey(name, version)
	rc, err := s.store.Get(ctx, key)
	if errors.Is(err, core.ErrBlobNotFound) {
		return nil, &core.GroupNotFoundError{Name: name, Version: version}
	}
	if err != nil {
		return nil, core.Transient("fetching "+key, err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(io.LimitReader(rc, maxConfigSize))
	if err != nil {
		return nil, core.Transient("reading "+key, err)
	}
	doc, err := manifest.DecodeGroup(data, key)
	if err != nil {
		return nil, err
	}
	return s.ImportDocument(ctx, doc)
}

// link fills in the member's package ID. A required member without a
// catalog package is rejected.
func (s *Service) link(ctx context.Context, m core.GroupMember) (core.GroupMember, error) {
	if _, err := core.NewPackageName(string(m.PackageName)); err != nil {
		return m, err
	}
	pkg, err := core.FindPackage(ctx, s.catalog, string(m.PackageName), m.PackageVersion)
	switch {
	case err == nil:
		m.PackageID = pkg.ID
		m.PackageVersion = pkg.Version // pins "latest"
		return m, nil
	case errors.Is(err, core.ErrPackageNotFound) && !m.Required:
		s.logger.Warn("optional group member is not published",
			"package", m.PackageName, "version", m.PackageVersion)
		return m, nil
	default:
		return m, err
	}
}
