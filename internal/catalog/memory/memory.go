// Package memory provides an in-process catalog, used by tests and by
// one-shot command invocations that do not need persistence.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/git-pkgs/depot/internal/core"
)

const driver = "memory"

func init() {
	core.RegisterCatalog(driver, func(ctx context.Context, dsn string) (core.Catalog, error) {
		return New(), nil
	})
}

// Catalog is a map-backed core.Catalog. It is safe for concurrent use.
type Catalog struct {
	mu       sync.RWMutex
	packages map[string]*core.Package
	byKey    map[core.PackageKey]string
	groups   map[string]*core.Group
	now      func() time.Time
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{
		packages: make(map[string]*core.Package),
		byKey:    make(map[core.PackageKey]string),
		groups:   make(map[string]*core.Group),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (c *Catalog) Close() error { return nil }

func (c *Catalog) InsertOrGet(ctx context.Context, pkg *core.Package) (*core.Package, bool, error) {
	if err := pkg.Validate(); err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.byKey[pkg.Key()]; ok {
		return clonePackage(c.packages[id]), true, nil
	}

	stored := clonePackage(pkg)
	stored.ID = uuid.NewString()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = c.now()
	}
	c.packages[stored.ID] = stored
	c.byKey[stored.Key()] = stored.ID
	return clonePackage(stored), false, nil
}

func (c *Catalog) Get(ctx context.Context, id string) (*core.Package, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.packages[id]
	if !ok {
		return nil, &core.NotFoundError{Name: id}
	}
	return clonePackage(p), nil
}

func (c *Catalog) Find(ctx context.Context, name, version string) (*core.Package, error) {
	found, err := c.FindAll(ctx, core.PackageFilter{Name: name, Version: version, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, &core.NotFoundError{Name: name, Version: version}
	}
	return found[0], nil
}

func (c *Catalog) FindAll(ctx context.Context, f core.PackageFilter) ([]*core.Package, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*core.Package
	for _, p := range c.packages {
		if f.Matches(p) {
			out = append(out, clonePackage(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (c *Catalog) Exists(ctx context.Context, key core.PackageKey) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byKey[key]
	return ok, nil
}

func (c *Catalog) UpdateStorage(ctx context.Context, id string, ref core.StorageRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.packages[id]
	if !ok {
		return &core.NotFoundError{Name: id}
	}
	c.packages[id] = p.WithStorage(ref)
	return nil
}

func (c *Catalog) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.packages[id]
	if !ok {
		return &core.NotFoundError{Name: id}
	}
	for _, g := range c.groups {
		for _, m := range g.Members {
			if m.PackageID == id || (m.PackageID == "" && m.PackageName == p.Name && m.PackageVersion == p.Version) {
				return fmt.Errorf("%w: %s@%s in group %s@%s", core.ErrPackageReferenced, p.Name, p.Version, g.Name, g.Version)
			}
		}
	}
	delete(c.byKey, p.Key())
	delete(c.packages, id)
	return nil
}

func (c *Catalog) CreateGroup(ctx context.Context, g *core.Group) (*core.Group, error) {
	if _, err := core.NewPackageName(string(g.Name)); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, existing := range c.groups {
		if existing.Name == g.Name && existing.Version == g.Version {
			return nil, fmt.Errorf("%w: %s@%s", core.ErrGroupExists, g.Name, g.Version)
		}
	}

	stored := cloneGroup(g)
	stored.ID = uuid.NewString()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = c.now()
	}
	c.groups[stored.ID] = stored
	return cloneGroup(stored), nil
}

func (c *Catalog) GetGroup(ctx context.Context, id string) (*core.Group, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	g, ok := c.groups[id]
	if !ok {
		return nil, &core.GroupNotFoundError{ID: id}
	}
	return cloneGroup(g), nil
}

func (c *Catalog) FindGroup(ctx context.Context, name, version string) (*core.Group, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, g := range c.groups {
		if string(g.Name) == name && g.Version == version {
			return cloneGroup(g), nil
		}
	}
	return nil, &core.GroupNotFoundError{Name: name, Version: version}
}

func (c *Catalog) ListGroups(ctx context.Context, f core.GroupFilter) ([]*core.Group, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*core.Group
	for _, g := range c.groups {
		if f.Name != "" && string(g.Name) != f.Name {
			continue
		}
		if f.CreatedBy != "" && g.CreatedBy != f.CreatedBy {
			continue
		}
		out = append(out, cloneGroup(g))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (c *Catalog) AddMember(ctx context.Context, groupID string, m core.GroupMember) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[groupID]
	if !ok {
		return &core.GroupNotFoundError{ID: groupID}
	}
	g.Members = append(g.Members, m)
	return nil
}

func (c *Catalog) RemoveMember(ctx context.Context, groupID, packageName, packageVersion string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[groupID]
	if !ok {
		return &core.GroupNotFoundError{ID: groupID}
	}
	kept := g.Members[:0]
	removed := false
	for _, m := range g.Members {
		if string(m.PackageName) == packageName && m.PackageVersion == packageVersion {
			removed = true
			continue
		}
		kept = append(kept, m)
	}
	if !removed {
		return &core.NotFoundError{Name: packageName, Version: packageVersion}
	}
	g.Members = kept
	return nil
}

func (c *Catalog) DeleteGroup(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.groups[id]; !ok {
		return &core.GroupNotFoundError{ID: id}
	}
	delete(c.groups, id)
	return nil
}

func clonePackage(p *core.Package) *core.Package {
	cp := *p
	cp.Files = append([]core.FileEntry(nil), p.Files...)
	if p.Metadata != nil {
		cp.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	if p.Revision != nil {
		rev := *p.Revision
		rev.Remotes = append([]core.Remote(nil), p.Revision.Remotes...)
		cp.Revision = &rev
	}
	if p.Storage != nil {
		ref := *p.Storage
		cp.Storage = &ref
	}
	return &cp
}

func cloneGroup(g *core.Group) *core.Group {
	cp := *g
	cp.Members = append([]core.GroupMember(nil), g.Members...)
	return &cp
}
