package core

import (
	"context"
	"io"
	"time"
)

// PackageFilter narrows FindAll. Empty fields match everything.
type PackageFilter struct {
	Name        string
	Version     string
	PublisherID string
	Branch      string
	CommitHash  string
	Limit       int
}

// Matches reports whether p satisfies f. Catalog implementations without a
// query language use it directly.
func (f PackageFilter) Matches(p *Package) bool {
	if f.Name != "" && string(p.Name) != f.Name {
		return false
	}
	if f.Version != "" && p.Version != f.Version {
		return false
	}
	if f.PublisherID != "" && p.PublisherID != f.PublisherID {
		return false
	}
	if f.Branch != "" && (p.Revision == nil || p.Revision.Branch != f.Branch) {
		return false
	}
	if f.CommitHash != "" && p.CommitHash() != f.CommitHash {
		return false
	}
	return true
}

// PackageCatalog persists package records.
type PackageCatalog interface {
	// InsertOrGet stores pkg unless a row with the same (name, version,
	// commit) key exists, in which case the existing row is returned and
	// existed is true. The check and the insert happen atomically.
	InsertOrGet(ctx context.Context, pkg *Package) (stored *Package, existed bool, err error)

	// Get returns the package with the given ID.
	Get(ctx context.Context, id string) (*Package, error)

	// Find returns the most recently published package with name and version.
	Find(ctx context.Context, name, version string) (*Package, error)

	// FindAll returns packages matching f, newest first.
	FindAll(ctx context.Context, f PackageFilter) ([]*Package, error)

	// Exists reports whether a package with key is stored.
	Exists(ctx context.Context, key PackageKey) (bool, error)

	// UpdateStorage points an existing package at a new storage location.
	UpdateStorage(ctx context.Context, id string, ref StorageRef) error

	// Delete removes a package. It fails with ErrPackageReferenced while any
	// group member still points at it.
	Delete(ctx context.Context, id string) error
}

// GroupFilter narrows ListGroups.
type GroupFilter struct {
	Name      string
	CreatedBy string
}

// GroupCatalog persists groups and their members.
type GroupCatalog interface {
	// CreateGroup stores g with its members. It fails with ErrGroupExists
	// when (name, version) is taken.
	CreateGroup(ctx context.Context, g *Group) (*Group, error)
	GetGroup(ctx context.Context, id string) (*Group, error)
	FindGroup(ctx context.Context, name, version string) (*Group, error)
	ListGroups(ctx context.Context, f GroupFilter) ([]*Group, error)
	AddMember(ctx context.Context, groupID string, m GroupMember) error
	RemoveMember(ctx context.Context, groupID, packageName, packageVersion string) error

	// DeleteGroup removes the group and its members. Packages are untouched.
	DeleteGroup(ctx context.Context, id string) error
}

// Catalog is a store for both packages and groups.
type Catalog interface {
	PackageCatalog
	GroupCatalog
	Close() error
}

// BlobStore holds archive bytes under string keys.
type BlobStore interface {
	// Kind identifies the backend.
	Kind() StorageKind

	Put(ctx context.Context, key string, r io.Reader, meta map[string]string) error

	// Get opens the blob at key. Missing keys yield ErrBlobNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)

	// SignedURL returns a URL that grants read access to key for ttl.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)

	// Ref describes key in this store as a StorageRef.
	Ref(key string) StorageRef
}
