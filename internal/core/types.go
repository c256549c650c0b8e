// Package core provides shared types, the error taxonomy, and the backend registry.
package core

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/git-pkgs/depot/digest"
)

var packageNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// PackageName is a validated package or group name.
type PackageName string

// NewPackageName validates s and returns it as a PackageName.
func NewPackageName(s string) (PackageName, error) {
	if !packageNamePattern.MatchString(s) {
		return "", &NameError{Name: s}
	}
	return PackageName(s), nil
}

func (n PackageName) String() string {
	return string(n)
}

// FileEntry describes one file of a package manifest.
type FileEntry struct {
	Path string       `json:"path"` // forward-slash relative path
	Size int64        `json:"size"`
	Hash digest.Token `json:"hash"`
}

// Summary totals a scanned manifest.
type Summary struct {
	TotalFiles int
	TotalSize  int64
}

// Remote is a named version-control remote.
type Remote struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// RevisionInfo is a snapshot of the source tree's version-control state
// taken at publish time.
type RevisionInfo struct {
	CommitHash    string     `json:"commit_hash"`
	CommitShort   string     `json:"commit_short"`
	Branch        string     `json:"branch,omitempty"`
	Tag           string     `json:"tag,omitempty"`
	Author        string     `json:"author,omitempty"`
	AuthorEmail   string     `json:"author_email,omitempty"`
	CommitMessage string     `json:"commit_message,omitempty"`
	CommitTime    *time.Time `json:"commit_time,omitempty"`
	IsDirty       bool       `json:"is_dirty"`
	Remotes       []Remote   `json:"remotes,omitempty"`
}

// StorageKind identifies the backend holding archive bytes.
type StorageKind string

const (
	StorageLocal StorageKind = "local"
	StorageS3    StorageKind = "s3"
	StorageGCS   StorageKind = "gcs"
	StorageHTTP  StorageKind = "http"
)

// IsObjectStore reports whether k addresses a bucket/key store.
func (k StorageKind) IsObjectStore() bool {
	return k == StorageS3 || k == StorageGCS
}

// StorageRef records where a package archive lives.
type StorageRef struct {
	Kind   StorageKind `json:"type"`
	Path   string      `json:"path,omitempty"` // local path or URL
	Bucket string      `json:"bucket,omitempty"`
	Region string      `json:"region,omitempty"`
	Key    string      `json:"key,omitempty"`
}

// Package is a published, content-addressed archive and its metadata.
type Package struct {
	ID          string // empty until persisted
	Name        PackageName
	Version     string
	ArchiveName string
	ArchiveHash digest.Token
	ArchiveSize int64
	FileCount   int
	Files       []FileEntry
	Revision    *RevisionInfo
	Storage     *StorageRef
	PublisherID string
	Description string
	Metadata    map[string]string
	CreatedAt   time.Time
}

// CommitHash returns the revision commit or "" when no revision was captured.
// It is the third component of a package's unique key.
func (p *Package) CommitHash() string {
	if p.Revision == nil {
		return ""
	}
	return p.Revision.CommitHash
}

// Key returns the unique catalog key of p.
func (p *Package) Key() PackageKey {
	return PackageKey{Name: string(p.Name), Version: p.Version, Commit: p.CommitHash()}
}

// WithStorage returns a copy of p pointing at ref. The receiver is unchanged.
func (p *Package) WithStorage(ref StorageRef) *Package {
	cp := *p
	cp.Storage = &ref
	return &cp
}

// Validate checks the invariants a package must satisfy before it is stored.
func (p *Package) Validate() error {
	if _, err := NewPackageName(string(p.Name)); err != nil {
		return err
	}
	if p.Version == "" {
		return fmt.Errorf("package %s: empty version", p.Name)
	}
	if p.ArchiveHash.IsZero() {
		return fmt.Errorf("package %s@%s: missing archive hash", p.Name, p.Version)
	}
	if p.ArchiveName != "" && !ValidArchiveName(p.ArchiveName) {
		return fmt.Errorf("package %s@%s: archive name %q is not a bare file name", p.Name, p.Version, p.ArchiveName)
	}
	if len(p.Files) > 0 && p.FileCount != len(p.Files) {
		return fmt.Errorf("package %s@%s: file count %d does not match %d entries",
			p.Name, p.Version, p.FileCount, len(p.Files))
	}
	seen := make(map[string]struct{}, len(p.Files))
	for _, f := range p.Files {
		if _, dup := seen[f.Path]; dup {
			return fmt.Errorf("package %s@%s: duplicate manifest path %s", p.Name, p.Version, f.Path)
		}
		seen[f.Path] = struct{}{}
	}
	return nil
}

// ValidArchiveName reports whether name is a plain file name that stays in
// the directory it is joined to.
func ValidArchiveName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return false
	}
	return filepath.Base(name) == name && filepath.VolumeName(name) == ""
}

// PackageKey is the uniqueness key of a catalog package row.
type PackageKey struct {
	Name    string
	Version string
	Commit  string
}

func (k PackageKey) String() string {
	if k.Commit == "" {
		return k.Name + "@" + k.Version
	}
	return k.Name + "@" + k.Version + "#" + k.Commit
}

// GroupMember references a package by name and version.
type GroupMember struct {
	PackageName    PackageName
	PackageVersion string
	InstallOrder   int
	Required       bool
	PackageID      string
}

// Group bundles packages for installation.
type Group struct {
	ID                string
	Name              PackageName
	Version           string
	CreatedBy         string
	Description       string
	EnvironmentConfig map[string]any
	Metadata          map[string]any
	Members           []GroupMember
	CreatedAt         time.Time
}

// OrderedMembers returns the members sorted by install order. Members with
// equal order keep their insertion order.
func (g *Group) OrderedMembers() []GroupMember {
	out := make([]GroupMember, len(g.Members))
	copy(out, g.Members)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].InstallOrder < out[j].InstallOrder
	})
	return out
}

// ResolvedMember is a group member whose package was found in the catalog.
type ResolvedMember struct {
	Package      *Package
	InstallOrder int
	Required     bool
}
