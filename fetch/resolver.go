package fetch

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/git-pkgs/depot/digest"
	"github.com/git-pkgs/depot/internal/core"
)

var (
	ErrNoDownloadURL     = errors.New("no download source available")
	ErrUnsupportedScheme = errors.New("unsupported download URL scheme")
)

// SourceKind says how an ArtifactInfo is read.
type SourceKind string

const (
	SourceURL   SourceKind = "url"   // HTTP(S) download
	SourceStore SourceKind = "store" // object store via a BlobStore
	SourceLocal SourceKind = "local" // file on this machine
)

// ArtifactInfo is one place a package archive can be read from.
type ArtifactInfo struct {
	Kind      SourceKind
	URL       string
	Ref       *core.StorageRef
	Path      string
	Filename  string
	Integrity digest.Token
}

// Location is a human readable description of the source.
func (a ArtifactInfo) Location() string {
	switch a.Kind {
	case SourceURL:
		return a.URL
	case SourceLocal:
		return a.Path
	default:
		if a.Ref != nil {
			return fmt.Sprintf("%s://%s/%s", a.Ref.Kind, a.Ref.Bucket, a.Ref.Key)
		}
		return ""
	}
}

// Resolver decides where a package archive can be read from. Candidates
// come back in priority order: the manifest's download URL, the catalog's
// storage reference, then files found under the local storage roots.
type Resolver struct {
	roots []string
}

// NewResolver creates a resolver that also searches the given roots.
func NewResolver(roots ...string) *Resolver {
	r := &Resolver{}
	for _, root := range roots {
		r.AddRoot(root)
	}
	return r
}

// AddRoot adds a local storage directory to search.
func (r *Resolver) AddRoot(root string) {
	if root != "" {
		r.roots = append(r.roots, root)
	}
}

// Resolve returns the candidate sources for p's archive.
func (r *Resolver) Resolve(p *core.Package, downloadURL string) ([]ArtifactInfo, error) {
	if p == nil || p.ArchiveName == "" {
		return nil, fmt.Errorf("%w: package has no archive name", ErrNoDownloadURL)
	}

	var out []ArtifactInfo
	seen := make(map[string]bool)
	add := func(a ArtifactInfo) {
		a.Filename = p.ArchiveName
		a.Integrity = p.ArchiveHash
		loc := string(a.Kind) + "|" + a.Location()
		if seen[loc] {
			return
		}
		seen[loc] = true
		out = append(out, a)
	}

	if downloadURL != "" {
		a, err := fromURL(downloadURL)
		if err != nil {
			return nil, err
		}
		add(a)
	}

	if ref := p.Storage; ref != nil {
		switch {
		case ref.Kind == core.StorageLocal && ref.Path != "":
			add(ArtifactInfo{Kind: SourceLocal, Path: ref.Path, Ref: ref})
		case ref.Kind == core.StorageHTTP && ref.Path != "":
			add(ArtifactInfo{Kind: SourceURL, URL: ref.Path, Ref: ref})
		case ref.Kind.IsObjectStore() && ref.Key != "":
			add(ArtifactInfo{Kind: SourceStore, Ref: ref})
		}
	}

	for _, root := range r.roots {
		if !core.ValidArchiveName(p.ArchiveName) {
			break
		}
		for _, candidate := range []string{
			filepath.Join(root, p.ArchiveName),
			filepath.Join(root, "packages", string(p.Name), p.Version, p.ArchiveName),
		} {
			if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
				add(ArtifactInfo{Kind: SourceLocal, Path: candidate})
			}
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w for %s@%s", ErrNoDownloadURL, p.Name, p.Version)
	}
	return out, nil
}

func fromURL(raw string) (ArtifactInfo, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return ArtifactInfo{}, fmt.Errorf("parsing download URL: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return ArtifactInfo{Kind: SourceURL, URL: raw}, nil
	case "file":
		return ArtifactInfo{Kind: SourceLocal, Path: filepath.FromSlash(u.Path)}, nil
	case "":
		return ArtifactInfo{Kind: SourceLocal, Path: raw}, nil
	case "s3", "gs":
		kind := core.StorageS3
		if u.Scheme == "gs" {
			kind = core.StorageGCS
		}
		return ArtifactInfo{Kind: SourceStore, Ref: &core.StorageRef{
			Kind:   kind,
			Bucket: u.Host,
			Key:    strings.TrimPrefix(u.Path, "/"),
		}}, nil
	default:
		return ArtifactInfo{}, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
}
