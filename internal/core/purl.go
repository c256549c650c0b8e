package core

import (
	"fmt"
	"net/url"

	"github.com/git-pkgs/purl"
)

// purlType is the PURL type used for depot packages.
const purlType = "generic"

// PackageURL returns the Package URL of p, e.g.
// "pkg:generic/demo@1.0.0?checksum=sha256:ab12...".
func PackageURL(p *Package) string {
	s := fmt.Sprintf("pkg:%s/%s", purlType, url.PathEscape(string(p.Name)))
	if p.Version != "" {
		s += "@" + url.PathEscape(p.Version)
	}
	if !p.ArchiveHash.IsZero() {
		s += "?checksum=" + url.QueryEscape(p.ArchiveHash.String())
	}
	return s
}

// ParsePackageURL extracts the package name and version from a generic PURL.
// The version is empty when the PURL has none.
func ParsePackageURL(s string) (PackageName, string, error) {
	p, err := purl.Parse(s)
	if err != nil {
		return "", "", err
	}
	if p.Type != purlType {
		return "", "", fmt.Errorf("unsupported PURL type %q, want %q", p.Type, purlType)
	}
	name, err := NewPackageName(p.Name)
	if err != nil {
		return "", "", err
	}
	return name, p.Version, nil
}
