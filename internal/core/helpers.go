package core

import (
	"context"
	"errors"
	"path"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
)

const defaultConcurrency = 15

// LatestVersion is the version alias resolved by LatestPackage.
const LatestVersion = "latest"

// LatestPackage returns the package with the highest semantic version for
// name. Versions that do not parse as semver rank below every valid one and
// are ordered among themselves by publish time.
func LatestPackage(ctx context.Context, cat PackageCatalog, name string) (*Package, error) {
	pkgs, err := cat.FindAll(ctx, PackageFilter{Name: name})
	if err != nil {
		return nil, err
	}
	if len(pkgs) == 0 {
		return nil, &NotFoundError{Name: name}
	}

	SortByVersion(pkgs)
	return pkgs[0], nil
}

// SortByVersion orders pkgs newest first by semantic version, then by
// publish time.
func SortByVersion(pkgs []*Package) {
	parsed := make(map[*Package]*semver.Version, len(pkgs))
	for _, p := range pkgs {
		if v, err := semver.NewVersion(p.Version); err == nil {
			parsed[p] = v
		}
	}

	sort.SliceStable(pkgs, func(i, j int) bool {
		vi, iok := parsed[pkgs[i]]
		vj, jok := parsed[pkgs[j]]
		switch {
		case iok && jok && !vi.Equal(vj):
			return vi.GreaterThan(vj)
		case iok != jok:
			return iok
		default:
			return pkgs[i].CreatedAt.After(pkgs[j].CreatedAt)
		}
	})
}

// FindPackage looks up name and version, resolving the "latest" alias.
func FindPackage(ctx context.Context, cat PackageCatalog, name, version string) (*Package, error) {
	if version == "" || version == LatestVersion {
		return LatestPackage(ctx, cat, name)
	}
	return cat.Find(ctx, name, version)
}

// BulkFind looks up many package keys in parallel. Keys that are not found
// are omitted from the result. Other errors are returned after all lookups
// finish.
func BulkFind(ctx context.Context, cat PackageCatalog, keys []PackageKey) (map[PackageKey]*Package, error) {
	return BulkFindWithConcurrency(ctx, cat, keys, defaultConcurrency)
}

// BulkFindWithConcurrency is BulkFind with a custom concurrency limit.
func BulkFindWithConcurrency(ctx context.Context, cat PackageCatalog, keys []PackageKey, concurrency int) (map[PackageKey]*Package, error) {
	if concurrency < 1 {
		concurrency = 1
	}

	results := make(map[PackageKey]*Package)
	var errs []error
	var mu sync.Mutex
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for _, key := range keys {
		wg.Add(1)
		go func(k PackageKey) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				mu.Lock()
				errs = append(errs, ctx.Err())
				mu.Unlock()
				return
			}

			pkg, err := FindPackage(ctx, cat, k.Name, k.Version)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				results[k] = pkg
			case !errors.Is(err, ErrPackageNotFound):
				errs = append(errs, err)
			}
		}(key)
	}

	wg.Wait()
	return results, errors.Join(errs...)
}

// ArchiveKey is the blob store key of a published archive:
// "packages/{name}/{version}/{archiveName}".
func ArchiveKey(name, version, archiveName string) string {
	return path.Join("packages", name, version, archiveName)
}

// GroupConfigKey is the blob store key of an exported group:
// "groups/{name}/{version}/group.json".
func GroupConfigKey(name, version string) string {
	return path.Join("groups", name, version, "group.json")
}
