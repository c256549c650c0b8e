// Package group resolves package groups to installable package lists and
// manages group records, their JSON export, and their remote copies.
package group

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/git-pkgs/depot/internal/core"
	"github.com/git-pkgs/depot/internal/logger"
)

// Resolver maps group members to catalog packages.
type Resolver struct {
	catalog core.PackageCatalog
	logger  *slog.Logger
}

// NewResolver creates a Resolver. A nil logger discards warnings.
func NewResolver(catalog core.PackageCatalog, l *slog.Logger) *Resolver {
	return &Resolver{catalog: catalog, logger: logger.OrDiscard(l)}
}

// Resolve returns g's members in install order, ties kept in insertion
// order. A missing required member fails the whole resolution with a
// *core.MissingMemberError. Missing optional members are logged and left out.
func (r *Resolver) Resolve(ctx context.Context, g *core.Group) ([]core.ResolvedMember, error) {
	members := g.OrderedMembers()
	out := make([]core.ResolvedMember, 0, len(members))

	for _, m := range members {
		pkg, err := r.lookup(ctx, m)
		switch {
		case err == nil:
			out = append(out, core.ResolvedMember{Package: pkg, InstallOrder: m.InstallOrder, Required: m.Required})
		case !errors.Is(err, core.ErrPackageNotFound):
			return nil, fmt.Errorf("resolving %s@%s: %w", m.PackageName, m.PackageVersion, err)
		case m.Required:
			return nil, &core.MissingMemberError{
				Group:   fmt.Sprintf("%s@%s", g.Name, g.Version),
				Name:    string(m.PackageName),
				Version: m.PackageVersion,
			}
		default:
			r.logger.Warn("skipping missing optional package",
				"group", g.Name, "group_version", g.Version,
				"package", m.PackageName, "version", m.PackageVersion)
		}
	}
	return out, nil
}

// Missing returns every member of g, required or not, that has no
// matching catalog package, in install order.
func (r *Resolver) Missing(ctx context.Context, g *core.Group) ([]core.GroupMember, error) {
	members := g.OrderedMembers()
	keys := make([]core.PackageKey, 0, len(members))
	for _, m := range members {
		keys = append(keys, core.PackageKey{Name: string(m.PackageName), Version: m.PackageVersion})
	}

	found, err := core.BulkFind(ctx, r.catalog, keys)
	if err != nil {
		return nil, err
	}

	var missing []core.GroupMember
	for i, m := range members {
		if _, ok := found[keys[i]]; !ok {
			missing = append(missing, m)
		}
	}
	return missing, nil
}

// lookup prefers the recorded package ID and falls back to name and
// version when the ID is absent or stale.
func (r *Resolver) lookup(ctx context.Context, m core.GroupMember) (*core.Package, error) {
	if m.PackageID != "" {
		pkg, err := r.catalog.Get(ctx, m.PackageID)
		if err == nil {
			return pkg, nil
		}
		if !errors.Is(err, core.ErrPackageNotFound) {
			return nil, err
		}
	}
	return core.FindPackage(ctx, r.catalog, string(m.PackageName), m.PackageVersion)
}
