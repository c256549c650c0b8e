package group

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/git-pkgs/depot/digest"
	"github.com/git-pkgs/depot/internal/catalog/memory"
	"github.com/git-pkgs/depot/internal/core"
	"github.com/git-pkgs/depot/internal/store/local"
	"github.com/git-pkgs/depot/manifest"
)

func TestServiceCreate(t *testing.T) {
	ctx := context.Background()
	cat := memory.New()
	db := publish(t, cat, "db", "1.0")
	svc := NewService(cat, WithCreatedBy("ops@host"))

	g, err := svc.Create(ctx, "stack", "1", []core.GroupMember{
		member("db", "1.0", 1, true),
		member("extras", "0.1", 2, false),
	}, CreateOptions{
		Description:       "full stack",
		EnvironmentConfig: map[string]any{"region": "eu"},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if g.ID == "" || g.CreatedBy != "ops@host" {
		t.Errorf("unexpected group %+v", g)
	}
	if g.Members[0].PackageID != db.ID {
		t.Errorf("required member not linked to %s: %+v", db.ID, g.Members[0])
	}
	if g.Members[1].PackageID != "" {
		t.Errorf("optional missing member should have no ID, got %s", g.Members[1].PackageID)
	}

	_, err = svc.Create(ctx, "stack", "1", nil, CreateOptions{})
	if !errors.Is(err, core.ErrGroupExists) {
		t.Errorf("expected ErrGroupExists, got %v", err)
	}
}

func TestServiceMissing(t *testing.T) {
	ctx := context.Background()
	cat := memory.New()
	publish(t, cat, "db", "1.0")
	svc := NewService(cat)

	g, err := svc.Create(ctx, "stack", "1", []core.GroupMember{
		member("db", "1.0", 1, true),
		member("extras", "0.1", 2, false),
	}, CreateOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	missing, err := svc.Missing(ctx, g.ID)
	if err != nil {
		t.Fatalf("Missing failed: %v", err)
	}
	if len(missing) != 1 || missing[0].PackageName != "extras" {
		t.Errorf("unexpected missing members %+v", missing)
	}

	if _, err := svc.Missing(ctx, "no-such-group"); !errors.Is(err, core.ErrGroupNotFound) {
		t.Errorf("expected ErrGroupNotFound, got %v", err)
	}
}

func TestServiceCreateRejects(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.New())

	_, err := svc.Create(ctx, "stack", "1", []core.GroupMember{member("ghost", "1", 0, true)}, CreateOptions{})
	if !errors.Is(err, core.ErrPackageNotFound) {
		t.Errorf("expected ErrPackageNotFound for required missing member, got %v", err)
	}

	_, err = svc.Create(ctx, "bad name", "1", nil, CreateOptions{})
	if !errors.Is(err, core.ErrInvalidPackageName) {
		t.Errorf("expected ErrInvalidPackageName, got %v", err)
	}

	_, err = svc.Create(ctx, "stack", "", nil, CreateOptions{})
	if err == nil {
		t.Error("expected error for empty version")
	}
}

func TestServiceMembers(t *testing.T) {
	ctx := context.Background()
	cat := memory.New()
	publish(t, cat, "db", "1.0")
	publish(t, cat, "app", "2.0")
	publish(t, cat, "app", "2.1")
	svc := NewService(cat)

	g, err := svc.Create(ctx, "stack", "1", []core.GroupMember{member("db", "1.0", 1, true)}, CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.AddMember(ctx, g.ID, member("app", core.LatestVersion, 2, true)); err != nil {
		t.Fatalf("AddMember failed: %v", err)
	}
	if err := svc.AddMember(ctx, g.ID, member("ghost", "1", 3, true)); !errors.Is(err, core.ErrPackageNotFound) {
		t.Errorf("expected ErrPackageNotFound, got %v", err)
	}

	got, err := svc.Get(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Members) != 2 || got.Members[1].PackageVersion != "2.1" {
		t.Fatalf("expected latest pinned to 2.1, got %+v", got.Members)
	}

	if err := svc.RemoveMember(ctx, g.ID, "db", "1.0"); err != nil {
		t.Fatalf("RemoveMember failed: %v", err)
	}
	if err := svc.RemoveMember(ctx, g.ID, "db", "1.0"); !errors.Is(err, core.ErrPackageNotFound) {
		t.Errorf("expected ErrPackageNotFound removing twice, got %v", err)
	}

	_, resolved, err := svc.Resolve(ctx, g.ID)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(resolved) != 1 || resolved[0].Package.Version != "2.1" {
		t.Errorf("unexpected resolution %+v", resolved)
	}
}

func TestServiceDeleteKeepsPackages(t *testing.T) {
	ctx := context.Background()
	cat := memory.New()
	p := publish(t, cat, "db", "1.0")
	svc := NewService(cat)

	g, err := svc.Create(ctx, "stack", "1", []core.GroupMember{member("db", "1.0", 0, true)}, CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if err := cat.Delete(ctx, p.ID); !errors.Is(err, core.ErrPackageReferenced) {
		t.Errorf("expected ErrPackageReferenced, got %v", err)
	}

	if err := svc.Delete(ctx, g.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := svc.Get(ctx, g.ID); !errors.Is(err, core.ErrGroupNotFound) {
		t.Errorf("expected ErrGroupNotFound, got %v", err)
	}
	if _, err := cat.Get(ctx, p.ID); err != nil {
		t.Errorf("package should survive group deletion: %v", err)
	}
}

func TestServiceExportImport(t *testing.T) {
	ctx := context.Background()
	src := memory.New()
	if _, _, err := src.InsertOrGet(ctx, &core.Package{
		Name:        "db",
		Version:     "1.0",
		ArchiveName: "db_v1.0.zip",
		ArchiveHash: digest.MustParse("sha256:00ff"),
		Revision:    &core.RevisionInfo{CommitHash: "0123456789abcdef", CommitShort: "0123456"},
	}); err != nil {
		t.Fatal(err)
	}
	publish(t, src, "app", "2.0")

	svc := NewService(src, WithCreatedBy("ops"))
	g, err := svc.Create(ctx, "stack", "1", []core.GroupMember{
		member("app", "2.0", 2, false),
		member("db", "1.0", 1, true),
	}, CreateOptions{Metadata: map[string]any{"owner": "infra"}})
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	path, err := svc.Export(ctx, g.ID, dir)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if filepath.Base(path) != "stack_v1.json" {
		t.Errorf("unexpected export name %s", path)
	}

	doc, err := manifest.LoadGroup(path)
	if err != nil {
		t.Fatalf("LoadGroup failed: %v", err)
	}
	if len(doc.Packages) != 2 || doc.Packages[0].PackageName != "db" {
		t.Fatalf("expected db first in install order, got %+v", doc.Packages)
	}
	if doc.Packages[1].IsRequired() {
		t.Error("app should be exported as optional")
	}
	if doc.Packages[0].GitCommit != "0123456" {
		t.Errorf("expected db commit 0123456, got %q", doc.Packages[0].GitCommit)
	}
	if doc.CreatedBy != "ops" || doc.Metadata["owner"] != "infra" {
		t.Errorf("unexpected export header %+v", doc)
	}

	// import into a catalog that only knows app
	dst := memory.New()
	app := publish(t, dst, "app", "2.0")
	imported, err := NewService(dst).Import(ctx, path)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if imported.Name != "stack" || len(imported.Members) != 2 {
		t.Fatalf("unexpected imported group %+v", imported)
	}
	for _, m := range imported.Members {
		switch m.PackageName {
		case "app":
			if m.PackageID != app.ID {
				t.Errorf("app not linked on import: %+v", m)
			}
		case "db":
			if m.PackageID != "" || !m.Required {
				t.Errorf("db should be kept unlinked and required: %+v", m)
			}
		}
	}

	_, err = NewService(dst).Resolver().Resolve(ctx, imported)
	if !errors.Is(err, core.ErrRequiredPackageMissing) {
		t.Errorf("expected ErrRequiredPackageMissing resolving imported group, got %v", err)
	}
}

func TestServiceImportCommentedJSON(t *testing.T) {
	ctx := context.Background()
	cat := memory.New()
	publish(t, cat, "db", "1.0")

	path := filepath.Join(t.TempDir(), "stack_v2.json")
	doc := `{
  // edited by hand
  "group_name": "stack",
  "version": "2",
  "created_by": "me",
  "environment_config": {},
  "metadata": {},
  "packages": [
    {"package_name": "db", "version": "1.0", "install_order": 1},
  ],
}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	g, err := NewService(cat).Import(ctx, path)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if !g.Members[0].Required {
		t.Error("members without a required flag default to required")
	}

	if _, err := NewService(cat).Import(ctx, filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestServicePublishFetchConfig(t *testing.T) {
	ctx := context.Background()
	cat := memory.New()
	publish(t, cat, "db", "1.0")
	store, err := local.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	svc := NewService(cat, WithStore(store))

	g, err := svc.Create(ctx, "stack", "3", []core.GroupMember{member("db", "1.0", 0, true)}, CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}

	key, err := svc.PublishConfig(ctx, g.ID)
	if err != nil {
		t.Fatalf("PublishConfig failed: %v", err)
	}
	if key != "groups/stack/3/group.json" {
		t.Errorf("unexpected key %s", key)
	}

	other := memory.New()
	publish(t, other, "db", "1.0")
	fetched, err := NewService(other, WithStore(store)).FetchConfig(ctx, "stack", "3")
	if err != nil {
		t.Fatalf("FetchConfig failed: %v", err)
	}
	if fetched.Name != "stack" || len(fetched.Members) != 1 || fetched.Members[0].PackageID == "" {
		t.Errorf("unexpected fetched group %+v", fetched)
	}

	_, err = NewService(other, WithStore(store)).FetchConfig(ctx, "stack", "99")
	if !errors.Is(err, core.ErrGroupNotFound) {
		t.Errorf("expected ErrGroupNotFound, got %v", err)
	}

	_, err = NewService(cat).PublishConfig(ctx, g.ID)
	if err == nil || !strings.Contains(err.Error(), "no blob store") {
		t.Errorf("expected missing store error, got %v", err)
	}
}
