package group

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/git-pkgs/depot/digest"
	"github.com/git-pkgs/depot/internal/catalog/memory"
	"github.com/git-pkgs/depot/internal/core"
)

func publish(t *testing.T, cat core.PackageCatalog, name, version string) *core.Package {
	t.Helper()
	tok, err := digest.Bytes([]byte(name+"@"+version), digest.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	p, _, err := cat.InsertOrGet(context.Background(), &core.Package{
		Name:        core.PackageName(name),
		Version:     version,
		ArchiveName: name + "_v" + version + ".zip",
		ArchiveHash: tok,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("InsertOrGet failed: %v", err)
	}
	return p
}

func member(name, version string, order int, required bool) core.GroupMember {
	return core.GroupMember{
		PackageName:    core.PackageName(name),
		PackageVersion: version,
		InstallOrder:   order,
		Required:       required,
	}
}

func names(resolved []core.ResolvedMember) []string {
	out := make([]string, len(resolved))
	for i, r := range resolved {
		out[i] = string(r.Package.Name)
	}
	return out
}

func TestResolveOrdersByInstallOrder(t *testing.T) {
	cat := memory.New()
	for _, n := range []string{"app", "db", "cache"} {
		publish(t, cat, n, "1.0")
	}

	g := &core.Group{Name: "stack", Version: "1", Members: []core.GroupMember{
		member("app", "1.0", 3, true),
		member("db", "1.0", 1, true),
		member("cache", "1.0", 2, true),
	}}

	resolved, err := NewResolver(cat, nil).Resolve(context.Background(), g)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	got := strings.Join(names(resolved), ",")
	if got != "db,cache,app" {
		t.Errorf("expected db,cache,app, got %s", got)
	}
	if resolved[0].InstallOrder != 1 || !resolved[0].Required {
		t.Errorf("unexpected first member %+v", resolved[0])
	}
}

func TestResolveTiesKeepInsertionOrder(t *testing.T) {
	cat := memory.New()
	for _, n := range []string{"first", "second", "third"} {
		publish(t, cat, n, "1.0")
	}

	g := &core.Group{Name: "stack", Version: "1", Members: []core.GroupMember{
		member("first", "1.0", 5, true),
		member("second", "1.0", 5, true),
		member("third", "1.0", 0, true),
	}}

	resolved, err := NewResolver(cat, nil).Resolve(context.Background(), g)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got := strings.Join(names(resolved), ","); got != "third,first,second" {
		t.Errorf("expected third,first,second, got %s", got)
	}
}

func TestResolveRequiredMissing(t *testing.T) {
	cat := memory.New()
	publish(t, cat, "app", "1.0")

	g := &core.Group{Name: "stack", Version: "1", Members: []core.GroupMember{
		member("app", "1.0", 1, true),
		member("ghost", "9.9", 2, true),
	}}

	_, err := NewResolver(cat, nil).Resolve(context.Background(), g)
	if !errors.Is(err, core.ErrRequiredPackageMissing) {
		t.Fatalf("expected ErrRequiredPackageMissing, got %v", err)
	}
	var mm *core.MissingMemberError
	if !errors.As(err, &mm) {
		t.Fatalf("expected *MissingMemberError, got %T", err)
	}
	if mm.Name != "ghost" || mm.Version != "9.9" || mm.Group != "stack@1" {
		t.Errorf("unexpected error fields %+v", mm)
	}
}

func TestResolveOptionalMissingSkips(t *testing.T) {
	cat := memory.New()
	publish(t, cat, "app", "1.0")

	var logs bytes.Buffer
	l := slog.New(slog.NewTextHandler(&logs, nil))

	g := &core.Group{Name: "stack", Version: "1", Members: []core.GroupMember{
		member("app", "1.0", 1, true),
		member("ghost", "9.9", 2, false),
	}}

	resolved, err := NewResolver(cat, l).Resolve(context.Background(), g)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got := strings.Join(names(resolved), ","); got != "app" {
		t.Errorf("expected only app, got %s", got)
	}
	if !strings.Contains(logs.String(), "ghost") {
		t.Errorf("expected a warning naming the skipped package, got %q", logs.String())
	}
}

func TestResolvePrefersPackageID(t *testing.T) {
	cat := memory.New()
	p := publish(t, cat, "app", "1.0")

	m := member("app", "1.0", 0, true)
	m.PackageID = p.ID
	g := &core.Group{Name: "stack", Version: "1", Members: []core.GroupMember{m}}

	resolved, err := NewResolver(cat, nil).Resolve(context.Background(), g)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved[0].Package.ID != p.ID {
		t.Errorf("expected package %s, got %s", p.ID, resolved[0].Package.ID)
	}

	// a stale ID falls back to name and version
	g.Members[0].PackageID = "gone"
	resolved, err = NewResolver(cat, nil).Resolve(context.Background(), g)
	if err != nil {
		t.Fatalf("Resolve with stale ID failed: %v", err)
	}
	if resolved[0].Package.ID != p.ID {
		t.Errorf("fallback resolved %s, want %s", resolved[0].Package.ID, p.ID)
	}
}

func TestResolveLatest(t *testing.T) {
	cat := memory.New()
	publish(t, cat, "app", "1.2.0")
	publish(t, cat, "app", "1.10.0")
	publish(t, cat, "app", "1.9.0")

	g := &core.Group{Name: "stack", Version: "1", Members: []core.GroupMember{
		member("app", core.LatestVersion, 0, true),
	}}
	resolved, err := NewResolver(cat, nil).Resolve(context.Background(), g)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved[0].Package.Version != "1.10.0" {
		t.Errorf("expected 1.10.0, got %s", resolved[0].Package.Version)
	}
}

func TestMissing(t *testing.T) {
	cat := memory.New()
	publish(t, cat, "app", "1.0")

	g := &core.Group{Name: "stack", Version: "1", Members: []core.GroupMember{
		member("ghost", "1", 2, false),
		member("app", "1.0", 0, true),
		member("phantom", "2", 1, true),
	}}

	missing, err := NewResolver(cat, nil).Missing(context.Background(), g)
	if err != nil {
		t.Fatalf("Missing failed: %v", err)
	}
	if len(missing) != 2 || missing[0].PackageName != "phantom" || missing[1].PackageName != "ghost" {
		t.Errorf("unexpected missing members %+v", missing)
	}
}

func TestResolveOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("resolution is a stable sort by install order", prop.ForAll(
		func(orders []int) bool {
			cat := memory.New()
			g := &core.Group{Name: "prop", Version: "1"}
			for i, o := range orders {
				name := fmt.Sprintf("pkg-%d", i)
				tok, _ := digest.Bytes([]byte(name), digest.SHA256)
				if _, _, err := cat.InsertOrGet(context.Background(), &core.Package{
					Name: core.PackageName(name), Version: "1", ArchiveName: name + ".zip", ArchiveHash: tok,
				}); err != nil {
					return false
				}
				g.Members = append(g.Members, member(name, "1", o, true))
			}

			resolved, err := NewResolver(cat, nil).Resolve(context.Background(), g)
			if err != nil || len(resolved) != len(orders) {
				return false
			}
			index := func(r core.ResolvedMember) int {
				var i int
				_, _ = fmt.Sscanf(string(r.Package.Name), "pkg-%d", &i)
				return i
			}
			for i := 1; i < len(resolved); i++ {
				prev, cur := resolved[i-1], resolved[i]
				if prev.InstallOrder > cur.InstallOrder {
					return false
				}
				if prev.InstallOrder == cur.InstallOrder && index(prev) > index(cur) {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(8, gen.IntRange(0, 3)),
	))

	properties.TestingRun(t)
}
