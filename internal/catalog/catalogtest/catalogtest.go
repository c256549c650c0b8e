// Package catalogtest is a behavioural suite every core.Catalog
// implementation must pass.
package catalogtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/git-pkgs/depot/digest"
	"github.com/git-pkgs/depot/internal/core"
)

// Opener returns a fresh, empty catalog for one subtest.
type Opener func(t *testing.T) core.Catalog

// Package builds a valid package record.
func Package(name, version, commit string) *core.Package {
	p := &core.Package{
		Name:        core.PackageName(name),
		Version:     version,
		ArchiveName: fmt.Sprintf("%s_v%s.zip", name, version),
		ArchiveHash: digest.MustParse("sha256:" + fmt.Sprintf("%064x", len(name)+len(version))),
		ArchiveSize: 100,
		FileCount:   1,
		Files:       []core.FileEntry{{Path: "a.txt", Size: 5, Hash: digest.MustParse("sha256:aa")}},
		PublisherID: "tester@host",
		Metadata:    map[string]string{"k": "v"},
	}
	if commit != "" {
		p.Revision = &core.RevisionInfo{CommitHash: commit, CommitShort: commit[:min(7, len(commit))], Branch: "main"}
	}
	return p
}

// Run executes the suite.
func Run(t *testing.T, open Opener) {
	tests := map[string]func(*testing.T, core.Catalog){
		"InsertOrGetIsIdempotent":      testInsertOrGet,
		"InsertOrGetConcurrent":        testInsertOrGetConcurrent,
		"CommitDistinguishesRows":      testCommitKey,
		"FindReturnsNewest":            testFindNewest,
		"FindAllFilters":               testFindAllFilters,
		"GetAndNotFound":               testGet,
		"UpdateStorage":                testUpdateStorage,
		"GroupLifecycle":               testGroupLifecycle,
		"GroupUnique":                  testGroupUnique,
		"DeleteReferencedPackage":      testDeleteReferenced,
		"DeleteGroupKeepsPackages":     testDeleteGroupKeepsPackages,
		"MembersKeepInsertionOrdering": testMemberOrdering,
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			c := open(t)
			t.Cleanup(func() { _ = c.Close() })
			fn(t, c)
		})
	}
}

func testInsertOrGet(t *testing.T, c core.Catalog) {
	ctx := context.Background()
	p := Package("demo", "1.0.0", "abc123")

	first, existed, err := c.InsertOrGet(ctx, p)
	require.NoError(t, err)
	require.False(t, existed)
	require.NotEmpty(t, first.ID)
	require.False(t, first.CreatedAt.IsZero())

	second, existed, err := c.InsertOrGet(ctx, Package("demo", "1.0.0", "abc123"))
	require.NoError(t, err)
	require.True(t, existed)
	require.Equal(t, first.ID, second.ID)

	require.Equal(t, "abc123", second.CommitHash())
	require.Equal(t, "main", second.Revision.Branch)
	require.True(t, second.ArchiveHash.Equal(p.ArchiveHash))
	require.Len(t, second.Files, 1)
	require.Equal(t, "a.txt", second.Files[0].Path)
	require.Equal(t, "v", second.Metadata["k"])

	ok, err := c.Exists(ctx, p.Key())
	require.NoError(t, err)
	require.True(t, ok)
}

func testInsertOrGetConcurrent(t *testing.T, c core.Catalog) {
	ctx := context.Background()
	const n = 8

	ids := make([]string, n)
	inserted := make([]bool, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, existed, err := c.InsertOrGet(ctx, Package("race", "1.0.0", ""))
			if err != nil {
				t.Errorf("InsertOrGet: %v", err)
				return
			}
			ids[i] = got.ID
			inserted[i] = !existed
		}()
	}
	wg.Wait()

	created := 0
	for i := range n {
		require.Equal(t, ids[0], ids[i])
		if inserted[i] {
			created++
		}
	}
	require.Equal(t, 1, created)
}

func testCommitKey(t *testing.T, c core.Catalog) {
	ctx := context.Background()
	a, _, err := c.InsertOrGet(ctx, Package("demo", "1.0.0", ""))
	require.NoError(t, err)
	b, existed, err := c.InsertOrGet(ctx, Package("demo", "1.0.0", "def456"))
	require.NoError(t, err)
	require.False(t, existed)
	require.NotEqual(t, a.ID, b.ID)
	require.Nil(t, a.Revision)
}

func testFindNewest(t *testing.T, c core.Catalog) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	older := Package("demo", "1.0.0", "aaa")
	older.CreatedAt = base
	newer := Package("demo", "1.0.0", "bbb")
	newer.CreatedAt = base.Add(time.Hour)

	_, _, err := c.InsertOrGet(ctx, newer)
	require.NoError(t, err)
	_, _, err = c.InsertOrGet(ctx, older)
	require.NoError(t, err)

	got, err := c.Find(ctx, "demo", "1.0.0")
	require.NoError(t, err)
	require.Equal(t, "bbb", got.CommitHash())
	require.True(t, got.CreatedAt.Equal(newer.CreatedAt))

	_, err = c.Find(ctx, "demo", "9.9.9")
	require.ErrorIs(t, err, core.ErrPackageNotFound)
}

func testFindAllFilters(t *testing.T, c core.Catalog) {
	ctx := context.Background()
	for i, v := range []string{"1.0.0", "1.1.0", "2.0.0"} {
		p := Package("lib", v, fmt.Sprintf("c%d", i))
		p.CreatedAt = time.Date(2024, 1, 1+i, 0, 0, 0, 0, time.UTC)
		if v == "2.0.0" {
			p.Revision.Branch = "release"
			p.PublisherID = "other@host"
		}
		_, _, err := c.InsertOrGet(ctx, p)
		require.NoError(t, err)
	}
	_, _, err := c.InsertOrGet(ctx, Package("unrelated", "1.0.0", ""))
	require.NoError(t, err)

	all, err := c.FindAll(ctx, core.PackageFilter{Name: "lib"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "2.0.0", all[0].Version)
	require.Equal(t, "1.0.0", all[2].Version)

	limited, err := c.FindAll(ctx, core.PackageFilter{Name: "lib", Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)

	byBranch, err := c.FindAll(ctx, core.PackageFilter{Branch: "release"})
	require.NoError(t, err)
	require.Len(t, byBranch, 1)
	require.Equal(t, "2.0.0", byBranch[0].Version)

	byPublisher, err := c.FindAll(ctx, core.PackageFilter{Name: "lib", PublisherID: "tester@host"})
	require.NoError(t, err)
	require.Len(t, byPublisher, 2)

	byCommit, err := c.FindAll(ctx, core.PackageFilter{CommitHash: "c1"})
	require.NoError(t, err)
	require.Len(t, byCommit, 1)
	require.Equal(t, "1.1.0", byCommit[0].Version)
}

func testGet(t *testing.T, c core.Catalog) {
	ctx := context.Background()
	p, _, err := c.InsertOrGet(ctx, Package("demo", "1.0.0", ""))
	require.NoError(t, err)

	got, err := c.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, p.ID, got.ID)

	_, err = c.Get(ctx, "missing")
	require.ErrorIs(t, err, core.ErrPackageNotFound)

	_, _, err = c.InsertOrGet(ctx, &core.Package{Name: "bad name!", Version: "1"})
	require.ErrorIs(t, err, core.ErrInvalidPackageName)
}

func testUpdateStorage(t *testing.T, c core.Catalog) {
	ctx := context.Background()
	p, _, err := c.InsertOrGet(ctx, Package("demo", "1.0.0", ""))
	require.NoError(t, err)
	require.Nil(t, p.Storage)

	ref := core.StorageRef{Kind: core.StorageS3, Bucket: "b", Region: "eu-west-1", Key: "packages/demo/1.0.0/demo_v1.0.0.zip"}
	require.NoError(t, c.UpdateStorage(ctx, p.ID, ref))

	got, err := c.Get(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Storage)
	require.Equal(t, ref, *got.Storage)

	require.ErrorIs(t, c.UpdateStorage(ctx, "missing", ref), core.ErrPackageNotFound)
}

func testGroupLifecycle(t *testing.T, c core.Catalog) {
	ctx := context.Background()
	pkg, _, err := c.InsertOrGet(ctx, Package("db", "1.0", ""))
	require.NoError(t, err)

	g, err := c.CreateGroup(ctx, &core.Group{
		Name:              "stack",
		Version:           "1",
		CreatedBy:         "ops",
		EnvironmentConfig: map[string]any{"region": "eu"},
		Metadata:          map[string]any{"tier": "prod"},
		Members: []core.GroupMember{
			{PackageName: "db", PackageVersion: "1.0", InstallOrder: 1, Required: true, PackageID: pkg.ID},
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, g.ID)

	require.NoError(t, c.AddMember(ctx, g.ID, core.GroupMember{PackageName: "cache", PackageVersion: "2.0", InstallOrder: 2}))

	got, err := c.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, got.Members, 2)
	require.Equal(t, "eu", got.EnvironmentConfig["region"])
	require.Equal(t, pkg.ID, got.Members[0].PackageID)
	require.True(t, got.Members[0].Required)
	require.False(t, got.Members[1].Required)

	found, err := c.FindGroup(ctx, "stack", "1")
	require.NoError(t, err)
	require.Equal(t, g.ID, found.ID)

	require.NoError(t, c.RemoveMember(ctx, g.ID, "cache", "2.0"))
	require.ErrorIs(t, c.RemoveMember(ctx, g.ID, "cache", "2.0"), core.ErrPackageNotFound)
	require.ErrorIs(t, c.AddMember(ctx, "missing", core.GroupMember{PackageName: "x", PackageVersion: "1"}), core.ErrGroupNotFound)

	list, err := c.ListGroups(ctx, core.GroupFilter{CreatedBy: "ops"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Len(t, list[0].Members, 1)

	_, err = c.FindGroup(ctx, "stack", "2")
	require.ErrorIs(t, err, core.ErrGroupNotFound)
	_, err = c.GetGroup(ctx, "missing")
	require.ErrorIs(t, err, core.ErrGroupNotFound)
}

func testGroupUnique(t *testing.T, c core.Catalog) {
	ctx := context.Background()
	_, err := c.CreateGroup(ctx, &core.Group{Name: "stack", Version: "1"})
	require.NoError(t, err)
	_, err = c.CreateGroup(ctx, &core.Group{Name: "stack", Version: "1"})
	require.ErrorIs(t, err, core.ErrGroupExists)
	_, err = c.CreateGroup(ctx, &core.Group{Name: "stack", Version: "2"})
	require.NoError(t, err)
}

func testDeleteReferenced(t *testing.T, c core.Catalog) {
	ctx := context.Background()
	byID, _, err := c.InsertOrGet(ctx, Package("db", "1.0", ""))
	require.NoError(t, err)
	byName, _, err := c.InsertOrGet(ctx, Package("cache", "2.0", ""))
	require.NoError(t, err)
	free, _, err := c.InsertOrGet(ctx, Package("free", "1.0", ""))
	require.NoError(t, err)

	_, err = c.CreateGroup(ctx, &core.Group{Name: "stack", Version: "1", Members: []core.GroupMember{
		{PackageName: "db", PackageVersion: "1.0", PackageID: byID.ID, Required: true},
		{PackageName: "cache", PackageVersion: "2.0", Required: true},
	}})
	require.NoError(t, err)

	require.ErrorIs(t, c.Delete(ctx, byID.ID), core.ErrPackageReferenced)
	require.ErrorIs(t, c.Delete(ctx, byName.ID), core.ErrPackageReferenced)
	require.NoError(t, c.Delete(ctx, free.ID))
	require.ErrorIs(t, c.Delete(ctx, free.ID), core.ErrPackageNotFound)

	ok, err := c.Exists(ctx, free.Key())
	require.NoError(t, err)
	require.False(t, ok)
}

func testDeleteGroupKeepsPackages(t *testing.T, c core.Catalog) {
	ctx := context.Background()
	pkg, _, err := c.InsertOrGet(ctx, Package("db", "1.0", ""))
	require.NoError(t, err)
	g, err := c.CreateGroup(ctx, &core.Group{Name: "stack", Version: "1", Members: []core.GroupMember{
		{PackageName: "db", PackageVersion: "1.0", PackageID: pkg.ID, Required: true},
	}})
	require.NoError(t, err)

	require.NoError(t, c.DeleteGroup(ctx, g.ID))
	require.ErrorIs(t, c.DeleteGroup(ctx, g.ID), core.ErrGroupNotFound)

	_, err = c.Get(ctx, pkg.ID)
	require.NoError(t, err)
	// no longer referenced
	require.NoError(t, c.Delete(ctx, pkg.ID))
}

func testMemberOrdering(t *testing.T, c core.Catalog) {
	ctx := context.Background()
	g, err := c.CreateGroup(ctx, &core.Group{Name: "order", Version: "1", Members: []core.GroupMember{
		{PackageName: "c", PackageVersion: "1", InstallOrder: 2},
		{PackageName: "a", PackageVersion: "1", InstallOrder: 1},
	}})
	require.NoError(t, err)
	require.NoError(t, c.AddMember(ctx, g.ID, core.GroupMember{PackageName: "b", PackageVersion: "1", InstallOrder: 1}))

	got, err := c.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	names := make([]string, 0, len(got.Members))
	for _, m := range got.OrderedMembers() {
		names = append(names, string(m.PackageName))
	}
	require.Equal(t, []string{"a", "b", "c"}, names)
}
