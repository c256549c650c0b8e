package rediscache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/git-pkgs/depot/internal/catalog/catalogtest"
	"github.com/git-pkgs/depot/internal/catalog/memory"
	"github.com/git-pkgs/depot/internal/core"
)

func TestCodecRoundTrip(t *testing.T) {
	committed := time.Date(2026, 3, 1, 12, 30, 0, 123456789, time.UTC)
	pkg := catalogtest.Package("demo", "1.0.0", "0123456789abcdef")
	pkg.ID = "pkg-1"
	pkg.Revision.CommitTime = &committed
	pkg.Storage = &core.StorageRef{Kind: core.StorageS3, Bucket: "releases", Key: "packages/demo/1.0.0/demo_v1.0.0.zip"}
	pkg.CreatedAt = committed

	data, err := encMode.Marshal(pkg)
	require.NoError(t, err)

	var got core.Package
	require.NoError(t, decMode.Unmarshal(data, &got))
	require.Equal(t, pkg.ArchiveHash, got.ArchiveHash)
	require.Equal(t, pkg.Files, got.Files)
	require.Equal(t, *pkg.Storage, *got.Storage)
	require.True(t, committed.Equal(*got.Revision.CommitTime))
	require.True(t, committed.Equal(got.CreatedAt))
	require.Equal(t, pkg.Metadata, got.Metadata)

	g := &core.Group{
		ID:                "grp-1",
		Name:              "stack",
		Version:           "1",
		EnvironmentConfig: map[string]any{"region": "eu-west-1", "replicas": 3.0},
		Members: []core.GroupMember{
			{PackageName: "db", PackageVersion: "2.0", InstallOrder: 1, Required: true, PackageID: "pkg-2"},
			{PackageName: "app", PackageVersion: "1.0", InstallOrder: 2},
		},
	}
	data, err = encMode.Marshal(g)
	require.NoError(t, err)

	var gotGroup core.Group
	require.NoError(t, decMode.Unmarshal(data, &gotGroup))
	require.Equal(t, g.Members, gotGroup.Members)
	require.Equal(t, g.EnvironmentConfig, gotGroup.EnvironmentConfig)
}

func TestCodecIsDeterministic(t *testing.T) {
	pkg := catalogtest.Package("demo", "1.0.0", "")
	pkg.Metadata = map[string]string{"z": "1", "a": "2", "m": "3"}

	first, err := encMode.Marshal(pkg)
	require.NoError(t, err)
	for range 10 {
		again, err := encMode.Marshal(pkg)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestUnreachableRedisFallsBack(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	c := New(memory.New(), rdb, time.Minute)
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	stored, _, err := c.InsertOrGet(ctx, catalogtest.Package("demo", "1.0.0", ""))
	require.NoError(t, err)

	got, err := c.Get(ctx, stored.ID)
	require.NoError(t, err)
	require.Equal(t, stored.ID, got.ID)

	found, err := c.Find(ctx, "demo", "1.0.0")
	require.NoError(t, err)
	require.Equal(t, stored.ID, found.ID)

	_, err = c.Get(ctx, "missing")
	require.ErrorIs(t, err, core.ErrPackageNotFound)
}

func TestKeysAreNamespaced(t *testing.T) {
	c := New(memory.New(), redis.NewClient(&redis.Options{}), 0, WithPrefix("test:"))
	require.Equal(t, DefaultTTL, c.ttl)
	require.Equal(t, "test:pkg:id:abc", c.packageIDKey("abc"))
	require.Equal(t, "test:pkg:nv:demo@1.0.0", c.packageKey("demo", "1.0.0"))
	require.Equal(t, "test:grp:nv:stack@1", c.groupKey("stack", "1"))
	_ = c.rdb.Close()
}

func redisURL(t *testing.T) string {
	url := os.Getenv("DEPOT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("DEPOT_TEST_REDIS_URL not set")
	}
	return url
}

func TestCatalog(t *testing.T) {
	url := redisURL(t)
	catalogtest.Run(t, func(t *testing.T) core.Catalog {
		c, err := Open(context.Background(), memory.New(), url, time.Minute,
			WithPrefix("depot-test:"+uuid.NewString()+":"))
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		return c
	})
}

func TestStorageUpdateIsVisible(t *testing.T) {
	url := redisURL(t)
	ctx := context.Background()
	c, err := Open(ctx, memory.New(), url, time.Minute, WithPrefix("depot-test:"+uuid.NewString()+":"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	stored, _, err := c.InsertOrGet(ctx, catalogtest.Package("demo", "1.0.0", ""))
	require.NoError(t, err)

	// warm both keys
	_, err = c.Get(ctx, stored.ID)
	require.NoError(t, err)
	_, err = c.Find(ctx, "demo", "1.0.0")
	require.NoError(t, err)

	ref := core.StorageRef{Kind: core.StorageLocal, Path: "/srv/demo_v1.0.0.zip"}
	require.NoError(t, c.UpdateStorage(ctx, stored.ID, ref))

	got, err := c.Get(ctx, stored.ID)
	require.NoError(t, err)
	require.Equal(t, ref, *got.Storage)

	found, err := c.Find(ctx, "demo", "1.0.0")
	require.NoError(t, err)
	require.Equal(t, ref, *found.Storage)
	require.Equal(t, stored.ArchiveHash, found.ArchiveHash)
}
