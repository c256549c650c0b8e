package manifest

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/git-pkgs/depot/digest"
	"github.com/git-pkgs/depot/internal/core"
)

func samplePackage() *core.Package {
	return &core.Package{
		ID:          "ignored",
		Name:        "demo",
		Version:     "1.0.0",
		ArchiveName: "demo_v1.0.0.zip",
		ArchiveHash: digest.MustParse("sha256:00ff"),
		ArchiveSize: 321,
		FileCount:   2,
		Files: []core.FileEntry{
			{Path: "a.txt", Size: 5, Hash: digest.MustParse("sha256:aa")},
			{Path: "sub/b.txt", Size: 10, Hash: digest.MustParse("sha256:bb")},
		},
		Revision:    &core.RevisionInfo{CommitHash: "abc123", CommitShort: "abc", Branch: "main"},
		Storage:     &core.StorageRef{Kind: core.StorageS3, Bucket: "b", Key: "packages/demo/1.0.0/demo_v1.0.0.zip"},
		PublisherID: "pub@host",
		Description: "demo package",
		Metadata:    map[string]string{"team": "infra"},
		CreatedAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSidecarRoundTrip(t *testing.T) {
	p := samplePackage()
	path := filepath.Join(t.TempDir(), SidecarName("demo", "1.0.0"))

	if err := Write(path, FromPackage(p, "https://example.com/demo.zip")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.DownloadURL != "https://example.com/demo.zip" {
		t.Errorf("DownloadURL = %q", s.DownloadURL)
	}
	if s.PURL != "pkg:generic/demo@1.0.0?checksum=sha256%3A00ff" {
		t.Errorf("PURL = %q", s.PURL)
	}

	back, err := s.Package()
	if err != nil {
		t.Fatalf("Package failed: %v", err)
	}
	if back.ID != "" {
		t.Errorf("ID = %q, want empty", back.ID)
	}
	if back.Name != p.Name || back.Version != p.Version || !back.ArchiveHash.Equal(p.ArchiveHash) {
		t.Errorf("identity mismatch: %+v", back)
	}
	if back.FileCount != 2 || len(back.Files) != 2 || back.Files[1].Path != "sub/b.txt" {
		t.Errorf("files mismatch: %+v", back.Files)
	}
	if back.Revision == nil || back.Revision.CommitHash != "abc123" {
		t.Errorf("Revision = %+v", back.Revision)
	}
	if back.Storage == nil || back.Storage.Kind != core.StorageS3 || back.Storage.Key != p.Storage.Key {
		t.Errorf("Storage = %+v", back.Storage)
	}
	if back.PublisherID != "pub@host" {
		t.Errorf("PublisherID = %q", back.PublisherID)
	}
	if !back.CreatedAt.Equal(p.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", back.CreatedAt, p.CreatedAt)
	}
}

func TestDecodeRejectsIncompleteManifests(t *testing.T) {
	valid := `{
		"package_name": "demo",
		"version": "1.0.0",
		"created_at": "2024-05-01T12:00:00",
		"file_info": {"archive_name": "demo_v1.0.0.zip", "size": 10, "file_count": 1, "hash": "abcd"},
		"files": [{"path": "a.txt", "size": 5, "hash": "sha256:aa"}]
	}`

	s, err := Decode([]byte(valid), "valid")
	if err != nil {
		t.Fatalf("Decode(valid) failed: %v", err)
	}
	if s.FileInfo.Hash.Algorithm != digest.SHA256 {
		t.Errorf("bare hash algorithm = %s, want sha256", s.FileInfo.Hash.Algorithm)
	}
	if s.CreatedAt.Hour() != 12 {
		t.Errorf("CreatedAt = %v", s.CreatedAt)
	}

	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{`},
		{"missing files", strings.Replace(valid, `"files"`, `"other"`, 1)},
		{"missing created_at", strings.Replace(valid, `"created_at"`, `"created"`, 1)},
		{"missing hash", strings.Replace(valid, `"hash": "abcd"`, `"digest": "abcd"`, 1)},
		{"negative size", strings.Replace(valid, `"size": 10`, `"size": -1`, 1)},
		{"bad algorithm", strings.Replace(valid, `"abcd"`, `"crc:abcd"`, 1)},
		{"parent archive name", strings.Replace(valid, `"demo_v1.0.0.zip"`, `"../escaped.zip"`, 1)},
		{"nested archive name", strings.Replace(valid, `"demo_v1.0.0.zip"`, `"sub/demo.zip"`, 1)},
		{"backslash archive name", strings.Replace(valid, `"demo_v1.0.0.zip"`, `"..\\escaped.zip"`, 1)},
		{"dot archive name", strings.Replace(valid, `"demo_v1.0.0.zip"`, `".."`, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.doc), tt.name)
			if !errors.Is(err, core.ErrInvalidManifest) {
				t.Errorf("Decode = %v, want ErrInvalidManifest", err)
			}
		})
	}
}

func TestGroupExportRoundTrip(t *testing.T) {
	g := &core.Group{
		Name:      "stack",
		Version:   "2.0",
		CreatedBy: "ops",
		Members: []core.GroupMember{
			{PackageName: "db", PackageVersion: "1.0", InstallOrder: 2, Required: true, PackageID: "p1"},
			{PackageName: "app", PackageVersion: "3.1", InstallOrder: 1, Required: false, PackageID: "p2"},
		},
	}

	data, err := EncodeGroup(ExportGroup(g, map[string]string{"p1": "abc"}))
	if err != nil {
		t.Fatal(err)
	}
	e, err := DecodeGroup(data, "export")
	if err != nil {
		t.Fatalf("DecodeGroup failed: %v", err)
	}
	if len(e.Packages) != 2 || e.Packages[0].PackageName != "app" {
		t.Fatalf("packages not in install order: %+v", e.Packages)
	}
	if e.Packages[1].GitCommit != "abc" {
		t.Errorf("GitCommit = %q, want abc", e.Packages[1].GitCommit)
	}
	if e.EnvironmentConfig == nil || e.Metadata == nil {
		t.Error("nil maps exported")
	}

	back, err := e.Group()
	if err != nil {
		t.Fatal(err)
	}
	if back.Members[0].Required || !back.Members[1].Required {
		t.Errorf("required flags lost: %+v", back.Members)
	}
}

func TestDecodeGroupAcceptsCommentsAndDefaultsRequired(t *testing.T) {
	doc := `{
		// hand edited
		"group_name": "stack",
		"version": "1",
		"created_by": "me",
		"environment_config": {},
		"metadata": {},
		"packages": [
			{"package_name": "db", "version": "1.0", "install_order": 1},
		],
	}`
	e, err := DecodeGroup([]byte(doc), "jsonc")
	if err != nil {
		t.Fatalf("DecodeGroup failed: %v", err)
	}
	if !e.Packages[0].IsRequired() {
		t.Error("required should default to true")
	}

	if _, err := DecodeGroup([]byte(`{"version": "1"}`), "bad"); !errors.Is(err, core.ErrInvalidManifest) {
		t.Errorf("DecodeGroup(no name) = %v, want ErrInvalidManifest", err)
	}
}
