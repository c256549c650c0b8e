package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/git-pkgs/depot"
)

// setupEnv points every invocation at the same sqlite catalog and local store.
func setupEnv(t *testing.T) (storeDir string) {
	t.Helper()
	dir := t.TempDir()
	storeDir = filepath.Join(dir, "releases")
	t.Setenv("DEPOT_CONFIG", "")
	t.Setenv("DEPOT_DATABASE_DRIVER", "sqlite")
	t.Setenv("DEPOT_DATABASE_PATH", filepath.Join(dir, "depot.db"))
	t.Setenv("DEPOT_STORAGE_TYPE", "local")
	t.Setenv("DEPOT_STORAGE_LOCAL_PATH", storeDir)
	t.Setenv("DEPOT_PUBLISHER_ID", "ci@builder")
	t.Setenv("DEPOT_HTTP_MAX_RETRIES", "0")
	t.Setenv("DEPOT_LOG_LEVEL", "error")
	t.Setenv("DEPOT_REDIS_URL", "")
	return storeDir
}

func invoke(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	if err := run(context.Background(), args, &out); err != nil {
		t.Fatalf("depot %s failed: %v", strings.Join(args, " "), err)
	}
	return out.String()
}

func writeSource(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestPublishListDownload(t *testing.T) {
	setupEnv(t)
	src := writeSource(t, map[string]string{"a.txt": "hello", "sub/b.txt": "0123456789"})

	out := invoke(t, "publish", src, "--name", "demo", "--version", "1.0.0", "--meta", "team=infra")
	if !strings.Contains(out, "published demo@1.0.0") {
		t.Errorf("unexpected publish output:\n%s", out)
	}

	out = invoke(t, "publish", src, "--name", "demo", "--version", "1.0.0")
	if !strings.Contains(out, "already published demo@1.0.0") {
		t.Errorf("expected idempotent publish, got:\n%s", out)
	}

	out = invoke(t, "list", "--name", "demo")
	if strings.Count(out, "demo") != 1 {
		t.Errorf("expected one catalog row, got:\n%s", out)
	}

	dest := t.TempDir()
	invoke(t, "download", "--name", "demo", "--out", dest)
	data, err := os.ReadFile(filepath.Join(dest, "sub", "b.txt"))
	if err != nil {
		t.Fatalf("reading extracted file: %v", err)
	}
	if string(data) != "0123456789" {
		t.Errorf("unexpected content %q", data)
	}
}

func TestGroupCommands(t *testing.T) {
	setupEnv(t)
	invoke(t, "publish", writeSource(t, map[string]string{"schema.sql": "create table t();"}),
		"--name", "db", "--version", "2.0.0")
	invoke(t, "publish", writeSource(t, map[string]string{"main.bin": "app"}),
		"--name", "app", "--version", "1.0.0", "--remote")

	out := invoke(t, "group", "create", "stack", "1",
		"--member", "db@2.0.0", "--member", "app", "--member", "docs@1.0?", "--env", "region=eu")
	if !strings.Contains(out, "with 3 members") {
		t.Errorf("unexpected create output:\n%s", out)
	}

	out = invoke(t, "group", "show", "stack", "1")
	for _, want := range []string{"db", "2.0.0", "app", "1.0.0", "docs", "1 member(s) missing"} {
		if !strings.Contains(out, want) {
			t.Errorf("group show missing %q:\n%s", want, out)
		}
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "docs") && !strings.HasSuffix(strings.TrimSpace(line), "missing") {
			t.Errorf("docs should be reported missing: %q", line)
		}
	}

	dest := t.TempDir()
	out = invoke(t, "download", "--group", "stack", "--group-version", "1", "--out", dest)
	if strings.Count(out, "downloaded") != 2 {
		t.Errorf("expected two members downloaded, got:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(dest, "db_v2.0.0", "schema.sql")); err != nil {
		t.Errorf("db member not extracted: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "app_v1.0.0", "main.bin")); err != nil {
		t.Errorf("app member not extracted: %v", err)
	}

	exportDir := t.TempDir()
	invoke(t, "group", "export", "stack", "1", "--out", exportDir)
	exported := filepath.Join(exportDir, "stack_v1.json")
	if _, err := os.Stat(exported); err != nil {
		t.Fatalf("export file missing: %v", err)
	}

	invoke(t, "group", "publish", "stack", "1")
	invoke(t, "group", "delete", "stack", "1")

	out = invoke(t, "group", "fetch", "stack", "1")
	if !strings.Contains(out, "fetched group stack@1") {
		t.Errorf("unexpected fetch output:\n%s", out)
	}

	invoke(t, "group", "delete", "stack", "1")
	out = invoke(t, "group", "import", exported)
	if !strings.Contains(out, "imported group stack@1") {
		t.Errorf("unexpected import output:\n%s", out)
	}
}

func TestCommandErrors(t *testing.T) {
	setupEnv(t)
	tests := []struct {
		args []string
		want string
	}{
		{nil, "missing command"},
		{[]string{"frobnicate"}, "unknown command"},
		{[]string{"publish", "--name", "demo"}, "exactly one source directory"},
		{[]string{"download"}, "exactly one of"},
		{[]string{"group"}, "needs a subcommand"},
		{[]string{"group", "create", "stack"}, "usage"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.args), func(t *testing.T) {
			err := run(context.Background(), tt.args, &bytes.Buffer{})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestDownloadMissingPackage(t *testing.T) {
	setupEnv(t)
	err := run(context.Background(), []string{"download", "--name", "ghost", "--version", "9.9.9", "--out", t.TempDir()}, &bytes.Buffer{})
	if !errors.Is(err, depot.ErrPackageNotFound) {
		t.Errorf("expected ErrPackageNotFound, got %v", err)
	}
	if exitCode(err) != 1 {
		t.Errorf("expected exit code 1, got %d", exitCode(err))
	}
}

func TestParseMember(t *testing.T) {
	tests := []struct {
		in       string
		name     string
		version  string
		required bool
	}{
		{"db@2.0.0", "db", "2.0.0", true},
		{"db", "db", "latest", true},
		{"docs@1.0?", "docs", "1.0", false},
		{"docs?", "docs", "latest", false},
	}
	for i, tt := range tests {
		m, err := parseMember(tt.in, i+1)
		if err != nil {
			t.Fatalf("parseMember(%q) failed: %v", tt.in, err)
		}
		if string(m.PackageName) != tt.name || m.PackageVersion != tt.version || m.Required != tt.required {
			t.Errorf("parseMember(%q) = %+v", tt.in, m)
		}
		if m.InstallOrder != i+1 {
			t.Errorf("parseMember(%q) order = %d, want %d", tt.in, m.InstallOrder, i+1)
		}
	}
	if _, err := parseMember("@1.0", 1); err == nil {
		t.Error("expected error for empty name")
	}
}
