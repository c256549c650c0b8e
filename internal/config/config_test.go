package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/git-pkgs/depot/digest"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "depot.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.LocalPath != "./releases" {
		t.Errorf("LocalPath = %q, want ./releases", cfg.Storage.LocalPath)
	}
	if cfg.Publish.Algorithm != "sha256" {
		t.Errorf("Algorithm = %q, want sha256", cfg.Publish.Algorithm)
	}
	if !strings.Contains(cfg.Publish.PublisherID, "@") {
		t.Errorf("PublisherID = %q, want uuid@host", cfg.Publish.PublisherID)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: postgres
  url: postgres://localhost/depot
storage:
  type: s3
s3:
  bucket: releases
  region: eu-west-1
  prefix: team/
http:
  timeout: 30s
publish:
  publisher_id: ci@build
  algorithm: blake3
  format: tar.zst
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.HTTP.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.HTTP.Timeout)
	}
	if cfg.Publish.PublisherID != "ci@build" {
		t.Errorf("PublisherID = %q", cfg.Publish.PublisherID)
	}

	driver, dsn := cfg.CatalogDSN()
	if driver != "postgres" || dsn != "postgres://localhost/depot" {
		t.Errorf("CatalogDSN = %q, %q", driver, dsn)
	}

	opts := cfg.StoreOptions()
	if opts.Bucket != "releases" || opts.Region != "eu-west-1" || opts.Prefix != "team/" {
		t.Errorf("StoreOptions = %+v", opts)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, "storage:\n  local_path: /from/file\n")
	t.Setenv("DEPOT_STORAGE_LOCAL_PATH", "/from/env")
	t.Setenv("DEPOT_HTTP_MAX_RETRIES", "7")
	t.Setenv("DEPOT_IGNORE_PATTERNS", "*.log,tmp")
	t.Setenv("DEPOT_HTTP_TIMEOUT", "not-a-duration")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.LocalPath != "/from/env" {
		t.Errorf("LocalPath = %q, want /from/env", cfg.Storage.LocalPath)
	}
	if cfg.HTTP.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d, want 7", cfg.HTTP.MaxRetries)
	}
	if len(cfg.Publish.IgnorePatterns) != 2 || cfg.Publish.IgnorePatterns[0] != "*.log" {
		t.Errorf("IgnorePatterns = %v", cfg.Publish.IgnorePatterns)
	}
	if cfg.HTTP.Timeout != 5*time.Minute {
		t.Errorf("Timeout = %v, want default on bad input", cfg.HTTP.Timeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }, "database.driver"},
		{"postgres without url", func(c *Config) { c.Database.Driver = "postgres" }, "database.url"},
		{"s3 without bucket", func(c *Config) { c.Storage.Type = "s3" }, "s3.bucket"},
		{"gcs without bucket", func(c *Config) { c.Storage.Type = "gcs" }, "gcs.bucket"},
		{"unknown storage", func(c *Config) { c.Storage.Type = "ftp" }, "storage.type"},
		{"bad format", func(c *Config) { c.Publish.Format = "rar" }, "publish.format"},
		{"negative retries", func(c *Config) { c.HTTP.MaxRetries = -1 }, "max_retries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate = %v, want error mentioning %q", err, tt.want)
			}
		})
	}

	cfg := Default()
	cfg.Publish.Algorithm = "crc32"
	if err := cfg.Validate(); !errors.Is(err, digest.ErrUnsupportedAlgorithm) {
		t.Errorf("Validate(crc32) = %v, want ErrUnsupportedAlgorithm", err)
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
