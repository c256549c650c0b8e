//go:build !gcp

// Package gcs stores blobs in Google Cloud Storage. Builds without the gcp
// tag register a backend that reports it is unavailable.
package gcs

import (
	"context"
	"fmt"

	"github.com/git-pkgs/depot/internal/core"
)

func init() {
	core.RegisterStore(core.StorageGCS, func(context.Context, core.StoreOptions) (core.BlobStore, error) {
		return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
	})
}
