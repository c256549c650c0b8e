//go:build !gcp

package gcs

import (
	"context"
	"strings"
	"testing"

	"github.com/git-pkgs/depot/internal/core"
)

func TestDisabledWithoutTag(t *testing.T) {
	_, err := core.OpenStore(context.Background(), core.StorageGCS, core.StoreOptions{Bucket: "b"})
	if err == nil || !strings.Contains(err.Error(), "-tags gcp") {
		t.Errorf("OpenStore = %v, want build tag hint", err)
	}
}
