// Package all imports every catalog driver and blob store backend.
//
// Import this package for its side effects:
//
//	import (
//		"github.com/git-pkgs/depot"
//		_ "github.com/git-pkgs/depot/all"
//	)
//
//	depot.SupportedCatalogs() // ["memory", "postgres", "sqlite"]
//	depot.SupportedStores()   // ["gcs", "http", "local", "s3"]
package all

import (
	_ "github.com/git-pkgs/depot/internal/catalog/memory"
	_ "github.com/git-pkgs/depot/internal/catalog/postgres"
	_ "github.com/git-pkgs/depot/internal/catalog/sqlite"
	_ "github.com/git-pkgs/depot/internal/store/gcs"
	_ "github.com/git-pkgs/depot/internal/store/httpstore"
	_ "github.com/git-pkgs/depot/internal/store/local"
	_ "github.com/git-pkgs/depot/internal/store/s3"
)
