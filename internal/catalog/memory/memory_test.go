package memory

import (
	"testing"

	"github.com/git-pkgs/depot/internal/catalog/catalogtest"
	"github.com/git-pkgs/depot/internal/core"
)

func TestCatalog(t *testing.T) {
	catalogtest.Run(t, func(t *testing.T) core.Catalog { return New() })
}
