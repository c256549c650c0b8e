package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// StoreOptions configures a blob store backend. Backends ignore fields they
// do not use.
type StoreOptions struct {
	Root     string // local directory
	Bucket   string
	Region   string
	Endpoint string // custom object store endpoint (MinIO, LocalStack)
	Prefix   string // key prefix inside the bucket
	BaseURL  string // http store base
	Timeout  time.Duration

	// Static object store credentials. Empty means the SDK default chain.
	AccessKey string
	SecretKey string
}

// StoreFactory opens a blob store.
type StoreFactory func(ctx context.Context, opts StoreOptions) (BlobStore, error)

// CatalogFactory opens a catalog from a driver-specific DSN.
type CatalogFactory func(ctx context.Context, dsn string) (Catalog, error)

var (
	stores   = make(map[StorageKind]StoreFactory)
	catalogs = make(map[string]CatalogFactory)
	mu       sync.RWMutex
)

// RegisterStore adds a blob store backend. Backends call it from init.
func RegisterStore(kind StorageKind, factory StoreFactory) {
	mu.Lock()
	defer mu.Unlock()
	stores[kind] = factory
}

// RegisterCatalog adds a catalog driver. Drivers call it from init.
func RegisterCatalog(driver string, factory CatalogFactory) {
	mu.Lock()
	defer mu.Unlock()
	catalogs[driver] = factory
}

// OpenStore creates a blob store of the given kind.
func OpenStore(ctx context.Context, kind StorageKind, opts StoreOptions) (BlobStore, error) {
	mu.RLock()
	factory, ok := stores[kind]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown storage type: %s", kind)
	}
	return factory(ctx, opts)
}

// OpenCatalog creates a catalog with the named driver.
func OpenCatalog(ctx context.Context, driver, dsn string) (Catalog, error) {
	mu.RLock()
	factory, ok := catalogs[driver]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown catalog driver: %s", driver)
	}
	return factory(ctx, dsn)
}

// SupportedStores returns all registered storage kinds, sorted.
func SupportedStores() []string {
	mu.RLock()
	defer mu.RUnlock()

	kinds := make([]string, 0, len(stores))
	for k := range stores {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	return kinds
}

// SupportedCatalogs returns all registered catalog drivers, sorted.
func SupportedCatalogs() []string {
	mu.RLock()
	defer mu.RUnlock()

	drivers := make([]string, 0, len(catalogs))
	for d := range catalogs {
		drivers = append(drivers, d)
	}
	sort.Strings(drivers)
	return drivers
}
