// Package rediscache wraps a catalog with a Redis read-through cache for
// package and group lookups.
//
// Entries are CBOR-encoded and expire after a TTL. Writes go to the
// wrapped catalog first and then drop the affected keys. Redis failures
// are logged and never fail a catalog call.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"

	"github.com/git-pkgs/depot/internal/core"
	"github.com/git-pkgs/depot/internal/logger"
)

// DefaultTTL applies when New is given a non-positive TTL.
const DefaultTTL = 10 * time.Minute

const defaultPrefix = "depot:"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// digest.Token serializes as its "algo:hex" string.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("rediscache: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("rediscache: CBOR decoder initialization failed: " + err.Error())
	}
}

// Cache is a core.Catalog that serves Get, Find, GetGroup and FindGroup
// from Redis when it can.
type Cache struct {
	core.Catalog
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithPrefix namespaces every key. The default is "depot:".
func WithPrefix(prefix string) Option {
	return func(c *Cache) {
		c.prefix = prefix
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger.OrDiscard(l)
	}
}

// New wraps inner. Closing the cache closes both inner and rdb.
func New(inner core.Catalog, rdb *redis.Client, ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		Catalog: inner,
		rdb:     rdb,
		ttl:     ttl,
		prefix:  defaultPrefix,
		logger:  logger.Discard().Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open connects to the Redis server at url (redis://[:password@]host:port/db)
// and wraps inner.
func Open(ctx context.Context, inner core.Catalog, url string, ttl time.Duration, opts ...Option) (*Cache, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return New(inner, rdb, ttl, opts...), nil
}

func (c *Cache) Close() error {
	return errors.Join(c.Catalog.Close(), c.rdb.Close())
}

func (c *Cache) Get(ctx context.Context, id string) (*core.Package, error) {
	key := c.packageIDKey(id)
	var pkg core.Package
	if c.load(ctx, key, &pkg) {
		return &pkg, nil
	}
	p, err := c.Catalog.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, p)
	return p, nil
}

func (c *Cache) Find(ctx context.Context, name, version string) (*core.Package, error) {
	key := c.packageKey(name, version)
	var pkg core.Package
	if c.load(ctx, key, &pkg) {
		return &pkg, nil
	}
	p, err := c.Catalog.Find(ctx, name, version)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, p)
	return p, nil
}

func (c *Cache) GetGroup(ctx context.Context, id string) (*core.Group, error) {
	key := c.groupIDKey(id)
	var g core.Group
	if c.load(ctx, key, &g) {
		return &g, nil
	}
	found, err := c.Catalog.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, found)
	return found, nil
}

func (c *Cache) FindGroup(ctx context.Context, name, version string) (*core.Group, error) {
	key := c.groupKey(name, version)
	var g core.Group
	if c.load(ctx, key, &g) {
		return &g, nil
	}
	found, err := c.Catalog.FindGroup(ctx, name, version)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, found)
	return found, nil
}

func (c *Cache) InsertOrGet(ctx context.Context, pkg *core.Package) (*core.Package, bool, error) {
	stored, existed, err := c.Catalog.InsertOrGet(ctx, pkg)
	if err != nil {
		return nil, false, err
	}
	if !existed {
		// Find returns the newest row for name@version.
		c.invalidate(ctx, c.packageKey(string(stored.Name), stored.Version))
	}
	return stored, existed, nil
}

func (c *Cache) UpdateStorage(ctx context.Context, id string, ref core.StorageRef) error {
	if err := c.Catalog.UpdateStorage(ctx, id, ref); err != nil {
		return err
	}
	c.invalidatePackage(ctx, id)
	return nil
}

func (c *Cache) Delete(ctx context.Context, id string) error {
	pkg, lookupErr := c.Catalog.Get(ctx, id)
	if err := c.Catalog.Delete(ctx, id); err != nil {
		return err
	}
	keys := []string{c.packageIDKey(id)}
	if lookupErr == nil {
		keys = append(keys, c.packageKey(string(pkg.Name), pkg.Version))
	}
	c.invalidate(ctx, keys...)
	return nil
}

func (c *Cache) CreateGroup(ctx context.Context, g *core.Group) (*core.Group, error) {
	created, err := c.Catalog.CreateGroup(ctx, g)
	if err != nil {
		return nil, err
	}
	c.invalidate(ctx, c.groupKey(string(created.Name), created.Version))
	return created, nil
}

func (c *Cache) AddMember(ctx context.Context, groupID string, m core.GroupMember) error {
	if err := c.Catalog.AddMember(ctx, groupID, m); err != nil {
		return err
	}
	c.invalidateGroup(ctx, groupID)
	return nil
}

func (c *Cache) RemoveMember(ctx context.Context, groupID, packageName, packageVersion string) error {
	if err := c.Catalog.RemoveMember(ctx, groupID, packageName, packageVersion); err != nil {
		return err
	}
	c.invalidateGroup(ctx, groupID)
	return nil
}

func (c *Cache) DeleteGroup(ctx context.Context, id string) error {
	g, lookupErr := c.Catalog.GetGroup(ctx, id)
	if err := c.Catalog.DeleteGroup(ctx, id); err != nil {
		return err
	}
	keys := []string{c.groupIDKey(id)}
	if lookupErr == nil {
		keys = append(keys, c.groupKey(string(g.Name), g.Version))
	}
	c.invalidate(ctx, keys...)
	return nil
}

func (c *Cache) invalidatePackage(ctx context.Context, id string) {
	keys := []string{c.packageIDKey(id)}
	if pkg, err := c.Catalog.Get(ctx, id); err == nil {
		keys = append(keys, c.packageKey(string(pkg.Name), pkg.Version))
	}
	c.invalidate(ctx, keys...)
}

func (c *Cache) invalidateGroup(ctx context.Context, id string) {
	keys := []string{c.groupIDKey(id)}
	if g, err := c.Catalog.GetGroup(ctx, id); err == nil {
		keys = append(keys, c.groupKey(string(g.Name), g.Version))
	}
	c.invalidate(ctx, keys...)
}

// load reports whether key was found and decoded into v.
func (c *Cache) load(ctx context.Context, key string, v any) bool {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.logger.Debug("catalog cache miss", "key", key)
		return false
	}
	if err != nil {
		c.logger.Warn("catalog cache read failed", "key", key, "error", err)
		return false
	}
	if err := decMode.Unmarshal(data, v); err != nil {
		c.logger.Warn("discarding undecodable cache entry", "key", key, "error", err)
		c.invalidate(ctx, key)
		return false
	}
	return true
}

func (c *Cache) store(ctx context.Context, key string, v any) {
	data, err := encMode.Marshal(v)
	if err != nil {
		c.logger.Warn("encoding cache entry failed", "key", key, "error", err)
		return
	}
	if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("catalog cache write failed", "key", key, "error", err)
	}
}

func (c *Cache) invalidate(ctx context.Context, keys ...string) {
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("catalog cache invalidation failed", "keys", keys, "error", err)
	}
}

func (c *Cache) packageIDKey(id string) string {
	return c.prefix + "pkg:id:" + id
}

func (c *Cache) packageKey(name, version string) string {
	return c.prefix + "pkg:nv:" + name + "@" + version
}

func (c *Cache) groupIDKey(id string) string {
	return c.prefix + "grp:id:" + id
}

func (c *Cache) groupKey(name, version string) string {
	return c.prefix + "grp:nv:" + name + "@" + version
}
