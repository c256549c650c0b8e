// Package sqlstore implements core.Catalog over database/sql. The sqlite
// and postgres drivers share it and differ only in placeholder syntax.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/git-pkgs/depot/digest"
	"github.com/git-pkgs/depot/internal/core"
)

// Dialect selects placeholder syntax.
type Dialect int

const (
	SQLite   Dialect = iota // ? placeholders
	Postgres                // $n placeholders
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS packages (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		version TEXT NOT NULL,
		git_commit_hash TEXT NOT NULL DEFAULT '',
		archive_name TEXT NOT NULL,
		archive_hash TEXT NOT NULL,
		archive_size BIGINT NOT NULL DEFAULT 0,
		file_count INTEGER NOT NULL DEFAULT 0,
		files TEXT NOT NULL DEFAULT '[]',
		revision TEXT NOT NULL DEFAULT '',
		storage TEXT NOT NULL DEFAULT '',
		publisher_id TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at BIGINT NOT NULL,
		UNIQUE (name, version, git_commit_hash)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_packages_name_version ON packages (name, version)`,
	`CREATE TABLE IF NOT EXISTS package_groups (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		version TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		environment_config TEXT NOT NULL DEFAULT '{}',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at BIGINT NOT NULL,
		UNIQUE (name, version)
	)`,
	`CREATE TABLE IF NOT EXISTS package_group_members (
		group_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		package_name TEXT NOT NULL,
		package_version TEXT NOT NULL,
		install_order INTEGER NOT NULL DEFAULT 0,
		required INTEGER NOT NULL DEFAULT 1,
		package_id TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (group_id, position)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_group_members_package ON package_group_members (package_name, package_version)`,
}

const packageColumns = `id, name, version, git_commit_hash, archive_name, archive_hash, archive_size,
	file_count, files, revision, storage, publisher_id, description, metadata, created_at`

const groupColumns = `id, name, version, created_by, description, environment_config, metadata, created_at`

// Catalog is a SQL-backed core.Catalog.
type Catalog struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// Open wraps db without touching the schema.
func Open(db *sql.DB, d Dialect) *Catalog {
	return &Catalog{db: db, dialect: d, now: func() time.Time { return time.Now().UTC() }}
}

// New wraps db and creates missing tables.
func New(ctx context.Context, db *sql.DB, d Dialect) (*Catalog, error) {
	c := Open(db, d)
	if err := c.Migrate(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Migrate creates the catalog tables if they do not exist.
func (c *Catalog) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrating catalog: %w", err)
		}
	}
	return nil
}

// DB exposes the underlying handle.
func (c *Catalog) DB() *sql.DB { return c.db }

func (c *Catalog) Close() error { return c.db.Close() }

// q rewrites ? placeholders for the dialect.
func (c *Catalog) q(query string) string {
	if c.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (c *Catalog) InsertOrGet(ctx context.Context, pkg *core.Package) (*core.Package, bool, error) {
	if err := pkg.Validate(); err != nil {
		return nil, false, err
	}

	createdAt := pkg.CreatedAt
	if createdAt.IsZero() {
		createdAt = c.now()
	}
	args, err := packageArgs(uuid.NewString(), pkg, createdAt)
	if err != nil {
		return nil, false, err
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, c.q(`INSERT INTO packages (`+packageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name, version, git_commit_hash) DO NOTHING`), args...)
	if err != nil {
		return nil, false, fmt.Errorf("inserting package %s@%s: %w", pkg.Name, pkg.Version, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	key := pkg.Key()
	row := tx.QueryRowContext(ctx, c.q(`SELECT `+packageColumns+` FROM packages
		WHERE name = ? AND version = ? AND git_commit_hash = ?`), key.Name, key.Version, key.Commit)
	stored, err := scanPackage(row)
	if err != nil {
		return nil, false, fmt.Errorf("reading package %s: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return stored, inserted == 0, nil
}

func (c *Catalog) Get(ctx context.Context, id string) (*core.Package, error) {
	row := c.db.QueryRowContext(ctx, c.q(`SELECT `+packageColumns+` FROM packages WHERE id = ?`), id)
	p, err := scanPackage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.NotFoundError{Name: id}
	}
	return p, err
}

func (c *Catalog) Find(ctx context.Context, name, version string) (*core.Package, error) {
	found, err := c.FindAll(ctx, core.PackageFilter{Name: name, Version: version, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, &core.NotFoundError{Name: name, Version: version}
	}
	return found[0], nil
}

func (c *Catalog) FindAll(ctx context.Context, f core.PackageFilter) ([]*core.Package, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, val string) {
		if val != "" {
			where = append(where, col+" = ?")
			args = append(args, val)
		}
	}
	add("name", f.Name)
	add("version", f.Version)
	add("publisher_id", f.PublisherID)
	add("git_commit_hash", f.CommitHash)

	query := `SELECT ` + packageColumns + ` FROM packages`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id ASC`
	// branch lives inside the revision document and is filtered below
	if f.Limit > 0 && f.Branch == "" {
		query += ` LIMIT ` + strconv.Itoa(f.Limit)
	}

	rows, err := c.db.QueryContext(ctx, c.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying packages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*core.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		if !f.Matches(p) {
			continue
		}
		out = append(out, p)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, rows.Err()
}

func (c *Catalog) Exists(ctx context.Context, key core.PackageKey) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx, c.q(`SELECT 1 FROM packages
		WHERE name = ? AND version = ? AND git_commit_hash = ?`), key.Name, key.Version, key.Commit).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (c *Catalog) UpdateStorage(ctx context.Context, id string, ref core.StorageRef) error {
	data, err := json.Marshal(ref)
	if err != nil {
		return err
	}
	res, err := c.db.ExecContext(ctx, c.q(`UPDATE packages SET storage = ? WHERE id = ?`), string(data), id)
	if err != nil {
		return fmt.Errorf("updating storage for %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &core.NotFoundError{Name: id}
	}
	return nil
}

func (c *Catalog) Delete(ctx context.Context, id string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var name, version string
	err = tx.QueryRowContext(ctx, c.q(`SELECT name, version FROM packages WHERE id = ?`), id).Scan(&name, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return &core.NotFoundError{Name: id}
	}
	if err != nil {
		return err
	}

	var groupName, groupVersion string
	err = tx.QueryRowContext(ctx, c.q(`SELECT g.name, g.version
		FROM package_group_members m JOIN package_groups g ON g.id = m.group_id
		WHERE m.package_id = ? OR (m.package_id = '' AND m.package_name = ? AND m.package_version = ?)
		LIMIT 1`), id, name, version).Scan(&groupName, &groupVersion)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s@%s in group %s@%s", core.ErrPackageReferenced, name, version, groupName, groupVersion)
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	if _, err := tx.ExecContext(ctx, c.q(`DELETE FROM packages WHERE id = ?`), id); err != nil {
		return fmt.Errorf("deleting package %s: %w", id, err)
	}
	return tx.Commit()
}

func (c *Catalog) CreateGroup(ctx context.Context, g *core.Group) (*core.Group, error) {
	if _, err := core.NewPackageName(string(g.Name)); err != nil {
		return nil, err
	}

	stored := *g
	stored.ID = uuid.NewString()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = c.now()
	}
	stored.Members = append([]core.GroupMember(nil), g.Members...)

	env, err := marshalMap(stored.EnvironmentConfig)
	if err != nil {
		return nil, err
	}
	meta, err := marshalMap(stored.Metadata)
	if err != nil {
		return nil, err
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, c.q(`INSERT INTO package_groups (`+groupColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name, version) DO NOTHING`),
		stored.ID, string(stored.Name), stored.Version, stored.CreatedBy, stored.Description,
		env, meta, stored.CreatedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("inserting group %s@%s: %w", g.Name, g.Version, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, fmt.Errorf("%w: %s@%s", core.ErrGroupExists, g.Name, g.Version)
	}

	for i, m := range stored.Members {
		if err := c.insertMember(ctx, tx, stored.ID, i, m); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &stored, nil
}

func (c *Catalog) insertMember(ctx context.Context, tx *sql.Tx, groupID string, position int, m core.GroupMember) error {
	required := 0
	if m.Required {
		required = 1
	}
	_, err := tx.ExecContext(ctx, c.q(`INSERT INTO package_group_members
		(group_id, position, package_name, package_version, install_order, required, package_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		groupID, position, string(m.PackageName), m.PackageVersion, m.InstallOrder, required, m.PackageID)
	if err != nil {
		return fmt.Errorf("inserting member %s@%s: %w", m.PackageName, m.PackageVersion, err)
	}
	return nil
}

func (c *Catalog) GetGroup(ctx context.Context, id string) (*core.Group, error) {
	row := c.db.QueryRowContext(ctx, c.q(`SELECT `+groupColumns+` FROM package_groups WHERE id = ?`), id)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.GroupNotFoundError{ID: id}
	}
	if err != nil {
		return nil, err
	}
	return g, c.loadMembers(ctx, g)
}

func (c *Catalog) FindGroup(ctx context.Context, name, version string) (*core.Group, error) {
	row := c.db.QueryRowContext(ctx, c.q(`SELECT `+groupColumns+` FROM package_groups
		WHERE name = ? AND version = ?`), name, version)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.GroupNotFoundError{Name: name, Version: version}
	}
	if err != nil {
		return nil, err
	}
	return g, c.loadMembers(ctx, g)
}

func (c *Catalog) ListGroups(ctx context.Context, f core.GroupFilter) ([]*core.Group, error) {
	var (
		where []string
		args  []any
	)
	if f.Name != "" {
		where = append(where, "name = ?")
		args = append(args, f.Name)
	}
	if f.CreatedBy != "" {
		where = append(where, "created_by = ?")
		args = append(args, f.CreatedBy)
	}
	query := `SELECT ` + groupColumns + ` FROM package_groups`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY name, version`

	rows, err := c.db.QueryContext(ctx, c.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying groups: %w", err)
	}
	var out []*core.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, g)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, err
	}

	for _, g := range out {
		if err := c.loadMembers(ctx, g); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *Catalog) loadMembers(ctx context.Context, g *core.Group) error {
	rows, err := c.db.QueryContext(ctx, c.q(`SELECT package_name, package_version, install_order, required, package_id
		FROM package_group_members WHERE group_id = ? ORDER BY position`), g.ID)
	if err != nil {
		return fmt.Errorf("querying members of %s: %w", g.ID, err)
	}
	defer func() { _ = rows.Close() }()

	g.Members = nil
	for rows.Next() {
		var (
			m        core.GroupMember
			name     string
			required int
		)
		if err := rows.Scan(&name, &m.PackageVersion, &m.InstallOrder, &required, &m.PackageID); err != nil {
			return err
		}
		m.PackageName = core.PackageName(name)
		m.Required = required != 0
		g.Members = append(g.Members, m)
	}
	return rows.Err()
}

func (c *Catalog) groupExists(ctx context.Context, tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, c.q(`SELECT 1 FROM package_groups WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return &core.GroupNotFoundError{ID: id}
	}
	return err
}

func (c *Catalog) AddMember(ctx context.Context, groupID string, m core.GroupMember) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := c.groupExists(ctx, tx, groupID); err != nil {
		return err
	}
	var next int
	err = tx.QueryRowContext(ctx, c.q(`SELECT COALESCE(MAX(position), -1) + 1
		FROM package_group_members WHERE group_id = ?`), groupID).Scan(&next)
	if err != nil {
		return err
	}
	if err := c.insertMember(ctx, tx, groupID, next, m); err != nil {
		return err
	}
	return tx.Commit()
}

func (c *Catalog) RemoveMember(ctx context.Context, groupID, packageName, packageVersion string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := c.groupExists(ctx, tx, groupID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, c.q(`DELETE FROM package_group_members
		WHERE group_id = ? AND package_name = ? AND package_version = ?`), groupID, packageName, packageVersion)
	if err != nil {
		return fmt.Errorf("removing member %s@%s: %w", packageName, packageVersion, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &core.NotFoundError{Name: packageName, Version: packageVersion}
	}
	return tx.Commit()
}

// DeleteGroup removes the group and its members. Referenced packages stay.
func (c *Catalog) DeleteGroup(ctx context.Context, id string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, c.q(`DELETE FROM package_group_members WHERE group_id = ?`), id); err != nil {
		return fmt.Errorf("deleting members of %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, c.q(`DELETE FROM package_groups WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("deleting group %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &core.GroupNotFoundError{ID: id}
	}
	return tx.Commit()
}

func packageArgs(id string, p *core.Package, createdAt time.Time) ([]any, error) {
	files, err := json.Marshal(nonNilFiles(p.Files))
	if err != nil {
		return nil, err
	}
	revision, err := marshalOptional(p.Revision)
	if err != nil {
		return nil, err
	}
	storage, err := marshalOptional(p.Storage)
	if err != nil {
		return nil, err
	}
	meta := p.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	return []any{
		id, string(p.Name), p.Version, p.CommitHash(), p.ArchiveName, p.ArchiveHash.String(), p.ArchiveSize,
		p.FileCount, string(files), revision, storage, p.PublisherID, p.Description, string(metaJSON),
		createdAt.UnixNano(),
	}, nil
}

func scanPackage(row rowScanner) (*core.Package, error) {
	var (
		p                              core.Package
		name, commit, hash             string
		files, revision, storage, meta string
		createdAt                      int64
	)
	err := row.Scan(&p.ID, &name, &p.Version, &commit, &p.ArchiveName, &hash, &p.ArchiveSize,
		&p.FileCount, &files, &revision, &storage, &p.PublisherID, &p.Description, &meta, &createdAt)
	if err != nil {
		return nil, err
	}

	p.Name = core.PackageName(name)
	p.CreatedAt = time.Unix(0, createdAt).UTC()
	if p.ArchiveHash, err = digest.Parse(hash); err != nil {
		return nil, fmt.Errorf("package %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(files), &p.Files); err != nil {
		return nil, fmt.Errorf("package %s files: %w", p.ID, err)
	}
	if revision != "" {
		p.Revision = &core.RevisionInfo{}
		if err := json.Unmarshal([]byte(revision), p.Revision); err != nil {
			return nil, fmt.Errorf("package %s revision: %w", p.ID, err)
		}
	}
	if storage != "" {
		p.Storage = &core.StorageRef{}
		if err := json.Unmarshal([]byte(storage), p.Storage); err != nil {
			return nil, fmt.Errorf("package %s storage: %w", p.ID, err)
		}
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &p.Metadata); err != nil {
			return nil, fmt.Errorf("package %s metadata: %w", p.ID, err)
		}
	}
	return &p, nil
}

func scanGroup(row rowScanner) (*core.Group, error) {
	var (
		g               core.Group
		name, env, meta string
		createdAt       int64
	)
	if err := row.Scan(&g.ID, &name, &g.Version, &g.CreatedBy, &g.Description, &env, &meta, &createdAt); err != nil {
		return nil, err
	}
	g.Name = core.PackageName(name)
	g.CreatedAt = time.Unix(0, createdAt).UTC()
	if err := json.Unmarshal([]byte(env), &g.EnvironmentConfig); err != nil {
		return nil, fmt.Errorf("group %s environment_config: %w", g.ID, err)
	}
	if err := json.Unmarshal([]byte(meta), &g.Metadata); err != nil {
		return nil, fmt.Errorf("group %s metadata: %w", g.ID, err)
	}
	return &g, nil
}

func marshalOptional(v any) (string, error) {
	switch t := v.(type) {
	case *core.RevisionInfo:
		if t == nil {
			return "", nil
		}
	case *core.StorageRef:
		if t == nil {
			return "", nil
		}
	}
	data, err := json.Marshal(v)
	return string(data), err
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	return string(data), err
}

func nonNilFiles(files []core.FileEntry) []core.FileEntry {
	if files == nil {
		return []core.FileEntry{}
	}
	return files
}
