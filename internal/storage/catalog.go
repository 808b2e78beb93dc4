package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// CatalogEntry is one remembered content reference.
type CatalogEntry struct {
	Ref       string    `json:"ref"`
	Name      string    `json:"name"`
	Files     int       `json:"files"`
	CreatedAt time.Time `json:"created_at"`
}

// PublishedSource is a local path this node published and keeps seeding.
type PublishedSource struct {
	Path      string    `json:"path"`
	Creator   string    `json:"creator"`
	Magnet    string    `json:"magnet"`
	CreatedAt time.Time `json:"created_at"`
}

// Catalog records every content reference the node has indexed so the
// cache can be rebuilt on restart.
type Catalog struct {
	db *sql.DB
}

// OpenCatalog opens the sqlite catalog at path and creates its schema.
func OpenCatalog(ctx context.Context, path string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("catalog pragma: %w", err)
		}
	}
	db.SetMaxOpenConns(1)
	c := NewCatalog(db)
	if err := c.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// NewCatalog wraps an open database without touching its schema.
func NewCatalog(db *sql.DB) *Catalog {
	return &Catalog{db: db}
}

func (c *Catalog) Migrate(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS content(
		ref TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		files INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create content table: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS published(
		path TEXT PRIMARY KEY,
		creator TEXT NOT NULL DEFAULT '',
		magnet TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create published table: %w", err)
	}
	return nil
}

// Remember upserts ref, keeping its original creation time.
func (c *Catalog) Remember(ctx context.Context, ref, name string, files int) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO content(ref, name, files, created_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(ref) DO UPDATE SET name = excluded.name, files = excluded.files`,
		ref, name, files, time.Now().UTC().Unix(),
	)
	return err
}

// References lists remembered references, oldest first.
func (c *Catalog) References(ctx context.Context) ([]CatalogEntry, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT ref, name, files, created_at FROM content ORDER BY created_at, ref`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CatalogEntry
	for rows.Next() {
		var (
			entry   CatalogEntry
			created int64
		)
		if err := rows.Scan(&entry.Ref, &entry.Name, &entry.Files, &created); err != nil {
			return nil, err
		}
		entry.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, entry)
	}
	return out, rows.Err()
}

// RememberSource records that path was published as magnet.
func (c *Catalog) RememberSource(ctx context.Context, path, creator, magnet string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO published(path, creator, magnet, created_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET creator = excluded.creator, magnet = excluded.magnet`,
		path, creator, magnet, time.Now().UTC().Unix(),
	)
	return err
}

// Sources lists published paths, oldest first.
func (c *Catalog) Sources(ctx context.Context) ([]PublishedSource, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT path, creator, magnet, created_at FROM published ORDER BY created_at, path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PublishedSource
	for rows.Next() {
		var (
			src     PublishedSource
			created int64
		)
		if err := rows.Scan(&src.Path, &src.Creator, &src.Magnet, &created); err != nil {
			return nil, err
		}
		src.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, src)
	}
	return out, rows.Err()
}

func (c *Catalog) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}
