package memory

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed migrations/001_schema.sql
var schemaSQL string

// Index is the SQLite-backed index of the document graph. It carries the
// authoritative version per key (for the optimistic write check) and the
// outbound link edges (for bounded traversal). The markdown files on disk
// remain the source of truth for content.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (creating if needed) the index database at path.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply index schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Version returns the current version for key, or 0 if the key is unknown.
func (ix *Index) Version(ctx context.Context, key string) (int64, error) {
	var v int64
	err := ix.db.QueryRowContext(ctx, `SELECT version FROM documents WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query version: %w", err)
	}
	return v, nil
}

// Exists reports whether key is tracked (as a document or attached file).
func (ix *Index) Exists(ctx context.Context, key string) (bool, error) {
	var one int
	err := ix.db.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE key = ?`, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query exists: %w", err)
	}
	return true, nil
}

// Record upserts a key at the given version and replaces its outbound links.
func (ix *Index) Record(ctx context.Context, key, owner, kind string, version int64, links []string) error {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (key, owner, kind, version, updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			owner = excluded.owner,
			version = excluded.version,
			updated = excluded.updated
	`, key, owner, kind, version, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM links WHERE source = ?`, key); err != nil {
		return fmt.Errorf("clear links: %w", err)
	}
	for _, target := range links {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO links (source, target) VALUES (?, ?)`, key, target); err != nil {
			return fmt.Errorf("insert link: %w", err)
		}
	}

	return tx.Commit()
}

// Links returns the outbound link targets of key.
func (ix *Index) Links(ctx context.Context, key string) ([]string, error) {
	rows, err := ix.db.QueryContext(ctx, `SELECT target FROM links WHERE source = ? ORDER BY target`, key)
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	defer rows.Close()

	var targets []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}
