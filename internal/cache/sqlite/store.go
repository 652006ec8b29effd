// Package sqlite persists response cache snapshots so a restart keeps warm
// entries.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/af-corp/aegis-orchestrator/internal/cache"
	"github.com/af-corp/aegis-orchestrator/internal/types"
)

const createSnapshotTable = `
CREATE TABLE IF NOT EXISTS cache_snapshot (
	fingerprint TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	category TEXT NOT NULL,
	scope TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	hits INTEGER NOT NULL DEFAULT 0
);
`

// Store is a cache.Store backed by a SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the snapshot database at dbPath.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create snapshot dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	if _, err := db.Exec(createSnapshotTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate snapshot db: %w", err)
	}
	return &Store{db: db}, nil
}

// Save replaces the stored snapshot with entries.
func (s *Store) Save(ctx context.Context, entries []cache.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_snapshot`); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO cache_snapshot (fingerprint, value, category, scope, created_at, expires_at, hits)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		value, err := json.Marshal(e.Value)
		if err != nil {
			return fmt.Errorf("encode entry %s: %w", e.Fingerprint, err)
		}
		if _, err := stmt.ExecContext(ctx, e.Fingerprint, value, string(e.Category), e.Scope,
			e.CreatedAt.UnixNano(), e.ExpiresAt.UnixNano(), e.Hits); err != nil {
			return fmt.Errorf("insert entry %s: %w", e.Fingerprint, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// Load returns every stored snapshot entry. Expiry is left to the cache.
func (s *Store) Load(ctx context.Context) ([]cache.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fingerprint, value, category, scope, created_at, expires_at, hits FROM cache_snapshot`)
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	defer rows.Close()

	var out []cache.Snapshot
	for rows.Next() {
		var (
			snap                 cache.Snapshot
			value                []byte
			category             string
			createdAt, expiresAt int64
		)
		if err := rows.Scan(&snap.Fingerprint, &value, &category, &snap.Scope, &createdAt, &expiresAt, &snap.Hits); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		if err := json.Unmarshal(value, &snap.Value); err != nil {
			return nil, fmt.Errorf("decode entry %s: %w", snap.Fingerprint, err)
		}
		snap.Category = types.Category(category)
		snap.CreatedAt = time.Unix(0, createdAt)
		snap.ExpiresAt = time.Unix(0, expiresAt)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
