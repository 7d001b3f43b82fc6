// Package archive persists archived entities outside the active state and
// applies archive-affecting operations to it.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/devrev/opsync/internal/model"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// ErrNotFound is returned when an entity is not archived
var ErrNotFound = errors.New("archived entity not found")

// Store is a SQLite-backed archive
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenStore opens or creates the archive database at path
func OpenStore(path string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, logger: logger}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS archived_entities (
			entity_type TEXT NOT NULL,
			entity_id   TEXT NOT NULL,
			data        TEXT NOT NULL,
			op_id       TEXT NOT NULL,
			archived_at INTEGER NOT NULL,
			PRIMARY KEY (entity_type, entity_id)
		);
		CREATE INDEX IF NOT EXISTS idx_archived_entities_op ON archived_entities(op_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to migrate archive schema: %w", err)
	}
	return nil
}

// Archive upserts entities in a single transaction
func (s *Store) Archive(ctx context.Context, entityType model.EntityType, entities map[string]model.Fields, opID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO archived_entities (entity_type, entity_id, data, op_id, archived_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			data = excluded.data,
			op_id = excluded.op_id,
			archived_at = excluded.archived_at
	`
	now := time.Now().UnixMilli()
	for id, fields := range entities {
		data, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("failed to marshal archived entity %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, query, string(entityType), id, string(data), opID, now); err != nil {
			return fmt.Errorf("failed to archive entity %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive transaction: %w", err)
	}
	return nil
}

// Remove deletes entities from the archive; missing entities are ignored
func (s *Store) Remove(ctx context.Context, entityType model.EntityType, ids []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	defer tx.Rollback()

	query := `DELETE FROM archived_entities WHERE entity_type = ? AND entity_id = ?`
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, query, string(entityType), id); err != nil {
			return fmt.Errorf("failed to remove archived entity %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive transaction: %w", err)
	}
	return nil
}

// Get returns an archived entity
func (s *Store) Get(ctx context.Context, entityType model.EntityType, id string) (model.Fields, error) {
	query := `SELECT data FROM archived_entities WHERE entity_type = ? AND entity_id = ?`

	var data string
	err := s.db.QueryRowContext(ctx, query, string(entityType), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get archived entity: %w", err)
	}

	var fields model.Fields
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal archived entity: %w", err)
	}
	return fields, nil
}

// List returns every archived entity of a type
func (s *Store) List(ctx context.Context, entityType model.EntityType) (map[string]model.Fields, error) {
	query := `SELECT entity_id, data FROM archived_entities WHERE entity_type = ? ORDER BY entity_id`

	rows, err := s.db.QueryContext(ctx, query, string(entityType))
	if err != nil {
		return nil, fmt.Errorf("failed to list archived entities: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.Fields)
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan archived entity: %w", err)
		}
		var fields model.Fields
		if err := json.Unmarshal([]byte(data), &fields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal archived entity %s: %w", id, err)
		}
		out[id] = fields
	}
	return out, rows.Err()
}

// Count returns the number of archived entities
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM archived_entities`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count archived entities: %w", err)
	}
	return n, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}
