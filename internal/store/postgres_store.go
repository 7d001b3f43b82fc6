package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/devrev/opsync/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const schema = `
	CREATE TABLE IF NOT EXISTS sync_users (
		id            TEXT PRIMARY KEY,
		email         TEXT NOT NULL UNIQUE,
		token_version INTEGER NOT NULL DEFAULT 1,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS user_sync_state (
		user_id  TEXT PRIMARY KEY,
		last_seq BIGINT NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS operations (
		user_id     TEXT NOT NULL,
		seq         BIGINT NOT NULL,
		op_id       TEXT NOT NULL,
		client_id   TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		data        JSONB NOT NULL,
		received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, seq),
		UNIQUE (user_id, op_id)
	);

	CREATE INDEX IF NOT EXISTS idx_operations_client ON operations (user_id, client_id);
`

// NewPostgresPool opens and pings a connection pool
func NewPostgresPool(ctx context.Context, url string, maxConns int32) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the sync tables if they do not exist
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// PostgresOpStore implements OpStore for PostgreSQL
type PostgresOpStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresOpStore creates a new PostgreSQL op store
func NewPostgresOpStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresOpStore {
	return &PostgresOpStore{pool: pool, logger: logger}
}

// AppendOps implements OpStore. The user's sync state row is locked for
// the whole transaction, so concurrent uploads for one user commit in seq
// order.
func (s *PostgresOpStore) AppendOps(ctx context.Context, userID string, ops []model.Operation) (*AppendResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	ensureState := `INSERT INTO user_sync_state (user_id, last_seq) VALUES ($1, 0) ON CONFLICT (user_id) DO NOTHING`
	if _, err := tx.Exec(ctx, ensureState, userID); err != nil {
		return nil, fmt.Errorf("failed to ensure sync state: %w", err)
	}

	var lastSeq int64
	lockState := `SELECT last_seq FROM user_sync_state WHERE user_id = $1 FOR UPDATE`
	if err := tx.QueryRow(ctx, lockState, userID).Scan(&lastSeq); err != nil {
		return nil, fmt.Errorf("failed to lock sync state: %w", err)
	}

	ids := make([]string, 0, len(ops))
	for _, op := range ops {
		ids = append(ids, op.ID)
	}
	existing, err := s.existingSeqs(ctx, tx, userID, ids)
	if err != nil {
		return nil, err
	}

	results := make([]model.OpResult, 0, len(ops))
	var fresh []model.Operation
	for _, op := range ops {
		if seq, ok := existing[op.ID]; ok {
			results = append(results, model.OpResult{ID: op.ID, Seq: seq, Status: model.OpStatusDuplicate})
			continue
		}
		// placeholder seq, assigned below
		existing[op.ID] = 0
		fresh = append(fresh, op)
		results = append(results, model.OpResult{ID: op.ID, Status: model.OpStatusAccepted})
	}

	if len(fresh) > 0 {
		bump := `UPDATE user_sync_state SET last_seq = last_seq + $2 WHERE user_id = $1 RETURNING last_seq`
		if err := tx.QueryRow(ctx, bump, userID, len(fresh)).Scan(&lastSeq); err != nil {
			return nil, fmt.Errorf("failed to allocate seq: %w", err)
		}

		insert := `
			INSERT INTO operations (user_id, seq, op_id, client_id, entity_type, data)
			VALUES ($1, $2, $3, $4, $5, $6)
		`
		first := lastSeq - int64(len(fresh)) + 1
		batch := &pgx.Batch{}
		for i := range fresh {
			fresh[i].Seq = first + int64(i)
			existing[fresh[i].ID] = fresh[i].Seq
			data, err := json.Marshal(fresh[i])
			if err != nil {
				return nil, fmt.Errorf("failed to marshal op %s: %w", fresh[i].ID, err)
			}
			batch.Queue(insert, userID, fresh[i].Seq, fresh[i].ID, fresh[i].ClientID, string(fresh[i].EntityType), data)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return nil, fmt.Errorf("failed to insert operations: %w", err)
		}

		// accepted ops and in-batch repeats still carry the placeholder
		for i := range results {
			if results[i].Seq == 0 {
				results[i].Seq = existing[results[i].ID]
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return &AppendResult{Results: results, LatestSeq: lastSeq}, nil
}

func (s *PostgresOpStore) existingSeqs(ctx context.Context, tx pgx.Tx, userID string, ids []string) (map[string]int64, error) {
	query := `SELECT op_id, seq FROM operations WHERE user_id = $1 AND op_id = ANY($2)`

	rows, err := tx.Query(ctx, query, userID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to look up existing ops: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64, len(ids))
	for rows.Next() {
		var id string
		var seq int64
		if err := rows.Scan(&id, &seq); err != nil {
			return nil, fmt.Errorf("failed to scan existing op: %w", err)
		}
		out[id] = seq
	}
	return out, rows.Err()
}

// GetOpsSince implements OpStore
func (s *PostgresOpStore) GetOpsSince(ctx context.Context, userID string, sinceSeq int64, excludeClient string, limit int) ([]model.Operation, error) {
	query := `
		SELECT seq, data
		FROM operations
		WHERE user_id = $1 AND seq > $2 AND ($3 = '' OR client_id <> $3)
		ORDER BY seq
		LIMIT $4
	`

	rows, err := s.pool.Query(ctx, query, userID, sinceSeq, excludeClient, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	ops := make([]model.Operation, 0)
	for rows.Next() {
		var seq int64
		var data []byte
		if err := rows.Scan(&seq, &data); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		var op model.Operation
		if err := json.Unmarshal(data, &op); err != nil {
			return nil, fmt.Errorf("failed to unmarshal operation at seq %d: %w", seq, err)
		}
		op.Seq = seq
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// LatestSeq implements OpStore
func (s *PostgresOpStore) LatestSeq(ctx context.Context, userID string) (int64, error) {
	query := `SELECT last_seq FROM user_sync_state WHERE user_id = $1`

	var seq int64
	err := s.pool.QueryRow(ctx, query, userID).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get latest seq: %w", err)
	}
	return seq, nil
}

// Stats implements OpStore
func (s *PostgresOpStore) Stats(ctx context.Context, userID string) (*OpStats, error) {
	query := `
		SELECT COUNT(*), COALESCE(array_agg(DISTINCT client_id ORDER BY client_id), '{}'::text[])
		FROM operations
		WHERE user_id = $1
	`

	stats := &OpStats{}
	if err := s.pool.QueryRow(ctx, query, userID).Scan(&stats.OpCount, &stats.ClientIDs); err != nil {
		return nil, fmt.Errorf("failed to get op stats: %w", err)
	}
	return stats, nil
}

// Ping implements OpStore
func (s *PostgresOpStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements OpStore
func (s *PostgresOpStore) Close() {
	s.pool.Close()
}

// PostgresUserStore implements UserStore for PostgreSQL
type PostgresUserStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresUserStore creates a new PostgreSQL user store
func NewPostgresUserStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresUserStore {
	return &PostgresUserStore{pool: pool, logger: logger}
}

// CreateUser implements UserStore
func (s *PostgresUserStore) CreateUser(ctx context.Context, email string) (*model.User, error) {
	query := `
		INSERT INTO sync_users (id, email, token_version)
		VALUES ($1, $2, 1)
		RETURNING id, email, token_version, created_at
	`

	var u model.User
	err := s.pool.QueryRow(ctx, query, uuid.NewString(), email).Scan(&u.ID, &u.Email, &u.TokenVersion, &u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return &u, nil
}

// GetUser implements UserStore
func (s *PostgresUserStore) GetUser(ctx context.Context, userID string) (*model.User, error) {
	query := `SELECT id, email, token_version, created_at FROM sync_users WHERE id = $1`
	return s.scanUser(ctx, query, userID)
}

// GetUserByEmail implements UserStore
func (s *PostgresUserStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	query := `SELECT id, email, token_version, created_at FROM sync_users WHERE email = $1`
	return s.scanUser(ctx, query, email)
}

func (s *PostgresUserStore) scanUser(ctx context.Context, query string, arg string) (*model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx, query, arg).Scan(&u.ID, &u.Email, &u.TokenVersion, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// IncrementTokenVersion implements UserStore
func (s *PostgresUserStore) IncrementTokenVersion(ctx context.Context, userID string) (*model.User, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE sync_users
		SET token_version = token_version + 1
		WHERE id = $1
		RETURNING id, email, token_version, created_at
	`

	var u model.User
	err = tx.QueryRow(ctx, query, userID).Scan(&u.ID, &u.Email, &u.TokenVersion, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to increment token version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &u, nil
}

// Ping implements UserStore
func (s *PostgresUserStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements UserStore. The pool is shared with the op store, which
// owns it.
func (s *PostgresUserStore) Close() {}
