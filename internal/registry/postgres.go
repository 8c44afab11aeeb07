package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the registry table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS framesync_registry (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL table.
type PostgresStore struct {
	db   DB
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore returns a store using db. The caller is responsible for
// calling [PostgresStore.Migrate] before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects a pool to dsn, verifies it and migrates the schema.
// Close releases the pool.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("registry: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("registry: ping: %w", err)
	}
	s := &PostgresStore{db: pool, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes [Schema].
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("registry: migrate: %w", err)
	}
	return nil
}

// Get implements [Store].
func (s *PostgresStore) Get(ctx context.Context, key string) (string, error) {
	const query = `SELECT value FROM framesync_registry WHERE key = $1`

	var v string
	if err := s.db.QueryRow(ctx, query, key).Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("registry: get %q: %w", key, err)
	}
	return v, nil
}

// Set implements [Store].
func (s *PostgresStore) Set(ctx context.Context, key, value string) error {
	const query = `
		INSERT INTO framesync_registry (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`

	if _, err := s.db.Exec(ctx, query, key, value); err != nil {
		return fmt.Errorf("registry: set %q: %w", key, err)
	}
	return nil
}

// Delete implements [Store].
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	const query = `DELETE FROM framesync_registry WHERE key = $1`

	if _, err := s.db.Exec(ctx, query, key); err != nil {
		return fmt.Errorf("registry: delete %q: %w", key, err)
	}
	return nil
}

// List implements [Store].
func (s *PostgresStore) List(ctx context.Context, prefix string) (map[string]string, error) {
	const query = `SELECT key, value FROM framesync_registry WHERE key LIKE $1 ESCAPE '\' ORDER BY key`

	rows, err := s.db.Query(ctx, query, likePrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("registry: list %q: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("registry: scan: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: list %q: %w", prefix, err)
	}
	return out, nil
}

// Close releases the pool opened by [OpenPostgres]. It is a no-op for stores
// built with [NewPostgresStore].
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// likePrefix escapes LIKE metacharacters in prefix and appends a wildcard.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
