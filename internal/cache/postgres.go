package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pipeweaver/internal/fingerprint"
)

// pgQuerier is the subset of *pgxpool.Pool the cache uses.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS pipeline_cache (
  key text PRIMARY KEY,
  stage text NOT NULL,
  value bytea NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now()
);
`

// PostgresCache implements Cache on a Postgres table.
//
// Upserts make concurrent Puts on the same key safe: the last writer wins.
type PostgresCache struct {
	db    pgQuerier
	pool  *pgxpool.Pool
	codec Codec
}

// NewPostgresCache connects to dsn and ensures the cache table exists.
func NewPostgresCache(ctx context.Context, dsn string) (*PostgresCache, error) {
	if dsn == "" {
		return nil, errors.New("postgres cache: dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres cache: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres cache: ping: %w", err)
	}
	c, err := newPostgresCache(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	c.pool = pool
	return c, nil
}

func newPostgresCache(ctx context.Context, db pgQuerier) (*PostgresCache, error) {
	if _, err := db.Exec(ctx, pgSchema); err != nil {
		return nil, fmt.Errorf("postgres cache: ensure table: %w", err)
	}
	return &PostgresCache{db: db, codec: GobCodec{}}, nil
}

// Get retrieves an entry by key.
func (c *PostgresCache) Get(ctx context.Context, key fingerprint.Fingerprint) (*CacheEntry, error) {
	var (
		stage string
		data  []byte
	)
	err := c.db.QueryRow(ctx, `SELECT stage, value FROM pipeline_cache WHERE key=$1`, string(key)).Scan(&stage, &data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres cache get %s: %w", key.Short(), err)
	}
	value, err := c.codec.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("postgres cache entry %s: %w", key.Short(), err)
	}
	return &CacheEntry{Key: key, Stage: stage, Value: value}, nil
}

// Put stores an entry.
func (c *PostgresCache) Put(ctx context.Context, entry *CacheEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	data, err := c.codec.Marshal(entry.Value)
	if err != nil {
		return err
	}
	_, err = c.db.Exec(ctx, `
INSERT INTO pipeline_cache (key, stage, value) VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET stage = EXCLUDED.stage, value = EXCLUDED.value, created_at = now()`,
		string(entry.Key), entry.Stage, data)
	if err != nil {
		return fmt.Errorf("postgres cache put %s: %w", entry.Key.Short(), err)
	}
	return nil
}

// Clear removes every entry.
func (c *PostgresCache) Clear(ctx context.Context) error {
	if _, err := c.db.Exec(ctx, `DELETE FROM pipeline_cache`); err != nil {
		return fmt.Errorf("postgres cache clear: %w", err)
	}
	return nil
}

// Len reports the number of entries.
func (c *PostgresCache) Len(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRow(ctx, `SELECT count(*) FROM pipeline_cache`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres cache count: %w", err)
	}
	return n, nil
}

// Close releases the connection pool, if this cache owns one.
func (c *PostgresCache) Close() {
	if c.pool != nil {
		c.pool.Close()
	}
}
