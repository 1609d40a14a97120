package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps named blobs in a PostgreSQL table. Each Adapter call
// returns a view bound to one key.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS payrails_blobs (
    key TEXT PRIMARY KEY,
    payload BYTEA NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore connects using the DSN, retrying the initial ping with
// exponential backoff for up to connectTimeout, and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string, connectTimeout time.Duration) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = connectTimeout
	if err := backoff.Retry(func() error {
		return pool.Ping(ctx)
	}, backoff.WithContext(bo, ctx)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Adapter returns an Adapter reading and writing the row named key.
func (p *PostgresStore) Adapter(key string) *PostgresAdapter {
	return &PostgresAdapter{store: p, key: key}
}

type PostgresAdapter struct {
	store *PostgresStore
	key   string
}

func (a *PostgresAdapter) Load(ctx context.Context) ([]byte, error) {
	row := a.store.pool.QueryRow(ctx, `
SELECT payload
FROM payrails_blobs
WHERE key = $1
`, a.key)

	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return payload, nil
}

func (a *PostgresAdapter) Save(ctx context.Context, data []byte) error {
	_, err := a.store.pool.Exec(ctx, `
INSERT INTO payrails_blobs (key, payload, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE
SET payload = EXCLUDED.payload,
    updated_at = EXCLUDED.updated_at
`, a.key, data, time.Now().UTC())
	return err
}

func (a *PostgresAdapter) Ping(ctx context.Context) error {
	return a.store.Ping(ctx)
}
