package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string, maxConns int32) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return store, nil
}

func (store *PostgresStore) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS users (
  id SERIAL PRIMARY KEY,
  username TEXT NOT NULL UNIQUE,
  display_name TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS kits (
  id SERIAL PRIMARY KEY,
  serial TEXT NOT NULL UNIQUE,
  name TEXT,
  privacy_public_dashboard BOOLEAN NOT NULL DEFAULT FALSE,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS kit_memberships (
  id SERIAL PRIMARY KEY,
  user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  kit_id INTEGER NOT NULL REFERENCES kits(id) ON DELETE CASCADE,
  access_super BOOLEAN NOT NULL DEFAULT FALSE,
  access_configure BOOLEAN NOT NULL DEFAULT FALSE,
  datetime_linked TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  UNIQUE (user_id, kit_id)
);

CREATE INDEX IF NOT EXISTS idx_kit_memberships_kit_id ON kit_memberships(kit_id);
`

	_, err := store.pool.Exec(ctx, schema)
	return err
}

func (store *PostgresStore) KitAccess(ctx context.Context, kitSerial string, username string) (KitAccess, error) {
	const query = `
SELECT k.privacy_public_dashboard,
       EXISTS (
         SELECT 1
         FROM kit_memberships m
         JOIN users u ON u.id = m.user_id
         WHERE m.kit_id = k.id AND u.username = $2
       )
FROM kits k
WHERE k.serial = $1
`

	access := KitAccess{Serial: kitSerial}
	err := store.pool.QueryRow(ctx, query, kitSerial, username).Scan(&access.PublicDashboard, &access.Member)
	if errors.Is(err, pgx.ErrNoRows) {
		return KitAccess{}, ErrKitNotFound
	}
	if err != nil {
		return KitAccess{}, fmt.Errorf("query kit access: %w", err)
	}
	if username == "" {
		access.Member = false
	}
	return access, nil
}

// UpsertKit registers a kit. A kit already marked public stays public.
func (store *PostgresStore) UpsertKit(ctx context.Context, serial string, public bool) error {
	const query = `
INSERT INTO kits (serial, privacy_public_dashboard)
VALUES ($1, $2)
ON CONFLICT (serial) DO UPDATE
SET privacy_public_dashboard = kits.privacy_public_dashboard OR EXCLUDED.privacy_public_dashboard
`

	if _, err := store.pool.Exec(ctx, query, serial, public); err != nil {
		return fmt.Errorf("upsert kit: %w", err)
	}
	return nil
}

func (store *PostgresStore) AddMember(ctx context.Context, serial string, username string) error {
	tx, err := store.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var kitID int64
	err = tx.QueryRow(ctx, `SELECT id FROM kits WHERE serial = $1`, serial).Scan(&kitID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrKitNotFound
	}
	if err != nil {
		return fmt.Errorf("find kit: %w", err)
	}

	var userID int64
	err = tx.QueryRow(ctx, `
INSERT INTO users (username) VALUES ($1)
ON CONFLICT (username) DO UPDATE SET username = EXCLUDED.username
RETURNING id
`, username).Scan(&userID)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}

	_, err = tx.Exec(ctx, `
INSERT INTO kit_memberships (user_id, kit_id) VALUES ($1, $2)
ON CONFLICT (user_id, kit_id) DO NOTHING
`, userID, kitID)
	if err != nil {
		return fmt.Errorf("insert membership: %w", err)
	}

	return tx.Commit(ctx)
}

func (store *PostgresStore) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return store.pool.Ping(pingCtx)
}

func (store *PostgresStore) Close() {
	store.pool.Close()
}

var _ Store = (*PostgresStore)(nil)
