package settings

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool used by the repository.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository implements Repository using Postgres.
type PostgresRepository struct {
	db DB
}

// NewRepository creates a settings Repository backed by the given pool.
func NewRepository(db DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Get returns the stored value for a key.
func (r *PostgresRepository) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrSettingNotFound
		}
		return "", fmt.Errorf("querying setting: %w", err)
	}
	return value, nil
}

// Set upserts a setting.
func (r *PostgresRepository) Set(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO settings (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`

	if _, err := r.db.Exec(ctx, query, key, value); err != nil {
		return fmt.Errorf("upserting setting: %w", err)
	}
	return nil
}
