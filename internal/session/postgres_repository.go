package session

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
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresRepository implements Repository using Postgres.
type PostgresRepository struct {
	db DB
}

// NewRepository creates a session Repository backed by the given pool.
func NewRepository(db DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a new session row.
func (r *PostgresRepository) Create(ctx context.Context, s *Session) error {
	query := `
		INSERT INTO sessions (session_token, user_id, community_id, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`

	err := r.db.QueryRow(ctx, query, s.Token, s.UserID, s.CommunityID, s.ExpiresAt).Scan(&s.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	s.IsActive = true

	return nil
}

// Get retrieves a session by its token.
func (r *PostgresRepository) Get(ctx context.Context, token string) (*Session, error) {
	query := `
		SELECT session_token, user_id, community_id, is_active, expires_at,
		       created_at, revoked_at
		FROM sessions
		WHERE session_token = $1`

	var s Session
	err := r.db.QueryRow(ctx, query, token).Scan(
		&s.Token, &s.UserID, &s.CommunityID, &s.IsActive,
		&s.ExpiresAt, &s.CreatedAt, &s.RevokedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("querying session: %w", err)
	}

	return &s, nil
}

// Revoke deactivates a session. Idempotent: revoking twice succeeds.
func (r *PostgresRepository) Revoke(ctx context.Context, token string) error {
	query := `
		UPDATE sessions
		SET is_active = FALSE, revoked_at = NOW()
		WHERE session_token = $1 AND is_active`

	if _, err := r.db.Exec(ctx, query, token); err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}

	return nil
}

// Rotate inserts the new session and revokes the old one atomically.
func (r *PostgresRepository) Rotate(ctx context.Context, oldToken string, next *Session) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning rotate transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	insert := `
		INSERT INTO sessions (session_token, user_id, community_id, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`

	err = tx.QueryRow(ctx, insert, next.Token, next.UserID, next.CommunityID, next.ExpiresAt).Scan(&next.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting rotated session: %w", err)
	}
	next.IsActive = true

	revoke := `
		UPDATE sessions
		SET is_active = FALSE, revoked_at = NOW()
		WHERE session_token = $1 AND is_active`

	if _, err := tx.Exec(ctx, revoke, oldToken); err != nil {
		return fmt.Errorf("revoking rotated session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing rotate transaction: %w", err)
	}

	return nil
}
