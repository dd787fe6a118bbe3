package oauthstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool used by the store.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using Postgres.
type PostgresStore struct {
	db  DB
	ttl time.Duration
}

// NewStore creates a state token Store with the given TTL.
func NewStore(db DB, ttl time.Duration) *PostgresStore {
	return &PostgresStore{db: db, ttl: ttl}
}

// Create persists a fresh state token.
func (s *PostgresStore) Create(ctx context.Context, platform string, mode Mode, userID *uuid.UUID) (string, error) {
	state, err := NewState()
	if err != nil {
		return "", err
	}

	query := `
		INSERT INTO oauth_state_tokens (state, mode, platform, user_id, expires_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err = s.db.Exec(ctx, query, state, string(mode), platform, userID, time.Now().Add(s.ttl))
	if err != nil {
		return "", fmt.Errorf("inserting state token: %w", err)
	}

	return state, nil
}

// Consume deletes and returns the matching unexpired token in one statement,
// so the same state can never be consumed twice even under concurrent
// callbacks.
func (s *PostgresStore) Consume(ctx context.Context, state, platform string, mode Mode) (*Token, error) {
	query := `
		DELETE FROM oauth_state_tokens
		WHERE state = $1 AND platform = $2 AND mode = $3 AND expires_at > NOW()
		RETURNING state, mode, platform, user_id, expires_at, created_at`

	var t Token
	err := s.db.QueryRow(ctx, query, state, platform, string(mode)).Scan(
		&t.State, &t.Mode, &t.Platform, &t.UserID, &t.ExpiresAt, &t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("consuming state token: %w", err)
	}

	return &t, nil
}
