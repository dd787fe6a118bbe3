package credential

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool used by the repositories.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresTempPasswordRepository implements TempPasswordRepository.
type PostgresTempPasswordRepository struct {
	db DB
}

// NewTempPasswordRepository creates a TempPasswordRepository backed by the
// given pool.
func NewTempPasswordRepository(db DB) *PostgresTempPasswordRepository {
	return &PostgresTempPasswordRepository{db: db}
}

// Create inserts a temp password record.
func (r *PostgresTempPasswordRepository) Create(ctx context.Context, tp *TempPassword) error {
	query := `
		INSERT INTO temp_passwords (community_id, user_identifier, password_hash, force_oauth_link, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	err := r.db.QueryRow(ctx, query,
		tp.CommunityID,
		tp.UserIdentifier,
		tp.PasswordHash,
		tp.ForceOAuthLink,
		tp.ExpiresAt,
	).Scan(&tp.ID, &tp.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting temp password: %w", err)
	}

	return nil
}

// FindActive returns unused, unexpired temp passwords for the identifier.
func (r *PostgresTempPasswordRepository) FindActive(ctx context.Context, communityID uuid.UUID, identifier string) ([]TempPassword, error) {
	query := `
		SELECT id, community_id, user_identifier, password_hash, force_oauth_link,
		       expires_at, is_used, used_at, created_at
		FROM temp_passwords
		WHERE community_id = $1 AND user_identifier = $2
		  AND NOT is_used AND expires_at > NOW()`

	rows, err := r.db.Query(ctx, query, communityID, identifier)
	if err != nil {
		return nil, fmt.Errorf("finding temp passwords: %w", err)
	}
	defer rows.Close()

	var out []TempPassword
	for rows.Next() {
		var tp TempPassword
		err := rows.Scan(
			&tp.ID, &tp.CommunityID, &tp.UserIdentifier, &tp.PasswordHash,
			&tp.ForceOAuthLink, &tp.ExpiresAt, &tp.IsUsed, &tp.UsedAt, &tp.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning temp password row: %w", err)
		}
		out = append(out, tp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating temp password rows: %w", err)
	}

	return out, nil
}

// MarkUsed consumes a temp password exactly once.
func (r *PostgresTempPasswordRepository) MarkUsed(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE temp_passwords
		SET is_used = TRUE, used_at = NOW()
		WHERE id = $1 AND NOT is_used`

	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("consuming temp password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTempPassword
	}

	return nil
}

// PostgresVerificationRepository implements VerificationRepository.
type PostgresVerificationRepository struct {
	db DB
}

// NewVerificationRepository creates a VerificationRepository backed by the
// given pool.
func NewVerificationRepository(db DB) *PostgresVerificationRepository {
	return &PostgresVerificationRepository{db: db}
}

// Create inserts a verification token.
func (r *PostgresVerificationRepository) Create(ctx context.Context, vt *VerificationToken) error {
	query := `
		INSERT INTO verification_tokens (token, user_id, email, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`

	err := r.db.QueryRow(ctx, query, vt.Token, vt.UserID, vt.Email, vt.ExpiresAt).Scan(&vt.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting verification token: %w", err)
	}

	return nil
}

// Consume deletes and returns an unexpired verification token.
func (r *PostgresVerificationRepository) Consume(ctx context.Context, token string) (*VerificationToken, error) {
	query := `
		DELETE FROM verification_tokens
		WHERE token = $1 AND expires_at > NOW()
		RETURNING token, user_id, email, expires_at, created_at`

	var vt VerificationToken
	err := r.db.QueryRow(ctx, query, token).Scan(
		&vt.Token, &vt.UserID, &vt.Email, &vt.ExpiresAt, &vt.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVerificationNotFound
		}
		return nil, fmt.Errorf("consuming verification token: %w", err)
	}

	return &vt, nil
}

// DeleteForUser removes all outstanding tokens for a user.
func (r *PostgresVerificationRepository) DeleteForUser(ctx context.Context, userID uuid.UUID) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM verification_tokens WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("deleting verification tokens: %w", err)
	}
	return nil
}
