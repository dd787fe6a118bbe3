package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
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

// NewRepository creates an identity Repository backed by the given pool.
func NewRepository(db DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const identityColumns = `id, hub_user_id, platform, platform_user_id,
	platform_username, avatar_url, is_primary, linked_at, last_used`

// Create inserts a new platform identity. Returns ErrIdentityTaken when the
// (platform, platform_user_id) pair is already linked and ErrPrimaryExists
// when the user already holds the primary slot.
func (r *PostgresRepository) Create(ctx context.Context, pi *PlatformIdentity) error {
	query := `
		INSERT INTO platform_identities
			(hub_user_id, platform, platform_user_id, platform_username, avatar_url, is_primary)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, linked_at, last_used`

	err := r.db.QueryRow(ctx, query,
		pi.HubUserID,
		pi.Platform,
		pi.PlatformUserID,
		pi.PlatformUsername,
		pi.AvatarURL,
		pi.IsPrimary,
	).Scan(&pi.ID, &pi.LinkedAt, &pi.LastUsed)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			if pgErr.ConstraintName == "idx_platform_identities_one_primary" {
				return ErrPrimaryExists
			}
			return ErrIdentityTaken
		}
		return fmt.Errorf("inserting identity: %w", err)
	}

	return nil
}

// GetByPlatformUser retrieves an identity by its external account.
func (r *PostgresRepository) GetByPlatformUser(ctx context.Context, platform, platformUserID string) (*PlatformIdentity, error) {
	query := `SELECT ` + identityColumns + `
		FROM platform_identities
		WHERE platform = $1 AND platform_user_id = $2`

	var pi PlatformIdentity
	err := r.db.QueryRow(ctx, query, platform, platformUserID).Scan(
		&pi.ID, &pi.HubUserID, &pi.Platform, &pi.PlatformUserID,
		&pi.PlatformUsername, &pi.AvatarURL, &pi.IsPrimary, &pi.LinkedAt, &pi.LastUsed,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIdentityNotFound
		}
		return nil, fmt.Errorf("querying identity: %w", err)
	}

	return &pi, nil
}

// ListByUser returns a user's identities, earliest linked first.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]PlatformIdentity, error) {
	query := `SELECT ` + identityColumns + `
		FROM platform_identities
		WHERE hub_user_id = $1
		ORDER BY linked_at ASC`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("listing identities: %w", err)
	}
	defer rows.Close()

	var out []PlatformIdentity
	for rows.Next() {
		var pi PlatformIdentity
		err := rows.Scan(
			&pi.ID, &pi.HubUserID, &pi.Platform, &pi.PlatformUserID,
			&pi.PlatformUsername, &pi.AvatarURL, &pi.IsPrimary, &pi.LinkedAt, &pi.LastUsed,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning identity row: %w", err)
		}
		out = append(out, pi)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating identity rows: %w", err)
	}

	return out, nil
}

// CountByUser returns how many identities a user has.
func (r *PostgresRepository) CountByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM platform_identities WHERE hub_user_id = $1`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting identities: %w", err)
	}
	return count, nil
}

// Touch refreshes mutable profile fields on a returning login.
func (r *PostgresRepository) Touch(ctx context.Context, id uuid.UUID, username string, avatarURL *string) error {
	query := `
		UPDATE platform_identities
		SET platform_username = $2, avatar_url = COALESCE($3, avatar_url), last_used = NOW()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, username, avatarURL)
	if err != nil {
		return fmt.Errorf("touching identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIdentityNotFound
	}

	return nil
}

// Unlink deletes the identity and promotes a replacement primary in one
// transaction. The row locks taken here are what keeps two concurrent
// unlinks from both removing a passwordless user's last identity.
func (r *PostgresRepository) Unlink(ctx context.Context, userID uuid.UUID, platform string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning unlink transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var passwordHash *string
	err = tx.QueryRow(ctx, `SELECT password_hash FROM hub_users WHERE id = $1 FOR UPDATE`, userID).Scan(&passwordHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrIdentityNotFound
		}
		return fmt.Errorf("locking user row: %w", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT id, platform, is_primary
		FROM platform_identities
		WHERE hub_user_id = $1
		ORDER BY linked_at ASC
		FOR UPDATE`, userID)
	if err != nil {
		return fmt.Errorf("locking identity rows: %w", err)
	}

	type row struct {
		id        uuid.UUID
		platform  string
		isPrimary bool
	}
	var identities []row
	for rows.Next() {
		var x row
		if err := rows.Scan(&x.id, &x.platform, &x.isPrimary); err != nil {
			rows.Close()
			return fmt.Errorf("scanning identity row: %w", err)
		}
		identities = append(identities, x)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating identity rows: %w", err)
	}

	var target *row
	for i := range identities {
		if identities[i].platform == platform {
			target = &identities[i]
			break
		}
	}
	if target == nil {
		return ErrIdentityNotFound
	}

	hasPassword := passwordHash != nil && *passwordHash != ""
	if !hasPassword && len(identities) == 1 {
		return ErrLastAuthMethod
	}

	if _, err := tx.Exec(ctx, `DELETE FROM platform_identities WHERE id = $1`, target.id); err != nil {
		return fmt.Errorf("deleting identity: %w", err)
	}

	if target.isPrimary && len(identities) > 1 {
		promote := `
			UPDATE platform_identities
			SET is_primary = TRUE
			WHERE id = (
				SELECT id FROM platform_identities
				WHERE hub_user_id = $1
				ORDER BY linked_at ASC
				LIMIT 1
			)`
		if _, err := tx.Exec(ctx, promote, userID); err != nil {
			return fmt.Errorf("promoting primary identity: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing unlink transaction: %w", err)
	}

	return nil
}
