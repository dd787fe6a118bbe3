package user

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
}

// PostgresRepository implements Repository using Postgres.
type PostgresRepository struct {
	db DB
}

// NewRepository creates a user Repository backed by the given pool.
func NewRepository(db DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const userColumns = `id, email, username, password_hash, avatar_url, is_active,
	is_super_admin, is_vendor, email_verified, created_at, updated_at`

// Create inserts a new hub user. Returns ErrEmailTaken on a duplicate email.
func (r *PostgresRepository) Create(ctx context.Context, u *HubUser) error {
	query := `
		INSERT INTO hub_users (email, username, password_hash, avatar_url, email_verified)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		u.Email,
		u.Username,
		u.PasswordHash,
		u.AvatarURL,
		u.EmailVerified,
	).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return ErrEmailTaken
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	u.IsActive = true

	return nil
}

// GetByID retrieves a single user by its UUID.
func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*HubUser, error) {
	query := `SELECT ` + userColumns + ` FROM hub_users WHERE id = $1`
	return r.scanOne(r.db.QueryRow(ctx, query, id))
}

// GetByEmail retrieves a single user by email.
func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*HubUser, error) {
	query := `SELECT ` + userColumns + ` FROM hub_users WHERE email = $1`
	return r.scanOne(r.db.QueryRow(ctx, query, email))
}

// SetPassword replaces the user's password hash.
func (r *PostgresRepository) SetPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	query := `
		UPDATE hub_users
		SET password_hash = $2, updated_at = NOW()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, passwordHash)
	if err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}

	return nil
}

// MarkEmailVerified flips the email_verified flag.
func (r *PostgresRepository) MarkEmailVerified(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE hub_users
		SET email_verified = TRUE, updated_at = NOW()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("marking email verified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}

	return nil
}

func (r *PostgresRepository) scanOne(row pgx.Row) (*HubUser, error) {
	var u HubUser
	err := row.Scan(
		&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.AvatarURL,
		&u.IsActive, &u.IsSuperAdmin, &u.IsVendor, &u.EmailVerified,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("querying user: %w", err)
	}

	return &u, nil
}
