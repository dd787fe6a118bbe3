package identity

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrIdentityNotFound is returned when no matching identity exists.
var ErrIdentityNotFound = errors.New("platform identity not found")

// ErrIdentityTaken is returned when the (platform, platform_user_id) pair is
// already linked. The row-level unique constraint makes this the concurrency
// guard against double-link races.
var ErrIdentityTaken = errors.New("platform identity already linked")

// ErrPrimaryExists is returned when inserting a primary identity for a user
// who already has one. Two concurrent first links race for the primary slot;
// the loser gets this and retries as a secondary.
var ErrPrimaryExists = errors.New("user already has a primary identity")

// ErrLastAuthMethod is returned when unlinking would leave a passwordless
// user with no way to sign in.
var ErrLastAuthMethod = errors.New("cannot remove the only remaining auth method")

// Repository provides operations on the platform_identities table.
type Repository interface {
	Create(ctx context.Context, pi *PlatformIdentity) error
	GetByPlatformUser(ctx context.Context, platform, platformUserID string) (*PlatformIdentity, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]PlatformIdentity, error)
	CountByUser(ctx context.Context, userID uuid.UUID) (int, error)
	// Touch refreshes the identity's username, avatar and last_used on a
	// returning login.
	Touch(ctx context.Context, id uuid.UUID, username string, avatarURL *string) error
	// Unlink removes the user's identity for a platform, enforcing the
	// last-auth-method guard and promoting the earliest remaining identity
	// to primary, all inside one transaction.
	Unlink(ctx context.Context, userID uuid.UUID, platform string) error
}
