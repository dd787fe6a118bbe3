package credential

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// DefaultVerificationTTL is how long an email verification link stays valid.
const DefaultVerificationTTL = 24 * time.Hour

// ErrVerificationNotFound is returned when a verification token does not
// exist, has expired, or was already consumed.
var ErrVerificationNotFound = errors.New("verification token not found")

// VerificationToken is a single-use email verification link payload.
type VerificationToken struct {
	Token     string
	UserID    uuid.UUID
	Email     string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// VerificationRepository provides operations on the verification_tokens table.
type VerificationRepository interface {
	Create(ctx context.Context, vt *VerificationToken) error
	// Consume atomically deletes and returns an unexpired token, so a link
	// can be followed at most once.
	Consume(ctx context.Context, token string) (*VerificationToken, error)
	// DeleteForUser removes outstanding tokens before issuing a new one.
	DeleteForUser(ctx context.Context, userID uuid.UUID) error
}
