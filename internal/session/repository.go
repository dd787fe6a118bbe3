package session

import (
	"context"
	"errors"
)

// ErrSessionNotFound is returned when no session row matches a token.
var ErrSessionNotFound = errors.New("session not found")

// Repository provides operations on the sessions table.
type Repository interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, token string) (*Session, error)
	// Revoke deactivates the session for the given token. Revoking an
	// already-revoked session is a no-op.
	Revoke(ctx context.Context, token string) error
	// Rotate inserts the replacement session and revokes the old one in a
	// single transaction, so there is no window where both are active.
	Rotate(ctx context.Context, oldToken string, next *Session) error
}
