// Package oauthstate stores the short-lived, single-use state tokens that
// bind an OAuth redirect to its originating request. The state token is the
// sole CSRF defense on the callback: a callback whose state cannot be
// consumed must fail, never proceed without context.
package oauthstate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Mode distinguishes what the OAuth flow is for.
type Mode string

const (
	// ModeLogin is a login-or-register flow for an unauthenticated visitor.
	ModeLogin Mode = "login"
	// ModeLink attaches a new platform identity to an existing user.
	ModeLink Mode = "link"
)

// ErrStateNotFound is returned when no matching unexpired state exists. The
// token may be wrong, expired, or already consumed; callers get no hint which.
var ErrStateNotFound = errors.New("state token not found")

// Token is an in-flight OAuth state record.
type Token struct {
	State     string
	Mode      Mode
	Platform  string
	UserID    *uuid.UUID // set only for ModeLink
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Store creates and consumes state tokens.
type Store interface {
	// Create persists a fresh state token and returns its opaque value.
	Create(ctx context.Context, platform string, mode Mode, userID *uuid.UUID) (string, error)
	// Consume atomically looks up and deletes the token matching
	// (state, platform, mode) with time left on the clock.
	Consume(ctx context.Context, state, platform string, mode Mode) (*Token, error)
}

// NewState returns a cryptographically random state value.
func NewState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	return hex.EncodeToString(b), nil
}
