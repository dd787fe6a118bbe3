// Package session issues and validates bearer tokens backed by durable
// session rows. A token is only as valid as its row: flipping is_active off
// revokes it immediately, regardless of the expiry claim baked into the JWT.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Session mirrors an issued bearer token in the sessions table.
type Session struct {
	Token       string
	UserID      *uuid.UUID // nil for temp-password sessions not yet linked
	CommunityID *uuid.UUID
	IsActive    bool
	ExpiresAt   time.Time
	CreatedAt   time.Time
	RevokedAt   *time.Time
}

// Claims is the application payload embedded in a session token.
type Claims struct {
	UserID            string
	Username          string
	Email             string
	Roles             []string
	IsSuperAdmin      bool
	IsVendor          bool
	RequiresOAuthLink bool
	CommunityID       string
}
