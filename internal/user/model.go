package user

import (
	"time"

	"github.com/google/uuid"
)

// HubUser is the canonical, platform-independent account record. Email and
// password are nullable: a user may exist purely through platform identities.
type HubUser struct {
	ID            uuid.UUID
	Email         *string
	Username      string
	PasswordHash  *string
	AvatarURL     *string
	IsActive      bool
	IsSuperAdmin  bool
	IsVendor      bool
	EmailVerified bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasPassword reports whether the user can authenticate with a password.
func (u *HubUser) HasPassword() bool {
	return u.PasswordHash != nil && *u.PasswordHash != ""
}
