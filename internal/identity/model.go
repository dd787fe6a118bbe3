package identity

import (
	"time"

	"github.com/google/uuid"
)

// PlatformIdentity links a hub user to one external platform account. The
// pair (platform, platform_user_id) is globally unique: one external account
// belongs to at most one hub user.
type PlatformIdentity struct {
	ID               uuid.UUID
	HubUserID        uuid.UUID
	Platform         string
	PlatformUserID   string
	PlatformUsername string
	AvatarURL        *string
	IsPrimary        bool
	LinkedAt         time.Time
	LastUsed         time.Time
}
