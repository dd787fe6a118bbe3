package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidTempPassword is returned when no unexpired, unused temp password
// matches the presented credentials.
var ErrInvalidTempPassword = errors.New("invalid temp password")

// TempPassword is a single-use credential issued by a community admin for
// out-of-band onboarding. Once consumed it is permanently invalid.
type TempPassword struct {
	ID             uuid.UUID
	CommunityID    uuid.UUID
	UserIdentifier string
	PasswordHash   string
	ForceOAuthLink bool
	ExpiresAt      time.Time
	IsUsed         bool
	UsedAt         *time.Time
	CreatedAt      time.Time
}

// TempPasswordRepository provides operations on the temp_passwords table.
type TempPasswordRepository interface {
	Create(ctx context.Context, tp *TempPassword) error
	// FindActive returns unused, unexpired temp passwords for the identifier.
	FindActive(ctx context.Context, communityID uuid.UUID, identifier string) ([]TempPassword, error)
	// MarkUsed consumes a temp password. Returns ErrInvalidTempPassword if
	// it was already consumed, so two concurrent logins cannot both win.
	MarkUsed(ctx context.Context, id uuid.UUID) error
}

// TempPasswordService issues and redeems temp passwords.
type TempPasswordService struct {
	repo   TempPasswordRepository
	hasher *Hasher
}

// NewTempPasswordService creates a TempPasswordService.
func NewTempPasswordService(repo TempPasswordRepository, hasher *Hasher) *TempPasswordService {
	return &TempPasswordService{repo: repo, hasher: hasher}
}

// Issue creates a temp password for the identifier and returns the raw
// secret, which is shown once and never stored.
func (s *TempPasswordService) Issue(ctx context.Context, communityID uuid.UUID, identifier string, ttl time.Duration, forceOAuthLink bool) (string, *TempPassword, error) {
	raw, err := GenerateToken()
	if err != nil {
		return "", nil, err
	}

	hash, err := s.hasher.Hash(raw)
	if err != nil {
		return "", nil, err
	}

	tp := &TempPassword{
		CommunityID:    communityID,
		UserIdentifier: identifier,
		PasswordHash:   hash,
		ForceOAuthLink: forceOAuthLink,
		ExpiresAt:      time.Now().Add(ttl),
	}
	if err := s.repo.Create(ctx, tp); err != nil {
		return "", nil, fmt.Errorf("storing temp password: %w", err)
	}

	return raw, tp, nil
}

// Redeem verifies and consumes a temp password in one step.
func (s *TempPasswordService) Redeem(ctx context.Context, communityID uuid.UUID, identifier, password string) (*TempPassword, error) {
	candidates, err := s.repo.FindActive(ctx, communityID, identifier)
	if err != nil {
		return nil, fmt.Errorf("finding temp passwords: %w", err)
	}

	for i := range candidates {
		tp := &candidates[i]
		if !s.hasher.Verify(tp.PasswordHash, password) {
			continue
		}
		if err := s.repo.MarkUsed(ctx, tp.ID); err != nil {
			return nil, err
		}
		tp.IsUsed = true
		return tp, nil
	}

	return nil, ErrInvalidTempPassword
}
