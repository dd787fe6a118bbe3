package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned when a token fails signature or claim checks.
var ErrInvalidToken = errors.New("invalid session token")

// ErrSessionRevoked is returned when a cryptographically valid token points
// at a session that is no longer active.
var ErrSessionRevoked = errors.New("session revoked")

// Manager issues, validates, refreshes and revokes bearer tokens.
type Manager struct {
	repo   Repository
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewManager creates a Manager signing with the given HS256 secret.
func NewManager(repo Repository, secret, issuer string, ttl time.Duration) *Manager {
	return &Manager{
		repo:   repo,
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Username          string   `json:"username,omitempty"`
	Email             string   `json:"email,omitempty"`
	Roles             []string `json:"roles,omitempty"`
	IsSuperAdmin      bool     `json:"super_admin,omitempty"`
	IsVendor          bool     `json:"vendor,omitempty"`
	RequiresOAuthLink bool     `json:"requires_oauth_link,omitempty"`
	CommunityID       string   `json:"community_id,omitempty"`
}

// Issue signs a new token for the given claims and records its session row.
func (m *Manager) Issue(ctx context.Context, claims Claims) (string, error) {
	expiresAt := m.now().Add(m.ttl)

	token, err := m.sign(claims, expiresAt)
	if err != nil {
		return "", err
	}

	s, err := m.newSession(token, claims, expiresAt)
	if err != nil {
		return "", err
	}
	if err := m.repo.Create(ctx, s); err != nil {
		return "", fmt.Errorf("recording session: %w", err)
	}

	return token, nil
}

// Validate checks both the token's signature/expiry and that the backing
// session row is still active.
func (m *Manager) Validate(ctx context.Context, token string) (*Claims, error) {
	claims, err := m.parse(token, false)
	if err != nil {
		return nil, ErrInvalidToken
	}

	s, err := m.repo.Get(ctx, token)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("looking up session: %w", err)
	}
	if !s.IsActive {
		return nil, ErrSessionRevoked
	}
	if m.now().After(s.ExpiresAt) {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Refresh mints a replacement token for a session whose JWT may have just
// expired. The old session is revoked in the same transaction that records
// the new one.
func (m *Manager) Refresh(ctx context.Context, oldToken string) (string, error) {
	// Expiry is deliberately ignored here: a client is allowed to refresh
	// shortly after the claim lapses as long as the session row is active.
	claims, err := m.parse(oldToken, true)
	if err != nil {
		return "", ErrInvalidToken
	}

	old, err := m.repo.Get(ctx, oldToken)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("looking up session: %w", err)
	}
	if !old.IsActive {
		return "", ErrSessionRevoked
	}

	expiresAt := m.now().Add(m.ttl)
	token, err := m.sign(*claims, expiresAt)
	if err != nil {
		return "", err
	}

	next, err := m.newSession(token, *claims, expiresAt)
	if err != nil {
		return "", err
	}
	if err := m.repo.Rotate(ctx, oldToken, next); err != nil {
		return "", fmt.Errorf("rotating session: %w", err)
	}

	return token, nil
}

// Revoke deactivates the session behind a token. Idempotent.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	return m.repo.Revoke(ctx, token)
}

func (m *Manager) sign(claims Claims, expiresAt time.Time) (string, error) {
	now := m.now()
	tc := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.UserID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.New().String(),
		},
		Username:          claims.Username,
		Email:             claims.Email,
		Roles:             claims.Roles,
		IsSuperAdmin:      claims.IsSuperAdmin,
		IsVendor:          claims.IsVendor,
		RequiresOAuthLink: claims.RequiresOAuthLink,
		CommunityID:       claims.CommunityID,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tc).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

func (m *Manager) parse(token string, ignoreExpiry bool) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
	}
	if ignoreExpiry {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	var tc tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &tc, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	// WithoutClaimsValidation turns off every claim check, not just expiry.
	// Issuer and not-before still have to hold on a refresh.
	if ignoreExpiry {
		if tc.Issuer != m.issuer {
			return nil, ErrInvalidToken
		}
		if tc.NotBefore != nil && m.now().Before(tc.NotBefore.Time) {
			return nil, ErrInvalidToken
		}
	}

	return &Claims{
		UserID:            tc.Subject,
		Username:          tc.Username,
		Email:             tc.Email,
		Roles:             tc.Roles,
		IsSuperAdmin:      tc.IsSuperAdmin,
		IsVendor:          tc.IsVendor,
		RequiresOAuthLink: tc.RequiresOAuthLink,
		CommunityID:       tc.CommunityID,
	}, nil
}

func (m *Manager) newSession(token string, claims Claims, expiresAt time.Time) (*Session, error) {
	s := &Session{Token: token, ExpiresAt: expiresAt}

	if claims.UserID != "" {
		uid, err := uuid.Parse(claims.UserID)
		if err != nil {
			return nil, fmt.Errorf("parsing user id claim: %w", err)
		}
		s.UserID = &uid
	}
	if claims.CommunityID != "" {
		cid, err := uuid.Parse(claims.CommunityID)
		if err != nil {
			return nil, fmt.Errorf("parsing community id claim: %w", err)
		}
		s.CommunityID = &cid
	}

	return s, nil
}
