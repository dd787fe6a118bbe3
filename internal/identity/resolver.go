// Package identity reconciles external platform accounts against hub users:
// find-or-create on OAuth login, explicit linking for authenticated users,
// and unlink with primary promotion.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hubforge/hubforge/internal/outbox"
	"github.com/hubforge/hubforge/internal/platform"
	"github.com/hubforge/hubforge/internal/user"
)

// ErrAlreadyLinked is returned when a link attempt targets an external
// account that belongs to a different hub user. Re-pointing the identity
// would let one user hijack another's platform account.
var ErrAlreadyLinked = errors.New("identity already linked to another account")

// Resolver owns the identity reconciliation rules.
type Resolver struct {
	users      user.Repository
	identities Repository
	outbox     outbox.Repository
}

// NewResolver creates a Resolver.
func NewResolver(users user.Repository, identities Repository, ob outbox.Repository) *Resolver {
	return &Resolver{users: users, identities: identities, outbox: ob}
}

// ResolveOrCreate handles the login flow: map a normalized external identity
// to its hub user, creating user and link rows as needed.
func (r *Resolver) ResolveOrCreate(ctx context.Context, p platform.Platform, ident *platform.Identity) (*user.HubUser, error) {
	// Returning user: the link already exists.
	existing, err := r.identities.GetByPlatformUser(ctx, string(p), ident.ID)
	if err == nil {
		return r.refreshAndLoad(ctx, existing, ident)
	}
	if !errors.Is(err, ErrIdentityNotFound) {
		return nil, err
	}

	// Same human, second platform: consolidate on matching email.
	email := ident.Email
	synthetic := email == ""
	if synthetic {
		email = syntheticEmail(p, ident)
	}

	owner, err := r.users.GetByEmail(ctx, email)
	if err == nil {
		if err := r.attach(ctx, owner.ID, p, ident); err != nil {
			return nil, err
		}
		return owner, nil
	}
	if !errors.Is(err, user.ErrUserNotFound) {
		return nil, err
	}

	return r.createUserWithIdentity(ctx, p, ident, email, synthetic)
}

// Link handles the authenticated link flow for contextUserID.
func (r *Resolver) Link(ctx context.Context, p platform.Platform, ident *platform.Identity, contextUserID uuid.UUID) error {
	existing, err := r.identities.GetByPlatformUser(ctx, string(p), ident.ID)
	if err == nil {
		if existing.HubUserID != contextUserID {
			return ErrAlreadyLinked
		}
		// Relinking an identity the user already owns is a no-op success.
		return r.identities.Touch(ctx, existing.ID, ident.Username, nullable(ident.AvatarURL))
	}
	if !errors.Is(err, ErrIdentityNotFound) {
		return err
	}

	if err := r.attach(ctx, contextUserID, p, ident); err != nil {
		if errors.Is(err, ErrIdentityTaken) {
			// Lost a race against another link of the same external account.
			return ErrAlreadyLinked
		}
		return err
	}

	return nil
}

// Unlink removes a user's identity for a platform. See Repository.Unlink for
// the invariants enforced.
func (r *Resolver) Unlink(ctx context.Context, userID uuid.UUID, platformName string) error {
	return r.identities.Unlink(ctx, userID, platformName)
}

// List returns the user's identities, earliest linked first.
func (r *Resolver) List(ctx context.Context, userID uuid.UUID) ([]PlatformIdentity, error) {
	return r.identities.ListByUser(ctx, userID)
}

func (r *Resolver) refreshAndLoad(ctx context.Context, pi *PlatformIdentity, ident *platform.Identity) (*user.HubUser, error) {
	if err := r.identities.Touch(ctx, pi.ID, ident.Username, nullable(ident.AvatarURL)); err != nil {
		return nil, err
	}

	owner, err := r.users.GetByID(ctx, pi.HubUserID)
	if err != nil {
		return nil, fmt.Errorf("loading identity owner: %w", err)
	}
	return owner, nil
}

// attach creates the identity link; the first identity a user ever gets is
// primary.
func (r *Resolver) attach(ctx context.Context, userID uuid.UUID, p platform.Platform, ident *platform.Identity) error {
	count, err := r.identities.CountByUser(ctx, userID)
	if err != nil {
		return err
	}

	pi := &PlatformIdentity{
		HubUserID:        userID,
		Platform:         string(p),
		PlatformUserID:   ident.ID,
		PlatformUsername: ident.Username,
		AvatarURL:        nullable(ident.AvatarURL),
		IsPrimary:        count == 0,
	}

	err = r.identities.Create(ctx, pi)
	if errors.Is(err, ErrPrimaryExists) && pi.IsPrimary {
		// Lost a race against a concurrent first link; the winner took the
		// primary slot, this identity links as a secondary.
		pi.IsPrimary = false
		err = r.identities.Create(ctx, pi)
	}
	return err
}

func (r *Resolver) createUserWithIdentity(ctx context.Context, p platform.Platform, ident *platform.Identity, email string, synthetic bool) (*user.HubUser, error) {
	username := ident.Username
	if username == "" {
		username = fmt.Sprintf("%s-%s", p, ident.ID)
	}

	u := &user.HubUser{
		Email:    &email,
		Username: username,
		// A real provider email was authenticated by the platform; only
		// synthetic placeholders stay unverified.
		EmailVerified: !synthetic,
		AvatarURL:     nullable(ident.AvatarURL),
	}
	if err := r.users.Create(ctx, u); err != nil {
		if errors.Is(err, user.ErrEmailTaken) {
			// Concurrent first login with the same email: attach to the
			// winner instead.
			owner, gerr := r.users.GetByEmail(ctx, email)
			if gerr != nil {
				return nil, gerr
			}
			if aerr := r.attach(ctx, owner.ID, p, ident); aerr != nil && !errors.Is(aerr, ErrIdentityTaken) {
				return nil, aerr
			}
			return owner, nil
		}
		return nil, err
	}

	err := r.identities.Create(ctx, &PlatformIdentity{
		HubUserID:        u.ID,
		Platform:         string(p),
		PlatformUserID:   ident.ID,
		PlatformUsername: ident.Username,
		AvatarURL:        nullable(ident.AvatarURL),
		IsPrimary:        true,
	})
	if err != nil {
		if errors.Is(err, ErrIdentityTaken) {
			// Concurrent first login with the same external account.
			existing, gerr := r.identities.GetByPlatformUser(ctx, string(p), ident.ID)
			if gerr != nil {
				return nil, gerr
			}
			return r.users.GetByID(ctx, existing.HubUserID)
		}
		return nil, err
	}

	// The enrollment consumer gets the address stored on the account, which
	// is the synthetic placeholder when the provider returned none.
	if err := r.outbox.Append(ctx, outbox.EventUserRegistered, outbox.UserRegisteredPayload{
		UserID:   u.ID.String(),
		Email:    email,
		Username: u.Username,
		Origin:   string(p),
	}); err != nil {
		return nil, fmt.Errorf("recording registration event: %w", err)
	}

	return u, nil
}

func syntheticEmail(p platform.Platform, ident *platform.Identity) string {
	return fmt.Sprintf("%s@%s.local", ident.ID, p)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
