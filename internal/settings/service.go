package settings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/hubforge/hubforge/internal/platform"
)

// Setting keys for the feature flags consulted by the auth flows.
const (
	KeySignupEnabled       = "signup_enabled"
	KeyRequireVerification = "require_email_verification"
	KeyEmailConfigured     = "email_configured"
	KeyAllowedEmailDomains = "allowed_email_domains"
)

// Service reads typed flags and OAuth credentials. Environment variables win
// over stored values so operators can override without touching the DB.
type Service struct {
	repo Repository
}

// NewService creates a settings Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) boolFlag(ctx context.Context, key string, fallback bool) bool {
	v, err := s.repo.Get(ctx, key)
	if err != nil {
		return fallback
	}
	return v == "true" || v == "1"
}

// SignupEnabled reports whether local registration is open. Defaults to true.
func (s *Service) SignupEnabled(ctx context.Context) bool {
	return s.boolFlag(ctx, KeySignupEnabled, true)
}

// EmailConfigured reports whether an outbound email service is wired up.
func (s *Service) EmailConfigured(ctx context.Context) bool {
	return s.boolFlag(ctx, KeyEmailConfigured, false)
}

// RequireEmailVerification reports whether logins demand a verified email.
// Verification can only be demanded when email sending is configured,
// otherwise users could never complete it.
func (s *Service) RequireEmailVerification(ctx context.Context) bool {
	return s.EmailConfigured(ctx) && s.boolFlag(ctx, KeyRequireVerification, false)
}

// AllowedEmailDomains returns the signup domain allowlist; empty means any.
func (s *Service) AllowedEmailDomains(ctx context.Context) []string {
	v, err := s.repo.Get(ctx, KeyAllowedEmailDomains)
	if err != nil || strings.TrimSpace(v) == "" {
		return nil
	}

	var domains []string
	for _, d := range strings.Split(v, ",") {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			domains = append(domains, d)
		}
	}
	return domains
}

// EmailDomainAllowed reports whether an email's domain passes the allowlist.
func (s *Service) EmailDomainAllowed(ctx context.Context, email string) bool {
	domains := s.AllowedEmailDomains(ctx)
	if len(domains) == 0 {
		return true
	}

	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(email[at+1:])

	for _, d := range domains {
		if domain == d {
			return true
		}
	}
	return false
}

// OAuthCredentials returns the client credentials for a platform, preferring
// ${PLATFORM}_CLIENT_ID / ${PLATFORM}_CLIENT_SECRET over stored settings.
func (s *Service) OAuthCredentials(ctx context.Context, p platform.Platform) (platform.Credentials, error) {
	prefix := strings.ToUpper(string(p))

	clientID := os.Getenv(prefix + "_CLIENT_ID")
	if clientID == "" {
		clientID, _ = s.repo.Get(ctx, fmt.Sprintf("oauth.%s.client_id", p))
	}

	clientSecret := os.Getenv(prefix + "_CLIENT_SECRET")
	if clientSecret == "" {
		clientSecret, _ = s.repo.Get(ctx, fmt.Sprintf("oauth.%s.client_secret", p))
	}

	if clientID == "" || clientSecret == "" {
		return platform.Credentials{}, fmt.Errorf("oauth credentials for %s: %w", p, errors.New("not configured"))
	}

	return platform.Credentials{ClientID: clientID, ClientSecret: clientSecret}, nil
}
