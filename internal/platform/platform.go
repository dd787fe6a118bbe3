// Package platform exchanges OAuth authorization codes for normalized
// external identities. Each supported platform registers a Provider in the
// Registry; adding a platform means adding a file, not editing a switch.
//
// Providers only talk to the network. They never touch storage; attaching an
// identity to a hub user is the identity resolver's job.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Platform identifies a supported external platform.
type Platform string

const (
	Discord Platform = "discord"
	Twitch  Platform = "twitch"
	Slack   Platform = "slack"
	YouTube Platform = "youtube"
	Kick    Platform = "kick"
)

// ErrUnsupportedPlatform is returned for a platform name outside the
// registry. It fails before any network call is made.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// ErrExchangeFailed is returned when the platform's token or profile
// endpoint is unreachable or answers with a non-2xx status.
var ErrExchangeFailed = errors.New("platform exchange failed")

// Identity is the normalized record a provider produces from a successful
// code exchange plus profile fetch.
type Identity struct {
	ID           string
	Username     string
	Email        string
	AvatarURL    string
	AccessToken  string
	RefreshToken string
}

// Credentials are the OAuth client credentials for one platform.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// CredentialSource supplies client credentials per platform, typically the
// settings store with environment-variable override.
type CredentialSource interface {
	OAuthCredentials(ctx context.Context, p Platform) (Credentials, error)
}

// Provider performs the full OAuth dance for one platform.
type Provider interface {
	Platform() Platform
	// AuthorizeURL builds the provider's authorization URL carrying the
	// given state token.
	AuthorizeURL(ctx context.Context, redirectURI, state string) (string, error)
	// Exchange trades an authorization code for a normalized identity.
	Exchange(ctx context.Context, code, redirectURI string) (*Identity, error)
}

// Registry looks up providers by platform name.
type Registry struct {
	providers map[Platform]Provider
}

// NewRegistry creates a Registry from the given providers.
func NewRegistry(providers ...Provider) *Registry {
	m := make(map[Platform]Provider, len(providers))
	for _, p := range providers {
		m[p.Platform()] = p
	}
	return &Registry{providers: m}
}

// Get returns the provider for a platform name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[Platform(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, name)
	}
	return p, nil
}

// Platforms returns the registered platform names.
func (r *Registry) Platforms() []Platform {
	out := make([]Platform, 0, len(r.providers))
	for p := range r.providers {
		out = append(out, p)
	}
	return out
}

// getJSON performs an authorized GET and decodes the JSON body into v.
// Any transport error or non-2xx status becomes ErrExchangeFailed.
func getJSON(ctx context.Context, client *http.Client, url, accessToken string, header http.Header, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: building request: %v", ErrExchangeFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	for k, vals := range header {
		for _, val := range vals {
			req.Header.Add(k, val)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s returned %d: %s", ErrExchangeFailed, url, resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrExchangeFailed, err)
	}

	return nil
}
