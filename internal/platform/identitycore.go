package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// IdentityCoreProvider delegates the OAuth dance to the upstream Identity
// Core service instead of talking to the platform directly. Deployments
// behind Identity Core register one of these per platform.
type IdentityCoreProvider struct {
	platform Platform
	baseURL  string
	client   *http.Client
}

// NewIdentityCoreProviders returns Identity Core providers for every
// supported platform.
func NewIdentityCoreProviders(baseURL string, timeout time.Duration) []Provider {
	baseURL = strings.TrimRight(baseURL, "/")
	client := &http.Client{Timeout: timeout}

	platforms := []Platform{Discord, Twitch, Slack, YouTube, Kick}
	out := make([]Provider, 0, len(platforms))
	for _, p := range platforms {
		out = append(out, &IdentityCoreProvider{platform: p, baseURL: baseURL, client: client})
	}
	return out
}

// Platform returns the provider's platform.
func (p *IdentityCoreProvider) Platform() Platform { return p.platform }

// AuthorizeURL asks Identity Core for the platform authorization URL.
func (p *IdentityCoreProvider) AuthorizeURL(ctx context.Context, redirectURI, state string) (string, error) {
	q := url.Values{
		"redirect_uri": []string{redirectURI},
		"state":        []string{state},
	}
	endpoint := fmt.Sprintf("%s/oauth/%s/authorize-url?%s", p.baseURL, p.platform, q.Encode())

	var payload struct {
		AuthorizeURL string `json:"authorizeUrl"`
	}
	if err := getJSON(ctx, p.client, endpoint, "", nil, &payload); err != nil {
		return "", err
	}
	if payload.AuthorizeURL == "" {
		return "", fmt.Errorf("%w: identity core returned no authorize url", ErrExchangeFailed)
	}

	return payload.AuthorizeURL, nil
}

// Exchange forwards the code to Identity Core and returns its normalized
// identity.
func (p *IdentityCoreProvider) Exchange(ctx context.Context, code, redirectURI string) (*Identity, error) {
	body, err := json.Marshal(map[string]string{
		"code":        code,
		"redirectUri": redirectURI,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding exchange request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/oauth/%s/exchange", p.baseURL, p.platform)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrExchangeFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: identity core returned %d: %s", ErrExchangeFailed, resp.StatusCode, msg)
	}

	var payload struct {
		ID           string `json:"id"`
		Username     string `json:"username"`
		Email        string `json:"email"`
		AvatarURL    string `json:"avatarUrl"`
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrExchangeFailed, err)
	}

	return &Identity{
		ID:           payload.ID,
		Username:     payload.Username,
		Email:        payload.Email,
		AvatarURL:    payload.AvatarURL,
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
	}, nil
}
