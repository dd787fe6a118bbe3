package platform

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

const twitchHelixURL = "https://api.twitch.tv/helix"

// TwitchProvider exchanges codes against Twitch's OAuth2 API.
type TwitchProvider struct {
	oauthBase
	apiURL string
}

// NewTwitchProvider creates a Twitch provider.
func NewTwitchProvider(creds CredentialSource, timeout time.Duration) *TwitchProvider {
	return &TwitchProvider{
		oauthBase: newOAuthBase(Twitch, creds, oauth2.Endpoint{
			AuthURL:  "https://id.twitch.tv/oauth2/authorize",
			TokenURL: "https://id.twitch.tv/oauth2/token",
		}, []string{"user:read:email"}, timeout),
		apiURL: twitchHelixURL,
	}
}

// Exchange trades the code for a token and fetches the Twitch profile.
// Helix requires the Client-Id header alongside the bearer token.
func (p *TwitchProvider) Exchange(ctx context.Context, code, redirectURI string) (*Identity, error) {
	cfg, tok, err := p.exchangeCode(ctx, code, redirectURI)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Data []struct {
			ID              string `json:"id"`
			Login           string `json:"login"`
			DisplayName     string `json:"display_name"`
			Email           string `json:"email"`
			ProfileImageURL string `json:"profile_image_url"`
		} `json:"data"`
	}
	header := http.Header{"Client-Id": []string{cfg.ClientID}}
	if err := getJSON(ctx, p.client, p.apiURL+"/users", tok.AccessToken, header, &payload); err != nil {
		return nil, err
	}
	if len(payload.Data) == 0 {
		return nil, fmt.Errorf("%w: twitch returned no user", ErrExchangeFailed)
	}

	u := payload.Data[0]
	username := u.DisplayName
	if username == "" {
		username = u.Login
	}

	return &Identity{
		ID:           u.ID,
		Username:     username,
		Email:        u.Email,
		AvatarURL:    u.ProfileImageURL,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}, nil
}
