package platform

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

const discordAPI = "https://discord.com/api"

// DiscordProvider exchanges codes against Discord's OAuth2 API.
type DiscordProvider struct {
	oauthBase
	apiURL string
}

// NewDiscordProvider creates a Discord provider.
func NewDiscordProvider(creds CredentialSource, timeout time.Duration) *DiscordProvider {
	return &DiscordProvider{
		oauthBase: newOAuthBase(Discord, creds, oauth2.Endpoint{
			AuthURL:  "https://discord.com/oauth2/authorize",
			TokenURL: discordAPI + "/oauth2/token",
		}, []string{"identify", "email"}, timeout),
		apiURL: discordAPI,
	}
}

// Exchange trades the code for a token and fetches the Discord profile.
func (p *DiscordProvider) Exchange(ctx context.Context, code, redirectURI string) (*Identity, error) {
	_, tok, err := p.exchangeCode(ctx, code, redirectURI)
	if err != nil {
		return nil, err
	}

	var profile struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Email    string `json:"email"`
		Avatar   string `json:"avatar"`
	}
	if err := getJSON(ctx, p.client, p.apiURL+"/users/@me", tok.AccessToken, nil, &profile); err != nil {
		return nil, err
	}

	// Discord returns a bare avatar hash; the client-facing URL lives on
	// the CDN.
	var avatarURL string
	if profile.Avatar != "" {
		avatarURL = fmt.Sprintf("https://cdn.discordapp.com/avatars/%s/%s.png", profile.ID, profile.Avatar)
	}

	return &Identity{
		ID:           profile.ID,
		Username:     profile.Username,
		Email:        profile.Email,
		AvatarURL:    avatarURL,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}, nil
}
