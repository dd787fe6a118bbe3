package platform

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

const kickAPI = "https://api.kick.com/public/v1"

// KickProvider exchanges codes against Kick's OAuth2 API.
type KickProvider struct {
	oauthBase
	apiURL string
}

// NewKickProvider creates a Kick provider.
func NewKickProvider(creds CredentialSource, timeout time.Duration) *KickProvider {
	return &KickProvider{
		oauthBase: newOAuthBase(Kick, creds, oauth2.Endpoint{
			AuthURL:  "https://id.kick.com/oauth/authorize",
			TokenURL: "https://id.kick.com/oauth/token",
		}, []string{"user:read"}, timeout),
		apiURL: kickAPI,
	}
}

// Exchange trades the code for a token and fetches the Kick profile.
func (p *KickProvider) Exchange(ctx context.Context, code, redirectURI string) (*Identity, error) {
	_, tok, err := p.exchangeCode(ctx, code, redirectURI)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Data []struct {
			UserID         int64  `json:"user_id"`
			Name           string `json:"name"`
			Email          string `json:"email"`
			ProfilePicture string `json:"profile_picture"`
		} `json:"data"`
	}
	if err := getJSON(ctx, p.client, p.apiURL+"/users", tok.AccessToken, nil, &payload); err != nil {
		return nil, err
	}
	if len(payload.Data) == 0 {
		return nil, fmt.Errorf("%w: kick returned no user", ErrExchangeFailed)
	}

	u := payload.Data[0]

	return &Identity{
		ID:           strconv.FormatInt(u.UserID, 10),
		Username:     u.Name,
		Email:        u.Email,
		AvatarURL:    u.ProfilePicture,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}, nil
}
