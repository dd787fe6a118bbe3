package platform

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

const slackAPI = "https://slack.com/api"

// SlackProvider exchanges codes via Slack's OpenID Connect endpoints.
type SlackProvider struct {
	oauthBase
	apiURL string
}

// NewSlackProvider creates a Slack provider.
func NewSlackProvider(creds CredentialSource, timeout time.Duration) *SlackProvider {
	return &SlackProvider{
		oauthBase: newOAuthBase(Slack, creds, oauth2.Endpoint{
			AuthURL:  "https://slack.com/openid/connect/authorize",
			TokenURL: slackAPI + "/openid.connect.token",
		}, []string{"openid", "profile", "email"}, timeout),
		apiURL: slackAPI,
	}
}

// Exchange trades the code for a token and fetches the OpenID userinfo.
func (p *SlackProvider) Exchange(ctx context.Context, code, redirectURI string) (*Identity, error) {
	_, tok, err := p.exchangeCode(ctx, code, redirectURI)
	if err != nil {
		return nil, err
	}

	var profile struct {
		Sub     string `json:"sub"`
		Name    string `json:"name"`
		Email   string `json:"email"`
		Picture string `json:"picture"`
	}
	if err := getJSON(ctx, p.client, p.apiURL+"/openid.connect.userInfo", tok.AccessToken, nil, &profile); err != nil {
		return nil, err
	}
	if profile.Sub == "" {
		return nil, fmt.Errorf("%w: slack returned no subject", ErrExchangeFailed)
	}

	return &Identity{
		ID:           profile.Sub,
		Username:     profile.Name,
		Email:        profile.Email,
		AvatarURL:    profile.Picture,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}, nil
}
