package platform

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// oauthBase carries what every direct provider needs: a credential source,
// the provider's oauth2 endpoint and scopes, and a bounded-timeout HTTP
// client for both halves of the exchange.
type oauthBase struct {
	platform Platform
	creds    CredentialSource
	endpoint oauth2.Endpoint
	scopes   []string
	client   *http.Client
}

func newOAuthBase(p Platform, creds CredentialSource, endpoint oauth2.Endpoint, scopes []string, timeout time.Duration) oauthBase {
	return oauthBase{
		platform: p,
		creds:    creds,
		endpoint: endpoint,
		scopes:   scopes,
		client:   &http.Client{Timeout: timeout},
	}
}

// Platform returns the provider's platform.
func (b *oauthBase) Platform() Platform { return b.platform }

func (b *oauthBase) config(ctx context.Context, redirectURI string) (*oauth2.Config, error) {
	creds, err := b.creds.OAuthCredentials(ctx, b.platform)
	if err != nil {
		return nil, fmt.Errorf("loading %s credentials: %w", b.platform, err)
	}

	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       b.scopes,
		Endpoint:     b.endpoint,
	}, nil
}

// AuthorizeURL builds the provider's authorization URL with the given state.
func (b *oauthBase) AuthorizeURL(ctx context.Context, redirectURI, state string) (string, error) {
	cfg, err := b.config(ctx, redirectURI)
	if err != nil {
		return "", err
	}
	return cfg.AuthCodeURL(state), nil
}

// exchangeCode trades the authorization code for a token set, using the
// bounded-timeout client.
func (b *oauthBase) exchangeCode(ctx context.Context, code, redirectURI string) (*oauth2.Config, *oauth2.Token, error) {
	cfg, err := b.config(ctx, redirectURI)
	if err != nil {
		return nil, nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.client)
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: token exchange: %v", ErrExchangeFailed, err)
	}

	return cfg, tok, nil
}
