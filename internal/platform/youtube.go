package platform

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/oauth2/google"
)

const (
	googleUserinfoURL  = "https://www.googleapis.com/oauth2/v2/userinfo"
	youtubeChannelsURL = "https://www.googleapis.com/youtube/v3/channels?part=snippet&mine=true"
)

// YouTubeProvider exchanges codes via Google OAuth and prefers the user's
// YouTube channel name over their Google display name.
type YouTubeProvider struct {
	oauthBase
	userinfoURL string
	channelsURL string
}

// NewYouTubeProvider creates a YouTube provider.
func NewYouTubeProvider(creds CredentialSource, timeout time.Duration) *YouTubeProvider {
	return &YouTubeProvider{
		oauthBase: newOAuthBase(YouTube, creds, google.Endpoint, []string{
			"https://www.googleapis.com/auth/userinfo.email",
			"https://www.googleapis.com/auth/userinfo.profile",
			"https://www.googleapis.com/auth/youtube.readonly",
		}, timeout),
		userinfoURL: googleUserinfoURL,
		channelsURL: youtubeChannelsURL,
	}
}

// Exchange trades the code for a token, fetches the Google profile, and
// looks up the channel title. A user without a channel falls back to the
// Google display name; the channel lookup failing is not a flow failure.
func (p *YouTubeProvider) Exchange(ctx context.Context, code, redirectURI string) (*Identity, error) {
	_, tok, err := p.exchangeCode(ctx, code, redirectURI)
	if err != nil {
		return nil, err
	}

	var profile struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Email   string `json:"email"`
		Picture string `json:"picture"`
	}
	if err := getJSON(ctx, p.client, p.userinfoURL, tok.AccessToken, nil, &profile); err != nil {
		return nil, err
	}

	username := profile.Name
	if title := p.channelTitle(ctx, tok.AccessToken); title != "" {
		username = title
	}

	return &Identity{
		ID:           profile.ID,
		Username:     username,
		Email:        profile.Email,
		AvatarURL:    profile.Picture,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}, nil
}

func (p *YouTubeProvider) channelTitle(ctx context.Context, accessToken string) string {
	var payload struct {
		Items []struct {
			Snippet struct {
				Title string `json:"title"`
			} `json:"snippet"`
		} `json:"items"`
	}
	if err := getJSON(ctx, p.client, p.channelsURL, accessToken, nil, &payload); err != nil {
		slog.Debug("youtube channel lookup failed, using google display name", "error", err)
		return ""
	}
	if len(payload.Items) == 0 {
		return ""
	}
	return payload.Items[0].Snippet.Title
}
