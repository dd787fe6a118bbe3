package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/hubforge/hubforge/internal/api/middleware"
	"github.com/hubforge/hubforge/internal/api/response"
	"github.com/hubforge/hubforge/internal/identity"
	"github.com/hubforge/hubforge/internal/oauthstate"
	"github.com/hubforge/hubforge/internal/platform"
	"github.com/hubforge/hubforge/internal/session"
)

// OAuthHandler serves the login-mode OAuth flow: authorize URL issuance and
// the browser callback.
type OAuthHandler struct {
	registry    *platform.Registry
	states      oauthstate.Store
	resolver    *identity.Resolver
	sessions    *session.Manager
	frontendURL string
	baseURL     string
}

// NewOAuthHandler creates an OAuthHandler.
func NewOAuthHandler(registry *platform.Registry, states oauthstate.Store, resolver *identity.Resolver, sessions *session.Manager, frontendURL, baseURL string) *OAuthHandler {
	return &OAuthHandler{
		registry:    registry,
		states:      states,
		resolver:    resolver,
		sessions:    sessions,
		frontendURL: frontendURL,
		baseURL:     baseURL,
	}
}

func (h *OAuthHandler) callbackURI(p platform.Platform) string {
	return fmt.Sprintf("%s/oauth/%s/callback", h.baseURL, p)
}

// redirectError sends the browser back to the frontend with a safe error
// code. OAuth flow failures never surface as raw errors or JSON.
func redirectError(w http.ResponseWriter, r *http.Request, frontendURL, code string) {
	http.Redirect(w, r, frontendURL+"/auth/callback?error="+url.QueryEscape(code), http.StatusFound)
}

// Authorize handles GET /oauth/{platform}/authorize.
func (h *OAuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	name := chi.URLParam(r, "platform")
	provider, err := h.registry.Get(name)
	if err != nil {
		response.Err(w, http.StatusBadRequest, "UNSUPPORTED_PLATFORM", "Unknown platform", requestID)
		return
	}

	state, err := h.states.Create(ctx, name, oauthstate.ModeLogin, nil)
	if err != nil {
		slog.Error("failed to create state token", "error", err, "platform", name)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to start OAuth flow", requestID)
		return
	}

	authorizeURL, err := provider.AuthorizeURL(ctx, h.callbackURI(provider.Platform()), state)
	if err != nil {
		slog.Error("failed to build authorize url", "error", err, "platform", name)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to start OAuth flow", requestID)
		return
	}

	response.Success(w, http.StatusOK, map[string]string{
		"authorizeUrl": authorizeURL,
		"state":        state,
	}, requestID)
}

// Callback handles GET /oauth/{platform}/callback. Every failure becomes a
// redirect with an error code; the state consumption is the CSRF check.
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	name := chi.URLParam(r, "platform")
	provider, err := h.registry.Get(name)
	if err != nil {
		redirectError(w, r, h.frontendURL, "unsupported_platform")
		return
	}

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		redirectError(w, r, h.frontendURL, "invalid_state")
		return
	}

	if _, err := h.states.Consume(ctx, state, name, oauthstate.ModeLogin); err != nil {
		if !errors.Is(err, oauthstate.ErrStateNotFound) {
			slog.Error("failed to consume state token", "error", err, "platform", name)
		}
		redirectError(w, r, h.frontendURL, "invalid_state")
		return
	}

	ident, err := provider.Exchange(ctx, code, h.callbackURI(provider.Platform()))
	if err != nil {
		slog.Warn("platform exchange failed", "error", err, "platform", name)
		redirectError(w, r, h.frontendURL, "exchange_failed")
		return
	}

	u, err := h.resolver.ResolveOrCreate(ctx, provider.Platform(), ident)
	if err != nil {
		slog.Error("failed to resolve identity", "error", err, "platform", name)
		redirectError(w, r, h.frontendURL, "server_error")
		return
	}

	if !u.IsActive {
		redirectError(w, r, h.frontendURL, "account_disabled")
		return
	}

	token, err := h.sessions.Issue(ctx, claimsFor(u))
	if err != nil {
		slog.Error("failed to issue session", "error", err, "userId", u.ID)
		redirectError(w, r, h.frontendURL, "server_error")
		return
	}

	http.Redirect(w, r, h.frontendURL+"/auth/callback?token="+url.QueryEscape(token), http.StatusFound)
}
