package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hubforge/hubforge/internal/api/middleware"
	"github.com/hubforge/hubforge/internal/api/response"
	"github.com/hubforge/hubforge/internal/identity"
	"github.com/hubforge/hubforge/internal/oauthstate"
	"github.com/hubforge/hubforge/internal/platform"
)

type identityResponse struct {
	Platform         string  `json:"platform"`
	PlatformUserID   string  `json:"platformUserId"`
	PlatformUsername string  `json:"platformUsername"`
	AvatarURL        *string `json:"avatarUrl,omitempty"`
	IsPrimary        bool    `json:"isPrimary"`
	LinkedAt         string  `json:"linkedAt"`
	LastUsed         string  `json:"lastUsed"`
}

// IdentityHandler serves identity linking, listing and unlinking.
type IdentityHandler struct {
	registry    *platform.Registry
	states      oauthstate.Store
	resolver    *identity.Resolver
	frontendURL string
	baseURL     string
}

// NewIdentityHandler creates an IdentityHandler.
func NewIdentityHandler(registry *platform.Registry, states oauthstate.Store, resolver *identity.Resolver, frontendURL, baseURL string) *IdentityHandler {
	return &IdentityHandler{
		registry:    registry,
		states:      states,
		resolver:    resolver,
		frontendURL: frontendURL,
		baseURL:     baseURL,
	}
}

// authedUserID returns the hub user behind the session. Temp-password
// sessions carry no user id and fail here.
func authedUserID(ctx context.Context) (uuid.UUID, error) {
	claims := middleware.GetClaims(ctx)
	if claims == nil {
		return uuid.Nil, errors.New("no session claims")
	}
	return uuid.Parse(claims.UserID)
}

func (h *IdentityHandler) linkCallbackURI(p platform.Platform) string {
	return fmt.Sprintf("%s/user/identities/link/%s/callback", h.baseURL, p)
}

func (h *IdentityHandler) settingsRedirect(w http.ResponseWriter, r *http.Request, query string) {
	http.Redirect(w, r, h.frontendURL+"/settings/identities?"+query, http.StatusFound)
}

// LinkStart handles POST /user/identities/link/{platform}. The state token
// carries the authenticated user id so the callback does not depend on a
// mutable session.
func (h *IdentityHandler) LinkStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	userID, err := authedUserID(ctx)
	if err != nil {
		response.Err(w, http.StatusForbidden, "LINK_REQUIRED", "No linked account for this session", requestID)
		return
	}

	name := chi.URLParam(r, "platform")
	provider, err := h.registry.Get(name)
	if err != nil {
		response.Err(w, http.StatusBadRequest, "UNSUPPORTED_PLATFORM", "Unknown platform", requestID)
		return
	}

	state, err := h.states.Create(ctx, name, oauthstate.ModeLink, &userID)
	if err != nil {
		slog.Error("failed to create state token", "error", err, "platform", name)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to start link flow", requestID)
		return
	}

	authorizeURL, err := provider.AuthorizeURL(ctx, h.linkCallbackURI(provider.Platform()), state)
	if err != nil {
		slog.Error("failed to build authorize url", "error", err, "platform", name)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to start link flow", requestID)
		return
	}

	response.Success(w, http.StatusOK, map[string]string{
		"authorizeUrl": authorizeURL,
		"state":        state,
	}, requestID)
}

// LinkCallback handles GET /user/identities/link/{platform}/callback. The
// browser arrives unauthenticated; the consumed state supplies the user.
func (h *IdentityHandler) LinkCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	name := chi.URLParam(r, "platform")
	provider, err := h.registry.Get(name)
	if err != nil {
		h.settingsRedirect(w, r, "error=unsupported_platform")
		return
	}

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		h.settingsRedirect(w, r, "error=invalid_state")
		return
	}

	st, err := h.states.Consume(ctx, state, name, oauthstate.ModeLink)
	if err != nil {
		if !errors.Is(err, oauthstate.ErrStateNotFound) {
			slog.Error("failed to consume state token", "error", err, "platform", name)
		}
		h.settingsRedirect(w, r, "error=invalid_state")
		return
	}
	if st.UserID == nil {
		h.settingsRedirect(w, r, "error=invalid_state")
		return
	}

	ident, err := provider.Exchange(ctx, code, h.linkCallbackURI(provider.Platform()))
	if err != nil {
		slog.Warn("platform exchange failed", "error", err, "platform", name)
		h.settingsRedirect(w, r, "error=exchange_failed")
		return
	}

	if err := h.resolver.Link(ctx, provider.Platform(), ident, *st.UserID); err != nil {
		if errors.Is(err, identity.ErrAlreadyLinked) {
			h.settingsRedirect(w, r, "error=already_linked")
			return
		}
		slog.Error("failed to link identity", "error", err, "platform", name, "userId", st.UserID)
		h.settingsRedirect(w, r, "error=server_error")
		return
	}

	h.settingsRedirect(w, r, "success=linked&platform="+url.QueryEscape(name))
}

// List handles GET /user/identities.
func (h *IdentityHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	userID, err := authedUserID(ctx)
	if err != nil {
		response.Err(w, http.StatusForbidden, "LINK_REQUIRED", "No linked account for this session", requestID)
		return
	}

	identities, err := h.resolver.List(ctx, userID)
	if err != nil {
		slog.Error("failed to list identities", "error", err, "userId", userID)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list identities", requestID)
		return
	}

	items := make([]identityResponse, 0, len(identities))
	for i := range identities {
		pi := &identities[i]
		items = append(items, identityResponse{
			Platform:         pi.Platform,
			PlatformUserID:   pi.PlatformUserID,
			PlatformUsername: pi.PlatformUsername,
			AvatarURL:        pi.AvatarURL,
			IsPrimary:        pi.IsPrimary,
			LinkedAt:         pi.LinkedAt.UTC().Format("2006-01-02T15:04:05Z"),
			LastUsed:         pi.LastUsed.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}

	response.Success(w, http.StatusOK, items, requestID)
}

// Unlink handles DELETE /user/identities/{platform}.
func (h *IdentityHandler) Unlink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	userID, err := authedUserID(ctx)
	if err != nil {
		response.Err(w, http.StatusForbidden, "LINK_REQUIRED", "No linked account for this session", requestID)
		return
	}

	name := chi.URLParam(r, "platform")
	if _, err := h.registry.Get(name); err != nil {
		response.Err(w, http.StatusBadRequest, "UNSUPPORTED_PLATFORM", "Unknown platform", requestID)
		return
	}

	if err := h.resolver.Unlink(ctx, userID, name); err != nil {
		switch {
		case errors.Is(err, identity.ErrLastAuthMethod):
			response.Err(w, http.StatusBadRequest, "NO_REMAINING_AUTH_METHOD",
				"Set a password before unlinking your only platform account", requestID)
		case errors.Is(err, identity.ErrIdentityNotFound):
			response.Err(w, http.StatusNotFound, "NOT_FOUND", "No linked identity for this platform", requestID)
		default:
			slog.Error("failed to unlink identity", "error", err, "userId", userID, "platform", name)
			response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to unlink identity", requestID)
		}
		return
	}

	response.Success(w, http.StatusOK, map[string]bool{"success": true}, requestID)
}
