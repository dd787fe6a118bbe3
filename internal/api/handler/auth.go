package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hubforge/hubforge/internal/api/middleware"
	"github.com/hubforge/hubforge/internal/api/response"
	"github.com/hubforge/hubforge/internal/api/validation"
	"github.com/hubforge/hubforge/internal/credential"
	"github.com/hubforge/hubforge/internal/outbox"
	"github.com/hubforge/hubforge/internal/session"
	"github.com/hubforge/hubforge/internal/settings"
	"github.com/hubforge/hubforge/internal/user"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Username string `json:"username"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tempLoginRequest struct {
	CommunityID string `json:"communityId"`
	Identifier  string `json:"identifier"`
	Password    string `json:"password"`
}

type refreshRequest struct {
	Token string `json:"token"`
}

type passwordChangeRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type userResponse struct {
	ID            string  `json:"id"`
	Email         *string `json:"email"`
	Username      string  `json:"username"`
	AvatarURL     *string `json:"avatarUrl,omitempty"`
	IsSuperAdmin  bool    `json:"isSuperAdmin"`
	IsVendor      bool    `json:"isVendor"`
	EmailVerified bool    `json:"emailVerified"`
}

type authResponse struct {
	Token string       `json:"token,omitempty"`
	User  userResponse `json:"user"`

	RequiresVerification bool `json:"requiresVerification,omitempty"`
}

func toUserResponse(u *user.HubUser) userResponse {
	return userResponse{
		ID:            u.ID.String(),
		Email:         u.Email,
		Username:      u.Username,
		AvatarURL:     u.AvatarURL,
		IsSuperAdmin:  u.IsSuperAdmin,
		IsVendor:      u.IsVendor,
		EmailVerified: u.EmailVerified,
	}
}

func claimsFor(u *user.HubUser) session.Claims {
	var email string
	if u.Email != nil {
		email = *u.Email
	}
	return session.Claims{
		UserID:       u.ID.String(),
		Username:     u.Username,
		Email:        email,
		Roles:        session.RolesFor(u.IsSuperAdmin, u.IsVendor),
		IsSuperAdmin: u.IsSuperAdmin,
		IsVendor:     u.IsVendor,
	}
}

// AuthHandler serves registration, login and session lifecycle endpoints.
type AuthHandler struct {
	users         user.Repository
	sessions      *session.Manager
	hasher        *credential.Hasher
	temp          *credential.TempPasswordService
	verifications credential.VerificationRepository
	flags         *settings.Service
	outbox        outbox.Repository
	mailer        EmailSender
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(users user.Repository, sessions *session.Manager, hasher *credential.Hasher, temp *credential.TempPasswordService, verifications credential.VerificationRepository, flags *settings.Service, ob outbox.Repository, mailer EmailSender) *AuthHandler {
	return &AuthHandler{
		users:         users,
		sessions:      sessions,
		hasher:        hasher,
		temp:          temp,
		verifications: verifications,
		flags:         flags,
		outbox:        ob,
		mailer:        mailer,
	}
}

// Register handles POST /auth/register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Err(w, http.StatusBadRequest, "INVALID_JSON", "Request body must be valid JSON", requestID)
		return
	}

	fieldErrors := validation.ValidateRegisterRequest(validation.RegisterRequest{
		Email:    req.Email,
		Password: req.Password,
		Username: req.Username,
	})
	if len(fieldErrors) > 0 {
		response.ErrWithDetails(w, http.StatusBadRequest, "VALIDATION_ERROR", "Input validation failed", fieldErrors, requestID)
		return
	}

	if !h.flags.SignupEnabled(ctx) {
		response.Err(w, http.StatusForbidden, "SIGNUP_DISABLED", "Registration is currently disabled", requestID)
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !h.flags.EmailDomainAllowed(ctx, email) {
		response.Err(w, http.StatusForbidden, "DOMAIN_NOT_ALLOWED", "Registration is restricted to approved email domains", requestID)
		return
	}

	hash, err := h.hasher.Hash(req.Password)
	if err != nil {
		slog.Error("failed to hash password", "error", err)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to register", requestID)
		return
	}

	username := strings.TrimSpace(req.Username)
	if username == "" {
		username = email[:strings.Index(email, "@")]
	}

	requiresVerification := h.flags.RequireEmailVerification(ctx)

	u := &user.HubUser{
		Email:         &email,
		Username:      username,
		PasswordHash:  &hash,
		EmailVerified: !requiresVerification,
	}
	if err := h.users.Create(ctx, u); err != nil {
		if errors.Is(err, user.ErrEmailTaken) {
			response.Err(w, http.StatusConflict, "CONFLICT", "Email is already registered", requestID)
			return
		}
		slog.Error("failed to create user", "error", err)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to register", requestID)
		return
	}

	if err := h.outbox.Append(ctx, outbox.EventUserRegistered, outbox.UserRegisteredPayload{
		UserID:   u.ID.String(),
		Email:    email,
		Username: u.Username,
		Origin:   "local",
	}); err != nil {
		slog.Error("failed to record registration event", "error", err, "userId", u.ID)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to register", requestID)
		return
	}

	if requiresVerification {
		h.issueVerification(r, u, email)
		response.Success(w, http.StatusCreated, authResponse{
			User:                 toUserResponse(u),
			RequiresVerification: true,
		}, requestID)
		return
	}

	token, err := h.sessions.Issue(ctx, claimsFor(u))
	if err != nil {
		slog.Error("failed to issue session", "error", err, "userId", u.ID)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to register", requestID)
		return
	}

	response.Success(w, http.StatusCreated, authResponse{Token: token, User: toUserResponse(u)}, requestID)
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Err(w, http.StatusBadRequest, "INVALID_JSON", "Request body must be valid JSON", requestID)
		return
	}

	fieldErrors := validation.ValidateLoginRequest(validation.LoginRequest{
		Email:    req.Email,
		Password: req.Password,
	})
	if len(fieldErrors) > 0 {
		response.ErrWithDetails(w, http.StatusBadRequest, "VALIDATION_ERROR", "Input validation failed", fieldErrors, requestID)
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))

	// A missing user, a passwordless user and a wrong password all produce
	// the same response; login must not reveal whether the email exists.
	u, err := h.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			response.Err(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid email or password", requestID)
			return
		}
		slog.Error("failed to look up user", "error", err)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to log in", requestID)
		return
	}

	if !u.HasPassword() || !h.hasher.Verify(*u.PasswordHash, req.Password) {
		response.Err(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid email or password", requestID)
		return
	}

	if !u.IsActive {
		response.Err(w, http.StatusForbidden, "FORBIDDEN", "Account is deactivated", requestID)
		return
	}

	if h.flags.RequireEmailVerification(ctx) && !u.EmailVerified {
		response.ErrWithDetails(w, http.StatusForbidden, "FORBIDDEN", "Email verification required",
			map[string]bool{"requiresVerification": true}, requestID)
		return
	}

	token, err := h.sessions.Issue(ctx, claimsFor(u))
	if err != nil {
		slog.Error("failed to issue session", "error", err, "userId", u.ID)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to log in", requestID)
		return
	}

	response.Success(w, http.StatusOK, authResponse{Token: token, User: toUserResponse(u)}, requestID)
}

// TempLogin handles POST /auth/login/temp, the admin-issued single-use
// credential flow.
func (h *AuthHandler) TempLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req tempLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Err(w, http.StatusBadRequest, "INVALID_JSON", "Request body must be valid JSON", requestID)
		return
	}

	fieldErrors := validation.ValidateTempLoginRequest(validation.TempLoginRequest{
		CommunityID: req.CommunityID,
		Identifier:  req.Identifier,
		Password:    req.Password,
	})
	if len(fieldErrors) > 0 {
		response.ErrWithDetails(w, http.StatusBadRequest, "VALIDATION_ERROR", "Input validation failed", fieldErrors, requestID)
		return
	}

	communityID, _ := uuid.Parse(req.CommunityID) // already validated

	tp, err := h.temp.Redeem(ctx, communityID, strings.TrimSpace(req.Identifier), req.Password)
	if err != nil {
		if errors.Is(err, credential.ErrInvalidTempPassword) {
			response.Err(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or expired credentials", requestID)
			return
		}
		slog.Error("failed to redeem temp password", "error", err)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to log in", requestID)
		return
	}

	// No hub user exists yet; the session is scoped to the community and
	// flagged so only the linking endpoints accept it.
	token, err := h.sessions.Issue(ctx, session.Claims{
		Username:          tp.UserIdentifier,
		CommunityID:       tp.CommunityID.String(),
		RequiresOAuthLink: tp.ForceOAuthLink,
	})
	if err != nil {
		slog.Error("failed to issue temp session", "error", err)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to log in", requestID)
		return
	}

	response.Success(w, http.StatusOK, map[string]any{
		"token":             token,
		"requiresOAuthLink": tp.ForceOAuthLink,
	}, requestID)
}

// Refresh handles POST /auth/refresh.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		response.Err(w, http.StatusBadRequest, "VALIDATION_ERROR", "token is required", requestID)
		return
	}

	token, err := h.sessions.Refresh(ctx, req.Token)
	if err != nil {
		if errors.Is(err, session.ErrInvalidToken) || errors.Is(err, session.ErrSessionRevoked) {
			response.Err(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or revoked session", requestID)
			return
		}
		slog.Error("failed to refresh session", "error", err)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to refresh session", requestID)
		return
	}

	response.Success(w, http.StatusOK, map[string]string{"token": token}, requestID)
}

// Logout handles POST /auth/logout. Revoking twice is fine.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	token := middleware.GetSessionToken(ctx)
	if err := h.sessions.Revoke(ctx, token); err != nil {
		slog.Error("failed to revoke session", "error", err)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to log out", requestID)
		return
	}

	response.Success(w, http.StatusOK, map[string]bool{"success": true}, requestID)
}

// SetPassword handles PUT /user/password. OAuth-only accounts set their first
// password here, which is what frees their last identity for unlinking;
// accounts that already have one must present it.
func (h *AuthHandler) SetPassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	userID, err := authedUserID(ctx)
	if err != nil {
		response.Err(w, http.StatusForbidden, "LINK_REQUIRED", "No linked account for this session", requestID)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req passwordChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Err(w, http.StatusBadRequest, "INVALID_JSON", "Request body must be valid JSON", requestID)
		return
	}

	fieldErrors := validation.ValidatePasswordChangeRequest(validation.PasswordChangeRequest{
		NewPassword: req.NewPassword,
	})
	if len(fieldErrors) > 0 {
		response.ErrWithDetails(w, http.StatusBadRequest, "VALIDATION_ERROR", "Input validation failed", fieldErrors, requestID)
		return
	}

	u, err := h.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			response.Err(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid session", requestID)
			return
		}
		slog.Error("failed to look up user", "error", err, "userId", userID)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to change password", requestID)
		return
	}

	if u.HasPassword() && !h.hasher.Verify(*u.PasswordHash, req.CurrentPassword) {
		response.Err(w, http.StatusUnauthorized, "UNAUTHORIZED", "Current password is incorrect", requestID)
		return
	}

	hash, err := h.hasher.Hash(req.NewPassword)
	if err != nil {
		slog.Error("failed to hash password", "error", err)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to change password", requestID)
		return
	}

	if err := h.users.SetPassword(ctx, userID, hash); err != nil {
		slog.Error("failed to set password", "error", err, "userId", userID)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to change password", requestID)
		return
	}

	response.Success(w, http.StatusOK, map[string]bool{"success": true}, requestID)
}

// ResendVerification handles POST /auth/resend-verification. The response is
// identical whether or not the email belongs to an account.
func (h *AuthHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req emailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Email) == "" {
		response.Err(w, http.StatusBadRequest, "VALIDATION_ERROR", "email is required", requestID)
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))

	u, err := h.users.GetByEmail(ctx, email)
	if err == nil && !u.EmailVerified {
		h.issueVerification(r, u, email)
	} else if err != nil && !errors.Is(err, user.ErrUserNotFound) {
		slog.Error("failed to look up user for verification", "error", err)
	}

	response.Success(w, http.StatusOK, map[string]bool{"sent": true}, requestID)
}

// VerifyEmail handles GET /auth/verify-email?token=.
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	token := r.URL.Query().Get("token")
	if token == "" {
		response.Err(w, http.StatusBadRequest, "VALIDATION_ERROR", "token is required", requestID)
		return
	}

	vt, err := h.verifications.Consume(ctx, token)
	if err != nil {
		if errors.Is(err, credential.ErrVerificationNotFound) {
			response.Err(w, http.StatusBadRequest, "INVALID_STATE", "Verification link is invalid or expired", requestID)
			return
		}
		slog.Error("failed to consume verification token", "error", err)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to verify email", requestID)
		return
	}

	if err := h.users.MarkEmailVerified(ctx, vt.UserID); err != nil && !errors.Is(err, user.ErrUserNotFound) {
		slog.Error("failed to mark email verified", "error", err, "userId", vt.UserID)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to verify email", requestID)
		return
	}

	response.Success(w, http.StatusOK, map[string]bool{"verified": true}, requestID)
}

func (h *AuthHandler) issueVerification(r *http.Request, u *user.HubUser, email string) {
	ctx := r.Context()

	if err := h.verifications.DeleteForUser(ctx, u.ID); err != nil {
		slog.Error("failed to clear old verification tokens", "error", err, "userId", u.ID)
		return
	}

	token, err := credential.GenerateToken()
	if err != nil {
		slog.Error("failed to generate verification token", "error", err)
		return
	}

	vt := &credential.VerificationToken{
		Token:     token,
		UserID:    u.ID,
		Email:     email,
		ExpiresAt: time.Now().Add(credential.DefaultVerificationTTL),
	}
	if err := h.verifications.Create(ctx, vt); err != nil {
		slog.Error("failed to store verification token", "error", err, "userId", u.ID)
		return
	}

	if err := h.mailer.SendVerification(ctx, email, token); err != nil {
		slog.Error("failed to send verification email", "error", err, "userId", u.ID)
	}
}
