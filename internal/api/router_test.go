package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubforge/hubforge/internal/api/handler"
	"github.com/hubforge/hubforge/internal/credential"
	"github.com/hubforge/hubforge/internal/identity"
	"github.com/hubforge/hubforge/internal/oauthstate"
	"github.com/hubforge/hubforge/internal/outbox"
	"github.com/hubforge/hubforge/internal/platform"
	"github.com/hubforge/hubforge/internal/session"
	"github.com/hubforge/hubforge/internal/settings"
	"github.com/hubforge/hubforge/internal/user"
)

// The fakes below satisfy the storage interfaces so the full router can run
// against in-memory state.

type memUsers struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*user.HubUser
}

func newMemUsers() *memUsers { return &memUsers{rows: make(map[uuid.UUID]*user.HubUser)} }

func (r *memUsers) Create(_ context.Context, u *user.HubUser) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u.Email != nil {
		for _, e := range r.rows {
			if e.Email != nil && *e.Email == *u.Email {
				return user.ErrEmailTaken
			}
		}
	}
	u.ID = uuid.New()
	u.IsActive = true
	u.CreatedAt = time.Now()
	cp := *u
	r.rows[u.ID] = &cp
	return nil
}

func (r *memUsers) GetByID(_ context.Context, id uuid.UUID) (*user.HubUser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.rows[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, user.ErrUserNotFound
}

func (r *memUsers) GetByEmail(_ context.Context, email string) (*user.HubUser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.rows {
		if u.Email != nil && *u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, user.ErrUserNotFound
}

func (r *memUsers) SetPassword(_ context.Context, id uuid.UUID, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.rows[id]
	if !ok {
		return user.ErrUserNotFound
	}
	u.PasswordHash = &hash
	return nil
}

func (r *memUsers) MarkEmailVerified(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.rows[id]
	if !ok {
		return user.ErrUserNotFound
	}
	u.EmailVerified = true
	return nil
}

func (r *memUsers) deactivate(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.rows[id]; ok {
		u.IsActive = false
	}
}

type memSessions struct {
	mu   sync.Mutex
	rows map[string]*session.Session
}

func newMemSessions() *memSessions { return &memSessions{rows: make(map[string]*session.Session)} }

func (r *memSessions) Create(_ context.Context, s *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.IsActive = true
	s.CreatedAt = time.Now()
	cp := *s
	r.rows[s.Token] = &cp
	return nil
}

func (r *memSessions) Get(_ context.Context, token string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[token]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memSessions) Revoke(_ context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.rows[token]; ok && s.IsActive {
		now := time.Now()
		s.IsActive = false
		s.RevokedAt = &now
	}
	return nil
}

func (r *memSessions) Rotate(ctx context.Context, oldToken string, next *session.Session) error {
	if err := r.Create(ctx, next); err != nil {
		return err
	}
	return r.Revoke(ctx, oldToken)
}

type memIdentities struct {
	mu    sync.Mutex
	rows  map[uuid.UUID]*identity.PlatformIdentity
	users *memUsers
}

func newMemIdentities(users *memUsers) *memIdentities {
	return &memIdentities{rows: make(map[uuid.UUID]*identity.PlatformIdentity), users: users}
}

func (r *memIdentities) Create(_ context.Context, pi *identity.PlatformIdentity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.rows {
		if e.Platform == pi.Platform && e.PlatformUserID == pi.PlatformUserID {
			return identity.ErrIdentityTaken
		}
	}
	pi.ID = uuid.New()
	pi.LinkedAt = time.Now()
	pi.LastUsed = pi.LinkedAt
	cp := *pi
	r.rows[pi.ID] = &cp
	return nil
}

func (r *memIdentities) GetByPlatformUser(_ context.Context, p, pid string) (*identity.PlatformIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pi := range r.rows {
		if pi.Platform == p && pi.PlatformUserID == pid {
			cp := *pi
			return &cp, nil
		}
	}
	return nil, identity.ErrIdentityNotFound
}

func (r *memIdentities) ListByUser(_ context.Context, userID uuid.UUID) ([]identity.PlatformIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []identity.PlatformIdentity
	for _, pi := range r.rows {
		if pi.HubUserID == userID {
			out = append(out, *pi)
		}
	}
	return out, nil
}

func (r *memIdentities) CountByUser(_ context.Context, userID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, pi := range r.rows {
		if pi.HubUserID == userID {
			n++
		}
	}
	return n, nil
}

func (r *memIdentities) Touch(_ context.Context, id uuid.UUID, username string, avatarURL *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pi, ok := r.rows[id]
	if !ok {
		return identity.ErrIdentityNotFound
	}
	pi.PlatformUsername = username
	if avatarURL != nil {
		pi.AvatarURL = avatarURL
	}
	pi.LastUsed = time.Now()
	return nil
}

func (r *memIdentities) Unlink(ctx context.Context, userID uuid.UUID, p string) error {
	owner, err := r.users.GetByID(ctx, userID)
	if err != nil {
		return identity.ErrIdentityNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var owned []*identity.PlatformIdentity
	for _, pi := range r.rows {
		if pi.HubUserID == userID {
			owned = append(owned, pi)
		}
	}

	var target *identity.PlatformIdentity
	for _, pi := range owned {
		if pi.Platform == p {
			target = pi
			break
		}
	}
	if target == nil {
		return identity.ErrIdentityNotFound
	}
	if !owner.HasPassword() && len(owned) == 1 {
		return identity.ErrLastAuthMethod
	}

	delete(r.rows, target.ID)

	if target.IsPrimary {
		var earliest *identity.PlatformIdentity
		for _, pi := range r.rows {
			if pi.HubUserID != userID {
				continue
			}
			if earliest == nil || pi.LinkedAt.Before(earliest.LinkedAt) {
				earliest = pi
			}
		}
		if earliest != nil {
			earliest.IsPrimary = true
		}
	}

	return nil
}

type memStates struct {
	mu   sync.Mutex
	rows map[string]*oauthstate.Token
}

func newMemStates() *memStates { return &memStates{rows: make(map[string]*oauthstate.Token)} }

func (s *memStates) Create(_ context.Context, p string, mode oauthstate.Mode, userID *uuid.UUID) (string, error) {
	state, err := oauthstate.NewState()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[state] = &oauthstate.Token{
		State:     state,
		Mode:      mode,
		Platform:  p,
		UserID:    userID,
		ExpiresAt: time.Now().Add(10 * time.Minute),
		CreatedAt: time.Now(),
	}
	return state, nil
}

func (s *memStates) Consume(_ context.Context, state, p string, mode oauthstate.Mode) (*oauthstate.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.rows[state]
	if !ok || t.Platform != p || t.Mode != mode || t.ExpiresAt.Before(time.Now()) {
		return nil, oauthstate.ErrStateNotFound
	}
	delete(s.rows, state)
	return t, nil
}

type memTempPasswords struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*credential.TempPassword
}

func newMemTempPasswords() *memTempPasswords {
	return &memTempPasswords{rows: make(map[uuid.UUID]*credential.TempPassword)}
}

func (r *memTempPasswords) Create(_ context.Context, tp *credential.TempPassword) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tp.ID = uuid.New()
	tp.CreatedAt = time.Now()
	cp := *tp
	r.rows[tp.ID] = &cp
	return nil
}

func (r *memTempPasswords) FindActive(_ context.Context, communityID uuid.UUID, identifier string) ([]credential.TempPassword, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []credential.TempPassword
	for _, tp := range r.rows {
		if tp.CommunityID == communityID && tp.UserIdentifier == identifier &&
			!tp.IsUsed && tp.ExpiresAt.After(time.Now()) {
			out = append(out, *tp)
		}
	}
	return out, nil
}

func (r *memTempPasswords) MarkUsed(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tp, ok := r.rows[id]
	if !ok || tp.IsUsed {
		return credential.ErrInvalidTempPassword
	}
	tp.IsUsed = true
	return nil
}

type memVerifications struct {
	mu   sync.Mutex
	rows map[string]*credential.VerificationToken
}

func newMemVerifications() *memVerifications {
	return &memVerifications{rows: make(map[string]*credential.VerificationToken)}
}

func (r *memVerifications) Create(_ context.Context, vt *credential.VerificationToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	vt.CreatedAt = time.Now()
	cp := *vt
	r.rows[vt.Token] = &cp
	return nil
}

func (r *memVerifications) Consume(_ context.Context, token string) (*credential.VerificationToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vt, ok := r.rows[token]
	if !ok || vt.ExpiresAt.Before(time.Now()) {
		return nil, credential.ErrVerificationNotFound
	}
	delete(r.rows, token)
	return vt, nil
}

func (r *memVerifications) DeleteForUser(_ context.Context, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tok, vt := range r.rows {
		if vt.UserID == userID {
			delete(r.rows, tok)
		}
	}
	return nil
}

type memOutbox struct {
	mu     sync.Mutex
	events []outbox.Event
}

func (o *memOutbox) Append(_ context.Context, eventType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, outbox.Event{ID: uuid.New(), EventType: eventType, Payload: body, CreatedAt: time.Now()})
	return nil
}

func (o *memOutbox) ListPending(_ context.Context, limit int) ([]outbox.Event, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if limit > len(o.events) {
		limit = len(o.events)
	}
	return append([]outbox.Event(nil), o.events[:limit]...), nil
}

func (o *memOutbox) MarkProcessed(_ context.Context, _ uuid.UUID) error { return nil }

type mapSettings map[string]string

func (r mapSettings) Get(_ context.Context, key string) (string, error) {
	v, ok := r[key]
	if !ok {
		return "", settings.ErrSettingNotFound
	}
	return v, nil
}

func (r mapSettings) Set(_ context.Context, key, value string) error {
	r[key] = value
	return nil
}

// fakeProvider returns a canned identity instead of talking to a platform.
type fakeProvider struct {
	platform platform.Platform
	identity *platform.Identity
	fail     bool
}

func (p *fakeProvider) Platform() platform.Platform { return p.platform }

func (p *fakeProvider) AuthorizeURL(_ context.Context, redirectURI, state string) (string, error) {
	return "https://auth.example/authorize?state=" + state + "&redirect_uri=" + url.QueryEscape(redirectURI), nil
}

func (p *fakeProvider) Exchange(_ context.Context, code, _ string) (*platform.Identity, error) {
	if p.fail || code != "good-code" {
		return nil, platform.ErrExchangeFailed
	}
	cp := *p.identity
	return &cp, nil
}

type okPinger struct{}

func (okPinger) Ping(_ context.Context) error { return nil }

type testEnv struct {
	router   http.Handler
	users    *memUsers
	states   *memStates
	temp     *credential.TempPasswordService
	outbox   *memOutbox
	settings mapSettings
	discord  *fakeProvider
	verifs   *memVerifications
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	users := newMemUsers()
	identities := newMemIdentities(users)
	states := newMemStates()
	ob := &memOutbox{}
	flagsRepo := mapSettings{}
	verifs := newMemVerifications()

	hasher := credential.NewHasher(4)
	flags := settings.NewService(flagsRepo)
	temp := credential.NewTempPasswordService(newMemTempPasswords(), hasher)
	sessions := session.NewManager(newMemSessions(), "test-secret", "hubforge-test", time.Hour)
	resolver := identity.NewResolver(users, identities, ob)

	discord := &fakeProvider{
		platform: platform.Discord,
		identity: &platform.Identity{ID: "555", Username: "gamer", Email: "gamer@example.com"},
	}
	twitch := &fakeProvider{
		platform: platform.Twitch,
		identity: &platform.Identity{ID: "777", Username: "streamer", Email: "streamer@example.com"},
	}
	registry := platform.NewRegistry(discord, twitch)

	const frontend = "https://hub.example.com"
	const base = "https://api.hub.example.com"

	router := NewRouter(RouterDeps{
		Auth:     handler.NewAuthHandler(users, sessions, hasher, temp, verifs, flags, ob, handler.LogEmailSender{}),
		OAuth:    handler.NewOAuthHandler(registry, states, resolver, sessions, frontend, base),
		Identity: handler.NewIdentityHandler(registry, states, resolver, frontend, base),
		Health:   handler.NewHealthHandler(okPinger{}, "test"),
		Sessions: sessions,
	})

	return &testEnv{
		router:   router,
		users:    users,
		states:   states,
		temp:     temp,
		outbox:   ob,
		settings: flagsRepo,
		discord:  discord,
		verifs:   verifs,
	}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
	Meta struct {
		RequestID string `json:"requestId"`
	} `json:"meta"`
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func (e *testEnv) register(t *testing.T, email, password string) string {
	t.Helper()
	rec, env := e.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"email":    email,
		"password": password,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var data struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	return data.Token
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	rec, env := e.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, env.Meta.RequestID)
}

func TestRegisterAndLogin(t *testing.T) {
	e := newTestEnv(t)

	token := e.register(t, "casey@example.com", "longenough")
	require.NotEmpty(t, token)

	// Registration wrote the outbox event.
	events, err := e.outbox.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, outbox.EventUserRegistered, events[0].EventType)

	rec, env := e.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email":    "Casey@Example.com",
		"password": "longenough",
	})
	require.Equal(t, http.StatusOK, rec.Code, "login emails are case insensitive")

	var data struct {
		Token string `json:"token"`
		User  struct {
			Email    *string `json:"email"`
			Username string  `json:"username"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.NotEmpty(t, data.Token)
	assert.Equal(t, "casey", data.User.Username, "username defaults to the email local part")
}

func TestRegisterDuplicateEmail(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "casey@example.com", "longenough")

	rec, env := e.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"email":    "casey@example.com",
		"password": "longenough",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CONFLICT", env.Error.Code)
}

func TestRegisterValidation(t *testing.T) {
	e := newTestEnv(t)

	rec, env := e.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"email":    "nope",
		"password": "short",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
	assert.NotNil(t, env.Error.Details)
}

func TestRegisterSignupDisabled(t *testing.T) {
	e := newTestEnv(t)
	e.settings[settings.KeySignupEnabled] = "false"

	rec, env := e.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"email":    "casey@example.com",
		"password": "longenough",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "SIGNUP_DISABLED", env.Error.Code)
}

func TestRegisterDomainAllowlist(t *testing.T) {
	e := newTestEnv(t)
	e.settings[settings.KeyAllowedEmailDomains] = "example.com"

	rec, _ := e.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"email":    "casey@example.com",
		"password": "longenough",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec, env := e.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"email":    "casey@elsewhere.com",
		"password": "longenough",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "DOMAIN_NOT_ALLOWED", env.Error.Code)
}

func TestLoginUniformUnauthorized(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "casey@example.com", "longenough")

	// Unknown email and wrong password must be indistinguishable.
	rec1, env1 := e.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email": "nobody@example.com", "password": "whatever1",
	})
	rec2, env2 := e.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email": "casey@example.com", "password": "wrongpass",
	})

	assert.Equal(t, http.StatusUnauthorized, rec1.Code)
	assert.Equal(t, http.StatusUnauthorized, rec2.Code)
	assert.Equal(t, env1.Error.Message, env2.Error.Message)
}

func TestLoginDeactivatedAccount(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "casey@example.com", "longenough")

	u, err := e.users.GetByEmail(context.Background(), "casey@example.com")
	require.NoError(t, err)
	e.users.deactivate(u.ID)

	rec, env := e.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email": "casey@example.com", "password": "longenough",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", env.Error.Code)
}

func TestRefreshAndLogout(t *testing.T) {
	e := newTestEnv(t)
	token := e.register(t, "casey@example.com", "longenough")

	rec, env := e.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{"token": token})
	require.Equal(t, http.StatusOK, rec.Code)

	var data struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.NotEqual(t, token, data.Token)

	// The pre-rotation token is dead.
	rec, _ = e.do(t, http.MethodPost, "/auth/logout", token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/auth/logout", data.Token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// And after logout the rotated token is dead too.
	rec, _ = e.do(t, http.MethodPost, "/auth/logout", data.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTempLogin(t *testing.T) {
	e := newTestEnv(t)
	communityID := uuid.New()

	raw, _, err := e.temp.Issue(context.Background(), communityID, "invitee-42", time.Hour, true)
	require.NoError(t, err)

	rec, env := e.do(t, http.MethodPost, "/auth/login/temp", "", map[string]string{
		"communityId": communityID.String(),
		"identifier":  "invitee-42",
		"password":    raw,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var data struct {
		Token             string `json:"token"`
		RequiresOAuthLink bool   `json:"requiresOAuthLink"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.True(t, data.RequiresOAuthLink)

	// A temp session has no hub user behind it; user-scoped endpoints refuse it.
	rec, env = e.do(t, http.MethodGet, "/user/identities/", data.Token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "LINK_REQUIRED", env.Error.Code)

	// Redeeming the same credential again fails.
	rec, _ = e.do(t, http.MethodPost, "/auth/login/temp", "", map[string]string{
		"communityId": communityID.String(),
		"identifier":  "invitee-42",
		"password":    raw,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEmailVerificationFlow(t *testing.T) {
	e := newTestEnv(t)
	e.settings[settings.KeyEmailConfigured] = "true"
	e.settings[settings.KeyRequireVerification] = "true"

	rec, env := e.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"email":    "casey@example.com",
		"password": "longenough",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var data struct {
		Token                string `json:"token"`
		RequiresVerification bool   `json:"requiresVerification"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Empty(t, data.Token, "no session until the email is verified")
	assert.True(t, data.RequiresVerification)

	// Login is blocked until verification.
	rec, env = e.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email": "casey@example.com", "password": "longenough",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", env.Error.Code)

	// Pull the token straight out of the store, as the email would carry it.
	e.verifs.mu.Lock()
	require.Len(t, e.verifs.rows, 1)
	var verifyToken string
	for tok := range e.verifs.rows {
		verifyToken = tok
	}
	e.verifs.mu.Unlock()

	rec, _ = e.do(t, http.MethodGet, "/auth/verify-email?token="+url.QueryEscape(verifyToken), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email": "casey@example.com", "password": "longenough",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	// The link is single use.
	rec, env = e.do(t, http.MethodGet, "/auth/verify-email?token="+url.QueryEscape(verifyToken), "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_STATE", env.Error.Code)
}

func TestResendVerificationNeverLeaksAccounts(t *testing.T) {
	e := newTestEnv(t)

	rec, _ := e.do(t, http.MethodPost, "/auth/resend-verification", "", map[string]string{
		"email": "nobody@example.com",
	})
	assert.Equal(t, http.StatusOK, rec.Code, "unknown emails get the same answer")
}

func TestOAuthAuthorize(t *testing.T) {
	e := newTestEnv(t)

	rec, env := e.do(t, http.MethodGet, "/oauth/discord/authorize", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var data struct {
		AuthorizeURL string `json:"authorizeUrl"`
		State        string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Contains(t, data.AuthorizeURL, data.State)

	rec, env = e.do(t, http.MethodGet, "/oauth/myspace/authorize", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "UNSUPPORTED_PLATFORM", env.Error.Code)
}

func TestOAuthCallbackLogin(t *testing.T) {
	e := newTestEnv(t)

	state, err := e.states.Create(context.Background(), "discord", oauthstate.ModeLogin, nil)
	require.NoError(t, err)

	rec, _ := e.do(t, http.MethodGet, "/oauth/discord/callback?code=good-code&state="+state, "", nil)
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/auth/callback", loc.Path)
	assert.NotEmpty(t, loc.Query().Get("token"))
	assert.Empty(t, loc.Query().Get("error"))

	// The hub user was created from the platform identity.
	u, err := e.users.GetByEmail(context.Background(), "gamer@example.com")
	require.NoError(t, err)
	assert.Equal(t, "gamer", u.Username)
}

func TestOAuthCallbackStateIsSingleUse(t *testing.T) {
	e := newTestEnv(t)

	state, err := e.states.Create(context.Background(), "discord", oauthstate.ModeLogin, nil)
	require.NoError(t, err)

	rec, _ := e.do(t, http.MethodGet, "/oauth/discord/callback?code=good-code&state="+state, "", nil)
	require.Equal(t, http.StatusFound, rec.Code)

	rec, _ = e.do(t, http.MethodGet, "/oauth/discord/callback?code=good-code&state="+state, "", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "invalid_state", loc.Query().Get("error"))
}

func TestOAuthCallbackExchangeFailure(t *testing.T) {
	e := newTestEnv(t)
	e.discord.fail = true

	state, err := e.states.Create(context.Background(), "discord", oauthstate.ModeLogin, nil)
	require.NoError(t, err)

	rec, _ := e.do(t, http.MethodGet, "/oauth/discord/callback?code=good-code&state="+state, "", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "exchange_failed", loc.Query().Get("error"))

	// The state was still burned; retrying with the same state fails closed.
	e.discord.fail = false
	rec, _ = e.do(t, http.MethodGet, "/oauth/discord/callback?code=good-code&state="+state, "", nil)
	loc, err = url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "invalid_state", loc.Query().Get("error"))
}

func TestOAuthCallbackDisabledAccount(t *testing.T) {
	e := newTestEnv(t)

	// First login creates the user, then the account is disabled.
	state, err := e.states.Create(context.Background(), "discord", oauthstate.ModeLogin, nil)
	require.NoError(t, err)
	rec, _ := e.do(t, http.MethodGet, "/oauth/discord/callback?code=good-code&state="+state, "", nil)
	require.Equal(t, http.StatusFound, rec.Code)

	u, err := e.users.GetByEmail(context.Background(), "gamer@example.com")
	require.NoError(t, err)
	e.users.deactivate(u.ID)

	state, err = e.states.Create(context.Background(), "discord", oauthstate.ModeLogin, nil)
	require.NoError(t, err)
	rec, _ = e.do(t, http.MethodGet, "/oauth/discord/callback?code=good-code&state="+state, "", nil)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "account_disabled", loc.Query().Get("error"))
}

func TestLinkFlow(t *testing.T) {
	e := newTestEnv(t)
	token := e.register(t, "casey@example.com", "longenough")

	// Start the link flow for Discord.
	rec, env := e.do(t, http.MethodPost, "/user/identities/link/discord", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var data struct {
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))

	// The callback arrives without a session; the state carries the user.
	rec, _ = e.do(t, http.MethodGet, "/user/identities/link/discord/callback?code=good-code&state="+data.State, "", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/settings/identities", loc.Path)
	assert.Equal(t, "linked", loc.Query().Get("success"))
	assert.Equal(t, "discord", loc.Query().Get("platform"))

	// The identity shows up in the list, as primary.
	rec, env = e.do(t, http.MethodGet, "/user/identities/", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var items []struct {
		Platform  string `json:"platform"`
		IsPrimary bool   `json:"isPrimary"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &items))
	require.Len(t, items, 1)
	assert.Equal(t, "discord", items[0].Platform)
	assert.True(t, items[0].IsPrimary)
}

func TestLinkCallbackAlreadyLinked(t *testing.T) {
	e := newTestEnv(t)

	// Someone else owns the Discord account via an OAuth login.
	state, err := e.states.Create(context.Background(), "discord", oauthstate.ModeLogin, nil)
	require.NoError(t, err)
	rec, _ := e.do(t, http.MethodGet, "/oauth/discord/callback?code=good-code&state="+state, "", nil)
	require.Equal(t, http.StatusFound, rec.Code)

	token := e.register(t, "casey@example.com", "longenough")
	rec, env := e.do(t, http.MethodPost, "/user/identities/link/discord", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var data struct {
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))

	rec, _ = e.do(t, http.MethodGet, "/user/identities/link/discord/callback?code=good-code&state="+data.State, "", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "already_linked", loc.Query().Get("error"))
}

func TestUnlink(t *testing.T) {
	e := newTestEnv(t)

	// An OAuth-only user cannot drop their last identity.
	state, err := e.states.Create(context.Background(), "discord", oauthstate.ModeLogin, nil)
	require.NoError(t, err)
	rec, _ := e.do(t, http.MethodGet, "/oauth/discord/callback?code=good-code&state="+state, "", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	oauthToken := loc.Query().Get("token")
	require.NotEmpty(t, oauthToken)

	rec, env := e.do(t, http.MethodDelete, "/user/identities/discord", oauthToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "NO_REMAINING_AUTH_METHOD", env.Error.Code)

	// A second identity makes the unlink legal.
	statesUser, err := e.users.GetByEmail(context.Background(), "gamer@example.com")
	require.NoError(t, err)
	linkState, err := e.states.Create(context.Background(), "twitch", oauthstate.ModeLink, &statesUser.ID)
	require.NoError(t, err)
	rec, _ = e.do(t, http.MethodGet, "/user/identities/link/twitch/callback?code=good-code&state="+linkState, "", nil)
	require.Equal(t, http.StatusFound, rec.Code)

	rec, _ = e.do(t, http.MethodDelete, "/user/identities/discord", oauthToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Unlinking a platform with no link is a 404.
	rec, env = e.do(t, http.MethodDelete, "/user/identities/discord", oauthToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestSetPasswordFreesLastIdentity(t *testing.T) {
	e := newTestEnv(t)

	// An OAuth-only user starts out passwordless and cannot unlink.
	state, err := e.states.Create(context.Background(), "discord", oauthstate.ModeLogin, nil)
	require.NoError(t, err)
	rec, _ := e.do(t, http.MethodGet, "/oauth/discord/callback?code=good-code&state="+state, "", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	token := loc.Query().Get("token")
	require.NotEmpty(t, token)

	rec, env := e.do(t, http.MethodDelete, "/user/identities/discord", token, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "NO_REMAINING_AUTH_METHOD", env.Error.Code)

	// Setting a first password needs no current password.
	rec, _ = e.do(t, http.MethodPut, "/user/password", token, map[string]string{
		"newPassword": "longenough",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The password is now the remaining auth method, so the unlink is legal.
	rec, _ = e.do(t, http.MethodDelete, "/user/identities/discord", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email": "gamer@example.com", "password": "longenough",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSetPasswordRequiresCurrentPassword(t *testing.T) {
	e := newTestEnv(t)
	token := e.register(t, "casey@example.com", "longenough")

	rec, env := e.do(t, http.MethodPut, "/user/password", token, map[string]string{
		"currentPassword": "wrongpass",
		"newPassword":     "evenlonger",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)

	rec, env = e.do(t, http.MethodPut, "/user/password", token, map[string]string{
		"currentPassword": "longenough",
		"newPassword":     "short",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	rec, _ = e.do(t, http.MethodPut, "/user/password", token, map[string]string{
		"currentPassword": "longenough",
		"newPassword":     "evenlonger",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email": "casey@example.com", "password": "evenlonger",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSetPasswordRejectsTempSession(t *testing.T) {
	e := newTestEnv(t)
	communityID := uuid.New()

	raw, _, err := e.temp.Issue(context.Background(), communityID, "invitee-42", time.Hour, true)
	require.NoError(t, err)

	rec, env := e.do(t, http.MethodPost, "/auth/login/temp", "", map[string]string{
		"communityId": communityID.String(),
		"identifier":  "invitee-42",
		"password":    raw,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var data struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))

	rec, env = e.do(t, http.MethodPut, "/user/password", data.Token, map[string]string{
		"newPassword": "longenough",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "LINK_REQUIRED", env.Error.Code)
}

func TestAuthMiddlewareRejectsGarbage(t *testing.T) {
	e := newTestEnv(t)

	rec, env := e.do(t, http.MethodGet, "/user/identities/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)

	rec, _ = e.do(t, http.MethodGet, "/user/identities/", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
