package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"auth-gateway/internal/audit"
	"auth-gateway/internal/bucketing"
	"auth-gateway/internal/client"
	"auth-gateway/internal/config"
	"auth-gateway/internal/models"
	"auth-gateway/internal/redirect"
	"auth-gateway/internal/service"
	"auth-gateway/internal/session"
)

// stubProvider serves one account: good@biblenow.io / correct-password,
// callback code "good-code".
type stubProvider struct{}

func (stubProvider) user() *models.User {
	return &models.User{
		ID:    "u-1",
		Email: "good@biblenow.io",
		Metadata: map[string]interface{}{
			"twofa_enabled":         true,
			"has_completed_profile": true,
		},
	}
}

func (s stubProvider) session() *models.Session {
	return &models.Session{AccessToken: "access-u-1", RefreshToken: "r", User: s.user()}
}

func (s stubProvider) SignUp(context.Context, string, string, string, string, map[string]interface{}) (*models.Session, error) {
	return s.session(), nil
}

func (s stubProvider) SignInWithPassword(_ context.Context, email, password, _ string) (*models.Session, error) {
	if email == "good@biblenow.io" && password == "correct-password" {
		return s.session(), nil
	}
	return nil, &client.ProviderError{StatusCode: http.StatusBadRequest, Message: "Invalid login credentials"}
}

func (s stubProvider) ExchangeCodeForSession(_ context.Context, code string) (*models.Session, error) {
	if code == "good-code" {
		return s.session(), nil
	}
	return nil, &client.ProviderError{StatusCode: http.StatusBadRequest, Message: "bad code"}
}

func (s stubProvider) RefreshSession(context.Context, string) (*models.Session, error) {
	return s.session(), nil
}

func (s stubProvider) GetUser(context.Context, string) (*models.User, error) { return s.user(), nil }

func (s stubProvider) UpdateUserMetadata(context.Context, string, map[string]interface{}) (*models.User, error) {
	return s.user(), nil
}

func (stubProvider) Recover(context.Context, string, string, string) error { return nil }
func (stubProvider) SignOut(context.Context, string) error                 { return nil }
func (stubProvider) OAuthAuthorizeURL(provider, redirectTo string) string {
	return "https://provider/authorize?provider=" + provider
}

type stubFlags struct{}

func (stubFlags) UpsertSecurityFlags(context.Context, string, models.AccountSecurityFlags) error {
	return nil
}

func (stubFlags) GetSecurityFlags(context.Context, string) (*models.AccountSecurityFlags, error) {
	return nil, nil
}

func newTestRouter(t *testing.T, mutate ...func(*config.Config)) http.Handler {
	t.Helper()

	cfg := &config.Config{Environment: "development"}
	cfg.Cookie.Name = "bn-session"
	cfg.Cookie.ParentDomain = "biblenow.io"
	cfg.Cookie.MaxAge = 7 * 24 * time.Hour
	cfg.Cookie.LocalHosts = []string{"localhost", "127.0.0.1"}
	cfg.Redirect.TrustedDomain = "biblenow.io"
	cfg.Redirect.FallbackPath = "/email-confirmed"
	cfg.Redirect.ProfilePath = "/first-testimony"
	cfg.Redirect.ExpiredResetPath = "/expired-reset"
	cfg.Server.Domain = "auth.biblenow.io"
	cfg.Bucketing.ContactBuckets = 16
	cfg.Hashing.Argon2MemoryCost = 8 * 1024
	cfg.Hashing.Argon2TimeCost = 1
	cfg.Hashing.Argon2Parallelism = 1
	for _, m := range mutate {
		m(cfg)
	}

	emitter := audit.NewEmitter(nil, nil, nil, bucketing.NewBucketingManager(cfg))
	t.Cleanup(emitter.Close)

	resolver := redirect.NewResolver(cfg)
	cookies := session.NewCookieAdapter(cfg)

	// The verification endpoints are not exercised here; their stores stay
	// unwired.
	factory := service.NewServiceFactory(cfg, service.ServiceDeps{
		Flags:    stubFlags{},
		Provider: stubProvider{},
		Audit:    emitter,
		Resolver: resolver,
	})

	authHandler := NewAuthHandler(factory, cookies, resolver, emitter, cfg)
	healthHandler := NewHealthHandler(nil)
	return NewRouter(authHandler, healthHandler, cfg)
}

func TestSignInSetsCookieAndEnvelope(t *testing.T) {
	router := newTestRouter(t)

	body := strings.NewReader(`{"email":"good@biblenow.io","password":"correct-password"}`)
	req := httptest.NewRequest(http.MethodPost, "http://app.biblenow.io/api/v1/auth/signin?redirectTo=/dashboard", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			NextStep    string `json:"next_step"`
			Destination string `json:"destination"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success {
		t.Error("envelope success = false")
	}
	if resp.Data.NextStep != "routed" || resp.Data.Destination != "/dashboard" {
		t.Errorf("flow result = %+v", resp.Data)
	}

	var found bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == "bn-session" && c.Value != "" {
			found = true
		}
	}
	if !found {
		t.Error("sign-in should set the session cookie")
	}
}

func TestSignInWrongPassword(t *testing.T) {
	router := newTestRouter(t)

	body := strings.NewReader(`{"email":"good@biblenow.io","password":"nope"}`)
	req := httptest.NewRequest(http.MethodPost, "http://app.biblenow.io/api/v1/auth/signin", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error != "Invalid login credentials" {
		t.Errorf("error = %q, want the provider message verbatim", resp.Error)
	}
}

func TestSignInMissingCaptchaToken(t *testing.T) {
	router := newTestRouter(t, func(cfg *config.Config) {
		cfg.Provider.CaptchaRequired = true
	})

	body := strings.NewReader(`{"email":"good@biblenow.io","password":"correct-password"}`)
	req := httptest.NewRequest(http.MethodPost, "http://app.biblenow.io/api/v1/auth/signin", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	// The same credentials with a token go through.
	body = strings.NewReader(`{"email":"good@biblenow.io","password":"correct-password","captcha_token":"solved"}`)
	req = httptest.NewRequest(http.MethodPost, "http://app.biblenow.io/api/v1/auth/signin", body)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status with token = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestCallbackRedirectsWithCookie(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet,
		"http://auth.biblenow.io/api/v1/auth/callback?code=good-code&redirectTo=https://social.biblenow.io/feed", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://social.biblenow.io/feed" {
		t.Errorf("Location = %q", loc)
	}
	if len(rec.Result().Cookies()) == 0 {
		t.Error("callback should set the session cookie")
	}
}

func TestCallbackHostileRedirectFallsBack(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet,
		"http://auth.biblenow.io/api/v1/auth/callback?code=good-code&redirectTo=https://evil.com/phish", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/email-confirmed" {
		t.Errorf("Location = %q, want fallback", loc)
	}
}

func TestCallbackBadCodeStillRedirects(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet,
		"http://auth.biblenow.io/api/v1/auth/callback?code=stale-code", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303 even on a dud code", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/email-confirmed" {
		t.Errorf("Location = %q, want fallback", loc)
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Error("failed exchange must not set a cookie")
	}
}

func TestSignOutRemovesCookie(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "http://app.biblenow.io/api/v1/auth/signout", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 {
		t.Errorf("sign-out should expire the cookie, got %+v", cookies)
	}
}

func TestAuditSearchRequiresContact(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "http://app.biblenow.io/api/v1/audit/search", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestOAuthStartRedirects(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "http://app.biblenow.io/api/v1/auth/oauth/google", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", rec.Code)
	}
	if loc := rec.Header().Get("Location"); !strings.Contains(loc, "provider=google") {
		t.Errorf("Location = %q", loc)
	}
}

// sessionCookieValue mints the cookie the adapter would have written for
// the stub account.
func sessionCookieValue(t *testing.T) string {
	t.Helper()
	raw, err := json.Marshal(stubProvider{}.session())
	if err != nil {
		t.Fatal(err)
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// A recovery link whose code no longer exchanges must not land on the
// email-confirmed page; it gets the expired-reset destination instead.
func TestCallbackStaleRecoveryCodeGoesToExpiredReset(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet,
		"http://auth.biblenow.io/api/v1/auth/callback?code=stale-code&type=recovery", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/expired-reset" {
		t.Errorf("Location = %q, want /expired-reset", loc)
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Error("failed exchange must not set a cookie")
	}
}

func TestSessionEndpoint(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "http://app.biblenow.io/api/v1/auth/session", nil)
	req.AddCookie(&http.Cookie{Name: "bn-session", Value: sessionCookieValue(t)})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Success bool `json:"success"`
		Data    *struct {
			User struct {
				Email string `json:"email"`
			} `json:"user"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Data == nil || resp.Data.User.Email != "good@biblenow.io" {
		t.Errorf("session payload = %+v", resp.Data)
	}

	// No cookie means no session, answered as null rather than an error.
	req = httptest.NewRequest(http.MethodGet, "http://app.biblenow.io/api/v1/auth/session", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status without cookie = %d", rec.Code)
	}
	resp.Data = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Data != nil {
		t.Errorf("signed-out session = %+v, want null", resp.Data)
	}
}

func TestRefreshEndpoint(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "http://app.biblenow.io/api/v1/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: "bn-session", Value: sessionCookieValue(t)})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var found bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == "bn-session" && c.Value != "" {
			found = true
		}
	}
	if !found {
		t.Error("refresh should rewrite the session cookie")
	}

	req = httptest.NewRequest(http.MethodPost, "http://app.biblenow.io/api/v1/auth/refresh", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("refresh without cookie = %d, want 401", rec.Code)
	}
}

func TestAuditStats(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "http://app.biblenow.io/api/v1/audit/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status without kind = %d, want 400", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "http://app.biblenow.io/api/v1/audit/stats?kind=sign_in", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			Kind  string `json:"kind"`
			Count uint64 `json:"count"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Data.Kind != "sign_in" || resp.Data.Count != 0 {
		t.Errorf("stats = %+v", resp.Data)
	}
}
