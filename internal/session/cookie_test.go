package session

import (
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"auth-gateway/internal/config"
	"auth-gateway/internal/models"
)

func newJar() (*cookiejar.Jar, error) {
	return cookiejar.New(nil)
}

func newTestAdapter(production bool) *CookieAdapter {
	cfg := &config.Config{}
	if production {
		cfg.Environment = "production"
	} else {
		cfg.Environment = "development"
	}
	cfg.Cookie.Name = "bn-session"
	cfg.Cookie.ParentDomain = "biblenow.io"
	cfg.Cookie.MaxAge = 7 * 24 * time.Hour
	cfg.Cookie.LocalHosts = []string{"localhost", "127.0.0.1"}
	return NewCookieAdapter(cfg)
}

func TestSetScopesToParentDomain(t *testing.T) {
	a := newTestAdapter(true)

	req := httptest.NewRequest(http.MethodGet, "https://app.biblenow.io/", nil)
	rec := httptest.NewRecorder()
	a.Set(rec, req, "tok")

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected 1 cookie, got %d", len(cookies))
	}
	c := cookies[0]
	if c.Domain != "biblenow.io" {
		// net/http strips the leading dot when parsing; the header carries it.
		t.Errorf("Domain = %q, want biblenow.io", c.Domain)
	}
	if !c.HttpOnly {
		t.Error("cookie should be HttpOnly")
	}
	if !c.Secure {
		t.Error("production cookie should be Secure")
	}
	if c.SameSite != http.SameSiteLaxMode {
		t.Errorf("SameSite = %v, want Lax", c.SameSite)
	}
	if c.MaxAge != int((7 * 24 * time.Hour).Seconds()) {
		t.Errorf("MaxAge = %d", c.MaxAge)
	}
}

func TestSetOnLocalHostIsHostOnly(t *testing.T) {
	a := newTestAdapter(false)

	req := httptest.NewRequest(http.MethodGet, "http://localhost:3000/", nil)
	rec := httptest.NewRecorder()
	a.Set(rec, req, "tok")

	c := rec.Result().Cookies()[0]
	if c.Domain != "" {
		t.Errorf("local cookie Domain = %q, want host-only (empty)", c.Domain)
	}
	if c.Secure {
		t.Error("development cookie should not be Secure")
	}
}

// A session set while visiting one subdomain must be presented by the
// browser on every sibling subdomain.
func TestCookieSharedAcrossSubdomains(t *testing.T) {
	a := newTestAdapter(false)

	var sawOnSocial string
	mux := http.NewServeMux()
	mux.HandleFunc("/set", func(w http.ResponseWriter, r *http.Request) {
		a.Set(w, r, "shared-session")
	})
	mux.HandleFunc("/read", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("bn-session"); err == nil {
			sawOnSocial = c.Value
		}
	})

	jar, err := newJar()
	if err != nil {
		t.Fatal(err)
	}

	// Simulate the browser: record the Set-Cookie from app.biblenow.io,
	// then check what the jar attaches for social.biblenow.io.
	setReq := httptest.NewRequest(http.MethodGet, "http://app.biblenow.io/set", nil)
	setRec := httptest.NewRecorder()
	mux.ServeHTTP(setRec, setReq)

	appURL, _ := url.Parse("http://app.biblenow.io/set")
	jar.SetCookies(appURL, setRec.Result().Cookies())

	socialURL, _ := url.Parse("http://social.biblenow.io/read")
	readReq := httptest.NewRequest(http.MethodGet, "http://social.biblenow.io/read", nil)
	for _, c := range jar.Cookies(socialURL) {
		readReq.AddCookie(c)
	}
	mux.ServeHTTP(httptest.NewRecorder(), readReq)

	if sawOnSocial != "shared-session" {
		t.Errorf("sibling subdomain saw %q, want shared-session", sawOnSocial)
	}
}

func TestRemoveMatchesSetScope(t *testing.T) {
	a := newTestAdapter(true)

	req := httptest.NewRequest(http.MethodGet, "https://app.biblenow.io/", nil)

	setRec := httptest.NewRecorder()
	a.Set(setRec, req, "tok")
	removeRec := httptest.NewRecorder()
	a.Remove(removeRec, req)

	set := setRec.Result().Cookies()[0]
	removed := removeRec.Result().Cookies()[0]

	if set.Domain != removed.Domain {
		t.Errorf("scope mismatch: set %q, remove %q", set.Domain, removed.Domain)
	}
	if removed.MaxAge >= 0 {
		t.Errorf("remove MaxAge = %d, want negative", removed.MaxAge)
	}
	if removed.Value != "" {
		t.Errorf("remove value = %q, want empty", removed.Value)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	a := newTestAdapter(false)

	sess := &models.Session{
		AccessToken:  "access",
		RefreshToken: "refresh",
		TokenType:    "bearer",
		User:         &models.User{ID: "user-1", Email: "a@biblenow.io"},
	}

	req := httptest.NewRequest(http.MethodGet, "http://localhost/", nil)
	rec := httptest.NewRecorder()
	if err := a.SetSession(rec, req, sess); err != nil {
		t.Fatal(err)
	}

	readReq := httptest.NewRequest(http.MethodGet, "http://localhost/", nil)
	for _, c := range rec.Result().Cookies() {
		readReq.AddCookie(c)
	}

	got := a.ReadSession(readReq)
	if got == nil {
		t.Fatal("ReadSession returned nil")
	}
	if got.AccessToken != "access" || got.User == nil || got.User.ID != "user-1" {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestReadSessionToleratesGarbage(t *testing.T) {
	a := newTestAdapter(false)

	tests := []struct {
		name  string
		value string
	}{
		{"not base64", "%%%not-base64%%%"},
		{"not json", "bm90LWpzb24"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://localhost/", nil)
			req.AddCookie(&http.Cookie{Name: "bn-session", Value: tt.value})
			if got := a.ReadSession(req); got != nil {
				t.Errorf("garbled cookie produced a session: %+v", got)
			}
		})
	}
}

func TestReadSessionAbsentCookie(t *testing.T) {
	a := newTestAdapter(false)
	req := httptest.NewRequest(http.MethodGet, "http://localhost/", nil)
	if got := a.ReadSession(req); got != nil {
		t.Errorf("no cookie should read as signed out, got %+v", got)
	}
}
