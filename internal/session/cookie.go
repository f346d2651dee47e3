package session

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"auth-gateway/internal/config"
	"auth-gateway/internal/models"
	"auth-gateway/internal/util"
)

// CookieAdapter reads and writes the shared session cookie. In production
// the cookie is scoped to ".<parent-domain>" so every subdomain sees one
// session; on local hosts it stays host-only because browsers reject
// dotted-domain cookies for localhost.
type CookieAdapter struct {
	name         string
	parentDomain string
	maxAgeSec    int
	localHosts   map[string]bool
	production   bool
}

func NewCookieAdapter(cfg *config.Config) *CookieAdapter {
	local := make(map[string]bool, len(cfg.Cookie.LocalHosts))
	for _, h := range cfg.Cookie.LocalHosts {
		local[h] = true
	}
	return &CookieAdapter{
		name:         cfg.Cookie.Name,
		parentDomain: cfg.Cookie.ParentDomain,
		maxAgeSec:    int(cfg.Cookie.MaxAge.Seconds()),
		localHosts:   local,
		production:   cfg.IsProduction(),
	}
}

// scope returns the Domain attribute for the request's host. Set and Remove
// must agree on this or a removal would leave the original cookie behind.
func (a *CookieAdapter) scope(host string) string {
	if h, _, found := strings.Cut(host, ":"); found {
		host = h
	}
	if a.localHosts[host] {
		return ""
	}
	return "." + a.parentDomain
}

func (a *CookieAdapter) build(r *http.Request, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     a.name,
		Value:    value,
		Path:     "/",
		Domain:   a.scope(r.Host),
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   a.production,
		SameSite: http.SameSiteLaxMode,
	}
}

// Set writes the raw cookie value scoped to the parent domain.
func (a *CookieAdapter) Set(w http.ResponseWriter, r *http.Request, value string) {
	http.SetCookie(w, a.build(r, value, a.maxAgeSec))
}

// Remove expires the cookie under the same scope it was set with.
func (a *CookieAdapter) Remove(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, a.build(r, "", -1))
}

// SetSession serializes a session into the cookie.
func (a *CookieAdapter) SetSession(w http.ResponseWriter, r *http.Request, sess *models.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	a.Set(w, r, base64.RawURLEncoding.EncodeToString(raw))
	return nil
}

// ReadSession returns the session carried by the request cookie, or nil
// when the cookie is absent or unreadable. A garbled cookie reads as
// signed-out rather than as an error.
func (a *CookieAdapter) ReadSession(r *http.Request) *models.Session {
	cookie, err := r.Cookie(a.name)
	if err != nil || cookie.Value == "" {
		return nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cookie.Value)
	if err != nil {
		util.Debug("unreadable session cookie", util.ErrorField(err))
		return nil
	}
	var sess models.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		util.Debug("malformed session cookie", util.ErrorField(err))
		return nil
	}
	if sess.AccessToken == "" {
		return nil
	}
	return &sess
}
