package redirect

import (
	"net/http"
	"net/url"
	"strings"

	"auth-gateway/internal/config"
)

// Resolver picks the post-auth destination from request parameters and
// guards it against open-redirect abuse. Anything that fails validation
// falls back to the confirmation landing page without surfacing an error.
type Resolver struct {
	trustedDomain string
	fallbackPath  string
}

func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{
		trustedDomain: cfg.Redirect.TrustedDomain,
		fallbackPath:  cfg.Redirect.FallbackPath,
	}
}

// paramPriority is the order candidates are considered in. The first
// parameter present AND valid wins; an invalid candidate falls through to
// the next one rather than forcing the fallback.
var paramPriority = []string{"redirectTo", "next", "returnTo"}

// Resolve returns the destination for the given query parameters. It never
// fails: when no candidate survives validation the fallback path comes back.
func (r *Resolver) Resolve(params url.Values) string {
	dest, ok, _ := r.resolve(params)
	if !ok {
		return r.fallbackPath
	}
	return dest
}

// ResolveChecked is Resolve plus the non-empty candidates that failed
// validation, for callers that record discarded destinations.
func (r *Resolver) ResolveChecked(params url.Values) (string, []string) {
	dest, ok, rejected := r.resolve(params)
	if !ok {
		dest = r.fallbackPath
	}
	return dest, rejected
}

// resolve walks the candidates in priority order. ok is false when no
// parameter carried a valid destination; rejected lists the non-empty
// candidates that failed validation along the way.
func (r *Resolver) resolve(params url.Values) (string, bool, []string) {
	var rejected []string
	for _, name := range paramPriority {
		candidate := params.Get(name)
		if candidate == "" {
			continue
		}
		if resolved, ok := r.validate(candidate); ok {
			return resolved, true, rejected
		}
		rejected = append(rejected, candidate)
	}
	return "", false, rejected
}

// validate accepts a candidate when it is a same-site relative path or an
// absolute URL on the trusted parent domain or any of its subdomains.
func (r *Resolver) validate(candidate string) (string, bool) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return "", false
	}

	// Relative path: must be rooted and not protocol-relative ("//evil.com").
	if strings.HasPrefix(candidate, "/") {
		if strings.HasPrefix(candidate, "//") {
			return "", false
		}
		return candidate, true
	}

	parsed, err := url.Parse(candidate)
	if err != nil {
		return "", false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", false
	}
	host := parsed.Hostname()
	if host == "" {
		return "", false
	}
	if host == r.trustedDomain || strings.HasSuffix(host, "."+r.trustedDomain) {
		return candidate, true
	}
	return "", false
}

// Navigate resolves the destination from the request and issues a 303 so
// the browser re-requests with GET regardless of the inbound method.
func (r *Resolver) Navigate(w http.ResponseWriter, req *http.Request) string {
	dest := r.Resolve(req.URL.Query())
	http.Redirect(w, req, dest, http.StatusSeeOther)
	return dest
}

// BuildEmailRedirect produces the callback URL embedded in outbound auth
// emails, carrying the caller's intended destination through the provider
// round trip as a redirectTo parameter. With no valid destination among the
// parameters the base URL goes out untouched; the callback applies its own
// fallback when the link comes home.
func (r *Resolver) BuildEmailRedirect(callbackBase string, params url.Values) string {
	dest, ok, _ := r.resolve(params)
	if !ok {
		return callbackBase
	}
	parsed, err := url.Parse(callbackBase)
	if err != nil {
		return callbackBase
	}
	q := parsed.Query()
	q.Set("redirectTo", dest)
	parsed.RawQuery = q.Encode()
	return parsed.String()
}
