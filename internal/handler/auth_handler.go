package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"auth-gateway/internal/audit"
	"auth-gateway/internal/config"
	"auth-gateway/internal/hashing"
	"auth-gateway/internal/models"
	"auth-gateway/internal/redirect"
	"auth-gateway/internal/service"
	"auth-gateway/internal/session"
	"auth-gateway/internal/util"
)

// Response is the JSON envelope every API answer uses.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// AuthHandler exposes the auth flows over HTTP. Browser-facing navigation
// (the callback, OAuth start) answers with 303 redirects; API calls answer
// with the JSON envelope.
type AuthHandler struct {
	flows     *service.AuthFlowService
	twoFactor *service.TwoFactorService
	verifier  *service.VerificationService
	cookies   *session.CookieAdapter
	resolver  *redirect.Resolver
	audit     *audit.Emitter
	config    *config.Config
}

func NewAuthHandler(
	factory *service.ServiceFactory,
	cookies *session.CookieAdapter,
	resolver *redirect.Resolver,
	emitter *audit.Emitter,
	cfg *config.Config,
) *AuthHandler {
	return &AuthHandler{
		flows:     factory.AuthFlow(),
		twoFactor: factory.TwoFactor(),
		verifier:  factory.Verification(),
		cookies:   cookies,
		resolver:  resolver,
		audit:     emitter,
		config:    cfg,
	}
}

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		util.Error("failed to encode response", util.ErrorField(err))
	}
}

func writeSuccess(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

// writeError maps the service error taxonomy onto HTTP statuses. Credential
// rejections pass the provider's message through verbatim.
func writeError(w http.ResponseWriter, err error) {
	var credErr *service.CredentialError
	switch {
	case errors.As(err, &credErr):
		writeJSON(w, http.StatusUnauthorized, Response{Success: false, Error: credErr.Message})
	case errors.Is(err, service.ErrInvalidContact),
		errors.Is(err, service.ErrInvalidPurpose),
		errors.Is(err, service.ErrCaptchaRequired),
		errors.Is(err, service.ErrCodeInvalid):
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Error: err.Error()})
	case errors.Is(err, service.ErrCooldownActive),
		errors.Is(err, service.ErrTooManyAttempts):
		writeJSON(w, http.StatusTooManyRequests, Response{Success: false, Error: err.Error()})
	case errors.Is(err, service.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, Response{Success: false, Error: err.Error()})
	case errors.Is(err, service.ErrServiceUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, Response{Success: false, Error: service.ErrServiceUnavailable.Error()})
	default:
		util.Error("unhandled service error", util.ErrorField(err))
		writeJSON(w, http.StatusInternalServerError, Response{Success: false, Error: "internal error"})
	}
}

func decodeBody(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(out)
}

type credentialRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	CaptchaToken string `json:"captcha_token"`
}

// SignUp handles POST /api/v1/auth/signup.
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Error: "invalid request body"})
		return
	}

	result, err := h.flows.SignUp(r.Context(), req.Email, req.Password, req.CaptchaToken, r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	h.respondWithFlow(w, r, result)
}

// SignIn handles POST /api/v1/auth/signin.
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Error: "invalid request body"})
		return
	}

	result, err := h.flows.SignIn(r.Context(), req.Email, req.Password, req.CaptchaToken, r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	h.respondWithFlow(w, r, result)
}

// SignOut handles POST /api/v1/auth/signout. The cookie is removed even
// when the provider revocation fails.
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	sess := h.cookies.ReadSession(r)
	h.flows.SignOut(r.Context(), sess)
	h.cookies.Remove(w, r)
	writeSuccess(w, nil)
}

// Callback handles GET /api/v1/auth/callback: redeem the emailed or OAuth
// code, set the cookie, then 303 the browser onward.
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	code := query.Get("code")
	if code == "" {
		dest, rejected := h.resolver.ResolveChecked(query)
		h.auditRejectedRedirects(r, rejected)
		http.Redirect(w, r, dest, http.StatusSeeOther)
		return
	}

	result, err := h.flows.Callback(r.Context(), code, query.Get("type"), query)
	if err != nil {
		// A dud code still lands somewhere sensible rather than erroring
		// in the user's face. Stale recovery links get their own page so
		// the user knows to request a fresh one.
		util.Warn("callback exchange failed", util.ErrorField(err))
		dest := h.config.Redirect.FallbackPath
		if query.Get("type") == "recovery" {
			dest = h.config.Redirect.ExpiredResetPath
		}
		http.Redirect(w, r, dest, http.StatusSeeOther)
		return
	}

	if result.Session != nil {
		if err := h.cookies.SetSession(w, r, result.Session); err != nil {
			util.Error("failed to set session cookie", util.ErrorField(err))
		}
	}

	dest := result.Destination
	if dest == "" {
		dest = h.config.Redirect.FallbackPath
	}
	http.Redirect(w, r, dest, http.StatusSeeOther)
}

// auditRejectedRedirects records destinations that failed validation. The
// user never sees the rejection; the audit stream does.
func (h *AuthHandler) auditRejectedRedirects(r *http.Request, rejected []string) {
	for _, candidate := range rejected {
		h.audit.Emit(models.EventRedirectRejected,
			audit.WithDetail(candidate),
			audit.WithRemoteIP(r.RemoteAddr),
		)
	}
}

/// Refresh handles POST /api/v1/auth/refresh: rotate the token pair and
// re-issue the cookie with the new one.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	sess := h.cookies.ReadSession(r)
	fresh, err := h.flows.Refresh(r.Context(), sess)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.cookies.SetSession(w, r, fresh); err != nil {
		util.Error("failed to set session cookie", util.ErrorField(err))
	}
	writeSuccess(w, fresh)
}

/// Session handles GET /api/v1/auth/session: the current session with the
// user's live state, or null when the cookie is absent or dead.
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	sess, err := h.flows.CurrentSession(r.Context(), h.cookies.ReadSession(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if sess == nil {
		writeSuccess(w, nil)
		return
	}
	writeSuccess(w, sess)
}

// OAuthStart handles GET /api/v1/auth/oauth/{provider} with a 303 to the
// provider's authorize URL.
func (h *AuthHandler) OAuthStart(w http.ResponseWriter, r *http.Request, providerName string) {
	http.Redirect(w, r, h.flows.OAuthURL(providerName, r.URL.Query()), http.StatusSeeOther)
}

type passwordResetRequest struct {
	Email        string `json:"email"`
	CaptchaToken string `json:"captcha_token"`
}

// PasswordReset handles POST /api/v1/auth/password/reset. The answer does
// not reveal whether the address exists.
func (h *AuthHandler) PasswordReset(w http.ResponseWriter, r *http.Request) {
	var req passwordResetRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Error: "invalid request body"})
		return
	}

	if err := h.flows.RequestPasswordReset(r.Context(), req.Email, req.CaptchaToken, r.URL.Query()); err != nil {
		if errors.Is(err, service.ErrInvalidContact) {
			writeError(w, err)
			return
		}
		util.Warn("password reset request failed", util.ErrorField(err))
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "if the address exists, a reset email is on its way"})
}

type phoneStartRequest struct {
	Phone string `json:"phone"`
}

// PhoneStart handles POST /api/v1/auth/phone/start.
func (h *AuthHandler) PhoneStart(w http.ResponseWriter, r *http.Request) {
	var req phoneStartRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Error: "invalid request body"})
		return
	}

	handle, err := h.flows.StartPhone(r.Context(), req.Phone)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, map[string]string{"challenge_handle": handle})
}

type phoneVerifyRequest struct {
	Phone           string `json:"phone"`
	ChallengeHandle string `json:"challenge_handle"`
	Code            string `json:"code"`
}

// PhoneVerify handles POST /api/v1/auth/phone/verify.
func (h *AuthHandler) PhoneVerify(w http.ResponseWriter, r *http.Request) {
	var req phoneVerifyRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Error: "invalid request body"})
		return
	}

	result, err := h.flows.VerifyPhone(r.Context(), req.Phone, req.ChallengeHandle, req.Code, r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	h.respondWithFlow(w, r, result)
}

type twoFactorStartRequest struct {
	Contact string `json:"contact"`
}

// TwoFactorStart handles POST /api/v1/auth/twofactor/start.
func (h *AuthHandler) TwoFactorStart(w http.ResponseWriter, r *http.Request) {
	var req twoFactorStartRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Error: "invalid request body"})
		return
	}

	if err := h.twoFactor.Start(r.Context(), req.Contact); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, nil)
}

type twoFactorVerifyRequest struct {
	Contact string `json:"contact"`
	Code    string `json:"code"`
}

// TwoFactorVerify handles POST /api/v1/auth/twofactor/verify.
func (h *AuthHandler) TwoFactorVerify(w http.ResponseWriter, r *http.Request) {
	var req twoFactorVerifyRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Error: "invalid request body"})
		return
	}

	sess := h.cookies.ReadSession(r)
	if err := h.twoFactor.Confirm(r.Context(), sess, req.Contact, req.Code); err != nil {
		writeError(w, err)
		return
	}
	// Metadata changed; refresh the cookie so the flags travel with it.
	if err := h.cookies.SetSession(w, r, sess); err != nil {
		util.Error("failed to refresh session cookie", util.ErrorField(err))
	}
	writeSuccess(w, nil)
}

// TwoFactorSkip handles POST /api/v1/auth/twofactor/skip.
func (h *AuthHandler) TwoFactorSkip(w http.ResponseWriter, r *http.Request) {
	sess := h.cookies.ReadSession(r)
	if err := h.twoFactor.Decline(r.Context(), sess); err != nil {
		writeError(w, err)
		return
	}
	if err := h.cookies.SetSession(w, r, sess); err != nil {
		util.Error("failed to refresh session cookie", util.ErrorField(err))
	}
	writeSuccess(w, nil)
}

type sendCodeRequest struct {
	Contact string `json:"contact"`
	Purpose string `json:"purpose"`
}

// SendCode handles POST /api/v1/codes/send for any purpose, choosing the
// channel from the contact's shape.
func (h *AuthHandler) SendCode(w http.ResponseWriter, r *http.Request) {
	var req sendCodeRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Error: "invalid request body"})
		return
	}

	purpose := models.Purpose(req.Purpose)
	var err error
	if util.IsPhoneContact(req.Contact) {
		_, err = h.verifier.SendSMSCode(r.Context(), req.Contact, purpose)
	} else {
		_, err = h.verifier.SendEmailCode(r.Context(), req.Contact, purpose)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, nil)
}

type verifyCodeRequest struct {
	Contact string `json:"contact"`
	Purpose string `json:"purpose"`
	Code    string `json:"code"`
}

// VerifyCode handles POST /api/v1/codes/verify. The answer is a plain
// boolean; no detail about why a code failed.
func (h *AuthHandler) VerifyCode(w http.ResponseWriter, r *http.Request) {
	var req verifyCodeRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Error: "invalid request body"})
		return
	}

	ok, err := h.verifier.Verify(r.Context(), req.Contact, models.Purpose(req.Purpose), req.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, map[string]bool{"valid": ok})
}

// CodeHistory handles GET /api/v1/codes/history?contact=... with the
// support view of a contact's ledger rows.
func (h *AuthHandler) CodeHistory(w http.ResponseWriter, r *http.Request) {
	contact := r.URL.Query().Get("contact")
	if contact == "" {
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Error: "contact parameter required"})
		return
	}

	history, err := h.verifier.History(r.Context(), contact)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, history)
}

// AuditStats handles GET /api/v1/audit/stats?kind=... with the event count
// for the current stats window.
func (h *AuthHandler) AuditStats(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	if kind == "" {
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Error: "kind parameter required"})
		return
	}

	count, err := h.audit.CountRecent(r.Context(), models.EventKind(kind))
	if err != nil {
		util.Error("audit stats failed", util.ErrorField(err))
		writeJSON(w, http.StatusInternalServerError, Response{Success: false, Error: "internal error"})
		return
	}
	writeSuccess(w, map[string]interface{}{"kind": kind, "count": count})
}

// AuditSearch handles GET /api/v1/audit/search?contact=...&limit=N.
func (h *AuthHandler) AuditSearch(w http.ResponseWriter, r *http.Request) {
	contact := r.URL.Query().Get("contact")
	if contact == "" {
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Error: "contact parameter required"})
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	events, err := h.audit.SearchByContact(r.Context(), hashing.HashContact(contact), limit)
	if err != nil {
		util.Error("audit search failed", util.ErrorField(err))
		writeJSON(w, http.StatusInternalServerError, Response{Success: false, Error: "internal error"})
		return
	}
	writeSuccess(w, events)
}

// respondWithFlow sets the session cookie when one was established and
// returns the flow result.
func (h *AuthHandler) respondWithFlow(w http.ResponseWriter, r *http.Request, result *service.FlowResult) {
	if result.Session != nil {
		if err := h.cookies.SetSession(w, r, result.Session); err != nil {
			util.Error("failed to set session cookie", util.ErrorField(err))
		}
	}
	writeSuccess(w, result)
}
