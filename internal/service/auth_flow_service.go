package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"auth-gateway/internal/audit"
	"auth-gateway/internal/config"
	"auth-gateway/internal/hashing"
	"auth-gateway/internal/models"
	"auth-gateway/internal/redirect"
	"auth-gateway/internal/repository/scylla"
	"auth-gateway/internal/util"
)

// Next-step markers returned to the frontend after an auth operation.
const (
	StepTwoFactorRequired = "two_factor_required"
	StepCompleteProfile   = "complete_profile"
	StepRouted            = "routed"
)

// FlowResult is the outcome of an auth operation: the session (when one was
// established), what the frontend should do next, and where to send the
// user when routing is the next step.
type FlowResult struct {
	Session     *models.Session `json:"session,omitempty"`
	NextStep    string          `json:"next_step"`
	Destination string          `json:"destination,omitempty"`
}

// AuthFlowService orchestrates the full sign-in journey: credential or
// phone entry, the post-auth factor check, profile routing and the
// provider callback. It owns no credentials itself; the provider and the
// phone bridge do the verifying.
type AuthFlowService struct {
	provider IdentityProvider
	bridge   PhoneBridge
	flags    scylla.SecurityFlagsStore
	resolver *redirect.Resolver
	audit    *audit.Emitter
	config   *config.Config
}

func NewAuthFlowService(
	provider IdentityProvider,
	bridge PhoneBridge,
	flags scylla.SecurityFlagsStore,
	resolver *redirect.Resolver,
	emitter *audit.Emitter,
	cfg *config.Config,
) *AuthFlowService {
	return &AuthFlowService{
		provider: provider,
		bridge:   bridge,
		flags:    flags,
		resolver: resolver,
		audit:    emitter,
		config:   cfg,
	}
}

// callbackBase is where provider emails land before the gateway routes the
// browser onward.
func (s *AuthFlowService) callbackBase() string {
	scheme := "https"
	if s.config.IsDevelopment() {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s/api/v1/auth/callback", scheme, s.config.Server.Domain)
}

// requireCaptcha rejects a credential submission with no captcha token when
// the deployment demands one. This fails before any provider round trip.
func (s *AuthFlowService) requireCaptcha(token string) error {
	if s.config.Provider.CaptchaRequired && token == "" {
		return ErrCaptchaRequired
	}
	return nil
}

// SignUp registers a credential account. The confirmation email's link
// carries the caller's intended destination through the provider round
// trip.
func (s *AuthFlowService) SignUp(ctx context.Context, email, password, captchaToken string, params url.Values) (*FlowResult, error) {
	normalized, ok := util.NormalizeEmail(email)
	if !ok {
		return nil, ErrInvalidContact
	}
	if err := s.requireCaptcha(captchaToken); err != nil {
		return nil, err
	}

	emailRedirect := s.resolver.BuildEmailRedirect(s.callbackBase(), params)
	sess, err := s.provider.SignUp(ctx, normalized, password, emailRedirect, captchaToken, nil)
	if err != nil {
		s.emitContactEvent(models.EventSignUp, normalized, "failure")
		return nil, translateProviderError(err)
	}

	s.emitContactEvent(models.EventSignUp, normalized, "success")

	// Email-confirmation deployments return no session until the link is
	// clicked; the browser stays anonymous and waits for the callback.
	if sess == nil || sess.AccessToken == "" {
		return &FlowResult{NextStep: StepRouted, Destination: s.config.Redirect.FallbackPath}, nil
	}
	return s.afterSession(ctx, sess, params), nil
}

// SignIn performs the password flow and runs the factor check on the
// resulting account.
func (s *AuthFlowService) SignIn(ctx context.Context, email, password, captchaToken string, params url.Values) (*FlowResult, error) {
	normalized, ok := util.NormalizeEmail(email)
	if !ok {
		return nil, ErrInvalidContact
	}
	if err := s.requireCaptcha(captchaToken); err != nil {
		return nil, err
	}

	sess, err := s.provider.SignInWithPassword(ctx, normalized, password, captchaToken)
	if err != nil {
		s.emitContactEvent(models.EventSignIn, normalized, "failure")
		return nil, translateProviderError(err)
	}

	s.emitContactEvent(models.EventSignIn, normalized, "success")
	return s.afterSession(ctx, sess, params), nil
}

// Callback redeems the one-time code the provider appended to its email
// link or OAuth return. A recovery-type callback routes to the password
// form instead of the resolved destination.
func (s *AuthFlowService) Callback(ctx context.Context, code, callbackType string, params url.Values) (*FlowResult, error) {
	sess, err := s.provider.ExchangeCodeForSession(ctx, code)
	if err != nil {
		return nil, translateProviderError(err)
	}

	if callbackType == "recovery" {
		return &FlowResult{Session: sess, NextStep: StepRouted, Destination: "/reset-password"}, nil
	}
	return s.afterSession(ctx, sess, params), nil
}

// StartPhone begins the phone flow: the bridge texts a login code and
// returns the challenge handle the confirmation must present.
func (s *AuthFlowService) StartPhone(ctx context.Context, phone string) (string, error) {
	normalized, err := util.NormalizePhone(phone)
	if err != nil {
		return "", ErrInvalidContact
	}
	handle, err := s.bridge.SendOTP(ctx, normalized)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	return handle, nil
}

// VerifyPhone completes the phone flow. The bridge token is exchanged for
// a primary session before anything is returned; if the exchange fails the
// caller gets no session at all.
func (s *AuthFlowService) VerifyPhone(ctx context.Context, phone, handle, code string, params url.Values) (*FlowResult, error) {
	normalized, err := util.NormalizePhone(phone)
	if err != nil {
		return nil, ErrInvalidContact
	}

	idToken, err := s.bridge.ConfirmOTP(ctx, handle, code)
	if err != nil {
		s.emitContactEvent(models.EventSignIn, normalized, "failure")
		return nil, ErrCodeInvalid
	}

	sess, err := s.bridge.Link(ctx, idToken)
	if err != nil {
		s.audit.Emit(models.EventBridgeLink,
			audit.WithContact(hashing.HashContact(normalized)),
			audit.WithOutcome("failure"),
		)
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	s.audit.Emit(models.EventBridgeLink,
		audit.WithContact(hashing.HashContact(normalized)),
		audit.WithUser(userID(sess)),
		audit.WithOutcome("success"),
	)
	return s.afterSession(ctx, sess, params), nil
}

// RequestPasswordReset asks the provider to email a reset link that lands
// back on the callback with type=recovery.
func (s *AuthFlowService) RequestPasswordReset(ctx context.Context, email, captchaToken string, params url.Values) error {
	normalized, ok := util.NormalizeEmail(email)
	if !ok {
		return ErrInvalidContact
	}
	if err := s.requireCaptcha(captchaToken); err != nil {
		return err
	}
	redirectTo := s.resolver.BuildEmailRedirect(s.callbackBase()+"?type=recovery", params)
	if err := s.provider.Recover(ctx, normalized, redirectTo, captchaToken); err != nil {
		return translateProviderError(err)
	}
	return nil
}

// SignOut revokes the provider session. A provider failure still counts as
// signed out locally; the cookie is gone either way.
func (s *AuthFlowService) SignOut(ctx context.Context, sess *models.Session) {
	if sess == nil {
		return
	}
	if err := s.provider.SignOut(ctx, sess.AccessToken); err != nil {
		util.Warn("provider sign-out failed", util.ErrorField(err))
	}
	s.audit.Emit(models.EventSignOut, audit.WithUser(userID(sess)), audit.WithOutcome("success"))
}

// Refresh rotates the session's token pair through the provider. The cookie
// is the only place the old pair lives, so the caller re-sets it with the
// returned session.
func (s *AuthFlowService) Refresh(ctx context.Context, sess *models.Session) (*models.Session, error) {
	if sess == nil || sess.RefreshToken == "" {
		return nil, ErrUnauthorized
	}
	fresh, err := s.provider.RefreshSession(ctx, sess.RefreshToken)
	if err != nil {
		return nil, translateProviderError(err)
	}
	return fresh, nil
}

// CurrentSession validates the cookie's session against the provider and
// returns it with the user's current state. A dead token yields nil rather
// than an error; "no session" is an answer, not a failure.
func (s *AuthFlowService) CurrentSession(ctx context.Context, sess *models.Session) (*models.Session, error) {
	if sess == nil || sess.AccessToken == "" {
		return nil, nil
	}
	user, err := s.provider.GetUser(ctx, sess.AccessToken)
	if err != nil {
		translated := translateProviderError(err)
		var credErr *CredentialError
		if errors.As(translated, &credErr) {
			return nil, nil
		}
		return nil, translated
	}
	sess.User = user
	return sess, nil
}

// OAuthURL returns the provider authorize URL for a social login, with the
// resolved destination carried through.
func (s *AuthFlowService) OAuthURL(oauthProvider string, params url.Values) string {
	return s.provider.OAuthAuthorizeURL(oauthProvider, s.resolver.BuildEmailRedirect(s.callbackBase(), params))
}

/// afterSession runs the post-auth decision: prompt for a second factor if
// the account has neither enabled nor skipped one, send new accounts to
// finish their profile, otherwise route to the resolved destination.
func (s *AuthFlowService) afterSession(ctx context.Context, sess *models.Session, params url.Values) *FlowResult {
	flags := models.AccountSecurityFlags{}
	if sess.User != nil {
		flags = sess.User.SecurityFlags()
		if err := s.flags.UpsertSecurityFlags(ctx, sess.User.ID, flags); err != nil {
			util.Warn("failed to mirror security flags", util.ErrorField(err))
		}
	}

	if flags.NeedsTwoFactorPrompt() {
		return &FlowResult{Session: sess, NextStep: StepTwoFactorRequired}
	}
	if !flags.ProfileCompleted {
		return &FlowResult{Session: sess, NextStep: StepCompleteProfile, Destination: s.config.Redirect.ProfilePath}
	}

	dest, rejected := s.resolver.ResolveChecked(params)
	for _, candidate := range rejected {
		s.audit.Emit(models.EventRedirectRejected,
			audit.WithUser(userID(sess)),
			audit.WithDetail(candidate),
		)
	}
	return &FlowResult{Session: sess, NextStep: StepRouted, Destination: dest}
}

func (s *AuthFlowService) emitContactEvent(kind models.EventKind, contact, outcome string) {
	s.audit.Emit(kind,
		audit.WithContact(hashing.HashContact(contact)),
		audit.WithOutcome(outcome),
	)
}

func userID(sess *models.Session) string {
	if sess == nil || sess.User == nil {
		return ""
	}
	return sess.User.ID
}
