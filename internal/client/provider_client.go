package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"auth-gateway/internal/config"
	"auth-gateway/internal/models"
)

// ProviderError is a non-2xx answer from the identity provider. Status and
// the provider's own message are preserved so credential failures can be
// surfaced verbatim.
type ProviderError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (%d): %s", e.StatusCode, e.Message)
}

// IsCredentialFailure reports whether the provider rejected the supplied
// credentials, as opposed to failing for infrastructure reasons.
func (e *ProviderError) IsCredentialFailure() bool {
	return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnauthorized ||
		e.StatusCode == http.StatusUnprocessableEntity
}

// ProviderClient talks to the primary identity provider's REST surface. The
// provider owns password hashing, email dispatch for its own confirmation
// links, OAuth handshakes and token issuance; the gateway orchestrates
// around it.
type ProviderClient struct {
	baseURL    string
	apiKey     string
	serviceKey string
	httpClient *http.Client
}

func NewProviderClient(cfg *config.Config) *ProviderClient {
	return &ProviderClient{
		baseURL:    cfg.Provider.BaseURL,
		apiKey:     cfg.Provider.APIKey,
		serviceKey: cfg.Provider.ServiceKey,
		httpClient: &http.Client{Timeout: cfg.Provider.Timeout},
	}
}

type signUpRequest struct {
	Email        string                 `json:"email,omitempty"`
	Password     string                 `json:"password,omitempty"`
	Data         map[string]interface{} `json:"data,omitempty"`
	CaptchaToken string                 `json:"gotrue_meta_security,omitempty"`
	RedirectTo   string                 `json:"redirect_to,omitempty"`
}

type passwordGrantRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	CaptchaToken string `json:"gotrue_meta_security,omitempty"`
}

type tokenResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	TokenType    string      `json:"token_type"`
	ExpiresIn    int64       `json:"expires_in"`
	User         models.User `json:"user"`
}

// SignUp registers a new credential account. EmailRedirect is embedded in
// the confirmation link the provider sends.
func (p *ProviderClient) SignUp(ctx context.Context, email, password, emailRedirect, captchaToken string, metadata map[string]interface{}) (*models.Session, error) {
	req := signUpRequest{
		Email:        email,
		Password:     password,
		Data:         metadata,
		CaptchaToken: captchaToken,
		RedirectTo:   emailRedirect,
	}
	var resp tokenResponse
	if err := p.do(ctx, http.MethodPost, "/signup", p.apiKey, req, &resp); err != nil {
		return nil, err
	}
	return sessionFromToken(&resp), nil
}

// SignInWithPassword performs the password grant.
func (p *ProviderClient) SignInWithPassword(ctx context.Context, email, password, captchaToken string) (*models.Session, error) {
	req := passwordGrantRequest{Email: email, Password: password, CaptchaToken: captchaToken}
	var resp tokenResponse
	if err := p.do(ctx, http.MethodPost, "/token?grant_type=password", p.apiKey, req, &resp); err != nil {
		return nil, err
	}
	return sessionFromToken(&resp), nil
}

// ExchangeCodeForSession redeems a one-time authorization code delivered to
// the callback endpoint.
func (p *ProviderClient) ExchangeCodeForSession(ctx context.Context, code string) (*models.Session, error) {
	body := map[string]string{"auth_code": code}
	var resp tokenResponse
	if err := p.do(ctx, http.MethodPost, "/token?grant_type=pkce", p.apiKey, body, &resp); err != nil {
		return nil, err
	}
	return sessionFromToken(&resp), nil
}

// RefreshSession redeems a refresh token for a new token pair.
func (p *ProviderClient) RefreshSession(ctx context.Context, refreshToken string) (*models.Session, error) {
	body := map[string]string{"refresh_token": refreshToken}
	var resp tokenResponse
	if err := p.do(ctx, http.MethodPost, "/token?grant_type=refresh_token", p.apiKey, body, &resp); err != nil {
		return nil, err
	}
	return sessionFromToken(&resp), nil
}

// GetUser fetches the user behind an access token.
func (p *ProviderClient) GetUser(ctx context.Context, accessToken string) (*models.User, error) {
	var user models.User
	if err := p.do(ctx, http.MethodGet, "/user", accessToken, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateUserMetadata merges a patch into the user's metadata.
func (p *ProviderClient) UpdateUserMetadata(ctx context.Context, accessToken string, patch map[string]interface{}) (*models.User, error) {
	body := map[string]interface{}{"data": patch}
	var user models.User
	if err := p.do(ctx, http.MethodPut, "/user", accessToken, body, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Recover asks the provider to send a password reset email. RedirectTo is
// where the emailed link lands after the provider verifies it.
func (p *ProviderClient) Recover(ctx context.Context, email, redirectTo, captchaToken string) error {
	body := map[string]string{"email": email}
	if captchaToken != "" {
		body["gotrue_meta_security"] = captchaToken
	}
	path := "/recover"
	if redirectTo != "" {
		path += "?redirect_to=" + url.QueryEscape(redirectTo)
	}
	return p.do(ctx, http.MethodPost, path, p.apiKey, body, nil)
}

// SignOut revokes the session behind the access token.
func (p *ProviderClient) SignOut(ctx context.Context, accessToken string) error {
	return p.do(ctx, http.MethodPost, "/logout", accessToken, nil, nil)
}

// OAuthAuthorizeURL builds the provider's authorize URL for a social login
// provider, with the post-auth redirect embedded.
func (p *ProviderClient) OAuthAuthorizeURL(provider, redirectTo string) string {
	q := url.Values{}
	q.Set("provider", provider)
	if redirectTo != "" {
		q.Set("redirect_to", redirectTo)
	}
	return p.baseURL + "/authorize?" + q.Encode()
}

func (p *ProviderClient) do(ctx context.Context, method, path, bearer string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", p.apiKey)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		return parseProviderError(resp.StatusCode, raw)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode provider response: %w", err)
		}
	}
	return nil
}

func parseProviderError(status int, raw []byte) error {
	var payload struct {
		Code             string `json:"error_code"`
		Message          string `json:"msg"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	_ = json.Unmarshal(raw, &payload)

	msg := payload.Message
	if msg == "" {
		msg = payload.ErrorDescription
	}
	if msg == "" {
		msg = payload.Error
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &ProviderError{StatusCode: status, Code: payload.Code, Message: msg}
}

func sessionFromToken(resp *tokenResponse) *models.Session {
	s := &models.Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    resp.TokenType,
		User:         &resp.User,
	}
	if resp.ExpiresIn > 0 {
		s.ExpiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return s
}
