package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"auth-gateway/internal/config"
	"auth-gateway/internal/models"
)

var ErrBridgeRejected = errors.New("bridge rejected token")

// BridgeClient talks to the secondary phone-identity service. The phone
// flow authenticates there first, then exchanges the resulting identity
// token for a primary-provider session so every caller ends up with the
// same session shape.
type BridgeClient struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
}

func NewBridgeClient(cfg *config.Config) *BridgeClient {
	return &BridgeClient{
		baseURL:    cfg.Bridge.BaseURL,
		serviceKey: cfg.Bridge.ServiceKey,
		httpClient: &http.Client{Timeout: cfg.Bridge.Timeout},
	}
}

// SendOTP asks the bridge to text a login code and returns the challenge
// handle the confirmation must quote back.
func (b *BridgeClient) SendOTP(ctx context.Context, phone string) (string, error) {
	var resp struct {
		SessionInfo string `json:"session_info"`
	}
	body := map[string]string{"phone_number": phone}
	if err := b.do(ctx, "/v1/otp/send", body, &resp); err != nil {
		return "", err
	}
	if resp.SessionInfo == "" {
		return "", fmt.Errorf("bridge returned empty challenge handle")
	}
	return resp.SessionInfo, nil
}

// ConfirmOTP turns a challenge handle plus the texted code into a bridge
// identity token.
func (b *BridgeClient) ConfirmOTP(ctx context.Context, handle, code string) (string, error) {
	var resp struct {
		IDToken string `json:"id_token"`
	}
	body := map[string]string{"session_info": handle, "code": code}
	if err := b.do(ctx, "/v1/otp/verify", body, &resp); err != nil {
		return "", err
	}
	if resp.IDToken == "" {
		return "", ErrBridgeRejected
	}
	return resp.IDToken, nil
}

// Link exchanges a bridge identity token for a primary-provider session.
// Any failure here leaves the caller with no session at all; a half-linked
// account is never produced.
func (b *BridgeClient) Link(ctx context.Context, idToken string) (*models.Session, error) {
	var resp struct {
		AccessToken  string      `json:"access_token"`
		RefreshToken string      `json:"refresh_token"`
		User         models.User `json:"user"`
	}
	body := map[string]string{"id_token": idToken}
	if err := b.do(ctx, "/v1/link", body, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		return nil, fmt.Errorf("bridge link returned incomplete session")
	}
	return &models.Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    "bearer",
		User:         &resp.User,
	}, nil
}

func (b *BridgeClient) do(ctx context.Context, path string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.serviceKey)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bridge request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var payload struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(respBody, &payload)
		if payload.Message == "" {
			payload.Message = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("bridge error (%d): %s", resp.StatusCode, payload.Message)
	}
	if out != nil && len(respBody) > 0 {
		return json.Unmarshal(respBody, out)
	}
	return nil
}
