package service

import (
	"errors"
	"fmt"

	"auth-gateway/internal/client"
)

// Sentinel errors the handlers translate to HTTP responses. Credential
// failures keep the provider's own message; everything else is normalized
// so infrastructure detail never reaches a browser.
var (
	ErrInvalidContact     = errors.New("invalid contact identifier")
	ErrInvalidPurpose     = errors.New("invalid verification purpose")
	ErrCaptchaRequired    = errors.New("captcha token required")
	ErrCooldownActive     = errors.New("a code was sent recently, wait before requesting another")
	ErrTooManyAttempts    = errors.New("too many failed attempts, request a new code")
	ErrCodeInvalid        = errors.New("invalid or expired verification code")
	ErrUnauthorized       = errors.New("not signed in")
	ErrServiceUnavailable = errors.New("authentication service temporarily unavailable")
)

// CredentialError carries the provider's rejection message through to the
// response body verbatim.
type CredentialError struct {
	Message string
}

func (e *CredentialError) Error() string {
	return e.Message
}

// translateProviderError maps a provider failure into the gateway's error
// taxonomy: credential rejections surface as-is, anything else collapses
// to the generic unavailable error with the cause preserved in the chain.
func translateProviderError(err error) error {
	var pe *client.ProviderError
	if errors.As(err, &pe) {
		if pe.IsCredentialFailure() {
			return &CredentialError{Message: pe.Message}
		}
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
}
