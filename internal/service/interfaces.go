package service

import (
	"context"

	"auth-gateway/internal/models"
)

// IdentityProvider is the primary identity provider surface the gateway
// orchestrates. Implemented by client.ProviderClient; faked in tests.
type IdentityProvider interface {
	SignUp(ctx context.Context, email, password, emailRedirect, captchaToken string, metadata map[string]interface{}) (*models.Session, error)
	SignInWithPassword(ctx context.Context, email, password, captchaToken string) (*models.Session, error)
	ExchangeCodeForSession(ctx context.Context, code string) (*models.Session, error)
	RefreshSession(ctx context.Context, refreshToken string) (*models.Session, error)
	GetUser(ctx context.Context, accessToken string) (*models.User, error)
	UpdateUserMetadata(ctx context.Context, accessToken string, patch map[string]interface{}) (*models.User, error)
	Recover(ctx context.Context, email, redirectTo, captchaToken string) error
	SignOut(ctx context.Context, accessToken string) error
	OAuthAuthorizeURL(provider, redirectTo string) string
}

// PhoneBridge is the secondary phone-identity service.
type PhoneBridge interface {
	SendOTP(ctx context.Context, phone string) (string, error)
	ConfirmOTP(ctx context.Context, handle, code string) (string, error)
	Link(ctx context.Context, idToken string) (*models.Session, error)
}

// CodeVerifier is the slice of VerificationService the other services need.
type CodeVerifier interface {
	SendEmailCode(ctx context.Context, email string, purpose models.Purpose) (string, error)
	SendSMSCode(ctx context.Context, phone string, purpose models.Purpose) (string, error)
	Verify(ctx context.Context, contact string, purpose models.Purpose, code string) (bool, error)
}
