package scylla

import (
	"context"

	"auth-gateway/internal/models"
)

// CodeLedger is the durable record of every issued verification code. Rows
// are append-and-flag only; nothing here deletes.
type CodeLedger interface {
	CreateCode(ctx context.Context, code *models.VerificationCode) error
	MarkConsumed(ctx context.Context, bucket int, contactHash, codeID string) (bool, error)
	MarkDeliveryProvider(ctx context.Context, bucket int, contactHash, codeID, provider string) error
	ListCodes(ctx context.Context, bucket int, contactHash string) ([]*models.VerificationCode, error)
}

// SecurityFlagsStore persists per-account two-factor and profile flags.
type SecurityFlagsStore interface {
	UpsertSecurityFlags(ctx context.Context, userID string, flags models.AccountSecurityFlags) error
	GetSecurityFlags(ctx context.Context, userID string) (*models.AccountSecurityFlags, error)
}
