package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"auth-gateway/internal/models"
)

// ProfileRepository mirrors the provider-side account flags into an
// operator-queryable table. The provider's metadata stays authoritative;
// this copy backs routing and audit without a provider round trip.
type ProfileRepository struct {
	client *ScyllaClient
}

func NewProfileRepository(client *ScyllaClient) *ProfileRepository {
	return &ProfileRepository{client: client}
}

func (r *ProfileRepository) UpsertSecurityFlags(ctx context.Context, userID string, flags models.AccountSecurityFlags) error {
	err := r.client.ExecuteWithRetry(ctx,
		`INSERT INTO account_security_flags (user_id, twofa_enabled, twofa_skipped, profile_completed, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		userID, flags.TwoFactorEnabled, flags.TwoFactorSkipped, flags.ProfileCompleted, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert security flags: %w", err)
	}
	return nil
}

func (r *ProfileRepository) GetSecurityFlags(ctx context.Context, userID string) (*models.AccountSecurityFlags, error) {
	var flags models.AccountSecurityFlags
	err := r.client.Query(ctx,
		`SELECT twofa_enabled, twofa_skipped, profile_completed
		 FROM account_security_flags WHERE user_id = ?`,
		userID,
	).Scan(&flags.TwoFactorEnabled, &flags.TwoFactorSkipped, &flags.ProfileCompleted)
	if err == gocql.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get security flags: %w", err)
	}
	return &flags, nil
}
