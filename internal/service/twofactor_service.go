package service

import (
	"context"

	"auth-gateway/internal/audit"
	"auth-gateway/internal/hashing"
	"auth-gateway/internal/models"
	"auth-gateway/internal/repository/scylla"
	"auth-gateway/internal/util"
)

// TwoFactorService runs second-factor enrollment: start sends a code to
// the contact being enrolled, confirm consumes it and flips the account
// flag, decline records the opt-out. Decline is idempotent and reversible;
// a later enrollment simply overwrites it.
type TwoFactorService struct {
	verifier CodeVerifier
	provider IdentityProvider
	flags    scylla.SecurityFlagsStore
	audit    *audit.Emitter
}

func NewTwoFactorService(verifier CodeVerifier, provider IdentityProvider, flags scylla.SecurityFlagsStore, emitter *audit.Emitter) *TwoFactorService {
	return &TwoFactorService{
		verifier: verifier,
		provider: provider,
		flags:    flags,
		audit:    emitter,
	}
}

// Start dispatches an enrollment code to the contact, choosing SMS for
// phone-shaped contacts and email otherwise.
func (s *TwoFactorService) Start(ctx context.Context, contact string) error {
	var err error
	if util.IsPhoneContact(contact) {
		_, err = s.verifier.SendSMSCode(ctx, contact, models.PurposeTwoFactorSetup)
	} else {
		_, err = s.verifier.SendEmailCode(ctx, contact, models.PurposeTwoFactorSetup)
	}
	return err
}

// Confirm consumes the enrollment code and, on success, marks the account
// as two-factor enabled in provider metadata and the mirrored flags table.
func (s *TwoFactorService) Confirm(ctx context.Context, sess *models.Session, contact, code string) error {
	if sess == nil || sess.User == nil {
		return ErrUnauthorized
	}

	ok, err := s.verifier.Verify(ctx, contact, models.PurposeTwoFactorSetup, code)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCodeInvalid
	}

	patch := map[string]interface{}{
		"twofa_enabled": true,
		"twofa_skipped": false,
	}
	user, err := s.provider.UpdateUserMetadata(ctx, sess.AccessToken, patch)
	if err != nil {
		return translateProviderError(err)
	}
	sess.User = user

	flags := user.SecurityFlags()
	if err := s.flags.UpsertSecurityFlags(ctx, user.ID, flags); err != nil {
		util.Warn("failed to mirror security flags", util.ErrorField(err))
	}

	s.audit.Emit(models.EventTwoFactorEnabled,
		audit.WithUser(user.ID),
		audit.WithContact(hashing.HashContact(contact)),
		audit.WithOutcome("success"),
	)
	return nil
}

// Decline records that the user skipped enrollment. Declining twice is a
// no-op, not an error.
func (s *TwoFactorService) Decline(ctx context.Context, sess *models.Session) error {
	if sess == nil || sess.User == nil {
		return ErrUnauthorized
	}

	flags := sess.User.SecurityFlags()
	if flags.TwoFactorSkipped || flags.TwoFactorEnabled {
		return nil
	}

	patch := map[string]interface{}{"twofa_skipped": true}
	user, err := s.provider.UpdateUserMetadata(ctx, sess.AccessToken, patch)
	if err != nil {
		return translateProviderError(err)
	}
	sess.User = user

	if err := s.flags.UpsertSecurityFlags(ctx, user.ID, user.SecurityFlags()); err != nil {
		util.Warn("failed to mirror security flags", util.ErrorField(err))
	}

	s.audit.Emit(models.EventTwoFactorSkipped,
		audit.WithUser(user.ID),
		audit.WithOutcome("success"),
	)
	return nil
}
