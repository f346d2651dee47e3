package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/google/uuid"

	"auth-gateway/internal/audit"
	"auth-gateway/internal/bucketing"
	"auth-gateway/internal/config"
	"auth-gateway/internal/delivery"
	"auth-gateway/internal/encryption"
	"auth-gateway/internal/hashing"
	"auth-gateway/internal/models"
	redisrepo "auth-gateway/internal/repository/redis"
	"auth-gateway/internal/repository/scylla"
	"auth-gateway/internal/util"
)

// CodeCache is the fast-path store for live codes. Implemented on Redis;
// faked in tests.
type CodeCache interface {
	StoreCode(ctx context.Context, purpose models.Purpose, contactHash string, cached *redisrepo.CachedCode) error
	ListActive(ctx context.Context, purpose models.Purpose, contactHash string) ([]*redisrepo.CachedCode, error)
	Consume(ctx context.Context, purpose models.Purpose, contactHash, codeID string) (bool, error)
	IncrementAttempts(ctx context.Context, purpose models.Purpose, contactHash string) (int64, error)
	AttemptCount(ctx context.Context, purpose models.Purpose, contactHash string) (int64, error)
	ClearAttempts(ctx context.Context, purpose models.Purpose, contactHash string) error
	AcquireDispatchLock(ctx context.Context, purpose models.Purpose, contactHash string, cooldown time.Duration) (bool, error)
	DispatchCooldown(ctx context.Context, purpose models.Purpose, contactHash string) (time.Duration, error)
}

// VerificationService issues and consumes short numeric codes. A code is
// valid until its TTL passes or it is consumed; issuing a new code never
// invalidates an earlier one, so the email that arrives late still works.
type VerificationService struct {
	cache     CodeCache
	ledger    scylla.CodeLedger
	hasher    *hashing.Hasher
	encryptor *encryption.EncryptionManager
	bucketing *bucketing.BucketingManager
	email     delivery.EmailSender
	sms       delivery.SMSSender
	audit     *audit.Emitter
	config    *config.Config
}

func NewVerificationService(
	cache CodeCache,
	ledger scylla.CodeLedger,
	hasher *hashing.Hasher,
	encryptor *encryption.EncryptionManager,
	bm *bucketing.BucketingManager,
	email delivery.EmailSender,
	sms delivery.SMSSender,
	emitter *audit.Emitter,
	cfg *config.Config,
) *VerificationService {
	return &VerificationService{
		cache:     cache,
		ledger:    ledger,
		hasher:    hasher,
		encryptor: encryptor,
		bucketing: bm,
		email:     email,
		sms:       sms,
		audit:     emitter,
		config:    cfg,
	}
}

// generateCode returns a uniformly random six-digit code, zero-padded.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// SendEmailCode issues a code for an email contact and dispatches it. The
// code is durably recorded before dispatch, so delivery failure leaves a
// valid code behind; the caller still sees the failure.
func (s *VerificationService) SendEmailCode(ctx context.Context, email string, purpose models.Purpose) (string, error) {
	normalized, ok := util.NormalizeEmail(email)
	if !ok {
		return "", ErrInvalidContact
	}
	if !purpose.Valid() || purpose == models.PurposePhoneLogin {
		return "", ErrInvalidPurpose
	}

	codeID, code, contactHash, err := s.issue(ctx, normalized, purpose)
	if err != nil {
		return "", err
	}

	provider, sendErr := s.email.SendCode(ctx, normalized, purpose, code)
	return s.finishDispatch(ctx, purpose, contactHash, codeID, provider, sendErr)
}

// SendSMSCode issues a code for a phone contact and texts it.
func (s *VerificationService) SendSMSCode(ctx context.Context, phone string, purpose models.Purpose) (string, error) {
	normalized, err := util.NormalizePhone(phone)
	if err != nil {
		return "", ErrInvalidContact
	}
	if !purpose.Valid() {
		return "", ErrInvalidPurpose
	}

	codeID, code, contactHash, err := s.issue(ctx, normalized, purpose)
	if err != nil {
		return "", err
	}

	provider, sendErr := s.sms.SendCode(ctx, normalized, code)
	return s.finishDispatch(ctx, purpose, contactHash, codeID, provider, sendErr)
}

// issue creates the code, caches it and appends the ledger row. Returns the
// code ID, the plain code (for dispatch only) and the contact hash.
func (s *VerificationService) issue(ctx context.Context, contact string, purpose models.Purpose) (string, string, string, error) {
	contactHash := hashing.HashContact(contact)

	locked, err := s.cache.AcquireDispatchLock(ctx, purpose, contactHash, s.config.Verification.ResendCooldown)
	if err != nil {
		return "", "", "", fmt.Errorf("dispatch lock: %w", err)
	}
	if !locked {
		if remaining, cerr := s.cache.DispatchCooldown(ctx, purpose, contactHash); cerr == nil && remaining > 0 {
			util.Debug("resend blocked by cooldown",
				util.String("purpose", string(purpose)),
				util.Duration("remaining", remaining))
		}
		return "", "", "", ErrCooldownActive
	}

	code, err := generateCode()
	if err != nil {
		return "", "", "", err
	}
	digest, err := s.hasher.HashCode(code)
	if err != nil {
		return "", "", "", err
	}

	codeID := uuid.New().String()
	now := time.Now().UTC()

	cached := &redisrepo.CachedCode{
		CodeID:        codeID,
		CodeHash:      digest.Hash,
		CodeSalt:      digest.Salt,
		PepperVersion: digest.PepperVersion,
		Algorithm:     digest.Algorithm,
		IssuedAt:      now.Unix(),
	}
	if err := s.cache.StoreCode(ctx, purpose, contactHash, cached); err != nil {
		return "", "", "", err
	}

	encryptedContact, keyID, err := s.encryptor.EncryptField(ctx, contact)
	if err != nil {
		return "", "", "", fmt.Errorf("encrypt contact: %w", err)
	}

	row := &models.VerificationCode{
		ContactBucket:    s.bucketing.ContactBucket(contactHash),
		ContactHash:      contactHash,
		CodeID:           codeID,
		ContactEncrypted: encryptedContact,
		ContactKeyID:     keyID,
		Purpose:          purpose,
		CodeHash:         digest.Hash,
		CodeSalt:         digest.Salt,
		HashAlgorithm:    digest.Algorithm,
		PepperVersion:    digest.PepperVersion,
		IssuedAt:         now,
		ExpiresAt:        now.Add(s.config.Verification.CodeTTL),
	}
	if err := s.ledger.CreateCode(ctx, row); err != nil {
		return "", "", "", err
	}

	return codeID, code, contactHash, nil
}

func (s *VerificationService) finishDispatch(ctx context.Context, purpose models.Purpose, contactHash, codeID, provider string, sendErr error) (string, error) {
	if err := s.ledger.MarkDeliveryProvider(ctx, s.bucketing.ContactBucket(contactHash), contactHash, codeID, provider); err != nil {
		util.Warn("failed to record delivery provider", util.ErrorField(err))
	}

	s.audit.Emit(models.EventCodeIssued,
		audit.WithContact(contactHash),
		audit.WithPurpose(purpose),
		audit.WithChannel(provider),
		audit.WithOutcome(outcomeOf(sendErr)),
	)

	if sendErr != nil {
		// The code stays live; the caller can retry delivery or verify with
		// a code that did arrive.
		return codeID, fmt.Errorf("code issued but delivery failed: %w", sendErr)
	}
	return codeID, nil
}

func outcomeOf(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// Verify checks a candidate code for a contact and purpose. The answer is
// boolean only; why a code failed is never disclosed. A correct code is
// consumed atomically, so of two racing verifications exactly one succeeds.
func (s *VerificationService) Verify(ctx context.Context, contact string, purpose models.Purpose, code string) (bool, error) {
	normalized := contact
	if util.IsPhoneContact(contact) {
		var err error
		if normalized, err = util.NormalizePhone(contact); err != nil {
			return false, ErrInvalidContact
		}
	} else {
		var ok bool
		if normalized, ok = util.NormalizeEmail(contact); !ok {
			return false, ErrInvalidContact
		}
	}
	if !purpose.Valid() {
		return false, ErrInvalidPurpose
	}
	contactHash := hashing.HashContact(normalized)

	attempts, err := s.cache.AttemptCount(ctx, purpose, contactHash)
	if err != nil {
		return false, err
	}
	if attempts >= int64(s.config.Verification.MaxAttempts) {
		return false, ErrTooManyAttempts
	}

	active, err := s.cache.ListActive(ctx, purpose, contactHash)
	if err != nil {
		return false, err
	}

	for _, cached := range active {
		match := s.hasher.VerifyCode(code, &hashing.HashResult{
			Hash:          cached.CodeHash,
			Salt:          cached.CodeSalt,
			PepperVersion: cached.PepperVersion,
			Algorithm:     cached.Algorithm,
		})
		if !match {
			continue
		}

		won, err := s.cache.Consume(ctx, purpose, contactHash, cached.CodeID)
		if err != nil {
			return false, err
		}
		if !won {
			// Another request claimed this code between our read and the
			// consume. It no longer counts as a live match.
			continue
		}

		bucket := s.bucketing.ContactBucket(contactHash)
		if _, err := s.ledger.MarkConsumed(ctx, bucket, contactHash, cached.CodeID); err != nil {
			util.Warn("ledger consume mark failed", util.ErrorField(err))
		}
		if err := s.cache.ClearAttempts(ctx, purpose, contactHash); err != nil {
			util.Warn("failed to clear attempt counter", util.ErrorField(err))
		}

		s.audit.Emit(models.EventCodeVerified,
			audit.WithContact(contactHash),
			audit.WithPurpose(purpose),
			audit.WithOutcome("success"),
		)
		return true, nil
	}

	if _, err := s.cache.IncrementAttempts(ctx, purpose, contactHash); err != nil {
		util.Warn("failed to increment attempt counter", util.ErrorField(err))
	}
	s.audit.Emit(models.EventCodeRejected,
		audit.WithContact(contactHash),
		audit.WithPurpose(purpose),
		audit.WithOutcome("failure"),
	)
	return false, nil
}

// CodeSummary is the support view of a ledger row: lifecycle only, no digest
// material and no decrypted contact.
type CodeSummary struct {
	CodeID           string         `json:"code_id"`
	Purpose          models.Purpose `json:"purpose"`
	Consumed         bool           `json:"consumed"`
	DeliveryProvider string         `json:"delivery_provider,omitempty"`
	IssuedAt         time.Time      `json:"issued_at"`
	ExpiresAt        time.Time      `json:"expires_at"`
}

// History lists every ledger row for a contact, newest first. Backing the
// support view from the durable ledger rather than the cache means consumed
// and expired codes still show up.
func (s *VerificationService) History(ctx context.Context, contact string) ([]CodeSummary, error) {
	normalized := contact
	if util.IsPhoneContact(contact) {
		var err error
		if normalized, err = util.NormalizePhone(contact); err != nil {
			return nil, ErrInvalidContact
		}
	} else {
		var ok bool
		if normalized, ok = util.NormalizeEmail(contact); !ok {
			return nil, ErrInvalidContact
		}
	}
	contactHash := hashing.HashContact(normalized)

	rows, err := s.ledger.ListCodes(ctx, s.bucketing.ContactBucket(contactHash), contactHash)
	if err != nil {
		return nil, err
	}

	summaries := make([]CodeSummary, 0, len(rows))
	for _, row := range rows {
		summaries = append(summaries, CodeSummary{
			CodeID:           row.CodeID,
			Purpose:          row.Purpose,
			Consumed:         row.Consumed,
			DeliveryProvider: row.DeliveryProvider,
			IssuedAt:         row.IssuedAt,
			ExpiresAt:        row.ExpiresAt,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].IssuedAt.After(summaries[j].IssuedAt)
	})
	return summaries, nil
}
