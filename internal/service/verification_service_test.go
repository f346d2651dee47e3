package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"auth-gateway/internal/audit"
	"auth-gateway/internal/bucketing"
	"auth-gateway/internal/config"
	"auth-gateway/internal/encryption"
	"auth-gateway/internal/hashing"
	"auth-gateway/internal/models"
	redisrepo "auth-gateway/internal/repository/redis"
)

// fakeCodeCache is an in-memory CodeCache with the same at-most-once
// consume semantics as the Redis implementation.
type fakeCodeCache struct {
	mu       sync.Mutex
	codes    map[string]*redisrepo.CachedCode
	attempts map[string]int64
	locks    map[string]bool
}

func newFakeCodeCache() *fakeCodeCache {
	return &fakeCodeCache{
		codes:    make(map[string]*redisrepo.CachedCode),
		attempts: make(map[string]int64),
		locks:    make(map[string]bool),
	}
}

func (f *fakeCodeCache) key(p models.Purpose, hash, id string) string { return string(p) + "/" + hash + "/" + id }
func (f *fakeCodeCache) ckey(p models.Purpose, hash string) string    { return string(p) + "/" + hash }

func (f *fakeCodeCache) StoreCode(_ context.Context, p models.Purpose, hash string, c *redisrepo.CachedCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes[f.key(p, hash, c.CodeID)] = c
	return nil
}

func (f *fakeCodeCache) ListActive(_ context.Context, p models.Purpose, hash string) ([]*redisrepo.CachedCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*redisrepo.CachedCode
	prefix := f.ckey(p, hash) + "/"
	for k, c := range f.codes {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeCodeCache) Consume(_ context.Context, p models.Purpose, hash, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(p, hash, id)
	if _, ok := f.codes[k]; !ok {
		return false, nil
	}
	delete(f.codes, k)
	return true, nil
}

func (f *fakeCodeCache) IncrementAttempts(_ context.Context, p models.Purpose, hash string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[f.ckey(p, hash)]++
	return f.attempts[f.ckey(p, hash)], nil
}

func (f *fakeCodeCache) AttemptCount(_ context.Context, p models.Purpose, hash string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[f.ckey(p, hash)], nil
}

func (f *fakeCodeCache) ClearAttempts(_ context.Context, p models.Purpose, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.attempts, f.ckey(p, hash))
	return nil
}

func (f *fakeCodeCache) AcquireDispatchLock(_ context.Context, p models.Purpose, hash string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.ckey(p, hash)
	if f.locks[k] {
		return false, nil
	}
	f.locks[k] = true
	return true, nil
}

func (f *fakeCodeCache) DispatchCooldown(_ context.Context, p models.Purpose, hash string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locks[f.ckey(p, hash)] {
		return 30 * time.Second, nil
	}
	return 0, nil
}

func (f *fakeCodeCache) releaseLocks() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locks = make(map[string]bool)
}

// fakeLedger records ledger writes for assertions.
type fakeLedger struct {
	mu       sync.Mutex
	rows     []*models.VerificationCode
	consumed map[string]bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{consumed: make(map[string]bool)}
}

func (f *fakeLedger) CreateCode(_ context.Context, c *models.VerificationCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, c)
	return nil
}

func (f *fakeLedger) MarkConsumed(_ context.Context, _ int, _, codeID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.consumed[codeID] {
		return false, nil
	}
	f.consumed[codeID] = true
	for _, r := range f.rows {
		if r.CodeID == codeID {
			r.Consumed = true
		}
	}
	return true, nil
}

func (f *fakeLedger) MarkDeliveryProvider(_ context.Context, _ int, _, codeID, provider string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.CodeID == codeID {
			r.DeliveryProvider = provider
		}
	}
	return nil
}

func (f *fakeLedger) ListCodes(_ context.Context, _ int, _ string) ([]*models.VerificationCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows, nil
}

// fakeEmailSender captures the last dispatched code.
type fakeEmailSender struct {
	mu       sync.Mutex
	lastTo   string
	lastCode string
	sent     int
	fail     bool
}

func (f *fakeEmailSender) SendCode(_ context.Context, to string, _ models.Purpose, code string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTo, f.lastCode = to, code
	f.sent++
	if f.fail {
		return "resend", errors.New("smtp unreachable")
	}
	return "resend", nil
}

type fakeSMSSender struct {
	mu       sync.Mutex
	lastTo   string
	lastCode string
}

func (f *fakeSMSSender) SendCode(_ context.Context, to, code string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTo, f.lastCode = to, code
	return "twilio", nil
}

// newTestEmitter builds an emitter with no sinks; events are accepted and
// discarded.
func newTestEmitter(t *testing.T, cfg *config.Config) *audit.Emitter {
	t.Helper()
	emitter := audit.NewEmitter(nil, nil, nil, bucketing.NewBucketingManager(cfg))
	t.Cleanup(emitter.Close)
	return emitter
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Verification.CodeTTL = 15 * time.Minute
	cfg.Verification.MaxAttempts = 5
	cfg.Verification.ResendCooldown = 30 * time.Second
	cfg.Hashing.Argon2MemoryCost = 8 * 1024
	cfg.Hashing.Argon2TimeCost = 1
	cfg.Hashing.Argon2Parallelism = 1
	cfg.Bucketing.ContactBuckets = 16
	return cfg
}

type verificationFixture struct {
	svc    *VerificationService
	cache  *fakeCodeCache
	ledger *fakeLedger
	email  *fakeEmailSender
	sms    *fakeSMSSender
}

func newVerificationFixture(t *testing.T) *verificationFixture {
	t.Helper()
	cfg := testConfig()

	encryptor, err := encryption.NewEncryptionManager(cfg)
	if err != nil {
		t.Fatal(err)
	}

	bm := bucketing.NewBucketingManager(cfg)
	emitter := newTestEmitter(t, cfg)

	fx := &verificationFixture{
		cache:  newFakeCodeCache(),
		ledger: newFakeLedger(),
		email:  &fakeEmailSender{},
		sms:    &fakeSMSSender{},
	}
	fx.svc = NewVerificationService(
		fx.cache, fx.ledger, hashing.NewHasher(cfg), encryptor,
		bm, fx.email, fx.sms, emitter, cfg,
	)
	return fx
}

func TestSendEmailCodeAndVerify(t *testing.T) {
	fx := newVerificationFixture(t)
	ctx := context.Background()

	codeID, err := fx.svc.SendEmailCode(ctx, "user@biblenow.io", models.PurposeEmailConfirm)
	if err != nil {
		t.Fatal(err)
	}
	if codeID == "" {
		t.Fatal("expected a code ID")
	}
	if len(fx.email.lastCode) != 6 {
		t.Fatalf("dispatched code %q, want 6 digits", fx.email.lastCode)
	}

	ok, err := fx.svc.Verify(ctx, "user@biblenow.io", models.PurposeEmailConfirm, fx.email.lastCode)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("correct code should verify")
	}

	// A second verification of the same code must lose.
	ok, err = fx.svc.Verify(ctx, "user@biblenow.io", models.PurposeEmailConfirm, fx.email.lastCode)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("a consumed code must not verify twice")
	}
}

func TestVerifyWrongCode(t *testing.T) {
	fx := newVerificationFixture(t)
	ctx := context.Background()

	if _, err := fx.svc.SendEmailCode(ctx, "user@biblenow.io", models.PurposeEmailConfirm); err != nil {
		t.Fatal(err)
	}

	wrong := "000000"
	if fx.email.lastCode == wrong {
		wrong = "000001"
	}
	ok, err := fx.svc.Verify(ctx, "user@biblenow.io", models.PurposeEmailConfirm, wrong)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("wrong code should not verify")
	}

	count, _ := fx.cache.AttemptCount(ctx, models.PurposeEmailConfirm, hashing.HashContact("user@biblenow.io"))
	if count != 1 {
		t.Errorf("failed attempt should be counted, got %d", count)
	}
}

func TestVerifyLockedAfterMaxAttempts(t *testing.T) {
	fx := newVerificationFixture(t)
	ctx := context.Background()

	if _, err := fx.svc.SendEmailCode(ctx, "user@biblenow.io", models.PurposeEmailConfirm); err != nil {
		t.Fatal(err)
	}

	wrong := "000000"
	if fx.email.lastCode == wrong {
		wrong = "000001"
	}
	for i := 0; i < 5; i++ {
		if _, err := fx.svc.Verify(ctx, "user@biblenow.io", models.PurposeEmailConfirm, wrong); err != nil {
			t.Fatal(err)
		}
	}

	// Even the right code is refused once the attempt budget is spent.
	_, err := fx.svc.Verify(ctx, "user@biblenow.io", models.PurposeEmailConfirm, fx.email.lastCode)
	if !errors.Is(err, ErrTooManyAttempts) {
		t.Errorf("expected ErrTooManyAttempts, got %v", err)
	}
}

// A newer code must not invalidate an older, still-live one.
func TestSupersededCodeStaysValid(t *testing.T) {
	fx := newVerificationFixture(t)
	ctx := context.Background()

	if _, err := fx.svc.SendEmailCode(ctx, "user@biblenow.io", models.PurposeEmailConfirm); err != nil {
		t.Fatal(err)
	}
	firstCode := fx.email.lastCode

	fx.cache.releaseLocks()
	if _, err := fx.svc.SendEmailCode(ctx, "user@biblenow.io", models.PurposeEmailConfirm); err != nil {
		t.Fatal(err)
	}
	if fx.email.lastCode == firstCode {
		t.Skip("generated identical codes, cannot distinguish")
	}

	ok, err := fx.svc.Verify(ctx, "user@biblenow.io", models.PurposeEmailConfirm, firstCode)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("the earlier code should still verify after a resend")
	}
}

func TestResendCooldown(t *testing.T) {
	fx := newVerificationFixture(t)
	ctx := context.Background()

	if _, err := fx.svc.SendEmailCode(ctx, "user@biblenow.io", models.PurposeEmailConfirm); err != nil {
		t.Fatal(err)
	}

	_, err := fx.svc.SendEmailCode(ctx, "user@biblenow.io", models.PurposeEmailConfirm)
	if !errors.Is(err, ErrCooldownActive) {
		t.Errorf("expected ErrCooldownActive, got %v", err)
	}
	if fx.email.sent != 1 {
		t.Errorf("cooldown-blocked send still dispatched, sent=%d", fx.email.sent)
	}
}

// Delivery failure surfaces an error, but the code stays live and usable.
func TestDeliveryFailureLeavesCodeValid(t *testing.T) {
	fx := newVerificationFixture(t)
	fx.email.fail = true
	ctx := context.Background()

	_, err := fx.svc.SendEmailCode(ctx, "user@biblenow.io", models.PurposeEmailConfirm)
	if err == nil {
		t.Fatal("delivery failure should be reported")
	}

	ok, verr := fx.svc.Verify(ctx, "user@biblenow.io", models.PurposeEmailConfirm, fx.email.lastCode)
	if verr != nil {
		t.Fatal(verr)
	}
	if !ok {
		t.Error("a code whose delivery failed should still verify")
	}
}

func TestSendSMSCode(t *testing.T) {
	fx := newVerificationFixture(t)
	ctx := context.Background()

	if _, err := fx.svc.SendSMSCode(ctx, "(415) 555-1234", models.PurposePhoneLogin); err != nil {
		t.Fatal(err)
	}
	if fx.sms.lastTo != "+14155551234" {
		t.Errorf("SMS sent to %q, want normalized E.164", fx.sms.lastTo)
	}
	if len(fx.sms.lastCode) != 6 {
		t.Errorf("SMS code %q, want 6 digits", fx.sms.lastCode)
	}

	ok, err := fx.svc.Verify(ctx, "415-555-1234", models.PurposePhoneLogin, fx.sms.lastCode)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("differently formatted input of the same phone should verify")
	}
}

func TestSendRejectsBadInput(t *testing.T) {
	fx := newVerificationFixture(t)
	ctx := context.Background()

	if _, err := fx.svc.SendEmailCode(ctx, "not-an-email", models.PurposeEmailConfirm); !errors.Is(err, ErrInvalidContact) {
		t.Errorf("bad email: got %v", err)
	}
	if _, err := fx.svc.SendEmailCode(ctx, "user@biblenow.io", models.Purpose("BOGUS")); !errors.Is(err, ErrInvalidPurpose) {
		t.Errorf("bad purpose: got %v", err)
	}
	if _, err := fx.svc.SendEmailCode(ctx, "user@biblenow.io", models.PurposePhoneLogin); !errors.Is(err, ErrInvalidPurpose) {
		t.Errorf("phone purpose over email: got %v", err)
	}
	if _, err := fx.svc.SendSMSCode(ctx, "123", models.PurposePhoneLogin); !errors.Is(err, ErrInvalidContact) {
		t.Errorf("bad phone: got %v", err)
	}
}

func TestLedgerRowWritten(t *testing.T) {
	fx := newVerificationFixture(t)
	ctx := context.Background()

	if _, err := fx.svc.SendEmailCode(ctx, "user@biblenow.io", models.PurposeEmailConfirm); err != nil {
		t.Fatal(err)
	}

	if len(fx.ledger.rows) != 1 {
		t.Fatalf("expected 1 ledger row, got %d", len(fx.ledger.rows))
	}
	row := fx.ledger.rows[0]
	if row.CodeHash == "" || row.CodeSalt == "" {
		t.Error("ledger row missing digest material")
	}
	if row.ContactEncrypted == "" || row.ContactHash == "" {
		t.Error("ledger row missing contact fields")
	}
	if row.DeliveryProvider != "resend" {
		t.Errorf("delivery provider = %q, want resend", row.DeliveryProvider)
	}
	if !row.ExpiresAt.After(row.IssuedAt) {
		t.Error("expiry must be after issuance")
	}

	// The plain code must never appear in the ledger.
	if row.CodeHash == fx.email.lastCode || row.CodeSalt == fx.email.lastCode {
		t.Error("plain code leaked into the ledger")
	}
}

func TestCodeHistory(t *testing.T) {
	fx := newVerificationFixture(t)
	ctx := context.Background()

	first, err := fx.svc.SendEmailCode(ctx, "user@biblenow.io", models.PurposeEmailConfirm)
	if err != nil {
		t.Fatal(err)
	}
	firstCode := fx.email.lastCode
	fx.cache.releaseLocks()
	if _, err := fx.svc.SendEmailCode(ctx, "user@biblenow.io", models.PurposeEmailConfirm); err != nil {
		t.Fatal(err)
	}
	if fx.email.lastCode == firstCode {
		t.Skip("generated identical codes, cannot distinguish")
	}
	if _, err := fx.svc.Verify(ctx, "user@biblenow.io", models.PurposeEmailConfirm, fx.email.lastCode); err != nil {
		t.Fatal(err)
	}

	history, err := fx.svc.History(ctx, "User@BibleNOW.io")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	for _, entry := range history {
		consumed := entry.CodeID != first
		if entry.Consumed != consumed {
			t.Errorf("code %s consumed = %v, want %v", entry.CodeID, entry.Consumed, consumed)
		}
		if entry.Purpose != models.PurposeEmailConfirm {
			t.Errorf("purpose = %q", entry.Purpose)
		}
	}
	if history[0].IssuedAt.Before(history[1].IssuedAt) {
		t.Error("history should list the newest issuance first")
	}

	if _, err := fx.svc.History(ctx, "not-a-contact"); !errors.Is(err, ErrInvalidContact) {
		t.Errorf("bad contact: got %v", err)
	}
}
