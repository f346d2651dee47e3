package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"auth-gateway/internal/models"
)

// CodeRepository implements CodeLedger on Scylla. The partition key is
// (contact_bucket, contact_hash) so one contact's codes live together and
// hot contacts cannot skew a single partition across the whole keyspace.
type CodeRepository struct {
	client *ScyllaClient
}

func NewCodeRepository(client *ScyllaClient) *CodeRepository {
	return &CodeRepository{client: client}
}

const insertCodeCQL = `INSERT INTO verification_codes (
	contact_bucket, contact_hash, code_id, contact_encrypted, contact_key_id,
	purpose, code_hash, code_salt, hash_algorithm, pepper_version,
	consumed, consumed_at, delivery_provider, issued_at, expires_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (r *CodeRepository) CreateCode(ctx context.Context, code *models.VerificationCode) error {
	err := r.client.ExecuteWithRetry(ctx, insertCodeCQL,
		code.ContactBucket,
		code.ContactHash,
		code.CodeID,
		code.ContactEncrypted,
		code.ContactKeyID,
		string(code.Purpose),
		code.CodeHash,
		code.CodeSalt,
		code.HashAlgorithm,
		code.PepperVersion,
		code.Consumed,
		code.ConsumedAt,
		code.DeliveryProvider,
		code.IssuedAt,
		code.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("create code: %w", err)
	}
	return nil
}

// MarkConsumed flips the consumed flag with a lightweight transaction so a
// row is consumed at most once even if two gateways race. Returns whether
// this caller won the flip.
func (r *CodeRepository) MarkConsumed(ctx context.Context, bucket int, contactHash, codeID string) (bool, error) {
	applied := make(map[string]interface{})
	ok, err := r.client.Query(ctx,
		`UPDATE verification_codes SET consumed = true, consumed_at = ?
		 WHERE contact_bucket = ? AND contact_hash = ? AND code_id = ?
		 IF consumed = false`,
		time.Now().UTC(), bucket, contactHash, codeID,
	).MapScanCAS(applied)
	if err != nil {
		return false, fmt.Errorf("mark consumed: %w", err)
	}
	return ok, nil
}

// MarkDeliveryProvider records which provider carried the code, after the
// dispatch attempt resolves.
func (r *CodeRepository) MarkDeliveryProvider(ctx context.Context, bucket int, contactHash, codeID, provider string) error {
	return r.client.ExecuteWithRetry(ctx,
		`UPDATE verification_codes SET delivery_provider = ?
		 WHERE contact_bucket = ? AND contact_hash = ? AND code_id = ?`,
		provider, bucket, contactHash, codeID,
	)
}

// ListCodes returns every ledger row for a contact, consumed and expired
// rows included.
func (r *CodeRepository) ListCodes(ctx context.Context, bucket int, contactHash string) ([]*models.VerificationCode, error) {
	iter := r.client.Query(ctx,
		`SELECT contact_bucket, contact_hash, code_id, contact_encrypted, contact_key_id,
		        purpose, code_hash, code_salt, hash_algorithm, pepper_version,
		        consumed, consumed_at, delivery_provider, issued_at, expires_at
		 FROM verification_codes
		 WHERE contact_bucket = ? AND contact_hash = ?`,
		bucket, contactHash,
	).Iter()

	var codes []*models.VerificationCode
	for {
		var (
			code       models.VerificationCode
			purpose    string
			consumedAt time.Time
		)
		if !iter.Scan(
			&code.ContactBucket, &code.ContactHash, &code.CodeID,
			&code.ContactEncrypted, &code.ContactKeyID,
			&purpose, &code.CodeHash, &code.CodeSalt,
			&code.HashAlgorithm, &code.PepperVersion,
			&code.Consumed, &consumedAt, &code.DeliveryProvider,
			&code.IssuedAt, &code.ExpiresAt,
		) {
			break
		}
		code.Purpose = models.Purpose(purpose)
		if !consumedAt.IsZero() {
			ts := consumedAt
			code.ConsumedAt = &ts
		}
		codes = append(codes, &code)
	}
	if err := iter.Close(); err != nil && err != gocql.ErrNotFound {
		return nil, fmt.Errorf("list codes: %w", err)
	}
	return codes, nil
}
