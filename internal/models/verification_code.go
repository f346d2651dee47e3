package models

import "time"

// Purpose identifies what a verification code proves.
type Purpose string

const (
	PurposeEmailConfirm   Purpose = "EMAIL_CONFIRM"
	PurposeInvite         Purpose = "INVITE"
	PurposePasswordReset  Purpose = "PASSWORD_RESET"
	PurposeChangeEmail    Purpose = "CHANGE_EMAIL"
	PurposeTwoFactorSetup Purpose = "TWO_FACTOR_SETUP"
	PurposePhoneLogin     Purpose = "PHONE_LOGIN"
)

// Valid reports whether p is one of the known purposes.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeEmailConfirm, PurposeInvite, PurposePasswordReset,
		PurposeChangeEmail, PurposeTwoFactorSetup, PurposePhoneLogin:
		return true
	}
	return false
}

// EmailTemplate maps a purpose to the outbound email template family.
func (p Purpose) EmailTemplate() string {
	switch p {
	case PurposeEmailConfirm:
		return "SIGNUP"
	case PurposeInvite:
		return "INVITE"
	case PurposePasswordReset:
		return "RESET_PASSWORD"
	case PurposeChangeEmail:
		return "CHANGE_EMAIL"
	case PurposeTwoFactorSetup:
		return "TWO_FACTOR"
	default:
		return "SIGNUP"
	}
}

// VerificationCode is the durable ledger row for an issued code. The plain
// code never touches storage; only its argon2 hash does. Rows are never
// deleted by the gateway: expiry is logical and consumption flips the flag.
type VerificationCode struct {
	ContactBucket    int        `db:"contact_bucket"`
	ContactHash      string     `db:"contact_hash"`
	CodeID           string     `db:"code_id"`
	ContactEncrypted string     `db:"contact_encrypted"`
	ContactKeyID     string     `db:"contact_key_id"`
	Purpose          Purpose    `db:"purpose"`
	CodeHash         string     `db:"code_hash"`
	CodeSalt         string     `db:"code_salt"`
	HashAlgorithm    string     `db:"hash_algorithm"`
	PepperVersion    int        `db:"pepper_version"`
	Consumed         bool       `db:"consumed"`
	ConsumedAt       *time.Time `db:"consumed_at"`
	DeliveryProvider string     `db:"delivery_provider"`
	IssuedAt         time.Time  `db:"issued_at"`
	ExpiresAt        time.Time  `db:"expires_at"`
}

// Expired reports whether the code's validity window has passed.
func (c *VerificationCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
