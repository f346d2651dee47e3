package hashing

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"

	"auth-gateway/internal/config"
)

var ErrUnknownPepperVersion = errors.New("unknown pepper version")

const algorithmArgon2id = "argon2id"

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type pepper struct {
	value   []byte
	version int
}

// Hasher produces argon2id digests of verification codes. Codes are short
// and numeric, so a per-record salt plus a server-side pepper is what keeps
// offline guessing off the table if the ledger ever leaks.
type Hasher struct {
	params        Argon2Params
	currentPepper *pepper
	oldPeppers    []*pepper
	mu            sync.RWMutex
}

// HashResult carries everything the ledger needs to re-verify a code later.
type HashResult struct {
	Hash          string
	Salt          string
	PepperVersion int
	Algorithm     string
}

func NewHasher(cfg *config.Config) *Hasher {
	h := &Hasher{
		params: Argon2Params{
			Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
			Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
			Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
			SaltLength:  16,
			KeyLength:   32,
		},
	}
	h.rotatePepper()
	return h
}

// RotatePepper installs a fresh pepper; digests made under older versions
// keep verifying through the retained old peppers.
func (h *Hasher) RotatePepper() {
	h.rotatePepper()
}

func (h *Hasher) rotatePepper() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.currentPepper != nil {
		h.oldPeppers = append(h.oldPeppers, h.currentPepper)
	}

	value := make([]byte, 32)
	if _, err := rand.Read(value); err != nil {
		panic("hashing: pepper generation failed: " + err.Error())
	}

	version := 1
	if h.currentPepper != nil {
		version = h.currentPepper.version + 1
	}
	h.currentPepper = &pepper{value: value, version: version}
}

func (h *Hasher) pepperByVersion(version int) ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.currentPepper != nil && h.currentPepper.version == version {
		return h.currentPepper.value, nil
	}
	for _, p := range h.oldPeppers {
		if p.version == version {
			return p.value, nil
		}
	}
	return nil, ErrUnknownPepperVersion
}

// HashCode digests a verification code with a fresh random salt and the
// current pepper.
func (h *Hasher) HashCode(code string) (*HashResult, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	h.mu.RLock()
	p := h.currentPepper
	h.mu.RUnlock()

	digest := h.digest(code, salt, p.value)
	return &HashResult{
		Hash:          base64.RawStdEncoding.EncodeToString(digest),
		Salt:          base64.RawStdEncoding.EncodeToString(salt),
		PepperVersion: p.version,
		Algorithm:     algorithmArgon2id,
	}, nil
}

// VerifyCode reports whether the supplied code matches a stored digest.
// Comparison is constant time.
func (h *Hasher) VerifyCode(code string, stored *HashResult) bool {
	if stored == nil || stored.Algorithm != algorithmArgon2id {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(stored.Hash)
	if err != nil {
		return false
	}
	pepperValue, err := h.pepperByVersion(stored.PepperVersion)
	if err != nil {
		return false
	}

	digest := h.digest(code, salt, pepperValue)
	return subtle.ConstantTimeCompare(digest, expected) == 1
}

func (h *Hasher) digest(code string, salt, pepperValue []byte) []byte {
	material := append([]byte(code), pepperValue...)
	return argon2.IDKey(material, salt, h.params.Iterations, h.params.Memory, h.params.Parallelism, h.params.KeyLength)
}

// HashContact returns the deterministic lookup hash for a normalized contact
// identifier. Deterministic so it can serve as a storage key; the reversible
// form is kept separately under envelope encryption.
func HashContact(contact string) string {
	normalized := strings.ToLower(strings.TrimSpace(contact))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
