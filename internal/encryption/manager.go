package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"

	"auth-gateway/internal/config"
	"auth-gateway/internal/util"
)

var ErrDecryptionFailed = errors.New("decryption failed")

// EncryptionManager envelope-encrypts contact identifiers before they reach
// durable storage. Data keys come from AWS KMS; when KMS is unreachable or
// not configured (local development) a process-local master key stands in.
type EncryptionManager struct {
	kmsClient   *kms.Client
	keyID       string
	localMaster []byte
	dataKeys    map[string]*cachedDataKey
	mu          sync.RWMutex
	useLocal    bool
}

type cachedDataKey struct {
	plaintext  []byte
	ciphertext []byte
	createdAt  time.Time
}

type envelope struct {
	KeyID      string `json:"key_id"`
	DataKey    string `json:"data_key"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

const dataKeyTTL = 1 * time.Hour

func NewEncryptionManager(cfg *config.Config) (*EncryptionManager, error) {
	em := &EncryptionManager{
		keyID:    cfg.KMS.KeyID,
		dataKeys: make(map[string]*cachedDataKey),
	}

	if cfg.KMS.KeyID == "" {
		util.Warn("KMS key not configured, using local encryption fallback")
		return em.withLocalFallback()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.KMS.Region))
	if err != nil {
		util.Warn("failed to load AWS config, using local encryption fallback", util.ErrorField(err))
		return em.withLocalFallback()
	}

	em.kmsClient = kms.NewFromConfig(awsCfg)

	// Probe the key so a misconfigured ARN fails at startup, not mid-request.
	_, err = em.kmsClient.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(cfg.KMS.KeyID)})
	if err != nil {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("KMS key unavailable: %w", err)
		}
		util.Warn("KMS key unavailable, using local encryption fallback", util.ErrorField(err))
		return em.withLocalFallback()
	}

	return em, nil
}

func (em *EncryptionManager) withLocalFallback() (*EncryptionManager, error) {
	em.useLocal = true
	em.localMaster = make([]byte, 32)
	if _, err := rand.Read(em.localMaster); err != nil {
		return nil, err
	}
	return em, nil
}

func (em *EncryptionManager) generateDataKey(ctx context.Context) (*cachedDataKey, error) {
	if em.useLocal {
		plain := make([]byte, 32)
		if _, err := rand.Read(plain); err != nil {
			return nil, err
		}
		wrapped, err := em.localWrap(plain)
		if err != nil {
			return nil, err
		}
		return &cachedDataKey{plaintext: plain, ciphertext: wrapped, createdAt: time.Now()}, nil
	}

	out, err := em.kmsClient.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(em.keyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("generate data key: %w", err)
	}
	return &cachedDataKey{plaintext: out.Plaintext, ciphertext: out.CiphertextBlob, createdAt: time.Now()}, nil
}

func (em *EncryptionManager) currentDataKey(ctx context.Context) (*cachedDataKey, error) {
	em.mu.RLock()
	dk, ok := em.dataKeys["current"]
	em.mu.RUnlock()
	if ok && time.Since(dk.createdAt) < dataKeyTTL {
		return dk, nil
	}

	em.mu.Lock()
	defer em.mu.Unlock()
	if dk, ok := em.dataKeys["current"]; ok && time.Since(dk.createdAt) < dataKeyTTL {
		return dk, nil
	}
	dk, err := em.generateDataKey(ctx)
	if err != nil {
		return nil, err
	}
	em.dataKeys["current"] = dk
	return dk, nil
}

// EncryptField encrypts plaintext with a fresh nonce under the current data
// key and returns an opaque envelope string plus the key identifier.
func (em *EncryptionManager) EncryptField(ctx context.Context, plaintext string) (string, string, error) {
	dk, err := em.currentDataKey(ctx)
	if err != nil {
		return "", "", err
	}

	block, err := aes.NewCipher(dk.plaintext)
	if err != nil {
		return "", "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", "", err
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	env := envelope{
		KeyID:      em.keyID,
		DataKey:    base64.StdEncoding.EncodeToString(dk.ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(raw), em.keyID, nil
}

// DecryptField reverses EncryptField.
func (em *EncryptionManager) DecryptField(ctx context.Context, encrypted string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", ErrDecryptionFailed
	}

	wrapped, err := base64.StdEncoding.DecodeString(env.DataKey)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	var plainKey []byte
	if em.useLocal {
		plainKey, err = em.localUnwrap(wrapped)
		if err != nil {
			return "", ErrDecryptionFailed
		}
	} else {
		out, err := em.kmsClient.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: wrapped})
		if err != nil {
			return "", fmt.Errorf("unwrap data key: %w", err)
		}
		plainKey = out.Plaintext
	}

	block, err := aes.NewCipher(plainKey)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	sealed, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

func (em *EncryptionManager) localWrap(plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(em.localMaster)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return append(nonce, gcm.Seal(nil, nonce, plain, nil)...), nil
}

func (em *EncryptionManager) localUnwrap(wrapped []byte) ([]byte, error) {
	block, err := aes.NewCipher(em.localMaster)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(wrapped) < gcm.NonceSize() {
		return nil, ErrDecryptionFailed
	}
	nonce, sealed := wrapped[:gcm.NonceSize()], wrapped[gcm.NonceSize():]
	return gcm.Open(nil, nonce, sealed, nil)
}
