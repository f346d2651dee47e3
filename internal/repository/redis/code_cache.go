package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"auth-gateway/internal/client"
	"auth-gateway/internal/config"
	"auth-gateway/internal/models"
)

// CodeCache is the fast path for verification codes. Each live code is one
// key carrying the digest material; a per-contact set indexes the code IDs
// outstanding for a purpose so several codes can be live at once. The
// delete-if-exists script is the at-most-once gate: of two racing consumers
// exactly one sees the key deleted.
type CodeCache struct {
	redis *client.RedisClient
	ttl   time.Duration
}

// CachedCode is the digest material needed to verify a candidate code.
type CachedCode struct {
	CodeID        string `json:"code_id"`
	CodeHash      string `json:"code_hash"`
	CodeSalt      string `json:"code_salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
	IssuedAt      int64  `json:"issued_at"`
}

const consumeScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
	redis.call("DEL", KEYS[1])
	return 1
end
return 0
`

func NewCodeCache(redisClient *client.RedisClient, cfg *config.Config) *CodeCache {
	return &CodeCache{redis: redisClient, ttl: cfg.Verification.CodeTTL}
}

func codeKey(purpose models.Purpose, contactHash, codeID string) string {
	return fmt.Sprintf("vc:%s:%s:%s", purpose, contactHash, codeID)
}

func indexKey(purpose models.Purpose, contactHash string) string {
	return fmt.Sprintf("vci:%s:%s", purpose, contactHash)
}

func attemptsKey(purpose models.Purpose, contactHash string) string {
	return fmt.Sprintf("vca:%s:%s", purpose, contactHash)
}

func dispatchKey(purpose models.Purpose, contactHash string) string {
	return fmt.Sprintf("vcd:%s:%s", purpose, contactHash)
}

// StoreCode caches a freshly issued code and registers it in the contact's
// index. Earlier codes for the same contact and purpose stay live.
func (c *CodeCache) StoreCode(ctx context.Context, purpose models.Purpose, contactHash string, cached *CachedCode) error {
	raw, err := json.Marshal(cached)
	if err != nil {
		return err
	}
	if err := c.redis.Set(ctx, codeKey(purpose, contactHash, cached.CodeID), raw, c.ttl); err != nil {
		return fmt.Errorf("store code: %w", err)
	}

	idx := indexKey(purpose, contactHash)
	if err := c.redis.SAdd(ctx, idx, cached.CodeID); err != nil {
		return fmt.Errorf("index code: %w", err)
	}
	// The index outlives any single member by one TTL; stale IDs resolve to
	// missing keys and are pruned on read.
	return c.redis.Expire(ctx, idx, c.ttl)
}

// ListActive returns the digest material for every still-live code of this
// contact and purpose, pruning index entries whose keys have expired.
func (c *CodeCache) ListActive(ctx context.Context, purpose models.Purpose, contactHash string) ([]*CachedCode, error) {
	idx := indexKey(purpose, contactHash)
	ids, err := c.redis.SMembers(ctx, idx)
	if err != nil {
		return nil, err
	}

	var active []*CachedCode
	for _, id := range ids {
		raw, err := c.redis.Get(ctx, codeKey(purpose, contactHash, id))
		if err != nil {
			return nil, err
		}
		if raw == "" {
			_ = c.redis.SRem(ctx, idx, id)
			continue
		}
		var cached CachedCode
		if err := json.Unmarshal([]byte(raw), &cached); err != nil {
			continue
		}
		active = append(active, &cached)
	}
	return active, nil
}

// Consume atomically claims a specific code. It returns true for exactly
// one caller; a second claim of the same code finds the key gone.
func (c *CodeCache) Consume(ctx context.Context, purpose models.Purpose, contactHash, codeID string) (bool, error) {
	res, err := c.redis.Eval(ctx, consumeScript, []string{codeKey(purpose, contactHash, codeID)})
	if err != nil {
		return false, fmt.Errorf("consume code: %w", err)
	}
	deleted, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected consume script result %T", res)
	}
	if deleted == 1 {
		_ = c.redis.SRem(ctx, indexKey(purpose, contactHash), codeID)
		return true, nil
	}
	return false, nil
}

// IncrementAttempts bumps the failed-attempt counter, creating it with the
// code TTL on first failure, and returns the new count.
func (c *CodeCache) IncrementAttempts(ctx context.Context, purpose models.Purpose, contactHash string) (int64, error) {
	return c.redis.IncrWithExpire(ctx, attemptsKey(purpose, contactHash), c.ttl)
}

// AttemptCount reads the current failed-attempt count.
func (c *CodeCache) AttemptCount(ctx context.Context, purpose models.Purpose, contactHash string) (int64, error) {
	raw, err := c.redis.Get(ctx, attemptsKey(purpose, contactHash))
	if err != nil || raw == "" {
		return 0, err
	}
	var n int64
	_, scanErr := fmt.Sscanf(raw, "%d", &n)
	if scanErr != nil {
		return 0, nil
	}
	return n, nil
}

// ClearAttempts resets the counter after a successful verification.
func (c *CodeCache) ClearAttempts(ctx context.Context, purpose models.Purpose, contactHash string) error {
	return c.redis.Del(ctx, attemptsKey(purpose, contactHash))
}

// AcquireDispatchLock enforces the resend cooldown. It returns false while
// a recent dispatch for this contact and purpose is still cooling down.
func (c *CodeCache) AcquireDispatchLock(ctx context.Context, purpose models.Purpose, contactHash string, cooldown time.Duration) (bool, error) {
	return c.redis.SetNX(ctx, dispatchKey(purpose, contactHash), time.Now().Unix(), cooldown)
}

// DispatchCooldown reports how long the current cooldown has left, zero when
// none is active.
func (c *CodeCache) DispatchCooldown(ctx context.Context, purpose models.Purpose, contactHash string) (time.Duration, error) {
	ttl, err := c.redis.TTL(ctx, dispatchKey(purpose, contactHash))
	if err != nil || ttl < 0 {
		return 0, err
	}
	return ttl, nil
}
