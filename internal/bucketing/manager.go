package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"auth-gateway/internal/config"
)

// BucketingManager assigns contact identifiers to stable partition buckets
// so the verification-code ledger spreads evenly across Scylla partitions.
type BucketingManager struct {
	contactBuckets int
	hasherPool     sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		contactBuckets: cfg.Bucketing.ContactBuckets,
	}

	// Pool of hash functions to avoid allocation overhead on hot paths
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// ContactBucket returns a consistent bucket (0..contactBuckets-1) for a
// hashed contact identifier.
func (bm *BucketingManager) ContactBucket(contactHash string) int {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	_, _ = hasher.Write([]byte(contactHash))
	sum := hasher.Sum64()

	if bm.contactBuckets <= 0 {
		return 0
	}
	return int(sum % uint64(bm.contactBuckets))
}

// TimeBucket returns the start of the rate-limiting window containing now,
// as a unix timestamp, for the given window length.
func (bm *BucketingManager) TimeBucket(window time.Duration) int64 {
	if window <= 0 {
		return time.Now().UTC().Unix()
	}
	secs := int64(window.Seconds())
	return (time.Now().UTC().Unix() / secs) * secs
}
