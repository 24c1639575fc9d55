package kms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

type unwrapper interface {
	Unwrap(ctx context.Context, ciphertext []byte, ec EncryptionContext) ([]byte, error)
}

// KeyCache memoizes unwrapped keys for a short TTL so repeated opens of the
// same object do not hit the remote KMS each time.
type KeyCache struct {
	adapter unwrapper
	lru     *expirable.LRU[string, []byte]
	group   singleflight.Group

	mu      sync.Mutex
	stopped bool
}

func NewKeyCache(adapter unwrapper, size int, ttl time.Duration) *KeyCache {
	if size <= 0 {
		size = 1024
	}
	return &KeyCache{
		adapter: adapter,
		lru: expirable.NewLRU[string, []byte](size, func(_ string, v []byte) {
			wipeBytes(v)
		}, ttl),
	}
}

func (c *KeyCache) Unwrap(ctx context.Context, wrapped []byte, ec EncryptionContext) ([]byte, error) {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return nil, ErrProviderUnavailable
	}

	key := cacheKey(wrapped, ec)
	if v, ok := c.lru.Get(key); ok {
		return append([]byte(nil), v...), nil
	}
	res, err, _ := c.group.Do(key, func() (interface{}, error) {
		if v, ok := c.lru.Get(key); ok {
			return append([]byte(nil), v...), nil
		}
		plain, err := c.adapter.Unwrap(ctx, wrapped, ec)
		if err != nil {
			return nil, err
		}
		c.lru.Add(key, append([]byte(nil), plain...))
		return plain, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), res.([]byte)...), nil
}

// Forget drops a cached key, used once the owning object is destroyed.
func (c *KeyCache) Forget(wrapped []byte, ec EncryptionContext) {
	c.lru.Remove(cacheKey(wrapped, ec))
}

func (c *KeyCache) Len() int { return c.lru.Len() }

func (c *KeyCache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	c.lru.Purge()
}

func cacheKey(wrapped []byte, ec EncryptionContext) string {
	h := sha256.New()
	h.Write(wrapped)
	h.Write([]byte{0})
	h.Write(serializeEncryptionContext(ec))
	return hex.EncodeToString(h.Sum(nil))
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// CachedKeys wraps through the adapter and unwraps through the cache.
type CachedKeys struct {
	adapter *Adapter
	cache   *KeyCache
}

func NewCachedKeys(adapter *Adapter, cache *KeyCache) *CachedKeys {
	return &CachedKeys{adapter: adapter, cache: cache}
}

func (k *CachedKeys) Wrap(ctx context.Context, plaintext []byte, ec EncryptionContext) ([]byte, error) {
	return k.adapter.Wrap(ctx, plaintext, ec)
}

func (k *CachedKeys) Unwrap(ctx context.Context, ciphertext []byte, ec EncryptionContext) ([]byte, error) {
	return k.cache.Unwrap(ctx, ciphertext, ec)
}
