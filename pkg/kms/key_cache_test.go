package kms

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingUnwrapper struct {
	calls atomic.Int32
	delay time.Duration
	fail  bool
}

func (c *countingUnwrapper) Unwrap(ctx context.Context, ciphertext []byte, ec EncryptionContext) ([]byte, error) {
	c.calls.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.fail {
		return nil, errors.New("kms down")
	}
	return append([]byte("plain-"), ciphertext...), nil
}

func TestKeyCacheHitMiss(t *testing.T) {
	u := &countingUnwrapper{}
	cache := NewKeyCache(u, 16, time.Hour)
	defer cache.Stop()

	ctx := context.Background()
	r1, err := cache.Unwrap(ctx, []byte("wrapped"), nil)
	if err != nil {
		t.Fatalf("Unwrap failed: %v", err)
	}
	r2, _ := cache.Unwrap(ctx, []byte("wrapped"), nil)
	if u.calls.Load() != 1 {
		t.Errorf("expected 1 KMS call, got %d", u.calls.Load())
	}
	if string(r1) != string(r2) {
		t.Error("cache hit returned different result")
	}
	r1[0] = 'X'
	r3, _ := cache.Unwrap(ctx, []byte("wrapped"), nil)
	if r3[0] == 'X' {
		t.Error("caller mutation leaked into cache")
	}
}

func TestKeyCacheContextIsPartOfKey(t *testing.T) {
	u := &countingUnwrapper{}
	cache := NewKeyCache(u, 16, time.Hour)
	defer cache.Stop()
	ctx := context.Background()
	cache.Unwrap(ctx, []byte("w"), EncryptionContext{"id": "a"})
	cache.Unwrap(ctx, []byte("w"), EncryptionContext{"id": "b"})
	if u.calls.Load() != 2 {
		t.Errorf("expected 2 KMS calls for distinct contexts, got %d", u.calls.Load())
	}
}

func TestKeyCacheExpiration(t *testing.T) {
	u := &countingUnwrapper{}
	cache := NewKeyCache(u, 16, 50*time.Millisecond)
	defer cache.Stop()
	ctx := context.Background()
	cache.Unwrap(ctx, []byte("w"), nil)
	time.Sleep(120 * time.Millisecond)
	cache.Unwrap(ctx, []byte("w"), nil)
	if u.calls.Load() != 2 {
		t.Errorf("expected refetch after ttl, got %d calls", u.calls.Load())
	}
}

func TestKeyCacheSingleflight(t *testing.T) {
	u := &countingUnwrapper{delay: 50 * time.Millisecond}
	cache := NewKeyCache(u, 16, time.Hour)
	defer cache.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Unwrap(context.Background(), []byte("hot"), nil); err != nil {
				t.Errorf("Unwrap failed: %v", err)
			}
		}()
	}
	wg.Wait()
	if u.calls.Load() != 1 {
		t.Errorf("expected stampede to collapse into 1 call, got %d", u.calls.Load())
	}
}

func TestKeyCacheErrorsNotCached(t *testing.T) {
	u := &countingUnwrapper{fail: true}
	cache := NewKeyCache(u, 16, time.Hour)
	defer cache.Stop()
	for i := 0; i < 2; i++ {
		if _, err := cache.Unwrap(context.Background(), []byte("w"), nil); err == nil {
			t.Fatal("expected error")
		}
	}
	if u.calls.Load() != 2 {
		t.Errorf("errors should not be cached, got %d calls", u.calls.Load())
	}
}

func TestKeyCacheStopAndForget(t *testing.T) {
	u := &countingUnwrapper{}
	cache := NewKeyCache(u, 16, time.Hour)
	ctx := context.Background()
	cache.Unwrap(ctx, []byte("a"), nil)
	cache.Unwrap(ctx, []byte("b"), nil)
	cache.Forget([]byte("a"), nil)
	if cache.Len() != 1 {
		t.Errorf("expected 1 entry after Forget, got %d", cache.Len())
	}
	cache.Stop()
	if cache.Len() != 0 {
		t.Errorf("expected empty cache after Stop, got %d", cache.Len())
	}
	if _, err := cache.Unwrap(ctx, []byte("a"), nil); err != ErrProviderUnavailable {
		t.Errorf("expected ErrProviderUnavailable after Stop, got %v", err)
	}
}

func TestCachedKeysRoundTrip(t *testing.T) {
	a, err := NewLocalAdapter("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	if err != nil {
		t.Fatal(err)
	}
	cache := NewKeyCache(a, 4, time.Minute)
	defer cache.Stop()
	keys := NewCachedKeys(a, cache)
	ec := EncryptionContext{"purpose": "test"}

	wrapped, err := keys.Wrap(context.Background(), []byte("secret"), ec)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		plain, err := keys.Unwrap(context.Background(), wrapped, ec)
		if err != nil {
			t.Fatal(err)
		}
		if string(plain) != "secret" {
			t.Fatalf("got %q", plain)
		}
	}
	if cache.Len() != 1 {
		t.Fatalf("expected one cached key, got %d", cache.Len())
	}
}
