package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"cryptex/metrics"
	"cryptex/pkg/domain"

	lru "github.com/hashicorp/golang-lru/v2"
)

// APIKeys caches verified API keys by digest so every gated request does
// not hit SQLite.
type APIKeys struct {
	c   *lru.Cache[string, item]
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time
}

type item struct {
	key *domain.APIKey
	exp time.Time
}

func NewAPIKeys(size int, ttl time.Duration) (*APIKeys, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, item](size)
	if err != nil {
		return nil, err
	}
	return &APIKeys{c: c, ttl: ttl, now: time.Now}, nil
}

func (l *APIKeys) Get(ctx context.Context, digest string) *domain.APIKey {
	if ctx.Err() != nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.c.Get(digest)
	if !ok {
		metrics.CacheMisses.WithLabelValues("api_key").Inc()
		return nil
	}
	if l.now().After(it.exp) {
		l.c.Remove(digest)
		metrics.CacheMisses.WithLabelValues("api_key").Inc()
		return nil
	}
	metrics.CacheHits.WithLabelValues("api_key").Inc()
	return it.key
}

func (l *APIKeys) Set(k *domain.APIKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Add(k.Digest, item{key: k, exp: l.now().Add(l.ttl)})
}

func (l *APIKeys) Delete(digest string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Remove(digest)
}

func (l *APIKeys) Purge() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Purge()
}
