package lim

import (
	"context"
	"fmt"
	"hash/fnv"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cryptex/metrics"
	"cryptex/svc/util"

	"golang.org/x/time/rate"
)

const (
	shardCount      = 32
	maxLimiters     = 10000
	cleanupInterval = 5 * time.Minute
	remoteTimeout   = 100 * time.Millisecond
	adaptiveFor     = 60 * time.Second
)

// Counter is a shared fixed-window counter; *db.Redis implements it.
type Counter interface {
	FixedWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

type Config struct {
	// Limit is the number of requests per window for one (endpoint, address).
	Limit          int
	Window         time.Duration
	GlobalRPS      float64
	GlobalBurst    int
	TrustedProxies []string
}

type Limiter struct {
	limit          int
	window         time.Duration
	shards         [shardCount]*shard
	remote         Counter
	hasher         *util.AddrHasher
	trustedProxies []string

	global     *rate.Limiter
	globalRate rate.Limit

	detector          *AnomalyDetector
	adaptiveModeUntil int64
	now               func() time.Time
	quit              chan struct{}
	stopOnce          sync.Once
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// bucket is one fixed window. Rollover and increment happen under mu.
type bucket struct {
	mu         sync.Mutex
	start      time.Time
	count      int
	lastAccess time.Time
}

type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// New builds a limiter. remote and hasher may be nil.
func New(c Config, remote Counter, hasher *util.AddrHasher) (*Limiter, error) {
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return nil, fmt.Errorf("invalid CIDR in trusted proxies: %s: %w", proxy, err)
			}
		} else if net.ParseIP(proxy) == nil {
			return nil, fmt.Errorf("invalid IP in trusted proxies: %s", proxy)
		}
	}
	if c.Limit < 1 {
		return nil, fmt.Errorf("rate limit must be >= 1")
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	l := &Limiter{
		limit:          c.Limit,
		window:         c.Window,
		remote:         remote,
		hasher:         hasher,
		trustedProxies: c.TrustedProxies,
		now:            time.Now,
		quit:           make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	if c.GlobalRPS > 0 {
		burst := c.GlobalBurst
		if burst < 1 {
			burst = int(c.GlobalRPS)
		}
		l.globalRate = rate.Limit(c.GlobalRPS)
		l.global = rate.NewLimiter(l.globalRate, burst)
	}
	l.detector = NewAnomalyDetector(l.TriggerAdaptiveMode)
	l.detector.Start()
	go l.cleanupLoop()
	return l, nil
}

func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.quit)
		l.detector.Stop()
	})
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.quit:
			return
		}
	}
}

func (l *Limiter) evictIdle() {
	cutoff := l.now().Add(-2 * l.window)
	evicted := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for k, b := range s.buckets {
			b.mu.Lock()
			idle := b.lastAccess.Before(cutoff)
			b.mu.Unlock()
			if idle {
				delete(s.buckets, k)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Msg("rate limiter cleanup")
	}
}

func (l *Limiter) TriggerAdaptiveMode() {
	atomic.StoreInt64(&l.adaptiveModeUntil, l.now().Add(adaptiveFor).UnixNano())
}

func (l *Limiter) isAdaptiveMode(now time.Time) bool {
	return now.UnixNano() < atomic.LoadInt64(&l.adaptiveModeUntil)
}

func (l *Limiter) RecordRequest() { l.detector.RecordRequest() }
func (l *Limiter) RecordError()   { l.detector.RecordError() }

// CheckLimit resolves the client address of r and applies Allow.
func (l *Limiter) CheckLimit(r *http.Request, endpoint string) *RateLimitResult {
	return l.Allow(r.Context(), endpoint, GetRealIP(r, l.trustedProxies))
}

// Allow counts one request from addr against endpoint's window.
func (l *Limiter) Allow(ctx context.Context, endpoint, addr string) *RateLimitResult {
	now := l.now()
	if !l.globalAllow(now) {
		metrics.RateLimitHits.WithLabelValues("global").Inc()
		return &RateLimitResult{Allowed: false, Limit: l.limit, Reset: now.Add(time.Second)}
	}
	key := endpoint + ":" + l.addrKey(addr)
	res := l.allowRemote(ctx, key, now)
	if res == nil {
		res = l.allowLocal(key, now)
	}
	if !res.Allowed {
		metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
	}
	return res
}

func (l *Limiter) globalAllow(now time.Time) bool {
	if l.global == nil {
		return true
	}
	want := l.globalRate
	if l.isAdaptiveMode(now) {
		want = l.globalRate / 2
	}
	if l.global.Limit() != want {
		l.global.SetLimitAt(now, want)
	}
	return l.global.AllowN(now, 1)
}

func (l *Limiter) addrKey(addr string) string {
	if l.hasher == nil {
		return addr
	}
	h, err := l.hasher.Hash(addr)
	if err != nil {
		return addr
	}
	return h
}

func (l *Limiter) allowRemote(ctx context.Context, key string, now time.Time) *RateLimitResult {
	if l.remote == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()
	idx := now.UnixNano() / int64(l.window)
	count, ttl, err := l.remote.FixedWindow(ctx, fmt.Sprintf("rl:%s:%d", key, idx), l.window)
	if err != nil {
		util.Warn().Err(err).Msg("redis rate limit unavailable, using local fallback")
		return nil
	}
	return l.result(int(count), now.Add(ttl))
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return l.shards[h.Sum32()%shardCount]
}

func (l *Limiter) allowLocal(key string, now time.Time) *RateLimitResult {
	s := l.shardFor(key)
	s.mu.Lock()
	b, ok := s.buckets[key]
	if !ok {
		if len(s.buckets) >= maxLimiters/shardCount {
			s.mu.Unlock()
			util.Warn().Int("buckets", maxLimiters/shardCount).Msg("rate limiter shard at capacity, rejecting request")
			return &RateLimitResult{Allowed: false, Limit: l.limit, Reset: now.Add(l.window)}
		}
		b = &bucket{}
		s.buckets[key] = b
	}
	s.mu.Unlock()

	b.mu.Lock()
	start := now.Truncate(l.window)
	if !b.start.Equal(start) {
		b.start = start
		b.count = 0
	}
	b.count++
	b.lastAccess = now
	count := b.count
	b.mu.Unlock()
	return l.result(count, start.Add(l.window))
}

func (l *Limiter) result(count int, reset time.Time) *RateLimitResult {
	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return &RateLimitResult{
		Allowed:   count <= l.limit,
		Limit:     l.limit,
		Remaining: remaining,
		Reset:     reset,
	}
}
