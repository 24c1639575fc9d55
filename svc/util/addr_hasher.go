package util

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrHasherStopped   = errors.New("address hasher stopped")
	ErrInvalidInterval = errors.New("rotation interval must be >= 15 minutes")
)

// AddrHasher turns client addresses into rotating HMAC keys so raw IPs
// never leave the process (rate limit keys in Redis, log fields).
type AddrHasher struct {
	interval time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	pepper  []byte
	key     []byte
	epoch   int64
	stopped bool
}

func NewAddrHasher(pepper []byte, interval time.Duration) (*AddrHasher, error) {
	if interval < 15*time.Minute {
		return nil, ErrInvalidInterval
	}
	if len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	h := &AddrHasher{
		interval: interval,
		now:      time.Now,
		pepper:   append([]byte(nil), pepper...),
		epoch:    -1,
	}
	return h, nil
}

func (h *AddrHasher) epochAt(t time.Time) int64 {
	return t.Unix() / int64(h.interval.Seconds())
}

func (h *AddrHasher) deriveKey(epoch int64) []byte {
	mac := hmac.New(sha256.New, h.pepper)
	fmt.Fprintf(mac, "addr-hasher-v1:%d", epoch)
	return mac.Sum(nil)
}

// Hash returns "<epoch>:<hex>" for addr. The key rolls over lazily when
// the rotation epoch changes.
func (h *AddrHasher) Hash(addr string) (string, error) {
	epoch := h.epochAt(h.now())

	h.mu.RLock()
	if h.stopped {
		h.mu.RUnlock()
		return "", ErrHasherStopped
	}
	if h.epoch != epoch {
		h.mu.RUnlock()
		h.mu.Lock()
		if h.stopped {
			h.mu.Unlock()
			return "", ErrHasherStopped
		}
		if h.epoch != epoch {
			if h.key != nil {
				Wipe(h.key)
			}
			h.key = h.deriveKey(epoch)
			h.epoch = epoch
		}
		h.mu.Unlock()
		h.mu.RLock()
	}
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(addr))
	sum := mac.Sum(nil)
	cur := h.epoch
	h.mu.RUnlock()
	return fmt.Sprintf("%d:%s", cur, hex.EncodeToString(sum[:16])), nil
}

func (h *AddrHasher) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	if h.key != nil {
		Wipe(h.key)
		h.key = nil
	}
	Wipe(h.pepper)
	h.pepper = nil
}
