package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
)

const MaxPasswordLength = 1024

var (
	ErrHasherStopped    = errors.New("hasher is shutting down")
	ErrHasherNotStarted = errors.New("hasher not started - call Start() first")
	ErrPasswordTooLong  = errors.New("password too long")
)

// Hasher produces and checks PHC-style argon2id strings on a bounded
// worker pool. It backs the administrator credential.
type Hasher struct {
	iterations  uint32
	memory      uint32
	parallelism uint8
	keyLength   uint32
	minVerify   time.Duration

	mu     sync.RWMutex
	pepper []byte

	jobs     chan func()
	quit     chan struct{}
	wg       sync.WaitGroup
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
}

func NewHasher(iterations, memory uint32, parallelism uint8, pepper []byte) (*Hasher, error) {
	if len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	if iterations == 0 || iterations > 100 {
		return nil, errors.New("iterations must be between 1 and 100")
	}
	if memory < 1024 || memory > 2*1024*1024 {
		return nil, errors.New("memory must be between 1024 and 2097152 KiB")
	}
	if parallelism == 0 || parallelism > 128 {
		return nil, errors.New("parallelism must be between 1 and 128")
	}
	return &Hasher{
		iterations:  iterations,
		memory:      memory,
		parallelism: parallelism,
		keyLength:   32,
		minVerify:   350 * time.Millisecond,
		pepper:      append([]byte(nil), pepper...),
		jobs:        make(chan func(), 1024),
		quit:        make(chan struct{}),
	}, nil
}

// SetMinVerifyDuration pads Verify to at least d.
func (h *Hasher) SetMinVerifyDuration(d time.Duration) { h.minVerify = d }

func (h *Hasher) Start(workers int) error {
	h.startMu.Lock()
	defer h.startMu.Unlock()
	if h.started {
		return errors.New("hasher already started")
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go h.worker()
	}
	h.started = true
	return nil
}

func (h *Hasher) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
		h.wg.Wait()
		h.mu.Lock()
		wipe(h.pepper)
		h.pepper = nil
		h.mu.Unlock()
	})
}

func (h *Hasher) worker() {
	defer h.wg.Done()
	for {
		select {
		case job := <-h.jobs:
			job()
		case <-h.quit:
			return
		}
	}
}

func (h *Hasher) submit(ctx context.Context, job func()) error {
	h.startMu.Lock()
	started := h.started
	h.startMu.Unlock()
	if !started {
		return ErrHasherNotStarted
	}
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		job()
	}
	select {
	case h.jobs <- wrapped:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "hash queue full")
	case <-h.quit:
		return ErrHasherStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "hash timeout")
	case <-h.quit:
		return ErrHasherStopped
	}
}

func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	if len(password) > MaxPasswordLength {
		return "", ErrPasswordTooLong
	}
	var (
		out string
		err error
	)
	if serr := h.submit(ctx, func() { out, err = h.doHash(password) }); serr != nil {
		return "", serr
	}
	return out, err
}

func (h *Hasher) doHash(password string) (string, error) {
	peppered := h.applyPepper(password)
	if peppered == nil {
		return "", ErrHasherStopped
	}
	defer wipe(peppered)
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey(peppered, salt, h.iterations, h.memory, h.parallelism, h.keyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.iterations, h.parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// Verify reports whether pwd matches encoded. Malformed hashes and
// oversized passwords still spend one derivation so timing stays flat.
func (h *Hasher) Verify(ctx context.Context, pwd, encoded string) (bool, error) {
	start := time.Now()
	defer func() {
		if elapsed := time.Since(start); elapsed < h.minVerify {
			time.Sleep(h.minVerify - elapsed)
		}
	}()
	if len(pwd) > MaxPasswordLength {
		pwd, encoded = strings.Repeat("x", MaxPasswordLength), ""
	}
	var ok bool
	if err := h.submit(ctx, func() { ok = h.verifyInternal(pwd, encoded) }); err != nil {
		return false, err
	}
	return ok, nil
}

func (h *Hasher) verifyInternal(pwd, encoded string) bool {
	mem, iters, threads := h.memory, h.iterations, h.parallelism
	salt, hash := make([]byte, 16), make([]byte, 32)
	valid := false

	parts := strings.Split(encoded, "$")
	if len(parts) == 6 && parts[0] == "" && parts[1] == "argon2id" {
		var m, t uint32
		var p uint8
		if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &m, &t, &p); err == nil &&
			m >= 8 && m <= 2*1024*1024 && t >= 1 && t <= 1000 && p >= 1 && p <= 128 {
			s, serr := base64.RawStdEncoding.DecodeString(parts[4])
			k, kerr := base64.RawStdEncoding.DecodeString(parts[5])
			if serr == nil && kerr == nil && len(s) > 0 && len(k) > 0 && len(k) <= 256 {
				mem, iters, threads = m, t, p
				salt, hash = s, k
				valid = true
			}
		}
	}
	defer wipe(hash)
	defer wipe(salt)

	peppered := h.applyPepper(pwd)
	if peppered == nil {
		return false
	}
	defer wipe(peppered)
	other := argon2.IDKey(peppered, salt, iters, mem, threads, uint32(len(hash)))
	defer wipe(other)
	return subtle.ConstantTimeCompare(hash, other) == 1 && valid
}

func (h *Hasher) applyPepper(password string) []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.pepper) == 0 {
		return nil
	}
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(password))
	return mac.Sum(nil)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
