package auth

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

var testPepper = []byte("test-pepper-must-be-at-least-32bytes-long-for-security")

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := NewHasher(1, 8*1024, 1, testPepper)
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}
	h.SetMinVerifyDuration(0)
	if err := h.Start(2); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(h.Stop)
	return h
}

func TestHasherRoundTrip(t *testing.T) {
	h := newTestHasher(t)
	ctx := context.Background()
	enc, err := h.Hash(ctx, "correct horse")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if !strings.HasPrefix(enc, "$argon2id$v=19$m=8192,t=1,p=1$") {
		t.Errorf("unexpected encoding %s", enc)
	}
	ok, err := h.Verify(ctx, "correct horse", enc)
	if err != nil || !ok {
		t.Fatalf("Verify(correct) = %v, %v", ok, err)
	}
	ok, _ = h.Verify(ctx, "wrong horse", enc)
	if ok {
		t.Error("Verify accepted wrong password")
	}
}

func TestHasherRejectsMalformed(t *testing.T) {
	h := newTestHasher(t)
	for _, enc := range []string{"", "plain", "$argon2id$v=19$m=x$a$b", "$bcrypt$v=19$m=8192,t=1,p=1$c2FsdA$aGFzaA"} {
		ok, err := h.Verify(context.Background(), "pw", enc)
		if err != nil || ok {
			t.Errorf("Verify(%q) = %v, %v", enc, ok, err)
		}
	}
	ok, _ := h.Verify(context.Background(), strings.Repeat("a", MaxPasswordLength+1), "x")
	if ok {
		t.Error("oversized password accepted")
	}
	if _, err := h.Hash(context.Background(), strings.Repeat("a", MaxPasswordLength+1)); err != ErrPasswordTooLong {
		t.Errorf("expected ErrPasswordTooLong, got %v", err)
	}
}

func TestHasherLifecycle(t *testing.T) {
	h, _ := NewHasher(1, 8*1024, 1, testPepper)
	if _, err := h.Hash(context.Background(), "pw"); err != ErrHasherNotStarted {
		t.Errorf("expected ErrHasherNotStarted, got %v", err)
	}
	h.Start(1)
	if err := h.Start(1); err == nil {
		t.Error("second Start should fail")
	}
	h.Stop()
	h.Stop()
	if _, err := h.Hash(context.Background(), "pw"); err == nil {
		t.Error("Hash after Stop should fail")
	}
}

func TestHasherConcurrent(t *testing.T) {
	h := newTestHasher(t)
	enc, _ := h.Hash(context.Background(), "pw")
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := h.Verify(context.Background(), "pw", enc)
			if err != nil || !ok {
				t.Errorf("concurrent verify failed: %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestNewHasherValidation(t *testing.T) {
	tests := []struct {
		name   string
		iter   uint32
		mem    uint32
		par    uint8
		pepper []byte
	}{
		{"short pepper", 1, 8192, 1, []byte("short")},
		{"zero iterations", 0, 8192, 1, testPepper},
		{"tiny memory", 1, 10, 1, testPepper},
		{"zero parallelism", 1, 8192, 0, testPepper},
	}
	for _, tt := range tests {
		if _, err := NewHasher(tt.iter, tt.mem, tt.par, tt.pepper); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestVerifier(t *testing.T) {
	v, err := NewVerifier(testPepper)
	if err != nil {
		t.Fatal(err)
	}
	salt, digest, err := v.New("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if !v.Check("hunter2", salt, digest) {
		t.Error("correct password rejected")
	}
	if v.Check("hunter3", salt, digest) {
		t.Error("wrong password accepted")
	}
	salt2, digest2, _ := v.New("hunter2")
	if string(salt) == string(salt2) || string(digest) == string(digest2) {
		t.Error("verifier salts must differ per call")
	}

	other, _ := NewVerifier([]byte("another-pepper-that-is-32-bytes-or-more!!"))
	if other.Check("hunter2", salt, digest) {
		t.Error("verifier accepted under a different pepper")
	}
	if _, err := NewVerifier([]byte("short")); err == nil {
		t.Error("short pepper accepted")
	}
}

func TestAPIKeyDigest(t *testing.T) {
	v, _ := NewVerifier(testPepper)
	raw, digest, err := v.NewAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	if !LooksLikeAPIKey(raw) {
		t.Errorf("generated key has wrong shape: %s", raw)
	}
	if v.APIKeyDigest(raw) != digest {
		t.Error("digest not stable")
	}
	if strings.Contains(digest, raw) {
		t.Error("digest leaks raw key")
	}
	if LooksLikeAPIKey("nope") {
		t.Error("LooksLikeAPIKey accepted garbage")
	}
}

func TestSessions(t *testing.T) {
	s, err := NewSessions([]byte("session-secret-that-is-at-least-32-bytes"), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	tok, exp, err := s.Issue()
	if err != nil {
		t.Fatal(err)
	}
	if time.Until(exp) > time.Minute+time.Second {
		t.Errorf("unexpected expiry %v", exp)
	}
	claims, err := s.Validate(tok)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if claims.Subject != "admin" {
		t.Errorf("subject = %s", claims.Subject)
	}

	if _, err := s.Validate(tok + "x"); err != ErrInvalidSession {
		t.Errorf("tampered token accepted: %v", err)
	}

	other, _ := NewSessions([]byte("different-secret-that-is-32-bytes-long!!"), time.Minute)
	if _, err := other.Validate(tok); err != ErrInvalidSession {
		t.Error("token accepted under a different secret")
	}

	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := s.Validate(tok); err != ErrInvalidSession {
		t.Error("expired token accepted")
	}
}
