package util

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNewIDFormat(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id, err := NewID()
		if err != nil {
			t.Fatalf("NewID failed: %v", err)
		}
		if !ValidID(id) {
			t.Fatalf("id %q does not match pattern", id)
		}
		seen[id] = true
	}
	if len(seen) < 190 {
		t.Errorf("too many duplicate ids: %d unique of 200", len(seen))
	}
}

func TestGenIDRetriesOnCollision(t *testing.T) {
	calls := 0
	id, err := GenID(10, func(string) (bool, error) {
		calls++
		return calls < 3, nil
	})
	if err != nil {
		t.Fatalf("GenID failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 lookups, got %d", calls)
	}
	if !ValidID(id) {
		t.Errorf("invalid id %q", id)
	}

	_, err = GenID(4, func(string) (bool, error) { return true, nil })
	if err != ErrIDExhausted {
		t.Errorf("expected ErrIDExhausted, got %v", err)
	}
}

func TestValidIDRejects(t *testing.T) {
	for _, id := range []string{"", "abc-defg-hi", "ABC-DEFG-HIJ", "abc-defg-hij-", "abcdefghij", "ab1-defg-hij"} {
		if ValidID(id) {
			t.Errorf("ValidID(%q) = true", id)
		}
	}
}

func TestKeyedMutexExclusive(t *testing.T) {
	km := NewKeyedMutex()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("same")
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Errorf("lost updates: counter=%d", counter)
	}
	if km.Len() != 0 {
		t.Errorf("expected lock table to drain, has %d", km.Len())
	}
}

func TestKeyedMutexReadersShare(t *testing.T) {
	km := NewKeyedMutex()
	r1 := km.RLock("k")
	done := make(chan struct{})
	go func() {
		r2 := km.RLock("k")
		r2()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second reader blocked")
	}

	acquired := make(chan struct{})
	go func() {
		w := km.Lock("k")
		close(acquired)
		w()
	}()
	select {
	case <-acquired:
		t.Fatal("writer acquired while reader held")
	case <-time.After(50 * time.Millisecond):
	}
	r1()
	<-acquired
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		err  bool
	}{
		{"100mb", 100 << 20, false},
		{"1gb", 1 << 30, false},
		{"512kb", 512 << 10, false},
		{"42", 42, false},
		{"10b", 10, false},
		{"1.5kb", 1536, false},
		{"", 0, true},
		{"lots", 0, true},
		{"-1mb", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if (err != nil) != tt.err {
			t.Errorf("ParseSize(%q) err=%v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
	if FormatSize(100<<20) != "100mb" {
		t.Errorf("FormatSize(100mb) = %s", FormatSize(100<<20))
	}
}

func TestParseRetention(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		err  bool
	}{
		{"3600", time.Hour, false},
		{"10m", 10 * time.Minute, false},
		{"2h", 2 * time.Hour, false},
		{"1d", 24 * time.Hour, false},
		{"90s", 90 * time.Second, false},
		{"d", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseRetention(tt.in)
		if (err != nil) != tt.err {
			t.Errorf("ParseRetention(%q) err=%v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRetention(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if FormatRetention(24*time.Hour) != "1d" {
		t.Errorf("FormatRetention(1d) = %s", FormatRetention(24*time.Hour))
	}
}

func TestTokenHelpers(t *testing.T) {
	a, err := NewToken(48)
	if err != nil {
		t.Fatalf("NewToken failed: %v", err)
	}
	b, _ := NewToken(48)
	if a == b {
		t.Error("tokens collided")
	}
	if strings.ContainsAny(a, "+/=") {
		t.Errorf("token not url safe: %s", a)
	}
	if HashToken(a) != HashToken(a) || HashToken(a) == HashToken(b) {
		t.Error("HashToken not a stable digest")
	}
	if !EqualString(a, a) || EqualString(a, b) {
		t.Error("EqualString mismatch")
	}
}

var testPepper = []byte("test-pepper-must-be-at-least-32bytes-long-for-security")

func TestAddrHasherDeterministic(t *testing.T) {
	h, err := NewAddrHasher(testPepper, time.Hour)
	if err != nil {
		t.Fatalf("NewAddrHasher failed: %v", err)
	}
	defer h.Stop()

	h1, _ := h.Hash("192.168.1.100")
	h2, _ := h.Hash("192.168.1.100")
	h3, _ := h.Hash("10.0.0.50")
	if h1 != h2 {
		t.Errorf("hash not deterministic: %s != %s", h1, h2)
	}
	if h1 == h3 {
		t.Errorf("different addresses share a hash")
	}
	if strings.Contains(h1, "192.168") {
		t.Errorf("raw address leaked: %s", h1)
	}
}

func TestAddrHasherRotates(t *testing.T) {
	h, _ := NewAddrHasher(testPepper, time.Hour)
	defer h.Stop()
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return base }
	h1, _ := h.Hash("192.168.1.100")
	h.now = func() time.Time { return base.Add(2 * time.Hour) }
	h2, _ := h.Hash("192.168.1.100")
	if h1 == h2 {
		t.Error("hash did not change across epochs")
	}
}

func TestAddrHasherConcurrency(t *testing.T) {
	h, _ := NewAddrHasher(testPepper, time.Hour)
	defer h.Stop()
	want, _ := h.Hash("192.168.1.100")
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := h.Hash("192.168.1.100")
			if err != nil || got != want {
				t.Errorf("concurrent hash mismatch: %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestAddrHasherStopAndConfig(t *testing.T) {
	h, _ := NewAddrHasher(testPepper, time.Hour)
	h.Stop()
	if _, err := h.Hash("1.2.3.4"); err != ErrHasherStopped {
		t.Errorf("expected ErrHasherStopped, got %v", err)
	}
	if _, err := NewAddrHasher([]byte("short"), time.Hour); err == nil {
		t.Error("expected error for short pepper")
	}
	if _, err := NewAddrHasher(testPepper, 5*time.Minute); err != ErrInvalidInterval {
		t.Errorf("expected ErrInvalidInterval, got %v", err)
	}
}

func TestRedaction(t *testing.T) {
	cases := []struct{ got, want string }{
		{RedactIP("203.0.113.77:4242"), "203.0.113.0"},
		{RedactIP("2001:db8:aaaa:bbbb::1"), "2001:db8::"},
		{RedactID("abc-defg-hij"), "abc-****-***"},
		{RedactID("nodashes"), "[redacted]"},
		{RedactToken("short"), "[redacted]"},
		{RedactToken("abcdefghijklmnopqrstuvwxyz"), "abcd...wxyz"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("got %q, want %q", c.got, c.want)
		}
	}
	if !strings.HasPrefix(RedactIP("not-an-ip"), "hash:") {
		t.Error("unparseable address should be hashed")
	}
}

func TestRequestID(t *testing.T) {
	ctx := context.Background()
	if GetRequestID(ctx) != "" {
		t.Fatal("expected no request id")
	}
	ctx = SetRequestID(ctx, "abc")
	if GetRequestID(ctx) != "abc" {
		t.Fatal("request id not stored")
	}
	const inbound = "0190a5c4-8f2e-7b3a-9c1d-2e3f4a5b6c7d"
	if RequestIDFrom(inbound) != inbound {
		t.Error("well-formed inbound id should be kept")
	}
	if got := RequestIDFrom("<script>"); got == "<script>" || got == "" {
		t.Errorf("malformed inbound id should be replaced, got %q", got)
	}
}
