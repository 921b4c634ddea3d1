package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time          { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(rate float64, burst int) (*Limiter, *manualClock) {
	clock := &manualClock{t: time.Unix(1_700_000_000, 0)}
	l := NewLimiter(rate, burst)
	l.now = clock.now
	return l, clock
}

func TestBurstThenDeny(t *testing.T) {
	l, _ := newTestLimiter(1, 3)
	for i := range 3 {
		if !l.allow("10.0.0.1") {
			t.Fatalf("request %d within burst denied", i+1)
		}
	}
	if l.allow("10.0.0.1") {
		t.Fatal("request past burst allowed")
	}
	if !l.allow("10.0.0.2") {
		t.Fatal("other client shares the bucket")
	}
}

func TestTokensReplenish(t *testing.T) {
	l, clock := newTestLimiter(10, 1)
	l.allow("a")
	if l.allow("a") {
		t.Fatal("expected deny")
	}
	clock.advance(150 * time.Millisecond)
	if !l.allow("a") {
		t.Fatal("expected allow after refill")
	}
}

func TestEvictIdle(t *testing.T) {
	l, clock := newTestLimiter(1, 1)
	l.allow("a")
	clock.advance(idleTTL + time.Second)
	l.evict()
	if len(l.visitors) != 0 {
		t.Fatalf("visitors = %d", len(l.visitors))
	}
}

func TestMiddleware(t *testing.T) {
	l, _ := newTestLimiter(1, 1)
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/api/verifyroom/x", nil)
		r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	if w := do(); w.Code != http.StatusNoContent {
		t.Fatalf("first status = %d", w.Code)
	}
	w := do()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:5555"
	if ip := clientIP(r); ip != "192.0.2.1" {
		t.Fatalf("ip = %s", ip)
	}
}
