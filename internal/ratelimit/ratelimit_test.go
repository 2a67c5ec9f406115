package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/smartescrow/internal/api"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newLimiter(rpm, burst int) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst, IdleTTL: time.Minute}).WithClock(clock.now)
	return l, clock
}

func TestLimiterAllow(t *testing.T) {
	limiter, clock := newLimiter(60, 5)

	for i := 0; i < 5; i++ {
		if ok, _ := limiter.Allow("k"); !ok {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}

	ok, wait := limiter.Allow("k")
	if ok {
		t.Fatal("Request after burst should be denied")
	}
	if wait <= 0 || wait > time.Second {
		t.Errorf("Expected wait in (0, 1s], got %v", wait)
	}

	// 60/min refills one token per second
	clock.advance(time.Second)
	if ok, _ := limiter.Allow("k"); !ok {
		t.Error("Request after refill should be allowed")
	}
}

func TestLimiterCapsAtBurst(t *testing.T) {
	limiter, clock := newLimiter(60, 3)
	limiter.Allow("k")
	clock.advance(time.Hour)

	allowed := 0
	for i := 0; i < 10; i++ {
		if ok, _ := limiter.Allow("k"); ok {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("Expected 3 allowed after a long idle, got %d", allowed)
	}
}

func TestLimiterMultipleKeys(t *testing.T) {
	limiter, _ := newLimiter(60, 2)
	limiter.Allow("a")
	limiter.Allow("a")
	if ok, _ := limiter.Allow("a"); ok {
		t.Error("Key a should be limited")
	}
	if ok, _ := limiter.Allow("b"); !ok {
		t.Error("Key b should have its own bucket")
	}
}

func TestLimiterEvict(t *testing.T) {
	limiter, clock := newLimiter(60, 2)
	limiter.Allow("old")
	clock.advance(2 * time.Minute)
	limiter.Allow("new")

	limiter.evict()
	if n := limiter.Len(); n != 1 {
		t.Errorf("Expected 1 bucket after eviction, got %d", n)
	}
}

func TestMiddleware_KeysByActor(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter, _ := newLimiter(60, 1)

	r := gin.New()
	r.Use(api.Identity(), limiter.Middleware())
	r.GET("/v1/escrows", func(c *gin.Context) { c.Status(http.StatusOK) })

	call := func(actor string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/v1/escrows", nil)
		req.RemoteAddr = "198.51.100.7:4000"
		if actor != "" {
			req.Header.Set(api.HeaderActorID, actor)
			req.Header.Set(api.HeaderActorRole, "client")
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	if w := call("client-1"); w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	w := call("client-1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}

	// Same IP, different actor: separate bucket
	if w := call("client-2"); w.Code != http.StatusOK {
		t.Errorf("Expected 200 for another actor, got %d", w.Code)
	}
	// Anonymous falls back to the IP bucket
	if w := call(""); w.Code != http.StatusOK {
		t.Errorf("Expected 200 for first anonymous request, got %d", w.Code)
	}
	if w := call(""); w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 for second anonymous request, got %d", w.Code)
	}
}
