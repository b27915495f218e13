package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oslerlabs/medrouter/internal/logging"
)

func TestAllowConsumesBurst(t *testing.T) {
	l := New(1, 3, time.Minute)
	defer l.Stop()

	for i := 0; i < 3; i++ {
		if !l.Allow("u1") {
			t.Fatalf("request %d should pass within burst", i)
		}
	}
	if l.Allow("u1") {
		t.Error("fourth request should be rejected")
	}
}

func TestAllowIsolatesKeys(t *testing.T) {
	l := New(1, 1, time.Minute)
	defer l.Stop()

	if !l.Allow("u1") {
		t.Fatal("u1 first request should pass")
	}
	if l.Allow("u1") {
		t.Error("u1 second request should be rejected")
	}
	if !l.Allow("u2") {
		t.Error("u2 should have its own bucket")
	}
}

func TestAllowRefills(t *testing.T) {
	l := New(1, 1, 10*time.Millisecond)
	defer l.Stop()

	if !l.Allow("u1") {
		t.Fatal("first should pass")
	}
	if l.Allow("u1") {
		t.Fatal("bucket should be empty")
	}
	time.Sleep(25 * time.Millisecond)
	if !l.Allow("u1") {
		t.Error("expected refill after interval")
	}
}

func TestMiddlewareKeysByUser(t *testing.T) {
	l := New(1, 1, time.Minute)
	defer l.Stop()

	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(userID, ip string) int {
		req := httptest.NewRequest("GET", "/api/chat", nil)
		if userID != "" {
			req = req.WithContext(logging.WithUserID(req.Context(), userID))
		}
		req.Header.Set("X-Real-IP", ip)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	// Same IP, different users: independent buckets.
	if do("alice", "1.2.3.4") != http.StatusOK {
		t.Error("alice first request should pass")
	}
	if do("bob", "1.2.3.4") != http.StatusOK {
		t.Error("bob should not share alice's bucket")
	}
	if do("alice", "1.2.3.4") != http.StatusTooManyRequests {
		t.Error("alice second request should be limited")
	}

	// Anonymous requests fall back to IP keying.
	if do("", "9.9.9.9") != http.StatusOK {
		t.Error("anonymous first request should pass")
	}
	if do("", "9.9.9.9") != http.StatusTooManyRequests {
		t.Error("anonymous second request from same IP should be limited")
	}
}

func TestEvictionAtCapacity(t *testing.T) {
	l := New(1, 1, time.Minute)
	defer l.Stop()
	l.maxKeys = 2

	l.Allow("a")
	l.Allow("b")
	l.Allow("c") // evicts the oldest

	l.mu.Lock()
	n := len(l.buckets)
	l.mu.Unlock()
	if n != 2 {
		t.Errorf("buckets = %d, want 2", n)
	}
}
