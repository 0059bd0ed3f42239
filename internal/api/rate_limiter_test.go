package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestLimiter(t *testing.T, perMinute float64, burst int) (*RateLimiter, *time.Time) {
	t.Helper()
	rl := NewRateLimiter(perMinute, burst)
	t.Cleanup(rl.Stop)

	clock := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return clock }
	return rl, &clock
}

func TestRateLimiter_Burst(t *testing.T) {
	rl, _ := newTestLimiter(t, 10, 3)

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))

	// Buckets are per key.
	assert.True(t, rl.Allow("b"))
}

func TestRateLimiter_Refill(t *testing.T) {
	rl, clock := newTestLimiter(t, 10, 1)

	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))

	*clock = clock.Add(3 * time.Second)
	assert.False(t, rl.Allow("a"), "10/min refills one token every 6s")

	*clock = clock.Add(3 * time.Second)
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))

	// Idle time never refills beyond the burst.
	*clock = clock.Add(time.Hour)
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
}

func TestRateLimiter_Prune(t *testing.T) {
	rl, clock := newTestLimiter(t, 10, 1)
	rl.Allow("old")
	*clock = clock.Add(20 * time.Minute)
	rl.Allow("fresh")

	rl.prune(10 * time.Minute)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.buckets, "old")
	assert.Contains(t, rl.buckets, "fresh")
}

func TestRateLimiter_MiddlewareFallsBackToIP(t *testing.T) {
	rl, _ := newTestLimiter(t, 10, 1)
	handler := rl.MiddlewareBySession(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/insight", nil)
		req.RemoteAddr = ip + ":5000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, do("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1"))
	assert.Equal(t, http.StatusNoContent, do("10.0.0.2"))
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", extractIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.7")
	assert.Equal(t, "198.51.100.7", extractIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	assert.Equal(t, "203.0.113.9", extractIP(req))
}
