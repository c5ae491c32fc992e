package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type stepClock struct{ t time.Time }

func (c *stepClock) Now() time.Time          { return c.t }
func (c *stepClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *stepClock {
	return &stepClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func newLimiter(cfg Config, clock *stepClock) *Limiter {
	l := New(cfg)
	l.now = clock.Now
	return l
}

func TestLimiterAllow(t *testing.T) {
	clock := newClock()
	limiter := newLimiter(Config{RequestsPerMinute: 60, BurstSize: 5}, clock)
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow("10.0.0.1"), "request %d within burst", i)
	}
	assert.False(t, limiter.Allow("10.0.0.1"), "request after burst should be denied")

	clock.Advance(time.Second)
	assert.True(t, limiter.Allow("10.0.0.1"), "one token refills per second at 60/min")
}

func TestLimiterMultipleClients(t *testing.T) {
	clock := newClock()
	limiter := newLimiter(Config{RequestsPerMinute: 60, BurstSize: 3}, clock)
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}
	assert.False(t, limiter.Allow("client-a"))
	assert.True(t, limiter.Allow("client-b"))
}

func TestLimiterStopIdempotent(t *testing.T) {
	limiter := New(DefaultConfig())
	limiter.Stop()
	assert.NotPanics(t, limiter.Stop)
}

func TestMiddleware_ThrottlesByKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := newLimiter(Config{
		RequestsPerMinute: 1,
		BurstSize:         1,
		KeyFunc:           func(c *gin.Context) string { return c.GetHeader("X-User") },
	}, newClock())
	defer limiter.Stop()

	r := gin.New()
	r.Use(limiter.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(user string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("X-User", user)
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("usr_1"))
	assert.Equal(t, http.StatusTooManyRequests, do("usr_1"))
	assert.Equal(t, http.StatusOK, do("usr_2"))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 120, cfg.RequestsPerMinute)
	assert.Equal(t, 20, cfg.BurstSize)
	assert.Equal(t, time.Minute, cfg.CleanupInterval)
}
