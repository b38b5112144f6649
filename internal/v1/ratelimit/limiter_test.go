package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epicenter-md/epicenter/backend/go/internal/v1/config"
)

func newTestLimiter(t *testing.T, rate string) *RateLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	rl, err := NewRateLimiter(&config.Config{RateLimitWsIP: rate}, rc)
	require.NoError(t, err)
	return rl
}

func wsRequest(ip string) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/rooms/w1", nil)
	c.Request.RemoteAddr = ip + ":51234"
	return c, w
}

func TestNewRateLimiterFallsBackToMemory(t *testing.T) {
	rl, err := NewRateLimiter(&config.Config{RateLimitWsIP: "5-M"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, rl)
}

func TestNewRateLimiterRejectsBadRate(t *testing.T) {
	_, err := NewRateLimiter(&config.Config{RateLimitWsIP: "lots"}, nil)
	require.Error(t, err)
}

func TestCheckWebSocketAllowsUnderLimit(t *testing.T) {
	rl := newTestLimiter(t, "5-M")

	for i := 0; i < 5; i++ {
		c, _ := wsRequest("10.0.0.1")
		assert.True(t, rl.CheckWebSocket(c))
	}
}

func TestCheckWebSocketRejectsOverLimit(t *testing.T) {
	rl := newTestLimiter(t, "2-M")

	for i := 0; i < 2; i++ {
		c, _ := wsRequest("10.0.0.2")
		require.True(t, rl.CheckWebSocket(c))
	}

	c, w := wsRequest("10.0.0.2")
	assert.False(t, rl.CheckWebSocket(c))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Retry-After"))
}

func TestCheckWebSocketLimitsPerIP(t *testing.T) {
	rl := newTestLimiter(t, "1-M")

	c, _ := wsRequest("10.0.0.3")
	require.True(t, rl.CheckWebSocket(c))

	// A different client is unaffected by the first one's limit.
	c, _ = wsRequest("10.0.0.4")
	assert.True(t, rl.CheckWebSocket(c))

	c, w := wsRequest("10.0.0.3")
	assert.False(t, rl.CheckWebSocket(c))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
