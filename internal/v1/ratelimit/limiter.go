// Package ratelimit guards the relay's WebSocket endpoint with a per-IP
// connection rate limit, backed by Redis when available and by process
// memory otherwise.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/epicenter-md/epicenter/backend/go/internal/v1/config"
	"github.com/epicenter-md/epicenter/backend/go/internal/v1/logging"
	"github.com/epicenter-md/epicenter/backend/go/internal/v1/metrics"
)

// RateLimiter limits WebSocket connection attempts per client IP.
type RateLimiter struct {
	wsIP  *limiter.Limiter
	store limiter.Store
}

// NewRateLimiter builds the limiter from the configured rate (ulule
// formatted, e.g. "100-M"). A nil redisClient falls back to an in-memory
// store, which is per-instance only.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	rate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "Rate limiter using memory store (Redis disabled or unavailable)")
	}

	return &RateLimiter{
		wsIP:  limiter.New(store, rate),
		store: store,
	}, nil
}

// CheckWebSocket reports whether a connection attempt from this client is
// allowed. On rejection it writes the 429 response itself. A failing store
// fails open.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()
	ip := c.ClientIP()

	lctx, err := rl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "Rate limiter store failed", zap.Error(err), zap.String("ip", ip))
		return true
	}

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("ws_ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(lctx.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}
	return true
}
