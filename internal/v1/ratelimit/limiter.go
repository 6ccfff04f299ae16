// Package ratelimit implements request throttling for the HTTP API and
// the WebSocket upgrade path using an in-memory store.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/meshmeet/meshmeet/internal/v1/config"
	"github.com/meshmeet/meshmeet/internal/v1/logging"
	"github.com/meshmeet/meshmeet/internal/v1/metrics"
)

// RateLimiter holds the limiter instances for each guarded surface.
type RateLimiter struct {
	apiPublic *limiter.Limiter
	wsIP      *limiter.Limiter
	store     limiter.Store
	disabled  bool
}

// NewRateLimiter creates a RateLimiter from the configured rate strings.
// In development mode limits are parsed but not enforced.
func NewRateLimiter(cfg *config.Config) (*RateLimiter, error) {
	apiPublicRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIPublic)
	if err != nil {
		return nil, fmt.Errorf("invalid API public rate: %w", err)
	}

	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	store := memory.NewStore()

	return &RateLimiter{
		apiPublic: limiter.New(store, apiPublicRate),
		wsIP:      limiter.New(store, wsIPRate),
		store:     store,
		disabled:  cfg.DevelopmentMode,
	}, nil
}

// PublicMiddleware returns a Gin middleware enforcing the per-IP public
// API limit.
func (rl *RateLimiter) PublicMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.disabled {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		lctx, err := rl.apiPublic.Get(ctx, c.ClientIP())
		if err != nil {
			// Fail open: availability beats strictness here.
			logging.Error(ctx, "rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), "ip").Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		c.Next()
	}
}

// CheckWebSocket checks whether a WebSocket upgrade from this IP should
// be allowed. Returns false after writing the error response.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	if rl.disabled {
		return true
	}

	ctx := c.Request.Context()
	lctx, err := rl.wsIP.Get(ctx, c.ClientIP())
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed", zap.Error(err))
		return true // fail open
	}

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}

	return true
}
