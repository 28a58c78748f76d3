package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/logging"
)

// APIKeyAuth requires an X-API-Key header (or Authorization: Bearer) of at
// least 16 characters. When expected is set the key must match it.
func APIKeyAuth(expected string) gin.HandlerFunc {
	var want [sha256.Size]byte
	if expected != "" {
		want = sha256.Sum256([]byte(expected))
	}

	return func(c *gin.Context) {
		apiKey := requestKey(c)
		if apiKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Missing API key. Provide X-API-Key header or Authorization: Bearer <key>.",
			})
			return
		}
		if len(apiKey) < 16 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid API key format.",
			})
			return
		}
		if expected != "" {
			got := sha256.Sum256([]byte(apiKey))
			if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "unauthorized",
					"message": "Invalid API key.",
				})
				return
			}
		}
		c.Set("api_key", apiKey)
		c.Next()
	}
}

func requestKey(c *gin.Context) string {
	if key := c.GetHeader("X-API-Key"); key != "" {
		return key
	}
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// RequestLogger logs one line per request, at a level chosen by the status code.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	logger = logging.OrNop(logger).Named("http")

	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("bytes", c.Writer.Size()),
		}
		if query != "" {
			fields = append(fields, zap.String("query", query))
		}

		switch {
		case status >= 500:
			fields = append(fields, zap.String("errors", c.Errors.ByType(gin.ErrorTypePrivate).String()))
			logger.Error("request", fields...)
		case status >= 400:
			logger.Warn("request", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}

// RateLimiter counts requests per key in a fixed window.
type RateLimiter interface {
	RateLimitCheck(ctx context.Context, key string, maxRequests int64, window time.Duration) (bool, error)
}

// RateLimit enforces maxRequests per window per API key, falling back to the
// client IP. Limiter errors let the request through.
func RateLimit(limiter RateLimiter, maxRequests int64, window time.Duration, logger *zap.Logger) gin.HandlerFunc {
	logger = logging.OrNop(logger).Named("ratelimit")

	return func(c *gin.Context) {
		id := requestKey(c)
		if id == "" {
			id = c.ClientIP()
		}
		// Only a prefix of the key is stored in Redis.
		if len(id) > 16 {
			id = id[:16]
		}

		allowed, err := limiter.RateLimitCheck(c.Request.Context(), id, maxRequests, window)
		if err != nil {
			logger.Warn("rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}
