package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/invoicefinance/pkg/config"
	"github.com/wyfcoding/invoicefinance/pkg/logger"
	"github.com/wyfcoding/invoicefinance/pkg/ratelimit"
)

// RateLimitMiddleware 按身份（无身份时按 IP）限流；限流器故障时放行
func RateLimitMiddleware(limiter ratelimit.RateLimiter, cfg config.RateLimitConfig) gin.HandlerFunc {
	limit := ratelimit.Limit{Rate: cfg.QPS, Period: time.Second, Burst: cfg.Burst}
	return func(c *gin.Context) {
		if !cfg.Enabled || limiter == nil {
			c.Next()
			return
		}

		key := "ratelimit:ip:" + c.ClientIP()
		if p := c.GetString(PrincipalKey); p != "" {
			key = "ratelimit:principal:" + p
		}

		res, err := limiter.Allow(c.Request.Context(), key, limit)
		if err != nil {
			logger.Warn(c.Request.Context(), "rate limiter unavailable", "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limit.Burst))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(int64(res.ResetAfter/time.Second), 10))

		if !res.Allowed {
			c.Header("Retry-After", strconv.FormatInt(int64(res.RetryAfter/time.Second)+1, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many requests",
				"code":        "RATE_LIMITED",
				"retry_after": res.RetryAfter.String(),
			})
			return
		}
		c.Next()
	}
}
