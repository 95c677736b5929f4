package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/studyhive/studyhive/backend/go/internal/v1/types"
)

// Middleware enforces the `api` action on every REST request. The
// principal key comes from principalFn (the hashed client address).
// Every response carries the X-RateLimit-* headers; a denial answers
// 429 with the standard error envelope and Retry-After.
func (e *Engine) Middleware(principalFn PrincipalFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := e.Check(c.Request.Context(), principalFn(c), ActionAPI)

		c.Header("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
		if !d.ResetAt.IsZero() {
			c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
		}

		if !d.Allowed {
			retryAfter := d.RetryAfter(e.clock.Now())
			secs := int64((retryAfter + time.Second - 1) / time.Second)
			c.Header("Retry-After", strconv.FormatInt(secs, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{
					"code":        types.CodeRateLimitExceeded,
					"message":     "too many requests",
					"retry_after": secs,
				},
			})
			return
		}

		c.Next()
	}
}
