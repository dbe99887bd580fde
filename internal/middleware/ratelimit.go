package middleware

import (
	"net/http"

	"github.com/GoPolymarket/tradefeed/internal/service"
	"github.com/gin-gonic/gin"
)

// RateLimitMiddleware applies the caller's token bucket. Must run after
// AuthMiddleware; anonymous requests are not limited here.
func RateLimitMiddleware(users *service.IdentityRegistry) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := CurrentUser(c)
		if !ok {
			c.Next()
			return
		}

		limiter := users.Limiter(user.ID)
		if limiter == nil {
			c.Next()
			return
		}

		if !limiter.Allow() {
			c.Header("Retry-After", "1")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"code":    "RATE_LIMITED",
				"message": "rate limit exceeded",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
