package middleware

import (
	"github.com/GoPolymarket/tradefeed/internal/broadcast"
	"github.com/GoPolymarket/tradefeed/internal/model"
	"github.com/GoPolymarket/tradefeed/internal/pkg/apperrors"
	"github.com/GoPolymarket/tradefeed/internal/service"
	"github.com/gin-gonic/gin"
)

const (
	HeaderAPIKey   = "X-Api-Key"
	QueryAPIKey    = "api_key" // EventSource cannot set headers
	ContextUserKey = "user"
)

// AuthMiddleware resolves the caller from X-Api-Key or the api_key query
// parameter. With allowAnonymous a missing key passes through without a
// user; a wrong key is always rejected.
func AuthMiddleware(users *service.IdentityRegistry, allowAnonymous bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader(HeaderAPIKey)
		if apiKey == "" {
			apiKey = c.Query(QueryAPIKey)
		}

		if apiKey == "" {
			if allowAnonymous {
				c.Next()
				return
			}
			c.Error(apperrors.New(apperrors.ErrAuthFailed, "missing API key", nil))
			c.Abort()
			return
		}

		user, ok := users.Lookup(apiKey)
		if !ok {
			c.Error(apperrors.New(apperrors.ErrAuthFailed, "invalid API key", nil))
			c.Abort()
			return
		}

		c.Set(ContextUserKey, user)
		c.Next()
	}
}

// CurrentUser returns the authenticated user, if any.
func CurrentUser(c *gin.Context) (*model.User, bool) {
	v, ok := c.Get(ContextUserKey)
	if !ok {
		return nil, false
	}
	u, ok := v.(*model.User)
	return u, ok && u != nil
}

// CurrentIdentity is the caller as the broadcast hub sees it. Anonymous
// callers get the zero identity.
func CurrentIdentity(c *gin.Context) broadcast.Identity {
	if u, ok := CurrentUser(c); ok {
		return broadcast.UserIdentity(u.ID)
	}
	return broadcast.Identity{}
}
