package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/member-portal/backend/internal/auth"
	"github.com/member-portal/backend/pkg/response"
)

// Claims returns the claims stored by JWT, or nil.
func Claims(c *gin.Context) *auth.Claims {
	v, ok := c.Get(ContextClaims)
	if !ok {
		return nil
	}
	claims, _ := v.(*auth.Claims)
	return claims
}

// Authorize checks the caller's role against roles and writes 401/403 when it fails.
func Authorize(c *gin.Context, roles ...string) bool {
	claims := Claims(c)
	if claims == nil {
		response.Unauthorized(c, "missing user context")
		c.Abort()
		return false
	}
	for _, r := range roles {
		if claims.Role == r {
			return true
		}
	}
	response.Forbidden(c, "insufficient permissions")
	c.Abort()
	return false
}

// RequireRole returns a middleware that allows only the given roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if Authorize(c, roles...) {
			c.Next()
		}
	}
}
