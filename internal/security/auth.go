package security

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyUserID is the gin context key for the authenticated user ID.
	ContextKeyUserID = "userID"
)

// AuthMiddleware resolves the Authorization header to a user ID and stores it
// on the gin context. Requests without a valid access token get a 401.
//
// In testing mode, a numeric X-User-ID header is accepted in place of a
// bearer token so tests and local tooling can skip the login flow.
func AuthMiddleware(issuer *TokenIssuer, testingMode bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if testingMode {
			if raw := c.GetHeader("X-User-ID"); raw != "" {
				userID, err := strconv.ParseUint(raw, 10, 64)
				if err != nil {
					c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid X-User-ID header"})
					return
				}
				c.Set(ContextKeyUserID, userID)
				c.Next()
				return
			}
		}

		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		userID, err := issuer.VerifyAccess(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		c.Set(ContextKeyUserID, userID)
		c.Next()
	}
}

// CurrentUserID returns the authenticated user ID set by AuthMiddleware.
func CurrentUserID(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(ContextKeyUserID)
	if !ok {
		return 0, false
	}
	userID, ok := v.(uint64)
	return userID, ok
}
