package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// RequireAdmin builds middleware that restricts access to admin endpoints
// (batch creation, completion and failure callbacks, settlement
// trigger/start/stop, and dispute resolution).
// It accepts the secret either as "Authorization: Bearer <secret>" or
// "X-Admin-Secret: <secret>" and compares it in constant time.
//
// An empty secret disables every admin endpoint rather than allowing
// unauthenticated access; operators must set one to use them.
func RequireAdmin(secret string) gin.HandlerFunc {
	if secret == "" {
		slog.Warn("admin secret not configured, admin endpoints will reject all requests")
	}
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "admin access is disabled",
			})
			return
		}

		if !matchesSecret(c, secret) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "invalid admin credentials",
			})
			return
		}

		c.Next()
	}
}

// IsAdminRequest reports whether the request carries the configured admin
// secret. Returns false whenever secret is empty.
func IsAdminRequest(c *gin.Context, secret string) bool {
	if secret == "" {
		return false
	}
	return matchesSecret(c, secret)
}

func matchesSecret(c *gin.Context, secret string) bool {
	provided := c.GetHeader("X-Admin-Secret")
	if provided == "" {
		if bearer := c.GetHeader("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
			provided = strings.TrimPrefix(bearer, "Bearer ")
		}
	}
	if provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) == 1
}
