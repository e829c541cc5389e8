package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAPIKey is the gin context key holding the validated key.
	ContextKeyAPIKey = "apiKey"
	// ContextKeyUserID is the gin context key holding the acting user.
	ContextKeyUserID = "authUserID"
)

// Middleware extracts and validates the API key from the request and sets
// the acting user in the gin context. With header identity enabled
// (development mode), an X-User-ID header stands in for a key.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyUserID, key.UserID)
			}
		} else if m.allowHeaderIdentity {
			if userID := c.GetHeader("X-User-ID"); userID != "" {
				c.Set(ContextKeyUserID, userID)
			}
		}

		c.Next()
	}
}

// RequireAuth rejects requests that did not authenticate.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextKeyUserID) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin gates privileged endpoints on the shared admin secret.
// An empty configured secret disables the admin surface entirely.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin endpoints are not enabled on this deployment.",
			})
			return
		}
		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin secret required.",
			})
			return
		}
		// Admin actions are attributed to the caller-supplied actor ID so
		// resolutions carry a real resolver, defaulting to "admin".
		if c.GetString(ContextKeyUserID) == "" {
			actor := c.GetHeader("X-Admin-Actor")
			if actor == "" {
				actor = "admin"
			}
			c.Set(ContextKeyUserID, actor)
		}
		c.Next()
	}
}

// GetAPIKey returns the API key from context, if the request used one.
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	return key.(*APIKey), true
}

// UserID returns the authenticated user's ID, or "" if unauthenticated.
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}
