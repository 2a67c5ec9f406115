package admin

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/smartescrow/internal/api"
)

// HeaderAdminSecret carries the shared admin secret.
const HeaderAdminSecret = "X-Admin-Secret"

// RequireSecret guards admin routes with a shared secret. With an empty
// secret (development) only the operator role is required.
func RequireSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret != "" {
			got := c.GetHeader(HeaderAdminSecret)
			if got == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "unauthorized",
					"message": HeaderAdminSecret + " header is required",
				})
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "forbidden",
					"message": "invalid admin secret",
				})
				return
			}
		}
		if !api.Actor(c).Privileged() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "admin routes require the operator role",
			})
			return
		}
		c.Next()
	}
}
