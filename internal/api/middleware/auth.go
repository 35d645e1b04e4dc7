package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/TheGojiOG/pvebackup/internal/auth"
)

// Auth validates operator bearer tokens. Without a configured secret every
// request passes.
func Auth(jwtManager *auth.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !jwtManager.Enabled() {
			c.Next()
			return
		}

		// Browsers cannot set headers on websocket upgrades, so a query token is accepted too
		token := ""
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header format", "kind": "auth_rejected"})
				return
			}
			token = parts[1]
		}
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required", "kind": "auth_rejected"})
			return
		}

		claims, err := jwtManager.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token", "kind": "auth_rejected"})
			return
		}

		c.Set("operator", claims.Operator)
		c.Next()
	}
}
