package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"fleetwatch/pkg/logger"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware simple API key authentication for dashboard views.
// Browsers cannot set headers on WebSocket upgrades, so the key is also
// accepted as the api_key query parameter.
func AuthMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Skip authentication if API key is not configured
		if apiKey == "" {
			c.Next()
			return
		}

		provided := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if provided == "" {
			provided = c.Query("api_key")
		}

		if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
			logger.WarnCtx(c.Request.Context(), "unauthorized request to %s, invalid API key", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Next()
	}
}
