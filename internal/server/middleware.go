package server

import (
	"net/http"

	"github.com/abduss/timelock/internal/logger"
	"github.com/gin-gonic/gin"
)

// securityHeaders sets CORS for the configured UI origin plus response
// hardening headers, and answers preflight requests directly.
func securityHeaders(allowedOrigin string) gin.HandlerFunc {
	if allowedOrigin == "" {
		allowedOrigin = "*"
	}
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", allowedOrigin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, "+logger.CorrelationIDHeader)
		h.Set("Access-Control-Expose-Headers", "Content-Disposition, "+logger.CorrelationIDHeader)
		if allowedOrigin != "*" {
			h.Add("Vary", "Origin")
		}
		h.Set("X-Content-Type-Options", "nosniff")
		// view tokens travel in the query string
		h.Set("Referrer-Policy", "no-referrer")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
