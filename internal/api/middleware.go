package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/blobvault/blobvault/internal/blob"
	"github.com/blobvault/blobvault/pkg/auth"
)

const callerContextKey = "caller"

// RequestID attaches a request id to every request and response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// RequestLogger emits one structured log line per request.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Info().
			Str("request_id", c.GetString("request_id")).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	}
}

// CallerAuth verifies the bearer token and stores the caller identity in the
// request context. The blob core independently re-verifies that the package
// maps to the uid.
func CallerAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := auth.ParseCallerToken(secret, strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid caller token"})
			return
		}
		c.Set(callerContextKey, blob.Caller{UID: claims.UID, Package: claims.Package})
		c.Next()
	}
}

// ServiceAuth guards the admin surface with the configured service token.
func ServiceAuth(tokenHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokenHash == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin surface is disabled"})
			return
		}
		if !auth.VerifyServiceToken(tokenHash, c.GetHeader("X-Service-Token")) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid service token"})
			return
		}
		c.Next()
	}
}

// callerFromContext extracts the verified caller identity.
func callerFromContext(c *gin.Context) (blob.Caller, bool) {
	v, ok := c.Get(callerContextKey)
	if !ok {
		return blob.Caller{}, false
	}
	caller, ok := v.(blob.Caller)
	return caller, ok
}
