// Package middleware provides Gin middleware functions for the Smart Search API.
// It includes request IDs, access logging, rate limiting, API key
// authentication, workspace scoping and panic recovery.
package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/apperr"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/budget"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/logger"
)

const (
	// HeaderRequestID carries the request ID in both directions.
	HeaderRequestID = "X-Request-ID"
	// HeaderWorkspaceID selects the credit workspace of a request.
	HeaderWorkspaceID = "X-Workspace-ID"

	// ContextWorkspaceID is the gin context key holding the workspace ID.
	ContextWorkspaceID = "workspace_id"
)

var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// RequestID assigns every request an ID, reusing a well-formed inbound
// X-Request-ID, and stores it in the request context for logging.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if !requestIDPattern.MatchString(id) {
			id = uuid.New().String()
		}
		c.Writer.Header().Set(HeaderRequestID, id)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// Logging returns a Gin middleware handler that logs request and response
// metadata including method, path, status code, latency, and client IP.
func Logging() gin.HandlerFunc {
	log := logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		statusCode := c.Writer.Status()
		if query != "" {
			path = path + "?" + query
		}

		ev := log.Info()
		switch {
		case statusCode >= 500:
			ev = log.Error().Str("errors", c.Errors.ByType(gin.ErrorTypePrivate).String())
		case statusCode >= 400:
			ev = log.Warn()
		}
		ev.Str("request_id", logger.RequestID(c.Request.Context())).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", statusCode).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("bytes", c.Writer.Size()).
			Msg("request")
	}
}

// RateLimiter is a fixed-window limiter. *cache.Cache implements it.
type RateLimiter interface {
	RateLimitCheck(ctx context.Context, key string, maxRequests int64, window time.Duration) (bool, error)
}

// RateLimit returns a Gin middleware handler that enforces per-API-key rate
// limiting. It allows maxRequests within the specified window. Callers
// without a key are limited by IP address. Limiter errors fail open.
func RateLimit(limiter RateLimiter, maxRequests int64, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := extractKey(c, "X-API-Key")
		if id == "" {
			id = "ip:" + c.ClientIP()
		} else {
			// Never store raw keys in Redis.
			id = "key:" + hashAPIKey(id)[:16]
		}

		allowed, err := limiter.RateLimitCheck(c.Request.Context(), id, maxRequests, window)
		if err != nil {
			logger.C(c.Request.Context()).Warn().Err(err).Msg("rate limit check failed, allowing request")
			c.Next()
			return
		}

		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}

		c.Next()
	}
}

// hashAPIKey returns the SHA-256 hash of the given API key in hex.
func hashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// extractKey reads an API key from header or an Authorization Bearer token.
func extractKey(c *gin.Context, header string) string {
	if key := c.GetHeader(header); key != "" {
		return key
	}
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// APIKeyAuth returns a Gin middleware that validates the key in header (or an
// Authorization Bearer token) against expectedKey. Keys are compared by
// SHA-256 digest in constant time.
func APIKeyAuth(header, expectedKey string) gin.HandlerFunc {
	want := sha256.Sum256([]byte(expectedKey))
	return func(c *gin.Context) {
		key := extractKey(c, header)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Missing API key. Provide " + header + " header or Authorization: Bearer <key>.",
			})
			return
		}
		got := sha256.Sum256([]byte(key))
		if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid API key.",
			})
			return
		}
		c.Next()
	}
}

// Disabled rejects every request with 403. Used to fail secure when a
// required key is not configured.
func Disabled(message string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": message})
	}
}

var workspacePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidWorkspaceID reports whether id is an acceptable workspace identifier.
func ValidWorkspaceID(id string) bool {
	return workspacePattern.MatchString(id)
}

// Workspace resolves the credit workspace from X-Workspace-ID (default
// "default") and stores it under ContextWorkspaceID.
func Workspace() gin.HandlerFunc {
	return func(c *gin.Context) {
		ws := strings.TrimSpace(c.GetHeader(HeaderWorkspaceID))
		if ws == "" {
			ws = budget.DefaultWorkspace
		}
		if !ValidWorkspaceID(ws) {
			err := apperr.Validation("invalid " + HeaderWorkspaceID + " header")
			c.AbortWithStatusJSON(err.Kind().HTTPStatus(), err.Wire())
			return
		}
		c.Set(ContextWorkspaceID, ws)
		c.Next()
	}
}

// WorkspaceID returns the workspace resolved by Workspace.
func WorkspaceID(c *gin.Context) string {
	if ws := c.GetString(ContextWorkspaceID); ws != "" {
		return ws
	}
	return budget.DefaultWorkspace
}

// Recovery returns a Gin middleware that recovers from panics
// and returns a 500 error instead of crashing the server.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.C(c.Request.Context()).Error().
					Interface("panic", rec).
					Str("path", c.Request.URL.Path).
					Msg("recovered from panic")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   "internal_error",
					"message": "An unexpected error occurred.",
				})
			}
		}()
		c.Next()
	}
}
