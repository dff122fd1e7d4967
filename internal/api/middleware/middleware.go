// Package middleware holds the gin middleware and response helpers shared by
// the API handlers.
package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dvloznov/fraud-tracker/internal/domain"
	"github.com/dvloznov/fraud-tracker/internal/logger"
)

const (
	HeaderRequestID  = "X-Request-ID"
	HeaderUserID     = "X-User-ID"
	HeaderAdminToken = "X-Admin-Token"

	userIDKey = "user_id"
)

// Logger logs every request and stores a request-scoped logger in the
// request context so downstream code picks it up via logger.FromContext.
func Logger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		reqLog := log.With().Str("request_id", c.GetString(HeaderRequestID)).Logger()
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context(), reqLog))

		c.Next()

		reqLog.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Str("remote_addr", c.ClientIP()).
			Msg("HTTP request")
	}
}

// CORS adds Cross-Origin Resource Sharing headers.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, "+HeaderUserID+", "+HeaderAdminToken)
		h.Set("Access-Control-Max-Age", "3600")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Recovery recovers from panics and returns a 500 error.
func Recovery(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Interface("error", err).
					Str("method", c.Request.Method).
					Str("path", c.Request.URL.Path).
					Msg("Panic recovered")

				WriteError(c, http.StatusInternalServerError, "Internal server error")
				c.Abort()
			}
		}()
		c.Next()
	}
}

// RequestID propagates or assigns a request id.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(HeaderRequestID, requestID)
		c.Header(HeaderRequestID, requestID)
		c.Next()
	}
}

// RequireUser rejects requests without the caller identity set by the
// upstream auth proxy.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(HeaderUserID)
		if userID == "" {
			WriteError(c, http.StatusUnauthorized, "Missing user identity")
			c.Abort()
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// RequireAdmin checks the shared admin token. An empty token disables the
// admin routes entirely.
func RequireAdmin(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			WriteError(c, http.StatusForbidden, "Admin API disabled")
			c.Abort()
			return
		}
		if c.GetHeader(HeaderAdminToken) != token {
			WriteError(c, http.StatusUnauthorized, "Invalid admin token")
			c.Abort()
			return
		}
		c.Next()
	}
}

// UserID returns the identity stored by RequireUser.
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// WriteJSON writes a JSON response.
func WriteJSON(c *gin.Context, status int, data interface{}) {
	c.JSON(status, data)
}

// WriteError writes a JSON error response.
func WriteError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

// StatusFor maps domain errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrDuplicate):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// WriteDomainError writes err with the status StatusFor picks. Server errors
// are logged and their details withheld from the client.
func WriteDomainError(c *gin.Context, err error, msg string) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		log := logger.FromContext(c.Request.Context())
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg(msg)
		WriteError(c, status, msg)
		return
	}
	WriteError(c, status, err.Error())
}
