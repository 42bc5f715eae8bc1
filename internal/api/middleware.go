package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/real-rm/chatroom/internal/access"
	"github.com/real-rm/chatroom/internal/auth"
	chaterrors "github.com/real-rm/chatroom/internal/errors"
	"github.com/real-rm/chatroom/internal/httperrors"
	"github.com/real-rm/chatroom/internal/metrics"
	"github.com/real-rm/chatroom/internal/ratelimit"
	"github.com/real-rm/chatroom/internal/util"
	"github.com/rs/zerolog"
)

const claimsKey = "claims"

// TokenValidator checks bearer tokens
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// RequireAuth rejects requests without a valid bearer token and stores the
// claims on the context.
func RequireAuth(validator TokenValidator, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := util.ExtractBearerToken(c.GetHeader("Authorization"))
		if err != nil {
			httperrors.RespondUnauthorized(c, "")
			return
		}
		claims, err := validator.ValidateToken(token)
		if err != nil {
			logger.Warn().Err(err).Str("component", "auth").Msg("Token validation failed")
			httperrors.RespondInvalidToken(c)
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// OptionalAuth stores claims when a valid token is present and otherwise
// lets the request through anonymously.
func OptionalAuth(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, err := util.ExtractBearerToken(c.GetHeader("Authorization")); err == nil {
			if claims, err := validator.ValidateToken(token); err == nil {
				c.Set(claimsKey, claims)
			}
		}
		c.Next()
	}
}

// RequireRole admits callers holding any of roles. It must follow RequireAuth.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := ClaimsFrom(c)
		var err error
		if claims == nil {
			err = access.RequireRole(nil, roles...)
		} else {
			err = access.RequireRole(claims, roles...)
		}
		if err != nil {
			httperrors.RespondError(c, err)
			return
		}
		c.Next()
	}
}

// ClaimsFrom returns the authenticated claims, or nil
func ClaimsFrom(c *gin.Context) *auth.Claims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*auth.Claims)
	return claims
}

// actorID returns the authenticated user id, or "" for anonymous requests
func actorID(c *gin.Context) string {
	if claims := ClaimsFrom(c); claims != nil {
		return claims.UserID
	}
	return ""
}

// HeaderRequestID carries the per-request trace id
const HeaderRequestID = "X-Request-ID"

// RequestID puts the caller's X-Request-ID, or a fresh id, on the request
// context and echoes it in the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := util.ContextWithTraceID(c.Request.Context(), c.GetHeader(HeaderRequestID))
		c.Request = c.Request.WithContext(ctx)
		c.Header(HeaderRequestID, util.TraceIDFromContext(ctx))
		c.Next()
	}
}

// SecurityHeaders adds standard HTTP security headers to all responses
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Next()
	}
}

// Metrics records HTTP request duration
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.HTTPRequestDuration.WithLabelValues(
			endpoint,
			c.Request.Method,
			strconv.Itoa(c.Writer.Status()),
		).Observe(time.Since(start).Seconds())
	}
}

// RateLimit limits requests per authenticated user, or per client IP for
// anonymous requests.
func RateLimit(limiter *ratelimit.MessageLimiter, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := actorID(c)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}
		if !limiter.Allow(key) {
			logger.Warn().Str("key", key).Str("path", c.FullPath()).Msg("HTTP rate limit exceeded")
			httperrors.RespondError(c, chaterrors.ErrTooManyRequests(limiter.RetryAfter(key)))
			return
		}
		c.Next()
	}
}
