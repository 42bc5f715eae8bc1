// Package httperrors provides generic error responses for HTTP endpoints.
// It ensures that internal implementation details are not leaked to clients.
package httperrors

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	chaterrors "github.com/real-rm/chatroom/internal/errors"
)

// ErrorResponse represents a generic error response for clients
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Generic error messages that don't expose internal details
const (
	MsgUnauthorized     = "Authentication required"
	MsgInvalidToken     = "Invalid or expired authentication token"
	MsgInternalError    = "An internal error occurred"
	MsgResourceNotFound = "Resource not found"
	MsgBadRequest       = "Bad request"
)

// Error codes for responses that do not come from a ChatError
const (
	CodeInternalError = "INTERNAL_ERROR"
	CodeBadRequest    = "BAD_REQUEST"
)

// StatusOf maps an error to its HTTP status
func StatusOf(err error) int {
	switch chaterrors.CodeOf(err) {
	case chaterrors.ErrCodeNotFound:
		return http.StatusNotFound
	case chaterrors.ErrCodeUnauthorized:
		return http.StatusForbidden
	case chaterrors.ErrCodeUnauthenticated, chaterrors.ErrCodeInvalidToken, chaterrors.ErrCodeInvalidCredential:
		return http.StatusUnauthorized
	case chaterrors.ErrCodeValidation, chaterrors.ErrCodeInvalidFormat, chaterrors.ErrCodeMissingField,
		chaterrors.ErrCodeInvalidNode, chaterrors.ErrCodeInvalidTree:
		return http.StatusBadRequest
	case chaterrors.ErrCodeConflict:
		return http.StatusConflict
	case chaterrors.ErrCodeAIResponse:
		return http.StatusBadGateway
	case chaterrors.ErrCodeTooManyRequests, chaterrors.ErrCodeConnectionLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// RespondError writes err as JSON with the status from StatusOf. Only the
// ChatError message reaches the client; causes and non-ChatErrors are
// reported as a generic internal error.
func RespondError(c *gin.Context, err error) {
	status := StatusOf(err)
	var chatErr *chaterrors.ChatError
	if !errors.As(err, &chatErr) || status == http.StatusInternalServerError {
		RespondInternalError(c)
		return
	}
	if chatErr.RetryAfter > 0 {
		// header is in seconds, rounded up
		c.Header("Retry-After", strconv.Itoa((chatErr.RetryAfter+999)/1000))
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error: chatErr.Message,
		Code:  string(chatErr.Code),
	})
}

// RespondUnauthorized sends a 401 response with a generic message
func RespondUnauthorized(c *gin.Context, message string) {
	if message == "" {
		message = MsgUnauthorized
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
		Error: message,
		Code:  string(chaterrors.ErrCodeUnauthenticated),
	})
}

// RespondInvalidToken sends a 401 response for invalid tokens
func RespondInvalidToken(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
		Error: MsgInvalidToken,
		Code:  string(chaterrors.ErrCodeInvalidToken),
	})
}

// RespondBadRequest sends a 400 response; details describe a bind failure
func RespondBadRequest(c *gin.Context, details string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Error:   MsgBadRequest,
		Code:    CodeBadRequest,
		Details: details,
	})
}

// RespondInternalError sends a 500 response with a generic message
func RespondInternalError(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
		Error: MsgInternalError,
		Code:  CodeInternalError,
	})
}

// RespondNotFound sends a 404 response
func RespondNotFound(c *gin.Context, message string) {
	if message == "" {
		message = MsgResourceNotFound
	}
	c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{
		Error: message,
		Code:  string(chaterrors.ErrCodeNotFound),
	})
}
