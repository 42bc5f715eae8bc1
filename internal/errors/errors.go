// Package errors provides the error taxonomy shared by the chat core.
// Every failure surfaced to a caller is a ChatError carrying a category,
// a stable code and whether the caller may retry on its own.
package errors

import (
	"errors"
	"fmt"

	"github.com/real-rm/chatroom/internal/constants"
	"github.com/real-rm/chatroom/internal/message"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryAuth represents authentication and authorization errors
	CategoryAuth ErrorCategory = "auth"
	// CategoryValidation represents input validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryNotFound represents missing sessions, nodes or chatbots
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryService represents service-level errors (store, AI responder)
	CategoryService ErrorCategory = "service"
	// CategoryRateLimit represents rate limiting errors
	CategoryRateLimit ErrorCategory = "rate_limit"
)

// ErrorCode represents specific error codes
type ErrorCode string

const (
	// Authentication and authorization errors
	ErrCodeUnauthenticated   ErrorCode = "UNAUTHENTICATED"
	ErrCodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidToken      ErrorCode = "INVALID_TOKEN"
	ErrCodeInvalidCredential ErrorCode = "INVALID_CREDENTIALS"

	// Validation errors
	ErrCodeValidation    ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidFormat ErrorCode = "INVALID_FORMAT"
	ErrCodeMissingField  ErrorCode = "MISSING_FIELD"
	ErrCodeInvalidNode   ErrorCode = "INVALID_NODE"
	ErrCodeInvalidTree   ErrorCode = "INVALID_TREE"
	ErrCodeConflict      ErrorCode = "CONFLICT"

	// Lookup errors
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// Service errors
	ErrCodeAIResponse    ErrorCode = "AI_RESPONSE_ERROR"
	ErrCodeDatabaseError ErrorCode = "DATABASE_ERROR"
	ErrCodeServiceError  ErrorCode = "SERVICE_ERROR"

	// Rate limiting errors
	ErrCodeTooManyRequests ErrorCode = "TOO_MANY_REQUESTS"
	ErrCodeConnectionLimit ErrorCode = "CONNECTION_LIMIT_EXCEEDED"
)

// ChatError represents an application error with category and recoverability information
type ChatError struct {
	Category    ErrorCategory
	Code        ErrorCode
	Message     string
	Recoverable bool
	RetryAfter  int // milliseconds, only for rate limit errors
	Cause       error
}

// Error implements the error interface
func (e *ChatError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *ChatError) Unwrap() error {
	return e.Cause
}

// Is matches two ChatErrors by code so callers can test against the
// sentinel constructors with errors.Is.
func (e *ChatError) Is(target error) bool {
	t, ok := target.(*ChatError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// ToErrorPayload converts a ChatError to the wire error payload
func (e *ChatError) ToErrorPayload() *message.ErrorPayload {
	return &message.ErrorPayload{
		Msg:         e.Message,
		Code:        string(e.Code),
		Recoverable: e.Recoverable,
		RetryAfter:  e.RetryAfter,
	}
}

// NewAuthError creates a new authentication or authorization error
func NewAuthError(code ErrorCode, message string, cause error) *ChatError {
	return &ChatError{
		Category:    CategoryAuth,
		Code:        code,
		Message:     message,
		Recoverable: false,
		Cause:       cause,
	}
}

// NewValidationError creates a new validation error (recoverable)
func NewValidationError(code ErrorCode, message string, cause error) *ChatError {
	return &ChatError{
		Category:    CategoryValidation,
		Code:        code,
		Message:     message,
		Recoverable: true,
		Cause:       cause,
	}
}

// NewServiceError creates a new service error
func NewServiceError(code ErrorCode, message string, cause error) *ChatError {
	return &ChatError{
		Category:    CategoryService,
		Code:        code,
		Message:     message,
		Recoverable: true,
		Cause:       cause,
	}
}

// NewRateLimitError creates a new rate limit error (recoverable with retry after)
func NewRateLimitError(code ErrorCode, message string, retryAfter int, cause error) *ChatError {
	return &ChatError{
		Category:    CategoryRateLimit,
		Code:        code,
		Message:     message,
		Recoverable: true,
		RetryAfter:  retryAfter,
		Cause:       cause,
	}
}

// ErrNotFound creates a not-found error for the named resource
func ErrNotFound(resource, id string) *ChatError {
	return &ChatError{
		Category:    CategoryNotFound,
		Code:        ErrCodeNotFound,
		Message:     fmt.Sprintf("%s not found: %s", resource, id),
		Recoverable: false,
	}
}

// ErrUnauthorized creates an access-control failure. The message is the
// literal string clients match on.
func ErrUnauthorized() *ChatError {
	return NewAuthError(ErrCodeUnauthorized, constants.ErrMsgUnauthorized, nil)
}

// ErrUnauthenticated is returned when no actor is attached to the request
func ErrUnauthenticated() *ChatError {
	return NewAuthError(ErrCodeUnauthenticated, "Authentication required", nil)
}

// ErrInvalidToken creates an invalid token error
func ErrInvalidToken(cause error) *ChatError {
	return NewAuthError(ErrCodeInvalidToken, "Invalid authentication token", cause)
}

// ErrInvalidCredentials is returned by the login flow
func ErrInvalidCredentials() *ChatError {
	return NewAuthError(ErrCodeInvalidCredential, "Invalid username or password", nil)
}

// ErrMissingField creates a missing field error
func ErrMissingField(fieldName string) *ChatError {
	return NewValidationError(ErrCodeMissingField, fmt.Sprintf("Required field missing: %s", fieldName), nil)
}

// ErrValidation creates a generic validation error
func ErrValidation(details string) *ChatError {
	return NewValidationError(ErrCodeValidation, details, nil)
}

// ErrInvalidMessageFormat creates an invalid message format error
func ErrInvalidMessageFormat(details string, cause error) *ChatError {
	return NewValidationError(ErrCodeInvalidFormat, fmt.Sprintf("Invalid message format: %s", details), cause)
}

// ErrInvalidNode is returned when a node id does not belong to the chatbot
func ErrInvalidNode(nodeID, chatbotID string) *ChatError {
	return NewValidationError(ErrCodeInvalidNode,
		fmt.Sprintf("Node %s does not belong to chatbot %s", nodeID, chatbotID), nil)
}

// ErrInvalidTree is returned when a knowledge tree is malformed
func ErrInvalidTree(details string) *ChatError {
	return NewValidationError(ErrCodeInvalidTree, fmt.Sprintf("Invalid knowledge tree: %s", details), nil)
}

// ErrConflict is returned when a unique constraint is violated
func ErrConflict(details string, cause error) *ChatError {
	return NewValidationError(ErrCodeConflict, details, cause)
}

// ErrAIResponse wraps a responder failure or timeout
func ErrAIResponse(cause error) *ChatError {
	return NewServiceError(ErrCodeAIResponse, "AI responder failed to produce a response", cause)
}

// ErrDatabaseError creates a database error
func ErrDatabaseError(cause error) *ChatError {
	return NewServiceError(ErrCodeDatabaseError, "Database operation failed", cause)
}

// ErrTooManyRequests creates a too many requests error
func ErrTooManyRequests(retryAfter int) *ChatError {
	return NewRateLimitError(ErrCodeTooManyRequests,
		"Too many requests, please slow down", retryAfter, nil)
}

// ErrConnectionLimitExceeded creates a connection limit exceeded error
func ErrConnectionLimitExceeded(retryAfter int) *ChatError {
	return NewRateLimitError(ErrCodeConnectionLimit,
		"Connection limit exceeded, please try again later", retryAfter, nil)
}

// CodeOf returns the ChatError code in err's chain, or ErrCodeServiceError.
func CodeOf(err error) ErrorCode {
	var chatErr *ChatError
	if errors.As(err, &chatErr) {
		return chatErr.Code
	}
	return ErrCodeServiceError
}

// HasCode reports whether err's chain carries a ChatError with the given code.
func HasCode(err error, code ErrorCode) bool {
	var chatErr *ChatError
	return errors.As(err, &chatErr) && chatErr.Code == code
}
