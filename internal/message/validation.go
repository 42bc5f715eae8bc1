package message

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/real-rm/chatroom/internal/constants"
)

// MaxSessionIDLength bounds session identifiers accepted from clients
const MaxSessionIDLength = 128

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// Validate checks an inbound event according to its type
func (in *Inbound) Validate() error {
	if in.Event == "" {
		return &ValidationError{Field: "event", Message: "event is required"}
	}
	if !isInboundEvent(in.Event) {
		return &ValidationError{Field: "event", Message: fmt.Sprintf("invalid event: %s", in.Event)}
	}

	if in.SessionID == "" {
		return &ValidationError{Field: "session_id", Message: "session_id is required"}
	}
	if len(in.SessionID) > MaxSessionIDLength {
		return &ValidationError{
			Field:   "session_id",
			Message: fmt.Sprintf("session_id exceeds maximum length of %d characters", MaxSessionIDLength),
		}
	}

	if in.Event == EventMessage {
		if in.Content == "" {
			return &ValidationError{Field: "content", Message: "content is required for message"}
		}
		if utf8.RuneCountInString(in.Content) > constants.MaxContentLength {
			return &ValidationError{
				Field:   "content",
				Message: fmt.Sprintf("content exceeds maximum length of %d characters", constants.MaxContentLength),
			}
		}
	}

	return nil
}

// Sanitize strips null bytes and surrounding whitespace from client input.
// HTML escaping belongs to the renderer, not to ingestion.
func (in *Inbound) Sanitize() {
	in.SessionID = sanitizeString(in.SessionID)
	in.UserID = sanitizeString(in.UserID)
	in.Content = sanitizeString(in.Content)
}

func sanitizeString(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	return strings.TrimSpace(s)
}

func isInboundEvent(e EventType) bool {
	switch e {
	case EventJoin, EventMessage, EventRequestHuman, EventLeave:
		return true
	default:
		return false
	}
}
