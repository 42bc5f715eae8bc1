package util

import (
	"fmt"

	"github.com/rs/zerolog"
)

// LogError logs an error with component and operation context.
// Extra fields are key/value pairs.
//
// Example:
//
//	LogError(logger, "router", "persist message", err, "session_id", sessionID)
func LogError(logger zerolog.Logger, component, operation string, err error, fields ...interface{}) {
	event := logger.Error().Err(err).Str("component", component)
	if len(fields) > 0 {
		event = event.Fields(fields)
	}
	event.Msg(fmt.Sprintf("Failed to %s", operation))
}
