package util

import (
	"fmt"

	"github.com/real-rm/chatroom/internal/metrics"
	"github.com/rs/zerolog"
)

// SafeGo launches a goroutine with panic recovery.
// A recovered panic is logged and counted as a message error.
func SafeGo(logger zerolog.Logger, component string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().
					Str("component", component).
					Str("panic", fmt.Sprintf("%v", r)).
					Msg("Panic recovered in goroutine")
				metrics.MessageErrors.Inc()
			}
		}()
		fn()
	}()
}
