// Package ratelimit caps simultaneous connections and inbound chat events
// per user.
package ratelimit

import (
	"sync"
	"time"

	"github.com/real-rm/chatroom/internal/constants"
	"github.com/rs/zerolog"
)

// ConnectionLimiter limits the number of concurrent connections per user
type ConnectionLimiter struct {
	connections map[string]int
	maxPerUser  int
	mu          sync.Mutex
}

// NewConnectionLimiter creates a connection limiter
func NewConnectionLimiter(maxPerUser int) *ConnectionLimiter {
	if maxPerUser <= 0 {
		maxPerUser = constants.DefaultConnectionLimit
	}
	return &ConnectionLimiter{
		connections: make(map[string]int),
		maxPerUser:  maxPerUser,
	}
}

// Allow reserves a connection slot for the user
func (cl *ConnectionLimiter) Allow(userID string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	count := cl.connections[userID]
	if count >= cl.maxPerUser {
		return false
	}
	cl.connections[userID] = count + 1
	return true
}

// Release frees a slot reserved by Allow
func (cl *ConnectionLimiter) Release(userID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if count, ok := cl.connections[userID]; ok {
		if count <= 1 {
			delete(cl.connections, userID)
		} else {
			cl.connections[userID] = count - 1
		}
	}
}

// Count returns the user's open connections
func (cl *ConnectionLimiter) Count(userID string) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.connections[userID]
}

// MessageLimiter is a per-user sliding window over inbound events
type MessageLimiter struct {
	events map[string][]time.Time
	window time.Duration
	limit  int
	now    func() time.Time
	mu     sync.Mutex

	logger          zerolog.Logger
	cleanupInterval time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
}

// NewMessageLimiter allows limit events per window per user
func NewMessageLimiter(window time.Duration, limit int, logger zerolog.Logger) *MessageLimiter {
	if window <= 0 {
		window = constants.DefaultRateWindow
	}
	if limit <= 0 {
		limit = constants.DefaultRateLimit
	}
	if limit > constants.MaxEventsPerUser {
		limit = constants.MaxEventsPerUser
	}
	return &MessageLimiter{
		events:          make(map[string][]time.Time),
		window:          window,
		limit:           limit,
		now:             time.Now,
		logger:          logger.With().Str("component", "ratelimit").Logger(),
		cleanupInterval: constants.DefaultCleanupInterval,
		stop:            make(chan struct{}),
	}
}

// recent drops events at or before the window start. Caller holds mu.
func (ml *MessageLimiter) recent(userID string, now time.Time) []time.Time {
	cutoff := now.Add(-ml.window)
	events := ml.events[userID]
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	return events[i:]
}

// Allow records an event for the user, reporting false when the window is full
func (ml *MessageLimiter) Allow(userID string) bool {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	now := ml.now()
	events := ml.recent(userID, now)
	if len(events) == 0 && len(ml.events) >= constants.MaxUsersTracked {
		if _, known := ml.events[userID]; !known {
			return false
		}
	}
	if len(events) >= ml.limit {
		ml.events[userID] = events
		return false
	}
	ml.events[userID] = append(events, now)
	return true
}

// RetryAfter returns milliseconds until the user's next event is allowed
func (ml *MessageLimiter) RetryAfter(userID string) int {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	now := ml.now()
	events := ml.recent(userID, now)
	if len(events) < ml.limit {
		return 0
	}
	wait := events[0].Add(ml.window).Sub(now)
	if wait < 0 {
		return 0
	}
	return int(wait.Milliseconds())
}

// Cleanup forgets users with no events in the window and returns how many
func (ml *MessageLimiter) Cleanup() int {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	now := ml.now()
	removed := 0
	for userID := range ml.events {
		events := ml.recent(userID, now)
		if len(events) == 0 {
			delete(ml.events, userID)
			removed++
			continue
		}
		ml.events[userID] = events
	}
	return removed
}

// tracked returns the number of users with history
func (ml *MessageLimiter) tracked() int {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return len(ml.events)
}

// StartCleanup runs Cleanup periodically until StopCleanup
func (ml *MessageLimiter) StartCleanup() {
	ml.wg.Add(1)
	go func() {
		defer ml.wg.Done()
		ticker := time.NewTicker(ml.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if removed := ml.Cleanup(); removed > 0 {
					ml.logger.Debug().
						Int("removed", removed).
						Int("tracked", ml.tracked()).
						Msg("Rate limit history cleaned")
				}
			case <-ml.stop:
				return
			}
		}
	}()
}

// StopCleanup stops the cleanup goroutine and waits for it. Safe to call twice.
func (ml *MessageLimiter) StopCleanup() {
	ml.stopOnce.Do(func() { close(ml.stop) })
	ml.wg.Wait()
}
