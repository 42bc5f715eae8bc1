// Package notification tells chatbot creators when one of their sessions
// is handed off to human support.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/real-rm/chatroom/internal/constants"
	"github.com/real-rm/chatroom/internal/metrics"
	"github.com/real-rm/chatroom/internal/model"
	"github.com/real-rm/chatroom/internal/util"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Handoff is the notification sent to a creator
type Handoff struct {
	CreatorID    string    `json:"creator_id"`
	ChatbotID    string    `json:"chatbot_id"`
	ChatbotTitle string    `json:"chatbot_title"`
	SessionID    string    `json:"session_id"`
	UserID       *string   `json:"user_id"`
	RequestedBy  string    `json:"requested_by"`
	Link         string    `json:"link,omitempty"`
	Time         time.Time `json:"time"`
}

// Text renders a one-line summary
func (h Handoff) Text() string {
	who := "A guest"
	if h.UserID != nil {
		who = "User " + *h.UserID
	}
	text := fmt.Sprintf("%s requested human support on %q (session %s)", who, h.ChatbotTitle, h.SessionID)
	if h.Link != "" {
		text += " " + h.Link
	}
	return text
}

// Sender delivers a notification to one channel
type Sender interface {
	Send(ctx context.Context, h Handoff) error
}

// ChatbotStore resolves the creator of a session's chatbot
type ChatbotStore interface {
	GetChatbot(ctx context.Context, chatbotID string) (*model.Chatbot, error)
}

// RateLimiter prevents notification flooding
type RateLimiter struct {
	events map[string][]time.Time
	window time.Duration
	limit  int
	now    func() time.Time
	mu     sync.Mutex
}

// NewRateLimiter allows limit events per key within window
func NewRateLimiter(window time.Duration, limit int) *RateLimiter {
	return &RateLimiter{
		events: make(map[string][]time.Time),
		window: window,
		limit:  limit,
		now:    time.Now,
	}
}

// Allow records an event for key unless the key is at its limit
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	events := rl.events[key]
	if events == nil && len(rl.events) >= constants.MaxUsersTracked {
		return false
	}

	var recent []time.Time
	for _, t := range events {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= rl.limit {
		rl.events[key] = recent
		return false
	}
	rl.events[key] = append(recent, now)
	return true
}

// Service fans a handoff out to every configured sender
type Service struct {
	store   ChatbotStore
	senders []Sender
	limiter *RateLimiter
	baseURL string
	logger  zerolog.Logger
}

// NewService creates a notification service. baseURL, when set, is used to
// build a link to the session for the creator.
func NewService(store ChatbotStore, baseURL string, logger zerolog.Logger, senders ...Sender) *Service {
	return &Service{
		store:   store,
		senders: senders,
		limiter: NewRateLimiter(constants.NotificationWindow, constants.NotificationBurst),
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With().Str("component", "notification").Logger(),
	}
}

// NotifyHandoff tells the chatbot creator that sess was handed to human support
func (s *Service) NotifyHandoff(ctx context.Context, sess *model.Session, requestedBy string) error {
	if !s.limiter.Allow("handoff:" + sess.ID) {
		s.logger.Warn().Str("session_id", sess.ID).Msg("Handoff notification rate limited")
		metrics.NotificationsSent.WithLabelValues("rate_limited").Inc()
		return nil
	}

	bot, err := s.store.GetChatbot(ctx, sess.ChatbotID)
	if err != nil {
		return fmt.Errorf("failed to load chatbot %s: %w", sess.ChatbotID, err)
	}

	h := Handoff{
		CreatorID:    bot.CreatorID,
		ChatbotID:    bot.ID,
		ChatbotTitle: bot.Title,
		SessionID:    sess.ID,
		UserID:       sess.UserID,
		RequestedBy:  requestedBy,
		Time:         time.Now().UTC(),
	}
	if s.baseURL != "" {
		h.Link = s.baseURL + "/creator/sessions/" + url.PathEscape(sess.ID)
	}

	var errs []error
	for _, sender := range s.senders {
		if err := sender.Send(ctx, h); err != nil {
			util.LogError(s.logger, "notification", "send handoff notification", err, "session_id", sess.ID)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		metrics.NotificationsSent.WithLabelValues("failed").Inc()
		return errors.Join(errs...)
	}
	metrics.NotificationsSent.WithLabelValues("sent").Inc()
	return nil
}

// LogSender writes notifications to the log
type LogSender struct {
	logger zerolog.Logger
}

// NewLogSender creates a log-only sender
func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "notification").Logger()}
}

// Send implements Sender
func (l *LogSender) Send(_ context.Context, h Handoff) error {
	l.logger.Info().
		Str("creator_id", h.CreatorID).
		Str("session_id", h.SessionID).
		Msg(h.Text())
	return nil
}

// RedisSender publishes notifications as JSON on a Redis channel for
// downstream mail or push workers
type RedisSender struct {
	client  *redis.Client
	channel string
}

// NewRedisSender publishes on the default notification channel
func NewRedisSender(client *redis.Client) *RedisSender {
	return &RedisSender{client: client, channel: constants.RedisNotifyChannel}
}

// Send implements Sender
func (r *RedisSender) Send(ctx context.Context, h Handoff) error {
	payload, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}
