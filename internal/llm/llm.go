// Package llm adapts AI providers to the single call the chat core needs:
// answer a query given an assembled context.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/real-rm/chatroom/internal/constants"
	"github.com/real-rm/chatroom/internal/metrics"
	"github.com/rs/zerolog"
)

var (
	// ErrUnknownProvider is returned for an unsupported provider name
	ErrUnknownProvider = errors.New("unknown AI provider")
	// ErrMissingAPIKey is returned when a remote provider has no key
	ErrMissingAPIKey = errors.New("AI provider API key is required")
	// ErrEmptyResponse is returned when a provider answers with no text
	ErrEmptyResponse = errors.New("AI provider returned an empty response")
)

// Responder produces an answer for query grounded in prompt
type Responder interface {
	GenerateResponse(ctx context.Context, prompt, query string) (string, error)
}

// Config selects and configures a provider
type Config struct {
	Provider string // mock, gemini or openai
	APIKey   string
	Model    string
	Endpoint string
	Timeout  time.Duration
}

// NewResponder builds the provider named by cfg.Provider
func NewResponder(ctx context.Context, cfg Config) (Responder, error) {
	switch cfg.Provider {
	case "", "mock":
		return NewMockResponder(), nil
	case "gemini":
		if cfg.APIKey == "" {
			return nil, ErrMissingAPIKey
		}
		model := cfg.Model
		if model == "" {
			model = constants.DefaultGeminiModel
		}
		return NewGeminiResponder(ctx, cfg.APIKey, model)
	case "openai":
		if cfg.APIKey == "" {
			return nil, ErrMissingAPIKey
		}
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = constants.DefaultOpenAIURL
		}
		model := cfg.Model
		if model == "" {
			model = constants.DefaultOpenAIModel
		}
		return NewOpenAIResponder(cfg.APIKey, endpoint, model), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Provider)
	}
}

// Service wraps a Responder with a deadline, metrics and panic recovery.
// Failures are returned as-is; nothing is retried.
type Service struct {
	responder Responder
	provider  string
	timeout   time.Duration
	logger    zerolog.Logger
}

// NewService wraps responder. A zero timeout uses the default.
func NewService(responder Responder, provider string, timeout time.Duration, logger zerolog.Logger) *Service {
	if timeout <= 0 {
		timeout = constants.DefaultAITimeout
	}
	if provider == "" {
		provider = "mock"
	}
	return &Service{
		responder: responder,
		provider:  provider,
		timeout:   timeout,
		logger:    logger.With().Str("component", "llm").Str("provider", provider).Logger(),
	}
}

// Provider returns the provider label used in metrics
func (s *Service) Provider() string {
	return s.provider
}

// GenerateResponse implements Responder
func (s *Service) GenerateResponse(ctx context.Context, prompt, query string) (answer string, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	metrics.AIRequests.WithLabelValues(s.provider).Inc()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("AI provider panicked")
			answer, err = "", fmt.Errorf("AI provider panic: %v", r)
		}
		metrics.AILatency.WithLabelValues(s.provider).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.AIErrors.WithLabelValues(s.provider).Inc()
		}
	}()

	answer, err = s.responder.GenerateResponse(ctx, prompt, query)
	if err == nil && answer == "" {
		err = ErrEmptyResponse
	}
	if err != nil {
		s.logger.Warn().Err(err).Dur("duration", time.Since(start)).Msg("AI request failed")
		return "", err
	}

	s.logger.Debug().Dur("duration", time.Since(start)).Int("answer_len", len(answer)).Msg("AI request successful")
	return answer, nil
}
