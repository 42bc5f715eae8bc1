// Package chatroom assembles the chat platform core: storage, access
// control, session lifecycle, prompt assembly, the real-time room router
// and the HTTP surface around them.
package chatroom

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/real-rm/chatroom/internal/access"
	"github.com/real-rm/chatroom/internal/api"
	"github.com/real-rm/chatroom/internal/auth"
	"github.com/real-rm/chatroom/internal/config"
	"github.com/real-rm/chatroom/internal/constants"
	"github.com/real-rm/chatroom/internal/directory"
	"github.com/real-rm/chatroom/internal/fanout"
	"github.com/real-rm/chatroom/internal/httperrors"
	"github.com/real-rm/chatroom/internal/knowledge"
	"github.com/real-rm/chatroom/internal/llm"
	"github.com/real-rm/chatroom/internal/notification"
	"github.com/real-rm/chatroom/internal/ratelimit"
	"github.com/real-rm/chatroom/internal/router"
	"github.com/real-rm/chatroom/internal/session"
	"github.com/real-rm/chatroom/internal/storage"
	"github.com/real-rm/chatroom/internal/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Service owns every component of a running instance
type Service struct {
	cfg    *config.Config
	logger zerolog.Logger

	store       storage.Store
	redis       *redis.Client
	responder   llm.Responder
	policy      *access.Policy
	sessions    *session.Manager
	router      *router.MessageRouter
	assembler   *knowledge.Assembler
	directory   *directory.Service
	ws          *websocket.Handler
	api         *api.Handler
	msgLimiter  *ratelimit.MessageLimiter
	httpLimiter *ratelimit.MessageLimiter
}

// New opens the store, connects Redis when configured and wires the
// components. Callers must Shutdown the returned service.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Service, error) {
	s := &Service{
		cfg:    cfg,
		logger: logger.With().Str("component", "chatroom").Logger(),
	}

	store, err := storage.Open(ctx, cfg.Store.StorageOptions(), logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s.store = store

	if cfg.Redis.Enabled() {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := s.redis.Ping(ctx).Err(); err != nil {
			s.closeBackends()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	}

	s.responder, err = llm.NewResponder(ctx, cfg.AI.LLMConfig())
	if err != nil {
		s.closeBackends()
		return nil, fmt.Errorf("create AI responder: %w", err)
	}
	ai := llm.NewService(s.responder, cfg.AI.Provider, cfg.AI.Timeout, logger)

	s.policy = access.NewPolicy(store, logger)
	s.sessions = session.NewManager(store, s.policy, logger)

	senders := []notification.Sender{notification.NewLogSender(logger)}
	if s.redis != nil {
		senders = append(senders, notification.NewRedisSender(s.redis))
	}
	notifier := notification.NewService(store, cfg.Server.PublicBaseURL, logger, senders...)

	s.msgLimiter = ratelimit.NewMessageLimiter(cfg.Server.RateWindow, cfg.Server.RateLimit, logger)
	s.msgLimiter.StartCleanup()
	s.httpLimiter = ratelimit.NewMessageLimiter(constants.DefaultRateWindow, constants.DefaultHTTPRateLimit, logger)
	s.httpLimiter.StartCleanup()

	var roomLock fanout.Locker
	if s.redis != nil {
		roomLock = fanout.NewRedisLock(s.redis)
	}
	s.router = router.NewMessageRouter(router.Options{
		Store:    store,
		Authz:    s.policy,
		Sessions: s.sessions,
		Notifier: notifier,
		Limiter:  s.msgLimiter,
		RoomLock: roomLock,
		Logger:   logger,
	})
	if s.redis != nil {
		b, err := fanout.NewRedis(ctx, s.redis, s.router.Deliver, logger)
		if err != nil {
			_ = s.Shutdown(ctx)
			return nil, fmt.Errorf("subscribe room channels: %w", err)
		}
		s.router.SetBroadcaster(b)
	}

	s.assembler = knowledge.NewAssembler(knowledge.Options{
		Store:     store,
		Appender:  s.router,
		Authz:     s.policy,
		Responder: ai,
		History:   cfg.AI.HistoryWindow,
		Logger:    logger,
	})

	validator := auth.NewJWTValidator(cfg.Server.JWTSecret)
	s.directory = directory.NewService(store, s.policy, auth.NewIssuer(cfg.Server.JWTSecret, cfg.Server.TokenTTL), logger)

	s.ws = websocket.NewHandler(validator, s.router, logger, cfg.Server.MaxMessageSize, cfg.Server.ConnectionLimit)
	if len(cfg.Server.AllowedOrigins) > 0 {
		s.ws.SetAllowedOrigins(cfg.Server.AllowedOrigins)
	}

	s.api = api.NewHandler(api.Deps{
		Sessions:  s.sessions,
		Authz:     s.policy,
		History:   store,
		Assistant: s.assembler,
		Directory: s.directory,
		Publisher: s.router,
		Store:     store,
		Validator: validator,
		Logger:    logger,
	})

	s.logger.Info().
		Str("store", cfg.Store.Driver).
		Str("ai_provider", cfg.AI.Provider).
		Bool("redis", s.redis != nil).
		Msg("Chatroom service initialized")
	return s, nil
}

// Register mounts the WebSocket endpoint, the HTTP API and /metrics under
// the configured path prefix.
func (s *Service) Register(r *gin.Engine) {
	if origins := s.cfg.Server.AllowedOrigins; len(origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     origins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"Content-Length", "Retry-After"},
			AllowCredentials: true,
			MaxAge:           constants.CORSMaxAge,
		}))
		s.logger.Info().Strs("allowed_origins", origins).Msg("CORS middleware configured")
	} else {
		s.logger.Warn().Msg("No CORS origins configured, CORS middleware not enabled")
	}

	r.Use(api.RequestID())
	r.Use(api.SecurityHeaders())
	r.Use(api.Metrics())
	r.NoRoute(func(c *gin.Context) {
		httperrors.RespondNotFound(c, "")
	})

	prefix := s.cfg.Server.PathPrefix
	g := r.Group(prefix)
	g.GET("/ws", func(c *gin.Context) {
		s.ws.HandleWebSocket(c.Writer, c.Request)
	})
	g.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limited := g.Group("", api.RateLimit(s.httpLimiter, s.logger))
	s.api.Routes(limited)

	s.logger.Info().
		Str("websocket_endpoint", prefix+"/ws").
		Str("health_endpoints", prefix+"/healthz, "+prefix+"/readyz").
		Str("metrics_endpoint", prefix+"/metrics").
		Msg("Chatroom routes registered")
}

// Store returns the persistence backend
func (s *Service) Store() storage.Store { return s.store }

// Directory returns the account and chatbot service
func (s *Service) Directory() *directory.Service { return s.directory }

// Shutdown closes connections, waits for background work and releases
// the backends. It respects ctx for the connection drain only.
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Starting graceful shutdown of chatroom service")

	var errs []error
	if s.ws != nil {
		if err := s.ws.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("websocket: %w", err))
		}
	}
	if s.router != nil {
		if err := s.router.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("router: %w", err))
		}
	}
	if s.msgLimiter != nil {
		s.msgLimiter.StopCleanup()
	}
	if s.httpLimiter != nil {
		s.httpLimiter.StopCleanup()
	}
	if closer, ok := s.responder.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("AI responder: %w", err))
		}
	}
	if err := s.closeBackends(); err != nil {
		errs = append(errs, err)
	}

	s.logger.Info().Msg("Chatroom service shutdown complete")
	return errors.Join(errs...)
}

func (s *Service) closeBackends() error {
	var errs []error
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	return errors.Join(errs...)
}
