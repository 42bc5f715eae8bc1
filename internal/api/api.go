// Package api exposes the chat core over HTTP: session lifecycle, message
// history, both ask modes, accounts and chatbot management.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/real-rm/chatroom/internal/access"
	"github.com/real-rm/chatroom/internal/constants"
	"github.com/real-rm/chatroom/internal/directory"
	chaterrors "github.com/real-rm/chatroom/internal/errors"
	"github.com/real-rm/chatroom/internal/httperrors"
	"github.com/real-rm/chatroom/internal/knowledge"
	"github.com/real-rm/chatroom/internal/model"
	"github.com/real-rm/chatroom/internal/storage"
	"github.com/real-rm/chatroom/internal/util"
	"github.com/rs/zerolog"
)

// Sessions runs session lifecycle operations
type Sessions interface {
	CreateOrGetSession(ctx context.Context, chatbotID, userID string) (*model.Session, bool, error)
	RequestHuman(ctx context.Context, sessionID, actorID string) (*model.Session, bool, error)
	Resolve(ctx context.Context, sessionID, actorID string) (*model.Session, bool, error)
	ListCreatorSessions(ctx context.Context, creatorID string) ([]*model.Session, error)
}

// Authorizer checks an actor against a session
type Authorizer interface {
	Authorize(ctx context.Context, sessionID, actorID string) (*access.Decision, error)
}

// History reads a session's message log
type History interface {
	ListMessages(ctx context.Context, sessionID string, opts storage.ListOptions) ([]*model.Message, error)
}

// Assistant answers questions against a knowledge tree
type Assistant interface {
	Ask(ctx context.Context, sessionID, currentNodeID, query, actorID string) (*model.Message, error)
	AskStateless(ctx context.Context, chatbotID, nodeID, query, actorID string) (string, error)
}

// Directory manages accounts and chatbots
type Directory interface {
	Register(ctx context.Context, r directory.Registration) (*model.User, error)
	Login(ctx context.Context, identifier, password string) (string, *model.User, error)
	CreateChatbot(ctx context.Context, creatorID string, d directory.ChatbotDraft) (*model.Chatbot, error)
	GetChatbot(ctx context.Context, chatbotID, actorID string) (*directory.ChatbotView, error)
	ListPublicChatbots(ctx context.Context, search string) ([]*model.Chatbot, error)
	ListOwnedChatbots(ctx context.Context, creatorID string) ([]*model.Chatbot, error)
	DeleteChatbot(ctx context.Context, chatbotID, actorID string) error
}

// Publisher pushes session changes to the room and the creator
type Publisher interface {
	PublishSessionUpdate(ctx context.Context, sess *model.Session)
	NotifyHandoff(sess *model.Session, requestedBy string)
}

// Pinger reports store health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires a Handler
type Deps struct {
	Sessions  Sessions
	Authz     Authorizer
	History   History
	Assistant Assistant
	Directory Directory
	Publisher Publisher
	Store     Pinger
	Validator TokenValidator
	Logger    zerolog.Logger
}

// Handler serves the HTTP API
type Handler struct {
	sessions  Sessions
	authz     Authorizer
	history   History
	assistant Assistant
	directory Directory
	publisher Publisher
	store     Pinger
	validator TokenValidator
	logger    zerolog.Logger
}

// NewHandler creates a Handler
func NewHandler(d Deps) *Handler {
	return &Handler{
		sessions:  d.Sessions,
		authz:     d.Authz,
		history:   d.History,
		assistant: d.Assistant,
		directory: d.Directory,
		publisher: d.Publisher,
		store:     d.Store,
		validator: d.Validator,
		logger:    d.Logger.With().Str("component", "http").Logger(),
	}
}

// Routes registers every endpoint on g
func (h *Handler) Routes(g *gin.RouterGroup) {
	authed := RequireAuth(h.validator, h.logger)
	creatorOnly := RequireRole(constants.RoleCreator, constants.RoleAdmin)

	g.GET("/healthz", h.handleHealth)
	g.GET("/readyz", h.handleReady)

	a := g.Group("/auth")
	{
		a.POST("/register", h.handleRegister)
		a.POST("/login", h.handleLogin)
	}

	s := g.Group("/chat-sessions", authed)
	{
		s.POST("", h.handleCreateSession)
		s.GET("/:id/messages", h.handleListMessages)
		s.POST("/:id/ask", h.handleAsk)
		s.POST("/:id/request-human", h.handleRequestHuman)
		s.POST("/:id/resolve", h.handleResolve)
	}

	b := g.Group("/chatbots")
	{
		b.GET("", h.handleListChatbots)
		b.GET("/:id", OptionalAuth(h.validator), h.handleGetChatbot)
		b.POST("", authed, creatorOnly, h.handleCreateChatbot)
		b.DELETE("/:id", authed, h.handleDeleteChatbot)
		b.POST("/:id/ask-ai", authed, h.handleAskStateless)
	}

	cr := g.Group("/creator", authed, creatorOnly)
	{
		cr.GET("/sessions", h.handleCreatorSessions)
		cr.GET("/chatbots", h.handleCreatorChatbots)
	}
}

// fail writes err and logs anything that maps to a server error
func (h *Handler) fail(c *gin.Context, operation string, err error) {
	if httperrors.StatusOf(err) >= http.StatusInternalServerError {
		util.LogError(util.WithTrace(c.Request.Context(), h.logger), "http", operation, err,
			"path", c.FullPath(), "actor_id", actorID(c))
	}
	httperrors.RespondError(c, err)
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) handleReady(c *gin.Context) {
	ctx, cancel := util.NewTimeoutContext(c.Request.Context(), constants.HealthCheckTimeout)
	defer cancel()

	checks := gin.H{}
	status, code := "ready", http.StatusOK
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn().Err(err).Str("component", "health").Msg("Store health check failed")
		checks["store"] = gin.H{"status": "not ready", "reason": "Store connectivity check failed"}
		status, code = "not ready", http.StatusServiceUnavailable
	} else {
		checks["store"] = gin.H{"status": "ready"}
	}
	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	})
}

type registerRequest struct {
	Username string     `json:"username"`
	Email    string     `json:"email"`
	Password string     `json:"password"`
	Role     model.Role `json:"role"`
}

func (h *Handler) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperrors.RespondBadRequest(c, err.Error())
		return
	}
	u, err := h.directory.Register(c.Request.Context(), directory.Registration{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Role:     req.Role,
	})
	if err != nil {
		h.fail(c, "register user", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": u.ID, "username": u.Username, "role": u.Role})
}

type loginRequest struct {
	Username string `json:"username"` // username or email
	Password string `json:"password"`
}

func (h *Handler) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperrors.RespondBadRequest(c, err.Error())
		return
	}
	token, u, err := h.directory.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		h.fail(c, "log in", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user_id": u.ID, "role": u.Role})
}

type createSessionRequest struct {
	ChatbotID string `json:"chatbot_id"`
}

func (h *Handler) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperrors.RespondBadRequest(c, err.Error())
		return
	}
	sess, created, err := h.sessions.CreateOrGetSession(c.Request.Context(), req.ChatbotID, actorID(c))
	if err != nil {
		h.fail(c, "create session", err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	c.JSON(code, gin.H{"session_id": sess.ID, "type": sess.Type, "status": sess.Status})
}

type messageResponse struct {
	ID         string           `json:"id"`
	Seq        int64            `json:"seq"`
	UserID     *string          `json:"user_id"`
	SenderType model.SenderType `json:"sender_type"`
	Content    string           `json:"content"`
	CreatedAt  time.Time        `json:"created_at"`
}

func (h *Handler) handleListMessages(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := h.authz.Authorize(c.Request.Context(), sessionID, actorID(c)); err != nil {
		h.fail(c, "authorize history", err)
		return
	}
	msgs, err := h.history.ListMessages(c.Request.Context(), sessionID, storage.ListOptions{Order: storage.OldestFirst})
	if err != nil {
		h.fail(c, "list messages", chaterrors.ErrDatabaseError(err))
		return
	}
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageResponse{
			ID:         m.ID,
			Seq:        m.Seq,
			UserID:     m.SenderID,
			SenderType: m.SenderType,
			Content:    m.Content,
			CreatedAt:  m.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

type askRequest struct {
	CurrentNodeID string `json:"current_node_id"`
	Query         string `json:"query"`
}

func (h *Handler) handleAsk(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperrors.RespondBadRequest(c, err.Error())
		return
	}
	msg, err := h.assistant.Ask(c.Request.Context(), c.Param("id"), req.CurrentNodeID, req.Query, actorID(c))
	if err != nil {
		h.fail(c, "answer query", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"response": msg.Content, "message_id": msg.ID, "seq": msg.Seq})
}

func (h *Handler) handleAskStateless(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperrors.RespondBadRequest(c, err.Error())
		return
	}
	answer, err := h.assistant.AskStateless(c.Request.Context(), c.Param("id"), req.CurrentNodeID, req.Query, actorID(c))
	if err != nil {
		h.fail(c, "answer stateless query", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"response": answer})
}

func (h *Handler) handleRequestHuman(c *gin.Context) {
	actor := actorID(c)
	sess, changed, err := h.sessions.RequestHuman(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		h.fail(c, "request human", err)
		return
	}
	if changed {
		h.publisher.PublishSessionUpdate(c.Request.Context(), sess)
		h.publisher.NotifyHandoff(sess, actor)
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sess.ID, "type": sess.Type, "status": sess.Status})
}

func (h *Handler) handleResolve(c *gin.Context) {
	sess, changed, err := h.sessions.Resolve(c.Request.Context(), c.Param("id"), actorID(c))
	if err != nil {
		h.fail(c, "resolve session", err)
		return
	}
	if changed {
		h.publisher.PublishSessionUpdate(c.Request.Context(), sess)
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sess.ID, "type": sess.Type, "status": sess.Status})
}

type sessionResponse struct {
	SessionID string              `json:"session_id"`
	ChatbotID string              `json:"chatbot_id"`
	UserID    *string             `json:"user_id"`
	Type      model.SessionType   `json:"type"`
	Status    model.SessionStatus `json:"status"`
	CreatedAt time.Time           `json:"created_at"`
}

func (h *Handler) handleCreatorSessions(c *gin.Context) {
	sessions, err := h.sessions.ListCreatorSessions(c.Request.Context(), actorID(c))
	if err != nil {
		h.fail(c, "list creator sessions", err)
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionResponse{
			SessionID: s.ID,
			ChatbotID: s.ChatbotID,
			UserID:    s.UserID,
			Type:      s.Type,
			Status:    s.Status,
			CreatedAt: s.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

type createChatbotRequest struct {
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Visibility  model.Visibility   `json:"visibility"`
	Tree        *knowledge.Outline `json:"tree"`
}

func (h *Handler) handleCreateChatbot(c *gin.Context) {
	var req createChatbotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperrors.RespondBadRequest(c, err.Error())
		return
	}
	bot, err := h.directory.CreateChatbot(c.Request.Context(), actorID(c), directory.ChatbotDraft{
		Title:       req.Title,
		Description: req.Description,
		Visibility:  req.Visibility,
		Tree:        req.Tree,
	})
	if err != nil {
		h.fail(c, "create chatbot", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": bot.ID})
}

func (h *Handler) handleGetChatbot(c *gin.Context) {
	view, err := h.directory.GetChatbot(c.Request.Context(), c.Param("id"), actorID(c))
	if err != nil {
		h.fail(c, "get chatbot", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) handleListChatbots(c *gin.Context) {
	bots, err := h.directory.ListPublicChatbots(c.Request.Context(), c.Query("search"))
	if err != nil {
		h.fail(c, "list chatbots", err)
		return
	}
	if bots == nil {
		bots = []*model.Chatbot{}
	}
	c.JSON(http.StatusOK, bots)
}

func (h *Handler) handleCreatorChatbots(c *gin.Context) {
	bots, err := h.directory.ListOwnedChatbots(c.Request.Context(), actorID(c))
	if err != nil {
		h.fail(c, "list owned chatbots", err)
		return
	}
	if bots == nil {
		bots = []*model.Chatbot{}
	}
	c.JSON(http.StatusOK, bots)
}

func (h *Handler) handleDeleteChatbot(c *gin.Context) {
	if err := h.directory.DeleteChatbot(c.Request.Context(), c.Param("id"), actorID(c)); err != nil {
		h.fail(c, "delete chatbot", err)
		return
	}
	c.Status(http.StatusNoContent)
}
