// Package websocket upgrades authenticated HTTP requests to WebSocket
// connections and pumps realtime events between clients and the router.
package websocket

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/real-rm/chatroom/internal/auth"
	"github.com/real-rm/chatroom/internal/constants"
	chaterrors "github.com/real-rm/chatroom/internal/errors"
	"github.com/real-rm/chatroom/internal/message"
	"github.com/real-rm/chatroom/internal/metrics"
	"github.com/real-rm/chatroom/internal/ratelimit"
	"github.com/real-rm/chatroom/internal/router"
	"github.com/real-rm/chatroom/internal/util"
	"github.com/rs/zerolog"
)

var (
	upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	// pongWait is the time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	writeWait = 10 * time.Second
)

// TokenValidator authenticates a bearer token
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// EventRouter handles inbound events and connection teardown
type EventRouter interface {
	Route(ctx context.Context, c router.Client, in *message.Inbound) error
	Disconnect(c router.Client)
}

// Connection is one authenticated WebSocket. It implements router.Client.
type Connection struct {
	conn   *websocket.Conn
	id     string
	userID string
	name   string
	roles  []string

	send chan []byte
	// closing is set before send is closed so Send never writes to a closed channel
	closing atomic.Bool
	sendMu  sync.RWMutex
	mu      sync.Mutex
}

// NewConnection creates a connection without a socket, for tests and tools
func NewConnection(userID, name string, roles []string) *Connection {
	if name == "" {
		name = userID
	}
	return newConnection(nil, &auth.Claims{UserID: userID, Name: name, Roles: roles})
}

func newConnection(conn *websocket.Conn, claims *auth.Claims) *Connection {
	return &Connection{
		conn:   conn,
		id:     claims.UserID + "-" + uuid.NewString(),
		userID: claims.UserID,
		name:   claims.Name,
		roles:  claims.Roles,
		send:   make(chan []byte, constants.SendBufferSize),
	}
}

// ID returns the connection id
func (c *Connection) ID() string { return c.id }

// UserID returns the authenticated user id
func (c *Connection) UserID() string { return c.userID }

// Name returns the display name from the token
func (c *Connection) Name() string { return c.name }

// Roles returns the roles from the token
func (c *Connection) Roles() []string { return c.roles }

// Send queues frame for the write pump. It never blocks: a full buffer or a
// closing connection drops the frame and reports false.
func (c *Connection) Send(frame []byte) bool {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closing.Load() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// closeSend marks the connection closing and closes the send channel once
func (c *Connection) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closing.CompareAndSwap(false, true) {
		close(c.send)
	}
}

// Close closes the underlying socket
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Handler manages WebSocket upgrades and live connections
type Handler struct {
	validator      TokenValidator
	router         EventRouter
	connLimiter    *ratelimit.ConnectionLimiter
	logger         zerolog.Logger
	maxMessageSize int64
	allowedOrigins map[string]bool

	ctx    context.Context
	cancel context.CancelFunc

	connections map[string]map[string]*Connection
	mu          sync.RWMutex
	wg          sync.WaitGroup
}

// NewHandler creates a handler. maxConnsPerUser <= 0 selects the default cap.
func NewHandler(validator TokenValidator, r EventRouter, logger zerolog.Logger, maxMessageSize int64, maxConnsPerUser int) *Handler {
	if maxMessageSize <= 0 {
		maxMessageSize = constants.DefaultMaxMessageSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		validator:      validator,
		router:         r,
		connLimiter:    ratelimit.NewConnectionLimiter(maxConnsPerUser),
		logger:         logger.With().Str("component", "websocket").Logger(),
		maxMessageSize: maxMessageSize,
		allowedOrigins: make(map[string]bool),
		ctx:            ctx,
		cancel:         cancel,
		connections:    make(map[string]map[string]*Connection),
	}
}

// SetAllowedOrigins restricts upgrades to the given origins. An empty list
// allows every origin.
func (h *Handler) SetAllowedOrigins(origins []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.allowedOrigins = make(map[string]bool, len(origins))
	for _, origin := range origins {
		h.allowedOrigins[origin] = true
	}
	h.logger.Info().Strs("origins", origins).Msg("Configured allowed origins")
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.allowedOrigins) == 0 || h.allowedOrigins[origin] {
		return true
	}
	h.logger.Warn().Str("origin", origin).Msg("Origin not allowed")
	return false
}

// HandleWebSocket authenticates the request, applies the per-user
// connection cap and upgrades it.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token, fromQuery := util.TokenFromRequest(r.Header.Get(constants.HeaderAuthorization), r.URL.Query().Get("token"))
	if token == "" {
		http.Error(w, constants.ErrMsgInvalidAuthHeader, http.StatusUnauthorized)
		return
	}
	if fromQuery {
		h.logger.Debug().Msg("JWT provided via query parameter")
	}

	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		h.logger.Warn().Err(err).Msg("JWT validation failed")
		http.Error(w, constants.ErrMsgInvalidToken, http.StatusUnauthorized)
		return
	}

	if !h.connLimiter.Allow(claims.UserID) {
		h.logger.Warn().Str("user_id", claims.UserID).Msg("Connection limit exceeded")
		chatErr := chaterrors.ErrConnectionLimitExceeded(int(constants.ConnectionRetryAfter.Milliseconds()))
		w.Header().Set("Retry-After", strconv.Itoa(int(constants.ConnectionRetryAfter.Seconds())))
		http.Error(w, chatErr.Message, http.StatusTooManyRequests)
		return
	}

	localUpgrader := upgrader
	localUpgrader.CheckOrigin = h.checkOrigin
	ws, err := localUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.connLimiter.Release(claims.UserID)
		util.LogError(h.logger, "websocket", "upgrade connection", err)
		return
	}
	ws.SetReadLimit(h.maxMessageSize)

	c := newConnection(ws, claims)
	h.register(c)

	if frame, err := message.Encode(message.EventConnected, message.ConnectedPayload{UserID: c.userID, ConnectionID: c.id}); err == nil {
		c.Send(frame)
	}

	h.wg.Add(2)
	util.SafeGo(h.logger, "readPump", func() {
		defer h.wg.Done()
		h.readPump(c)
	})
	util.SafeGo(h.logger, "writePump", func() {
		defer h.wg.Done()
		c.writePump()
	})
}

func (h *Handler) register(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connections[c.userID] == nil {
		h.connections[c.userID] = make(map[string]*Connection)
	}
	h.connections[c.userID][c.id] = c
	metrics.WebSocketConnections.Inc()

	h.logger.Info().
		Str("user_id", c.userID).
		Str("connection_id", c.id).
		Int("user_connections", len(h.connections[c.userID])).
		Msg("Connection registered")
}

// unregister removes c, closes its send channel and frees its slot. Safe to
// call more than once.
func (h *Handler) unregister(c *Connection) {
	h.mu.Lock()
	userConns, ok := h.connections[c.userID]
	if ok {
		_, ok = userConns[c.id]
	}
	if ok {
		delete(userConns, c.id)
		if len(userConns) == 0 {
			delete(h.connections, c.userID)
		}
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	h.router.Disconnect(c)
	c.closeSend()
	h.connLimiter.Release(c.userID)
	metrics.WebSocketConnections.Dec()
	h.logger.Info().Str("user_id", c.userID).Str("connection_id", c.id).Msg("Connection unregistered")
}

// ConnectionCount returns the number of live connections for userID
func (h *Handler) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[userID])
}

func (h *Handler) sendError(c *Connection, sessionID string, chatErr *chaterrors.ChatError) {
	payload := chatErr.ToErrorPayload()
	payload.SessionID = sessionID
	if frame, err := message.Encode(message.EventError, payload); err == nil {
		c.Send(frame)
	}
}

// handleFrame decodes, validates and routes one inbound frame
func (h *Handler) handleFrame(c *Connection, raw []byte) {
	in, err := message.Decode(raw)
	if err != nil {
		metrics.MessageErrors.Inc()
		h.logger.Warn().Err(err).Str("connection_id", c.id).Msg("Failed to parse frame")
		h.sendError(c, "", chaterrors.ErrInvalidMessageFormat("malformed frame", err))
		return
	}

	in.Sanitize()
	if err := in.Validate(); err != nil {
		metrics.MessageErrors.Inc()
		h.sendError(c, in.SessionID, chaterrors.ErrValidation(err.Error()))
		return
	}
	if in.UserID != "" && in.UserID != c.userID {
		h.logger.Debug().
			Str("connection_id", c.id).
			Str("claimed_user_id", in.UserID).
			Msg("Ignoring payload user_id that differs from the authenticated user")
	}
	metrics.MessagesReceived.Inc()

	ctx, cancel := util.NewDefaultTimeoutContext(h.ctx)
	defer cancel()
	if err := h.router.Route(ctx, c, in); err != nil {
		h.logger.Debug().
			Err(err).
			Str("connection_id", c.id).
			Str("session_id", in.SessionID).
			Str("event", string(in.Event)).
			Msg("Event rejected")
	}
}

// readPump handles inbound frames one at a time until the socket fails
func (h *Handler) readPump(c *Connection) {
	defer func() {
		h.unregister(c)
		_ = c.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				h.logger.Warn().Str("connection_id", c.id).Int64("limit", h.maxMessageSize).Msg("WebSocket message size limit exceeded")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
				util.LogError(h.logger, "websocket", "read frame", err, "connection_id", c.id)
			default:
				h.logger.Debug().Str("connection_id", c.id).Msg("WebSocket connection closing")
			}
			return
		}
		h.handleFrame(c, raw)
	}
}

// writePump drains the send channel and keeps the connection alive with pings
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
			metrics.MessagesSent.Inc()

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Shutdown closes every connection and waits for the pumps, bounded by ctx
func (h *Handler) Shutdown(ctx context.Context) error {
	h.cancel()

	h.mu.RLock()
	var conns []*Connection
	for _, userConns := range h.connections {
		for _, c := range userConns {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	h.logger.Info().Int("connections", len(conns)).Msg("Shutting down WebSocket handler")
	for _, c := range conns {
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutting down"),
				time.Now().Add(writeWait))
		}
		c.mu.Unlock()
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		h.logger.Warn().Msg("Shutdown deadline exceeded, forcing closure")
		return ctx.Err()
	}
}
