// Package router admits connections into session rooms and routes realtime
// events to their handlers. Every persisted message is broadcast to the
// room under a per-session lock, so members see messages in stored order.
package router

import (
	"context"
	"errors"
	"sync"

	"github.com/real-rm/chatroom/internal/access"
	"github.com/real-rm/chatroom/internal/constants"
	chaterrors "github.com/real-rm/chatroom/internal/errors"
	"github.com/real-rm/chatroom/internal/fanout"
	"github.com/real-rm/chatroom/internal/message"
	"github.com/real-rm/chatroom/internal/metrics"
	"github.com/real-rm/chatroom/internal/model"
	"github.com/real-rm/chatroom/internal/ratelimit"
	"github.com/real-rm/chatroom/internal/storage"
	"github.com/real-rm/chatroom/internal/util"
	"github.com/rs/zerolog"
)

// Store persists chat messages
type Store interface {
	AppendMessage(ctx context.Context, sessionID string, senderID *string, senderType model.SenderType, content string) (*model.Message, error)
}

// Authorizer checks an actor against a session
type Authorizer interface {
	Authorize(ctx context.Context, sessionID, actorID string) (*access.Decision, error)
}

// Sessions runs session state transitions
type Sessions interface {
	RequestHuman(ctx context.Context, sessionID, actorID string) (*model.Session, bool, error)
}

// Notifier tells the creator about a handoff
type Notifier interface {
	NotifyHandoff(ctx context.Context, sess *model.Session, requestedBy string) error
}

type handlerFunc func(ctx context.Context, c Client, in *message.Inbound) error

// Options configures a MessageRouter
type Options struct {
	Store    Store
	Authz    Authorizer
	Sessions Sessions
	Notifier Notifier // optional
	Limiter  *ratelimit.MessageLimiter
	RoomLock fanout.Locker // optional; required for ordering across instances
	Logger   zerolog.Logger
}

// MessageRouter routes inbound events and broadcasts room frames
type MessageRouter struct {
	registry    *Registry
	store       Store
	authz       Authorizer
	sessions    Sessions
	notifier    Notifier
	limiter     *ratelimit.MessageLimiter
	locks       *util.KeyedMutex
	roomLock    fanout.Locker
	handlers    map[message.EventType]handlerFunc
	logger      zerolog.Logger
	broadcaster fanout.Broadcaster
	bmu         sync.RWMutex
	wg          sync.WaitGroup
}

// NewMessageRouter creates a router with a local broadcaster
func NewMessageRouter(opts Options) *MessageRouter {
	r := &MessageRouter{
		registry: NewRegistry(),
		store:    opts.Store,
		authz:    opts.Authz,
		sessions: opts.Sessions,
		notifier: opts.Notifier,
		limiter:  opts.Limiter,
		locks:    util.NewKeyedMutex(),
		roomLock: opts.RoomLock,
		logger:   opts.Logger.With().Str("component", "router").Logger(),
	}
	r.broadcaster = fanout.NewLocal(r.Deliver)
	r.handlers = map[message.EventType]handlerFunc{
		message.EventJoin:         r.handleJoin,
		message.EventMessage:      r.handleMessage,
		message.EventRequestHuman: r.handleRequestHuman,
		message.EventLeave:        r.handleLeave,
	}
	return r
}

// SetBroadcaster replaces the local broadcaster, typically with fanout.Redis
// constructed around r.Deliver
func (r *MessageRouter) SetBroadcaster(b fanout.Broadcaster) {
	r.bmu.Lock()
	defer r.bmu.Unlock()
	r.broadcaster = b
}

// Registry exposes room membership
func (r *MessageRouter) Registry() *Registry {
	return r.registry
}

// Route dispatches one inbound event. Failures are reported to c only and
// returned for logging.
func (r *MessageRouter) Route(ctx context.Context, c Client, in *message.Inbound) error {
	handler, ok := r.handlers[in.Event]
	if !ok {
		err := chaterrors.ErrValidation("unknown event: " + string(in.Event))
		r.sendError(c, in.SessionID, err)
		return err
	}
	if err := handler(ctx, c, in); err != nil {
		metrics.MessageErrors.Inc()
		r.sendError(c, in.SessionID, err)
		return err
	}
	return nil
}

func (r *MessageRouter) handleJoin(ctx context.Context, c Client, in *message.Inbound) error {
	if _, err := r.authz.Authorize(ctx, in.SessionID, c.UserID()); err != nil {
		metrics.RoomJoins.WithLabelValues(joinOutcome(err)).Inc()
		return err
	}
	metrics.RoomJoins.WithLabelValues("admitted").Inc()

	if !r.admit(in.SessionID, c) {
		r.sendStatus(c, in.SessionID, c.Name()+" is already in the room.")
		return nil
	}
	r.logger.Info().
		Str("session_id", in.SessionID).
		Str("user_id", c.UserID()).
		Str("connection_id", c.ID()).
		Msg("Connection joined room")
	return r.publishEvent(ctx, in.SessionID, message.EventStatus, message.StatusPayload{
		Msg:       c.Name() + " has entered the room.",
		SessionID: in.SessionID,
	})
}

func (r *MessageRouter) admit(sessionID string, c Client) bool {
	if r.registry.Add(RoomKey(sessionID), c) {
		metrics.RoomMembers.Inc()
		metrics.ActiveRooms.Set(float64(r.registry.RoomCount()))
		return true
	}
	return false
}

func (r *MessageRouter) handleMessage(ctx context.Context, c Client, in *message.Inbound) error {
	if r.limiter != nil && !r.limiter.Allow(c.UserID()) {
		return chaterrors.ErrTooManyRequests(r.limiter.RetryAfter(c.UserID()))
	}

	d, err := r.authz.Authorize(ctx, in.SessionID, c.UserID())
	if err != nil {
		return err
	}
	// a sender always receives its own broadcast
	r.admit(in.SessionID, c)

	senderType := model.SenderUser
	if d.IsCreator {
		senderType = model.SenderCreator
	}
	actor := c.UserID()
	_, err = r.AppendMessage(ctx, in.SessionID, &actor, senderType, in.Content)
	return err
}

func (r *MessageRouter) handleRequestHuman(ctx context.Context, c Client, in *message.Inbound) error {
	sess, changed, err := r.sessions.RequestHuman(ctx, in.SessionID, c.UserID())
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	if err := r.publishEvent(ctx, sess.ID, message.EventStatus, message.StatusPayload{
		Msg:       c.Name() + " requested a human agent.",
		SessionID: sess.ID,
	}); err != nil {
		return err
	}
	r.PublishSessionUpdate(ctx, sess)
	r.NotifyHandoff(sess, c.UserID())
	return nil
}

func (r *MessageRouter) handleLeave(ctx context.Context, c Client, in *message.Inbound) error {
	if !r.registry.Remove(RoomKey(in.SessionID), c.ID()) {
		return nil
	}
	metrics.RoomMembers.Dec()
	metrics.ActiveRooms.Set(float64(r.registry.RoomCount()))
	return r.publishEvent(ctx, in.SessionID, message.EventStatus, message.StatusPayload{
		Msg:       c.Name() + " has left the room.",
		SessionID: in.SessionID,
	})
}

// Disconnect evicts c from every room it joined
func (r *MessageRouter) Disconnect(c Client) {
	rooms := r.registry.RemoveAll(c.ID())
	metrics.RoomMembers.Sub(float64(len(rooms)))
	metrics.ActiveRooms.Set(float64(r.registry.RoomCount()))
	if len(rooms) > 0 {
		r.logger.Debug().
			Str("connection_id", c.ID()).
			Strs("rooms", rooms).
			Msg("Connection left rooms on disconnect")
	}
}

// AppendMessage persists a message and broadcasts it to the session room
// while holding the session lock, so broadcast order equals stored order.
func (r *MessageRouter) AppendMessage(ctx context.Context, sessionID string, senderID *string, senderType model.SenderType, content string) (*model.Message, error) {
	unlock, err := r.lockRoom(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	msg, err := r.store.AppendMessage(ctx, sessionID, senderID, senderType, content)
	if err != nil {
		return nil, storeError(sessionID, err)
	}
	metrics.MessagesPersisted.WithLabelValues(string(senderType)).Inc()

	_ = r.broadcast(ctx, sessionID, message.EventMessage, message.ChatPayload{
		ID:         msg.ID,
		SessionID:  msg.SessionID,
		Seq:        msg.Seq,
		UserID:     msg.SenderID,
		SenderType: string(msg.SenderType),
		Content:    msg.Content,
		CreatedAt:  msg.CreatedAt,
	})
	return msg, nil
}

// PublishSessionUpdate announces a session's type and status to its room
func (r *MessageRouter) PublishSessionUpdate(ctx context.Context, sess *model.Session) {
	if err := r.publishEvent(ctx, sess.ID, message.EventSessionUpdated, message.SessionUpdatedPayload{
		SessionID: sess.ID,
		Type:      string(sess.Type),
		Status:    string(sess.Status),
	}); err != nil {
		util.LogError(r.logger, "router", "publish session update", err, "session_id", sess.ID)
	}
}

// NotifyHandoff informs the chatbot creator in the background
func (r *MessageRouter) NotifyHandoff(sess *model.Session, requestedBy string) {
	if r.notifier == nil {
		return
	}
	r.wg.Add(1)
	util.SafeGo(r.logger, "notify-handoff", func() {
		defer r.wg.Done()
		ctx, cancel := util.NewTimeoutContext(context.Background(), constants.NotificationTimeout)
		defer cancel()
		if err := r.notifier.NotifyHandoff(ctx, sess, requestedBy); err != nil {
			util.LogError(r.logger, "router", "notify creator of handoff", err, "session_id", sess.ID)
		}
	})
}

// publishEvent broadcasts a non-message frame under the session lock
func (r *MessageRouter) publishEvent(ctx context.Context, sessionID string, event message.EventType, payload any) error {
	unlock, err := r.lockRoom(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()
	return r.broadcast(ctx, sessionID, event, payload)
}

// lockRoom holds the in-process session lock and, when configured, the
// shared room lock. Frames published under it reach every instance in
// stored order.
func (r *MessageRouter) lockRoom(ctx context.Context, sessionID string) (func(), error) {
	unlock := r.locks.Lock(sessionID)
	if r.roomLock == nil {
		return unlock, nil
	}
	release, err := r.roomLock.Lock(ctx, RoomKey(sessionID))
	if err != nil {
		unlock()
		util.LogError(r.logger, "router", "acquire room lock", err, "session_id", sessionID)
		return nil, chaterrors.NewServiceError(chaterrors.ErrCodeServiceError, "Room is busy, please retry", err)
	}
	return func() {
		release()
		unlock()
	}, nil
}

// broadcast encodes and publishes a frame. Caller holds the session lock.
func (r *MessageRouter) broadcast(ctx context.Context, sessionID string, event message.EventType, payload any) error {
	frame, err := message.Encode(event, payload)
	if err != nil {
		return chaterrors.ErrInvalidMessageFormat("encode frame", err)
	}

	r.bmu.RLock()
	b := r.broadcaster
	r.bmu.RUnlock()

	if err := b.Publish(ctx, RoomKey(sessionID), frame); err != nil {
		util.LogError(r.logger, "router", "publish frame", err, "session_id", sessionID, "event", string(event))
	}
	return nil
}

// Deliver writes frame to the local members of room. Full buffers drop the frame.
func (r *MessageRouter) Deliver(room string, frame []byte) {
	for _, c := range r.registry.Members(room) {
		if !c.Send(frame) {
			metrics.MessagesDropped.Inc()
			r.logger.Warn().
				Str("room", room).
				Str("connection_id", c.ID()).
				Msg("Dropped frame for slow connection")
		}
	}
}

// sendStatus writes a status frame to c only
func (r *MessageRouter) sendStatus(c Client, sessionID, msg string) {
	frame, err := message.Encode(message.EventStatus, message.StatusPayload{Msg: msg, SessionID: sessionID})
	if err != nil {
		util.LogError(r.logger, "router", "encode status frame", err)
		return
	}
	if !c.Send(frame) {
		metrics.MessagesDropped.Inc()
	}
}

func (r *MessageRouter) sendError(c Client, sessionID string, err error) {
	var chatErr *chaterrors.ChatError
	if !errors.As(err, &chatErr) {
		chatErr = chaterrors.NewServiceError(chaterrors.ErrCodeServiceError, "Failed to process event", err)
	}
	payload := chatErr.ToErrorPayload()
	payload.SessionID = sessionID

	frame, encErr := message.Encode(message.EventError, payload)
	if encErr != nil {
		util.LogError(r.logger, "router", "encode error frame", encErr)
		return
	}
	if !c.Send(frame) {
		metrics.MessagesDropped.Inc()
	}
}

// Shutdown waits for background notifications and closes the broadcaster
func (r *MessageRouter) Shutdown() error {
	r.wg.Wait()
	r.bmu.RLock()
	b := r.broadcaster
	r.bmu.RUnlock()
	return b.Close()
}

func storeError(sessionID string, err error) error {
	var chatErr *chaterrors.ChatError
	switch {
	case errors.As(err, &chatErr):
		return chatErr
	case errors.Is(err, storage.ErrNotFound):
		return chaterrors.ErrNotFound("session", sessionID)
	case errors.Is(err, storage.ErrInvalidArgument):
		return chaterrors.ErrValidation(err.Error())
	default:
		return chaterrors.ErrDatabaseError(err)
	}
}

func joinOutcome(err error) string {
	switch chaterrors.CodeOf(err) {
	case chaterrors.ErrCodeUnauthorized, chaterrors.ErrCodeUnauthenticated:
		return "unauthorized"
	case chaterrors.ErrCodeNotFound:
		return "not_found"
	default:
		return "error"
	}
}
