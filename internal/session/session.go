// Package session owns the lifecycle of chat sessions: idempotent
// creation per (chatbot, user), the one-way handoff to human support and
// terminal resolution. Every transition is checked against the access
// policy and applied in the store as a conditional update.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/real-rm/chatroom/internal/access"
	chaterrors "github.com/real-rm/chatroom/internal/errors"
	"github.com/real-rm/chatroom/internal/metrics"
	"github.com/real-rm/chatroom/internal/model"
	"github.com/real-rm/chatroom/internal/storage"
	"github.com/real-rm/chatroom/internal/util"
	"github.com/rs/zerolog"
)

// maxTransitionAttempts bounds re-reads when a concurrent writer wins the
// conditional update
const maxTransitionAttempts = 3

// Store is the persistence the manager needs
type Store interface {
	storage.SessionStore
}

// Authorizer checks an actor against a session or a chatbot
type Authorizer interface {
	Authorize(ctx context.Context, sessionID, actorID string) (*access.Decision, error)
	ViewChatbot(ctx context.Context, chatbotID, actorID string) (*model.Chatbot, error)
}

// Manager applies session transitions
type Manager struct {
	store  Store
	authz  Authorizer
	locks  *util.KeyedMutex
	logger zerolog.Logger
	now    func() time.Time
}

// NewManager creates a session manager
func NewManager(store Store, authz Authorizer, logger zerolog.Logger) *Manager {
	return &Manager{
		store:  store,
		authz:  authz,
		locks:  util.NewKeyedMutex(),
		logger: logger.With().Str("component", "session").Logger(),
		now:    time.Now,
	}
}

// CreateOrGetSession returns the caller's active session on the chatbot,
// creating an ai_conversation session when none exists. The boolean
// reports whether a new session was created.
func (m *Manager) CreateOrGetSession(ctx context.Context, chatbotID, userID string) (*model.Session, bool, error) {
	if userID == "" {
		return nil, false, chaterrors.ErrUnauthenticated()
	}
	if chatbotID == "" {
		return nil, false, chaterrors.ErrMissingField("chatbot_id")
	}

	bot, err := m.authz.ViewChatbot(ctx, chatbotID, userID)
	if err != nil {
		return nil, false, err
	}
	if !bot.IsActive {
		return nil, false, chaterrors.ErrNotFound("chatbot", chatbotID)
	}

	unlock := m.locks.Lock(chatbotID + "\x00" + userID)
	defer unlock()

	if existing, err := m.store.FindActiveSession(ctx, chatbotID, userID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, chaterrors.ErrDatabaseError(err)
	}

	now := m.now().UTC().Truncate(time.Millisecond)
	sess := &model.Session{
		ID:        uuid.NewString(),
		ChatbotID: chatbotID,
		UserID:    &userID,
		Type:      model.TypeAIConversation,
		Status:    model.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = m.store.CreateSession(ctx, sess)
	if errors.Is(err, storage.ErrConflict) {
		// another instance created it between our read and write
		existing, findErr := m.store.FindActiveSession(ctx, chatbotID, userID)
		if findErr != nil {
			return nil, false, chaterrors.ErrDatabaseError(findErr)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, chaterrors.ErrDatabaseError(err)
	}

	metrics.SessionsCreated.Inc()
	m.logger.Info().
		Str("session_id", sess.ID).
		Str("chatbot_id", chatbotID).
		Str("user_id", userID).
		Msg("Session created")
	return sess, true, nil
}

// Get returns the session when actorID may access it
func (m *Manager) Get(ctx context.Context, sessionID, actorID string) (*model.Session, error) {
	d, err := m.authz.Authorize(ctx, sessionID, actorID)
	if err != nil {
		return nil, err
	}
	return d.Session, nil
}

// RequestHuman hands the session over to human support. Repeating it is
// a no-op; the boolean reports whether the type changed.
func (m *Manager) RequestHuman(ctx context.Context, sessionID, actorID string) (*model.Session, bool, error) {
	sess, changed, err := m.transition(ctx, sessionID, actorID, func(cur model.SessionState) (model.SessionState, bool, error) {
		next, changed, err := model.NextType(cur.Type, model.TypeHumanSupport)
		return model.SessionState{Type: next, Status: cur.Status}, changed, err
	})
	if err != nil {
		return nil, false, err
	}
	if changed {
		metrics.HumanHandoffs.Inc()
		m.logger.Info().Str("session_id", sessionID).Str("actor_id", actorID).Msg("Session handed to human support")
	}
	return sess, changed, nil
}

// Resolve closes the session. Resolving a resolved session is a no-op.
func (m *Manager) Resolve(ctx context.Context, sessionID, actorID string) (*model.Session, bool, error) {
	sess, changed, err := m.transition(ctx, sessionID, actorID, func(cur model.SessionState) (model.SessionState, bool, error) {
		next, changed, err := model.NextStatus(cur.Status, model.StatusResolved)
		return model.SessionState{Type: cur.Type, Status: next}, changed, err
	})
	if err != nil {
		return nil, false, err
	}
	if changed {
		metrics.SessionsResolved.Inc()
		m.logger.Info().Str("session_id", sessionID).Str("actor_id", actorID).Msg("Session resolved")
	}
	return sess, changed, nil
}

// transition re-reads and re-authorizes on every attempt, so a lost race
// is evaluated against the winner's state.
func (m *Manager) transition(ctx context.Context, sessionID, actorID string,
	step func(model.SessionState) (model.SessionState, bool, error)) (*model.Session, bool, error) {

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		d, err := m.authz.Authorize(ctx, sessionID, actorID)
		if err != nil {
			return nil, false, err
		}
		sess := d.Session

		from := sess.State()
		to, changed, err := step(from)
		if err != nil {
			return nil, false, chaterrors.ErrValidation(err.Error())
		}
		if !changed {
			return sess, false, nil
		}

		ok, err := m.store.UpdateSessionState(ctx, sessionID, from, to)
		if err != nil {
			return nil, false, chaterrors.ErrDatabaseError(err)
		}
		if ok {
			sess.Type = to.Type
			sess.Status = to.Status
			sess.UpdatedAt = m.now().UTC()
			return sess, true, nil
		}
		m.logger.Debug().Str("session_id", sessionID).Int("attempt", attempt+1).Msg("Session changed concurrently, retrying")
	}
	return nil, false, chaterrors.ErrConflict("session changed concurrently", nil)
}

// ListCreatorSessions returns the open human-support sessions on the
// creator's chatbots, newest first.
func (m *Manager) ListCreatorSessions(ctx context.Context, creatorID string) ([]*model.Session, error) {
	if creatorID == "" {
		return nil, chaterrors.ErrUnauthenticated()
	}
	sessions, err := m.store.ListOpenSessionsByCreator(ctx, creatorID, model.TypeHumanSupport)
	if err != nil {
		return nil, chaterrors.ErrDatabaseError(err)
	}
	return sessions, nil
}

