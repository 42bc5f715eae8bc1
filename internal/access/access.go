// Package access decides whether an actor may operate on a session.
//
// The rule is evaluated on every call and never cached: an actor may act
// on a session when they are its originating user or the creator of the
// session's chatbot. Guest sessions have no originating user, so only the
// creator reaches them.
package access

import (
	"context"
	"errors"

	chaterrors "github.com/real-rm/chatroom/internal/errors"
	"github.com/real-rm/chatroom/internal/model"
	"github.com/real-rm/chatroom/internal/storage"
	"github.com/rs/zerolog"
)

// Store is the subset of storage the policy reads
type Store interface {
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	GetChatbot(ctx context.Context, chatbotID string) (*model.Chatbot, error)
}

// Claims is the identity attached to a request
type Claims interface {
	HasRole(roles ...string) bool
}

// Decision is the outcome of an access check with the records it loaded
type Decision struct {
	Session   *model.Session
	Chatbot   *model.Chatbot
	IsCreator bool
}

// Policy evaluates access rules against the store
type Policy struct {
	store  Store
	logger zerolog.Logger
}

// NewPolicy creates a policy reading from store
func NewPolicy(store Store, logger zerolog.Logger) *Policy {
	return &Policy{
		store:  store,
		logger: logger.With().Str("component", "access").Logger(),
	}
}

// Allowed is the pure access rule
func Allowed(actorID string, sess *model.Session, bot *model.Chatbot) bool {
	if actorID == "" || sess == nil || bot == nil {
		return false
	}
	return sess.OwnedBy(actorID) || actorID == bot.CreatorID
}

// Visible is the chatbot read rule: creators see their own chatbots, anyone
// else only active chatbots that are not private.
func Visible(actorID string, bot *model.Chatbot) bool {
	if bot == nil {
		return false
	}
	if actorID != "" && actorID == bot.CreatorID {
		return true
	}
	return bot.IsActive && bot.Visibility != model.VisibilityPrivate
}

// ViewChatbot loads the chatbot for actorID. A chatbot the actor may not see
// fails with NOT_FOUND so its existence is not revealed.
func (p *Policy) ViewChatbot(ctx context.Context, chatbotID, actorID string) (*model.Chatbot, error) {
	bot, err := p.store.GetChatbot(ctx, chatbotID)
	if err != nil {
		return nil, storeError("chatbot", chatbotID, err)
	}
	if !Visible(actorID, bot) {
		p.logger.Warn().
			Str("chatbot_id", chatbotID).
			Str("actor_id", actorID).
			Msg("Hidden chatbot requested")
		return nil, chaterrors.ErrNotFound("chatbot", chatbotID)
	}
	return bot, nil
}

// CanAccess reports whether actorID may operate on the session. A missing
// session or chatbot is reported as an error, not as a denial.
func (p *Policy) CanAccess(ctx context.Context, sessionID, actorID string) (bool, error) {
	d, err := p.load(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return Allowed(actorID, d.Session, d.Chatbot), nil
}

// Authorize loads the session and returns it when actorID passes the rule.
// It fails with NOT_FOUND or UNAUTHORIZED.
func (p *Policy) Authorize(ctx context.Context, sessionID, actorID string) (*Decision, error) {
	if actorID == "" {
		return nil, chaterrors.ErrUnauthorized()
	}
	d, err := p.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !Allowed(actorID, d.Session, d.Chatbot) {
		p.logger.Warn().
			Str("session_id", sessionID).
			Str("actor_id", actorID).
			Msg("Access denied")
		return nil, chaterrors.ErrUnauthorized()
	}
	d.IsCreator = actorID == d.Chatbot.CreatorID
	return d, nil
}

func (p *Policy) load(ctx context.Context, sessionID string) (*Decision, error) {
	sess, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, storeError("session", sessionID, err)
	}
	bot, err := p.store.GetChatbot(ctx, sess.ChatbotID)
	if err != nil {
		return nil, storeError("chatbot", sess.ChatbotID, err)
	}
	return &Decision{Session: sess, Chatbot: bot}, nil
}

// RequireRole fails with UNAUTHENTICATED for a missing identity and
// UNAUTHORIZED when none of roles is held.
func RequireRole(claims Claims, roles ...string) error {
	if claims == nil {
		return chaterrors.ErrUnauthenticated()
	}
	if !claims.HasRole(roles...) {
		return chaterrors.ErrUnauthorized()
	}
	return nil
}

// CanManageChatbot loads the chatbot and requires actorID to be its creator
func (p *Policy) CanManageChatbot(ctx context.Context, chatbotID, actorID string) (*model.Chatbot, error) {
	bot, err := p.store.GetChatbot(ctx, chatbotID)
	if err != nil {
		return nil, storeError("chatbot", chatbotID, err)
	}
	if actorID == "" || bot.CreatorID != actorID {
		return nil, chaterrors.ErrUnauthorized()
	}
	return bot, nil
}

// storeError translates storage failures into the error taxonomy
func storeError(resource, id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return chaterrors.ErrNotFound(resource, id)
	}
	return chaterrors.ErrDatabaseError(err)
}
