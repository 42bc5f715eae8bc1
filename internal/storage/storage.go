// Package storage persists users, chatbots, knowledge nodes, sessions and
// the append-only message log. Two backends implement Store: SQLite for
// single-node deployments and tests, MongoDB for shared deployments.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/real-rm/chatroom/internal/metrics"
	"github.com/real-rm/chatroom/internal/model"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned when the requested record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a unique constraint is violated,
	// including a second active session for the same (chatbot, user)
	ErrConflict = errors.New("record already exists")
	// ErrInvalidArgument is returned for empty identifiers or nil records
	ErrInvalidArgument = errors.New("invalid argument")
)

// Order selects the direction of a message listing
type Order int

const (
	// OldestFirst returns messages in append order
	OldestFirst Order = iota
	// NewestFirst returns messages in reverse append order
	NewestFirst
)

// ListOptions bounds a message listing. With OldestFirst and a positive
// Limit, the newest Limit messages are returned in append order.
type ListOptions struct {
	Limit int
	Order Order
}

// ChatbotFilter narrows ListChatbots
type ChatbotFilter struct {
	Search     string // case-insensitive substring of the title
	PublicOnly bool   // only active, public chatbots
	CreatorID  string
}

// MessageStore is the append-only, ordered message log
type MessageStore interface {
	// AppendMessage assigns the next per-session sequence number and a
	// non-decreasing timestamp, and persists the message before returning.
	AppendMessage(ctx context.Context, sessionID string, senderID *string, senderType model.SenderType, content string) (*model.Message, error)
	ListMessages(ctx context.Context, sessionID string, opts ListOptions) ([]*model.Message, error)
}

// SessionStore persists chat sessions
type SessionStore interface {
	// CreateSession returns ErrConflict when an active session already
	// exists for the same chatbot and non-null user.
	CreateSession(ctx context.Context, sess *model.Session) error
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	FindActiveSession(ctx context.Context, chatbotID, userID string) (*model.Session, error)
	// UpdateSessionState atomically moves a session from one state to
	// another. It reports false when the stored state no longer equals from.
	UpdateSessionState(ctx context.Context, sessionID string, from, to model.SessionState) (bool, error)
	// ListOpenSessionsByCreator returns non-resolved sessions of the given
	// type on chatbots owned by creatorID, newest first.
	ListOpenSessionsByCreator(ctx context.Context, creatorID string, sessionType model.SessionType) ([]*model.Session, error)
}

// DirectoryStore persists the records owned by the directory collaborator
type DirectoryStore interface {
	CreateUser(ctx context.Context, user *model.User) error
	GetUser(ctx context.Context, userID string) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)

	// CreateChatbot stores the chatbot and its nodes as one unit: readers
	// never observe a chatbot with a partial tree.
	CreateChatbot(ctx context.Context, bot *model.Chatbot, nodes []model.Node) error
	GetChatbot(ctx context.Context, chatbotID string) (*model.Chatbot, error)
	ListChatbots(ctx context.Context, filter ChatbotFilter) ([]*model.Chatbot, error)
	// DeleteChatbot removes the chatbot with its nodes, sessions and messages.
	DeleteChatbot(ctx context.Context, chatbotID string) error

	ListNodes(ctx context.Context, chatbotID string) ([]model.Node, error)
	GetNode(ctx context.Context, nodeID string) (*model.Node, error)
}

// Store is the full persistence surface used by the service
type Store interface {
	MessageStore
	SessionStore
	DirectoryStore
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MongoStore)(nil)
)

// Options selects and configures a backend
type Options struct {
	Driver    string // "sqlite" or "mongo"
	SQLiteDSN string
	MongoURI  string
	Database  string
}

// Open returns the backend named by opts.Driver
func Open(ctx context.Context, opts Options, logger zerolog.Logger) (Store, error) {
	switch opts.Driver {
	case "sqlite":
		return NewSQLiteStore(opts.SQLiteDSN, logger)
	case "mongo":
		return NewMongoStore(ctx, opts.MongoURI, opts.Database, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}

// observe records the duration of a store operation
func observe(backend, operation string) func() {
	start := time.Now()
	return func() {
		metrics.StoreOperationDuration.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
	}
}

// nextTimestamp returns a millisecond-precision time strictly after last.
// Both backends store milliseconds, so ordering survives a round trip.
func nextTimestamp(now, last time.Time) time.Time {
	now = now.UTC().Truncate(time.Millisecond)
	if !last.IsZero() && !now.After(last) {
		return last.UTC().Truncate(time.Millisecond).Add(time.Millisecond)
	}
	return now
}

// reverse flips a newest-first page into append order
func reverse(msgs []*model.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

func validSender(senderID *string, senderType model.SenderType) bool {
	if !senderType.Valid() {
		return false
	}
	if senderType.Anonymous() {
		return senderID == nil
	}
	return senderID != nil && *senderID != ""
}
