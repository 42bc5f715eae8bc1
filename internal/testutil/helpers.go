// Package testutil provides fixtures and fakes shared by package tests:
// an in-memory store, the "Tech Support" chatbot, and a scriptable AI
// responder.
package testutil

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/real-rm/chatroom/internal/model"
	"github.com/real-rm/chatroom/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewTestLogger returns a logger that writes errors through t.Log
func NewTestLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.ErrorLevel).With().Timestamp().Logger()
}

// NewStore opens a fresh in-memory SQLite store closed at test end
func NewStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	s, err := storage.NewSQLiteStore(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// TechSupport is a chatbot with the tree
//
//	Root
//	├── Hardware
//	└── Software
//	    └── Login issues
//
// plus its creator, one regular user and an unrelated intruder.
type TechSupport struct {
	Creator  *model.User
	User     *model.User
	Intruder *model.User
	Bot      *model.Chatbot
	Nodes    []model.Node

	RootID     string
	HardwareID string
	SoftwareID string
	LoginID    string
}

// NewUser stores a user with the given role
func NewUser(t *testing.T, store storage.DirectoryStore, username string, role model.Role) *model.User {
	t.Helper()
	u := &model.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "not-a-real-hash",
		Role:         role,
		CreatedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, store.CreateUser(context.Background(), u))
	return u
}

// SeedTechSupport stores the Tech Support fixture
func SeedTechSupport(t *testing.T, store storage.DirectoryStore) *TechSupport {
	t.Helper()
	f := &TechSupport{
		Creator:  NewUser(t, store, "creator", model.RoleCreator),
		User:     NewUser(t, store, "alice", model.RoleUser),
		Intruder: NewUser(t, store, "mallory", model.RoleUser),
	}

	f.Bot = &model.Chatbot{
		ID:          uuid.NewString(),
		CreatorID:   f.Creator.ID,
		Title:       "Tech Support",
		Description: "Troubleshooting help",
		Visibility:  model.VisibilityPublic,
		IsActive:    true,
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}

	f.RootID = "ts-root"
	f.HardwareID = "ts-hardware"
	f.SoftwareID = "ts-software"
	f.LoginID = "ts-software-login"
	f.Nodes = []model.Node{
		{ID: f.RootID, ChatbotID: f.Bot.ID, Label: "Root", Content: "Welcome to Tech Support."},
		{ID: f.HardwareID, ChatbotID: f.Bot.ID, Label: "Hardware", Content: "Check cables and power.", ParentID: &f.RootID},
		{ID: f.SoftwareID, ChatbotID: f.Bot.ID, Label: "Software", Content: "Restart the application.", ParentID: &f.RootID},
		{ID: f.LoginID, ChatbotID: f.Bot.ID, Label: "Login issues", Content: "Reset your password from the login page.", ParentID: &f.SoftwareID},
	}
	require.NoError(t, store.CreateChatbot(context.Background(), f.Bot, f.Nodes))
	return f
}

// NewSession stores an active ai_conversation session. A nil userID makes a guest session.
func NewSession(t *testing.T, store storage.SessionStore, chatbotID string, userID *string) *model.Session {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)
	sess := &model.Session{
		ID:        uuid.NewString(),
		ChatbotID: chatbotID,
		UserID:    userID,
		Type:      model.TypeAIConversation,
		Status:    model.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.CreateSession(context.Background(), sess))
	return sess
}

// MockResponder is a scriptable AI responder that records its calls
type MockResponder struct {
	mu sync.Mutex

	Answer string
	Err    error
	// Block makes calls wait until the context ends or Release is closed
	Block   bool
	Release chan struct{}

	Calls        int
	LastPrompt   string
	LastQuery    string
	GenerateFunc func(ctx context.Context, prompt, query string) (string, error)
}

// NewMockResponder answers every call with answer
func NewMockResponder(answer string) *MockResponder {
	return &MockResponder{Answer: answer, Release: make(chan struct{})}
}

// GenerateResponse records the call and returns the scripted result
func (m *MockResponder) GenerateResponse(ctx context.Context, prompt, query string) (string, error) {
	m.mu.Lock()
	m.Calls++
	m.LastPrompt = prompt
	m.LastQuery = query
	block, release, fn, answer, err := m.Block, m.Release, m.GenerateFunc, m.Answer, m.Err
	m.mu.Unlock()

	if block {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-release:
		}
	}
	if fn != nil {
		return fn(ctx, prompt, query)
	}
	if err != nil {
		return "", err
	}
	return answer, nil
}

// CallCount returns the number of calls so far
func (m *MockResponder) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}

// Prompt returns the last prompt received
func (m *MockResponder) Prompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LastPrompt
}

// AssertGoroutineCount fails when the goroutine count grew beyond a small tolerance
func AssertGoroutineCount(t *testing.T, before, after int, description string) {
	t.Helper()
	const tolerance = 5
	t.Logf("Goroutine count (%s): %d -> %d", description, before, after)
	assert.InDelta(t, before, after, float64(tolerance),
		"Goroutine count should not increase significantly")
}

// MeasureGoroutines returns the current goroutine count
func MeasureGoroutines() int {
	return runtime.NumGoroutine()
}

// WaitForGoroutines gives exiting goroutines time to finish
func WaitForGoroutines() {
	runtime.GC()
	time.Sleep(100 * time.Millisecond)
}

// Eventually polls cond until it holds or the timeout passes
func Eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	assert.Eventually(t, cond, 2*time.Second, 10*time.Millisecond, msg)
}
