package notification

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/real-rm/chatroom/internal/model"
	"github.com/real-rm/chatroom/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type botStore map[string]*model.Chatbot

func (b botStore) GetChatbot(_ context.Context, id string) (*model.Chatbot, error) {
	if bot, ok := b[id]; ok {
		return bot, nil
	}
	return nil, storage.ErrNotFound
}

type recordingSender struct {
	mu   sync.Mutex
	sent []Handoff
	err  error
}

func (r *recordingSender) Send(_ context.Context, h Handoff) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, h)
	return r.err
}

func testSession(id string) *model.Session {
	user := "alice"
	return &model.Session{ID: id, ChatbotID: "bot-1", UserID: &user, Type: model.TypeHumanSupport, Status: model.StatusActive}
}

func newTestService(senders ...Sender) *Service {
	store := botStore{"bot-1": {ID: "bot-1", CreatorID: "creator-1", Title: "Tech Support"}}
	return NewService(store, "https://chat.example.com/", zerolog.Nop(), senders...)
}

func TestNotifyHandoff_ReachesCreator(t *testing.T) {
	rec := &recordingSender{}
	svc := newTestService(rec, NewLogSender(zerolog.Nop()))

	require.NoError(t, svc.NotifyHandoff(context.Background(), testSession("s1"), "alice"))

	require.Len(t, rec.sent, 1)
	h := rec.sent[0]
	assert.Equal(t, "creator-1", h.CreatorID)
	assert.Equal(t, "Tech Support", h.ChatbotTitle)
	assert.Equal(t, "https://chat.example.com/creator/sessions/s1", h.Link)
	assert.Contains(t, h.Text(), "User alice requested human support")
}

func TestNotifyHandoff_GuestText(t *testing.T) {
	h := Handoff{ChatbotTitle: "Bot", SessionID: "s1"}
	assert.True(t, strings.HasPrefix(h.Text(), "A guest requested"))
}

func TestNotifyHandoff_RateLimitedPerSession(t *testing.T) {
	rec := &recordingSender{}
	svc := newTestService(rec)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		require.NoError(t, svc.NotifyHandoff(ctx, testSession("s1"), "alice"))
	}
	require.NoError(t, svc.NotifyHandoff(ctx, testSession("s2"), "alice"))
	assert.Len(t, rec.sent, 6)
}

func TestNotifyHandoff_Errors(t *testing.T) {
	failing := &recordingSender{err: errors.New("smtp down")}
	ok := &recordingSender{}
	svc := newTestService(failing, ok)

	err := svc.NotifyHandoff(context.Background(), testSession("s1"), "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp down")
	assert.Len(t, ok.sent, 1)

	missing := testSession("s2")
	missing.ChatbotID = "gone"
	err = svc.NotifyHandoff(context.Background(), missing, "alice")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRateLimiter_Window(t *testing.T) {
	rl := NewRateLimiter(time.Minute, 2)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("k"))
	assert.True(t, rl.Allow("k"))
	assert.False(t, rl.Allow("k"))

	now = now.Add(61 * time.Second)
	assert.True(t, rl.Allow("k"))
}

func TestRedisSender_Publishes(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	sub := client.Subscribe(ctx, "chatroom:notifications")
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, NewRedisSender(client).Send(ctx, Handoff{SessionID: "s1", CreatorID: "c1"}))

	select {
	case msg := <-sub.Channel():
		assert.Contains(t, msg.Payload, `"session_id":"s1"`)
	case <-time.After(5 * time.Second):
		t.Fatal("notification not received")
	}
}
