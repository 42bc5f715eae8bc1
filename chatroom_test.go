package chatroom

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/real-rm/chatroom/internal/config"
	"github.com/real-rm/chatroom/internal/constants"
	"github.com/real-rm/chatroom/internal/message"
	"github.com/real-rm/chatroom/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const prefix = "/chat"

type testServer struct {
	url string
	svc *Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts, svc := startServer(t)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, svc.Shutdown(ctx))
		ts.Close()
	})
	return &testServer{url: ts.URL + prefix, svc: svc}
}

// startServer runs a service on an SQLite file with the mock responder.
// The caller shuts both down.
func startServer(t *testing.T) (*httptest.Server, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Server: config.ServerConfig{
			Port:            8080,
			PathPrefix:      prefix,
			PublicBaseURL:   "https://chat.example.com",
			JWTSecret:       "k3J9vQ2xW7mZ4pL8rT1nY6bH5cF0gD2s",
			TokenTTL:        time.Hour,
			MaxMessageSize:  constants.DefaultMaxMessageSize,
			ConnectionLimit: 5,
			RateLimit:       100,
			RateWindow:      time.Minute,
		},
		Store: config.StoreConfig{Driver: "sqlite", SQLiteDSN: filepath.Join(t.TempDir(), "chat.db")},
		AI:    config.AIConfig{Provider: "mock", Timeout: 5 * time.Second, HistoryWindow: 10},
		Log:   config.LogConfig{Level: "error", Format: "json"},
	}
	require.NoError(t, cfg.Validate())

	svc, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)

	engine := gin.New()
	svc.Register(engine)
	return httptest.NewServer(engine), svc
}

// call sends a JSON request and decodes a JSON response into out when non-nil
func (s *testServer) call(t *testing.T, method, path, token string, body, out any) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.url+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *testServer) signup(t *testing.T, username, role string) (token, id string) {
	t.Helper()
	var reg struct {
		ID string `json:"id"`
	}
	code := s.call(t, http.MethodPost, "/auth/register", "", map[string]string{
		"username": username,
		"email":    username + "@example.com",
		"password": "correct-horse-battery",
		"role":     role,
	}, &reg)
	require.Equal(t, http.StatusCreated, code)

	var login struct {
		Token  string `json:"token"`
		UserID string `json:"user_id"`
	}
	code = s.call(t, http.MethodPost, "/auth/login", "", map[string]string{
		"username": username,
		"password": "correct-horse-battery",
	}, &login)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, reg.ID, login.UserID)
	return login.Token, login.UserID
}

type outline struct {
	ID       string     `json:"id"`
	Label    string     `json:"label"`
	Children []*outline `json:"children"`
}

type sessionResp struct {
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
}

func TestService_HealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	var health map[string]any
	assert.Equal(t, http.StatusOK, s.call(t, http.MethodGet, "/healthz", "", nil, &health))
	assert.Equal(t, "healthy", health["status"])

	var ready map[string]any
	assert.Equal(t, http.StatusOK, s.call(t, http.MethodGet, "/readyz", "", nil, &ready))
	assert.Equal(t, "ready", ready["status"])

	resp, err := http.Get(s.url + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "chatroom_http_request_duration_seconds")
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var missing map[string]any
	assert.Equal(t, http.StatusNotFound, s.call(t, http.MethodGet, "/no-such-route", "", nil, &missing))
	assert.Equal(t, "NOT_FOUND", missing["code"])
}

func TestService_EchoesRequestID(t *testing.T) {
	s := newTestServer(t)
	req, err := http.NewRequest(http.MethodGet, s.url+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "req-123", resp.Header.Get("X-Request-ID"))
}

func TestService_ChatLifecycle(t *testing.T) {
	s := newTestServer(t)
	creatorToken, _ := s.signup(t, "creator", "creator")
	aliceToken, aliceID := s.signup(t, "alice", "")
	bobToken, _ := s.signup(t, "bob", "")

	// users cannot publish chatbots
	assert.Equal(t, http.StatusForbidden, s.call(t, http.MethodPost, "/chatbots", aliceToken,
		map[string]any{"title": "Nope"}, nil))

	var created struct {
		ID string `json:"id"`
	}
	require.Equal(t, http.StatusCreated, s.call(t, http.MethodPost, "/chatbots", creatorToken, map[string]any{
		"title": "Tech Support",
		"tree": map[string]any{
			"label":   "Root",
			"content": "Start here",
			"children": []map[string]any{
				{"label": "Hardware", "content": "Check the cables first"},
			},
		},
	}, &created))

	var view struct {
		Tree *outline `json:"tree"`
	}
	require.Equal(t, http.StatusOK, s.call(t, http.MethodGet, "/chatbots/"+created.ID, "", nil, &view))
	require.NotNil(t, view.Tree)
	require.Len(t, view.Tree.Children, 1)
	hardwareID := view.Tree.Children[0].ID

	var public []map[string]any
	require.Equal(t, http.StatusOK, s.call(t, http.MethodGet, "/chatbots?search=tech", "", nil, &public))
	assert.Len(t, public, 1)

	var sess sessionResp
	require.Equal(t, http.StatusCreated, s.call(t, http.MethodPost, "/chat-sessions", aliceToken,
		map[string]string{"chatbot_id": created.ID}, &sess))
	assert.Equal(t, "ai_conversation", sess.Type)
	assert.Equal(t, "active", sess.Status)

	var again sessionResp
	require.Equal(t, http.StatusOK, s.call(t, http.MethodPost, "/chat-sessions", aliceToken,
		map[string]string{"chatbot_id": created.ID}, &again))
	assert.Equal(t, sess.SessionID, again.SessionID)

	var ask struct {
		Response string `json:"response"`
		Seq      int64  `json:"seq"`
	}
	require.Equal(t, http.StatusOK, s.call(t, http.MethodPost, "/chat-sessions/"+sess.SessionID+"/ask", aliceToken,
		map[string]string{"current_node_id": hardwareID, "query": "My mouse is dead"}, &ask))
	assert.True(t, strings.HasPrefix(ask.Response, "[MOCK AI RESPONSE]"))
	assert.Equal(t, int64(2), ask.Seq)

	var bad map[string]any
	assert.Equal(t, http.StatusBadRequest, s.call(t, http.MethodPost, "/chat-sessions/"+sess.SessionID+"/ask", aliceToken,
		map[string]string{"current_node_id": "missing", "query": "hi"}, &bad))
	assert.Equal(t, "INVALID_NODE", bad["code"])

	var msgs []struct {
		Seq        int64   `json:"seq"`
		UserID     *string `json:"user_id"`
		SenderType string  `json:"sender_type"`
		Content    string  `json:"content"`
	}
	require.Equal(t, http.StatusOK, s.call(t, http.MethodGet, "/chat-sessions/"+sess.SessionID+"/messages", creatorToken, nil, &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(1), msgs[0].Seq)
	assert.Equal(t, "user", msgs[0].SenderType)
	require.NotNil(t, msgs[0].UserID)
	assert.Equal(t, aliceID, *msgs[0].UserID)
	assert.Equal(t, "ai", msgs[1].SenderType)
	assert.Nil(t, msgs[1].UserID)

	assert.Equal(t, http.StatusForbidden, s.call(t, http.MethodGet, "/chat-sessions/"+sess.SessionID+"/messages", bobToken, nil, nil))
	assert.Equal(t, http.StatusUnauthorized, s.call(t, http.MethodGet, "/chat-sessions/"+sess.SessionID+"/messages", "", nil, nil))

	var stateless struct {
		Response string `json:"response"`
	}
	require.Equal(t, http.StatusOK, s.call(t, http.MethodPost, "/chatbots/"+created.ID+"/ask-ai", bobToken,
		map[string]string{"current_node_id": hardwareID, "query": "Anything?"}, &stateless))
	assert.True(t, strings.HasPrefix(stateless.Response, "[MOCK AI RESPONSE]"))

	var handoff sessionResp
	require.Equal(t, http.StatusOK, s.call(t, http.MethodPost, "/chat-sessions/"+sess.SessionID+"/request-human", aliceToken, nil, &handoff))
	assert.Equal(t, "human_support", handoff.Type)

	var inbox []map[string]any
	require.Equal(t, http.StatusOK, s.call(t, http.MethodGet, "/creator/sessions", creatorToken, nil, &inbox))
	require.Len(t, inbox, 1)
	assert.Equal(t, sess.SessionID, inbox[0]["session_id"])
	assert.Equal(t, http.StatusForbidden, s.call(t, http.MethodGet, "/creator/sessions", aliceToken, nil, nil))

	var resolved sessionResp
	require.Equal(t, http.StatusOK, s.call(t, http.MethodPost, "/chat-sessions/"+sess.SessionID+"/resolve", creatorToken, nil, &resolved))
	assert.Equal(t, "resolved", resolved.Status)

	assert.Equal(t, http.StatusForbidden, s.call(t, http.MethodDelete, "/chatbots/"+created.ID, aliceToken, nil, nil))
	assert.Equal(t, http.StatusNoContent, s.call(t, http.MethodDelete, "/chatbots/"+created.ID, creatorToken, nil, nil))
	assert.Equal(t, http.StatusNotFound, s.call(t, http.MethodGet, "/chatbots/"+created.ID, "", nil, nil))
}

func TestService_PrivateChatbotHiddenFromStrangers(t *testing.T) {
	s := newTestServer(t)
	creatorToken, _ := s.signup(t, "creator", "creator")
	strangerToken, _ := s.signup(t, "stranger", "")

	var bot struct {
		ID string `json:"id"`
	}
	require.Equal(t, http.StatusCreated, s.call(t, http.MethodPost, "/chatbots", creatorToken, map[string]any{
		"title":      "Internal Runbook",
		"visibility": "private",
		"tree":       map[string]any{"label": "Root", "content": "vault code 4711"},
	}, &bot))

	var errBody map[string]any
	assert.Equal(t, http.StatusNotFound, s.call(t, http.MethodPost, "/chat-sessions", strangerToken,
		map[string]string{"chatbot_id": bot.ID}, &errBody))
	assert.Equal(t, "NOT_FOUND", errBody["code"])

	var askBody map[string]any
	assert.Equal(t, http.StatusNotFound, s.call(t, http.MethodPost, "/chatbots/"+bot.ID+"/ask-ai", strangerToken,
		map[string]string{"query": "what is the code?"}, &askBody))
	assert.NotContains(t, askBody, "response")

	var own struct {
		Response string `json:"response"`
	}
	require.Equal(t, http.StatusOK, s.call(t, http.MethodPost, "/chatbots/"+bot.ID+"/ask-ai", creatorToken,
		map[string]string{"query": "what is the code?"}, &own))
	assert.True(t, strings.HasPrefix(own.Response, "[MOCK AI RESPONSE]"))
	assert.Equal(t, http.StatusCreated, s.call(t, http.MethodPost, "/chat-sessions", creatorToken,
		map[string]string{"chatbot_id": bot.ID}, nil))
}

func TestService_WebSocketReceivesAnswers(t *testing.T) {
	s := newTestServer(t)
	creatorToken, _ := s.signup(t, "creator", "creator")
	aliceToken, aliceID := s.signup(t, "alice", "")

	var bot struct {
		ID string `json:"id"`
	}
	require.Equal(t, http.StatusCreated, s.call(t, http.MethodPost, "/chatbots", creatorToken, map[string]any{
		"title": "FAQ",
		"tree":  map[string]any{"label": "Root", "content": "Opening hours are 9 to 5"},
	}, &bot))
	var sess sessionResp
	require.Equal(t, http.StatusCreated, s.call(t, http.MethodPost, "/chat-sessions", aliceToken,
		map[string]string{"chatbot_id": bot.ID}, &sess))

	wsURL := "ws" + strings.TrimPrefix(s.url, "http") + "/ws?token=" + aliceToken
	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var hello message.ConnectedPayload
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	event, err := message.DecodePayload(raw, &hello)
	require.NoError(t, err)
	require.Equal(t, message.EventConnected, event)
	assert.Equal(t, aliceID, hello.UserID)

	join, err := message.Encode(message.EventJoin, message.Inbound{SessionID: sess.SessionID})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, join))

	// the join is acknowledged before the ask so the room already holds alice
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		if ev, _ := message.DecodePayload(raw, nil); ev == message.EventStatus {
			break
		}
	}

	require.Equal(t, http.StatusOK, s.call(t, http.MethodPost, "/chat-sessions/"+sess.SessionID+"/ask", aliceToken,
		map[string]string{"query": "When are you open?"}, nil))

	var senders []string
	for len(senders) < 2 {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var chat message.ChatPayload
		ev, err := message.DecodePayload(raw, &chat)
		require.NoError(t, err)
		if ev == message.EventMessage {
			assert.Equal(t, sess.SessionID, chat.SessionID)
			senders = append(senders, chat.SenderType)
		}
	}
	assert.Equal(t, []string{"user", "ai"}, senders)
}

func TestService_ShutdownReleasesGoroutines(t *testing.T) {
	before := testutil.MeasureGoroutines()

	ts, svc := startServer(t)
	s := &testServer{url: ts.URL + prefix, svc: svc}
	token, _ := s.signup(t, "alice", "")

	wsURL := "ws" + strings.TrimPrefix(s.url, "http") + "/ws?token=" + token
	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))

	// the server closes the socket during shutdown
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	conn.Close()
	ts.Close()
	http.DefaultClient.CloseIdleConnections()

	testutil.WaitForGoroutines()
	testutil.AssertGoroutineCount(t, before, testutil.MeasureGoroutines(), "service shutdown")
}
