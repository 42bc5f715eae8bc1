package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/real-rm/chatroom/internal/access"
	"github.com/real-rm/chatroom/internal/auth"
	"github.com/real-rm/chatroom/internal/constants"
	"github.com/real-rm/chatroom/internal/message"
	"github.com/real-rm/chatroom/internal/model"
	"github.com/real-rm/chatroom/internal/router"
	"github.com/real-rm/chatroom/internal/session"
	"github.com/real-rm/chatroom/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "a-test-secret-that-is-long-enough-for-hs256"

type wsEnv struct {
	server  *httptest.Server
	handler *Handler
	router  *router.MessageRouter
	issuer  *auth.Issuer
	ts      *testutil.TechSupport
	sess    *model.Session
}

func newWSEnv(t *testing.T, maxConns int) *wsEnv {
	t.Helper()
	store := testutil.NewStore(t)
	ts := testutil.SeedTechSupport(t, store)
	logger := testutil.NewTestLogger(t)
	policy := access.NewPolicy(store, logger)
	r := router.NewMessageRouter(router.Options{
		Store:    store,
		Authz:    policy,
		Sessions: session.NewManager(store, policy, logger),
		Logger:   logger,
	})
	h := NewHandler(auth.NewJWTValidator(testSecret), r, logger, 0, maxConns)
	server := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
		server.Close()
	})
	return &wsEnv{
		server:  server,
		handler: h,
		router:  r,
		issuer:  auth.NewIssuer(testSecret, time.Hour),
		ts:      ts,
		sess:    testutil.NewSession(t, store, ts.Bot.ID, &ts.User.ID),
	}
}

func (e *wsEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http")
}

func (e *wsEnv) token(t *testing.T, user *model.User) string {
	t.Helper()
	token, err := e.issuer.Issue(user.ID, user.Username, []string{string(user.Role)})
	require.NoError(t, err)
	return token
}

func (e *wsEnv) dial(t *testing.T, user *model.User) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+e.token(t, user))
	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL(), header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	event, _ := readFrame(t, conn, nil)
	require.Equal(t, message.EventConnected, event)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, out any) (message.EventType, []byte) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	event, err := message.DecodePayload(raw, out)
	require.NoError(t, err)
	return event, raw
}

func send(t *testing.T, conn *websocket.Conn, event message.EventType, data map[string]string) {
	t.Helper()
	frame, err := message.Encode(event, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func TestHandleWebSocket_RejectsMissingOrBadToken(t *testing.T) {
	e := newWSEnv(t, 0)

	resp, err := http.Get(e.server.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, e.server.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleWebSocket_JoinAndMessage(t *testing.T) {
	e := newWSEnv(t, 0)
	conn := e.dial(t, e.ts.User)

	send(t, conn, message.EventJoin, map[string]string{"session_id": e.sess.ID})
	var status message.StatusPayload
	event, _ := readFrame(t, conn, &status)
	assert.Equal(t, message.EventStatus, event)
	assert.Equal(t, "alice has entered the room.", status.Msg)

	// a spoofed user_id is ignored in favour of the token identity
	send(t, conn, message.EventMessage, map[string]string{
		"session_id": e.sess.ID,
		"user_id":    e.ts.Intruder.ID,
		"content":    "hello",
	})
	var chat message.ChatPayload
	event, _ = readFrame(t, conn, &chat)
	assert.Equal(t, message.EventMessage, event)
	assert.Equal(t, "hello", chat.Content)
	require.NotNil(t, chat.UserID)
	assert.Equal(t, e.ts.User.ID, *chat.UserID)
}

func TestHandleWebSocket_QueryToken(t *testing.T) {
	e := newWSEnv(t, 0)
	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL()+"?token="+e.token(t, e.ts.Creator), nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello message.ConnectedPayload
	event, _ := readFrame(t, conn, &hello)
	assert.Equal(t, message.EventConnected, event)
	assert.Equal(t, e.ts.Creator.ID, hello.UserID)
}

func TestHandleWebSocket_IntruderGetsUnauthorized(t *testing.T) {
	e := newWSEnv(t, 0)
	conn := e.dial(t, e.ts.Intruder)

	send(t, conn, message.EventJoin, map[string]string{"session_id": e.sess.ID})
	var payload message.ErrorPayload
	event, _ := readFrame(t, conn, &payload)
	assert.Equal(t, message.EventError, event)
	assert.Equal(t, "Unauthorized", payload.Msg)
}

func TestHandleWebSocket_InvalidFrames(t *testing.T) {
	e := newWSEnv(t, 0)
	conn := e.dial(t, e.ts.User)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var payload message.ErrorPayload
	event, _ := readFrame(t, conn, &payload)
	assert.Equal(t, message.EventError, event)
	assert.Equal(t, "INVALID_FORMAT", payload.Code)

	send(t, conn, message.EventMessage, map[string]string{"session_id": e.sess.ID})
	event, _ = readFrame(t, conn, &payload)
	assert.Equal(t, message.EventError, event)
	assert.Equal(t, "VALIDATION_ERROR", payload.Code)
}

func TestHandleWebSocket_ConnectionCap(t *testing.T) {
	e := newWSEnv(t, 1)
	e.dial(t, e.ts.User)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+e.token(t, e.ts.User))
	_, resp, err := websocket.DefaultDialer.Dial(e.wsURL(), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, strconv.Itoa(int(constants.ConnectionRetryAfter.Seconds())), resp.Header.Get("Retry-After"))

	// another user is unaffected
	e.dial(t, e.ts.Creator)
}

func TestHandleWebSocket_DisconnectLeavesRooms(t *testing.T) {
	e := newWSEnv(t, 0)
	conn := e.dial(t, e.ts.User)
	send(t, conn, message.EventJoin, map[string]string{"session_id": e.sess.ID})
	readFrame(t, conn, nil)
	require.Len(t, e.router.Registry().Members(router.RoomKey(e.sess.ID)), 1)

	require.NoError(t, conn.Close())
	testutil.Eventually(t, func() bool {
		return e.handler.ConnectionCount(e.ts.User.ID) == 0 &&
			len(e.router.Registry().Members(router.RoomKey(e.sess.ID))) == 0
	}, "connection should be evicted from its rooms")
}

func TestConnection_SendAfterClose(t *testing.T) {
	c := NewConnection("u1", "", nil)
	assert.Equal(t, "u1", c.Name())
	assert.True(t, strings.HasPrefix(c.ID(), "u1-"))
	assert.True(t, c.Send([]byte("x")))

	c.closeSend()
	c.closeSend()
	assert.False(t, c.Send([]byte("y")))
}

func TestConnection_DropsWhenBufferFull(t *testing.T) {
	c := NewConnection("u1", "User", nil)
	for i := 0; i < cap(c.send); i++ {
		require.True(t, c.Send([]byte("x")))
	}
	assert.False(t, c.Send([]byte("overflow")))
}
