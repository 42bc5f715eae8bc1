package message

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/real-rm/chatroom/internal/constants"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	raw := []byte(`{"event":"message","data":{"session_id":"s1","user_id":"u1","content":"hi"}}`)

	in, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, EventMessage, in.Event)
	assert.Equal(t, "s1", in.SessionID)
	assert.Equal(t, "u1", in.UserID)
	assert.Equal(t, "hi", in.Content)
}

func TestDecodeWithoutData(t *testing.T) {
	in, err := Decode([]byte(`{"event":"leave"}`))
	require.NoError(t, err)
	assert.Equal(t, EventLeave, in.Event)
	assert.Empty(t, in.SessionID)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte(`{"event":`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"event":"join","data":"not-an-object"}`))
	assert.Error(t, err)
}

func TestEncodeSessionUpdatedKeepsTypeField(t *testing.T) {
	raw, err := Encode(EventSessionUpdated, SessionUpdatedPayload{SessionID: "s1", Type: "human_support"})
	require.NoError(t, err)

	var frame struct {
		Event string                 `json:"event"`
		Data  map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &frame))
	assert.Equal(t, "session_updated", frame.Event)
	assert.Equal(t, "human_support", frame.Data["type"])
}

func TestEncodeChatPayloadNullUser(t *testing.T) {
	raw, err := Encode(EventMessage, ChatPayload{
		ID:         "m1",
		SessionID:  "s1",
		Seq:        2,
		SenderType: "ai",
		Content:    "answer",
		CreatedAt:  time.Unix(0, 0).UTC(),
	})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"user_id":null`)

	var payload ChatPayload
	event, err := DecodePayload(raw, &payload)
	require.NoError(t, err)
	assert.Equal(t, EventMessage, event)
	assert.Nil(t, payload.UserID)
	assert.Equal(t, "answer", payload.Content)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		in      Inbound
		wantErr string
	}{
		{"valid join", Inbound{Event: EventJoin, SessionID: "s1"}, ""},
		{"valid message", Inbound{Event: EventMessage, SessionID: "s1", Content: "x"}, ""},
		{"valid request_human", Inbound{Event: EventRequestHuman, SessionID: "s1"}, ""},
		{"missing event", Inbound{SessionID: "s1"}, "event"},
		{"outbound event rejected", Inbound{Event: EventStatus, SessionID: "s1"}, "event"},
		{"missing session", Inbound{Event: EventJoin}, "session_id"},
		{"long session", Inbound{Event: EventJoin, SessionID: strings.Repeat("a", MaxSessionIDLength+1)}, "session_id"},
		{"empty content", Inbound{Event: EventMessage, SessionID: "s1"}, "content"},
		{"long content", Inbound{Event: EventMessage, SessionID: "s1", Content: strings.Repeat("a", constants.MaxContentLength+1)}, "content"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.wantErr, vErr.Field)
		})
	}
}

func TestSanitize(t *testing.T) {
	in := Inbound{Event: EventMessage, SessionID: " s1\x00 ", Content: "  <b>hi</b>\x00 "}
	in.Sanitize()
	assert.Equal(t, "s1", in.SessionID)
	assert.Equal(t, "<b>hi</b>", in.Content)
}
