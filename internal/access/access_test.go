package access

import (
	"context"
	"testing"

	chaterrors "github.com/real-rm/chatroom/internal/errors"
	"github.com/real-rm/chatroom/internal/model"
	"github.com/real-rm/chatroom/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClaims []string

func (c fakeClaims) HasRole(roles ...string) bool {
	for _, r := range roles {
		for _, have := range c {
			if r == have {
				return true
			}
		}
	}
	return false
}

func TestAllowed(t *testing.T) {
	owner := "user-1"
	bot := &model.Chatbot{ID: "bot", CreatorID: "creator-1"}
	owned := &model.Session{ID: "s1", ChatbotID: "bot", UserID: &owner}
	guest := &model.Session{ID: "s2", ChatbotID: "bot"}

	tests := []struct {
		name  string
		actor string
		sess  *model.Session
		want  bool
	}{
		{"owner", "user-1", owned, true},
		{"creator", "creator-1", owned, true},
		{"stranger", "user-2", owned, false},
		{"anonymous", "", owned, false},
		{"guest session creator", "creator-1", guest, true},
		{"guest session stranger", "user-1", guest, false},
		{"guest session anonymous", "", guest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Allowed(tt.actor, tt.sess, bot))
		})
	}

	assert.False(t, Allowed("user-1", nil, bot))
	assert.False(t, Allowed("user-1", owned, nil))
}

func TestPolicy_Authorize(t *testing.T) {
	store := testutil.NewStore(t)
	f := testutil.SeedTechSupport(t, store)
	sess := testutil.NewSession(t, store, f.Bot.ID, &f.User.ID)
	p := NewPolicy(store, testutil.NewTestLogger(t))
	ctx := context.Background()

	d, err := p.Authorize(ctx, sess.ID, f.User.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, d.Session.ID)
	assert.False(t, d.IsCreator)

	d, err = p.Authorize(ctx, sess.ID, f.Creator.ID)
	require.NoError(t, err)
	assert.True(t, d.IsCreator)

	_, err = p.Authorize(ctx, sess.ID, f.Intruder.ID)
	assert.True(t, chaterrors.HasCode(err, chaterrors.ErrCodeUnauthorized))

	_, err = p.Authorize(ctx, sess.ID, "")
	assert.True(t, chaterrors.HasCode(err, chaterrors.ErrCodeUnauthorized))

	_, err = p.Authorize(ctx, "missing", f.User.ID)
	assert.True(t, chaterrors.HasCode(err, chaterrors.ErrCodeNotFound))
}

func TestPolicy_CanAccess(t *testing.T) {
	store := testutil.NewStore(t)
	f := testutil.SeedTechSupport(t, store)
	sess := testutil.NewSession(t, store, f.Bot.ID, &f.User.ID)
	p := NewPolicy(store, testutil.NewTestLogger(t))
	ctx := context.Background()

	ok, err := p.CanAccess(ctx, sess.ID, f.User.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.CanAccess(ctx, sess.ID, f.Intruder.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = p.CanAccess(ctx, "missing", f.User.ID)
	assert.True(t, chaterrors.HasCode(err, chaterrors.ErrCodeNotFound))
}

func TestPolicy_GuestSessionIsCreatorOnly(t *testing.T) {
	store := testutil.NewStore(t)
	f := testutil.SeedTechSupport(t, store)
	guest := testutil.NewSession(t, store, f.Bot.ID, nil)
	p := NewPolicy(store, testutil.NewTestLogger(t))

	ok, err := p.CanAccess(context.Background(), guest.ID, f.Creator.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.CanAccess(context.Background(), guest.ID, f.User.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPolicy_RevocationIsImmediate(t *testing.T) {
	store := testutil.NewStore(t)
	f := testutil.SeedTechSupport(t, store)
	sess := testutil.NewSession(t, store, f.Bot.ID, &f.User.ID)
	p := NewPolicy(store, testutil.NewTestLogger(t))
	ctx := context.Background()

	ok, err := p.CanAccess(ctx, sess.ID, f.Creator.ID)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.DeleteChatbot(ctx, f.Bot.ID))

	_, err = p.CanAccess(ctx, sess.ID, f.Creator.ID)
	assert.True(t, chaterrors.HasCode(err, chaterrors.ErrCodeNotFound))
}

func TestRequireRole(t *testing.T) {
	assert.True(t, chaterrors.HasCode(RequireRole(nil, "creator"), chaterrors.ErrCodeUnauthenticated))
	assert.True(t, chaterrors.HasCode(RequireRole(fakeClaims{"user"}, "creator", "admin"), chaterrors.ErrCodeUnauthorized))
	assert.NoError(t, RequireRole(fakeClaims{"user", "creator"}, "creator", "admin"))
}

func TestPolicy_CanManageChatbot(t *testing.T) {
	store := testutil.NewStore(t)
	f := testutil.SeedTechSupport(t, store)
	p := NewPolicy(store, testutil.NewTestLogger(t))
	ctx := context.Background()

	bot, err := p.CanManageChatbot(ctx, f.Bot.ID, f.Creator.ID)
	require.NoError(t, err)
	assert.Equal(t, f.Bot.ID, bot.ID)

	_, err = p.CanManageChatbot(ctx, f.Bot.ID, f.User.ID)
	assert.True(t, chaterrors.HasCode(err, chaterrors.ErrCodeUnauthorized))

	_, err = p.CanManageChatbot(ctx, "missing", f.Creator.ID)
	assert.True(t, chaterrors.HasCode(err, chaterrors.ErrCodeNotFound))
}

func TestVisible(t *testing.T) {
	tests := []struct {
		name       string
		actor      string
		visibility model.Visibility
		active     bool
		want       bool
	}{
		{"public to stranger", "user-1", model.VisibilityPublic, true, true},
		{"link only to stranger", "user-1", model.VisibilityLinkOnly, true, true},
		{"private to stranger", "user-1", model.VisibilityPrivate, true, false},
		{"private to anonymous", "", model.VisibilityPrivate, true, false},
		{"inactive to stranger", "user-1", model.VisibilityPublic, false, false},
		{"private to creator", "creator-1", model.VisibilityPrivate, true, true},
		{"inactive to creator", "creator-1", model.VisibilityPublic, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bot := &model.Chatbot{ID: "bot", CreatorID: "creator-1", Visibility: tt.visibility, IsActive: tt.active}
			assert.Equal(t, tt.want, Visible(tt.actor, bot))
		})
	}
	assert.False(t, Visible("creator-1", nil))
}

func TestPolicy_ViewChatbot(t *testing.T) {
	store := testutil.NewStore(t)
	f := testutil.SeedTechSupport(t, store)
	p := NewPolicy(store, testutil.NewTestLogger(t))
	ctx := context.Background()

	private := &model.Chatbot{ID: "private-bot", CreatorID: f.Creator.ID, Title: "Runbook",
		Visibility: model.VisibilityPrivate, IsActive: true}
	require.NoError(t, store.CreateChatbot(ctx, private, nil))

	bot, err := p.ViewChatbot(ctx, private.ID, f.Creator.ID)
	require.NoError(t, err)
	assert.Equal(t, private.ID, bot.ID)

	_, err = p.ViewChatbot(ctx, private.ID, f.User.ID)
	assert.True(t, chaterrors.HasCode(err, chaterrors.ErrCodeNotFound))

	_, err = p.ViewChatbot(ctx, f.Bot.ID, f.Intruder.ID)
	assert.NoError(t, err)

	_, err = p.ViewChatbot(ctx, "missing", f.Creator.ID)
	assert.True(t, chaterrors.HasCode(err, chaterrors.ErrCodeNotFound))
}
