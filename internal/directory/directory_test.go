package directory

import (
	"context"
	"testing"
	"time"

	"github.com/real-rm/chatroom/internal/access"
	"github.com/real-rm/chatroom/internal/auth"
	chaterrors "github.com/real-rm/chatroom/internal/errors"
	"github.com/real-rm/chatroom/internal/knowledge"
	"github.com/real-rm/chatroom/internal/model"
	"github.com/real-rm/chatroom/internal/storage"
	"github.com/real-rm/chatroom/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "directory-test-secret-0123456789abcdef"

func newTestService(t *testing.T) (*Service, *storage.SQLiteStore) {
	t.Helper()
	store := testutil.NewStore(t)
	logger := testutil.NewTestLogger(t)
	svc := NewService(store, access.NewPolicy(store, logger), auth.NewIssuer(testSecret, time.Hour), logger)
	svc.SetPasswordCost(bcrypt.MinCost)
	return svc, store
}

func register(t *testing.T, svc *Service, username string, role model.Role) *model.User {
	t.Helper()
	u, err := svc.Register(context.Background(), Registration{
		Username: username,
		Email:    username + "@example.com",
		Password: "correct horse battery",
		Role:     role,
	})
	require.NoError(t, err)
	return u
}

func sampleTree() *knowledge.Outline {
	return &knowledge.Outline{
		Label:   "Root",
		Content: "Welcome.",
		Children: []*knowledge.Outline{
			{Label: "Billing", Content: "Invoices are monthly."},
			{Label: "Shipping", Content: "Ships in two days.", Children: []*knowledge.Outline{
				{Label: "International", Content: "Customs may apply."},
			}},
		},
	}
}

func TestRegister_HashesPasswordAndDefaultsRole(t *testing.T) {
	svc, store := newTestService(t)

	u := register(t, svc, "alice", "")
	assert.Equal(t, model.RoleUser, u.Role)
	assert.NotEmpty(t, u.ID)

	stored, err := store.GetUser(context.Background(), u.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse battery", stored.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("correct horse battery")))
}

func TestRegister_Rejections(t *testing.T) {
	svc, _ := newTestService(t)
	register(t, svc, "taken", model.RoleUser)

	tests := []struct {
		name string
		reg  Registration
		code chaterrors.ErrorCode
	}{
		{"missing username", Registration{Email: "a@example.com", Password: "longenough"}, chaterrors.ErrCodeMissingField},
		{"at sign in username", Registration{Username: "a@b", Email: "a@example.com", Password: "longenough"}, chaterrors.ErrCodeValidation},
		{"missing email", Registration{Username: "bob", Password: "longenough"}, chaterrors.ErrCodeMissingField},
		{"bad email", Registration{Username: "bob", Email: "not-an-email", Password: "longenough"}, chaterrors.ErrCodeValidation},
		{"short password", Registration{Username: "bob", Email: "bob@example.com", Password: "short"}, chaterrors.ErrCodeValidation},
		{"admin role", Registration{Username: "bob", Email: "bob@example.com", Password: "longenough", Role: model.RoleAdmin}, chaterrors.ErrCodeValidation},
		{"duplicate username", Registration{Username: "taken", Email: "other@example.com", Password: "longenough"}, chaterrors.ErrCodeConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(context.Background(), tt.reg)
			assert.True(t, chaterrors.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func TestLogin(t *testing.T) {
	svc, _ := newTestService(t)
	u := register(t, svc, "carol", model.RoleCreator)
	validator := auth.NewJWTValidator(testSecret)

	for _, identifier := range []string{"carol", "carol@example.com"} {
		t.Run(identifier, func(t *testing.T) {
			token, got, err := svc.Login(context.Background(), identifier, "correct horse battery")
			require.NoError(t, err)
			assert.Equal(t, u.ID, got.ID)

			claims, err := validator.ValidateToken(token)
			require.NoError(t, err)
			assert.Equal(t, u.ID, claims.UserID)
			assert.Equal(t, "carol", claims.Name)
			assert.True(t, claims.HasRole(string(model.RoleCreator)))
		})
	}
}

func TestLogin_FailuresAreIndistinguishable(t *testing.T) {
	svc, _ := newTestService(t)
	register(t, svc, "dave", model.RoleUser)

	tests := []struct {
		name, identifier, password string
	}{
		{"wrong password", "dave", "wrong password"},
		{"unknown user", "nobody", "correct horse battery"},
		{"unknown email", "nobody@example.com", "correct horse battery"},
		{"empty password", "dave", ""},
		{"empty identifier", "", "correct horse battery"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.Login(context.Background(), tt.identifier, tt.password)
			assert.True(t, chaterrors.HasCode(err, chaterrors.ErrCodeInvalidCredential), "got %v", err)
		})
	}
}

func TestCreateChatbot_StoresWholeTree(t *testing.T) {
	svc, store := newTestService(t)
	creator := register(t, svc, "erin", model.RoleCreator)
	ctx := context.Background()

	bot, err := svc.CreateChatbot(ctx, creator.ID, ChatbotDraft{Title: "  Shop Help ", Tree: sampleTree()})
	require.NoError(t, err)
	assert.Equal(t, "Shop Help", bot.Title)
	assert.Equal(t, model.VisibilityPublic, bot.Visibility)
	assert.True(t, bot.IsActive)

	nodes, err := store.ListNodes(ctx, bot.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 4)

	view, err := svc.GetChatbot(ctx, bot.ID, "someone-else")
	require.NoError(t, err)
	require.NotNil(t, view.Tree)
	assert.Equal(t, "Root", view.Tree.Label)
	require.Len(t, view.Tree.Children, 2)
	assert.Equal(t, "International", findChild(view.Tree, "Shipping").Children[0].Label)
}

func findChild(o *knowledge.Outline, label string) *knowledge.Outline {
	for _, c := range o.Children {
		if c.Label == label {
			return c
		}
	}
	return nil
}

func TestCreateChatbot_Rejections(t *testing.T) {
	svc, store := newTestService(t)
	creator := register(t, svc, "frank", model.RoleCreator)

	tests := []struct {
		name  string
		draft ChatbotDraft
		code  chaterrors.ErrorCode
	}{
		{"missing title", ChatbotDraft{Tree: sampleTree()}, chaterrors.ErrCodeMissingField},
		{"bad visibility", ChatbotDraft{Title: "x", Visibility: "hidden"}, chaterrors.ErrCodeValidation},
		{"unlabelled node", ChatbotDraft{Title: "x", Tree: &knowledge.Outline{Label: "Root", Children: []*knowledge.Outline{{Label: " "}}}}, chaterrors.ErrCodeInvalidTree},
		{"duplicate ids", ChatbotDraft{Title: "x", Tree: &knowledge.Outline{ID: "a", Label: "Root", Children: []*knowledge.Outline{{ID: "a", Label: "Again"}}}}, chaterrors.ErrCodeInvalidTree},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateChatbot(context.Background(), creator.ID, tt.draft)
			assert.True(t, chaterrors.HasCode(err, tt.code), "got %v", err)
		})
	}

	bots, err := store.ListChatbots(context.Background(), storage.ChatbotFilter{CreatorID: creator.ID})
	require.NoError(t, err)
	assert.Empty(t, bots, "rejected drafts must not leave chatbots behind")
}

func TestCreateChatbot_EmptyTree(t *testing.T) {
	svc, _ := newTestService(t)
	creator := register(t, svc, "gina", model.RoleCreator)

	bot, err := svc.CreateChatbot(context.Background(), creator.ID, ChatbotDraft{Title: "Blank"})
	require.NoError(t, err)

	view, err := svc.GetChatbot(context.Background(), bot.ID, creator.ID)
	require.NoError(t, err)
	assert.Nil(t, view.Tree)
}

func TestGetChatbot_PrivateIsCreatorOnly(t *testing.T) {
	svc, _ := newTestService(t)
	creator := register(t, svc, "hank", model.RoleCreator)
	ctx := context.Background()

	bot, err := svc.CreateChatbot(ctx, creator.ID, ChatbotDraft{Title: "Secret", Visibility: model.VisibilityPrivate, Tree: sampleTree()})
	require.NoError(t, err)

	_, err = svc.GetChatbot(ctx, bot.ID, creator.ID)
	assert.NoError(t, err)

	_, err = svc.GetChatbot(ctx, bot.ID, "stranger")
	assert.True(t, chaterrors.HasCode(err, chaterrors.ErrCodeNotFound))

	_, err = svc.GetChatbot(ctx, "missing", creator.ID)
	assert.True(t, chaterrors.HasCode(err, chaterrors.ErrCodeNotFound))
}

func TestListChatbots(t *testing.T) {
	svc, _ := newTestService(t)
	creator := register(t, svc, "iris", model.RoleCreator)
	ctx := context.Background()

	for _, d := range []ChatbotDraft{
		{Title: "Cooking Tips"},
		{Title: "Cooking Secrets", Visibility: model.VisibilityPrivate},
		{Title: "Gardening"},
		{Title: "Cooking by Link", Visibility: model.VisibilityLinkOnly},
	} {
		_, err := svc.CreateChatbot(ctx, creator.ID, d)
		require.NoError(t, err)
	}

	public, err := svc.ListPublicChatbots(ctx, "cook")
	require.NoError(t, err)
	require.Len(t, public, 1)
	assert.Equal(t, "Cooking Tips", public[0].Title)

	all, err := svc.ListPublicChatbots(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	owned, err := svc.ListOwnedChatbots(ctx, creator.ID)
	require.NoError(t, err)
	assert.Len(t, owned, 4)
}

func TestDeleteChatbot_OwnerOnlyAndCascades(t *testing.T) {
	svc, store := newTestService(t)
	creator := register(t, svc, "jack", model.RoleCreator)
	other := register(t, svc, "kate", model.RoleCreator)
	ctx := context.Background()

	bot, err := svc.CreateChatbot(ctx, creator.ID, ChatbotDraft{Title: "Doomed", Tree: sampleTree()})
	require.NoError(t, err)
	sess := testutil.NewSession(t, store, bot.ID, &other.ID)
	_, err = store.AppendMessage(ctx, sess.ID, &other.ID, model.SenderUser, "hello")
	require.NoError(t, err)

	err = svc.DeleteChatbot(ctx, bot.ID, other.ID)
	assert.True(t, chaterrors.HasCode(err, chaterrors.ErrCodeUnauthorized))

	require.NoError(t, svc.DeleteChatbot(ctx, bot.ID, creator.ID))

	_, err = store.GetChatbot(ctx, bot.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	nodes, err := store.ListNodes(ctx, bot.ID)
	require.NoError(t, err)
	assert.Empty(t, nodes)

	err = svc.DeleteChatbot(ctx, bot.ID, creator.ID)
	assert.True(t, chaterrors.HasCode(err, chaterrors.ErrCodeNotFound))
}
