// Package directory owns user accounts and chatbot definitions. The chat
// core only ever references users and chatbots by id; everything that
// creates or removes them goes through here.
package directory

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/real-rm/chatroom/internal/access"
	"github.com/real-rm/chatroom/internal/constants"
	chaterrors "github.com/real-rm/chatroom/internal/errors"
	"github.com/real-rm/chatroom/internal/knowledge"
	"github.com/real-rm/chatroom/internal/model"
	"github.com/real-rm/chatroom/internal/storage"
	"github.com/real-rm/chatroom/internal/util"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// ChatbotManager checks chatbot ownership
type ChatbotManager interface {
	CanManageChatbot(ctx context.Context, chatbotID, actorID string) (*model.Chatbot, error)
}

// TokenIssuer signs session tokens for authenticated users
type TokenIssuer interface {
	Issue(userID, name string, roles []string) (string, error)
}

// Service implements registration, login and chatbot management
type Service struct {
	store   storage.DirectoryStore
	manager ChatbotManager
	issuer  TokenIssuer
	cost    int
	now     func() time.Time
	logger  zerolog.Logger
}

// NewService creates a directory service
func NewService(store storage.DirectoryStore, manager ChatbotManager, issuer TokenIssuer, logger zerolog.Logger) *Service {
	return &Service{
		store:   store,
		manager: manager,
		issuer:  issuer,
		cost:    bcrypt.DefaultCost,
		now:     time.Now,
		logger:  logger.With().Str("component", "directory").Logger(),
	}
}

// SetPasswordCost overrides the bcrypt cost
func (s *Service) SetPasswordCost(cost int) {
	s.cost = cost
}

// Registration is the input of Register
type Registration struct {
	Username string
	Email    string
	Password string
	Role     model.Role // empty means user; admin cannot self-register
}

func (r *Registration) validate() error {
	r.Username = strings.TrimSpace(r.Username)
	r.Email = strings.TrimSpace(r.Email)
	if r.Username == "" {
		return chaterrors.ErrMissingField("username")
	}
	if strings.Contains(r.Username, "@") {
		return chaterrors.ErrValidation("username must not contain '@'")
	}
	if err := util.ValidateMaxRunes(r.Username, constants.MaxUsernameLength, "username"); err != nil {
		return chaterrors.ErrValidation(err.Error())
	}
	if r.Email == "" {
		return chaterrors.ErrMissingField("email")
	}
	if err := util.ValidateEmail(r.Email); err != nil {
		return chaterrors.ErrValidation(err.Error())
	}
	if err := util.ValidateMinLength(r.Password, constants.MinPasswordLength, "password"); err != nil {
		return chaterrors.ErrValidation(err.Error())
	}
	if r.Role == "" {
		r.Role = model.RoleUser
	}
	if r.Role != model.RoleUser && r.Role != model.RoleCreator {
		return chaterrors.ErrValidation("role must be user or creator")
	}
	return nil
}

// Register creates a user with a bcrypt password hash
func (s *Service) Register(ctx context.Context, r Registration) (*model.User, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(r.Password), s.cost)
	if err != nil {
		return nil, chaterrors.NewServiceError(chaterrors.ErrCodeServiceError, "failed to hash password", err)
	}
	u := &model.User{
		ID:           uuid.NewString(),
		Username:     r.Username,
		Email:        r.Email,
		PasswordHash: string(hash),
		Role:         r.Role,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, chaterrors.ErrConflict("username or email already registered", err)
		}
		util.LogError(s.logger, "directory", "create user", err, "username", r.Username)
		return nil, chaterrors.ErrDatabaseError(err)
	}
	s.logger.Info().Str("user_id", u.ID).Str("role", string(u.Role)).Msg("User registered")
	return u, nil
}

// Authenticate checks a password for a username, or for an email address
// when the identifier contains '@'. Every failure reads the same.
func (s *Service) Authenticate(ctx context.Context, identifier, password string) (*model.User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return nil, chaterrors.ErrInvalidCredentials()
	}

	var u *model.User
	var err error
	if strings.Contains(identifier, "@") {
		u, err = s.store.GetUserByEmail(ctx, identifier)
	} else {
		u, err = s.store.GetUserByUsername(ctx, identifier)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, chaterrors.ErrInvalidCredentials()
	}
	if err != nil {
		return nil, chaterrors.ErrDatabaseError(err)
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, chaterrors.ErrInvalidCredentials()
	}
	return u, nil
}

// Login authenticates and returns a signed token for the user
func (s *Service) Login(ctx context.Context, identifier, password string) (string, *model.User, error) {
	u, err := s.Authenticate(ctx, identifier, password)
	if err != nil {
		return "", nil, err
	}
	token, err := s.issuer.Issue(u.ID, u.Username, []string{string(u.Role)})
	if err != nil {
		return "", nil, chaterrors.NewServiceError(chaterrors.ErrCodeServiceError, "failed to issue token", err)
	}
	return token, u, nil
}

// ChatbotDraft is the input of CreateChatbot
type ChatbotDraft struct {
	Title       string
	Description string
	Visibility  model.Visibility // empty means public
	Tree        *knowledge.Outline
}

// ChatbotView is a chatbot with its knowledge tree in nested form
type ChatbotView struct {
	Chatbot *model.Chatbot     `json:"chatbot"`
	Tree    *knowledge.Outline `json:"tree"`
}

// CreateChatbot validates the tree and stores the chatbot with all of its
// nodes in one unit.
func (s *Service) CreateChatbot(ctx context.Context, creatorID string, d ChatbotDraft) (*model.Chatbot, error) {
	title := strings.TrimSpace(d.Title)
	if title == "" {
		return nil, chaterrors.ErrMissingField("title")
	}
	if err := util.ValidateMaxRunes(title, constants.MaxTitleLength, "title"); err != nil {
		return nil, chaterrors.ErrValidation(err.Error())
	}
	vis := d.Visibility
	if vis == "" {
		vis = model.VisibilityPublic
	}
	if !vis.Valid() {
		return nil, chaterrors.ErrValidation("unknown visibility " + string(vis))
	}

	bot := &model.Chatbot{
		ID:          uuid.NewString(),
		CreatorID:   creatorID,
		Title:       title,
		Description: d.Description,
		Visibility:  vis,
		IsActive:    true,
		CreatedAt:   s.now().UTC(),
	}

	nodes, err := knowledge.Flatten(bot.ID, d.Tree, uuid.NewString)
	if err != nil {
		return nil, chaterrors.ErrInvalidTree(err.Error())
	}
	if _, err := knowledge.BuildTree(bot.ID, nodes); err != nil {
		return nil, chaterrors.ErrInvalidTree(err.Error())
	}

	if err := s.store.CreateChatbot(ctx, bot, nodes); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, chaterrors.ErrConflict("chatbot or node id already exists", err)
		}
		util.LogError(s.logger, "directory", "create chatbot", err, "creator_id", creatorID)
		return nil, chaterrors.ErrDatabaseError(err)
	}
	s.logger.Info().
		Str("chatbot_id", bot.ID).
		Str("creator_id", creatorID).
		Int("nodes", len(nodes)).
		Msg("Chatbot created")
	return bot, nil
}

// GetChatbot returns a chatbot and its tree. Private or inactive chatbots
// are visible to their creator only and read as not found to anyone else.
func (s *Service) GetChatbot(ctx context.Context, chatbotID, actorID string) (*ChatbotView, error) {
	bot, err := s.store.GetChatbot(ctx, chatbotID)
	if err != nil {
		return nil, storeError("chatbot", chatbotID, err)
	}
	if !access.Visible(actorID, bot) {
		return nil, chaterrors.ErrNotFound("chatbot", chatbotID)
	}
	nodes, err := s.store.ListNodes(ctx, chatbotID)
	if err != nil {
		return nil, chaterrors.ErrDatabaseError(err)
	}
	tree, err := knowledge.BuildTree(chatbotID, nodes)
	if err != nil {
		return nil, chaterrors.ErrInvalidTree(err.Error())
	}
	return &ChatbotView{Chatbot: bot, Tree: tree.Outline()}, nil
}

// ListPublicChatbots returns active public chatbots whose title contains search
func (s *Service) ListPublicChatbots(ctx context.Context, search string) ([]*model.Chatbot, error) {
	bots, err := s.store.ListChatbots(ctx, storage.ChatbotFilter{Search: strings.TrimSpace(search), PublicOnly: true})
	if err != nil {
		return nil, chaterrors.ErrDatabaseError(err)
	}
	return bots, nil
}

// ListOwnedChatbots returns every chatbot of creatorID
func (s *Service) ListOwnedChatbots(ctx context.Context, creatorID string) ([]*model.Chatbot, error) {
	bots, err := s.store.ListChatbots(ctx, storage.ChatbotFilter{CreatorID: creatorID})
	if err != nil {
		return nil, chaterrors.ErrDatabaseError(err)
	}
	return bots, nil
}

// DeleteChatbot removes a chatbot with its nodes, sessions and messages.
// Only the creator may delete.
func (s *Service) DeleteChatbot(ctx context.Context, chatbotID, actorID string) error {
	if _, err := s.manager.CanManageChatbot(ctx, chatbotID, actorID); err != nil {
		return err
	}
	if err := s.store.DeleteChatbot(ctx, chatbotID); err != nil {
		return storeError("chatbot", chatbotID, err)
	}
	s.logger.Info().Str("chatbot_id", chatbotID).Str("actor_id", actorID).Msg("Chatbot deleted")
	return nil
}

func storeError(resource, id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return chaterrors.ErrNotFound(resource, id)
	}
	return chaterrors.ErrDatabaseError(err)
}
