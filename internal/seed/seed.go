// Package seed loads users and chatbots from a YAML fixture file. Seeding
// is idempotent: users that already exist are looked up and chatbots whose
// creator already owns one with the same title are skipped.
package seed

import (
	"bytes"
	"context"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/real-rm/chatroom/internal/directory"
	chaterrors "github.com/real-rm/chatroom/internal/errors"
	"github.com/real-rm/chatroom/internal/knowledge"
	"github.com/real-rm/chatroom/internal/model"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// File is the fixture layout
//
//	users:
//	  - username: creator
//	    email: creator@example.com
//	    password: change-me-please
//	    role: creator
//	chatbots:
//	  - title: Tech Support
//	    creator: creator
//	    visibility: public
//	    tree:
//	      label: Root
//	      content: Welcome.
//	      children:
//	        - label: Hardware
//	          content: Check cables and power.
type File struct {
	Users    []User    `yaml:"users"`
	Chatbots []Chatbot `yaml:"chatbots"`
}

// User is one fixture account
type User struct {
	Username string     `yaml:"username"`
	Email    string     `yaml:"email"`
	Password string     `yaml:"password"`
	Role     model.Role `yaml:"role"`
}

// Chatbot is one fixture chatbot. Creator is a username from Users or
// one already stored.
type Chatbot struct {
	Title       string             `yaml:"title"`
	Description string             `yaml:"description"`
	Creator     string             `yaml:"creator"`
	Visibility  model.Visibility   `yaml:"visibility"`
	Tree        *knowledge.Outline `yaml:"tree"`
}

// Directory is the directory surface the seeder writes through
type Directory interface {
	Register(ctx context.Context, r directory.Registration) (*model.User, error)
	CreateChatbot(ctx context.Context, creatorID string, d directory.ChatbotDraft) (*model.Chatbot, error)
	ListOwnedChatbots(ctx context.Context, creatorID string) ([]*model.Chatbot, error)
}

// UserLookup resolves existing accounts by username
type UserLookup interface {
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
}

// Result counts what a run created and skipped
type Result struct {
	UsersCreated    int
	UsersExisting   int
	ChatbotsCreated int
	ChatbotsSkipped int
}

// Parse decodes a fixture, rejecting unknown keys
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, errors.Wrap(err, "decode seed file")
	}
	return &f, nil
}

// LoadFile reads and parses the fixture at path
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read seed file %s", path)
	}
	return Parse(data)
}

// Seeder applies fixtures through the directory
type Seeder struct {
	dir    Directory
	users  UserLookup
	logger zerolog.Logger
}

// NewSeeder creates a seeder
func NewSeeder(dir Directory, users UserLookup, logger zerolog.Logger) *Seeder {
	return &Seeder{dir: dir, users: users, logger: logger.With().Str("component", "seed").Logger()}
}

// Apply creates the users first, then the chatbots
func (s *Seeder) Apply(ctx context.Context, f *File) (*Result, error) {
	res := &Result{}
	ids := make(map[string]string, len(f.Users))

	for _, u := range f.Users {
		created, err := s.dir.Register(ctx, directory.Registration{
			Username: u.Username,
			Email:    u.Email,
			Password: u.Password,
			Role:     u.Role,
		})
		switch {
		case err == nil:
			ids[u.Username] = created.ID
			res.UsersCreated++
		case chaterrors.HasCode(err, chaterrors.ErrCodeConflict):
			existing, lookupErr := s.users.GetUserByUsername(ctx, u.Username)
			if lookupErr != nil {
				return res, errors.Wrapf(lookupErr, "user %s conflicts but cannot be loaded", u.Username)
			}
			ids[u.Username] = existing.ID
			res.UsersExisting++
		default:
			return res, errors.Wrapf(err, "register user %s", u.Username)
		}
	}

	for _, b := range f.Chatbots {
		creatorID, err := s.resolveCreator(ctx, ids, b.Creator)
		if err != nil {
			return res, errors.Wrapf(err, "chatbot %q", b.Title)
		}
		exists, err := s.ownsTitle(ctx, creatorID, b.Title)
		if err != nil {
			return res, errors.Wrapf(err, "chatbot %q", b.Title)
		}
		if exists {
			s.logger.Debug().Str("title", b.Title).Msg("Chatbot already seeded")
			res.ChatbotsSkipped++
			continue
		}
		bot, err := s.dir.CreateChatbot(ctx, creatorID, directory.ChatbotDraft{
			Title:       b.Title,
			Description: b.Description,
			Visibility:  b.Visibility,
			Tree:        b.Tree,
		})
		if err != nil {
			return res, errors.Wrapf(err, "create chatbot %q", b.Title)
		}
		s.logger.Info().Str("chatbot_id", bot.ID).Str("title", bot.Title).Msg("Chatbot seeded")
		res.ChatbotsCreated++
	}
	return res, nil
}

func (s *Seeder) resolveCreator(ctx context.Context, ids map[string]string, username string) (string, error) {
	if username == "" {
		return "", errors.New("creator is required")
	}
	if id, ok := ids[username]; ok {
		return id, nil
	}
	u, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		return "", errors.Wrapf(err, "creator %s", username)
	}
	ids[username] = u.ID
	return u.ID, nil
}

func (s *Seeder) ownsTitle(ctx context.Context, creatorID, title string) (bool, error) {
	bots, err := s.dir.ListOwnedChatbots(ctx, creatorID)
	if err != nil {
		return false, err
	}
	for _, b := range bots {
		if b.Title == strings.TrimSpace(title) {
			return true, nil
		}
	}
	return false, nil
}
