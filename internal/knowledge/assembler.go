package knowledge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/real-rm/chatroom/internal/access"
	"github.com/real-rm/chatroom/internal/constants"
	chaterrors "github.com/real-rm/chatroom/internal/errors"
	"github.com/real-rm/chatroom/internal/metrics"
	"github.com/real-rm/chatroom/internal/model"
	"github.com/real-rm/chatroom/internal/storage"
	"github.com/rs/zerolog"
	"github.com/weaviate/tiktoken-go"
)

// Store is the read side the assembler needs
type Store interface {
	ListNodes(ctx context.Context, chatbotID string) ([]model.Node, error)
	ListMessages(ctx context.Context, sessionID string, opts storage.ListOptions) ([]*model.Message, error)
}

// Appender persists a message. The room router implements it so that
// appends from the ask path are also broadcast in order.
type Appender interface {
	AppendMessage(ctx context.Context, sessionID string, senderID *string, senderType model.SenderType, content string) (*model.Message, error)
}

// Authorizer checks an actor against a session or a chatbot
type Authorizer interface {
	Authorize(ctx context.Context, sessionID, actorID string) (*access.Decision, error)
	ViewChatbot(ctx context.Context, chatbotID, actorID string) (*model.Chatbot, error)
}

// Responder produces the AI answer
type Responder interface {
	GenerateResponse(ctx context.Context, prompt, query string) (string, error)
}

// Assembler builds prompts and runs the ask flows
type Assembler struct {
	store     Store
	appender  Appender
	authz     Authorizer
	responder Responder
	history   int
	logger    zerolog.Logger
}

// Options configures an Assembler
type Options struct {
	Store     Store
	Appender  Appender // defaults to the store when it can append
	Authz     Authorizer
	Responder Responder
	History   int // messages of history in session mode
	Logger    zerolog.Logger
}

// NewAssembler creates an assembler
func NewAssembler(opts Options) *Assembler {
	history := opts.History
	if history <= 0 {
		history = constants.DefaultHistoryWindow
	}
	appender := opts.Appender
	if appender == nil {
		appender, _ = opts.Store.(Appender)
	}
	return &Assembler{
		store:     opts.Store,
		appender:  appender,
		authz:     opts.Authz,
		responder: opts.Responder,
		history:   history,
		logger:    opts.Logger.With().Str("component", "knowledge").Logger(),
	}
}

func (a *Assembler) loadTree(ctx context.Context, chatbotID string) (*Tree, error) {
	nodes, err := a.store.ListNodes(ctx, chatbotID)
	if err != nil {
		return nil, chaterrors.ErrDatabaseError(err)
	}
	tree, err := BuildTree(chatbotID, nodes)
	if err != nil {
		return nil, chaterrors.ErrInvalidTree(err.Error())
	}
	return tree, nil
}

// currentNode resolves nodeID in tree. An empty id means no current node.
func currentNode(tree *Tree, nodeID string) (*model.Node, []model.Node, error) {
	if nodeID == "" {
		return nil, nil, nil
	}
	n, ok := tree.Node(nodeID)
	if !ok {
		return nil, nil, chaterrors.ErrInvalidNode(nodeID, tree.ChatbotID())
	}
	return &n, tree.Path(nodeID), nil
}

// BuildContext assembles the session-mode prompt: the whole tree, the
// current node and the last messages of the session in append order.
func (a *Assembler) BuildContext(ctx context.Context, chatbotID, currentNodeID, sessionID string) (*PromptContext, error) {
	tree, err := a.loadTree(ctx, chatbotID)
	if err != nil {
		return nil, err
	}
	return a.sessionContext(ctx, tree, currentNodeID, sessionID)
}

func (a *Assembler) sessionContext(ctx context.Context, tree *Tree, currentNodeID, sessionID string) (*PromptContext, error) {
	node, path, err := currentNode(tree, currentNodeID)
	if err != nil {
		return nil, err
	}

	var history []*model.Message
	if sessionID != "" {
		history, err = a.store.ListMessages(ctx, sessionID, storage.ListOptions{Limit: a.history, Order: storage.OldestFirst})
		if err != nil {
			return nil, chaterrors.ErrDatabaseError(err)
		}
	}

	return &PromptContext{
		Mode:        ModeSession,
		Tree:        tree.Render(),
		CurrentNode: node,
		Path:        path,
		History:     history,
	}, nil
}

// BuildNodeContext assembles the stateless prompt: one node and its direct
// children. An empty nodeID selects the root.
func (a *Assembler) BuildNodeContext(ctx context.Context, chatbotID, nodeID string) (*PromptContext, error) {
	tree, err := a.loadTree(ctx, chatbotID)
	if err != nil {
		return nil, err
	}
	if nodeID == "" {
		if root, ok := tree.Root(); ok {
			nodeID = root.ID
		}
	}
	node, path, err := currentNode(tree, nodeID)
	if err != nil {
		return nil, err
	}
	pc := &PromptContext{Mode: ModeNode, CurrentNode: node, Path: path}
	if node != nil {
		pc.Children = tree.Children(node.ID)
	}
	return pc, nil
}

func validateQuery(query string) error {
	if strings.TrimSpace(query) == "" {
		return chaterrors.ErrMissingField("query")
	}
	if utf8.RuneCountInString(query) > constants.MaxQueryLength {
		return chaterrors.ErrValidation("query is too long")
	}
	return nil
}

// Ask runs the session-mode flow. The query is persisted first, then the
// responder is called; only a successful answer is appended as an ai
// message, which is returned.
func (a *Assembler) Ask(ctx context.Context, sessionID, currentNodeID, query, actorID string) (*model.Message, error) {
	if err := validateQuery(query); err != nil {
		return nil, err
	}
	d, err := a.authz.Authorize(ctx, sessionID, actorID)
	if err != nil {
		return nil, err
	}

	tree, err := a.loadTree(ctx, d.Session.ChatbotID)
	if err != nil {
		return nil, err
	}
	if _, _, err := currentNode(tree, currentNodeID); err != nil {
		return nil, err
	}

	senderType := model.SenderUser
	if d.IsCreator {
		senderType = model.SenderCreator
	}
	if _, err := a.appender.AppendMessage(ctx, sessionID, &actorID, senderType, query); err != nil {
		return nil, appendError(sessionID, err)
	}

	pc, err := a.sessionContext(ctx, tree, currentNodeID, sessionID)
	if err != nil {
		return nil, err
	}

	answer, err := a.generate(ctx, pc, query)
	if err != nil {
		a.logger.Warn().Err(err).Str("session_id", sessionID).Msg("AI response failed")
		return nil, chaterrors.ErrAIResponse(err)
	}

	msg, err := a.appender.AppendMessage(ctx, sessionID, nil, model.SenderAI, answer)
	if err != nil {
		return nil, appendError(sessionID, err)
	}
	return msg, nil
}

// AskStateless answers against one node without touching any session.
// The chatbot must be active and visible to actorID.
func (a *Assembler) AskStateless(ctx context.Context, chatbotID, nodeID, query, actorID string) (string, error) {
	if err := validateQuery(query); err != nil {
		return "", err
	}
	bot, err := a.authz.ViewChatbot(ctx, chatbotID, actorID)
	if err != nil {
		return "", err
	}
	if !bot.IsActive {
		return "", chaterrors.ErrNotFound("chatbot", chatbotID)
	}

	pc, err := a.BuildNodeContext(ctx, chatbotID, nodeID)
	if err != nil {
		return "", err
	}
	answer, err := a.generate(ctx, pc, query)
	if err != nil {
		a.logger.Warn().Err(err).Str("chatbot_id", chatbotID).Msg("AI response failed")
		return "", chaterrors.ErrAIResponse(err)
	}
	return answer, nil
}

func (a *Assembler) generate(ctx context.Context, pc *PromptContext, query string) (string, error) {
	prompt := pc.Render()
	metrics.PromptTokens.WithLabelValues(string(pc.Mode)).Observe(float64(CountTokens(prompt)))
	return a.responder.GenerateResponse(ctx, prompt, query)
}

func appendError(sessionID string, err error) error {
	var chatErr *chaterrors.ChatError
	if errors.As(err, &chatErr) {
		return chatErr
	}
	if errors.Is(err, storage.ErrNotFound) {
		return chaterrors.ErrNotFound("session", sessionID)
	}
	return chaterrors.ErrDatabaseError(err)
}

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// CountTokens measures s with the cl100k_base encoding, falling back to a
// character estimate when the encoding cannot be loaded.
func CountTokens(s string) int {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding(constants.TokenEncoding)
		if err == nil {
			enc = e
		}
	})
	if enc != nil {
		return len(enc.Encode(s, nil, nil))
	}
	return (utf8.RuneCountInString(s) + constants.CharsPerToken - 1) / constants.CharsPerToken
}
