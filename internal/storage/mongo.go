package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/real-rm/chatroom/internal/constants"
	"github.com/real-rm/chatroom/internal/model"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const backendMongo = "mongo"

// MongoStore implements Store on MongoDB. Standalone servers have no
// multi-document transactions, so multi-record writes compensate on failure.
type MongoStore struct {
	client   *mongo.Client
	users    *mongo.Collection
	chatbots *mongo.Collection
	nodes    *mongo.Collection
	sessions *mongo.Collection
	messages *mongo.Collection
	counters *mongo.Collection
	logger   zerolog.Logger
}

// messageCounter tracks the last sequence number and timestamp per session
type messageCounter struct {
	SessionID string    `bson:"_id"`
	Seq       int64     `bson:"seq"`
	LastTs    time.Time `bson:"lastTs"`
}

// NewMongoStore connects to uri, selects database and ensures indexes
func NewMongoStore(ctx context.Context, uri, database string, logger zerolog.Logger) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:   client,
		users:    db.Collection(constants.CollectionUsers),
		chatbots: db.Collection(constants.CollectionChatbots),
		nodes:    db.Collection(constants.CollectionNodes),
		sessions: db.Collection(constants.CollectionSessions),
		messages: db.Collection(constants.CollectionMessages),
		counters: db.Collection(constants.CollectionCounters),
		logger:   logger.With().Str("component", "storage").Str("backend", backendMongo).Logger(),
	}

	initCtx, cancel := context.WithTimeout(ctx, constants.StoreInitTimeout)
	defer cancel()
	if err := s.EnsureIndexes(initCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	s.logger.Info().Str("database", database).Msg("MongoDB store ready")
	return s, nil
}

// EnsureIndexes creates the indexes the store relies on for uniqueness and lookups
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	indexes := []struct {
		coll  *mongo.Collection
		model mongo.IndexModel
	}{
		{s.users, mongo.IndexModel{
			Keys:    bson.D{{Key: "username", Value: 1}},
			Options: options.Index().SetName(constants.IndexUsername).SetUnique(true),
		}},
		{s.users, mongo.IndexModel{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetName(constants.IndexEmail).SetUnique(true),
		}},
		{s.chatbots, mongo.IndexModel{
			Keys:    bson.D{{Key: "creatorId", Value: 1}},
			Options: options.Index().SetName(constants.IndexChatbotCreator),
		}},
		{s.nodes, mongo.IndexModel{
			Keys:    bson.D{{Key: "chatbotId", Value: 1}},
			Options: options.Index().SetName(constants.IndexNodeChatbot),
		}},
		{s.sessions, mongo.IndexModel{
			Keys:    bson.D{{Key: "chatbotId", Value: 1}, {Key: "type", Value: 1}, {Key: "status", Value: 1}},
			Options: options.Index().SetName(constants.IndexSessionChatbot),
		}},
		// At most one active session per (chatbot, user); guests are exempt.
		{s.sessions, mongo.IndexModel{
			Keys: bson.D{{Key: "chatbotId", Value: 1}, {Key: "userId", Value: 1}},
			Options: options.Index().SetName(constants.IndexActiveSession).SetUnique(true).
				SetPartialFilterExpression(bson.M{
					"status": string(model.StatusActive),
					"userId": bson.M{"$type": "string"},
				}),
		}},
		{s.messages, mongo.IndexModel{
			Keys:    bson.D{{Key: "sessionId", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetName(constants.IndexSessionSeq).SetUnique(true),
		}},
	}

	for _, idx := range indexes {
		if _, err := idx.coll.Indexes().CreateOne(ctx, idx.model); err != nil {
			return fmt.Errorf("create index %s on %s: %w", *idx.model.Options.Name, idx.coll.Name(), err)
		}
	}
	return nil
}

// Ping checks the server connection
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func mongoErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// ---- messages ----

// AppendMessage implements MessageStore. The counter document is advanced
// atomically with an aggregation-pipeline upsert, which yields both the
// next sequence number and a timestamp strictly after the previous one.
func (s *MongoStore) AppendMessage(ctx context.Context, sessionID string, senderID *string, senderType model.SenderType, content string) (*model.Message, error) {
	defer observe(backendMongo, "append_message")()

	if sessionID == "" || !validSender(senderID, senderType) {
		return nil, ErrInvalidArgument
	}

	n, err := s.sessions.CountDocuments(ctx, bson.M{"_id": sessionID}, options.Count().SetLimit(1))
	if err != nil {
		return nil, mongoErr(err, "look up session %s", sessionID)
	}
	if n == 0 {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"seq": bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$seq", 0}}, 1}},
			"lastTs": bson.M{"$max": bson.A{
				now,
				bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$lastTs", time.Unix(0, 0).UTC()}}, 1}},
			}},
		}}},
	}

	var counter messageCounter
	advance := func() error {
		return s.counters.FindOneAndUpdate(ctx, bson.M{"_id": sessionID}, update,
			options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)).Decode(&counter)
	}
	err = advance()
	if mongo.IsDuplicateKeyError(err) {
		// lost the race to create the counter; it exists now
		err = advance()
	}
	if err != nil {
		return nil, mongoErr(err, "advance message counter for %s", sessionID)
	}

	msg := &model.Message{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Seq:        counter.Seq,
		SenderID:   senderID,
		SenderType: senderType,
		Content:    content,
		CreatedAt:  counter.LastTs.UTC(),
	}
	if _, err := s.messages.InsertOne(ctx, msg); err != nil {
		return nil, mongoErr(err, "insert message")
	}
	return msg, nil
}

// ListMessages implements MessageStore
func (s *MongoStore) ListMessages(ctx context.Context, sessionID string, opts ListOptions) ([]*model.Message, error) {
	defer observe(backendMongo, "list_messages")()

	descending := opts.Order == NewestFirst || opts.Limit > 0
	sortDir := 1
	if descending {
		sortDir = -1
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "seq", Value: sortDir}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}

	cursor, err := s.messages.Find(ctx, bson.M{"sessionId": sessionID}, findOpts)
	if err != nil {
		return nil, mongoErr(err, "query messages")
	}
	var msgs []*model.Message
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, mongoErr(err, "decode messages")
	}
	for _, m := range msgs {
		m.CreatedAt = m.CreatedAt.UTC()
	}

	if descending && opts.Order == OldestFirst {
		reverse(msgs)
	}
	return msgs, nil
}

// ---- sessions ----

func normalizeSession(sess *model.Session) *model.Session {
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.UpdatedAt = sess.UpdatedAt.UTC()
	return sess
}

// CreateSession implements SessionStore
func (s *MongoStore) CreateSession(ctx context.Context, sess *model.Session) error {
	defer observe(backendMongo, "create_session")()

	if sess == nil || sess.ID == "" || sess.ChatbotID == "" {
		return ErrInvalidArgument
	}
	_, err := s.sessions.InsertOne(ctx, sess)
	return mongoErr(err, "insert session for chatbot %s", sess.ChatbotID)
}

// GetSession implements SessionStore
func (s *MongoStore) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	defer observe(backendMongo, "get_session")()

	var sess model.Session
	if err := s.sessions.FindOne(ctx, bson.M{"_id": sessionID}).Decode(&sess); err != nil {
		return nil, mongoErr(err, "session %s", sessionID)
	}
	return normalizeSession(&sess), nil
}

// FindActiveSession implements SessionStore
func (s *MongoStore) FindActiveSession(ctx context.Context, chatbotID, userID string) (*model.Session, error) {
	defer observe(backendMongo, "find_active_session")()

	var sess model.Session
	err := s.sessions.FindOne(ctx,
		bson.M{"chatbotId": chatbotID, "userId": userID, "status": string(model.StatusActive)},
		options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}}),
	).Decode(&sess)
	if err != nil {
		return nil, mongoErr(err, "active session for chatbot %s", chatbotID)
	}
	return normalizeSession(&sess), nil
}

// UpdateSessionState implements SessionStore
func (s *MongoStore) UpdateSessionState(ctx context.Context, sessionID string, from, to model.SessionState) (bool, error) {
	defer observe(backendMongo, "update_session_state")()

	res, err := s.sessions.UpdateOne(ctx,
		bson.M{"_id": sessionID, "type": string(from.Type), "status": string(from.Status)},
		bson.M{"$set": bson.M{
			"type":      string(to.Type),
			"status":    string(to.Status),
			"updatedAt": time.Now().UTC(),
		}})
	if err != nil {
		return false, mongoErr(err, "update session state")
	}
	return res.MatchedCount == 1, nil
}

// ListOpenSessionsByCreator implements SessionStore
func (s *MongoStore) ListOpenSessionsByCreator(ctx context.Context, creatorID string, sessionType model.SessionType) ([]*model.Session, error) {
	defer observe(backendMongo, "list_creator_sessions")()

	botIDs, err := s.chatbots.Distinct(ctx, "_id", bson.M{"creatorId": creatorID})
	if err != nil {
		return nil, mongoErr(err, "list chatbots of creator %s", creatorID)
	}
	if len(botIDs) == 0 {
		return nil, nil
	}

	cursor, err := s.sessions.Find(ctx,
		bson.M{
			"chatbotId": bson.M{"$in": botIDs},
			"type":      string(sessionType),
			"status":    bson.M{"$ne": string(model.StatusResolved)},
		},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, mongoErr(err, "query creator sessions")
	}
	var sessions []*model.Session
	if err := cursor.All(ctx, &sessions); err != nil {
		return nil, mongoErr(err, "decode sessions")
	}
	for _, sess := range sessions {
		normalizeSession(sess)
	}
	return sessions, nil
}

// ---- directory ----

// CreateUser implements DirectoryStore
func (s *MongoStore) CreateUser(ctx context.Context, user *model.User) error {
	defer observe(backendMongo, "create_user")()

	if user == nil || user.ID == "" {
		return ErrInvalidArgument
	}
	_, err := s.users.InsertOne(ctx, user)
	return mongoErr(err, "insert user %s", user.Username)
}

func (s *MongoStore) findUser(ctx context.Context, filter bson.M, key string) (*model.User, error) {
	var u model.User
	if err := s.users.FindOne(ctx, filter).Decode(&u); err != nil {
		return nil, mongoErr(err, "user %s", key)
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

// GetUser implements DirectoryStore
func (s *MongoStore) GetUser(ctx context.Context, userID string) (*model.User, error) {
	defer observe(backendMongo, "get_user")()
	return s.findUser(ctx, bson.M{"_id": userID}, userID)
}

// GetUserByUsername implements DirectoryStore
func (s *MongoStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	defer observe(backendMongo, "get_user_by_username")()
	return s.findUser(ctx, bson.M{"username": username}, username)
}

// GetUserByEmail implements DirectoryStore
func (s *MongoStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	defer observe(backendMongo, "get_user_by_email")()
	return s.findUser(ctx, bson.M{"email": email}, email)
}

// CreateChatbot implements DirectoryStore. Nodes are written first and the
// chatbot document last, so a reader that finds the chatbot finds its
// whole tree. Nodes are removed again when the chatbot insert fails.
func (s *MongoStore) CreateChatbot(ctx context.Context, bot *model.Chatbot, nodes []model.Node) error {
	defer observe(backendMongo, "create_chatbot")()

	if bot == nil || bot.ID == "" {
		return ErrInvalidArgument
	}

	if len(nodes) > 0 {
		docs := make([]any, 0, len(nodes))
		for _, n := range nodes {
			if n.ChatbotID != bot.ID {
				return fmt.Errorf("node %s belongs to chatbot %s: %w", n.ID, n.ChatbotID, ErrInvalidArgument)
			}
			docs = append(docs, n)
		}
		if _, err := s.nodes.InsertMany(ctx, docs); err != nil {
			s.removeNodes(bot.ID)
			return mongoErr(err, "insert nodes for chatbot %s", bot.ID)
		}
	}

	if _, err := s.chatbots.InsertOne(ctx, bot); err != nil {
		if !mongo.IsDuplicateKeyError(err) {
			s.removeNodes(bot.ID)
		}
		return mongoErr(err, "insert chatbot %s", bot.ID)
	}
	return nil
}

func (s *MongoStore) removeNodes(chatbotID string) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultContextTimeout)
	defer cancel()
	if _, err := s.nodes.DeleteMany(ctx, bson.M{"chatbotId": chatbotID}); err != nil {
		s.logger.Warn().Err(err).Str("chatbot_id", chatbotID).Msg("Failed to remove nodes of incomplete chatbot")
	}
}

// GetChatbot implements DirectoryStore
func (s *MongoStore) GetChatbot(ctx context.Context, chatbotID string) (*model.Chatbot, error) {
	defer observe(backendMongo, "get_chatbot")()

	var bot model.Chatbot
	if err := s.chatbots.FindOne(ctx, bson.M{"_id": chatbotID}).Decode(&bot); err != nil {
		return nil, mongoErr(err, "chatbot %s", chatbotID)
	}
	bot.CreatedAt = bot.CreatedAt.UTC()
	return &bot, nil
}

// ListChatbots implements DirectoryStore
func (s *MongoStore) ListChatbots(ctx context.Context, filter ChatbotFilter) ([]*model.Chatbot, error) {
	defer observe(backendMongo, "list_chatbots")()

	query := bson.M{}
	if filter.PublicOnly {
		query["isActive"] = true
		query["visibility"] = string(model.VisibilityPublic)
	}
	if filter.CreatorID != "" {
		query["creatorId"] = filter.CreatorID
	}
	if filter.Search != "" {
		query["title"] = bson.M{"$regex": regexp.QuoteMeta(filter.Search), "$options": "i"}
	}

	cursor, err := s.chatbots.Find(ctx, query,
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, mongoErr(err, "query chatbots")
	}
	var bots []*model.Chatbot
	if err := cursor.All(ctx, &bots); err != nil {
		return nil, mongoErr(err, "decode chatbots")
	}
	for _, b := range bots {
		b.CreatedAt = b.CreatedAt.UTC()
	}
	return bots, nil
}

// DeleteChatbot implements DirectoryStore. The chatbot goes first so it
// disappears from reads before its dependents are cleaned up.
func (s *MongoStore) DeleteChatbot(ctx context.Context, chatbotID string) error {
	defer observe(backendMongo, "delete_chatbot")()

	res, err := s.chatbots.DeleteOne(ctx, bson.M{"_id": chatbotID})
	if err != nil {
		return mongoErr(err, "delete chatbot %s", chatbotID)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("chatbot %s: %w", chatbotID, ErrNotFound)
	}

	sessionIDs, err := s.sessions.Distinct(ctx, "_id", bson.M{"chatbotId": chatbotID})
	if err != nil {
		return mongoErr(err, "list sessions of chatbot %s", chatbotID)
	}
	if len(sessionIDs) > 0 {
		if _, err := s.messages.DeleteMany(ctx, bson.M{"sessionId": bson.M{"$in": sessionIDs}}); err != nil {
			return mongoErr(err, "delete messages of chatbot %s", chatbotID)
		}
		if _, err := s.counters.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": sessionIDs}}); err != nil {
			return mongoErr(err, "delete counters of chatbot %s", chatbotID)
		}
	}
	if _, err := s.sessions.DeleteMany(ctx, bson.M{"chatbotId": chatbotID}); err != nil {
		return mongoErr(err, "delete sessions of chatbot %s", chatbotID)
	}
	if _, err := s.nodes.DeleteMany(ctx, bson.M{"chatbotId": chatbotID}); err != nil {
		return mongoErr(err, "delete nodes of chatbot %s", chatbotID)
	}
	return nil
}

// ListNodes implements DirectoryStore
func (s *MongoStore) ListNodes(ctx context.Context, chatbotID string) ([]model.Node, error) {
	defer observe(backendMongo, "list_nodes")()

	cursor, err := s.nodes.Find(ctx, bson.M{"chatbotId": chatbotID},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, mongoErr(err, "query nodes")
	}
	var nodes []model.Node
	if err := cursor.All(ctx, &nodes); err != nil {
		return nil, mongoErr(err, "decode nodes")
	}
	return nodes, nil
}

// GetNode implements DirectoryStore
func (s *MongoStore) GetNode(ctx context.Context, nodeID string) (*model.Node, error) {
	defer observe(backendMongo, "get_node")()

	var n model.Node
	if err := s.nodes.FindOne(ctx, bson.M{"_id": nodeID}).Decode(&n); err != nil {
		return nil, mongoErr(err, "node %s", nodeID)
	}
	return &n, nil
}
