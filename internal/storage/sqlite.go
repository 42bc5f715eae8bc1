package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/real-rm/chatroom/internal/constants"
	"github.com/real-rm/chatroom/internal/model"
	"github.com/rs/zerolog"
)

const backendSQLite = "sqlite"

// migrations are applied in order on every start; each is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('admin', 'creator', 'user')),
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chatbots (
		id TEXT PRIMARY KEY,
		creator_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		visibility TEXT NOT NULL CHECK (visibility IN ('public', 'private', 'link_only')),
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chatbot_creator ON chatbots (creator_id)`,
	`CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		chatbot_id TEXT NOT NULL REFERENCES chatbots (id) ON DELETE CASCADE,
		label TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		parent_id TEXT REFERENCES nodes (id) ON DELETE CASCADE DEFERRABLE INITIALLY DEFERRED
	)`,
	`CREATE INDEX IF NOT EXISTS idx_node_chatbot ON nodes (chatbot_id)`,
	`CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		chatbot_id TEXT NOT NULL REFERENCES chatbots (id) ON DELETE CASCADE,
		user_id TEXT,
		type TEXT NOT NULL CHECK (type IN ('ai_conversation', 'human_support')),
		status TEXT NOT NULL CHECK (status IN ('active', 'resolved', 'archived')),
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_session_chatbot ON chat_sessions (chatbot_id, type, status)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_active_session ON chat_sessions (chatbot_id, user_id)
		WHERE status = 'active' AND user_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES chat_sessions (id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		sender_id TEXT,
		sender_type TEXT NOT NULL CHECK (sender_type IN ('user', 'creator', 'ai', 'system')),
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (session_id, seq)
	)`,
}

// SQLiteStore implements Store on top of mattn/go-sqlite3
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens dsn and applies the schema. Use ":memory:" for tests.
func NewSQLiteStore(dsn string, logger zerolog.Logger) (*SQLiteStore, error) {
	if !strings.Contains(dsn, "_foreign_keys") && !strings.Contains(dsn, "_fk") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_foreign_keys=on"
	}
	if strings.HasPrefix(dsn, ":memory:") {
		dsn = "file:" + dsn
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}
	// One connection serializes writers and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, logger: logger.With().Str("component", "storage").Str("backend", backendSQLite).Logger()}
	ctx, cancel := context.WithTimeout(context.Background(), constants.StoreInitTimeout)
	defer cancel()
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info().Int("migrations", len(migrations)).Msg("SQLite store ready")
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return errors.Wrap(err, "enable foreign keys")
	}
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "apply migration %d", i)
		}
	}
	return nil
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func nullable(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullable(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// ---- messages ----

// AppendMessage implements MessageStore
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, senderID *string, senderType model.SenderType, content string) (*model.Message, error) {
	defer observe(backendSQLite, "append_message")()

	if sessionID == "" || !validSender(senderID, senderType) {
		return nil, ErrInvalidArgument
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin append")
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM chat_sessions WHERE id = ?`, sessionID).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "session %s", sessionID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "look up session")
	}

	var lastSeq int64
	var lastAt time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT seq, created_at FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT 1`,
		sessionID).Scan(&lastSeq, &lastAt)
	if err != nil && err != sql.ErrNoRows {
		return nil, errors.Wrap(err, "read last sequence")
	}

	msg := &model.Message{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Seq:        lastSeq + 1,
		SenderID:   senderID,
		SenderType: senderType,
		Content:    content,
		CreatedAt:  nextTimestamp(time.Now(), lastAt),
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, seq, sender_id, sender_type, content, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Seq, nullable(msg.SenderID), string(msg.SenderType), msg.Content, msg.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "insert message")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit append")
	}
	return msg, nil
}

// ListMessages implements MessageStore
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, opts ListOptions) ([]*model.Message, error) {
	defer observe(backendSQLite, "list_messages")()

	limit := opts.Limit
	if limit <= 0 {
		limit = -1 // no limit in SQLite
	}

	direction := "ASC"
	if opts.Order == NewestFirst || opts.Limit > 0 {
		direction = "DESC"
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, seq, sender_id, sender_type, content, created_at
		 FROM messages WHERE session_id = ? ORDER BY seq `+direction+` LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query messages")
	}
	defer rows.Close()

	var msgs []*model.Message
	for rows.Next() {
		var m model.Message
		var senderID sql.NullString
		var senderType string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &senderID, &senderType, &m.Content, &m.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		m.SenderID = fromNullable(senderID)
		m.SenderType = model.SenderType(senderType)
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate messages")
	}

	if direction == "DESC" && opts.Order == OldestFirst {
		reverse(msgs)
	}
	return msgs, nil
}

// ---- sessions ----

const sessionColumns = `id, chatbot_id, user_id, type, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	var sess model.Session
	var userID sql.NullString
	var sessType, status string
	if err := row.Scan(&sess.ID, &sess.ChatbotID, &userID, &sessType, &status, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	sess.UserID = fromNullable(userID)
	sess.Type = model.SessionType(sessType)
	sess.Status = model.SessionStatus(status)
	return &sess, nil
}

// CreateSession implements SessionStore
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *model.Session) error {
	defer observe(backendSQLite, "create_session")()

	if sess == nil || sess.ID == "" || sess.ChatbotID == "" {
		return ErrInvalidArgument
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ChatbotID, nullable(sess.UserID), string(sess.Type), string(sess.Status), sess.CreatedAt, sess.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.Wrapf(ErrConflict, "active session for chatbot %s", sess.ChatbotID)
	}
	return errors.Wrap(err, "insert session")
}

// GetSession implements SessionStore
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	defer observe(backendSQLite, "get_session")()

	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions WHERE id = ?`, sessionID))
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "session %s", sessionID)
	}
	return sess, errors.Wrap(err, "get session")
}

// FindActiveSession implements SessionStore
func (s *SQLiteStore) FindActiveSession(ctx context.Context, chatbotID, userID string) (*model.Session, error) {
	defer observe(backendSQLite, "find_active_session")()

	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions
		 WHERE chatbot_id = ? AND user_id = ? AND status = 'active'
		 ORDER BY created_at DESC LIMIT 1`, chatbotID, userID))
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "active session for chatbot %s", chatbotID)
	}
	return sess, errors.Wrap(err, "find active session")
}

// UpdateSessionState implements SessionStore
func (s *SQLiteStore) UpdateSessionState(ctx context.Context, sessionID string, from, to model.SessionState) (bool, error) {
	defer observe(backendSQLite, "update_session_state")()

	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET type = ?, status = ?, updated_at = ?
		 WHERE id = ? AND type = ? AND status = ?`,
		string(to.Type), string(to.Status), time.Now().UTC(),
		sessionID, string(from.Type), string(from.Status))
	if err != nil {
		return false, errors.Wrap(err, "update session state")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n == 1, nil
}

// ListOpenSessionsByCreator implements SessionStore
func (s *SQLiteStore) ListOpenSessionsByCreator(ctx context.Context, creatorID string, sessionType model.SessionType) ([]*model.Session, error) {
	defer observe(backendSQLite, "list_creator_sessions")()

	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.chatbot_id, s.user_id, s.type, s.status, s.created_at, s.updated_at
		 FROM chat_sessions s JOIN chatbots c ON c.id = s.chatbot_id
		 WHERE c.creator_id = ? AND s.type = ? AND s.status != 'resolved'
		 ORDER BY s.created_at DESC, s.id`, creatorID, string(sessionType))
	if err != nil {
		return nil, errors.Wrap(err, "query creator sessions")
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan session")
		}
		sessions = append(sessions, sess)
	}
	return sessions, errors.Wrap(rows.Err(), "iterate sessions")
}

// ---- directory ----

// CreateUser implements DirectoryStore
func (s *SQLiteStore) CreateUser(ctx context.Context, user *model.User) error {
	defer observe(backendSQLite, "create_user")()

	if user == nil || user.ID == "" {
		return ErrInvalidArgument
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, email, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.Email, user.PasswordHash, string(user.Role), user.CreatedAt)
	if isUniqueViolation(err) {
		return errors.Wrapf(ErrConflict, "user %s", user.Username)
	}
	return errors.Wrap(err, "insert user")
}

func (s *SQLiteStore) getUser(ctx context.Context, where string, arg string) (*model.User, error) {
	var u model.User
	var role string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, role, created_at FROM users WHERE `+where+` = ?`, arg).
		Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "user %s", arg)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get user")
	}
	u.Role = model.Role(role)
	return &u, nil
}

// GetUser implements DirectoryStore
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*model.User, error) {
	defer observe(backendSQLite, "get_user")()
	return s.getUser(ctx, "id", userID)
}

// GetUserByUsername implements DirectoryStore
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	defer observe(backendSQLite, "get_user_by_username")()
	return s.getUser(ctx, "username", username)
}

// GetUserByEmail implements DirectoryStore
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	defer observe(backendSQLite, "get_user_by_email")()
	return s.getUser(ctx, "email", email)
}

// CreateChatbot implements DirectoryStore
func (s *SQLiteStore) CreateChatbot(ctx context.Context, bot *model.Chatbot, nodes []model.Node) error {
	defer observe(backendSQLite, "create_chatbot")()

	if bot == nil || bot.ID == "" {
		return ErrInvalidArgument
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin create chatbot")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO chatbots (id, creator_id, title, description, visibility, is_active, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		bot.ID, bot.CreatorID, bot.Title, bot.Description, string(bot.Visibility), bot.IsActive, bot.CreatedAt)
	if isUniqueViolation(err) {
		return errors.Wrapf(ErrConflict, "chatbot %s", bot.ID)
	}
	if err != nil {
		return errors.Wrap(err, "insert chatbot")
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO nodes (id, chatbot_id, label, content, parent_id) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare node insert")
	}
	defer stmt.Close()

	for _, n := range nodes {
		if n.ChatbotID != bot.ID {
			return errors.Wrapf(ErrInvalidArgument, "node %s belongs to chatbot %s", n.ID, n.ChatbotID)
		}
		if _, err := stmt.ExecContext(ctx, n.ID, n.ChatbotID, n.Label, n.Content, nullable(n.ParentID)); err != nil {
			if isUniqueViolation(err) {
				return errors.Wrapf(ErrConflict, "node %s", n.ID)
			}
			return errors.Wrapf(err, "insert node %s", n.ID)
		}
	}

	return errors.Wrap(tx.Commit(), "commit create chatbot")
}

const chatbotColumns = `id, creator_id, title, description, visibility, is_active, created_at`

func scanChatbot(row rowScanner) (*model.Chatbot, error) {
	var bot model.Chatbot
	var visibility string
	if err := row.Scan(&bot.ID, &bot.CreatorID, &bot.Title, &bot.Description, &visibility, &bot.IsActive, &bot.CreatedAt); err != nil {
		return nil, err
	}
	bot.Visibility = model.Visibility(visibility)
	return &bot, nil
}

// GetChatbot implements DirectoryStore
func (s *SQLiteStore) GetChatbot(ctx context.Context, chatbotID string) (*model.Chatbot, error) {
	defer observe(backendSQLite, "get_chatbot")()

	bot, err := scanChatbot(s.db.QueryRowContext(ctx,
		`SELECT `+chatbotColumns+` FROM chatbots WHERE id = ?`, chatbotID))
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "chatbot %s", chatbotID)
	}
	return bot, errors.Wrap(err, "get chatbot")
}

// ListChatbots implements DirectoryStore
func (s *SQLiteStore) ListChatbots(ctx context.Context, filter ChatbotFilter) ([]*model.Chatbot, error) {
	defer observe(backendSQLite, "list_chatbots")()

	var conds []string
	var args []any
	if filter.PublicOnly {
		conds = append(conds, `is_active = 1 AND visibility = 'public'`)
	}
	if filter.CreatorID != "" {
		conds = append(conds, `creator_id = ?`)
		args = append(args, filter.CreatorID)
	}
	if filter.Search != "" {
		conds = append(conds, `title LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(filter.Search)+"%")
	}

	query := `SELECT ` + chatbotColumns + ` FROM chatbots`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query chatbots")
	}
	defer rows.Close()

	var bots []*model.Chatbot
	for rows.Next() {
		bot, err := scanChatbot(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan chatbot")
		}
		bots = append(bots, bot)
	}
	return bots, errors.Wrap(rows.Err(), "iterate chatbots")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// DeleteChatbot implements DirectoryStore. Nodes, sessions and messages
// follow through ON DELETE CASCADE.
func (s *SQLiteStore) DeleteChatbot(ctx context.Context, chatbotID string) error {
	defer observe(backendSQLite, "delete_chatbot")()

	res, err := s.db.ExecContext(ctx, `DELETE FROM chatbots WHERE id = ?`, chatbotID)
	if err != nil {
		return errors.Wrap(err, "delete chatbot")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "chatbot %s", chatbotID)
	}
	return nil
}

// ListNodes implements DirectoryStore
func (s *SQLiteStore) ListNodes(ctx context.Context, chatbotID string) ([]model.Node, error) {
	defer observe(backendSQLite, "list_nodes")()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chatbot_id, label, content, parent_id FROM nodes WHERE chatbot_id = ? ORDER BY id`, chatbotID)
	if err != nil {
		return nil, errors.Wrap(err, "query nodes")
	}
	defer rows.Close()

	var nodes []model.Node
	for rows.Next() {
		var n model.Node
		var parentID sql.NullString
		if err := rows.Scan(&n.ID, &n.ChatbotID, &n.Label, &n.Content, &parentID); err != nil {
			return nil, errors.Wrap(err, "scan node")
		}
		n.ParentID = fromNullable(parentID)
		nodes = append(nodes, n)
	}
	return nodes, errors.Wrap(rows.Err(), "iterate nodes")
}

// GetNode implements DirectoryStore
func (s *SQLiteStore) GetNode(ctx context.Context, nodeID string) (*model.Node, error) {
	defer observe(backendSQLite, "get_node")()

	var n model.Node
	var parentID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, chatbot_id, label, content, parent_id FROM nodes WHERE id = ?`, nodeID).
		Scan(&n.ID, &n.ChatbotID, &n.Label, &n.Content, &parentID)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "node %s", nodeID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get node")
	}
	n.ParentID = fromNullable(parentID)
	return &n, nil
}
