// Package constants provides centralized constant definitions for the chatroom service.
package constants

import "time"

// Timeouts for various operations
const (
	DefaultContextTimeout = 10 * time.Second // Standard store operations
	DefaultAITimeout      = 30 * time.Second // AI responder call
	StoreInitTimeout      = 30 * time.Second // Schema and index creation
	HealthCheckTimeout    = 2 * time.Second
	ShutdownTimeout       = 15 * time.Second
	NotificationTimeout   = 5 * time.Second
	RoomLockTTL           = 5 * time.Second // Cross-instance room lock lease
	RoomLockRetryInterval = 10 * time.Millisecond
	ConnectionRetryAfter  = 5 * time.Second // Suggested wait after the connection cap
)

// Sizes and Limits
const (
	DefaultMaxMessageSize  = 65536 // bytes per WebSocket frame
	MaxContentLength       = 10000 // characters per chat message
	MaxQueryLength         = 4000  // characters per ask query
	DefaultHistoryWindow   = 10    // last K messages fed into session-mode context
	SendBufferSize         = 256   // outbound frames buffered per connection
	DefaultRateLimit       = 60    // messages per minute per user
	DefaultHTTPRateLimit   = 300   // HTTP requests per minute per client
	DefaultConnectionLimit = 10    // simultaneous WebSocket connections per user
	MaxEventsPerUser       = 1000  // rate limit events tracked per user
	MaxUsersTracked        = 100000
	MaxTreeNodes           = 5000
	MaxUsernameLength      = 64
	MaxTitleLength         = 200
)

// HTTP Server Timeouts (for standalone server mode)
const (
	HTTPReadTimeout  = 15 * time.Second  // Maximum time to read the entire request
	HTTPWriteTimeout = 60 * time.Second  // Maximum time to write the response
	HTTPIdleTimeout  = 120 * time.Second // Maximum time to keep idle connections alive
	CORSMaxAge       = 12 * time.Hour    // Preflight cache lifetime
)

// Durations for background operations
const (
	DefaultRateWindow      = 1 * time.Minute
	DefaultCleanupInterval = 5 * time.Minute
	DefaultTokenTTL        = 24 * time.Hour
	NotificationWindow     = 5 * time.Minute
	NotificationBurst      = 5
)

// Role Names for authorization
const (
	RoleAdmin   = "admin"
	RoleCreator = "creator"
	RoleUser    = "user"
)

// Room naming
const (
	RoomPrefix         = "session_"
	RedisChannelPrefix = "chatroom:room:"
	RedisNotifyChannel = "chatroom:notifications"
	RedisLockPrefix    = "chatroom:lock:"
)

// Default Configuration Values
const (
	DefaultPort        = 8080
	DefaultPathPrefix  = "/chatroom"
	DefaultStoreDriver = "sqlite"
	DefaultSQLiteDSN   = "file:chatroom.db?_foreign_keys=on"
	DefaultMongoURI    = "mongodb://localhost:27017"
	DefaultDatabase    = "chatroom"
	DefaultAIProvider  = "mock"
	DefaultGeminiModel = "gemini-1.5-flash-latest"
	DefaultOpenAIModel = "gpt-4o-mini"
	DefaultOpenAIURL   = "https://api.openai.com/v1"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "json"
)

// HTTP Headers
const (
	HeaderAuthorization = "Authorization"
	BearerPrefix        = "Bearer "
)

// Error Messages
const (
	ErrMsgInvalidAuthHeader = "Invalid or missing Authorization header"
	ErrMsgInvalidToken      = "Invalid or expired token"
	ErrMsgUnauthorized      = "Unauthorized"
)

// Store collection and table names
const (
	CollectionUsers    = "users"
	CollectionChatbots = "chatbots"
	CollectionNodes    = "nodes"
	CollectionSessions = "chat_sessions"
	CollectionMessages = "messages"
	CollectionCounters = "message_counters"
)

// MongoDB Index Names
const (
	IndexActiveSession  = "idx_active_session"
	IndexSessionSeq     = "idx_session_seq"
	IndexNodeChatbot    = "idx_node_chatbot"
	IndexSessionChatbot = "idx_session_chatbot"
	IndexUsername       = "idx_username"
	IndexEmail          = "idx_email"
	IndexChatbotCreator = "idx_chatbot_creator"
)

// Token Estimation
const (
	CharsPerToken = 4 // Fallback estimate when no encoder is available
	TokenEncoding = "cl100k_base"
)

// Weak Secrets for validation (security check)
var WeakSecrets = []string{
	"secret", "test", "test123", "password", "admin",
	"changeme", "default", "example", "demo", "12345",
	"placeholder",
}

// Minimum Security Requirements
const (
	MinJWTSecretLength = 32 // Minimum length for JWT secret (256 bits)
	MinPasswordLength  = 8
)
