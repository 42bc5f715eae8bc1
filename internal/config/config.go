// Package config loads service configuration from the environment, with
// an optional .env file layered underneath.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/real-rm/chatroom/internal/constants"
	"github.com/real-rm/chatroom/internal/llm"
	"github.com/real-rm/chatroom/internal/storage"
	"github.com/real-rm/chatroom/internal/util"
)

// Config holds all application configuration
type Config struct {
	Server ServerConfig
	Store  StoreConfig
	AI     AIConfig
	Redis  RedisConfig
	Log    LogConfig
}

// ServerConfig holds HTTP and WebSocket settings
type ServerConfig struct {
	Port            int
	PathPrefix      string   // prefix for all routes (default: "/chatroom")
	AllowedOrigins  []string // empty allows any origin
	PublicBaseURL   string   // used to build links in notifications
	JWTSecret       string
	TokenTTL        time.Duration
	MaxMessageSize  int64
	ConnectionLimit int           // WebSocket connections per user
	RateLimit       int           // inbound messages per user per window
	RateWindow      time.Duration // rate limit window
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	Driver    string // "sqlite" or "mongo"
	SQLiteDSN string
	MongoURI  string
	Database  string
}

// AIConfig configures the responder and prompt assembly
type AIConfig struct {
	Provider      string // "mock", "gemini" or "openai"
	APIKey        string
	Model         string
	Endpoint      string
	Timeout       time.Duration
	HistoryWindow int
}

// RedisConfig enables cross-instance fan-out when Address is set
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// LogConfig controls the zerolog output
type LogConfig struct {
	Level  string
	Format string // "json" or "console"
}

// Enabled reports whether Redis is configured
func (r RedisConfig) Enabled() bool {
	return r.Address != ""
}

// StorageOptions converts the store section for storage.Open
func (s StoreConfig) StorageOptions() storage.Options {
	return storage.Options{
		Driver:    s.Driver,
		SQLiteDSN: s.SQLiteDSN,
		MongoURI:  s.MongoURI,
		Database:  s.Database,
	}
}

// LLMConfig converts the AI section for llm.NewResponder
func (a AIConfig) LLMConfig() llm.Config {
	return llm.Config{
		Provider: a.Provider,
		APIKey:   a.APIKey,
		Model:    a.Model,
		Endpoint: a.Endpoint,
		Timeout:  a.Timeout,
	}
}

// Load reads configuration from environment variables. Named env files are
// loaded first and must exist; with none named, a ./.env file is loaded
// when present. Variables already set in the environment win.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("load env files: %w", err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvAsInt("SERVER_PORT", constants.DefaultPort),
			PathPrefix:      getEnv("CHATROOM_PATH_PREFIX", constants.DefaultPathPrefix),
			AllowedOrigins:  getEnvAsSlice("ALLOWED_ORIGINS", nil),
			PublicBaseURL:   strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),
			JWTSecret:       getEnv("JWT_SECRET", ""),
			TokenTTL:        getEnvAsDuration("TOKEN_TTL", constants.DefaultTokenTTL),
			MaxMessageSize:  int64(getEnvAsInt("MAX_MESSAGE_SIZE", constants.DefaultMaxMessageSize)),
			ConnectionLimit: getEnvAsInt("CONNECTION_LIMIT", constants.DefaultConnectionLimit),
			RateLimit:       getEnvAsInt("RATE_LIMIT", constants.DefaultRateLimit),
			RateWindow:      getEnvAsDuration("RATE_WINDOW", constants.DefaultRateWindow),
		},
		Store: StoreConfig{
			Driver:    strings.ToLower(getEnv("STORE_DRIVER", constants.DefaultStoreDriver)),
			SQLiteDSN: getEnv("SQLITE_DSN", constants.DefaultSQLiteDSN),
			MongoURI:  getEnv("MONGO_URI", constants.DefaultMongoURI),
			Database:  getEnv("MONGO_DATABASE", constants.DefaultDatabase),
		},
		AI: AIConfig{
			Provider:      strings.ToLower(getEnv("AI_PROVIDER", constants.DefaultAIProvider)),
			APIKey:        getEnv("AI_API_KEY", ""),
			Model:         getEnv("AI_MODEL", ""),
			Endpoint:      getEnv("AI_ENDPOINT", ""),
			Timeout:       getEnvAsDuration("AI_TIMEOUT", constants.DefaultAITimeout),
			HistoryWindow: getEnvAsInt("HISTORY_WINDOW", constants.DefaultHistoryWindow),
		},
		Redis: RedisConfig{
			Address:  getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Log: LogConfig{
			Level:  strings.ToLower(getEnv("LOG_LEVEL", constants.DefaultLogLevel)),
			Format: strings.ToLower(getEnv("LOG_FORMAT", constants.DefaultLogFormat)),
		},
	}
	return cfg, nil
}

// Validate checks every section and reports all problems at once
func (c *Config) Validate() error {
	var errs []error

	// server
	if err := util.ValidateRange(c.Server.Port, 1, 65535, "server port"); err != nil {
		errs = append(errs, err)
	}
	if err := util.ValidateNotEmpty(c.Server.PathPrefix, "path prefix"); err != nil {
		errs = append(errs, err)
	} else if !strings.HasPrefix(c.Server.PathPrefix, "/") {
		errs = append(errs, errors.New("path prefix must start with '/'"))
	}
	if c.Server.JWTSecret == "" {
		errs = append(errs, errors.New("JWT secret is required"))
	} else {
		if len(c.Server.JWTSecret) < constants.MinJWTSecretLength {
			errs = append(errs, fmt.Errorf(
				"JWT secret must be at least %d characters (got %d). "+
					"Generate a strong secret with: openssl rand -base64 32",
				constants.MinJWTSecretLength, len(c.Server.JWTSecret)))
		}
		if weak, pattern := util.ContainsWeakPattern(c.Server.JWTSecret, constants.WeakSecrets); weak {
			errs = append(errs, fmt.Errorf(
				"JWT secret appears to be weak (contains '%s'). "+
					"Use a cryptographically random secret generated with: openssl rand -base64 32",
				pattern))
		}
	}
	if c.Server.TokenTTL <= 0 {
		errs = append(errs, errors.New("token TTL must be positive"))
	}
	if c.Server.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("max message size must be positive"))
	}
	if c.Server.ConnectionLimit <= 0 {
		errs = append(errs, errors.New("connection limit must be positive"))
	}
	if c.Server.RateLimit <= 0 {
		errs = append(errs, errors.New("rate limit must be positive"))
	}
	if c.Server.RateWindow <= 0 {
		errs = append(errs, errors.New("rate window must be positive"))
	}

	// store
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLiteDSN == "" {
			errs = append(errs, errors.New("SQLite DSN is required for the sqlite driver"))
		}
	case "mongo":
		if c.Store.MongoURI == "" {
			errs = append(errs, errors.New("Mongo URI is required for the mongo driver"))
		}
		if c.Store.Database == "" {
			errs = append(errs, errors.New("database name is required for the mongo driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store driver must be sqlite or mongo, got %q", c.Store.Driver))
	}

	// ai
	switch c.AI.Provider {
	case "mock":
	case "gemini", "openai":
		if c.AI.APIKey == "" {
			errs = append(errs, fmt.Errorf("AI API key is required for the %s provider", c.AI.Provider))
		}
	default:
		errs = append(errs, fmt.Errorf("AI provider must be mock, gemini or openai, got %q", c.AI.Provider))
	}
	if c.AI.Timeout <= 0 {
		errs = append(errs, errors.New("AI timeout must be positive"))
	}
	if c.AI.HistoryWindow <= 0 {
		errs = append(errs, errors.New("history window must be positive"))
	}

	// redis
	if c.Redis.DB < 0 {
		errs = append(errs, errors.New("redis DB must not be negative"))
	}

	// log
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log format must be json or console, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}
	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var result []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			result = append(result, v)
		}
	}
	return result
}
