package utils

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ServerPort string
	Store      StoreConfig
	Logging    LoggingConfig
	Prompt     PromptConfig
	KB         KBConfig
	Admin      AdminConfig
}

type StoreConfig struct {
	// Driver selects the history/metrics backend: "sqlite" (default,
	// embedded) or "postgres".
	Driver string

	// SQLitePath is the database file for the sqlite driver.
	SQLitePath string

	// Postgres settings, only used when Driver == "postgres".
	DSN               string
	Host              string
	Port              int
	User              string
	Password          string
	Database          string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	ConnectTimeout    time.Duration

	// QueryTimeout bounds every statement; expiry surfaces as a storage
	// error rather than a hung caller.
	QueryTimeout time.Duration

	// MaxListLimit caps history listing sizes. Requests above it are
	// clamped, not rejected.
	MaxListLimit int
}

type LoggingConfig struct {
	Level        string
	Encoding     string
	Development  bool
	EnableCaller bool
	ServiceName  string
}

type PromptConfig struct {
	// HistoryTurns bounds how many prior turns feed follow-up context.
	HistoryTurns int
	// ContextCharBudget bounds the assembled context block; oldest whole
	// turns are dropped first when exceeded.
	ContextCharBudget int
	SystemPrompt      string
}

type KBConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	RequestTimeout time.Duration
}

type AdminConfig struct {
	// JWTSecret verifies bearer tokens issued by the external identity
	// system. Empty disables JWT verification.
	JWTSecret string
	// KeyHash is a bcrypt hash of a shared admin key, for deployments
	// without a token issuer. Empty disables key verification.
	KeyHash string
}

func LoadConfig() (*Config, error) {
	pgPort, _ := strconv.Atoi(envOrDefault("POSTGRES_PORT", "5432"))
	maxConns := parseInt32(envOrDefault("POSTGRES_MAX_CONNS", "8"), 8)
	minConns := parseInt32(envOrDefault("POSTGRES_MIN_CONNS", "1"), 1)

	driver := strings.ToLower(envOrDefault("STORE_DRIVER", "sqlite"))
	if driver != "sqlite" && driver != "postgres" {
		return nil, fmt.Errorf("config: unsupported STORE_DRIVER %q", driver)
	}

	cfg := &Config{
		ServerPort: envOrDefault("PORT", "8080"),
		Store: StoreConfig{
			Driver:            driver,
			SQLitePath:        envOrDefault("SQLITE_PATH", "data/chatbot.db"),
			DSN:               os.Getenv("POSTGRES_DSN"),
			Host:              envOrDefault("POSTGRES_HOST", "localhost"),
			Port:              pgPort,
			User:              envOrDefault("POSTGRES_USER", "postgres"),
			Password:          os.Getenv("POSTGRES_PASSWORD"),
			Database:          envOrDefault("POSTGRES_DB", "chatbot"),
			MaxConns:          maxConns,
			MinConns:          minConns,
			MaxConnLifetime:   parseDuration(envOrDefault("POSTGRES_MAX_CONN_LIFETIME", "1h"), time.Hour),
			MaxConnIdleTime:   parseDuration(envOrDefault("POSTGRES_MAX_CONN_IDLE", "30m"), 30*time.Minute),
			HealthCheckPeriod: parseDuration(envOrDefault("POSTGRES_HEALTH_CHECK_PERIOD", "1m"), time.Minute),
			ConnectTimeout:    parseDuration(envOrDefault("POSTGRES_CONNECT_TIMEOUT", "5s"), 5*time.Second),
			QueryTimeout:      parseDuration(envOrDefault("STORE_QUERY_TIMEOUT", "10s"), 10*time.Second),
			MaxListLimit:      parsePositiveInt(envOrDefault("HISTORY_MAX_LIMIT", "1000"), 1000),
		},
		Logging: LoggingConfig{
			Level:        strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
			Encoding:     strings.ToLower(envOrDefault("LOG_ENCODING", "console")),
			Development:  parseBool(envOrDefault("LOG_DEVELOPMENT", "false"), false),
			EnableCaller: parseBool(envOrDefault("LOG_CALLER", "false"), false),
			ServiceName:  envOrDefault("SERVICE_NAME", "kb-chatbot"),
		},
		Prompt: PromptConfig{
			HistoryTurns:      parsePositiveInt(envOrDefault("PROMPT_HISTORY_TURNS", "5"), 5),
			ContextCharBudget: parsePositiveInt(envOrDefault("PROMPT_CONTEXT_CHARS", "8000"), 8000),
			SystemPrompt:      os.Getenv("SYSTEM_PROMPT"),
		},
		KB: KBConfig{
			BaseURL:        strings.TrimRight(envOrDefault("KB_API_BASE_URL", "http://localhost:9000/v1"), "/"),
			APIKey:         os.Getenv("KB_API_KEY"),
			Model:          envOrDefault("KB_MODEL_ID", "openai.gpt-oss-120b-1:0"),
			RequestTimeout: parseDuration(envOrDefault("KB_REQUEST_TIMEOUT", "30s"), 30*time.Second),
		},
		Admin: AdminConfig{
			JWTSecret: strings.TrimSpace(os.Getenv("ADMIN_JWT_SECRET")),
			KeyHash:   strings.TrimSpace(os.Getenv("ADMIN_KEY_HASH")),
		},
	}

	return cfg, nil
}

func (c StoreConfig) BuildDSN() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, c.Database)
}

func envOrDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt32(value string, fallback int32) int32 {
	i, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return int32(i)
}

func parsePositiveInt(value string, fallback int) int {
	i, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || i <= 0 {
		return fallback
	}
	return i
}

func parseBool(value string, fallback bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return v
}
