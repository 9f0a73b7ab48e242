package app

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"tabletalk/internal/realtime"
)

// Config defines how the chat backend should run. Every field can be set
// through the environment; flags in cmd/server override on top.
type Config struct {
	Addr   string
	WSPath string
	DBPath string

	JWTSecret string
	JWTIssuer string
	TokenTTL  time.Duration

	AuthTimeout time.Duration
	OpTimeout   time.Duration

	MessagePolicy realtime.RatePolicy
	TypingPolicy  realtime.RatePolicy
	AuthPolicy    realtime.RatePolicy
	TypingTTL     time.Duration

	PushGatewayURL string
	PushTimeout    time.Duration
	PushSkipOnline bool

	LogLevel string
}

// LoadConfig reads .env (when present) and the process environment.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Addr:   getEnv("TABLETALK_ADDR", "127.0.0.1:8080"),
		WSPath: getEnv("TABLETALK_WS_PATH", "/ws"),
		DBPath: getEnv("TABLETALK_DB_PATH", DefaultDBPath()),

		JWTSecret: getEnv("TABLETALK_JWT_SECRET", ""),
		JWTIssuer: getEnv("TABLETALK_JWT_ISSUER", "tabletalk"),
		TokenTTL:  getEnvAsDuration("TABLETALK_TOKEN_TTL", 24*time.Hour),

		AuthTimeout: getEnvAsDuration("TABLETALK_AUTH_TIMEOUT", 5*time.Second),
		OpTimeout:   getEnvAsDuration("TABLETALK_OP_TIMEOUT", 10*time.Second),

		MessagePolicy: realtime.RatePolicy{
			Max:    getEnvAsInt("TABLETALK_MESSAGE_LIMIT", 5),
			Window: getEnvAsDuration("TABLETALK_MESSAGE_WINDOW", 10*time.Second),
		},
		TypingPolicy: realtime.RatePolicy{
			Max:    getEnvAsInt("TABLETALK_TYPING_LIMIT", 20),
			Window: getEnvAsDuration("TABLETALK_TYPING_WINDOW", 5*time.Second),
		},
		AuthPolicy: realtime.RatePolicy{
			Max:    getEnvAsInt("TABLETALK_AUTH_LIMIT", 10),
			Window: getEnvAsDuration("TABLETALK_AUTH_WINDOW", time.Minute),
		},
		TypingTTL: getEnvAsDuration("TABLETALK_TYPING_TTL", 10*time.Second),

		PushGatewayURL: getEnv("TABLETALK_PUSH_URL", ""),
		PushTimeout:    getEnvAsDuration("TABLETALK_PUSH_TIMEOUT", 5*time.Second),
		PushSkipOnline: getEnvAsBool("TABLETALK_PUSH_SKIP_ONLINE", true),

		LogLevel: getEnv("TABLETALK_LOG_LEVEL", "info"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DBPath == "" {
		return errors.New("database path is required")
	}
	if c.JWTSecret == "" {
		return errors.New("TABLETALK_JWT_SECRET must be set")
	}
	if c.MessagePolicy.Max <= 0 || c.MessagePolicy.Window <= 0 {
		return errors.New("message rate policy must be positive")
	}
	if c.TypingPolicy.Max <= 0 || c.TypingPolicy.Window <= 0 {
		return errors.New("typing rate policy must be positive")
	}
	return nil
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("TABLETALK_DATA_DIR"); env != "" {
		return filepath.Join(env, "tabletalk.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "tabletalk", "tabletalk.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Tabletalk", "tabletalk.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Tabletalk", "tabletalk.db")
		}
		return filepath.Join(home, ".local", "share", "tabletalk", "tabletalk.db")
	}
	return filepath.Join(".", ".tabletalk", "tabletalk.db")
}

// NormalizeWSPath guarantees the websocket path starts with '/' and falls
// back to /ws when empty.
func NormalizeWSPath(path string) string {
	if path == "" {
		return "/ws"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}
