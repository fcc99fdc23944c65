package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration for the realtime server.
type Config struct {
	// Required variables
	Port string

	// Auth
	JWTSecret    string
	AuthDomain   string
	AuthAudience string
	SkipAuth     bool

	// Optional infrastructure
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	AllowedOrigins  string
	RedisEnabled    bool
	RedisAddr       string
	RedisPassword   string
	DatabaseURL     string

	// Protocol limits
	MaxMessageBytes  int64         // hard cap on a single inbound frame
	HandshakeTimeout time.Duration // unauthenticated connections expire after this
	IdleThreshold    time.Duration // 0 disables idle disconnects

	// Policy knobs
	RingingTimeout       time.Duration // 1:1 calls ring this long before Missed
	EditWindow           time.Duration // chat edit grace period
	UploadCeilingBytes   int64         // per-sender screen-share budget per second
	DownloadCeilingBytes int64         // advisory per-viewer budget per second
	RoomMinParticipants  int
	RoomMaxParticipants  int
	MaxStreamsPerChannel int

	// Rate Limits (ulule/limiter formatted, M = Minute, H = Hour)
	RateLimitAPIGlobal string
	RateLimitWsIP      string
}

// Defaults for the policy knobs. Exposed so tests can reference the same
// values the server runs with.
const (
	DefaultMaxMessageBytes  = 1 << 20 // 1 MiB
	DefaultHandshakeTimeout = 5 * time.Minute
	DefaultRingingTimeout   = 30 * time.Second
	DefaultEditWindow       = 5 * time.Minute
	DefaultUploadCeiling    = 30 << 20 // 30 MiB per second per sender
	DefaultDownloadCeiling  = 50 << 20 // 50 MiB per second per viewer
	DefaultRoomMin          = 2
	DefaultRoomMax          = 50
	DefaultMaxStreams       = 10
)

// Default returns a Config carrying the documented defaults without touching
// the environment. Used by tests and by embedding callers.
func Default() *Config {
	return &Config{
		Port:                 "8080",
		GoEnv:                "test",
		LogLevel:             "info",
		MaxMessageBytes:      DefaultMaxMessageBytes,
		HandshakeTimeout:     DefaultHandshakeTimeout,
		RingingTimeout:       DefaultRingingTimeout,
		EditWindow:           DefaultEditWindow,
		UploadCeilingBytes:   DefaultUploadCeiling,
		DownloadCeilingBytes: DefaultDownloadCeiling,
		RoomMinParticipants:  DefaultRoomMin,
		RoomMaxParticipants:  DefaultRoomMax,
		MaxStreamsPerChannel: DefaultMaxStreams,
		RateLimitAPIGlobal:   "1000-M",
		RateLimitWsIP:        "100-M",
	}
}

// ValidateEnv validates all required environment variables and returns a
// Config object. Returns an error if any required variable is missing or
// invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Auth: either a JWKS domain+audience, or a local secret in dev mode.
	cfg.AuthDomain = os.Getenv("AUTH_DOMAIN")
	cfg.AuthAudience = os.Getenv("AUTH_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret != "" && len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}
	if cfg.AuthDomain == "" && cfg.JWTSecret == "" && !cfg.SkipAuth {
		errs = append(errs, "one of AUTH_DOMAIN or JWT_SECRET is required unless SKIP_AUTH=true")
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Optional: DATABASE_URL. When unset the server runs on the in-memory
	// repository, which is intended for development only.
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Protocol limits
	cfg.MaxMessageBytes = getEnvBytes("MAX_MESSAGE_BYTES", DefaultMaxMessageBytes, &errs)
	cfg.HandshakeTimeout = getEnvDuration("HANDSHAKE_TIMEOUT", DefaultHandshakeTimeout, &errs)
	cfg.IdleThreshold = getEnvDuration("IDLE_THRESHOLD", 0, &errs)

	// Policy knobs
	cfg.RingingTimeout = getEnvDuration("RINGING_TIMEOUT", DefaultRingingTimeout, &errs)
	cfg.EditWindow = getEnvDuration("EDIT_WINDOW", DefaultEditWindow, &errs)
	cfg.UploadCeilingBytes = getEnvBytes("UPLOAD_CEILING_BYTES", DefaultUploadCeiling, &errs)
	cfg.DownloadCeilingBytes = getEnvBytes("DOWNLOAD_CEILING_BYTES", DefaultDownloadCeiling, &errs)
	cfg.RoomMinParticipants = DefaultRoomMin
	cfg.RoomMaxParticipants = getEnvInt("ROOM_MAX_PARTICIPANTS", DefaultRoomMax, &errs)
	if cfg.RoomMaxParticipants < DefaultRoomMin || cfg.RoomMaxParticipants > DefaultRoomMax {
		errs = append(errs, fmt.Sprintf("ROOM_MAX_PARTICIPANTS must be between %d and %d (got %d)", DefaultRoomMin, DefaultRoomMax, cfg.RoomMaxParticipants))
	}
	cfg.MaxStreamsPerChannel = getEnvInt("MAX_STREAMS_PER_CHANNEL", DefaultMaxStreams, &errs)

	// Rate Limits
	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"auth_domain", cfg.AuthDomain,
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"redis_enabled", cfg.RedisEnabled,
		"database", cfg.DatabaseURL != "",
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"handshake_timeout", cfg.HandshakeTimeout,
		"ringing_timeout", cfg.RingingTimeout,
		"upload_ceiling_bytes", cfg.UploadCeilingBytes,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, def time.Duration, errs *[]string) time.Duration {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a non-negative duration (got '%s')", key, raw))
		return def
	}
	return d
}

func getEnvInt(key string, def int, errs *[]string) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be an integer (got '%s')", key, raw))
		return def
	}
	return n
}

func getEnvBytes(key string, def int64, errs *[]string) int64 {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a positive byte count (got '%s')", key, raw))
		return def
	}
	return n
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
