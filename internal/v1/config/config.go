package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration for the roomsync server.
type Config struct {
	// Required variables
	Port           string
	RedisAddr      string
	DurableStoreURL string

	// Auth
	AuthSigningKey    string
	AuthProviderURL   string
	AuthAudience      string
	DevelopmentMode   bool
	SkipAuth          bool
	AllowedOrigins    string

	// Optional variables with defaults
	GoEnv    string
	LogLevel string

	RedisPassword string
	RedisEnabled  bool

	// Room engine timing
	ExecBufferMs               int
	SeekBufferMs               int
	AudienceDelaySecondsDefault int
	PresenceBroadcastEveryMs   int

	// Chat
	ChatMaxMessages int
	ChatTTLSec      int

	// SFU
	SFUURL              string
	SFUKey              string
	SFUSecret           string
	SFUControlPlaneURL  string
	RoomMaxStage        int
	RoomMaxTable        int

	// Rate limits - connection (ulule/limiter formatted strings)
	RateLimitConnIP string

	// Rate limits - per (room,user) token buckets
	RateLimitCmdCapacity    int
	RateLimitCmdRefillPerS  float64
	RateLimitCmdTTLMs       int
	RateLimitChatCapacity   int
	RateLimitChatRefillPerS float64
	RateLimitChatTTLMs      int
}

// ValidateEnv validates all required environment variables and returns a Config object.
// It collects all validation errors before returning a single error.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") != "false"
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	if cfg.RedisEnabled && cfg.RedisAddr == "" {
		errs = append(errs, "REDIS_ADDR is required when REDIS_ENABLED is not \"false\"")
	} else if cfg.RedisAddr != "" && !isValidHostPort(cfg.RedisAddr) {
		errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	cfg.DurableStoreURL = os.Getenv("DURABLE_STORE_URL")
	if cfg.DurableStoreURL == "" {
		errs = append(errs, "DURABLE_STORE_URL is required")
	}

	cfg.AuthSigningKey = os.Getenv("AUTH_SIGNING_KEY")
	cfg.AuthProviderURL = os.Getenv("AUTH_PROVIDER_URL")
	cfg.AuthAudience = os.Getenv("AUTH_AUDIENCE")
	if cfg.AuthSigningKey == "" && cfg.AuthProviderURL == "" {
		errs = append(errs, "either AUTH_SIGNING_KEY or AUTH_PROVIDER_URL must be set")
	}
	if cfg.AuthProviderURL != "" && cfg.AuthAudience == "" {
		errs = append(errs, "AUTH_AUDIENCE is required when AUTH_PROVIDER_URL is set")
	}
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.ExecBufferMs = getEnvIntOrDefault("EXEC_BUFFER_MS", 2000, &errs)
	cfg.SeekBufferMs = getEnvIntOrDefault("SEEK_BUFFER_MS", 2500, &errs)
	cfg.AudienceDelaySecondsDefault = getEnvIntOrDefault("AUDIENCE_DELAY_SECONDS_DEFAULT", 0, &errs)
	cfg.PresenceBroadcastEveryMs = getEnvIntOrDefault("PRESENCE_BROADCAST_EVERY_MS", 2000, &errs)

	cfg.ChatMaxMessages = getEnvIntOrDefault("CHAT_MAX_MESSAGES", 200, &errs)
	cfg.ChatTTLSec = getEnvIntOrDefault("CHAT_TTL_SEC", 24*3600, &errs)

	cfg.SFUURL = os.Getenv("SFU_URL")
	cfg.SFUKey = os.Getenv("SFU_KEY")
	cfg.SFUSecret = os.Getenv("SFU_SECRET")
	cfg.SFUControlPlaneURL = os.Getenv("SFU_CONTROL_PLANE_URL")
	cfg.RoomMaxStage = getEnvIntOrDefault("ROOM_MAX_STAGE", 20, &errs)
	cfg.RoomMaxTable = getEnvIntOrDefault("ROOM_MAX_TABLE", 8, &errs)

	cfg.RateLimitConnIP = getEnvOrDefault("RATE_LIMIT_CONN_IP", "100-M")

	cfg.RateLimitCmdCapacity = getEnvIntOrDefault("RATE_LIMIT_CMD_CAPACITY", 20, &errs)
	cfg.RateLimitCmdRefillPerS = getEnvFloatOrDefault("RATE_LIMIT_CMD_REFILL_PER_SEC", 5, &errs)
	cfg.RateLimitCmdTTLMs = getEnvIntOrDefault("RATE_LIMIT_CMD_TTL_MS", 60_000, &errs)

	cfg.RateLimitChatCapacity = getEnvIntOrDefault("RATE_LIMIT_CHAT_CAPACITY", 10, &errs)
	cfg.RateLimitChatRefillPerS = getEnvFloatOrDefault("RATE_LIMIT_CHAT_REFILL_PER_SEC", 1, &errs)
	cfg.RateLimitChatTTLMs = getEnvIntOrDefault("RATE_LIMIT_CHAT_TTL_MS", 60_000, &errs)

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

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

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated")
	slog.Info("configuration",
		"port", cfg.Port,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"durable_store_url", redactSecret(cfg.DurableStoreURL),
		"auth_signing_key", redactSecret(cfg.AuthSigningKey),
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"exec_buffer_ms", cfg.ExecBufferMs,
		"seek_buffer_ms", cfg.SeekBufferMs,
		"presence_broadcast_every_ms", cfg.PresenceBroadcastEveryMs,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int, errs *[]string) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be an integer (got '%s')", key, raw))
		return defaultValue
	}
	return v
}

func getEnvFloatOrDefault(key string, defaultValue float64, errs *[]string) float64 {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be a number (got '%s')", key, raw))
		return defaultValue
	}
	return v
}

// redactSecret shows only the first 8 characters of a secret.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		if secret == "" {
			return ""
		}
		return "***"
	}
	return secret[:8] + "***"
}
