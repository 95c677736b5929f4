// Package config validates environment configuration at startup so a
// misconfigured deployment fails fast instead of limping.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Server
	Port           string
	Environment    string // "development" or "production"
	AllowedOrigins []string
	TrustProxy     bool

	// Identity
	AddressHashSecret string
	IdleTimeout       time.Duration
	IdleSweepInterval time.Duration

	// Storage
	DBPath string

	// Rooms
	RoomCount       int
	CapacityPerRoom int
	SystemCapacity  int

	// Gateway
	PingInterval         time.Duration
	PingMaxMissed        int
	HandshakeTimeout     time.Duration
	ChatHistoryLimit     int
	MaxConnsPerPrincipal int

	// Rate limits ("count-period" format, e.g. "100-M") and the sticky
	// block imposed once a window is exceeded.
	RateLimitAPI      string
	RateBlockAPI      time.Duration
	RateLimitIdentity string
	RateBlockIdentity time.Duration
	RateLimitJoin     string
	RateBlockJoin     time.Duration
	RateLimitChat     string
	RateBlockChat     time.Duration

	// Optional Redis (shared rate-limit counters across replicas)
	RedisAddr     string
	RedisPassword string

	// Tracing
	OTelEnabled  bool
	OTelEndpoint string

	// Shutdown
	ShutdownTimeout time.Duration
}

// DevelopmentMode reports whether the server runs with relaxed
// requirements (ephemeral hash secret, colorized logs).
func (c *Config) DevelopmentMode() bool {
	return c.Environment == "development"
}

// ValidateEnv validates all recognized environment variables and returns
// a Config object. Returns an error listing every problem found.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// PORT (defaults to 8080, must be a valid port if set)
	cfg.Port = getEnvOrDefault("PORT", "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	// ENVIRONMENT (defaults to "production"; anything but "development"
	// is treated as production)
	cfg.Environment = getEnvOrDefault("ENVIRONMENT", "production")

	// ADDRESS_HASH_SECRET keys the principal hash. Required in
	// production; development generates an ephemeral one so local runs
	// work out of the box (identities reset on restart).
	cfg.AddressHashSecret = os.Getenv("ADDRESS_HASH_SECRET")
	if cfg.AddressHashSecret == "" {
		if cfg.DevelopmentMode() {
			buf := make([]byte, 32)
			if _, err := rand.Read(buf); err != nil {
				errors = append(errors, fmt.Sprintf("failed to generate ephemeral hash secret: %v", err))
			}
			cfg.AddressHashSecret = hex.EncodeToString(buf)
			slog.Warn("⚠️  ADDRESS_HASH_SECRET not set, generated an ephemeral one (identities reset on restart)")
		} else {
			errors = append(errors, "ADDRESS_HASH_SECRET is required in production")
		}
	} else if len(cfg.AddressHashSecret) < 32 {
		errors = append(errors, fmt.Sprintf("ADDRESS_HASH_SECRET must be at least 32 characters (got %d)", len(cfg.AddressHashSecret)))
	}

	// ALLOWED_ORIGINS (csv; defaults to the local dev frontend)
	origins := getEnvOrDefault("ALLOWED_ORIGINS", "http://localhost:3000")
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
		}
	}

	cfg.TrustProxy = os.Getenv("TRUST_PROXY") == "true"
	cfg.DBPath = getEnvOrDefault("DB_PATH", "studyhive.db")

	cfg.RoomCount = getIntEnv("ROOM_COUNT", 10, &errors)
	cfg.CapacityPerRoom = getIntEnv("CAPACITY_PER_ROOM", 10, &errors)
	cfg.SystemCapacity = getIntEnv("SYSTEM_CAPACITY", 100, &errors)
	cfg.ChatHistoryLimit = getIntEnv("CHAT_HISTORY_LIMIT", 50, &errors)
	cfg.MaxConnsPerPrincipal = getIntEnv("MAX_CONNS_PER_PRINCIPAL", 2, &errors)
	cfg.PingMaxMissed = getIntEnv("PING_MAX_MISSED", 3, &errors)

	cfg.IdleTimeout = getDurationEnv("IDLE_TIMEOUT", 30*time.Minute, &errors)
	cfg.IdleSweepInterval = getDurationEnv("IDLE_SWEEP_INTERVAL", 5*time.Minute, &errors)
	cfg.PingInterval = getDurationEnv("PING_INTERVAL", 5*time.Minute, &errors)
	cfg.HandshakeTimeout = getDurationEnv("HANDSHAKE_TIMEOUT", 30*time.Second, &errors)
	cfg.ShutdownTimeout = getDurationEnv("SHUTDOWN_TIMEOUT", 10*time.Second, &errors)

	// Rate limits (count-period, M = minute, S = second)
	cfg.RateLimitAPI = getEnvOrDefault("RATE_LIMIT_API", "100-M")
	cfg.RateBlockAPI = getDurationEnv("RATE_BLOCK_API", time.Minute, &errors)
	cfg.RateLimitIdentity = getEnvOrDefault("RATE_LIMIT_IDENTITY", "5-M")
	cfg.RateBlockIdentity = getDurationEnv("RATE_BLOCK_IDENTITY", time.Minute, &errors)
	cfg.RateLimitJoin = getEnvOrDefault("RATE_LIMIT_JOIN", "5-M")
	cfg.RateBlockJoin = getDurationEnv("RATE_BLOCK_JOIN", 5*time.Minute, &errors)
	cfg.RateLimitChat = getEnvOrDefault("RATE_LIMIT_CHAT", "10-M")
	cfg.RateBlockChat = getDurationEnv("RATE_BLOCK_CHAT", 30*time.Second, &errors)

	// Optional: REDIS_ADDR enables shared rate-limit counters
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	if cfg.RedisAddr != "" && !isValidHostPort(cfg.RedisAddr) {
		errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	// Tracing
	cfg.OTelEnabled = os.Getenv("OTEL_ENABLED") == "true"
	if cfg.OTelEnabled {
		cfg.OTelEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		if cfg.OTelEndpoint == "" {
			errors = append(errors, "OTEL_EXPORTER_OTLP_ENDPOINT is required when OTEL_ENABLED=true")
		}
	}

	if cfg.RoomCount < 1 {
		errors = append(errors, fmt.Sprintf("ROOM_COUNT must be at least 1 (got %d)", cfg.RoomCount))
	}
	if cfg.CapacityPerRoom < 1 {
		errors = append(errors, fmt.Sprintf("CAPACITY_PER_ROOM must be at least 1 (got %d)", cfg.CapacityPerRoom))
	}
	if cfg.SystemCapacity < 1 {
		errors = append(errors, fmt.Sprintf("SYSTEM_CAPACITY must be at least 1 (got %d)", cfg.SystemCapacity))
	}
	if cfg.MaxConnsPerPrincipal < 1 {
		errors = append(errors, fmt.Sprintf("MAX_CONNS_PER_PRINCIPAL must be at least 1 (got %d)", cfg.MaxConnsPerPrincipal))
	}

	// If there are validation errors, return them all at once
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
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
		"environment", cfg.Environment,
		"address_hash_secret", redactSecret(cfg.AddressHashSecret),
		"db_path", cfg.DBPath,
		"room_count", cfg.RoomCount,
		"capacity_per_room", cfg.CapacityPerRoom,
		"system_capacity", cfg.SystemCapacity,
		"idle_timeout", cfg.IdleTimeout,
		"ping_interval", cfg.PingInterval,
		"chat_history_limit", cfg.ChatHistoryLimit,
		"redis_enabled", cfg.RedisAddr != "",
		"otel_enabled", cfg.OTelEnabled,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getIntEnv parses an integer variable, appending to errs on garbage.
func getIntEnv(key string, defaultValue int, errs *[]string) int {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be an integer (got '%s')", key, value))
		return defaultValue
	}
	return n
}

// getDurationEnv parses a duration variable ("30m", "5s"), appending to
// errs on garbage.
func getDurationEnv(key string, defaultValue time.Duration, errs *[]string) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be a duration like '30m' or '45s' (got '%s')", key, value))
		return defaultValue
	}
	return d
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
