package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultPort is the sync relay's default listen port.
const DefaultPort = "3913"

// DefaultEvictionTimeout is how long an empty room survives before the
// manager discards it.
const DefaultEvictionTimeout = 30 * time.Second

// Config holds validated environment configuration.
type Config struct {
	Port            string
	EvictionTimeout time.Duration

	GoEnv           string
	LogLevel        string
	DevelopmentMode bool

	// Auth
	Auth0Domain   string
	Auth0Audience string
	SkipAuth      bool

	AllowedOrigins string

	// Optional Redis bus (cross-instance update fan-out)
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Tracing
	TracingEnabled    bool
	OTELCollectorAddr string

	// Rate limits (ulule/limiter formatted, e.g. "100-M")
	RateLimitWsIP string
}

// ValidateEnv validates all environment variables and returns a Config.
// Returns an error listing every invalid variable rather than stopping at
// the first one.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Optional: PORT (defaults to 3913)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = DefaultPort
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Optional: EVICTION_TIMEOUT_SECONDS (defaults to 30)
	cfg.EvictionTimeout = DefaultEvictionTimeout
	if raw := os.Getenv("EVICTION_TIMEOUT_SECONDS"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 1 {
			errs = append(errs, fmt.Sprintf("EVICTION_TIMEOUT_SECONDS must be a positive integer (got '%s')", raw))
		} else {
			cfg.EvictionTimeout = time.Duration(secs) * time.Second
		}
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

	// Conditional: OTEL_COLLECTOR_ADDR (required if TRACING_ENABLED=true)
	cfg.TracingEnabled = os.Getenv("TRACING_ENABLED") == "true"
	if cfg.TracingEnabled {
		cfg.OTELCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")
		if cfg.OTELCollectorAddr == "" {
			errs = append(errs, "OTEL_COLLECTOR_ADDR is required when TRACING_ENABLED=true")
		} else if !isValidHostPort(cfg.OTELCollectorAddr) {
			errs = append(errs, fmt.Sprintf("OTEL_COLLECTOR_ADDR must be in format 'host:port' (got '%s')", cfg.OTELCollectorAddr))
		}
	}

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

	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	if !cfg.SkipAuth && !cfg.DevelopmentMode {
		if cfg.Auth0Domain == "" || cfg.Auth0Audience == "" {
			errs = append(errs, "AUTH0_DOMAIN and AUTH0_AUDIENCE are required when SKIP_AUTH=false")
		}
	}

	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port".
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

// logValidatedConfig logs the validated configuration with secrets redacted.
func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated",
		"port", cfg.Port,
		"eviction_timeout", cfg.EvictionTimeout,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"redis_password", redactSecret(cfg.RedisPassword),
		"tracing_enabled", cfg.TracingEnabled,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"skip_auth", cfg.SkipAuth,
		"rate_limit_ws_ip", cfg.RateLimitWsIP,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret, showing nothing of short values.
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "***"
}
