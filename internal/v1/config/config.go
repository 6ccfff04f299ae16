package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for the peer-facing tunables. Each can be overridden through
// the environment variable of the same name.
const (
	DefaultPort                = "3000"
	DefaultMaxPeerConnections  = 10
	DefaultCleanupInterval     = 30 * time.Second
	DefaultStaleThreshold      = 60 * time.Second
	DefaultNegotiationDebounce = 300 * time.Millisecond
	DefaultDisconnectGrace     = 5 * time.Second
	DefaultReconnectDelay      = 2 * time.Second
	DefaultStreamSwapDelay     = 500 * time.Millisecond

	// Transport heartbeat: ping every 25s, terminate after 60s of silence.
	DefaultPingInterval = 25 * time.Second
	DefaultPongTimeout  = 60 * time.Second
)

// DefaultSTUNURLs is the publicly-hosted STUN set handed to peers.
var DefaultSTUNURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Config holds validated environment configuration.
type Config struct {
	Port           string
	GoEnv          string
	LogLevel       string
	AllowedOrigins string

	DevelopmentMode bool

	// Optional OTLP collector address. Tracing is a no-op when empty.
	OTLPEndpoint string

	// Rate limits in ulule/limiter formatted notation.
	RateLimitAPIPublic string
	RateLimitWsIP      string

	// Peer-side settings (used by the headless peer and surfaced in
	// /api config responses).
	PeerServerURL string
	STUNURLs      []string

	PingInterval time.Duration
	PongTimeout  time.Duration
}

// ValidateEnv validates environment variables and returns a Config.
// Returns an error if any variable present is invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = getEnvOrDefault("PORT", DefaultPort)
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	cfg.RateLimitAPIPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")

	cfg.PeerServerURL = getEnvOrDefault("PEER_SERVER_URL", "ws://localhost:3000/ws")
	cfg.STUNURLs = splitList(getEnvOrDefault("STUN_URLS", strings.Join(DefaultSTUNURLs, ",")))

	var err error
	if cfg.PingInterval, err = getDurationOrDefault("PING_INTERVAL", DefaultPingInterval); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.PongTimeout, err = getDurationOrDefault("PONG_TIMEOUT", DefaultPongTimeout); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		errs = append(errs, fmt.Sprintf("PONG_TIMEOUT (%s) must exceed PING_INTERVAL (%s)", cfg.PongTimeout, cfg.PingInterval))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// AllowedOriginList resolves the allowed origins, falling back when the
// variable is unset.
func (c *Config) AllowedOriginList(fallback []string) []string {
	if c.AllowedOrigins == "" {
		return fallback
	}
	return splitList(c.AllowedOrigins)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like '25s' (got '%s')", key, value)
	}
	return d, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"port", cfg.Port,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"allowed_origins", cfg.AllowedOrigins,
		"otlp_endpoint", cfg.OTLPEndpoint,
		"rate_limit_api_public", cfg.RateLimitAPIPublic,
		"rate_limit_ws_ip", cfg.RateLimitWsIP,
		"ping_interval", cfg.PingInterval,
		"pong_timeout", cfg.PongTimeout,
	)
}
