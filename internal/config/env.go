package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const EnvPrefix = "PANELSYNC_"

// ApplyEnv overrides cfg with PANELSYNC_* variables. Unparsable values are
// logged and ignored.
func ApplyEnv(cfg Config) Config {
	cfg.GatewayURL = envOrDefault("GATEWAY_URL", cfg.GatewayURL)
	cfg.PushURL = envOrDefault("PUSH_URL", cfg.PushURL)
	cfg.Token = envOrDefault("TOKEN", cfg.Token)
	cfg.UserID = envOrDefault("USER_ID", cfg.UserID)
	cfg.SessionID = envOrDefault("SESSION_ID", cfg.SessionID)
	cfg.SessionName = envOrDefault("SESSION_NAME", cfg.SessionName)
	cfg.BotName = envOrDefault("BOT_NAME", cfg.BotName)
	cfg.StateDSN = envOrDefault("STATE_DSN", cfg.StateDSN)
	cfg.ReceiptQueueDSN = envOrDefault("RECEIPT_QUEUE_DSN", cfg.ReceiptQueueDSN)
	cfg.ReceiptQueueCapacity = intEnv("RECEIPT_QUEUE_CAPACITY", cfg.ReceiptQueueCapacity)
	cfg.ListenAddr = envOrDefault("LISTEN_ADDR", cfg.ListenAddr)
	cfg.APIJWTSecret = envOrDefault("API_JWT_SECRET", cfg.APIJWTSecret)
	cfg.PollInterval = durationEnv("POLL_INTERVAL", cfg.PollInterval)
	cfg.PollJitter = floatEnv("POLL_JITTER", cfg.PollJitter)
	cfg.ConnectTimeout = durationEnv("CONNECT_TIMEOUT", cfg.ConnectTimeout)
	cfg.ReconnectDelay = durationEnv("RECONNECT_DELAY", cfg.ReconnectDelay)
	cfg.SelectionDebounce = durationEnv("SELECTION_DEBOUNCE", cfg.SelectionDebounce)
	cfg.DedupWindow = durationEnv("DEDUP_WINDOW", cfg.DedupWindow)
	cfg.DedupCapacity = intEnv("DEDUP_CAPACITY", cfg.DedupCapacity)
	cfg.ListCapacity = intEnv("LIST_CAPACITY", cfg.ListCapacity)
	cfg.AuthDelay = durationEnv("AUTH_DELAY", cfg.AuthDelay)
	cfg.SettleDelay = durationEnv("SETTLE_DELAY", cfg.SettleDelay)
	cfg.RateLimitMax = intEnv("RATE_LIMIT_MAX", cfg.RateLimitMax)
	cfg.RateLimitWindow = durationEnv("RATE_LIMIT_WINDOW", cfg.RateLimitWindow)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	return cfg
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(EnvPrefix + name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(EnvPrefix + name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration in environment, using fallback", "name", EnvPrefix+name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(EnvPrefix + name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer in environment, using fallback", "name", EnvPrefix+name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(EnvPrefix + name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid number in environment, using fallback", "name", EnvPrefix+name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}
