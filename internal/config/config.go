// Package config loads panelsync settings from a YAML file and PANELSYNC_
// environment overrides, and watches the file for session selection changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultPath = "panelsync.yaml"

var ErrNotFound = errors.New("config file not found")

type Config struct {
	GatewayURL           string        `yaml:"gateway_url"`
	PushURL              string        `yaml:"push_url"`
	Token                string        `yaml:"token"`
	UserID               string        `yaml:"user_id"`
	SessionID            string        `yaml:"session_id"`
	SessionName          string        `yaml:"session_name"`
	BotName              string        `yaml:"bot_name"`
	StateDSN             string        `yaml:"state_dsn"`
	ReceiptQueueDSN      string        `yaml:"receipt_queue_dsn"`
	ReceiptQueueCapacity int           `yaml:"receipt_queue_capacity"`
	ListenAddr           string        `yaml:"listen_addr"`
	APIJWTSecret         string        `yaml:"api_jwt_secret"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	PollJitter           float64       `yaml:"poll_jitter"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	SelectionDebounce    time.Duration `yaml:"selection_debounce"`
	DedupWindow          time.Duration `yaml:"dedup_window"`
	DedupCapacity        int           `yaml:"dedup_capacity"`
	ListCapacity         int           `yaml:"list_capacity"`
	AuthDelay            time.Duration `yaml:"auth_delay"`
	SettleDelay          time.Duration `yaml:"settle_delay"`
	RateLimitMax         int           `yaml:"rate_limit_max"`
	RateLimitWindow      time.Duration `yaml:"rate_limit_window"`
	LogLevel             string        `yaml:"log_level"`
}

// Selection is the part of the config that picks the live session.
type Selection struct {
	UserID      string
	SessionID   string
	SessionName string
	BotName     string
}

func (s Selection) Empty() bool {
	return s.SessionID == "" && s.SessionName == ""
}

func Default() Config {
	return Config{
		GatewayURL:           "http://127.0.0.1:3000",
		PushURL:              "ws://127.0.0.1:3000/ws",
		StateDSN:             "memory://",
		ReceiptQueueDSN:      "memory://",
		ReceiptQueueCapacity: 1024,
		ListenAddr:           "127.0.0.1:8787",
		PollInterval:         30 * time.Second,
		PollJitter:           0.2,
		ConnectTimeout:       5 * time.Second,
		ReconnectDelay:       5 * time.Second,
		SelectionDebounce:    1500 * time.Millisecond,
		DedupWindow:          5 * time.Minute,
		DedupCapacity:        100,
		ListCapacity:         50,
		AuthDelay:            100 * time.Millisecond,
		SettleDelay:          100 * time.Millisecond,
		RateLimitWindow:      time.Minute,
		LogLevel:             "info",
	}
}

func (c Config) Selection() Selection {
	return Selection{
		UserID:      c.UserID,
		SessionID:   c.SessionID,
		SessionName: c.SessionName,
		BotName:     c.BotName,
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is an error only when required is set.
func Load(path string, required bool) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		fileCfg, err := ReadFile(path, cfg)
		switch {
		case err == nil:
			cfg = fileCfg
		case errors.Is(err, ErrNotFound) && !required:
		default:
			return Config{}, err
		}
	}
	cfg = ApplyEnv(cfg)
	return cfg.Normalize(), nil
}

// ReadFile decodes path on top of base. Keys absent from the file keep the
// base value.
func ReadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Normalize trims strings and replaces invalid values with defaults.
func (c Config) Normalize() Config {
	d := Default()
	for _, field := range []*string{
		&c.GatewayURL, &c.PushURL, &c.Token, &c.UserID, &c.SessionID, &c.SessionName,
		&c.BotName, &c.StateDSN, &c.ReceiptQueueDSN, &c.ListenAddr, &c.APIJWTSecret, &c.LogLevel,
	} {
		*field = strings.TrimSpace(*field)
	}
	c.GatewayURL = strings.TrimRight(c.GatewayURL, "/")
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.SelectionDebounce < 0 {
		c.SelectionDebounce = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	c.PollJitter = ClampJitterRatio(c.PollJitter)
	if c.DedupWindow <= 0 {
		c.DedupWindow = d.DedupWindow
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = d.DedupCapacity
	}
	if c.ListCapacity <= 0 {
		c.ListCapacity = d.ListCapacity
	}
	if c.ReceiptQueueCapacity <= 0 {
		c.ReceiptQueueCapacity = d.ReceiptQueueCapacity
	}
	if c.AuthDelay < 0 {
		c.AuthDelay = 0
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = d.RateLimitWindow
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	return c
}

// Validate reports settings the daemon cannot run without.
func (c Config) Validate() error {
	var problems []string
	if c.GatewayURL == "" {
		problems = append(problems, "gateway_url is required")
	}
	if c.PushURL == "" {
		problems = append(problems, "push_url is required")
	}
	if c.UserID == "" {
		problems = append(problems, "user_id is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func ClampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// JitteredInterval spreads base by up to ±ratio using sample in [0,1].
func JitteredInterval(base time.Duration, ratio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	ratio = ClampJitterRatio(ratio)
	if ratio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*ratio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
