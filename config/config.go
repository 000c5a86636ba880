package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Broker modes.
const (
	BrokerWS    = "ws"
	BrokerPaper = "paper"
)

// Config holds all application configuration. Values come from an optional
// YAML file, then an optional .env file and the process environment.
type Config struct {
	Broker struct {
		Mode        string  `yaml:"mode"` // "ws" or "paper"
		URL         string  `yaml:"url"`
		ClientID    string  `yaml:"client_id"`
		TOTPSecret  string  `yaml:"totp_secret"`
		RatePerSec  float64 `yaml:"rate_per_sec"`
		Burst       int     `yaml:"burst"`
		SlippageBps int64   `yaml:"slippage_bps"`
	} `yaml:"broker"`

	Redis struct {
		Addr     string `yaml:"addr"` // empty disables the publisher
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	SQLite struct {
		Path      string `yaml:"path"` // empty disables the journal
		PruneKeep int    `yaml:"prune_keep"`
		PruneCron string `yaml:"prune_cron"`
	} `yaml:"sqlite"`

	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// Symbols watched at startup
	Watchlist []string `yaml:"watchlist"`

	// HistoryCron is a six-field (with seconds) cron spec for refreshing
	// history of every watched symbol. Empty disables the refresh.
	HistoryCron string `yaml:"history_cron"`

	Telegram struct {
		BotToken string `yaml:"bot_token"`
		ChatID   string `yaml:"chat_id"`
	} `yaml:"telegram"`

	Webhook struct {
		URL string `yaml:"url"`
	} `yaml:"webhook"`

	Log struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"log"`
}

// Load reads the YAML file at path (missing is fine), then applies .env and
// environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[config] .env not loaded: %v", err)
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Broker.Mode = getEnv("BROKER_MODE", c.Broker.Mode)
	c.Broker.URL = getEnv("BROKER_URL", c.Broker.URL)
	c.Broker.ClientID = getEnv("BROKER_CLIENT_ID", c.Broker.ClientID)
	c.Broker.TOTPSecret = getEnv("BROKER_TOTP_SECRET", c.Broker.TOTPSecret)

	if v := os.Getenv("BROKER_RATE_LIMIT"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid BROKER_RATE_LIMIT: %w", err)
		}
		c.Broker.RatePerSec = rps
	}

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.SQLite.Path = getEnv("SQLITE_PATH", c.SQLite.Path)
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.HistoryCron = getEnv("HISTORY_CRON", c.HistoryCron)

	if v := os.Getenv("WATCHLIST"); v != "" {
		c.Watchlist = splitList(v)
	}

	c.Telegram.BotToken = getEnv("TELEGRAM_BOT_TOKEN", c.Telegram.BotToken)
	c.Telegram.ChatID = getEnv("TELEGRAM_CHAT_ID", c.Telegram.ChatID)
	c.Webhook.URL = getEnv("WEBHOOK_URL", c.Webhook.URL)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("LOG_FILE", c.Log.File)
	return nil
}

func (c *Config) applyDefaults() {
	if c.Broker.Mode == "" {
		c.Broker.Mode = BrokerWS
	}
	if c.Broker.URL == "" && c.Broker.Mode == BrokerWS {
		c.Broker.URL = "ws://localhost:9001/ws"
	}
	if c.Broker.RatePerSec == 0 {
		c.Broker.RatePerSec = 20
	}
	if c.Broker.Burst == 0 {
		c.Broker.Burst = 10
	}
	if c.SQLite.PruneKeep == 0 {
		c.SQLite.PruneKeep = 1000
	}
	if c.SQLite.PruneCron == "" {
		c.SQLite.PruneCron = "0 0 3 * * *"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	for i, s := range c.Watchlist {
		c.Watchlist[i] = strings.ToUpper(strings.TrimSpace(s))
	}
}

// Validate checks the configuration for inconsistent values.
func (c *Config) Validate() error {
	var errs []error

	switch c.Broker.Mode {
	case BrokerWS:
		if c.Broker.URL == "" {
			errs = append(errs, errors.New("broker.url is required in ws mode"))
		}
	case BrokerPaper:
	default:
		errs = append(errs, fmt.Errorf("broker.mode %q must be %q or %q", c.Broker.Mode, BrokerWS, BrokerPaper))
	}
	if c.Broker.RatePerSec <= 0 {
		errs = append(errs, errors.New("broker.rate_per_sec must be > 0"))
	}
	if c.Broker.Burst < 1 {
		errs = append(errs, errors.New("broker.burst must be >= 1"))
	}
	if c.Broker.SlippageBps < 0 {
		errs = append(errs, errors.New("broker.slippage_bps must be >= 0"))
	}
	if c.SQLite.PruneKeep < 0 {
		errs = append(errs, errors.New("sqlite.prune_keep must be >= 0"))
	}
	for _, s := range c.Watchlist {
		if s == "" {
			errs = append(errs, errors.New("watchlist contains an empty symbol"))
			break
		}
	}
	if (c.Telegram.BotToken == "") != (c.Telegram.ChatID == "") {
		errs = append(errs, errors.New("telegram needs both bot_token and chat_id"))
	}
	return errors.Join(errs...)
}

// RedisEnabled reports whether the Redis publisher is configured.
func (c *Config) RedisEnabled() bool { return c.Redis.Addr != "" }

// SQLiteEnabled reports whether the SQLite journal is configured.
func (c *Config) SQLiteEnabled() bool { return c.SQLite.Path != "" }

// TelegramEnabled reports whether Telegram delivery is configured.
func (c *Config) TelegramEnabled() bool { return c.Telegram.BotToken != "" }

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			log.Printf("[config] skipping empty list entry in %q", s)
			continue
		}
		out = append(out, p)
	}
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
