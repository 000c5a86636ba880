package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "barwatch.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.Mode != BrokerWS || cfg.Broker.URL == "" {
		t.Errorf("broker defaults: %+v", cfg.Broker)
	}
	if cfg.HTTPAddr != ":8080" || cfg.MetricsAddr != ":9090" {
		t.Errorf("addr defaults: %q %q", cfg.HTTPAddr, cfg.MetricsAddr)
	}
	if cfg.RedisEnabled() || cfg.SQLiteEnabled() || cfg.TelegramEnabled() {
		t.Error("optional sinks should be disabled by default")
	}
	if cfg.HistoryCron != "" {
		t.Errorf("history refresh should be off by default, got %q", cfg.HistoryCron)
	}
}

func TestLoad_YAMLThenEnvOverrides(t *testing.T) {
	path := writeYAML(t, `
broker:
  mode: paper
  slippage_bps: 5
redis:
  addr: localhost:6379
sqlite:
  path: data/barwatch.db
watchlist: [aapl, " msft "]
history_cron: "0 */15 * * * *"
log:
  level: debug
`)
	t.Setenv("SQLITE_PATH", "/tmp/override.db")
	t.Setenv("BROKER_RATE_LIMIT", "3.5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.Mode != BrokerPaper || cfg.Broker.SlippageBps != 5 {
		t.Errorf("broker: %+v", cfg.Broker)
	}
	if cfg.Broker.RatePerSec != 3.5 {
		t.Errorf("rate=%v, want 3.5", cfg.Broker.RatePerSec)
	}
	if cfg.SQLite.Path != "/tmp/override.db" {
		t.Errorf("sqlite path=%q", cfg.SQLite.Path)
	}
	if got := strings.Join(cfg.Watchlist, ","); got != "AAPL,MSFT" {
		t.Errorf("watchlist=%q", got)
	}
	if !cfg.RedisEnabled() || cfg.Log.Level != "debug" {
		t.Errorf("redis=%v level=%q", cfg.RedisEnabled(), cfg.Log.Level)
	}
}

func TestLoad_WatchlistFromEnv(t *testing.T) {
	t.Setenv("WATCHLIST", "spy, ,qqq")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := strings.Join(cfg.Watchlist, ","); got != "SPY,QQQ" {
		t.Errorf("watchlist=%q", got)
	}
}

func TestLoad_BadInput(t *testing.T) {
	t.Run("bad yaml", func(t *testing.T) {
		if _, err := Load(writeYAML(t, "broker: [")); err == nil {
			t.Fatal("expected parse error")
		}
	})
	t.Run("bad rate env", func(t *testing.T) {
		t.Setenv("BROKER_RATE_LIMIT", "fast")
		if _, err := Load(""); err == nil {
			t.Fatal("expected error for BROKER_RATE_LIMIT")
		}
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := &Config{}
		c.applyDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"unknown mode", func(c *Config) { c.Broker.Mode = "fix" }, "broker.mode"},
		{"ws without url", func(c *Config) { c.Broker.URL = "" }, "broker.url"},
		{"negative rate", func(c *Config) { c.Broker.RatePerSec = -1 }, "rate_per_sec"},
		{"negative slippage", func(c *Config) { c.Broker.SlippageBps = -2 }, "slippage_bps"},
		{"empty symbol", func(c *Config) { c.Watchlist = []string{"AAPL", ""} }, "empty symbol"},
		{"telegram half set", func(c *Config) { c.Telegram.BotToken = "x" }, "telegram"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err=%v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
