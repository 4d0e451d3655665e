package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath    = "config.toml"
	DefaultHTTPAddr      = ":8080"
	DefaultJWTExpiresIn  = "24h"
	DefaultPGHost        = "127.0.0.1"
	DefaultPGPort        = 5432
	DefaultPGUser        = "postgres"
	DefaultPGDatabase    = "parlor"
	DefaultPGSSLMode     = "disable"
	DefaultDailyLimit    = 200
	DefaultAnonDaily     = 20
	DefaultSweepSchedule = "17 3 * * *"
)

type Config struct {
	Log       LogConfig       `toml:"log"`
	Server    ServerConfig    `toml:"server"`
	Auth      AuthConfig      `toml:"auth"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Gateway   GatewayConfig   `toml:"gateway"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Dedup     DedupConfig     `toml:"dedup"`
	Title     TitleConfig     `toml:"title"`
	Models    ModelsConfig    `toml:"models"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// GatewayConfig locates the model gateway that serves token streams.
type GatewayConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

func (c GatewayConfig) BaseURL() string {
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := c.Port
	if port == 0 {
		port = 8081
	}
	return "http://" + host + ":" + fmt.Sprint(port)
}

// RateLimitConfig tunes the tiered request limiter.
type RateLimitConfig struct {
	DailyLimit     int `toml:"daily_limit"`
	AnonDailyLimit int `toml:"anon_daily_limit"`
	TimeoutMillis  int `toml:"timeout_ms"`
}

// Timeout returns the bounded latency budget for a limiter decision.
func (c RateLimitConfig) Timeout() time.Duration {
	if c.TimeoutMillis <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.TimeoutMillis) * time.Millisecond
}

// DedupConfig tunes duplicate-assistant-message reconciliation.
type DedupConfig struct {
	WindowSeconds      int    `toml:"window_seconds"`
	SweepSchedule      string `toml:"sweep_schedule"`
	SweepRetentionDays int    `toml:"sweep_retention_days"`
}

func (c DedupConfig) Window() time.Duration {
	if c.WindowSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.WindowSeconds) * time.Second
}

func (c DedupConfig) Retention() time.Duration {
	days := c.SweepRetentionDays
	if days <= 0 {
		days = 7
	}
	return time.Duration(days) * 24 * time.Hour
}

// ModelsConfig tiers the models callers may request. Models in auth_only
// need a signed-in caller; models in premium additionally need an
// entitlement. Anything unlisted is open to anonymous sessions.
type ModelsConfig struct {
	AuthOnly []string `toml:"auth_only"`
	Premium  []string `toml:"premium"`
}

// TitleConfig tunes best-effort conversation title enrichment. Model names
// the model used to generate titles; empty falls back to truncation of the
// first user message.
type TitleConfig struct {
	Model     string `toml:"model"`
	MinLength int    `toml:"min_length"`
	MaxLength int    `toml:"max_length"`
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 8081,
		},
		RateLimit: RateLimitConfig{
			DailyLimit:     DefaultDailyLimit,
			AnonDailyLimit: DefaultAnonDaily,
		},
		Dedup: DedupConfig{
			SweepSchedule: DefaultSweepSchedule,
		},
		Title: TitleConfig{
			MinLength: 24,
			MaxLength: 80,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}
