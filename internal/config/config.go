// Package config loads server settings. Defaults come first, then an
// optional YAML file named by CONFIG_FILE, then the environment, which may be
// seeded from .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

const (
	RelayHub   = "hub"
	RelayRedis = "redis"
)

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

type EngineConfig struct {
	MaxParticipants    int           `yaml:"max_participants"`
	DeliveryTimeout    time.Duration `yaml:"delivery_timeout"`
	DeliveryAttempts   int           `yaml:"delivery_attempts"`
	RetryBackoff       time.Duration `yaml:"retry_backoff"`
	EventBuffer        int           `yaml:"event_buffer"`
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
	ReaperSchedule     string        `yaml:"reaper_schedule"`
	TombstoneTTL       time.Duration `yaml:"tombstone_ttl"`
	InboxSize          int           `yaml:"inbox_size"`
	ValidatePayloads   bool          `yaml:"validate_payloads"`
}

type RelayConfig struct {
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redis_addr"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

type WSConfig struct {
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

type Config struct {
	Addr      string       `yaml:"addr"`
	Mode      string       `yaml:"mode"`
	StaticDir string       `yaml:"static_dir"`
	Log       LogConfig    `yaml:"log"`
	Engine    EngineConfig `yaml:"engine"`
	Relay     RelayConfig  `yaml:"relay"`
	WS        WSConfig     `yaml:"ws"`
}

func Default() *Config {
	return &Config{
		Addr:      ":8080",
		Mode:      "development",
		StaticDir: "./static",
		Log: LogConfig{
			Level:      "info",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
		},
		Engine: EngineConfig{
			MaxParticipants:    2,
			DeliveryTimeout:    5 * time.Second,
			DeliveryAttempts:   3,
			RetryBackoff:       50 * time.Millisecond,
			EventBuffer:        256,
			SessionIdleTimeout: 10 * time.Minute,
			ReaperSchedule:     "@every 1m",
			TombstoneTTL:       time.Hour,
			InboxSize:          4096,
		},
		Relay: RelayConfig{
			Backend:       RelayHub,
			RedisAddr:     "localhost:6379",
			ChannelPrefix: "yacall:participant:",
		},
		WS: WSConfig{
			RateLimit: 50,
			RateBurst: 100,
		},
	}
}

// Load reads .env files, CONFIG_FILE and the environment.
func Load() (*Config, error) {
	mode := os.Getenv("MODE")
	if mode == "" {
		mode = "development"
	}
	// godotenv never overrides variables that are already set
	for _, name := range []string{".env." + mode, ".env"} {
		if err := godotenv.Load(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
	}

	var data []byte
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return Parse(data, os.LookupEnv)
}

// Parse builds a config from YAML data (may be empty) and an environment
// lookup, then validates it.
func Parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := cast.ToIntE(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := cast.ToDurationE(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := cast.ToBoolE(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok {
			f, err := cast.ToFloat64E(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}

	str("ADDR", &c.Addr)
	str("MODE", &c.Mode)
	str("STATIC_DIR", &c.StaticDir)

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FILE", &c.Log.File)
	num("LOG_MAX_SIZE", &c.Log.MaxSize)
	num("LOG_MAX_BACKUPS", &c.Log.MaxBackups)
	num("LOG_MAX_AGE", &c.Log.MaxAge)

	num("MAX_PARTICIPANTS", &c.Engine.MaxParticipants)
	dur("DELIVERY_TIMEOUT", &c.Engine.DeliveryTimeout)
	num("DELIVERY_ATTEMPTS", &c.Engine.DeliveryAttempts)
	dur("RETRY_BACKOFF", &c.Engine.RetryBackoff)
	num("EVENT_BUFFER", &c.Engine.EventBuffer)
	dur("SESSION_IDLE_TIMEOUT", &c.Engine.SessionIdleTimeout)
	str("REAPER_SCHEDULE", &c.Engine.ReaperSchedule)
	dur("TOMBSTONE_TTL", &c.Engine.TombstoneTTL)
	num("INBOX_SIZE", &c.Engine.InboxSize)
	flag("VALIDATE_PAYLOADS", &c.Engine.ValidatePayloads)

	str("RELAY_BACKEND", &c.Relay.Backend)
	str("REDIS_ADDR", &c.Relay.RedisAddr)
	str("REDIS_CHANNEL_PREFIX", &c.Relay.ChannelPrefix)

	float("WS_RATE_LIMIT", &c.WS.RateLimit)
	num("WS_RATE_BURST", &c.WS.RateBurst)

	return errors.Join(errs...)
}

func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.Engine.MaxParticipants < 2 {
		errs = append(errs, fmt.Errorf("max participants must be at least 2, got %d", c.Engine.MaxParticipants))
	}
	if c.Engine.DeliveryAttempts < 1 {
		errs = append(errs, fmt.Errorf("delivery attempts must be positive, got %d", c.Engine.DeliveryAttempts))
	}
	if c.Engine.DeliveryTimeout <= 0 {
		errs = append(errs, errors.New("delivery timeout must be positive"))
	}
	if c.Engine.SessionIdleTimeout <= 0 {
		errs = append(errs, errors.New("session idle timeout must be positive"))
	}
	if _, err := cron.ParseStandard(c.Engine.ReaperSchedule); err != nil {
		errs = append(errs, fmt.Errorf("reaper schedule %q: %w", c.Engine.ReaperSchedule, err))
	}
	switch c.Relay.Backend {
	case RelayHub:
	case RelayRedis:
		if c.Relay.RedisAddr == "" {
			errs = append(errs, errors.New("redis addr is required for the redis relay"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown relay backend %q", c.Relay.Backend))
	}
	if c.WS.RateLimit < 0 || c.WS.RateBurst < 0 {
		errs = append(errs, errors.New("websocket rate limit must not be negative"))
	}
	return errors.Join(errs...)
}

func (c *Config) Development() bool {
	return c.Mode == "dev" || c.Mode == "development"
}
