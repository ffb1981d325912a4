// Package config loads and validates relay configuration via Viper.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Relay backends and subscription modes.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"

	ModePerSession = "per_session"
	ModeShared     = "shared"

	JobsRedis    = "redis"
	JobsPostgres = "postgres"
	JobsMemory   = "memory"
	JobsNone     = "none"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Relay   RelayConfig   `mapstructure:"relay"`
	CORS    CORSConfig    `mapstructure:"cors"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig protects the job listing endpoint with an API key.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// RedisConfig is the connection target shared by subscriptions, the
// publisher and the Redis job reader.
type RedisConfig struct {
	URL         string        `mapstructure:"url"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// RelayConfig governs client sessions.
type RelayConfig struct {
	Channel           string        `mapstructure:"channel"`
	Backend           string        `mapstructure:"backend"`
	Mode              string        `mapstructure:"mode"`
	MaxSessions       int           `mapstructure:"max_sessions"`
	SubscribeRate     float64       `mapstructure:"subscribe_rate"`
	SubscribeBurst    int           `mapstructure:"subscribe_burst"`
	CloseTimeout      time.Duration `mapstructure:"close_timeout"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	FanoutBuffer      int           `mapstructure:"fanout_buffer"`
}

// CORSConfig sets the stream's cross-origin headers.
type CORSConfig struct {
	AllowOrigin string `mapstructure:"allow_origin"`
}

// JobsConfig selects the job tracker the status endpoints read from.
type JobsConfig struct {
	Backend string        `mapstructure:"backend"`
	DSN     string        `mapstructure:"dsn"`
	Table   string        `mapstructure:"table"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoggingConfig toggles zap development features and file output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("relay.channel", "research_status_updates")
	v.SetDefault("relay.backend", BackendRedis)
	v.SetDefault("relay.mode", ModePerSession)
	v.SetDefault("relay.max_sessions", 0)
	v.SetDefault("relay.subscribe_rate", 0.0)
	v.SetDefault("relay.subscribe_burst", 10)
	v.SetDefault("relay.close_timeout", 2*time.Second)
	v.SetDefault("relay.keepalive_interval", time.Duration(0))
	v.SetDefault("relay.fanout_buffer", 256)
	v.SetDefault("cors.allow_origin", "*")
	v.SetDefault("jobs.backend", JobsRedis)
	v.SetDefault("jobs.dsn", "")
	v.SetDefault("jobs.table", "research_jobs")
	v.SetDefault("jobs.timeout", 3*time.Second)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
}

// bindEnv adds the unprefixed names the research backend and hosting
// platforms already export. Prefixed names take precedence.
func bindEnv(v *viper.Viper) error {
	for key, names := range map[string][]string{
		"redis.url":   {"RELAY_REDIS_URL", "REDIS_URL"},
		"server.port": {"RELAY_SERVER_PORT", "PORT"},
		"jobs.dsn":    {"RELAY_JOBS_DSN", "DATABASE_URL"},
	} {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Relay.Channel == "" {
		return fmt.Errorf("relay.channel must be set")
	}
	switch c.Relay.Backend {
	case BackendRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("redis.url must be set when relay.backend is %q", BackendRedis)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("relay.backend must be %q or %q, got %q", BackendRedis, BackendMemory, c.Relay.Backend)
	}
	switch c.Relay.Mode {
	case ModePerSession, ModeShared:
	default:
		return fmt.Errorf("relay.mode must be %q or %q, got %q", ModePerSession, ModeShared, c.Relay.Mode)
	}
	if c.Relay.MaxSessions < 0 {
		return fmt.Errorf("relay.max_sessions must be >= 0")
	}
	if c.Relay.SubscribeRate < 0 {
		return fmt.Errorf("relay.subscribe_rate must be >= 0")
	}
	if c.Relay.SubscribeRate > 0 && c.Relay.SubscribeBurst <= 0 {
		return fmt.Errorf("relay.subscribe_burst must be > 0 when relay.subscribe_rate is set")
	}
	if c.Relay.CloseTimeout <= 0 {
		return fmt.Errorf("relay.close_timeout must be > 0")
	}
	if c.Relay.KeepaliveInterval < 0 {
		return fmt.Errorf("relay.keepalive_interval must be >= 0")
	}
	if c.Relay.Mode == ModeShared && c.Relay.FanoutBuffer <= 0 {
		return fmt.Errorf("relay.fanout_buffer must be > 0 in shared mode")
	}
	switch c.Jobs.Backend {
	case JobsRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("redis.url must be set when jobs.backend is %q", JobsRedis)
		}
	case JobsPostgres:
		if c.Jobs.DSN == "" {
			return fmt.Errorf("jobs.dsn must be set when jobs.backend is %q", JobsPostgres)
		}
		if !identifier.MatchString(c.Jobs.Table) {
			return fmt.Errorf("jobs.table %q is not a valid table name", c.Jobs.Table)
		}
	case JobsMemory, JobsNone:
	default:
		return fmt.Errorf("jobs.backend must be one of redis, postgres, memory, none; got %q", c.Jobs.Backend)
	}
	if c.Jobs.Backend != JobsNone && c.Jobs.Timeout <= 0 {
		return fmt.Errorf("jobs.timeout must be > 0")
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
