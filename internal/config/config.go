package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Auth modes.
const (
	AuthModeJWT    = "jwt"
	AuthModeRemote = "remote"
)

// Completion providers.
const (
	ProviderGateway = "gateway"
	ProviderGemini  = "gemini"
)

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Completion CompletionConfig `mapstructure:"completion"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

// LogConfig sets the zap level.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// AuthConfig selects how bearer credentials are verified.
type AuthConfig struct {
	Mode            string `mapstructure:"mode"`
	JWTSecret       string `mapstructure:"jwt_secret"`
	JWTAudience     string `mapstructure:"jwt_audience"`
	SupabaseURL     string `mapstructure:"supabase_url"`
	SupabaseAnonKey string `mapstructure:"supabase_anon_key"`
}

// CompletionConfig describes the multimodal completion upstream.
// Timeout 0 means the transport default (no client-side deadline).
type CompletionConfig struct {
	Provider string        `mapstructure:"provider"`
	APIKey   string        `mapstructure:"api_key"`
	BaseURL  string        `mapstructure:"base_url"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig enables scan history when DSN is set.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig enables the scan record cache when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// envAliases lists the environment variables accepted for each key, in priority order.
var envAliases = map[string][]string{
	"server.addr":            {"SERVER_ADDR"},
	"log.level":              {"LOG_LEVEL"},
	"auth.mode":              {"AUTH_MODE"},
	"auth.jwt_secret":        {"JWT_SECRET", "SUPABASE_JWT_SECRET"},
	"auth.jwt_audience":      {"JWT_AUDIENCE"},
	"auth.supabase_url":      {"SUPABASE_URL"},
	"auth.supabase_anon_key": {"SUPABASE_ANON_KEY"},
	"completion.provider":    {"COMPLETION_PROVIDER"},
	"completion.api_key":     {"COMPLETION_API_KEY", "LOVABLE_API_KEY", "GEMINI_API_KEY"},
	"completion.base_url":    {"COMPLETION_BASE_URL"},
	"completion.model":       {"COMPLETION_MODEL"},
	"completion.timeout":     {"COMPLETION_TIMEOUT"},
	"database.dsn":           {"DATABASE_DSN"},
	"redis.addr":             {"REDIS_ADDR"},
	"redis.password":         {"REDIS_PASSWORD"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.max_body_bytes", int64(8<<20))
	v.SetDefault("log.level", "info")
	v.SetDefault("auth.mode", AuthModeJWT)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_audience", "")
	v.SetDefault("auth.supabase_url", "")
	v.SetDefault("auth.supabase_anon_key", "")
	v.SetDefault("completion.provider", ProviderGateway)
	v.SetDefault("completion.api_key", "")
	v.SetDefault("completion.base_url", "https://ai.gateway.lovable.dev/v1")
	v.SetDefault("completion.model", "google/gemini-2.5-flash")
	v.SetDefault("completion.timeout", 60*time.Second)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 10*time.Minute)
}

// Load reads the optional YAML file at path and applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, envs := range envAliases {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config failed: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config failed: %w", err)
	}
	cfg.normalize()
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Auth.Mode = strings.ToLower(strings.TrimSpace(c.Auth.Mode))
	c.Completion.Provider = strings.ToLower(strings.TrimSpace(c.Completion.Provider))
	c.Completion.APIKey = strings.TrimSpace(c.Completion.APIKey)
	c.Completion.BaseURL = strings.TrimRight(strings.TrimSpace(c.Completion.BaseURL), "/")
	c.Auth.SupabaseURL = strings.TrimRight(strings.TrimSpace(c.Auth.SupabaseURL), "/")
}

// Validate checks the settings the service cannot start without.
// A missing completion key is deliberately absent here: scans report it per request.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}

	switch c.Auth.Mode {
	case AuthModeJWT:
		if strings.TrimSpace(c.Auth.JWTSecret) == "" {
			return fmt.Errorf("auth.jwt_secret is required in %s mode", AuthModeJWT)
		}
	case AuthModeRemote:
		if c.Auth.SupabaseURL == "" || strings.TrimSpace(c.Auth.SupabaseAnonKey) == "" {
			return fmt.Errorf("auth.supabase_url and auth.supabase_anon_key are required in %s mode", AuthModeRemote)
		}
	default:
		return fmt.Errorf("unknown auth.mode %q", c.Auth.Mode)
	}

	switch c.Completion.Provider {
	case ProviderGateway:
		if c.Completion.BaseURL == "" {
			return fmt.Errorf("completion.base_url is required for the %s provider", ProviderGateway)
		}
	case ProviderGemini:
	default:
		return fmt.Errorf("unknown completion.provider %q", c.Completion.Provider)
	}
	if c.Completion.Model == "" {
		return fmt.Errorf("completion.model is required")
	}
	if c.Completion.Timeout < 0 {
		return fmt.Errorf("completion.timeout must not be negative")
	}
	return nil
}

// HistoryEnabled reports whether scan history persistence is configured.
func (c *Config) HistoryEnabled() bool {
	return strings.TrimSpace(c.Database.DSN) != ""
}

// CacheEnabled reports whether a redis cache is configured.
func (c *Config) CacheEnabled() bool {
	return strings.TrimSpace(c.Redis.Addr) != ""
}
