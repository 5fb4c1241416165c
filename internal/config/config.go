// Package config loads server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheNone   = "none"
)

// Config is the process configuration. Every field is read from the
// environment variable named in its tag.
type Config struct {
	Port     int    `env:"PORT,default=3000"`
	MCPPath  string `env:"MCP_PATH,default=/mcp"`
	LogLevel string `env:"LOG_LEVEL,default=info"`

	ExaAPIKey      string `env:"EXA_API_KEY"`
	ExaAPIURL      string `env:"EXA_API_URL,default=https://api.exa.ai/search"`
	ParallelAPIKey string `env:"PARALLEL_API_KEY"`
	ParallelAPIURL string `env:"PARALLEL_API_URL,default=https://platform.parallel.ai/api/search"`
	FirecrawlKey   string `env:"FIRECRAWL_API_KEY"`
	FirecrawlBase  string `env:"FIRECRAWL_BASE,default=https://api.firecrawl.dev/v1"`
	PubMedAPIKey   string `env:"PUBMED_API_KEY"`
	SpringerAPIKey string `env:"SPRINGER_API_KEY"`
	SpringerMeta   string `env:"SPRINGER_META_BASE,default=https://api.springernature.com/meta/v2/json"`
	SpringerOA     string `env:"SPRINGER_OA_BASE,default=https://api.springernature.com/openaccess/json"`

	HTTPGetTimeout  time.Duration `env:"HTTP_GET_TIMEOUT,default=30s"`
	HTTPPostTimeout time.Duration `env:"HTTP_POST_TIMEOUT,default=60s"`
	HTTPMaxRetries  int           `env:"HTTP_MAX_RETRIES,default=2"`

	CacheBackend string        `env:"CACHE_BACKEND,default=memory"`
	CacheTTL     time.Duration `env:"CACHE_TTL,default=10m"`
	RedisAddr    string        `env:"REDIS_ADDR,default=localhost:6379"`

	MaxSessions int `env:"MAX_SESSIONS,default=0"`
}

// Load reads envFile (if non-empty and present) into the process
// environment without overriding variables that are already set, then
// decodes the environment into a Config.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	if !strings.HasPrefix(c.MCPPath, "/") {
		return fmt.Errorf("MCP_PATH must start with '/': %q", c.MCPPath)
	}
	switch c.CacheBackend {
	case CacheMemory, CacheRedis, CacheNone:
	default:
		return fmt.Errorf("CACHE_BACKEND must be one of memory, redis, none: %q", c.CacheBackend)
	}
	if c.HTTPGetTimeout <= 0 || c.HTTPPostTimeout <= 0 {
		return errors.New("HTTP timeouts must be positive")
	}
	if c.HTTPMaxRetries < 0 {
		return fmt.Errorf("HTTP_MAX_RETRIES must not be negative: %d", c.HTTPMaxRetries)
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("MAX_SESSIONS must not be negative: %d", c.MaxSessions)
	}
	return nil
}

// CacheEnabled reports whether upstream responses should be cached.
func (c *Config) CacheEnabled() bool {
	return c.CacheBackend != CacheNone && c.CacheTTL > 0
}

// SlogLevel maps LOG_LEVEL onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
