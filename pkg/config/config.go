// Package config loads and validates service configuration from the
// environment, with an optional .env overlay for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds every runtime option of the service. Values come from the
// environment (case-insensitive names); Load applies defaults and validates.
type Config struct {
	// LLM endpoint
	OpenAIAPIKey  string `yaml:"openai_api_key"`
	OpenAIBaseURL string `yaml:"openai_base_url"`

	// Redis (queue, cache, pub/sub, metrics)
	RedisHost string `yaml:"redis_host"`
	RedisPort int    `yaml:"redis_port"`
	RedisDB   int    `yaml:"redis_db"`

	// Vector store
	QdrantURL    string `yaml:"qdrant_url"`
	QdrantAPIKey string `yaml:"qdrant_api_key"`

	// Relational store
	DatabaseURL      string `yaml:"database_url"`
	MigrateOnStartup bool   `yaml:"migrate_on_startup"`

	// Auth
	JWTSecret           string `yaml:"jwt_secret"`
	JWTIssuer           string `yaml:"jwt_issuer"`
	JWTAccessTTLMinutes int    `yaml:"jwt_access_ttl_minutes"`
	AccessToken         string `yaml:"access_token"`

	// Secrets at rest
	EncryptionKey string `yaml:"encryption_key"`

	// Agents
	AgentsDir string `yaml:"agents_dir"`

	// Queue naming
	RedisQueueName  string `yaml:"redis_queue_name"`
	RedisStreamName string `yaml:"redis_stream_name"`

	// Runtime
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
	Workers     int    `yaml:"workers"`
	ServerAddr  string `yaml:"server_addr"`

	// Retry pipeline (opt-in)
	RetryEnabled bool `yaml:"retry_enabled"`
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present, without overriding real env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		OpenAIAPIKey:        getEnv("OPENAI_API_KEY"),
		OpenAIBaseURL:       getEnv("OPENAI_BASE_URL"),
		RedisHost:           getEnv("REDIS_HOST"),
		RedisPort:           getEnvInt("REDIS_PORT", 0),
		RedisDB:             getEnvInt("REDIS_DB", 0),
		QdrantURL:           getEnv("QDRANT_URL"),
		QdrantAPIKey:        getEnv("QDRANT_API_KEY"),
		DatabaseURL:         NormalizeDatabaseURL(getEnv("DATABASE_URL")),
		MigrateOnStartup:    Truthy(getEnv("MIGRATE_ON_STARTUP")),
		JWTSecret:           getEnv("JWT_SECRET"),
		JWTIssuer:           getEnv("JWT_ISSUER"),
		JWTAccessTTLMinutes: getEnvInt("JWT_ACCESS_TTL_MINUTES", 0),
		AccessToken:         getEnv("ACCESS_TOKEN"),
		EncryptionKey:       getEnv("ENCRYPTION_KEY"),
		AgentsDir:           getEnv("AGENTS_DIR"),
		RedisQueueName:      getEnv("REDIS_QUEUE_NAME"),
		RedisStreamName:     getEnv("REDIS_STREAM_NAME"),
		Environment:         getEnv("ENVIRONMENT"),
		LogLevel:            getEnv("LOG_LEVEL"),
		Workers:             getEnvInt("WORKERS", 0),
		ServerAddr:          getEnv("SERVER_ADDR"),
		RetryEnabled:        Truthy(getEnv("RETRY_ENABLED")),
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetDefaults fills in defaults for every optional field.
func (c *Config) SetDefaults() {
	if c.RedisHost == "" {
		c.RedisHost = "localhost"
	}
	if c.RedisPort == 0 {
		c.RedisPort = 6379
	}
	if c.JWTIssuer == "" {
		c.JWTIssuer = "ai-agent-api"
	}
	if c.JWTAccessTTLMinutes == 0 {
		c.JWTAccessTTLMinutes = 60
	}
	if c.AgentsDir == "" {
		c.AgentsDir = "agents"
	}
	if c.RedisQueueName == "" {
		c.RedisQueueName = "agent_jobs"
	}
	if c.RedisStreamName == "" {
		c.RedisStreamName = "agent_stream"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Workers == 0 {
		c.Workers = 3
	}
	if c.ServerAddr == "" {
		c.ServerAddr = ":8000"
	}
}

// Validate checks that required fields are present. The JWT secret and the
// legacy shared token may both be absent only outside production.
func (c *Config) Validate() error {
	if c.RedisHost == "" {
		return fmt.Errorf("config: redis_host is required")
	}
	if c.RedisPort <= 0 || c.RedisPort > 65535 {
		return fmt.Errorf("config: redis_port %d out of range", c.RedisPort)
	}
	if c.Workers < 1 {
		return fmt.Errorf("config: workers must be at least 1")
	}
	if c.IsProduction() {
		if c.JWTSecret == "" && c.AccessToken == "" {
			return fmt.Errorf("config: jwt_secret or access_token is required in production")
		}
		if c.EncryptionKey == "" {
			return fmt.Errorf("config: encryption_key is required in production")
		}
	}
	return nil
}

// IsProduction reports whether the service runs with production hardening.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// RedisAddr returns the host:port address for the Redis client.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// NormalizeDatabaseURL strips the leading "psql " prefix and surrounding
// quotes that some providers include when handing out connection strings.
func NormalizeDatabaseURL(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "psql ") {
		s = strings.TrimSpace(strings.TrimPrefix(s, "psql "))
	}
	s = strings.Trim(s, `"'`)
	return s
}

// Truthy reports whether a config string means "enabled".
// Accepted values: 1, true, yes, y (case-insensitive).
func Truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y":
		return true
	}
	return false
}

func getEnv(key string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return os.Getenv(strings.ToLower(key))
}

func getEnvInt(key string, def int) int {
	v := getEnv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}
