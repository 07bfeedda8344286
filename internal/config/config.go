// Package config loads gateway configuration from the OS environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable named in the gateway's external interface.
type Config struct {
	PrimaryDatabaseURL string
	DBPoolSize         int

	GT06Port      int
	TeltonikaPort int
	APIPort       int

	ConnectTimeout        time.Duration
	SocketTimeout         time.Duration
	KeepAliveTimeout      time.Duration
	MaxConnectionsPerPort int

	SecretKey      string
	DataForwardURL string

	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	Env      string
	LogLevel string

	// Optional behaviour, off by default.
	GT06ChecksumFallback   bool
	ForwardAlarmsWithRetry bool
}

// Load reads Config from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		PrimaryDatabaseURL: os.Getenv("PRIMARY_DATABASE_URL"),
		DBPoolSize:         envInt("DB_POOL_SIZE", 50),

		GT06Port:      envInt("GT06_PORT", 5023),
		TeltonikaPort: envInt("TELTONIKA_PORT", 5024),
		APIPort:       envInt("API_PORT", 5055),

		ConnectTimeout:        envMillis("CON_TIME_OUT", 5000),
		SocketTimeout:         envMillis("SOCKET_TIMEOUT", 300000),
		KeepAliveTimeout:      envMillis("KEEP_ALIVE_TIMEOUT", 120000),
		MaxConnectionsPerPort: envInt("MAX_CONNECTIONS_PER_PORT", 50000),

		SecretKey:      os.Getenv("SECRET_KEY"),
		DataForwardURL: os.Getenv("DATA_FORWARD_URL"),

		RedisHost:     envString("REDIS_HOST", "localhost"),
		RedisPort:     envInt("REDIS_PORT", 6379),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		Env:      envString("NODE_ENV", "development"),
		LogLevel: envString("LOG_LEVEL", "info"),

		GT06ChecksumFallback:   envBool("GT06_CHECKSUM_FALLBACK", false),
		ForwardAlarmsWithRetry: envBool("FORWARD_ALARMS_WITH_RETRY", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the required fields and value ranges.
func (c *Config) Validate() error {
	if c.PrimaryDatabaseURL == "" {
		return fmt.Errorf("PRIMARY_DATABASE_URL is required")
	}
	if c.SecretKey == "" {
		return fmt.Errorf("SECRET_KEY is required")
	}
	if c.DataForwardURL == "" {
		return fmt.Errorf("DATA_FORWARD_URL is required")
	}
	for name, port := range map[string]int{
		"GT06_PORT": c.GT06Port, "TELTONIKA_PORT": c.TeltonikaPort, "API_PORT": c.APIPort,
	} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("invalid %s: %d", name, port)
		}
	}
	if c.MaxConnectionsPerPort < 1 {
		return fmt.Errorf("MAX_CONNECTIONS_PER_PORT must be at least 1")
	}
	switch c.LogLevel {
	case "error", "warn", "info", "debug", "verbose":
	default:
		return fmt.Errorf("invalid LOG_LEVEL: %s", c.LogLevel)
	}
	switch c.Env {
	case "development", "production", "test", "staging":
	default:
		return fmt.Errorf("invalid NODE_ENV: %s", c.Env)
	}
	return nil
}

// RedisAddr returns host:port for the configured Redis instance.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// envMillis parses a millisecond count (as the source's "5000ms"-style
// defaults are expressed) into a time.Duration.
func envMillis(key string, defMillis int) time.Duration {
	n := envInt(key, defMillis)
	return time.Duration(n) * time.Millisecond
}
