package tap

import (
	"os"
	"strconv"
)

// RedisConfig holds connection settings for the Redis event tap.
type RedisConfig struct {
	Addr     string // Redis address, default "localhost:6379"
	Password string // Redis password, default ""
	DB       int    // Redis database number, default 0
	Prefix   string // Channel prefix, default "chatrelay:"
	Buffer   int    // Pending event queue depth, default 1024
}

// DefaultRedisConfig returns a RedisConfig with sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:   "localhost:6379",
		Prefix: "chatrelay:",
		Buffer: 1024,
	}
}

// Channel returns the pub/sub channel events are published on.
func (c *RedisConfig) Channel() string {
	return c.Prefix + "events"
}

// RedisConfigFromEnv loads Redis configuration from environment variables.
// Falls back to defaults for any missing values.
func RedisConfigFromEnv() *RedisConfig {
	cfg := DefaultRedisConfig()

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Password = pw
	}
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		if db, err := strconv.Atoi(dbStr); err == nil {
			cfg.DB = db
		}
	}
	if prefix := os.Getenv("REDIS_TAP_PREFIX"); prefix != "" {
		cfg.Prefix = prefix
	}
	if bufStr := os.Getenv("REDIS_TAP_BUFFER"); bufStr != "" {
		if n, err := strconv.Atoi(bufStr); err == nil && n > 0 {
			cfg.Buffer = n
		}
	}
	return cfg
}
