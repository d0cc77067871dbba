package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the relay configuration.
const (
	DefaultAddr            = ":3001"
	DefaultMaxConnections  = 1000
	DefaultPingInterval    = 30 * time.Second
	DefaultPongWait        = 60 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultBufferSize      = 1024
	DefaultMaxMessageSize  = 64 * 1024
	DefaultSendQueueLength = 256
)

// RelayConfig holds WebSocket relay server configuration.
type RelayConfig struct {
	// Addr is the listen address, distinct from the web application's port.
	Addr string `yaml:"addr"`

	// MaxConnections bounds the connection registry. Connections beyond it
	// are rejected with capacity_exceeded.
	MaxConnections int `yaml:"max_connections"`

	// PingInterval controls how often the server pings each client.
	// Must be less than PongWait.
	PingInterval time.Duration `yaml:"ping_interval"`

	// PongWait is how long a connection may stay silent before it is
	// treated as dead.
	PongWait time.Duration `yaml:"pong_wait"`

	// WriteTimeout is the deadline for a single frame write to one client.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	ReadBufferSize  int   `yaml:"read_buffer_size"`
	WriteBufferSize int   `yaml:"write_buffer_size"`
	MaxMessageSize  int64 `yaml:"max_message_size"`

	// SendQueueLength is the per-client outbound queue depth. A recipient
	// whose queue is full misses the broadcast.
	SendQueueLength int `yaml:"send_queue_length"`

	// EchoToSender controls whether a broadcast is also delivered to the
	// connection it came from.
	EchoToSender bool `yaml:"echo_to_sender"`
}

// DefaultConfig returns the default relay configuration.
func DefaultConfig() *RelayConfig {
	return &RelayConfig{
		Addr:            DefaultAddr,
		MaxConnections:  DefaultMaxConnections,
		PingInterval:    DefaultPingInterval,
		PongWait:        DefaultPongWait,
		WriteTimeout:    DefaultWriteTimeout,
		ReadBufferSize:  DefaultBufferSize,
		WriteBufferSize: DefaultBufferSize,
		MaxMessageSize:  DefaultMaxMessageSize,
		SendQueueLength: DefaultSendQueueLength,
		EchoToSender:    true,
	}
}

// Load reads a YAML config file on top of the defaults. An empty path
// returns the defaults.
func Load(path string) (*RelayConfig, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *RelayConfig) Validate() error {
	switch {
	case c.Addr == "":
		return errors.New("config: addr is required")
	case c.MaxConnections <= 0:
		return fmt.Errorf("config: max_connections must be positive, got %d", c.MaxConnections)
	case c.WriteTimeout <= 0:
		return fmt.Errorf("config: write_timeout must be positive, got %s", c.WriteTimeout)
	case c.PongWait <= 0:
		return fmt.Errorf("config: pong_wait must be positive, got %s", c.PongWait)
	case c.PingInterval <= 0 || c.PingInterval >= c.PongWait:
		return fmt.Errorf("config: ping_interval %s must be positive and below pong_wait %s", c.PingInterval, c.PongWait)
	case c.SendQueueLength <= 0:
		return fmt.Errorf("config: send_queue_length must be positive, got %d", c.SendQueueLength)
	case c.MaxMessageSize <= 0:
		return fmt.Errorf("config: max_message_size must be positive, got %d", c.MaxMessageSize)
	}
	return nil
}
