package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Worker   WorkerConfig   `yaml:"worker"`
	Events   EventsConfig   `yaml:"events"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite configuration. The database file is shared
// by every server process on the host.
type DatabaseConfig struct {
	Path         string        `yaml:"path"`
	BusyTimeout  time.Duration `yaml:"busy_timeout"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
}

// WorkerConfig holds job execution configuration
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	QueueDepth      int           `yaml:"queue_depth"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	RetentionWindow time.Duration `yaml:"retention_window"`
}

// EventsConfig holds event broadcaster and streaming configuration
type EventsConfig struct {
	QueueCapacity     int           `yaml:"queue_capacity"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
}

// RabbitMQConfig holds the optional cross-process event relay
// configuration. The relay is disabled when Enabled is false.
type RabbitMQConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	User              string        `yaml:"user"`
	Password          string        `yaml:"password"`
	VHost             string        `yaml:"vhost"`
	Exchange          string        `yaml:"exchange"`
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

// applyDefaults fills unset optional values
func (c *Config) applyDefaults() {
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 4
	}
	if c.Worker.QueueDepth == 0 {
		c.Worker.QueueDepth = 256
	}
	if c.Worker.CleanupInterval == 0 {
		c.Worker.CleanupInterval = time.Hour
	}
	if c.Worker.RetentionWindow == 0 {
		c.Worker.RetentionWindow = 24 * time.Hour
	}
	if c.Events.QueueCapacity == 0 {
		c.Events.QueueCapacity = 100
	}
	if c.Events.HeartbeatInterval == 0 {
		c.Events.HeartbeatInterval = 15 * time.Second
	}
	if c.Events.IdleTimeout == 0 {
		c.Events.IdleTimeout = 5 * time.Minute
	}
	if c.Database.BusyTimeout == 0 {
		c.Database.BusyTimeout = 5 * time.Second
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.QueueDepth <= 0 {
		return fmt.Errorf("worker queue_depth must be greater than 0")
	}

	if c.Worker.CleanupInterval <= 0 {
		return fmt.Errorf("worker cleanup_interval must be greater than 0")
	}

	if c.Worker.RetentionWindow <= 0 {
		return fmt.Errorf("worker retention_window must be greater than 0")
	}

	if c.Events.QueueCapacity <= 0 {
		return fmt.Errorf("events queue_capacity must be greater than 0")
	}

	if c.Events.HeartbeatInterval <= 0 {
		return fmt.Errorf("events heartbeat_interval must be greater than 0")
	}

	if c.Events.IdleTimeout < c.Events.HeartbeatInterval {
		return fmt.Errorf("events idle_timeout must be at least the heartbeat_interval")
	}

	if c.RabbitMQ.Enabled {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required when the relay is enabled")
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
		if c.RabbitMQ.Exchange == "" {
			return fmt.Errorf("rabbitmq exchange name is required when the relay is enabled")
		}
	}

	return nil
}
