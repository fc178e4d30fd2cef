package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "/tmp/jobs.db", cfg.Database.Path)
				assert.Equal(t, 4, cfg.Worker.Concurrency)
				assert.Equal(t, 24*time.Hour, cfg.Worker.RetentionWindow)
				assert.Equal(t, 100, cfg.Events.QueueCapacity)
				assert.Equal(t, "comic-maintainer", cfg.App.Name)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	// Fields absent from the file fall back to defaults
	cfg.Worker.CleanupInterval = 0
	cfg.Events.HeartbeatInterval = 0
	cfg.applyDefaults()

	assert.Equal(t, time.Hour, cfg.Worker.CleanupInterval)
	assert.Equal(t, 15*time.Second, cfg.Events.HeartbeatInterval)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:   ServerConfig{Port: 8080},
			Database: DatabaseConfig{Path: "/tmp/jobs.db"},
			Worker: WorkerConfig{
				Concurrency:     4,
				QueueDepth:      64,
				CleanupInterval: time.Hour,
				RetentionWindow: 24 * time.Hour,
			},
			Events: EventsConfig{
				QueueCapacity:     100,
				HeartbeatInterval: 15 * time.Second,
				IdleTimeout:       5 * time.Minute,
			},
		}
	}

	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:      "invalid server port",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "missing database path",
			mutate:    func(c *Config) { c.Database.Path = "" },
			wantErr:   true,
			errString: "database path is required",
		},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Worker.Concurrency = 0 },
			wantErr:   true,
			errString: "concurrency must be greater than 0",
		},
		{
			name:      "zero retention window",
			mutate:    func(c *Config) { c.Worker.RetentionWindow = 0 },
			wantErr:   true,
			errString: "retention_window must be greater than 0",
		},
		{
			name:      "idle timeout below heartbeat",
			mutate:    func(c *Config) { c.Events.IdleTimeout = time.Second },
			wantErr:   true,
			errString: "idle_timeout must be at least",
		},
		{
			name:      "relay enabled without host",
			mutate:    func(c *Config) { c.RabbitMQ.Enabled = true },
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name: "relay enabled with full config",
			mutate: func(c *Config) {
				c.RabbitMQ.Enabled = true
				c.RabbitMQ.Host = "localhost"
				c.RabbitMQ.Port = 5672
				c.RabbitMQ.Exchange = "events"
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
