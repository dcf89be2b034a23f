package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// ServerConfig contains configuration for the opsnav server
type ServerConfig struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"opsnav"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"` // development, staging, production
	Debug       bool   `env:"DEBUG" envDefault:"false"`

	DatabaseURL   string `env:"DATABASE_URL,required"`
	DBPoolSize    int    `env:"DB_POOL_SIZE" envDefault:"10"`
	DBMaxOverflow int    `env:"DB_MAX_OVERFLOW" envDefault:"20"` // extra connections on top of the pool size

	AppHost     string   `env:"APP_HOST" envDefault:"0.0.0.0"`
	AppPort     int      `env:"APP_PORT" envDefault:"9601"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:9528,http://127.0.0.1:9528"`

	// Default hypervisor credentials, used when a host row carries no secret
	ESXiUser     string `env:"ESXI_USER" envDefault:"root"`
	ESXiPassword string `env:"ESXI_PASSWORD"`

	SecretKey string `env:"SECRET_KEY,required"`

	TaskWorkers int `env:"TASK_WORKERS" envDefault:"4"`

	NATS NATSConfig
}

// NATSConfig contains configuration for NATS messaging. Task events are
// mirrored to NATS only when URLs are set.
type NATSConfig struct {
	URLs          []string      `env:"NATS_URLS" envSeparator:","`
	MaxReconnects int           `env:"NATS_MAX_RECONNECTS" envDefault:"-1"`
	ReconnectWait time.Duration `env:"NATS_RECONNECT_WAIT_MS" envDefault:"2s"`
	Timeout       time.Duration `env:"NATS_TIMEOUT_MS" envDefault:"5s"`
}

// LoadServerConfig loads configuration for the opsnav server
func LoadServerConfig() (*ServerConfig, error) {
	config, err := env.ParseAs[ServerConfig]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse server config: %w", err)
	}

	if len(config.SecretKey) < 16 {
		return nil, fmt.Errorf("SECRET_KEY must be at least 16 characters")
	}
	if config.TaskWorkers < 1 {
		config.TaskWorkers = 1
	}

	return &config, nil
}

// EventsEnabled reports whether task events should be published to NATS.
func (c *ServerConfig) EventsEnabled() bool {
	return len(c.NATS.URLs) > 0
}
