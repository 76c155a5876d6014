// Package config provides configuration loading for taskd.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/taskd/internal/bus"
	"github.com/fyrsmithlabs/taskd/internal/checkpoint"
	"github.com/fyrsmithlabs/taskd/internal/engine"
	"github.com/fyrsmithlabs/taskd/internal/flow"
	"github.com/fyrsmithlabs/taskd/internal/logging"
	"github.com/fyrsmithlabs/taskd/internal/orchestrator"
	"github.com/fyrsmithlabs/taskd/internal/telemetry"
)

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Host is the listen address.
	Host string `koanf:"host"`

	// Port is the HTTP port.
	Port int `koanf:"port"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Config is the root taskd configuration.
type Config struct {
	Server        ServerConfig             `koanf:"server"`
	Bus           bus.Config               `koanf:"bus"`
	Engine        engine.Config            `koanf:"engine"`
	Flow          flow.Config              `koanf:"flow"`
	Checkpoint    checkpoint.Config        `koanf:"checkpoint"`
	Pool          orchestrator.PoolConfig  `koanf:"pool"`
	Logging       logging.Config           `koanf:"logging"`
	Observability telemetry.Config         `koanf:"observability"`
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Flow.MaxAttempts < 1 {
		return fmt.Errorf("flow.max_attempts must be at least 1, got %d", c.Flow.MaxAttempts)
	}
	if c.Flow.Threshold <= 0 || c.Flow.Threshold > 1 {
		return fmt.Errorf("flow.threshold must be in (0,1], got %v", c.Flow.Threshold)
	}
	if c.Pool.Workers < 1 {
		return fmt.Errorf("pool.workers must be at least 1, got %d", c.Pool.Workers)
	}
	if c.Engine.PipelineDir == "" {
		return fmt.Errorf("engine.pipeline_dir is required")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	return nil
}
