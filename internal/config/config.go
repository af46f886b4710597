// Package config loads imgjobd configuration from defaults, an optional YAML
// file, IMGJOBD_* environment variables and runtime overrides, in increasing
// order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/imgjobd/pkg/jobregistry"
	"github.com/3leaps/imgjobd/pkg/jobregistry/s3backend"
)

// Config is the effective configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Jobs    JobsConfig    `mapstructure:"jobs" yaml:"jobs"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Fanout  FanoutConfig  `mapstructure:"fanout" yaml:"fanout"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	Profile string `mapstructure:"profile" yaml:"profile"`
}

// JobsConfig controls the registry and the dispatcher.
type JobsConfig struct {
	// Root is the job store location: a directory, or s3://bucket/prefix.
	Root string `mapstructure:"root" yaml:"root"`

	// StartPolicy is "processing" or "queued".
	StartPolicy string `mapstructure:"start_policy" yaml:"start_policy"`

	ThrottleInterval time.Duration `mapstructure:"throttle_interval" yaml:"throttle_interval"`
	ShutdownGrace    time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
	Workers          int           `mapstructure:"workers" yaml:"workers"`
	InitAttempts     int           `mapstructure:"init_attempts" yaml:"init_attempts"`
	InitRetryDelay   time.Duration `mapstructure:"init_retry_delay" yaml:"init_retry_delay"`
}

// Storage backends.
const (
	BackendFile = "file"
	BackendS3   = "s3"
)

type StorageConfig struct {
	// Backend is "file" or "s3". An s3:// jobs.root implies "s3".
	Backend string           `mapstructure:"backend" yaml:"backend"`
	S3      s3backend.Config `mapstructure:"s3" yaml:"s3"`
}

type FanoutConfig struct {
	QueueSize        int           `mapstructure:"queue_size" yaml:"queue_size"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer" yaml:"subscriber_buffer"`
	SendTimeout      time.Duration `mapstructure:"send_timeout" yaml:"send_timeout"`
}

// StartPolicy returns the parsed jobs.start_policy.
func (c *Config) StartPolicy() jobregistry.StartPolicy {
	return jobregistry.StartPolicy(strings.ToLower(strings.TrimSpace(c.Jobs.StartPolicy)))
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535, got %d", c.Server.Port)
	}
	switch c.StartPolicy() {
	case jobregistry.StartProcessing, jobregistry.StartQueued:
	default:
		return fmt.Errorf("jobs.start_policy must be %q or %q, got %q",
			jobregistry.StartProcessing, jobregistry.StartQueued, c.Jobs.StartPolicy)
	}
	if c.Jobs.Workers < 1 {
		return fmt.Errorf("jobs.workers must be >= 1, got %d", c.Jobs.Workers)
	}
	if c.Jobs.InitAttempts < 1 {
		return fmt.Errorf("jobs.init_attempts must be >= 1, got %d", c.Jobs.InitAttempts)
	}
	if c.Jobs.ThrottleInterval <= 0 {
		return fmt.Errorf("jobs.throttle_interval must be > 0")
	}
	if c.Fanout.QueueSize < 1 {
		return fmt.Errorf("fanout.queue_size must be >= 1, got %d", c.Fanout.QueueSize)
	}
	if c.Fanout.SubscriberBuffer < 1 {
		return fmt.Errorf("fanout.subscriber_buffer must be >= 1, got %d", c.Fanout.SubscriberBuffer)
	}

	switch c.Storage.Backend {
	case BackendFile:
		if strings.TrimSpace(c.Jobs.Root) == "" {
			return fmt.Errorf("jobs.root is required for the file backend")
		}
	case BackendS3:
		if err := c.Storage.S3.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("storage.backend must be %q or %q, got %q", BackendFile, BackendS3, c.Storage.Backend)
	}
	return nil
}

// Address returns host:port.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
