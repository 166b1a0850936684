package config

import (
	"time"

	"github.com/notifyops/relay/pkg/batcher"
	"github.com/notifyops/relay/pkg/dedup"
	"github.com/notifyops/relay/pkg/dispatch"
	"github.com/notifyops/relay/pkg/execlog"
	"github.com/notifyops/relay/pkg/schedule"
	"github.com/notifyops/relay/pkg/threading"
	"github.com/notifyops/relay/pkg/workload"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{Host: "0.0.0.0", Port: 8080, ShutdownTimeout: 30 * time.Second}
}

// SourceConfig holds per-source webhook ingestion settings.
type SourceConfig struct {
	// SecretEnv names the env var holding the HMAC shared secret.
	SecretEnv string `yaml:"secret_env"`
	// SignatureHeader carries the sender's HMAC hex digest.
	SignatureHeader string `yaml:"signature_header"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	// AutoMigrate runs embedded migrations at startup.
	AutoMigrate bool `yaml:"auto_migrate"`
}

// DefaultDatabaseConfig returns the built-in database defaults.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		AutoMigrate:     true,
	}
}

// RedisConfig holds the Redis connection settings for the dedup store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// ChatConfig holds the outbound chat transport settings.
type ChatConfig struct {
	Enabled bool `yaml:"enabled"`
	// TokenEnv names the env var for the bot token.
	TokenEnv string `yaml:"token_env"`
	// DefaultChannel receives notifications with no team route.
	DefaultChannel string `yaml:"default_channel,omitempty"`
	// EscalationChannel is the system-wide fallback for escalations.
	EscalationChannel string `yaml:"escalation_channel,omitempty"`
}

// PipelineConfig bounds the inter-stage queues.
type PipelineConfig struct {
	// IngestQueueSize bounds the webhook ingress queue; a full queue sheds
	// load with a retriable 429.
	IngestQueueSize int `yaml:"ingest_queue_size"`
	// EnqueueTimeout is how long ingress blocks before shedding.
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"`
	// Workers is the size of the stage worker pool.
	Workers int `yaml:"workers"`
}

// DefaultPipelineConfig returns the built-in pipeline defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		IngestQueueSize: 1024,
		EnqueueTimeout:  200 * time.Millisecond,
		Workers:         4,
	}
}

// SystemYAML is the top-level relay.yaml structure.
type SystemYAML struct {
	Server    *ServerConfig           `yaml:"server"`
	Database  *DatabaseConfig         `yaml:"database"`
	Redis     *RedisConfig            `yaml:"redis"`
	Chat      *ChatConfig             `yaml:"chat"`
	Sources   map[string]SourceConfig `yaml:"sources"`
	Pipeline  *PipelineConfig         `yaml:"pipeline"`
	Dedup     *dedup.Config           `yaml:"dedup"`
	Batching  *batcher.Config         `yaml:"batching"`
	Scheduler *schedule.Config        `yaml:"scheduler"`
	Dispatch  *dispatch.Config        `yaml:"dispatch"`
	Workload  *workload.Config        `yaml:"workload"`
	Threading *threading.Config       `yaml:"threading"`
	ExecLog   *execlog.WriterConfig   `yaml:"exec_log"`
	Retention *RetentionConfig        `yaml:"retention"`
	Recovery  []dispatch.Workflow     `yaml:"recovery"`
}

// Config is the umbrella configuration object returned by Initialize and
// used throughout the broker.
type Config struct {
	configDir string

	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Chat      ChatConfig
	Sources   map[string]SourceConfig
	Pipeline  PipelineConfig
	Dedup     dedup.Config
	Batching  batcher.Config
	Scheduler schedule.Config
	Dispatch  dispatch.Config
	Workload  workload.Config
	Threading threading.Config
	ExecLog   execlog.WriterConfig
	Retention RetentionConfig
	Recovery  []dispatch.Workflow

	// Teams are the statically configured team snapshots loaded from
	// teams.yaml; the live store may publish newer versions at runtime.
	Teams map[string]*TeamConfig
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Stats contains statistics about loaded configuration
type Stats struct {
	Teams   int
	Hooks   int
	Rules   int
	Sources int
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() Stats {
	s := Stats{Teams: len(c.Teams), Sources: len(c.Sources)}
	for _, t := range c.Teams {
		s.Hooks += len(t.Hooks)
		s.Rules += len(t.Rules)
	}
	return s
}
