// Package config provides configuration management for the conductor.
package config

import (
	"fmt"
	"time"
)

// Config is the global configuration for the conductor.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// IDs controls identifier generation.
	IDs IDsConfig `mapstructure:"ids"`

	// Storage is the persistence configuration for templates, requests,
	// batches, schedules and job statistics.
	Storage StorageConfig `mapstructure:"storage"`

	// Redis is the shared Redis connection used by the context store and
	// the event transport.
	Redis RedisConfig `mapstructure:"redis"`

	// Context is the execution context store configuration.
	Context ContextConfig `mapstructure:"context"`

	// Purposes is the purpose catalog configuration.
	Purposes PurposesConfig `mapstructure:"purposes"`

	// Templates is the template seed configuration.
	Templates TemplatesConfig `mapstructure:"templates"`

	// Batch is the batch processor configuration.
	Batch BatchConfig `mapstructure:"batch"`

	// Scheduler is the batch scheduler configuration.
	Scheduler SchedulerConfig `mapstructure:"scheduler"`

	// Events is the lifecycle event publishing configuration.
	Events EventsConfig `mapstructure:"events"`

	// Capabilities are the downstream services templates dispatch to.
	Capabilities CapabilitiesConfig `mapstructure:"capabilities"`

	// Metrics is the observability configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`

	// Ops is the operational HTTP surface (health, readiness, metrics).
	Ops OpsConfig `mapstructure:"ops"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"env"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`

	// AddSource adds the source position to every record.
	AddSource bool `mapstructure:"add_source"`
}

// IDsConfig holds identifier settings.
type IDsConfig struct {
	// Source is the origin segment embedded in generated ids.
	Source string `mapstructure:"source" validate:"required,max=32"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// Type is the storage backend (memory, badger).
	Type string `mapstructure:"type" validate:"oneof=memory badger"`

	// Badger is the BadgerDB configuration.
	Badger BadgerConfig `mapstructure:"badger"`
}

// BadgerConfig holds BadgerDB-specific settings.
type BadgerConfig struct {
	// Path is the database directory path.
	Path string `mapstructure:"path" validate:"required_if=InMemory false"`

	// InMemory keeps the database in memory. Useful for tests.
	InMemory bool `mapstructure:"in_memory"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `mapstructure:"sync_writes"`

	// ValueLogFileSize is the maximum size of value log files in bytes.
	ValueLogFileSize int64 `mapstructure:"value_log_file_size" validate:"min=0"`

	// NumVersionsToKeep is the number of versions to keep per key.
	NumVersionsToKeep int `mapstructure:"num_versions_to_keep" validate:"min=0"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	// Address is the Redis server address.
	Address string `mapstructure:"address"`

	// Password is the Redis password.
	Password string `mapstructure:"password"`

	// DB is the Redis database number.
	DB int `mapstructure:"db" validate:"min=0"`

	// KeyPrefix namespaces every key the conductor writes.
	KeyPrefix string `mapstructure:"key_prefix"`

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// ContextConfig holds execution context store settings.
type ContextConfig struct {
	// Store is the context store implementation (memory, redis).
	Store string `mapstructure:"store" validate:"oneof=memory redis"`

	// Retention is how long a released context stays readable.
	Retention time.Duration `mapstructure:"retention" validate:"min=0"`

	// SweepInterval is how often expired contexts are removed from the
	// memory store.
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"min=0"`
}

// PurposesConfig holds purpose catalog settings.
type PurposesConfig struct {
	// CatalogPath is the YAML purpose catalog. Empty means no purposes.
	CatalogPath string `mapstructure:"catalog_path"`

	// Threshold is the minimum detection score, compared strictly. Scores
	// never exceed 1, so the threshold must stay below it.
	Threshold float64 `mapstructure:"threshold" validate:"min=0,lt=1"`
}

// TemplatesConfig holds template seed settings.
type TemplatesConfig struct {
	// SeedPath is a YAML file of templates saved at startup.
	SeedPath string `mapstructure:"seed_path"`
}

// BatchConfig holds batch processor settings.
type BatchConfig struct {
	// MaxConcurrentItems bounds the units in flight per batch.
	MaxConcurrentItems int `mapstructure:"max_concurrent_items" validate:"min=1"`

	// RetryLimit is the total number of attempts per unit.
	RetryLimit int `mapstructure:"retry_limit" validate:"min=1"`

	// RetryBackoff is the delay before the first retry.
	RetryBackoff time.Duration `mapstructure:"retry_backoff" validate:"min=0"`

	// MaxRetryBackoff caps the exponential retry delay.
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff" validate:"gtefield=RetryBackoff"`

	// ItemsPerSecond limits unit dispatch per batch. Zero disables the limit.
	ItemsPerSecond float64 `mapstructure:"items_per_second" validate:"min=0"`

	// ProgressEvents publishes a progress event after every finished unit.
	ProgressEvents bool `mapstructure:"progress_events"`
}

// SchedulerConfig holds batch scheduler settings.
type SchedulerConfig struct {
	// Enabled starts the scheduler loop with the engine.
	Enabled bool `mapstructure:"enabled"`

	// TickInterval is how often due jobs are checked.
	TickInterval time.Duration `mapstructure:"tick_interval" validate:"required_if=Enabled true,min=0"`

	// Timezone is the IANA zone cadences are evaluated in.
	Timezone string `mapstructure:"timezone" validate:"timezone"`
}

// EventsConfig holds lifecycle event settings.
type EventsConfig struct {
	// Enabled publishes lifecycle events.
	Enabled bool `mapstructure:"enabled"`

	// Transport is the event transport (memory, redis).
	Transport string `mapstructure:"transport" validate:"oneof=memory redis"`

	// NodeID identifies this process in event envelopes.
	NodeID string `mapstructure:"node_id"`

	// Retry controls publish retries.
	Retry EventRetryConfig `mapstructure:"retry"`

	// NotifyTimeout bounds each notification sink call.
	NotifyTimeout time.Duration `mapstructure:"notify_timeout" validate:"min=0"`
}

// EventRetryConfig holds event publish retry settings.
type EventRetryConfig struct {
	// MaxAttempts is the total number of publish attempts.
	MaxAttempts int `mapstructure:"max_attempts" validate:"min=1"`

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"min=0"`

	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration `mapstructure:"max_backoff" validate:"gtefield=InitialBackoff"`

	// Multiplier grows the delay between attempts.
	Multiplier float64 `mapstructure:"multiplier" validate:"gte=1"`
}

// CapabilitiesConfig holds downstream capability endpoints by service type.
type CapabilitiesConfig struct {
	Generative    CapabilityConfig `mapstructure:"generative"`
	Analysis      CapabilityConfig `mapstructure:"analysis"`
	Communication CapabilityConfig `mapstructure:"communication"`
}

// CapabilityConfig holds one downstream endpoint.
type CapabilityConfig struct {
	// Endpoint is the HTTP endpoint. Empty leaves the service type unmapped.
	Endpoint string `mapstructure:"endpoint" validate:"omitempty,url"`

	// Timeout bounds each call.
	Timeout time.Duration `mapstructure:"timeout" validate:"min=0"`

	// Headers are sent with every call.
	Headers map[string]string `mapstructure:"headers"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	// Enabled enables metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path" validate:"startswith=/"`

	// Port serves metrics on a dedicated server when the ops server is
	// disabled.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	// Enabled enables distributed tracing.
	Enabled bool `mapstructure:"enabled"`

	// Exporter is the span exporter (otlp).
	Exporter string `mapstructure:"exporter" validate:"omitempty,oneof=otlp"`

	// Endpoint is the collector endpoint.
	Endpoint string `mapstructure:"endpoint" validate:"required_if=Enabled true"`

	// Timeout bounds each export.
	Timeout time.Duration `mapstructure:"timeout" validate:"min=0"`

	// Headers are sent with every export.
	Headers map[string]string `mapstructure:"headers"`

	// Sampler selects the sampler (always_on, always_off, ratio).
	Sampler string `mapstructure:"sampler" validate:"omitempty,oneof=always_on always_off ratio"`

	// SampleRate is the fraction of traces to sample (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// OpsConfig holds the operational HTTP server settings.
type OpsConfig struct {
	// Enabled starts the ops server.
	Enabled bool `mapstructure:"enabled"`

	// Host is the bind address.
	Host string `mapstructure:"host"`

	// Port is the ops server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// String returns a string representation of the configuration (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Env: %s, Storage: %s, Context: %s, Ops: :%d}",
		c.App.Name, c.App.Environment, c.Storage.Type, c.Context.Store, c.Ops.Port)
}
