package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "conductor",
			Version:     "dev",
			Environment: "development",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		IDs: IDsConfig{
			Source: "conductor",
		},
		Storage: StorageConfig{
			Type: "memory",
			Badger: BadgerConfig{
				Path:              "./data/badger",
				SyncWrites:        true,
				ValueLogFileSize:  64 << 20, // 64MB
				NumVersionsToKeep: 1,
			},
		},
		Redis: RedisConfig{
			Address:     "localhost:6379",
			KeyPrefix:   "conductor",
			DialTimeout: 5 * time.Second,
		},
		Context: ContextConfig{
			Store:         "memory",
			Retention:     time.Hour,
			SweepInterval: time.Minute,
		},
		Purposes: PurposesConfig{
			Threshold: 0,
		},
		Batch: BatchConfig{
			MaxConcurrentItems: 100,
			RetryLimit:         3,
			RetryBackoff:       500 * time.Millisecond,
			MaxRetryBackoff:    30 * time.Second,
			ProgressEvents:     false,
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			TickInterval: time.Second,
			Timezone:     "UTC",
		},
		Events: EventsConfig{
			Enabled:   true,
			Transport: "memory",
			NodeID:    "conductor-1",
			Retry: EventRetryConfig{
				MaxAttempts:    3,
				InitialBackoff: 100 * time.Millisecond,
				MaxBackoff:     2 * time.Second,
				Multiplier:     2,
			},
			NotifyTimeout: 5 * time.Second,
		},
		Capabilities: CapabilitiesConfig{
			Generative:    CapabilityConfig{Timeout: 60 * time.Second},
			Analysis:      CapabilityConfig{Timeout: 60 * time.Second},
			Communication: CapabilityConfig{Timeout: 30 * time.Second},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlp",
			Endpoint:   "localhost:4317",
			Timeout:    5 * time.Second,
			Sampler:    "ratio",
			SampleRate: 0.1,
		},
		Ops: OpsConfig{
			Enabled:         true,
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
	}
}
