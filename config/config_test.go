package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.App.Name != "conductor" {
		t.Errorf("expected app name 'conductor', got %s", cfg.App.Name)
	}
	if cfg.Batch.MaxConcurrentItems != 100 {
		t.Errorf("expected max concurrent items 100, got %d", cfg.Batch.MaxConcurrentItems)
	}
	if cfg.Batch.RetryLimit != 3 {
		t.Errorf("expected retry limit 3, got %d", cfg.Batch.RetryLimit)
	}
	if cfg.Purposes.Threshold != 0 {
		t.Errorf("expected purpose threshold 0, got %v", cfg.Purposes.Threshold)
	}
	if cfg.Storage.Type != "memory" || cfg.Context.Store != "memory" {
		t.Errorf("expected memory backends, got storage=%s context=%s", cfg.Storage.Type, cfg.Context.Store)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "missing app name", mutate: func(c *Config) { c.App.Name = "" }, wantErr: true},
		{name: "bad environment", mutate: func(c *Config) { c.App.Environment = "qa" }, wantErr: true},
		{name: "bad log level", mutate: func(c *Config) { c.Log.Level = "loud" }, wantErr: true},
		{name: "redis storage not supported", mutate: func(c *Config) { c.Storage.Type = "redis" }, wantErr: true},
		{name: "badger without path", mutate: func(c *Config) { c.Storage.Badger.Path = "" }, wantErr: true},
		{name: "badger in memory without path", mutate: func(c *Config) {
			c.Storage.Badger.Path = ""
			c.Storage.Badger.InMemory = true
		}},
		{name: "bad context store", mutate: func(c *Config) { c.Context.Store = "etcd" }, wantErr: true},
		{name: "negative threshold", mutate: func(c *Config) { c.Purposes.Threshold = -0.1 }, wantErr: true},
		{name: "zero concurrency", mutate: func(c *Config) { c.Batch.MaxConcurrentItems = 0 }, wantErr: true},
		{name: "zero retry limit", mutate: func(c *Config) { c.Batch.RetryLimit = 0 }, wantErr: true},
		{name: "max backoff below backoff", mutate: func(c *Config) {
			c.Batch.RetryBackoff = time.Second
			c.Batch.MaxRetryBackoff = time.Millisecond
		}, wantErr: true},
		{name: "unknown timezone", mutate: func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, wantErr: true},
		{name: "bad event transport", mutate: func(c *Config) { c.Events.Transport = "kafka" }, wantErr: true},
		{name: "event multiplier below one", mutate: func(c *Config) { c.Events.Retry.Multiplier = 0.5 }, wantErr: true},
		{name: "bad capability endpoint", mutate: func(c *Config) { c.Capabilities.Generative.Endpoint = "not a url" }, wantErr: true},
		{name: "capability endpoint", mutate: func(c *Config) { c.Capabilities.Generative.Endpoint = "http://llm:9000/run" }},
		{name: "metrics path without slash", mutate: func(c *Config) { c.Metrics.Path = "metrics" }, wantErr: true},
		{name: "tracing enabled without endpoint", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Endpoint = ""
		}, wantErr: true},
		{name: "bad sampler", mutate: func(c *Config) { c.Tracing.Sampler = "sometimes" }, wantErr: true},
		{name: "sample rate above one", mutate: func(c *Config) { c.Tracing.SampleRate = 1.5 }, wantErr: true},
		{name: "ops port out of range", mutate: func(c *Config) { c.Ops.Port = 70000 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateWithDetails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Batch.RetryLimit = 0
	cfg.Context.Store = "etcd"

	err := ValidateWithDetails(cfg)
	var details ValidationErrors
	if !errors.As(err, &details) {
		t.Fatalf("expected ValidationErrors, got %T: %v", err, err)
	}
	if len(details) != 2 {
		t.Fatalf("expected 2 errors, got %d: %v", len(details), details)
	}

	msg := details.Error()
	for _, want := range []string{"batch.retry_limit: must be at least 1", "context.store: must be one of [memory redis]"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected %q in %q", want, msg)
		}
	}
}

func TestValidationErrors_Error(t *testing.T) {
	if got := (ValidationErrors{}).Error(); got != "no validation errors" {
		t.Errorf("unexpected empty message %q", got)
	}
	e := ConfigError{Key: "ops.port", Message: "must be at most 65535", Value: 70000}
	if got := e.Error(); got != "ops.port: must be at most 65535 (got 70000)" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestConfig_String(t *testing.T) {
	s := DefaultConfig().String()
	for _, want := range []string{"conductor", "development", "memory", ":8080"} {
		if !strings.Contains(s, want) {
			t.Errorf("expected %q in %q", want, s)
		}
	}
}

func TestLoader_DefaultsOnly(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := NewLoader().Load("", nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Batch.RetryBackoff != 500*time.Millisecond {
		t.Errorf("expected retry backoff 500ms, got %v", cfg.Batch.RetryBackoff)
	}
	if cfg.Scheduler.TickInterval != time.Second {
		t.Errorf("expected tick interval 1s, got %v", cfg.Scheduler.TickInterval)
	}
	if cfg.Events.Retry.Multiplier != 2 {
		t.Errorf("expected multiplier 2, got %v", cfg.Events.Retry.Multiplier)
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoader_LoadFile(t *testing.T) {
	path := writeFile(t, "conductor.yaml", `
app:
  name: conductor-test
  environment: staging
storage:
  type: badger
  badger:
    path: /var/lib/conductor
batch:
  max_concurrent_items: 8
  retry_backoff: 2s
  max_retry_backoff: 1m
scheduler:
  timezone: UTC
  enabled: false
capabilities:
  generative:
    endpoint: http://llm:9000/execute
    headers:
      Authorization: Bearer abc
`)

	cfg, err := NewLoader().Load(path, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.App.Name != "conductor-test" || cfg.App.Environment != "staging" {
		t.Errorf("unexpected app section: %+v", cfg.App)
	}
	if cfg.Storage.Type != "badger" || cfg.Storage.Badger.Path != "/var/lib/conductor" {
		t.Errorf("unexpected storage section: %+v", cfg.Storage)
	}
	// Keys the file omitted keep their defaults.
	if !cfg.Storage.Badger.SyncWrites || cfg.Storage.Badger.NumVersionsToKeep != 1 {
		t.Errorf("badger defaults lost: %+v", cfg.Storage.Badger)
	}
	if cfg.Batch.MaxConcurrentItems != 8 || cfg.Batch.RetryLimit != 3 {
		t.Errorf("unexpected batch section: %+v", cfg.Batch)
	}
	if cfg.Batch.RetryBackoff != 2*time.Second || cfg.Batch.MaxRetryBackoff != time.Minute {
		t.Errorf("unexpected batch backoff: %+v", cfg.Batch)
	}
	if cfg.Scheduler.Timezone != "UTC" || cfg.Scheduler.Enabled {
		t.Errorf("unexpected scheduler section: %+v", cfg.Scheduler)
	}
	if cfg.Capabilities.Generative.Endpoint != "http://llm:9000/execute" {
		t.Errorf("unexpected generative endpoint %q", cfg.Capabilities.Generative.Endpoint)
	}
	if cfg.Capabilities.Generative.Headers["Authorization"] != "Bearer abc" {
		t.Errorf("unexpected headers %v", cfg.Capabilities.Generative.Headers)
	}
	if cfg.Capabilities.Generative.Timeout != 60*time.Second {
		t.Errorf("expected default timeout, got %v", cfg.Capabilities.Generative.Timeout)
	}
}

func TestLoader_LoadJSONFile(t *testing.T) {
	path := writeFile(t, "conductor.json", `{
  "log": {"level": "debug", "format": "text"},
  "purposes": {"catalog_path": "purposes.yaml", "threshold": 0.25}
}`)

	cfg, err := NewLoader().Load(path, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" || cfg.Log.Output != "stdout" {
		t.Errorf("unexpected log section: %+v", cfg.Log)
	}
	if cfg.Purposes.CatalogPath != "purposes.yaml" || cfg.Purposes.Threshold != 0.25 {
		t.Errorf("unexpected purposes section: %+v", cfg.Purposes)
	}
}

func TestLoader_LoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		if _, err := NewLoader().Load(filepath.Join(t.TempDir(), "nope.yaml"), nil); err == nil {
			t.Fatal("expected error for missing file")
		}
	})

	t.Run("unsupported format", func(t *testing.T) {
		path := writeFile(t, "conductor.toml", "app = 1")
		if _, err := NewLoader().Load(path, nil); err == nil {
			t.Fatal("expected error for unsupported format")
		}
	})

	t.Run("invalid values", func(t *testing.T) {
		path := writeFile(t, "conductor.yaml", "batch:\n  retry_limit: 0\n")
		_, err := NewLoader().Load(path, nil)
		var details ValidationErrors
		if !errors.As(err, &details) {
			t.Fatalf("expected ValidationErrors, got %v", err)
		}
	})
}

func TestLoader_EnvVars(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONDUCTOR_BATCH_RETRY_LIMIT", "5")
	t.Setenv("CONDUCTOR_STORAGE_BADGER_PATH", "/data/conductor")
	t.Setenv("CONDUCTOR_SCHEDULER_TICK_INTERVAL", "250ms")
	t.Setenv("CONDUCTOR_EVENTS_RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("CONDUCTOR_NOT_A_KEY", "ignored")

	cfg, err := NewLoader().Load("", nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Batch.RetryLimit != 5 {
		t.Errorf("expected retry limit 5, got %d", cfg.Batch.RetryLimit)
	}
	if cfg.Storage.Badger.Path != "/data/conductor" {
		t.Errorf("expected badger path from env, got %q", cfg.Storage.Badger.Path)
	}
	if cfg.Scheduler.TickInterval != 250*time.Millisecond {
		t.Errorf("expected tick interval 250ms, got %v", cfg.Scheduler.TickInterval)
	}
	if cfg.Events.Retry.MaxAttempts != 7 {
		t.Errorf("expected max attempts 7, got %d", cfg.Events.Retry.MaxAttempts)
	}
}

func TestLoader_Overrides(t *testing.T) {
	path := writeFile(t, "conductor.yaml", "ops:\n  port: 9000\n")
	t.Setenv("CONDUCTOR_OPS_PORT", "9100")

	loader := NewLoader()
	cfg, err := loader.Load(path, map[string]interface{}{"ops.port": 9200})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Ops.Port != 9200 {
		t.Errorf("expected override to win, got %d", cfg.Ops.Port)
	}
	if loader.GetInt("ops.port") != 9200 || loader.GetString("app.name") != "conductor" || !loader.GetBool("ops.enabled") {
		t.Errorf("loader accessors disagree with loaded config")
	}
	if loader.Get("ops.host") != "0.0.0.0" {
		t.Errorf("unexpected ops.host %v", loader.Get("ops.host"))
	}
	if !strings.Contains(loader.Print(), "ops.port") {
		t.Errorf("Print should list loaded keys")
	}
}

func TestLoadOrDie_Panic(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	LoadOrDie(filepath.Join(t.TempDir(), "missing.yaml"), nil)
}

func TestStructToMap(t *testing.T) {
	m := structToMap(DefaultConfig(), "")

	if m["batch.max_concurrent_items"] != int64(100) {
		t.Errorf("unexpected batch.max_concurrent_items %v", m["batch.max_concurrent_items"])
	}
	if m["context.retention"] != int64(time.Hour) {
		t.Errorf("unexpected context.retention %v", m["context.retention"])
	}
	if _, ok := m["tracing.headers"]; ok {
		t.Errorf("nil maps should be omitted")
	}
	if _, ok := envKeys()["storage_badger_value_log_file_size"]; !ok {
		t.Errorf("env key for nested badger field missing")
	}
}

func TestFormatValidationError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scheduler.Timezone = "Nowhere/Land"
	cfg.App.Environment = "qa"

	err := ValidateWithDetails(cfg)
	var details ValidationErrors
	if !errors.As(err, &details) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}
	got := map[string]string{}
	for _, d := range details {
		got[d.Key] = d.Message
	}
	if got["scheduler.timezone"] != "must be an IANA time zone name" {
		t.Errorf("unexpected timezone message %q", got["scheduler.timezone"])
	}
	if got["app.environment"] != "must be one of [development staging production]" {
		t.Errorf("unexpected environment message %q", got["app.environment"])
	}
}

func TestValidateWithDetails_CrossSectionRules(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		key     string
		message string
	}{
		{
			name: "redis context store without address",
			mutate: func(c *Config) {
				c.Context.Store = "redis"
				c.Redis.Address = ""
			},
			key:     "redis.address",
			message: "is required when context.store is redis",
		},
		{
			name: "redis events without address",
			mutate: func(c *Config) {
				c.Events.Enabled = true
				c.Events.Transport = "redis"
				c.Redis.Address = ""
			},
			key:     "redis.address",
			message: "is required when events.transport is redis",
		},
		{
			name:    "threshold no score can pass",
			mutate:  func(c *Config) { c.Purposes.Threshold = 1 },
			key:     "purposes.threshold",
			message: "must be below 1",
		},
		{
			name: "retry ceiling below first backoff",
			mutate: func(c *Config) {
				c.Batch.RetryBackoff = time.Second
				c.Batch.MaxRetryBackoff = time.Millisecond
			},
			key:     "batch.max_retry_backoff",
			message: "must not be below retry_backoff",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := ValidateWithDetails(cfg)
			var details ValidationErrors
			if !errors.As(err, &details) {
				t.Fatalf("expected ValidationErrors, got %v", err)
			}
			for _, d := range details {
				if d.Key == tt.key && d.Message == tt.message {
					return
				}
			}
			t.Errorf("expected %s: %s in %v", tt.key, tt.message, details)
		})
	}

	cfg := DefaultConfig()
	cfg.Events.Enabled = false
	cfg.Events.Transport = "redis"
	cfg.Redis.Address = ""
	if err := ValidateWithDetails(cfg); err != nil {
		t.Errorf("disabled redis events need no address: %v", err)
	}
}
