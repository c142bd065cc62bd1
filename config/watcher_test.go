package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goclaw/conductor/pkg/logger"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
}

func TestNewWatcher(t *testing.T) {
	loader := NewLoader()

	t.Run("valid config path", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "conductor.yaml")
		writeConfig(t, configPath, "app:\n  name: test\n")

		watcher, err := NewWatcher(configPath, loader, WithWatcherLogger(logger.Discard()))
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer watcher.Stop()

		if watcher.ConfigPath() != configPath {
			t.Errorf("expected config path %s, got %s", configPath, watcher.ConfigPath())
		}
	})

	t.Run("empty config path", func(t *testing.T) {
		if _, err := NewWatcher("", loader); err == nil {
			t.Fatal("expected error for empty config path")
		}
	})

	t.Run("with debounce option", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "conductor.yaml")
		writeConfig(t, configPath, "app:\n  name: test\n")

		watcher, err := NewWatcher(configPath, loader, WithDebounce(100*time.Millisecond))
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer watcher.Stop()

		if watcher.debounce != 100*time.Millisecond {
			t.Errorf("expected debounce 100ms, got %v", watcher.debounce)
		}
	})
}

func TestWatcher_Watch(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "conductor.yaml")
	writeConfig(t, configPath, "log:\n  level: info\n")

	watcher, err := NewWatcher(configPath, NewLoader(),
		WithDebounce(50*time.Millisecond),
		WithWatcherLogger(logger.Discard()),
	)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer watcher.Stop()

	levels := make(chan string, 8)
	watcher.OnChange(func(cfg *Config) {
		levels <- cfg.Log.Level
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = watcher.Watch(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !watcher.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	writeConfig(t, configPath, "log:\n  level: warn\n")
	writeConfig(t, configPath, "log:\n  level: debug\n")

	timeout := time.After(3 * time.Second)
	for {
		select {
		case level := <-levels:
			if level == "debug" {
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for reload")
		}
	}
}

func TestWatcher_InvalidReloadKeepsCallbacksQuiet(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "conductor.yaml")
	writeConfig(t, configPath, "batch:\n  retry_limit: 0\n")

	watcher, err := NewWatcher(configPath, NewLoader(), WithWatcherLogger(logger.Discard()))
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer watcher.Stop()

	called := make(chan struct{}, 1)
	watcher.OnChange(func(*Config) { called <- struct{}{} })
	watcher.reloadConfig(context.Background())

	select {
	case <-called:
		t.Error("callback should not run for an invalid config")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatcher_OnChange(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "conductor.yaml")
	writeConfig(t, configPath, "app:\n  name: test\n")

	watcher, err := NewWatcher(configPath, NewLoader(), WithWatcherLogger(logger.Discard()))
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer watcher.Stop()

	var wg sync.WaitGroup
	wg.Add(2)
	watcher.OnChange(func(*Config) { wg.Done() })
	watcher.OnChange(func(*Config) { wg.Done() })
	watcher.OnChange(func(*Config) { panic("boom") })

	watcher.reloadConfig(context.Background())

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected both callbacks to run")
	}
}

func TestWatcher_Stop(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "conductor.yaml")
	writeConfig(t, configPath, "app:\n  name: test\n")

	watcher, err := NewWatcher(configPath, NewLoader())
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	go func() { _ = watcher.Watch(context.Background()) }()
	time.Sleep(100 * time.Millisecond)

	if !watcher.IsRunning() {
		t.Error("expected watcher to be running")
	}
	if err := watcher.Watch(context.Background()); err == nil {
		t.Error("expected error when watching twice")
	}

	if err := watcher.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if watcher.IsRunning() {
		t.Error("expected watcher to not be running after Stop")
	}
}

func TestWatcher_NonExistentDirectory(t *testing.T) {
	watcher, err := NewWatcher("/nonexistent/conductor.yaml", NewLoader())
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer watcher.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if err := watcher.Watch(ctx); err == nil {
		t.Error("expected error when watching a missing directory")
	}
}

func TestHotReloadableConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Level = "debug"
	cfg.Purposes.CatalogPath = "purposes.yaml"
	cfg.Purposes.Threshold = 0.3
	cfg.Batch.ItemsPerSecond = 20

	hot := ExtractHotReloadable(cfg)
	if hot.LogLevel != "debug" || hot.PurposesCatalog != "purposes.yaml" || hot.PurposesThreshold != 0.3 || hot.ItemsPerSecond != 20 {
		t.Errorf("unexpected hot-reloadable values: %+v", hot)
	}

	tests := []struct {
		name   string
		mutate func(*HotReloadableConfig)
		want   bool
	}{
		{"no changes", func(*HotReloadableConfig) {}, false},
		{"log level", func(h *HotReloadableConfig) { h.LogLevel = "error" }, true},
		{"catalog path", func(h *HotReloadableConfig) { h.PurposesCatalog = "other.yaml" }, true},
		{"threshold", func(h *HotReloadableConfig) { h.PurposesThreshold = 0.9 }, true},
		{"progress events", func(h *HotReloadableConfig) { h.ProgressEvents = true }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := hot
			tt.mutate(&other)
			if got := hot.Changed(other); got != tt.want {
				t.Errorf("Changed() = %v, want %v", got, tt.want)
			}
		})
	}
}
