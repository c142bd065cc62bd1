// Command conductor runs the template-driven orchestration and batch
// processing engine with its ops HTTP surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/goclaw/conductor/config"
	"github.com/goclaw/conductor/pkg/api"
	"github.com/goclaw/conductor/pkg/api/handlers"
	"github.com/goclaw/conductor/pkg/engine"
	"github.com/goclaw/conductor/pkg/logger"
	"github.com/goclaw/conductor/pkg/metrics"
	"github.com/goclaw/conductor/pkg/storage/badger"
	"github.com/goclaw/conductor/pkg/storage/memory"
	"github.com/goclaw/conductor/pkg/telemetry/tracing"
	"github.com/goclaw/conductor/pkg/version"
)

const defaultStopTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	showVersion bool
	logLevel    string
	opsPort     int
	storage     string
}

func parseFlags(args []string, out io.Writer) (*options, error) {
	fs := flag.NewFlagSet("conductor", flag.ContinueOnError)
	fs.SetOutput(out)
	o := &options{}
	fs.StringVar(&o.configPath, "config", "", "Path to configuration file (watched for hot-reloadable changes)")
	fs.BoolVar(&o.showVersion, "version", false, "Print version information and exit")
	fs.StringVar(&o.logLevel, "log-level", "", "Override log level")
	fs.IntVar(&o.opsPort, "ops-port", 0, "Override ops server port")
	fs.StringVar(&o.storage, "storage", "", "Override storage backend (memory, badger)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *options) overrides() map[string]interface{} {
	overrides := make(map[string]interface{})
	if o.logLevel != "" {
		overrides["log.level"] = o.logLevel
	}
	if o.opsPort != 0 {
		overrides["ops.port"] = o.opsPort
	}
	if o.storage != "" {
		overrides["storage.type"] = o.storage
	}
	return overrides
}

// run starts the conductor and blocks until ctx is cancelled or a server fails.
func run(ctx context.Context, args []string, out io.Writer) error {
	opts, err := parseFlags(args, out)
	if err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Fprintln(out, version.String())
		return nil
	}

	cfg, err := config.Load(opts.configPath, opts.overrides())
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:     logger.ParseLevel(cfg.Log.Level),
		Format:    cfg.Log.Format,
		Output:    cfg.Log.Output,
		AddSource: cfg.Log.AddSource,
	})
	if err != nil {
		return fmt.Errorf("open log output: %w", err)
	}
	defer log.Close()
	logger.SetGlobal(log)

	log.Info("starting conductor",
		"version", version.Version,
		"git_commit", version.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
	)
	log.Debug("configuration loaded", "config", cfg.String())

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, tracing.Resource{
		ServiceName:    cfg.App.Name,
		ServiceVersion: version.Version,
		Environment:    cfg.App.Environment,
	}, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("tracing shutdown", "error", err)
		}
	}()

	store, err := openStore(cfg.Storage, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("close storage", "error", err)
		}
	}()

	m := metrics.NewManager(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Port:    cfg.Metrics.Port,
		Path:    cfg.Metrics.Path,
	})

	eng, err := engine.New(ctx, cfg, log, store, engine.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if cfg.Ops.Enabled {
		srv := api.NewHTTPServer(cfg, log, &api.Handlers{
			Health:  handlers.NewHealthHandler(eng),
			Metrics: m,
		})
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			return srv.Shutdown(context.Background())
		})
	} else if m.Enabled() {
		g.Go(func() error {
			log.Info("starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := m.StartServer(gctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	if opts.configPath != "" {
		w, err := config.NewWatcher(opts.configPath, config.NewLoader(), config.WithWatcherLogger(log))
		if err != nil {
			log.Warn("config hot reload disabled", "error", err)
		} else {
			watchHotReload(w, cfg, eng, log)
			g.Go(func() error {
				if err := w.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Warn("config watcher stopped", "error", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				return w.Stop()
			})
		}
	}

	log.Info("conductor is running",
		"ops", cfg.Ops.Enabled,
		"ops_port", cfg.Ops.Port,
		"metrics", m.Enabled(),
	)

	runErr := g.Wait()
	if runErr != nil {
		log.Error("shutting down after failure", "error", runErr)
	} else {
		log.Info("shutting down")
	}

	stopTimeout := cfg.Ops.ShutdownTimeout
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := eng.Stop(stopCtx); err != nil {
		log.Error("engine shutdown", "error", err)
		runErr = errors.Join(runErr, err)
	}

	log.Info("conductor stopped")
	return runErr
}

func openStore(cfg config.StorageConfig, log logger.Logger) (engine.Store, error) {
	switch cfg.Type {
	case "badger":
		store, err := badger.NewBadgerStorage(&badger.Config{
			Path:              cfg.Badger.Path,
			InMemory:          cfg.Badger.InMemory,
			SyncWrites:        cfg.Badger.SyncWrites,
			ValueLogFileSize:  cfg.Badger.ValueLogFileSize,
			NumVersionsToKeep: cfg.Badger.NumVersionsToKeep,
		})
		if err != nil {
			return nil, fmt.Errorf("open badger storage: %w", err)
		}
		log.Info("badger storage opened", "path", cfg.Badger.Path, "in_memory", cfg.Badger.InMemory)
		return store, nil
	default:
		log.Info("memory storage initialized")
		return memory.NewMemoryStorage(), nil
	}
}

// watchHotReload applies the hot-reloadable part of every reloaded
// configuration to eng.
func watchHotReload(w *config.Watcher, initial *config.Config, eng *engine.Engine, log logger.Logger) {
	var mu sync.Mutex
	current := config.ExtractHotReloadable(initial)
	w.OnChange(func(next *config.Config) {
		mu.Lock()
		defer mu.Unlock()
		upd := config.ExtractHotReloadable(next)
		if !current.Changed(upd) {
			return
		}
		if err := eng.ApplyHotReload(current, upd); err != nil {
			log.Warn("hot reload partially applied", "error", err)
		}
		log.Info("hot-reloadable configuration applied",
			"log_level", upd.LogLevel,
			"purposes_threshold", upd.PurposesThreshold,
			"items_per_second", upd.ItemsPerSecond,
		)
		current = upd
	})
}
