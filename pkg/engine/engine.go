// Package engine wires the template registry, purpose resolver, context store,
// orchestrator, request service, batch processor and scheduler into one
// running conductor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/goclaw/conductor/config"
	"github.com/goclaw/conductor/pkg/batch"
	"github.com/goclaw/conductor/pkg/eventbus"
	"github.com/goclaw/conductor/pkg/execctx"
	"github.com/goclaw/conductor/pkg/ids"
	"github.com/goclaw/conductor/pkg/logger"
	"github.com/goclaw/conductor/pkg/metrics"
	"github.com/goclaw/conductor/pkg/notify"
	"github.com/goclaw/conductor/pkg/orchestrator"
	"github.com/goclaw/conductor/pkg/purpose"
	"github.com/goclaw/conductor/pkg/request"
	"github.com/goclaw/conductor/pkg/schedule"
	"github.com/goclaw/conductor/pkg/template"
)

// Store is the persistence the engine runs on. Both storage backends satisfy it.
type Store interface {
	template.Repository
	request.Repository
	batch.Repository
	schedule.Repository
	schedule.StatsRepository
	Close() error
}

// Engine is the composed conductor.
type Engine struct {
	cfg    *config.Config
	logger logger.Logger
	store  Store

	metrics     *metrics.Manager
	redisClient redis.Cmdable
	ownedRedis  *redis.Client
	clients     map[template.ServiceType]orchestrator.Client
	extraSinks  []notify.Sink
	now         func() time.Time

	ids       *ids.Generator
	templates *template.Registry
	purposes  *purpose.Resolver
	contexts  execctx.Store
	sweeper   *execctx.MemoryStore
	bus       *eventbus.MemoryBus
	publisher *eventbus.Publisher
	events    eventbus.Emitter
	sink      notify.Sink
	notifier  *notify.Dispatcher
	orch      *orchestrator.Orchestrator
	requests  *request.Service
	batches   *batch.Processor
	stats     *schedule.Statistics
	scheduler *schedule.Scheduler

	state     atomic.Int32
	startedAt atomic.Int64
	mu        sync.Mutex
	cancel    context.CancelFunc
	loops     sync.WaitGroup
}

// New builds an engine from cfg on top of store. The engine does not own
// store; the caller closes it after Stop.
func New(ctx context.Context, cfg *config.Config, log logger.Logger, store Store, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("engine: config cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("engine: store cannot be nil")
	}
	if log == nil {
		log = logger.Global()
	}
	e := &Engine{
		cfg:     cfg,
		logger:  log.With("component", "engine"),
		store:   store,
		metrics: metrics.NoOpManager(),
		clients: make(map[template.ServiceType]orchestrator.Client),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ids = ids.NewGenerator(cfg.IDs.Source)
	e.ids.Now = e.now

	if err := e.build(ctx); err != nil {
		e.closeRedis()
		return nil, err
	}
	return e, nil
}

// Start starts the scheduler and the context retention sweep.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if State(e.state.Load()) == StateRunning {
		return fmt.Errorf("engine is already running")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if e.cfg.Scheduler.Enabled {
		if err := e.scheduler.Start(runCtx); err != nil {
			cancel()
			e.state.Store(int32(StateError))
			return fmt.Errorf("start scheduler: %w", err)
		}
	}
	if e.sweeper != nil && e.cfg.Context.SweepInterval > 0 {
		e.loops.Add(1)
		go e.sweepLoop(runCtx, e.cfg.Context.SweepInterval)
	}

	e.cancel = cancel
	e.startedAt.Store(e.now().UnixNano())
	e.state.Store(int32(StateRunning))
	e.logger.Info("engine started",
		"storage", e.cfg.Storage.Type,
		"context_store", e.cfg.Context.Store,
		"scheduler", e.cfg.Scheduler.Enabled,
		"events", e.cfg.Events.Enabled,
	)
	return nil
}

// Stop stops accepting work, halts the scheduler and waits for active
// batches and pending notifications until ctx is done.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if State(e.state.Load()) != StateRunning {
		return nil
	}
	e.state.Store(int32(StateStopped))

	e.scheduler.Stop()
	if e.cancel != nil {
		e.cancel()
	}
	e.loops.Wait()

	var errs []error
	if err := e.batches.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close batch processor: %w", err))
	}
	done := make(chan struct{})
	go func() {
		e.notifier.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for notifications: %w", ctx.Err()))
	}
	e.closeRedis()

	e.logger.Info("engine stopped")
	return errors.Join(errs...)
}

func (e *Engine) closeRedis() {
	if e.ownedRedis == nil {
		return
	}
	if err := e.ownedRedis.Close(); err != nil {
		e.logger.Warn("close redis client", "error", err)
	}
	e.ownedRedis = nil
}

func (e *Engine) sweepLoop(ctx context.Context, interval time.Duration) {
	defer e.loops.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.sweeper.Sweep(e.now()); n > 0 {
				e.logger.Debug("expired contexts swept", "count", n)
			}
		}
	}
}

// State returns the current state of the engine.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) running() error {
	if s := e.State(); s != StateRunning {
		return &EngineNotRunningError{State: s}
	}
	return nil
}

// IsHealthy returns true if the engine is running.
func (e *Engine) IsHealthy() bool {
	return e.State() == StateRunning
}

// IsReady returns true if the engine is running and can reach its Redis
// dependencies.
func (e *Engine) IsReady() bool {
	if !e.IsHealthy() {
		return false
	}
	if e.redisClient == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return e.redisClient.Ping(ctx).Err() == nil
}

// GetStatus returns detailed engine status.
func (e *Engine) GetStatus() *Status {
	st := &Status{
		State:         e.State().String(),
		Version:       e.cfg.App.Version,
		ActiveBatches: e.batches.Active(),
		Purposes:      e.purposes.Catalog().Len(),
	}
	if started := e.startedAt.Load(); started > 0 && e.State() == StateRunning {
		st.Uptime = e.now().Sub(time.Unix(0, started)).Round(time.Second).String()
	}
	if e.publisher != nil {
		st.EventsDegraded = e.publisher.Degraded()
	}
	if list, err := e.store.ListTemplates(context.Background(), template.Filter{}); err == nil {
		st.Templates = len(list)
	}
	return st
}
