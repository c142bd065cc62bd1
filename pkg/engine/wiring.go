package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/goclaw/conductor/config"
	"github.com/goclaw/conductor/pkg/batch"
	"github.com/goclaw/conductor/pkg/capability"
	"github.com/goclaw/conductor/pkg/eventbus"
	"github.com/goclaw/conductor/pkg/execctx"
	"github.com/goclaw/conductor/pkg/notify"
	"github.com/goclaw/conductor/pkg/orchestrator"
	"github.com/goclaw/conductor/pkg/purpose"
	"github.com/goclaw/conductor/pkg/request"
	"github.com/goclaw/conductor/pkg/schedule"
	"github.com/goclaw/conductor/pkg/template"
)

// build constructs every component in dependency order.
func (e *Engine) build(ctx context.Context) error {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"templates", e.buildTemplates},
		{"purposes", e.buildPurposes},
		{"redis", e.buildRedis},
		{"contexts", e.buildContexts},
		{"events", e.buildEvents},
		{"capabilities", e.buildCapabilities},
		{"runtime", e.buildRuntime},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return &ComponentError{Component: step.name, Cause: err}
		}
	}
	return nil
}

func (e *Engine) buildTemplates(ctx context.Context) error {
	e.templates = template.NewRegistry(e.store,
		template.WithIDGenerator(e.ids),
		template.WithClock(e.now),
		template.WithLogger(e.logger.With("component", "template")),
	)
	path := e.cfg.Templates.SeedPath
	if path == "" {
		return nil
	}
	seeds, err := template.LoadFile(path)
	if err != nil {
		return err
	}
	if err := e.templates.Seed(ctx, seeds); err != nil {
		return fmt.Errorf("seed templates from %s: %w", path, err)
	}
	e.logger.Info("templates seeded", "path", path, "count", len(seeds))
	return nil
}

func (e *Engine) buildPurposes(context.Context) error {
	catalog := purpose.NewCatalog()
	if path := e.cfg.Purposes.CatalogPath; path != "" {
		purposes, err := purpose.LoadFile(path)
		if err != nil {
			return err
		}
		catalog.Replace(purposes)
		e.logger.Info("purpose catalog loaded", "path", path, "count", catalog.Len())
	}
	e.purposes = purpose.NewResolver(catalog, e.cfg.Purposes.Threshold)
	return nil
}

func (e *Engine) needsRedis() bool {
	return e.cfg.Context.Store == "redis" || (e.cfg.Events.Enabled && e.cfg.Events.Transport == "redis")
}

func (e *Engine) buildRedis(ctx context.Context) error {
	if e.redisClient != nil || !e.needsRedis() {
		return nil
	}
	rc := e.cfg.Redis
	client := redis.NewClient(&redis.Options{
		Addr:        rc.Address,
		Password:    rc.Password,
		DB:          rc.DB,
		DialTimeout: rc.DialTimeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, rc.DialTimeout+time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("connect to redis at %s: %w", rc.Address, err)
	}
	e.redisClient = client
	e.ownedRedis = client
	return nil
}

func (e *Engine) buildContexts(context.Context) error {
	switch e.cfg.Context.Store {
	case "redis":
		prefix := strings.TrimSuffix(e.cfg.Redis.KeyPrefix, ":") + ":ctx:"
		e.contexts = execctx.NewRedisStore(e.redisClient, prefix, e.ids)
	default:
		mem := execctx.NewMemoryStore(execctx.WithMemoryClock(e.now), execctx.WithMemoryIDs(e.ids))
		e.contexts = mem
		e.sweeper = mem
	}
	return nil
}

func (e *Engine) buildEvents(context.Context) error {
	ec := e.cfg.Events
	if !ec.Enabled {
		e.events = eventbus.Nop{}
	} else {
		var transport eventbus.Transport
		switch ec.Transport {
		case "redis":
			transport = eventbus.NewRedisTransport(e.redisClient)
		default:
			e.bus = eventbus.NewMemoryBus()
			transport = e.bus
		}
		retries := ec.Retry.MaxAttempts - 1
		if retries < 0 {
			retries = 0
		}
		pub, err := eventbus.NewPublisher(ec.NodeID, transport, eventbus.RetryConfig{
			MaxRetries:     retries,
			InitialBackoff: ec.Retry.InitialBackoff,
			MaxBackoff:     ec.Retry.MaxBackoff,
			BackoffFactor:  ec.Retry.Multiplier,
		},
			eventbus.WithTelemetry(e.metrics),
			eventbus.WithSchemaRouter(eventbus.DefaultSchemaRouter()),
			eventbus.WithClock(e.now),
		)
		if err != nil {
			return err
		}
		e.publisher = pub
		e.events = pub
	}

	sinks := notify.Multi{notify.LogSink{Logger: e.logger.With("component", "notify")}}
	if ec.Enabled {
		sinks = append(sinks, notify.BusSink{Emitter: e.events})
	}
	sinks = append(sinks, e.extraSinks...)
	e.sink = sinks
	e.notifier = notify.NewDispatcher(sinks, ec.NotifyTimeout, e.logger)
	return nil
}

func (e *Engine) buildCapabilities(context.Context) error {
	caps := e.cfg.Capabilities
	for _, c := range []struct {
		st  template.ServiceType
		cfg config.CapabilityConfig
	}{
		{template.ServiceGenerative, caps.Generative},
		{template.ServiceAnalysis, caps.Analysis},
		{template.ServiceCommunication, caps.Communication},
	} {
		if _, ok := e.clients[c.st]; ok || c.cfg.Endpoint == "" {
			continue
		}
		opts := make([]capability.HTTPOption, 0, len(c.cfg.Headers))
		for k, v := range c.cfg.Headers {
			opts = append(opts, capability.WithHeader(k, v))
		}
		name := strings.ToLower(string(c.st))
		e.clients[c.st] = capability.NewHTTPClient(name, c.cfg.Endpoint, c.cfg.Timeout, opts...)
	}
	for _, st := range template.ServiceTypes() {
		if _, ok := e.clients[st]; !ok {
			e.logger.Warn("no capability configured for service type", "service_type", st)
		}
	}
	return nil
}

func (e *Engine) buildRuntime(context.Context) error {
	e.orch = orchestrator.New(e.clients,
		orchestrator.WithMetrics(e.metrics),
		orchestrator.WithLogger(e.logger.With("component", "orchestrator")),
		orchestrator.WithClock(e.now),
	)

	retention := e.cfg.Context.Retention
	e.requests = request.New(request.Deps{
		Repository: e.store,
		Templates:  e.templates,
		Purposes:   e.purposes,
		Executor:   e.orch,
		Contexts:   e.contexts,
	},
		request.WithEvents(e.events),
		request.WithNotifier(e.notifier),
		request.WithIDGenerator(e.ids),
		request.WithMetrics(e.metrics),
		request.WithLogger(e.logger.With("component", "request")),
		request.WithClock(e.now),
		request.WithContextRetention(retention),
	)

	bc := e.cfg.Batch
	e.batches = batch.New(batch.Deps{
		Repository: e.store,
		Runner:     e.requests,
		Templates:  e.templates,
		Contexts:   e.contexts,
	}, batch.Config{
		MaxConcurrentItems: bc.MaxConcurrentItems,
		RetryLimit:         bc.RetryLimit,
		RetryBackoff:       bc.RetryBackoff,
		MaxRetryBackoff:    bc.MaxRetryBackoff,
		ItemsPerSecond:     bc.ItemsPerSecond,
		ProgressEvents:     bc.ProgressEvents,
	},
		batch.WithEvents(e.events),
		batch.WithNotifier(e.notifier),
		batch.WithDeliverer(batch.DestinationDeliverer{Sink: e.sink}),
		batch.WithIDGenerator(e.ids),
		batch.WithMetrics(e.metrics),
		batch.WithLogger(e.logger.With("component", "batch")),
		batch.WithClock(e.now),
		batch.WithContextRetention(retention),
	)

	loc, err := time.LoadLocation(e.cfg.Scheduler.Timezone)
	if err != nil {
		return fmt.Errorf("scheduler timezone: %w", err)
	}
	schedLog := e.logger.With("component", "schedule")
	e.stats = schedule.NewStatistics(e.store, schedLog)
	e.scheduler = schedule.New(e.store, e.batches, e.stats, schedule.Config{
		TickInterval: e.cfg.Scheduler.TickInterval,
		Location:     loc,
	},
		schedule.WithIDGenerator(e.ids),
		schedule.WithMetrics(e.metrics),
		schedule.WithLogger(schedLog),
		schedule.WithClock(e.now),
	)
	return nil
}

var (
	_ request.TemplateSource  = (*template.Registry)(nil)
	_ request.PurposeResolver = (*purpose.Resolver)(nil)
	_ batch.Runner            = (*request.Service)(nil)
	_ schedule.Submitter      = (*batch.Processor)(nil)
	_ orchestrator.Client     = (*capability.HTTPClient)(nil)
)
