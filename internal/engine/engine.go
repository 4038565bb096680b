// Package engine wires the notification core together: configuration
// resolution, operation tracking, batching/rate limiting, analytics, and
// the shared scheduler, behind one explicitly constructed object.
package engine

import (
	"context"
	"fmt"
	"time"

	"noticore/internal/analytics"
	"noticore/internal/config"
	"noticore/internal/dispatch"
	"noticore/internal/eventbus"
	"noticore/internal/notify"
	"noticore/internal/registry"
	"noticore/internal/resolver"
	"noticore/internal/runtime/supervisor"
	"noticore/internal/sched"
	"noticore/internal/storage"
	"noticore/pkg/logx"
)

type Engine struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	logs *logx.Service
	log  logx.Logger

	bus   eventbus.Bus
	store storage.Store
	sched *sched.Service
	stats *analytics.Aggregator
	res   *resolver.Resolver
	disp  *dispatch.Service
	reg   *registry.Registry
}

// New loads the config file and constructs every component. Nothing runs
// until Start.
func New(cfgPath string, sink notify.Sink) (*Engine, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "engine"))

	bus := eventbus.New()

	var store storage.Store
	if cfg.Storage != nil {
		busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			return nil, err
		}
		store, err = storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
		}, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
	}

	schedSvc := sched.New(sched.Config{
		Timezone: cfg.Scheduler.Timezone,
	}, log.With(logx.String("comp", "sched")))

	stats := analytics.New(store, log.With(logx.String("comp", "analytics")))

	seed := resolver.DefaultGlobalConfig()
	if cfg.Notifications != nil {
		seed = cfg.Notifications.Clone()
	}
	res := resolver.New(seed, store, stats, bus, schedSvc, log.With(logx.String("comp", "resolver")))

	dcfg, err := dispatchConfig(cfg.Dispatch)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dcfg, res, sink, schedSvc, stats, bus, log.With(logx.String("comp", "dispatch")))

	rcfg, err := registryConfig(cfg.Registry)
	if err != nil {
		return nil, err
	}
	reg := registry.New(rcfg, schedSvc, disp, bus, log.With(logx.String("comp", "registry")))

	return &Engine{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		logs:    logs,
		log:     log,
		bus:     bus,
		store:   store,
		sched:   schedSvc,
		stats:   stats,
		res:     res,
		disp:    disp,
		reg:     reg,
	}, nil
}

func dispatchConfig(c *config.DispatchConfig) (dispatch.Config, error) {
	if c == nil {
		return dispatch.Config{}, nil
	}
	retryBase, err := config.ParseDurationField("dispatch.retry_base", c.RetryBase)
	if err != nil {
		return dispatch.Config{}, err
	}
	retryMax, err := config.ParseDurationField("dispatch.retry_max_delay", c.RetryMaxDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	notifyTimeout, err := config.ParseDurationField("dispatch.notify_timeout", c.NotifyTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		QueueSize:         c.QueueSize,
		Workers:           c.Workers,
		OutboundPerSecond: c.RatePerSec,
		MaxAttempts:       c.RetryMax,
		RetryBase:         retryBase,
		RetryMax:          retryMax,
		NotifyTimeout:     notifyTimeout,
		HistorySize:       c.HistorySize,
	}, nil
}

func registryConfig(c *config.RegistryConfig) (registry.Config, error) {
	if c == nil {
		return registry.Config{}, nil
	}
	retention, err := config.ParseDurationField("registry.retention", c.Retention)
	if err != nil {
		return registry.Config{}, err
	}
	heartbeat, err := config.ParseDurationField("registry.heartbeat", c.Heartbeat)
	if err != nil {
		return registry.Config{}, err
	}
	out := registry.Config{
		Retention:      retention,
		HeartbeatEvery: heartbeat,
		ProgressStep:   c.ProgressStep,
	}
	if c.Heartbeat != "" && heartbeat == 0 {
		out.HeartbeatEvery = -1 // explicit "0s" disables
	}
	for i, raw := range c.Intervals {
		d, err := config.ParseDurationField(fmt.Sprintf("registry.intervals[%d]", i), raw)
		if err != nil {
			return registry.Config{}, err
		}
		if d > 0 {
			out.Intervals = append(out.Intervals, d)
		}
	}
	return out, nil
}

// Accessors for surfaces the embedder drives directly.
func (e *Engine) Resolver() *resolver.Resolver     { return e.res }
func (e *Engine) Registry() *registry.Registry     { return e.reg }
func (e *Engine) Analytics() *analytics.Aggregator { return e.stats }
func (e *Engine) Dispatch() *dispatch.Service      { return e.disp }
func (e *Engine) Bus() eventbus.Bus                { return e.bus }

// Done is closed when the engine supervisor context is canceled (fatal
// error or Stop).
func (e *Engine) Done() <-chan struct{} {
	if e.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return e.sup.Context().Done()
}

func (e *Engine) Err() error {
	if e.sup == nil {
		return nil
	}
	return e.sup.Err()
}

func (e *Engine) Start(ctx context.Context) error {
	e.sup = supervisor.New(ctx, supervisor.WithLogger(e.log), supervisor.WithCancelOnError(true))
	runCtx := e.sup.Context()

	// Persisted state wins over file seeds.
	e.stats.Load(runCtx)
	e.res.Load(runCtx)

	e.sched.Start(runCtx)
	e.disp.Start(runCtx)

	if err := e.sched.Recurring("analytics.persist", "@every 5m", func(c context.Context) {
		e.stats.Persist(c)
	}); err != nil {
		return err
	}
	if err := e.sched.Recurring("engine.heartbeat", "@every 30s", func(c context.Context) {
		e.log.Debug("engine heartbeat",
			logx.Int("active_ops", e.reg.ActiveCount()),
			logx.Int("queue_depth", e.disp.QueueDepth()),
			logx.Int("pending_timers", e.sched.Pending()),
		)
	}); err != nil {
		return err
	}

	// transactional config reload: validate before commit/publish
	e.cfgm.SetLogger(e.log.With(logx.String("comp", "config")))
	e.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if tz := cfg.Scheduler.Timezone; tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
			}
		}
		return cfg.Validate()
	})

	// hot reload fan-out
	sub := e.cfgm.Subscribe(8)
	e.sup.Go0("config.reload", func(c context.Context) {
		defer e.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				e.applyReload(newCfg)
			}
		}
	})
	e.sup.Go("config.watch", func(c context.Context) error {
		return e.cfgm.Watch(c)
	})

	e.log.Info("engine started")
	return nil
}

// applyReload applies the hot-reloadable subset of the file config:
// logging and the notification seed. Pipeline sizing stays fixed until
// restart.
func (e *Engine) applyReload(cfg *config.Config) {
	e.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigApplied, Data: map[string]any{
			"path": e.cfgPath,
		}})
	}
	e.log.Info("config reloaded", logx.String("path", e.cfgPath))
}

func (e *Engine) Stop(ctx context.Context) error {
	if e.sup == nil {
		return nil
	}
	e.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	e.sup.Cancel()

	// Each shutdown step gets an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				e.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			e.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			e.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("dispatch", 3*time.Second, func(c context.Context) error { return e.disp.Stop(c) })
	step("sched", 2*time.Second, func(c context.Context) error { e.sched.Stop(c); return nil })
	step("analytics", 2*time.Second, func(c context.Context) error { e.stats.Persist(c); return nil })
	if e.store != nil {
		step("storage", 2*time.Second, func(context.Context) error { return e.store.Close() })
	}
	step("supervisor", 2*time.Second, func(c context.Context) error { return e.sup.Wait(c) })

	e.log.Info("stopped")
	_ = e.logs.Close()
	return nil
}
