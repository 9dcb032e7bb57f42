package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"postpilot/internal/config"
	"postpilot/internal/eventbus"
	"postpilot/internal/notifier"
	"postpilot/internal/observability/metrics"
	"postpilot/internal/observability/ops"
	"postpilot/internal/platform"
	"postpilot/internal/post"
	rtsup "postpilot/internal/runtime/supervisor"
	"postpilot/internal/storage"
	"postpilot/internal/task/engine"
	"postpilot/internal/task/scheduler"
	"postpilot/internal/transport/telegram"
	logx "postpilot/pkg/logx"
	"postpilot/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	driver   string
	registry *platform.Registry
	metrics  *metrics.Metrics
	posts    *post.Scheduler

	engine *engine.Service
	sched  *scheduler.Service
	notif  *notifier.Service
	ops    *ops.Server

	// guarded by mu; mutated only by the reload loop after Start
	mu       sync.Mutex
	tg       *telegram.Client
	tgCfg    telegram.Config
	cycle    cycleConfig
	notifCfg notifier.Config

	startedAt time.Time
	lastCycle atomic.Pointer[CycleStatus]
}

// CycleStatus is the outcome of the most recent due cycle.
type CycleStatus struct {
	At     time.Time        `json:"at"`
	Report post.CycleReport `json:"report"`
	Err    string           `json:"error,omitempty"`
}

type options struct {
	clock    post.Clock
	adapters map[string]platform.Adapter
}

type Option func(*options)

// WithClock replaces the wall clock used for scheduling decisions.
func WithClock(c post.Clock) Option { return func(o *options) { o.clock = c } }

// WithAdapter registers a real adapter for name in place of the simulated one.
func WithAdapter(name string, a platform.Adapter) Option {
	return func(o *options) {
		if o.adapters == nil {
			o.adapters = map[string]platform.Adapter{}
		}
		o.adapters[name] = a
	}
}

// New loads the config at cfgPath and builds every component without
// starting background work. Storage is opened and migrated here.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	// Mappers cannot fail after validateConfig.
	logCfg, _ := mapLoggingConfig(cfg)
	tgCfg, tgOK, _ := mapTelegramConfig(cfg)
	engCfg, _ := mapTaskEngineConfig(cfg)
	cycle, _ := mapCycleConfig(cfg)
	postCfg, _ := mapDispatchConfig(cfg)
	storeCfg, _ := mapStorageConfig(cfg)
	platCfgs, _ := mapPlatformConfigs(cfg)
	notifCfg, _ := mapNotifierConfig(cfg)
	opsCfg, _ := mapOpsConfig(cfg)

	// Alerts start disabled until the transport exists, then Apply turns them on.
	bootLogCfg := logCfg
	bootLogCfg.Alerts.Enabled = false
	logs, log := logx.New(bootLogCfg, nil)

	var tg *telegram.Client
	if tgOK {
		tg, err = telegram.New(tgCfg, log)
		if err != nil {
			_ = logs.Close()
			return nil, fmt.Errorf("telegram: %w", err)
		}
		logs.SetSender(tg)
	}
	logs.Apply(logCfg)

	store, err := storage.Open(ctx, storeCfg, log)
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	reg := platform.NewRegistry()
	if err := platform.RegisterSimulated(reg, platCfgs); err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}
	for name, a := range o.adapters {
		reg.Register(name, a)
	}

	bus := eventbus.New()
	m := metrics.New()

	postOpts := []post.Option{
		post.WithConfig(postCfg),
		post.WithLogger(log.With(logx.String("comp", "posts"))),
		post.WithBus(bus),
		post.WithMetrics(m),
	}
	if o.clock != nil {
		postOpts = append(postOpts, post.WithClock(o.clock))
	}
	posts := post.NewScheduler(store, store, reg, postOpts...)

	engSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)
	schedSvc := scheduler.New(cycle.Scheduler, engSvc, log.With(logx.String("comp", "scheduler")))

	var sender notifier.Sender
	if tg != nil {
		sender = tg
	}
	notif := notifier.New(notifCfg, sender, log)

	a := &App{
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logs,
		bus:      bus,
		store:    store,
		driver:   storeCfg.Driver,
		registry: reg,
		metrics:  m,
		posts:    posts,
		engine:   engSvc,
		sched:    schedSvc,
		notif:    notif,
		tg:       tg,
		tgCfg:    tgCfg,
		cycle:    cycle,
		notifCfg: notifCfg,
	}
	a.ops = ops.New(opsCfg, ops.Deps{
		Registry: m.Registry(),
		Ready:    store.Ping,
		Status:   func() any { return a.Status() },
	}, log)

	if err := schedSvc.AddSchedule(cycleTask, cycle.Schedule, cycle.Timeout, a.runCycle); err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, fmt.Errorf("scheduler.cycle_schedule: %w", err)
	}
	return a, nil
}

// Posts is the lifecycle API (scheduling, listing, rescheduling, accounts).
func (a *App) Posts() *post.Scheduler { return a.posts }

// Bus exposes domain events for in-process subscribers.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// RunCycle runs one due cycle inline, bypassing the trigger and engine.
func (a *App) RunCycle(ctx context.Context) (post.CycleReport, error) {
	rep, err := a.posts.RunDueCycle(ctx)
	a.recordCycle(rep, err)
	return rep, err
}

// TriggerCycle enqueues a due cycle on the engine now. It shares the
// overlap guard with scheduled ticks.
func (a *App) TriggerCycle() error { return a.sched.Trigger(cycleTask) }

func (a *App) runCycle(ctx context.Context) error {
	_, err := a.RunCycle(ctx)
	var se *post.StoreError
	if err != nil && !errors.As(err, &se) {
		// Only storage failures are worth an engine retry.
		return engine.NoRetry(err)
	}
	return err
}

func (a *App) recordCycle(rep post.CycleReport, err error) {
	st := &CycleStatus{At: time.Now(), Report: rep}
	if err != nil {
		st.Err = err.Error()
	}
	a.lastCycle.Store(st)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.startedAt = time.Now()
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateConfig(cfg) })

	// The notifier outlives the run context so Stop can drain it.
	a.notif.Start(context.WithoutCancel(runCtx))
	a.sup.Go0("notifier.watch", func(c context.Context) { a.notif.Watch(c, a.bus) })

	if a.engine.Enabled() {
		a.engine.Start(runCtx)
	}
	a.sched.Start(runCtx)
	a.ops.Start(runCtx)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := systemd.Watchdog(c, a.store.Ping); err != nil {
			a.log.Warn("systemd watchdog stopped", logx.Err(err))
		}
	})

	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started",
		logx.String("storage", a.driver),
		logx.String("platforms", strings.Join(a.registry.Names(), ",")),
		logx.Bool("scheduler", a.sched.Enabled()),
	)
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes a validated config into the running components.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
	if config.RestartRequired(sections) {
		a.log.Warn("storage or platform config changed; restart required for those changes to take effect")
	}

	logCfg, _ := mapLoggingConfig(newCfg)
	a.applyTelegram(newCfg)
	a.logs.Apply(logCfg)

	// Apply starts, stops or resizes the worker pool as needed.
	engCfg, _ := mapTaskEngineConfig(newCfg)
	a.engine.Apply(ctx, engCfg)

	cycle, _ := mapCycleConfig(newCfg)
	a.mu.Lock()
	prevCycle := a.cycle
	a.cycle = cycle
	a.mu.Unlock()
	if cycle.Schedule != prevCycle.Schedule || cycle.Timeout != prevCycle.Timeout {
		if err := a.sched.AddSchedule(cycleTask, cycle.Schedule, cycle.Timeout, a.runCycle); err != nil {
			a.log.Warn("cycle schedule update failed", logx.Err(err))
		}
	}
	prevSched := a.sched.Enabled()
	a.sched.Apply(cycle.Scheduler)
	switch {
	case prevSched && !cycle.Scheduler.Enabled:
		a.log.Info("scheduler disabled via config")
		a.stopWithin(ctx, 3*time.Second, a.sched.Stop)
	case !prevSched && cycle.Scheduler.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	postCfg, _ := mapDispatchConfig(newCfg)
	a.posts.Apply(postCfg)

	notifCfg, _ := mapNotifierConfig(newCfg)
	a.mu.Lock()
	prevNotif := a.notifCfg
	a.notifCfg = notifCfg
	a.mu.Unlock()
	a.notif.Apply(notifCfg)
	switch {
	case prevNotif.Enabled && !notifCfg.Enabled:
		a.log.Info("notifier disabled via config")
		a.stopWithin(ctx, 3*time.Second, a.notif.Stop)
	case !prevNotif.Enabled && notifCfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(context.WithoutCancel(ctx))
	}

	opsCfg, _ := mapOpsConfig(newCfg)
	a.ops.Reconfigure(ctx, opsCfg)

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

// applyTelegram rebuilds the outbound client when its settings changed and
// hands it to the alert sink and the notifier.
func (a *App) applyTelegram(cfg *config.Config) {
	tgCfg, ok, _ := mapTelegramConfig(cfg)
	a.mu.Lock()
	defer a.mu.Unlock()
	if ok && a.tg != nil && tgCfg == a.tgCfg {
		return
	}
	if !ok {
		if a.tg != nil {
			a.log.Info("telegram disabled via config")
		}
		a.tg, a.tgCfg = nil, telegram.Config{}
		a.logs.SetSender(nil)
		a.notif.SetSender(nil)
		return
	}
	tg, err := telegram.New(tgCfg, a.log)
	if err != nil {
		a.log.Warn("telegram client rebuild failed; keeping previous", logx.Err(err))
		return
	}
	a.tg, a.tgCfg = tg, tgCfg
	a.logs.SetSender(tg)
	a.notif.SetSender(tg)
}

func (a *App) stopWithin(ctx context.Context, d time.Duration, stop func(context.Context)) {
	c, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	stop(c)
}

// Status is the JSON document served on /status.
type Status struct {
	StartedAt     time.Time              `json:"started_at"`
	Storage       string                 `json:"storage"`
	Platforms     []string               `json:"platforms"`
	LastCycle     *CycleStatus           `json:"last_cycle,omitempty"`
	Engine        engine.Snapshot        `json:"engine"`
	Scheduler     scheduler.Snapshot     `json:"scheduler"`
	Notifications []notifier.HistoryItem `json:"notifications,omitempty"`
	Supervisor    *rtsup.Snapshot        `json:"supervisor,omitempty"`
	EventsDropped uint64                 `json:"events_dropped"`
}

func (a *App) Status() Status {
	st := Status{
		StartedAt:     a.startedAt,
		Storage:       a.driver,
		Platforms:     a.registry.Names(),
		LastCycle:     a.lastCycle.Load(),
		Engine:        a.engine.Snapshot(),
		Scheduler:     a.sched.Snapshot(),
		Notifications: a.notif.Snapshot(),
		EventsDropped: eventbus.Dropped(a.bus),
	}
	if a.sup != nil {
		snap := a.sup.Snapshot()
		st.Supervisor = &snap
	}
	return st
}

// Close releases storage and logging for an App that was never started.
func (a *App) Close() error {
	err := a.store.Close()
	_ = a.logs.Close()
	return err
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	// Cancel first so background loops start unwinding. An in-flight cycle
	// records publishes already issued and leaves the rest due.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

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
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			// fn must honor stepCtx; report the leak and keep going.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
