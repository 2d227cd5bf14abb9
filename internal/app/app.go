package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"

	"github.com/canislupaster/arugobot-improved-sub003/internal/config"
	"github.com/canislupaster/arugobot-improved-sub003/internal/contests"
	"github.com/canislupaster/arugobot-improved-sub003/internal/coordinator"
	"github.com/canislupaster/arugobot-improved-sub003/internal/dispatch"
	"github.com/canislupaster/arugobot-improved-sub003/internal/eventbus"
	rtsup "github.com/canislupaster/arugobot-improved-sub003/internal/runtime/supervisor"
	"github.com/canislupaster/arugobot-improved-sub003/internal/storage"
	"github.com/canislupaster/arugobot-improved-sub003/internal/task/scheduler"
	kit "github.com/canislupaster/arugobot-improved-sub003/internal/transport"
	telegram "github.com/canislupaster/arugobot-improved-sub003/internal/transport/telegram/adapter"
	"github.com/canislupaster/arugobot-improved-sub003/internal/transport/telegram/router"
	"github.com/canislupaster/arugobot-improved-sub003/internal/upstream"
	logx "github.com/canislupaster/arugobot-improved-sub003/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor
	sups *rtsup.Registry

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   *storage.Store
	adapter kit.Adapter
	client  *upstream.Client
	cache   *contests.Cache
	engine  *dispatch.Engine
	coord   *coordinator.Coordinator
	sched   *scheduler.Service
	router  *router.Router
	admin   *admin

	tickJob scheduler.Job
	updates chan kit.Update
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	adCfg, err := mapAdapterConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(adCfg, bootLog)
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogConfig(cfg), ad)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	if strings.TrimSpace(cfg.Telegram.LogChat) != "" && mapLogConfig(cfg).Chat.Target.ChatID == 0 {
		log.Warn("telegram.log_chat is not a chat id; chat logging disabled", logx.String("log_chat", cfg.Telegram.LogChat))
	}

	a, err := build(ctx, cfg, ad, log)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	a.cfgm = cfgm
	a.logs = logs
	return a, nil
}

// build wires the components behind the messaging adapter.
func build(ctx context.Context, cfg *config.Config, ad kit.Adapter, log logx.Logger) (*App, error) {
	stCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, stCfg, log.With(logx.String("comp", "storage")))
	if errors.Is(err, storage.ErrDisabled) {
		return nil, errors.New("storage.driver none is not supported: the ledger and instance lock need a database")
	}
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a, err := assemble(cfg, store, ad, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func assemble(cfg *config.Config, store *storage.Store, ad kit.Adapter, log logx.Logger) (*App, error) {
	upCfg, err := mapUpstreamConfig(cfg)
	if err != nil {
		return nil, err
	}
	cacheCfg, err := mapCacheConfig(cfg)
	if err != nil {
		return nil, err
	}
	dCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	coCfg, err := mapCoordinatorConfig(cfg, uuid.NewString(), os.Getpid())
	if err != nil {
		return nil, err
	}
	_, _, tickTimeout, err := cfg.LockTimings()
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	client := upstream.New(upCfg, log.With(logx.String("comp", "upstream")))
	cache := contests.New(cacheCfg, client, store, log.With(logx.String("comp", "contests")))
	engine, err := dispatch.New(dCfg, dispatch.Deps{
		Subscriptions: store,
		Ledger:        store,
		Contests:      cache,
		Messenger:     ad,
		Bus:           bus,
	}, log)
	if err != nil {
		client.Close()
		return nil, err
	}
	coord, err := coordinator.New(coCfg, store, bus, log)
	if err != nil {
		client.Close()
		return nil, err
	}

	sched := scheduler.New(mapSchedulerConfig(cfg), log.With(logx.String("comp", "scheduler")))
	tickJob := func(ctx context.Context) error {
		_, err := engine.Tick(ctx)
		if errors.Is(err, dispatch.ErrTickInProgress) {
			return scheduler.ErrSkipped
		}
		return err
	}
	if err := sched.AddSchedule(tickScheduleName, tickSchedule(cfg), tickTimeout, tickJob, scheduler.Options{Gate: coord.IsLeader}); err != nil {
		client.Close()
		return nil, fmt.Errorf("dispatch.tick: %w", err)
	}

	r := router.New(ad, log, router.Options{})
	r.SetOwners(cfg.Telegram.OwnerUserIDs)

	a := &App{
		sups:    rtsup.NewRegistry(),
		log:     log,
		bus:     bus,
		store:   store,
		adapter: ad,
		client:  client,
		cache:   cache,
		engine:  engine,
		coord:   coord,
		sched:   sched,
		router:  r,
		tickJob: tickJob,
		updates: make(chan kit.Update, 256),
	}
	a.admin = &admin{
		store:     store,
		cache:     cache,
		engine:    engine,
		coord:     coord,
		client:    client,
		sched:     sched,
		sups:      a.sups,
		messenger: ad,
		now:       time.Now,
	}
	a.admin.register(r)
	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "supervisor"))), rtsup.WithCancelOnError(false))
	a.sups.Set("app", a.sup)

	if a.cfgm != nil {
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			if _, err := scheduler.ParseSchedule(tickSchedule(cfg)); err != nil {
				return fmt.Errorf("dispatch.tick: %w", err)
			}
			_, err := mapDispatchConfig(cfg)
			return err
		})
	}

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if sp, ok := a.adapter.(interface{ Supervisor() *rtsup.Supervisor }); ok {
		a.sups.Set("telegram.adapter", sp.Supervisor())
	}

	a.sup.Go("coordinator", a.coord.Run)
	a.sup.Go("commands.router", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})
	a.sched.Start(a.sup.Context())

	if a.bus != nil {
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
					a.logEvent(e)
				}
			}
		})
	}

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			lastApplied := a.cfgm.Get()
			for {
				select {
				case <-c.Done():
					return
				case newCfg, ok := <-sub:
					if !ok {
						return
					}
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
					a.applyConfig(lastApplied, newCfg)
					lastApplied = newCfg
				}
			}
		})
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	if every, err := daemon.SdWatchdogEnabled(false); err == nil && every > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			t := time.NewTicker(every / 2)
			defer t.Stop()
			for {
				select {
				case <-c.Done():
					return
				case <-t.C:
					_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				}
			}
		})
	}
	a.log.Info("app started", logx.String("owner_id", a.coord.OwnerID()))
	return nil
}

func (a *App) logEvent(e eventbus.Event) {
	switch d := e.Data.(type) {
	case dispatch.Delivery:
		a.log.Debug("event",
			logx.String("type", e.Type),
			logx.String("subscription", d.SubscriptionID),
			logx.Int64("contest_id", d.ContestID),
			logx.String("reason", d.Reason),
		)
	default:
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}

// applyConfig pushes hot-reloadable sections into the running components.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range restart {
		a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
	}

	if a.logs != nil {
		a.logs.Apply(mapLogConfig(newCfg))
	}
	a.router.SetOwners(newCfg.Telegram.OwnerUserIDs)

	if cc, err := mapCacheConfig(newCfg); err != nil {
		a.log.Warn("invalid cache config; keeping previous", logx.Err(err))
	} else {
		a.cache.Apply(cc)
	}
	if dc, err := mapDispatchConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(dc)
	}
	a.sched.Apply(mapSchedulerConfig(newCfg))
	a.applyTick(oldCfg, newCfg)

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// applyTick re-registers the tick when its schedule or timeout changed.
func (a *App) applyTick(oldCfg, newCfg *config.Config) {
	if tickSchedule(oldCfg) == tickSchedule(newCfg) && oldCfg.Dispatch.TickTimeout == newCfg.Dispatch.TickTimeout {
		return
	}
	_, _, timeout, err := newCfg.LockTimings()
	if err == nil {
		err = a.sched.AddSchedule(tickScheduleName, tickSchedule(newCfg), timeout, a.tickJob, scheduler.Options{Gate: a.coord.IsLeader})
	}
	if err != nil {
		a.log.Warn("dispatch tick not rescheduled; keeping previous", logx.Err(err))
		return
	}
	a.log.Info("dispatch tick rescheduled", logx.String("schedule", tickSchedule(newCfg)), logx.Duration("timeout", timeout))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Bounded by max and by the caller's deadline.
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
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// The scheduler goes first so no tick starts while the lock is released.
	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("adapter", 3*time.Second, a.adapter.Stop)
	// Cancels the coordinator (which releases the lock), router and config loops.
	step("supervisor", 5*time.Second, a.sup.Stop)
	step("upstream", time.Second, func(context.Context) error { a.client.Close(); return nil })
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
