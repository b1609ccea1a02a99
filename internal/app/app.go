// Package app wires configuration, storage, the instance controller, the
// Telegram transport, the schedule engine and the bot into one process.
package app

import (
	"context"
	"fmt"
	"time"

	"ec2toggle/internal/bot"
	"ec2toggle/internal/config"
	"ec2toggle/internal/engine"
	"ec2toggle/internal/notifier"
	"ec2toggle/internal/ops"
	"ec2toggle/internal/resource"
	rtsup "ec2toggle/internal/runtime/supervisor"
	"ec2toggle/internal/storage"
	"ec2toggle/internal/timer"
	kit "ec2toggle/internal/transport"
	"ec2toggle/internal/transport/telegram"
	logx "ec2toggle/pkg/logx"
)

type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	ctrl    resource.Controller
	adapter *telegram.Adapter
	notif   *notifier.Service
	timers  *timer.Heap
	engine  *engine.Engine
	auth    *bot.Auth
	router  *bot.Router
	bot     *bot.Bot
	ops     *ops.Server

	updates chan kit.Update
}

func New(ctx context.Context, cfgPath string) (*App, error) {
	if err := config.LoadDotEnv(cfgPath); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The chat sink needs the adapter, which needs a logger: start without a
	// sender and attach it below.
	logSvc, log := logx.New(mapLogConfig(cfg), nil)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	cmdTimeout, err := config.ParseDurationOrDefault("telegram.command_timeout", cfg.Telegram.CommandTimeout, time.Minute)
	if err != nil {
		return nil, err
	}
	loc, sweepEvery, err := schedulerSettings(cfg)
	if err != nil {
		return nil, err
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	scfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	ocfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}

	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}
	logSvc.SetSender(ad)

	store, err := storage.Open(scfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	ctrl, err := resource.Open(ctx, mapResourceConfig(cfg), log.With(logx.String("comp", "resource")))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open resource controller: %w", err)
	}

	notif := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")))
	timers := timer.NewHeap(log.With(logx.String("comp", "timer")))
	eng := engine.New(store, timers, ctrl, notif, engine.Options{
		Location:      loc,
		SweepInterval: sweepEvery,
		Logger:        log.With(logx.String("comp", "engine")),
	})

	auth := bot.NewAuth(cfg.Telegram.OwnerUserIDs, cfg.Telegram.AuthorizedChatIDs)
	router := bot.NewRouter(ad, auth, bot.RouterOptions{
		Workers: cfg.Telegram.Workers,
		Timeout: cmdTimeout,
		Logger:  log.With(logx.String("comp", "commands")),
	})

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		store:   store,
		ctrl:    ctrl,
		adapter: ad,
		notif:   notif,
		timers:  timers,
		engine:  eng,
		auth:    auth,
		router:  router,
		updates: make(chan kit.Update, 256),
	}
	a.bot = bot.New(eng, ctrl, router, bot.Options{
		Status: a.statusLines,
		Logger: log.With(logx.String("comp", "bot")),
	})
	a.bot.Register()
	a.ops = ops.New(ocfg, a.health, log.With(logx.String("comp", "ops")))
	return a, nil
}

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

// Start brings the process up. Failing to load persisted schedules is fatal:
// running without them would silently skip actions.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.sup.GoRestart("timer.dispatch", a.timers.Run,
		rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second),
		rtsup.WithStopOnCleanExit(true),
	)

	// The notifier outlives the app context so reports of firings that
	// finish during shutdown still go out; Stop drains it.
	a.notif.Start(context.WithoutCancel(a.sup.Context()))

	if err := a.engine.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return err
	}

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		a.sup.Cancel()
		return err
	}
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.ops.Start(a.sup.Context())
	a.sup.Go0("systemd.watchdog", func(c context.Context) { watchdog(c, a.log) })

	if a.auth.Empty() {
		a.log.Warn("no owner_user_ids or authorized_chat_ids configured; only /start and /help will answer")
	}
	notifyReady(a.log)
	a.log.Info("app started", logx.String("timezone", a.engine.Location().String()))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping(a.log)

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max <= 0 {
				a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
				return
			}
			var cancel context.CancelFunc
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
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Adapter first so no new commands arrive; then the engine, which waits
	// for in-flight firings; then the notifier, which drains their reports.
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("engine", 10*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}

type healthReport struct {
	Status         string    `json:"status"`
	Timezone       string    `json:"timezone"`
	Armed          int       `json:"armed"`
	Firing         int       `json:"firing"`
	PendingPersist int       `json:"pending_persist"`
	Fires          uint64    `json:"fires"`
	LastSweep      time.Time `json:"last_sweep,omitzero"`
	NotifierQueue  int       `json:"notifier_queue"`
	Dropped        uint64    `json:"dropped_requests"`
	Error          string    `json:"error,omitempty"`
}

// health backs the ops /healthz endpoint. A pending persist is reported but
// does not fail the check: the sweep retries it.
func (a *App) health() (any, bool) {
	st := a.engine.Stats()
	r := healthReport{
		Status:         "ok",
		Timezone:       a.engine.Location().String(),
		Armed:          st.Armed,
		Firing:         st.Firing,
		PendingPersist: st.PendingPersist,
		Fires:          st.Fires,
		LastSweep:      st.LastSweep,
		NotifierQueue:  a.notif.QueueLen(),
		Dropped:        a.router.Dropped(),
	}
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			r.Status, r.Error = "failing", err.Error()
			return r, false
		}
	}
	return r, true
}

func (a *App) statusLines() []string {
	c := a.sup.Counters()
	return []string{
		fmt.Sprintf("Notifier queue: %d", a.notif.QueueLen()),
		fmt.Sprintf("Goroutines: %d active, %d restarts, %d panics", c.Active, c.Restarts, c.Panics),
	}
}
