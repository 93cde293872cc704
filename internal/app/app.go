package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"warden/internal/config"
	"warden/internal/eventbus"
	"warden/internal/metrics"
	"warden/internal/observability/server"
	"warden/internal/plugin"
	"warden/internal/runtime/supervisor"
	"warden/internal/storage"
	"warden/internal/task/engine"
	"warden/internal/task/scheduler"
	"warden/internal/task/trigger"
	"warden/internal/writer"
	logx "warden/pkg/logx"
	"warden/pkg/systemdmanager"
)

// Options tune process-level wiring.
type Options struct {
	Version string
	// LogWriter receives JSON log lines next to the configured sinks.
	LogWriter io.Writer
}

// App wires config, storage, the writer, the dispatcher, the scheduler, the
// plugin manager and the status server into one process.
type App struct {
	opts Options

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	metrics *metrics.Metrics
	store   storage.Store

	writer *writer.Service
	engine *engine.Service
	sched  *scheduler.Service
	pm     *plugin.Manager
	http   *server.Service

	startedAt time.Time
	closeOnce sync.Once
}

func New(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Map everything up front so a bad value fails before any side effect.
	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	ec, err := mapEngine(cfg)
	if err != nil {
		return nil, err
	}
	schc, err := mapScheduler(cfg)
	if err != nil {
		return nil, err
	}
	hc, err := mapHTTP(cfg)
	if err != nil {
		return nil, err
	}

	var (
		logSvc *logx.Service
		root   logx.Logger
	)
	if opts.LogWriter != nil {
		logSvc, root = logx.NewWithWriter(mapLogging(cfg), opts.LogWriter)
	} else {
		logSvc, root = logx.New(mapLogging(cfg))
	}
	log := root.With(logx.String("comp", "app"))

	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	m := metrics.New()

	w := writer.New(mapWriter(cfg), writer.Deps{
		Log:     root.With(logx.String("comp", "writer")),
		Store:   store,
		Bus:     bus,
		Metrics: m,
	})
	eng := engine.New(ec, engine.Deps{
		Log:      root.With(logx.String("comp", "dispatcher")),
		Bus:      bus,
		Metrics:  m,
		Reporter: w,
	})
	sched := scheduler.New(schc, scheduler.Deps{
		Log:        root.With(logx.String("comp", "scheduler")),
		Bus:        bus,
		Metrics:    m,
		Dispatcher: eng,
	})
	pm := plugin.NewManager(root.With(logx.String("comp", "plugins")), bus, m)

	a := &App{
		opts:    opts,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		metrics: m,
		store:   store,
		writer:  w,
		engine:  eng,
		sched:   sched,
		pm:      pm,

		startedAt: time.Now(),
	}
	a.http = server.New(hc, a.sources(), root)

	cfgm.SetLogger(root.With(logx.String("comp", "config")))
	cfgm.SetBus(bus)
	cfgm.SetValidator(validateReload)

	log.Info("configured",
		logx.String("config", cfgPath),
		logx.String("storage", storageName(sc.Driver)),
		logx.Duration("poll_interval", schc.PollInterval),
		logx.String("timezone", schc.Location.String()),
	)
	return a, nil
}

// Plugins is where the host registers plugins before Start.
func (a *App) Plugins() *plugin.Manager { return a.pm }

func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Done is closed when the app supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Health is nil while the scheduler is ticking and no fatal error occurred.
func (a *App) Health() error {
	if err := a.Err(); err != nil {
		return err
	}
	if st := a.sched.State(); st != scheduler.StateTicking {
		return fmt.Errorf("scheduler is %s", st)
	}
	return nil
}

// Check loads the enabled plugins against a throwaway store and returns
// their bindings without starting anything. Loaded plugins are closed again.
func (a *App) Check(ctx context.Context) ([]trigger.Binding, error) {
	bindings, err := a.pm.Load(ctx, a.cfgm.Get().Plugins, plugin.Deps{
		Log:       a.log,
		Store:     storage.NewMemory(),
		Writer:    a.writer,
		Bus:       eventbus.Nop(),
		Scheduler: a.sched,
	})
	if cerr := a.pm.Close(ctx); cerr != nil {
		a.log.Warn("plugin close after check failed", logx.Err(cerr))
	}
	return bindings, err
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Services below outlive the supervisor context and are stopped in order.
	runCtx := context.WithoutCancel(ctx)

	a.writer.Start(runCtx)

	bindings, err := a.pm.Load(a.sup.Context(), a.cfgm.Get().Plugins, plugin.Deps{
		Log:       a.log,
		Store:     a.store,
		Writer:    a.writer,
		Bus:       a.bus,
		Scheduler: a.sched,
	})
	if err != nil {
		a.log.Warn("plugins loaded with errors", logx.Err(err))
	}

	if err := a.sched.Start(runCtx, bindings); err != nil {
		return err
	}
	a.http.Start(runCtx)

	a.startEventLog()
	a.startReload()
	a.sup.Go("config.watch", a.cfgm.Watch)

	if sent, err := systemdmanager.NotifyReady(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("started", logx.Int("bindings", len(bindings)), logx.String("version", a.opts.Version))
	return nil
}

func (a *App) startEventLog() {
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
}

func (a *App) sources() server.Sources {
	return server.Sources{
		Version:    a.opts.Version,
		StartedAt:  a.startedAt,
		Health:     a.Health,
		Scheduler:  a.sched.Snapshot,
		Dispatcher: a.engine.Snapshot,
		Plugins:    a.pm.Status,
		Writer:     a.writer.Status,
		Failures:   a.store.RecentFailures,
		Metrics:    a.metrics.Handler(),
	}
}

func storageName(driver string) string {
	if driver == "" {
		return "memory"
	}
	return driver
}
