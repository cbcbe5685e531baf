// Package app wires the scheduling core together: config, logging, storage,
// the task table, the admission loop, the bridge, and the rule layer.
package app

import (
	"context"
	"fmt"
	"strings"

	"tradepipe/internal/bridge"
	"tradepipe/internal/config"
	"tradepipe/internal/eventbus"
	"tradepipe/internal/lifecycle"
	"tradepipe/internal/observability/diag"
	"tradepipe/internal/orchestrator"
	"tradepipe/internal/runner"
	rtsup "tradepipe/internal/runtime/supervisor"
	"tradepipe/internal/sched"
	"tradepipe/internal/store"
	"tradepipe/internal/task"
	logx "tradepipe/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	logs *logx.Service
	log  logx.Logger

	bus eventbus.Bus
	st  store.Store
	reg *lifecycle.Registry
	lc  *lifecycle.Service
	run *runner.Runner

	sched  *sched.Service
	bridge *bridge.Service
	orch   *orchestrator.Service
	diag   *diag.Service

	sup    *rtsup.Supervisor
	cfgSub chan *config.Config
}

// New loads and validates the config, then builds the whole dependency graph.
// Handlers are registered on Registry() before Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	st, err := store.Open(storeConfig(cfg), log.With(logx.String("comp", "store")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	bus := eventbus.New()
	reg := lifecycle.NewRegistry()
	lc := lifecycle.New(st, log.With(logx.String("comp", "lifecycle")), bus)

	runCfg, err := runnerConfig(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	run := runner.New(runCfg, reg, lc, log.With(logx.String("comp", "runner")))

	schedCfg, err := schedConfig(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	schedSvc := sched.New(schedCfg, lc, run, log.With(logx.String("comp", "sched")))

	bridgeCfg, err := bridgeConfig(cfg, schedCfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	bridgeSvc := bridge.New(bridgeCfg, lc, run, log.With(logx.String("comp", "bridge")))

	orch := orchestrator.New(lc, run, bus, log.With(logx.String("comp", "orchestrator")))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		logs:    logSvc,
		log:     log,
		bus:     bus,
		st:      st,
		reg:     reg,
		lc:      lc,
		run:     run,
		sched:   schedSvc,
		bridge:  bridgeSvc,
		orch:    orch,
	}

	diagCfg, err := diagConfig(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	a.diag = diag.New(diagCfg, func(ctx context.Context) (any, error) {
		return a.Status(ctx)
	}, log.With(logx.String("comp", "diag")))

	return a, nil
}

// Registry exposes handler registration.
func (a *App) Registry() *lifecycle.Registry { return a.reg }

// Tasks exposes the task table service for operator surfaces.
func (a *App) Tasks() *lifecycle.Service { return a.lc }

// Orchestrator exposes the rule layer and workflows.
func (a *App) Orchestrator() *orchestrator.Service { return a.orch }

// Scheduler exposes the admission loop for diagnostics and cancellation.
func (a *App) Scheduler() *sched.Service { return a.sched }

// Bridge exposes bridged-queue health.
func (a *App) Bridge() *bridge.Service { return a.bridge }

// Bus exposes the event bus so feeds can publish domain events.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Store exposes the task store for read-only handler queries.
func (a *App) Store() store.Store { return a.st }

// Start loads persisted state, recovers stale tasks, and launches every
// service plus the config watcher.
func (a *App) Start(ctx context.Context) error {
	if err := a.lc.Load(ctx); err != nil {
		return fmt.Errorf("load task table: %w", err)
	}
	if n := a.lc.RecoverStale(ctx); n > 0 {
		a.log.Warn("recovered tasks left running by a previous crash", logx.Int("tasks", n))
	}

	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(false),
	)

	cfg := a.cfgm.Get()
	if cfg.OrchestratorEnabled() {
		a.orch.Start(a.sup.Context())
	}
	a.sched.Start(a.sup.Context())
	a.bridge.Start(a.sup.Context())
	a.diag.Start(a.sup.Context())

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})
	a.cfgSub = a.cfgm.Subscribe(4)
	sub := a.cfgSub
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go("config.apply", func(c context.Context) error {
		a.applyLoop(c, sub)
		return nil
	})

	a.log.Info("pipeline started", logx.String("config", a.cfgPath))
	return nil
}

// Stop shuts everything down in dependency order: rule layer first so no new
// tasks appear, then the loops, then storage and logging.
func (a *App) Stop(ctx context.Context) error {
	a.orch.Stop(ctx)
	a.sched.Stop(ctx)
	a.bridge.Stop(ctx)
	a.diag.Stop(ctx)

	if a.sup != nil {
		a.sup.Cancel()
		_ = a.sup.Wait(ctx)
	}
	if a.cfgSub != nil {
		a.cfgm.Unsubscribe(a.cfgSub)
		a.cfgSub = nil
	}

	err := a.st.Close()
	a.log.Info("pipeline stopped")
	a.logs.Close()
	return err
}

// applyLoop applies hot-reloaded configs: logging and ceilings take effect
// live, everything else on next restart.
func (a *App) applyLoop(ctx context.Context, sub chan *config.Config) {
	old := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			changed, attrs := config.SummarizeConfigChange(old, cfg)
			if len(changed) == 0 {
				continue
			}
			a.log.Info("config reloaded",
				append([]logx.Field{logx.String("sections", strings.Join(changed, ","))}, attrs...)...)

			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			if schedCfg, err := schedConfig(cfg); err == nil {
				a.sched.Apply(schedCfg)
			}
			old = cfg
		}
	}
}

func diagConfig(cfg *config.Config) (diag.Config, error) {
	if cfg.Diag == nil {
		return diag.Config{}, nil
	}
	read, err := config.ParseDurationField("diag.read_timeout", cfg.Diag.ReadTimeout)
	if err != nil {
		return diag.Config{}, err
	}
	write, err := config.ParseDurationField("diag.write_timeout", cfg.Diag.WriteTimeout)
	if err != nil {
		return diag.Config{}, err
	}
	idle, err := config.ParseDurationField("diag.idle_timeout", cfg.Diag.IdleTimeout)
	if err != nil {
		return diag.Config{}, err
	}
	return diag.Config{
		Enabled:       cfg.Diag.Enabled,
		Addr:          cfg.Diag.Addr,
		Token:         cfg.Diag.Token,
		AllowInsecure: cfg.Diag.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func storeConfig(cfg *config.Config) store.Config {
	if cfg.Storage == nil {
		return store.Config{}
	}
	busy, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	return store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}
}

func runnerConfig(cfg *config.Config) (runner.Config, error) {
	def, err := config.ParseDurationField("runner.default_timeout", cfg.Runner.DefaultTimeout)
	if err != nil {
		return runner.Config{}, err
	}
	analysis, err := config.ParseDurationField("runner.analysis_timeout", cfg.Runner.AnalysisTimeout)
	if err != nil {
		return runner.Config{}, err
	}
	grace, err := config.ParseDurationField("runner.grace_period", cfg.Runner.GracePeriod)
	if err != nil {
		return runner.Config{}, err
	}
	return runner.Config{
		DefaultTimeout:  def,
		AnalysisTimeout: analysis,
		GracePeriod:     grace,
	}, nil
}

func schedConfig(cfg *config.Config) (sched.Config, error) {
	tick, err := config.ParseDurationField("scheduler.tick_interval", cfg.Scheduler.TickInterval)
	if err != nil {
		return sched.Config{}, err
	}
	retention, err := config.ParseDurationField("scheduler.retention", cfg.Scheduler.Retention)
	if err != nil {
		return sched.Config{}, err
	}
	sweep, err := config.ParseDurationField("scheduler.sweep_interval", cfg.Scheduler.SweepInterval)
	if err != nil {
		return sched.Config{}, err
	}

	queues := map[task.Queue]sched.QueueConfig{}
	for name, qc := range cfg.Scheduler.Queues {
		queues[task.Queue(name)] = sched.QueueConfig{
			Ceiling: qc.Ceiling,
			Bridged: qc.Bridged,
		}
	}
	return sched.Config{
		Enabled:       cfg.Scheduler.Enabled,
		TickInterval:  tick,
		GlobalCeiling: cfg.Scheduler.GlobalCeiling,
		Queues:        queues,
		Retention:     retention,
		SweepInterval: sweep,
	}, nil
}

func bridgeConfig(cfg *config.Config, schedCfg sched.Config) (bridge.Config, error) {
	poll, err := config.ParseDurationField("bridge.poll", cfg.Bridge.Poll)
	if err != nil {
		return bridge.Config{}, err
	}
	call, err := config.ParseDurationField("bridge.call_timeout", cfg.Bridge.CallTimeout)
	if err != nil {
		return bridge.Config{}, err
	}
	join, err := config.ParseDurationField("bridge.join_timeout", cfg.Bridge.JoinTimeout)
	if err != nil {
		return bridge.Config{}, err
	}

	var queues []task.Queue
	for _, q := range task.Queues() {
		if qc, ok := schedCfg.Queues[q]; ok && qc.Bridged {
			queues = append(queues, q)
		}
	}
	return bridge.Config{
		Queues:      queues,
		Poll:        poll,
		CallTimeout: call,
		JoinTimeout: join,
	}, nil
}

// Snapshot aggregates the health of every moving part for operator surfaces.
type Snapshot struct {
	Scheduler  sched.Snapshot                 `json:"scheduler"`
	Bridge     map[task.Queue]bool            `json:"bridge_healthy"`
	Queues     map[task.Queue]task.QueueStats `json:"queues"`
	RulesFired uint64                         `json:"rules_fired"`
}

// Status gathers the current snapshot. Queue stats come from the store so
// the numbers match what survives a restart.
func (a *App) Status(ctx context.Context) (Snapshot, error) {
	byQueue := make(map[task.Queue]task.QueueStats, len(task.Queues()))
	for _, q := range task.Queues() {
		qs, err := a.st.QueueStats(ctx, q)
		if err != nil {
			return Snapshot{}, err
		}
		byQueue[q] = qs
	}
	return Snapshot{
		Scheduler:  a.sched.Snapshot(),
		Bridge:     a.bridge.Healthy(),
		Queues:     byQueue,
		RulesFired: a.orch.Fired(),
	}, nil
}
