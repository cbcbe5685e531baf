package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"tradepipe/internal/lifecycle"
	"tradepipe/internal/runner"
	rtsup "tradepipe/internal/runtime/supervisor"
	"tradepipe/internal/task"
	logx "tradepipe/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	lc  *lifecycle.Service
	run *runner.Runner

	// SecondOptional allows both 5-field and 6-field cron recurrence specs;
	// Descriptor enables "@every 5m".
	parser cron.Parser

	global *ceilingSem
	queues map[task.Queue]*ceilingSem

	// inflight maps task id to its cancel func. Guarded by infMu.
	infMu    sync.Mutex
	inflight map[string]context.CancelFunc

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	ticks        uint64
	admitted     uint64
	criticalOver uint64
}

func New(cfg Config, lc *lifecycle.Service, run *runner.Runner, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:      cfg,
		log:      log,
		lc:       lc,
		run:      run,
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		global:   newCeilingSem(cfg.GlobalCeiling),
		queues:   map[task.Queue]*ceilingSem{},
		inflight: map[string]context.CancelFunc{},
	}
	for q, qc := range cfg.Queues {
		if !qc.Bridged {
			s.queues[q] = newCeilingSem(qc.Ceiling)
		}
	}
	return s
}

// Apply updates runtime knobs (tick interval takes effect next restart;
// ceilings immediately).
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.global.setLimit(cfg.GlobalCeiling)
	for q, sem := range s.queues {
		if qc, ok := cfg.Queues[q]; ok {
			sem.setLimit(qc.Ceiling)
		}
	}
	s.mu.Unlock()
	s.log.Info("scheduler config applied", logx.Int("global_ceiling", cfg.GlobalCeiling))
}

// Start launches the tick loop and the retention sweeper. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled || s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "sched"))),
		// Scheduler failures should not hard-kill the app.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("tick", func(c context.Context) error {
		s.tickLoop(c, stopCh)
		return c.Err()
	})
	sup.GoRestart("sweep", func(c context.Context) error {
		s.sweepLoop(c, stopCh)
		return c.Err()
	})

	s.log.Info("scheduler started",
		logx.Duration("tick", cfg.TickInterval),
		logx.Int("global_ceiling", cfg.GlobalCeiling))
}

// Stop cancels all in-flight executions and waits for the loop to drain.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	s.CancelAll()
	sup.Cancel()

	go func() {
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Any("err", ctx.Err()))
	}
}

// Cancel marks the task inactive and cooperatively cancels any in-flight
// execution. Returns false for unknown ids.
func (s *Service) Cancel(ctx context.Context, id string) bool {
	ok := s.lc.Cancel(ctx, id)
	if !ok {
		return false
	}
	s.infMu.Lock()
	cancel := s.inflight[id]
	s.infMu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

// CancelAll cooperatively cancels every in-flight execution. Used at shutdown.
func (s *Service) CancelAll() {
	s.infMu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.inflight))
	for _, c := range s.inflight {
		cancels = append(cancels, c)
	}
	s.infMu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// Running reports the number of in-flight loop-scheduled executions.
func (s *Service) Running() int {
	s.infMu.Lock()
	defer s.infMu.Unlock()
	return len(s.inflight)
}

// Snapshot returns the global scheduling status.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	perQ := map[task.Queue]int{}
	for q, sem := range s.queues {
		perQ[q] = sem.inUse()
	}

	return Snapshot{
		Enabled:       cfg.Enabled,
		TickInterval:  cfg.TickInterval,
		GlobalCeiling: cfg.GlobalCeiling,
		Running:       s.Running(),
		RunningPerQ:   perQ,
		Ticks:         atomic.LoadUint64(&s.ticks),
		Admitted:      atomic.LoadUint64(&s.admitted),
		CriticalOver:  atomic.LoadUint64(&s.criticalOver),
		StoreErrors:   s.lc.StoreErrors(),
	}
}

func (s *Service) tickLoop(ctx context.Context, stopCh <-chan struct{}) {
	s.mu.Lock()
	interval := s.cfg.TickInterval
	s.mu.Unlock()

	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-tick.C:
			s.Tick(ctx)
		}
	}
}

func (s *Service) sweepLoop(ctx context.Context, stopCh <-chan struct{}) {
	s.mu.Lock()
	interval := s.cfg.SweepInterval
	retention := s.cfg.Retention
	s.mu.Unlock()

	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-tick.C:
			s.lc.SweepTerminal(ctx, retention)
		}
	}
}
