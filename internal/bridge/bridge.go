// Package bridge isolates blocking-risk queues on dedicated worker
// goroutines while keeping task-state mutation on the owner side.
//
// Each bridged queue gets one worker running a blocking fetch-execute-repeat
// loop. The worker never touches the task table directly: every read or
// mutation is shipped to the owner loop through a request/response call with
// its own timeout, and the worker only observes results. The pattern trades
// concurrency for isolation: at most one task per bridged queue runs at a
// time; queues needing parallelism use the scheduler loop instead.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tradepipe/internal/lifecycle"
	"tradepipe/internal/runner"
	"tradepipe/internal/task"
	logx "tradepipe/pkg/logx"
)

// Config controls the bridge.
type Config struct {
	// Queues lists the stages executed on bridge workers.
	Queues []task.Queue
	// Poll is the idle fetch interval.
	Poll time.Duration
	// CallTimeout bounds one owner call (fetch, admit, outcome delivery).
	CallTimeout time.Duration
	// JoinTimeout bounds how long Stop waits for each worker to exit.
	// A worker that fails to join indicates a handler that ignored
	// cancellation; that is logged as an error, never swallowed.
	JoinTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Poll <= 0 {
		c.Poll = 2 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 30 * time.Second
	}
	return c
}

type callResult struct {
	v   any
	err error
}

type ownerCall struct {
	fn   func(ctx context.Context) (any, error)
	resp chan callResult
}

type worker struct {
	queue     task.Queue
	done      chan struct{}
	running   atomic.Bool
	unhealthy atomic.Bool
	warn      *rate.Limiter
}

// Service owns the bridge: one owner loop servicing calls, plus one worker
// per bridged queue.
type Service struct {
	cfg Config
	log logx.Logger
	lc  *lifecycle.Service
	run *runner.Runner

	calls chan *ownerCall

	mu        sync.Mutex
	stopCh    chan struct{}
	ownerDone chan struct{}
	workers   []*worker
}

func New(cfg Config, lc *lifecycle.Service, run *runner.Runner, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		log:   log,
		lc:    lc,
		run:   run,
		calls: make(chan *ownerCall, 16),
	}
}

// Start launches the owner loop and the per-queue workers. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil || len(s.cfg.Queues) == 0 {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.ownerDone = make(chan struct{})
	stopCh := s.stopCh
	ownerDone := s.ownerDone

	s.workers = s.workers[:0]
	for _, q := range s.cfg.Queues {
		w := &worker{
			queue: q,
			done:  make(chan struct{}),
			warn:  rate.NewLimiter(rate.Every(5*time.Second), 1),
		}
		s.workers = append(s.workers, w)
	}
	workers := append([]*worker(nil), s.workers...)
	s.mu.Unlock()

	go s.ownerLoop(ctx, stopCh, ownerDone)
	for _, w := range workers {
		go s.workerLoop(ctx, stopCh, w)
	}
	s.log.Info("bridge started", logx.Int("queues", len(workers)))
}

// Stop raises the stop signal and joins every worker with a bounded wait.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	ownerDone := s.ownerDone
	workers := append([]*worker(nil), s.workers...)
	s.stopCh = nil
	s.ownerDone = nil
	s.mu.Unlock()

	close(stopCh)

	for _, w := range workers {
		select {
		case <-w.done:
		case <-time.After(s.cfg.JoinTimeout):
			// A stuck join means a handler ignored cancellation. Surface it;
			// pretending success would hide a leaked goroutine.
			s.log.Error("bridge worker failed to join",
				logx.String("queue", w.queue.String()),
				logx.Duration("waited", s.cfg.JoinTimeout))
			w.unhealthy.Store(true)
		}
	}

	select {
	case <-ownerDone:
	case <-ctx.Done():
	}
	s.log.Info("bridge stopped")
}

// Healthy reports per-queue bridge health. A queue goes unhealthy when owner
// calls time out or its worker fails to join.
func (s *Service) Healthy() map[task.Queue]bool {
	s.mu.Lock()
	workers := append([]*worker(nil), s.workers...)
	s.mu.Unlock()

	out := map[task.Queue]bool{}
	for _, w := range workers {
		out[w.queue] = !w.unhealthy.Load()
	}
	return out
}

// Running reports which bridged queues are currently executing a task.
func (s *Service) Running() map[task.Queue]bool {
	s.mu.Lock()
	workers := append([]*worker(nil), s.workers...)
	s.mu.Unlock()

	out := map[task.Queue]bool{}
	for _, w := range workers {
		out[w.queue] = w.running.Load()
	}
	return out
}

// ownerLoop services owner calls. All task-table access initiated by workers
// runs here, on the owning side.
func (s *Service) ownerLoop(ctx context.Context, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case oc := <-s.calls:
			v, err := oc.fn(ctx)
			oc.resp <- callResult{v: v, err: err}
		}
	}
}

// call ships fn to the owner loop and blocks until it returns or the timeout
// fires. A timeout yields ErrBridgeTimeout; the caller must treat it as a
// health signal, not success.
func (s *Service) call(fn func(ctx context.Context) (any, error), timeout time.Duration) (any, error) {
	oc := &ownerCall{fn: fn, resp: make(chan callResult, 1)}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.calls <- oc:
	case <-timer.C:
		return nil, fmt.Errorf("%w (submit after %s)", task.ErrBridgeTimeout, timeout)
	}

	select {
	case r := <-oc.resp:
		return r.v, r.err
	case <-timer.C:
		return nil, fmt.Errorf("%w (no response after %s)", task.ErrBridgeTimeout, timeout)
	}
}

func (s *Service) workerLoop(ctx context.Context, stopCh <-chan struct{}, w *worker) {
	defer close(w.done)
	log := s.log.With(logx.String("queue", w.queue.String()))
	log.Debug("bridge worker started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		executed := s.runOne(ctx, w, log)
		if executed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-time.After(s.cfg.Poll):
		}
	}
}

// runOne fetches, admits, executes, and reports exactly one task.
// Returns false when there was nothing to do or an owner call failed.
func (s *Service) runOne(ctx context.Context, w *worker, log logx.Logger) bool {
	now := time.Now()

	// Fetch the next ready task (owner side).
	v, err := s.call(func(context.Context) (any, error) {
		terminal := s.lc.TerminalIDs()
		for _, t := range s.lc.ListReady(w.queue, terminal) {
			if t.Due(now) {
				return t, nil
			}
		}
		return (*task.Task)(nil), nil
	}, s.cfg.CallTimeout)
	if err != nil {
		s.noteCallFailure(w, log, "fetch", err)
		return false
	}
	t, _ := v.(*task.Task)
	if t == nil {
		return false
	}

	// Admit (owner side): consume a retry if needed, then persist RUNNING
	// before the handler starts.
	_, err = s.call(func(c context.Context) (any, error) {
		if t.Status == task.StatusRetrying {
			if rerr := s.lc.Retry(c, t.ID); rerr != nil {
				return nil, rerr
			}
		}
		return nil, s.lc.MarkStarted(c, t.ID)
	}, s.cfg.CallTimeout)
	if err != nil {
		s.noteCallFailure(w, log, "admit", err)
		return false
	}

	// Execute on this worker goroutine. The runner bounds the handler with
	// its ceiling plus grace, so the longest bridged wait is ceiling+grace.
	w.running.Store(true)
	result, execErr := s.run.Invoke(ctx, t)
	w.running.Store(false)

	// Deliver the outcome (owner side).
	_, err = s.call(func(c context.Context) (any, error) {
		if execErr != nil {
			_, merr := s.lc.MarkFailed(c, t.ID, execErr.Error())
			return nil, merr
		}
		return nil, s.lc.MarkCompleted(c, t.ID, result)
	}, s.cfg.CallTimeout)
	if err != nil {
		s.noteCallFailure(w, log, "outcome", err)
		return true
	}

	w.unhealthy.Store(false)
	return true
}

func (s *Service) noteCallFailure(w *worker, log logx.Logger, op string, err error) {
	w.unhealthy.Store(true)
	if w.warn.Allow() {
		log.Error("bridge owner call failed", logx.String("op", op), logx.Err(err))
	}
}
