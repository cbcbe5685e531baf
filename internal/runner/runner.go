package runner

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"tradepipe/internal/lifecycle"
	"tradepipe/internal/task"
	logx "tradepipe/pkg/logx"
)

// Config bounds a single handler execution.
type Config struct {
	// DefaultTimeout is the generic hard ceiling per handler run.
	DefaultTimeout time.Duration
	// AnalysisTimeout is the ceiling for analysis-class tasks, which are
	// allowed to run much longer.
	AnalysisTimeout time.Duration
	// GracePeriod is how long to wait for a handler to acknowledge
	// cancellation after its ceiling fires.
	GracePeriod time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.AnalysisTimeout <= 0 {
		c.AnalysisTimeout = 15 * time.Minute
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Second
	}
	return c
}

// Runner executes exactly one handler under a hard timeout and guarantees a
// terminal or retrying outcome no matter how the handler ends. It never
// returns an error to the scheduler loop: all failures become task state.
type Runner struct {
	cfg Config
	log logx.Logger
	reg *lifecycle.Registry
	lc  *lifecycle.Service

	avgMu sync.Mutex
	avg   map[task.Type]*rollingAvg
}

type rollingAvg struct {
	total time.Duration
	n     int64
}

func New(cfg Config, reg *lifecycle.Registry, lc *lifecycle.Service, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		cfg: cfg.withDefaults(),
		log: log,
		reg: reg,
		lc:  lc,
		avg: map[task.Type]*rollingAvg{},
	}
}

// TimeoutFor returns the hard ceiling for a task.
func (r *Runner) TimeoutFor(t *task.Task) time.Duration {
	if t.Queue == task.QueueAnalysis || t.Type == task.TypeRunAnalysis {
		return r.cfg.AnalysisTimeout
	}
	return r.cfg.DefaultTimeout
}

type outcome struct {
	result map[string]any
	err    error
}

// Invoke runs the task's handler under its ceiling plus grace period and
// returns the raw outcome without touching task state. The bridge uses this
// on its worker goroutine; Execute wraps it with the lifecycle transition.
func (r *Runner) Invoke(ctx context.Context, t *task.Task) (map[string]any, error) {
	h, ok := r.reg.Handler(t.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrNoHandler, t.Type)
	}
	if err := task.ValidatePayload(t.Type, t.Payload); err != nil {
		return nil, err
	}

	timeout := r.TimeoutFor(t)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resCh := make(chan outcome, 1)
	go func() {
		// Convert panics to errors so one bad handler can't crash the
		// scheduler or leak the concurrency slot.
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("handler panicked",
					logx.String("id", t.ID),
					logx.String("type", t.Type.String()),
					logx.Any("panic", rec),
					logx.String("stack", string(debug.Stack())))
				resCh <- outcome{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		res, err := h(runCtx, t)
		resCh <- outcome{result: res, err: err}
	}()

	select {
	case out := <-resCh:
		if out.err == nil {
			r.RecordDuration(t.Type, time.Since(start))
		}
		return out.result, out.err

	case <-runCtx.Done():
		if ctx.Err() != nil {
			// External cancellation (explicit cancel or shutdown), not a
			// ceiling violation.
			return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
		}
		// Ceiling fired: cancel already propagated via runCtx; give the
		// handler a bounded grace period to acknowledge.
		select {
		case out := <-resCh:
			if out.err == nil {
				// Finished inside the grace window; count it.
				r.RecordDuration(t.Type, time.Since(start))
				return out.result, nil
			}
			return nil, task.TimeoutError(timeout)
		case <-time.After(r.cfg.GracePeriod):
			r.log.Error("handler ignored cancellation",
				logx.String("id", t.ID),
				logx.String("type", t.Type.String()),
				logx.Duration("timeout", timeout),
				logx.Duration("grace", r.cfg.GracePeriod))
			return nil, task.TimeoutError(timeout)
		}
	}
}

// Execute runs the task's handler and drives the lifecycle transition.
// The returned status is the task's state after this attempt.
func (r *Runner) Execute(ctx context.Context, t *task.Task) task.Status {
	start := time.Now()
	result, err := r.Invoke(ctx, t)
	dur := time.Since(start)

	if err != nil {
		r.log.Warn("task failed",
			logx.String("id", t.ID),
			logx.String("type", t.Type.String()),
			logx.Duration("dur", dur),
			logx.Err(err))
		status, merr := r.lc.MarkFailed(ctx, t.ID, err.Error())
		if merr != nil {
			r.log.Error("mark failed failed", logx.String("id", t.ID), logx.Err(merr))
			return task.StatusFailed
		}
		return status
	}

	if merr := r.lc.MarkCompleted(ctx, t.ID, result); merr != nil {
		r.log.Error("mark completed failed", logx.String("id", t.ID), logx.Err(merr))
		return task.StatusFailed
	}
	r.log.Info("task completed",
		logx.String("id", t.ID),
		logx.String("type", t.Type.String()),
		logx.Duration("dur", dur),
		logx.Duration("avg", r.AvgDuration(t.Type)))
	return task.StatusCompleted
}

// RecordDuration folds one successful handler duration into the rolling
// average for its type.
func (r *Runner) RecordDuration(typ task.Type, d time.Duration) {
	r.avgMu.Lock()
	a := r.avg[typ]
	if a == nil {
		a = &rollingAvg{}
		r.avg[typ] = a
	}
	a.total += d
	a.n++
	r.avgMu.Unlock()
}

// AvgDuration returns the rolling average handler duration for a task type.
func (r *Runner) AvgDuration(typ task.Type) time.Duration {
	r.avgMu.Lock()
	defer r.avgMu.Unlock()
	a := r.avg[typ]
	if a == nil || a.n == 0 {
		return 0
	}
	return a.total / time.Duration(a.n)
}
