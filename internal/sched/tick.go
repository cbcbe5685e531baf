package sched

import (
	"context"
	"sync/atomic"
	"time"

	"tradepipe/internal/task"
	logx "tradepipe/pkg/logx"
)

// Tick runs one scheduling pass: gather due, dependency-satisfied tasks from
// every loop-scheduled queue, then admit in priority order under the
// ceilings. Exported so tests (and operator tooling) can drive the loop
// deterministically.
func (s *Service) Tick(ctx context.Context) {
	atomic.AddUint64(&s.ticks, 1)
	now := time.Now()
	terminal := s.lc.TerminalIDs()

	var h readyHeap
	for _, q := range task.Queues() {
		if _, ok := s.queues[q]; !ok {
			continue // bridged queue, owned by the bridge worker
		}
		for _, t := range s.lc.ListReady(q, terminal) {
			if !t.Due(now) {
				continue
			}
			if s.isInflight(t.ID) {
				continue
			}
			pushReady(&h, t)
		}
	}

	for h.Len() > 0 {
		t := popReady(&h)
		s.tryAdmit(ctx, t)
	}
}

func (s *Service) tryAdmit(ctx context.Context, t *task.Task) {
	sem := s.queues[t.Queue]
	if sem == nil {
		return
	}
	critical := t.Priority >= task.PriorityCritical

	gotQueue := sem.tryAcquire()
	if !gotQueue {
		if !critical {
			return
		}
		// Critical tasks are admitted even past a full ceiling.
		sem.forceAcquire()
		atomic.AddUint64(&s.criticalOver, 1)
		s.log.Warn("critical task admitted past queue ceiling",
			logx.String("id", t.ID), logx.String("queue", t.Queue.String()))
	}

	gotGlobal := s.global.tryAcquire()
	if !gotGlobal {
		if !critical {
			sem.release()
			return
		}
		s.global.forceAcquire()
		atomic.AddUint64(&s.criticalOver, 1)
	}

	if !s.admit(ctx, t) {
		sem.release()
		s.global.release()
	}
}

// admit transitions the task to RUNNING, persists that state change before
// invoking the handler, and dispatches execution on a supervised goroutine.
// Returns false if admission failed and the slots should be returned.
func (s *Service) admit(ctx context.Context, t *task.Task) bool {
	// A RETRYING task consumes one retry on re-admission.
	if t.Status == task.StatusRetrying {
		if err := s.lc.Retry(ctx, t.ID); err != nil {
			s.log.Warn("retry reset failed", logx.String("id", t.ID), logx.Err(err))
			return false
		}
	}

	// Recurring tasks get their next due time computed at admission, so a
	// long run doesn't collapse the cadence.
	if t.Recurring() {
		if next, err := s.nextExecution(t.Recurrence, time.Now()); err != nil {
			s.log.Warn("invalid recurrence spec",
				logx.String("id", t.ID), logx.String("spec", t.Recurrence), logx.Err(err))
		} else {
			_ = s.lc.SetNextExecution(ctx, t.ID, next)
		}
	}

	if err := s.lc.MarkStarted(ctx, t.ID); err != nil {
		s.log.Warn("mark started failed", logx.String("id", t.ID), logx.Err(err))
		return false
	}
	atomic.AddUint64(&s.admitted, 1)

	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()

	taskCtx, cancel := context.WithCancel(ctx)
	s.infMu.Lock()
	s.inflight[t.ID] = cancel
	s.infMu.Unlock()

	sem := s.queues[t.Queue]
	exec := func(context.Context) {
		// Slot release is guaranteed: a stuck handler is force-failed by the
		// runner's ceiling, and this cleanup always runs after.
		defer func() {
			cancel()
			s.infMu.Lock()
			delete(s.inflight, t.ID)
			s.infMu.Unlock()
			sem.release()
			s.global.release()
		}()
		s.run.Execute(taskCtx, t)
	}

	if sup != nil {
		sup.Go0("exec."+string(t.Type), exec)
	} else {
		// Tests drive Tick without Start; run inline on a plain goroutine.
		go exec(taskCtx)
	}
	return true
}

func (s *Service) isInflight(id string) bool {
	s.infMu.Lock()
	defer s.infMu.Unlock()
	_, ok := s.inflight[id]
	return ok
}

func (s *Service) nextExecution(spec string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}
