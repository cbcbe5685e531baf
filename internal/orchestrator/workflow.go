package orchestrator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"tradepipe/internal/task"
	logx "tradepipe/pkg/logx"
)

// ExecuteSequential drains the given queues in order, one task at a time,
// stopping at the first task that does not complete. Used for operator
// runs of the full pipeline (sync, then market, then analysis).
func (s *Service) ExecuteSequential(ctx context.Context, queues []task.Queue) (ExecutionRecord, error) {
	rec := ExecutionRecord{
		ID:        task.NewID(),
		Mode:      "sequential",
		Queues:    append([]task.Queue(nil), queues...),
		StartedAt: time.Now(),
	}

	var err error
	for _, q := range queues {
		if !q.Valid() {
			err = fmt.Errorf("invalid queue %q", q)
			break
		}
		if err = s.drainQueue(ctx, q); err != nil {
			err = fmt.Errorf("queue %s: %w", q, err)
			break
		}
	}

	rec.Duration = time.Since(rec.StartedAt)
	if err != nil {
		rec.Err = err.Error()
	}
	s.record(rec)
	s.log.Info("sequential workflow finished",
		logx.Int("queues", len(queues)),
		logx.Duration("dur", rec.Duration),
		logx.Bool("ok", err == nil))
	return rec, err
}

// ExecuteParallel drains the given queues concurrently, bounded by
// maxConcurrent queue drains at once. Each queue still executes its own
// tasks one at a time; the first queue failure cancels the rest.
func (s *Service) ExecuteParallel(ctx context.Context, queues []task.Queue, maxConcurrent int64) (ExecutionRecord, error) {
	rec := ExecutionRecord{
		ID:        task.NewID(),
		Mode:      "parallel",
		Queues:    append([]task.Queue(nil), queues...),
		StartedAt: time.Now(),
	}
	if maxConcurrent <= 0 {
		maxConcurrent = int64(len(queues))
	}
	sem := semaphore.NewWeighted(maxConcurrent)

	g, gctx := errgroup.WithContext(ctx)
	for _, q := range queues {
		q := q
		g.Go(func() error {
			if !q.Valid() {
				return fmt.Errorf("invalid queue %q", q)
			}
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			if err := s.drainQueue(gctx, q); err != nil {
				return fmt.Errorf("queue %s: %w", q, err)
			}
			return nil
		})
	}
	err := g.Wait()

	rec.Duration = time.Since(rec.StartedAt)
	if err != nil {
		rec.Err = err.Error()
	}
	s.record(rec)
	s.log.Info("parallel workflow finished",
		logx.Int("queues", len(queues)),
		logx.Duration("dur", rec.Duration),
		logx.Bool("ok", err == nil))
	return rec, err
}

// drainQueue synchronously executes every due, dependency-satisfied task in
// the queue until none remain. Tasks created during the drain (by rules or
// handlers) are picked up on the next pass. A task that ends anything but
// completed stops the drain.
func (s *Service) drainQueue(ctx context.Context, q task.Queue) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := time.Now()
		ready := s.lc.ListReady(q, s.lc.TerminalIDs())

		ran := false
		for _, t := range ready {
			if !t.Due(now) {
				continue
			}
			if t.Status == task.StatusRetrying {
				if err := s.lc.Retry(ctx, t.ID); err != nil {
					return err
				}
			}
			if err := s.lc.MarkStarted(ctx, t.ID); err != nil {
				return err
			}
			status := s.run.Execute(ctx, t)
			ran = true
			if status != task.StatusCompleted {
				return fmt.Errorf("task %s (%s) ended %s", t.ID, t.Type, status)
			}
		}
		if !ran {
			return nil
		}
	}
}
