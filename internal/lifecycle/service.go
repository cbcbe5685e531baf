package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"tradepipe/internal/eventbus"
	"tradepipe/internal/store"
	"tradepipe/internal/task"
	logx "tradepipe/pkg/logx"
)

const defaultMaxRetries = 3

// Service owns the in-memory task table and all status transitions.
//
// Every mutation happens under one coordinating lock around the
// read-modify-persist sequence, so concurrently admitted tasks can't lose
// updates. Store failures are logged and counted; the in-memory table stays
// the temporary source of truth until the next successful persist.
type Service struct {
	mu    sync.Mutex
	tasks map[string]*task.Task

	log logx.Logger
	bus eventbus.Bus
	st  store.Store

	storeErrs uint64
	// Throttles repeated store-error logs so a wedged database doesn't flood
	// the sinks while scheduling keeps going.
	storeWarn *rate.Limiter

	// Parses recurrence specs when a completing task needs its next due time
	// and admission didn't already compute one.
	parser cron.Parser
}

func New(st store.Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		tasks:     map[string]*task.Task{},
		log:       log,
		bus:       bus,
		st:        st,
		storeWarn: rate.NewLimiter(rate.Every(5*time.Second), 1),
		parser:    cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Load populates the in-memory table from the store.
func (s *Service) Load(ctx context.Context) error {
	all, err := s.st.LoadAll(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.tasks = all
	n := len(all)
	s.mu.Unlock()
	s.log.Info("task table loaded", logx.Int("tasks", n))
	return nil
}

// RecoverStale resets tasks left RUNNING by a crash back to PENDING so the
// scheduler re-admits them. Call once after Load, before the first tick.
func (s *Service) RecoverStale(ctx context.Context) int {
	s.mu.Lock()
	var stale []*task.Task
	for _, t := range s.tasks {
		if t.Status == task.StatusRunning {
			t.Status = task.StatusPending
			t.StartedAt = nil
			stale = append(stale, t.Clone())
		}
	}
	s.mu.Unlock()

	for _, t := range stale {
		s.persist(ctx, t)
		s.log.Warn("recovered stale running task", logx.String("id", t.ID), logx.String("type", t.Type.String()))
	}
	return len(stale)
}

// CreateRequest describes a new task. Zero values get defaults: Normal
// priority, 3 max retries, scheduled immediately.
type CreateRequest struct {
	Queue      task.Queue
	Type       task.Type
	Payload    map[string]any
	Priority   task.Priority
	DependsOn  []string
	MaxRetries int
	Delay      time.Duration
	Recurrence string
}

// Create allocates an id, validates the request, persists the task as
// PENDING, and announces it on the bus.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*task.Task, error) {
	if !req.Queue.Valid() {
		return nil, fmt.Errorf("invalid queue %q", req.Queue)
	}
	if !task.KnownType(req.Type) {
		return nil, fmt.Errorf("%w: %q", task.ErrNoHandler, req.Type)
	}
	if req.Priority == 0 {
		req.Priority = task.PriorityNormal
	}
	if req.MaxRetries <= 0 {
		req.MaxRetries = defaultMaxRetries
	}

	now := time.Now()
	t := &task.Task{
		ID:          task.NewID(),
		Queue:       req.Queue,
		Type:        req.Type,
		Priority:    req.Priority,
		Payload:     req.Payload,
		DependsOn:   append([]string(nil), req.DependsOn...),
		Status:      task.StatusPending,
		MaxRetries:  req.MaxRetries,
		Active:      true,
		Recurrence:  req.Recurrence,
		ScheduledAt: now.Add(req.Delay),
		CreatedAt:   now,
	}

	s.mu.Lock()
	s.tasks[t.ID] = t
	cp := t.Clone()
	s.mu.Unlock()

	s.persist(ctx, cp)
	s.publish(eventbus.KindTaskCreated, cp)
	s.log.Debug("task created",
		logx.String("id", t.ID),
		logx.String("queue", t.Queue.String()),
		logx.String("type", t.Type.String()),
		logx.Int("priority", int(t.Priority)))
	return cp, nil
}

// Get returns a snapshot of one task.
func (s *Service) Get(id string) (*task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Tasks returns a snapshot of the whole table.
func (s *Service) Tasks() []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	return out
}

// TerminalIDs returns the ids of all tasks in a terminal state
// (completed or failed). Dependency gating checks against this set.
func (s *Service) TerminalIDs() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{})
	for id, t := range s.tasks {
		if t.Status.Terminal() {
			out[id] = struct{}{}
		}
	}
	return out
}

// ListReady returns the queue's tasks whose dependencies are all terminal and
// whose status is schedulable, ordered priority-desc then creation-asc.
func (s *Service) ListReady(q task.Queue, terminalIDs map[string]struct{}) []*task.Task {
	s.mu.Lock()
	var ready []*task.Task
	for _, t := range s.tasks {
		if t.Queue != q || !t.Active || !t.Status.Schedulable() {
			continue
		}
		if !t.Ready(terminalIDs) {
			continue
		}
		ready = append(ready, t.Clone())
	}
	s.mu.Unlock()

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	return ready
}

// MarkStarted transitions a task to RUNNING and stamps StartedAt.
func (s *Service) MarkStarted(ctx context.Context, id string) error {
	now := time.Now()
	cp, err := s.mutate(id, func(t *task.Task) error {
		t.Status = task.StatusRunning
		t.StartedAt = &now
		t.CompletedAt = nil
		t.ErrorMessage = ""
		return nil
	})
	if err != nil {
		return err
	}
	s.persist(ctx, cp)
	s.publish(eventbus.KindTaskStarted, cp)
	return nil
}

// MarkCompleted stores the handler result. One-shot tasks become COMPLETED
// with CompletedAt stamped. An active recurring task is rearmed to PENDING
// instead, so the scheduler re-admits it at its next due time; its result
// still goes out as a completion event.
func (s *Service) MarkCompleted(ctx context.Context, id string, result map[string]any) error {
	now := time.Now()
	cp, err := s.mutate(id, func(t *task.Task) error {
		t.ErrorMessage = ""
		t.Result = result
		if t.Recurring() && t.Active {
			next := t.NextExecution
			if !next.After(now) {
				// Admission computes the next due time before the run; paths
				// that executed the task directly recompute it here.
				if sched, perr := s.parser.Parse(t.Recurrence); perr == nil {
					next = sched.Next(now)
				}
			}
			if next.After(now) {
				t.Status = task.StatusPending
				t.StartedAt = nil
				t.CompletedAt = nil
				t.NextExecution = next
				t.RetryCount = 0
				return nil
			}
			// Unparseable spec: fall through and finish as one-shot.
		}
		t.Status = task.StatusCompleted
		t.CompletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	s.persist(ctx, cp)
	s.publish(eventbus.KindTaskCompleted, cp)
	return nil
}

// MarkFailed records a failure. If retries remain the task becomes RETRYING
// (retry_count is untouched until an explicit Retry); otherwise FAILED with
// CompletedAt stamped.
func (s *Service) MarkFailed(ctx context.Context, id string, errMsg string) (task.Status, error) {
	now := time.Now()
	var status task.Status
	cp, err := s.mutate(id, func(t *task.Task) error {
		t.ErrorMessage = errMsg
		if t.RetryCount < t.MaxRetries {
			t.Status = task.StatusRetrying
		} else {
			t.Status = task.StatusFailed
			t.CompletedAt = &now
		}
		status = t.Status
		return nil
	})
	if err != nil {
		return "", err
	}
	s.persist(ctx, cp)
	if status == task.StatusRetrying {
		s.publish(eventbus.KindTaskRetrying, cp)
	} else {
		s.publish(eventbus.KindTaskFailed, cp)
	}
	return status, nil
}

// Retry increments retry_count and resets the task to PENDING.
func (s *Service) Retry(ctx context.Context, id string) error {
	cp, err := s.mutate(id, func(t *task.Task) error {
		if t.RetryCount >= t.MaxRetries {
			return fmt.Errorf("task %s: retries exhausted (%d/%d)", id, t.RetryCount, t.MaxRetries)
		}
		t.RetryCount++
		t.Status = task.StatusPending
		t.StartedAt = nil
		t.ErrorMessage = ""
		return nil
	})
	if err != nil {
		return err
	}
	s.persist(ctx, cp)
	return nil
}

// Cancel marks a task inactive. Running tasks keep their status; the
// scheduler cancels their in-flight execution cooperatively.
func (s *Service) Cancel(ctx context.Context, id string) bool {
	cp, err := s.mutate(id, func(t *task.Task) error {
		t.Active = false
		return nil
	})
	if err != nil {
		return false
	}
	s.persist(ctx, cp)
	s.publish(eventbus.KindTaskCancelled, cp)
	s.log.Info("task cancelled", logx.String("id", id))
	return true
}

// SetNextExecution updates a recurring task's next due time.
func (s *Service) SetNextExecution(ctx context.Context, id string, at time.Time) error {
	cp, err := s.mutate(id, func(t *task.Task) error {
		t.NextExecution = at
		return nil
	})
	if err != nil {
		return err
	}
	s.persist(ctx, cp)
	return nil
}

// SweepTerminal removes terminal tasks older than the retention window from
// both the in-memory table and the store. Active recurring tasks are never
// swept: a failed cycle parks them, it doesn't retire them.
func (s *Service) SweepTerminal(ctx context.Context, olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	s.mu.Lock()
	var doomed []string
	for id, t := range s.tasks {
		if t.Recurring() && t.Active {
			continue
		}
		if t.Status.Terminal() && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			doomed = append(doomed, id)
		}
	}
	for _, id := range doomed {
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	if len(doomed) == 0 {
		return 0
	}
	if _, err := s.st.PurgeTerminalBefore(ctx, cutoff); err != nil {
		s.noteStoreErr(err)
	}
	s.log.Info("retention sweep", logx.Int("removed", len(doomed)))
	return len(doomed)
}

// StoreErrors returns the count of failed persistence operations. Surfaced
// through health metrics; scheduling never halts on store errors.
func (s *Service) StoreErrors() uint64 {
	return atomic.LoadUint64(&s.storeErrs)
}

// mutate applies fn to the task under the coordinating lock and returns a
// post-mutation snapshot for persistence and events.
func (s *Service) mutate(id string, fn func(*task.Task) error) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	if err := fn(t); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

func (s *Service) persist(ctx context.Context, t *task.Task) {
	if err := s.st.Save(ctx, t); err != nil {
		s.noteStoreErr(err)
	}
}

func (s *Service) noteStoreErr(err error) {
	atomic.AddUint64(&s.storeErrs, 1)
	if s.storeWarn.Allow() {
		s.log.Error("store operation failed", logx.Err(err), logx.Uint64("store_errors", atomic.LoadUint64(&s.storeErrs)))
	}
}

func (s *Service) publish(kind string, t *task.Task) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: kind, Time: time.Now(), Data: t})
}
