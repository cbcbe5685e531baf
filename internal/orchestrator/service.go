package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"tradepipe/internal/eventbus"
	"tradepipe/internal/lifecycle"
	"tradepipe/internal/runner"
	rtsup "tradepipe/internal/runtime/supervisor"
	"tradepipe/internal/task"
	logx "tradepipe/pkg/logx"
)

const historySize = 128

// ExecutionRecord is one entry of the orchestration history ring.
type ExecutionRecord struct {
	ID        string       `json:"id"`
	Mode      string       `json:"mode"` // reactive, sequential, parallel
	RuleID    string       `json:"rule_id,omitempty"`
	Queues    []task.Queue `json:"queues,omitempty"`
	CreatedID string       `json:"created_id,omitempty"`
	StartedAt time.Time    `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Err       string       `json:"error,omitempty"`
}

// RuleStatus is a read-only view of a registered rule.
type RuleStatus struct {
	Rule   Rule
	Active bool
}

// Service is the reactive orchestration layer: it listens to the event bus,
// matches rules against lifecycle and domain events, and creates downstream
// tasks. It also runs operator-triggered queue workflows.
type Service struct {
	mu    sync.Mutex
	log   logx.Logger
	lc    *lifecycle.Service
	run   *runner.Runner
	bus   eventbus.Bus
	rules map[string]*registeredRule

	histMu  sync.Mutex
	history []ExecutionRecord

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}
	unsub    func()

	matched uint64
	fired   uint64
}

// New builds the orchestrator seeded with the default pipeline cascade.
func New(lc *lifecycle.Service, run *runner.Runner, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:   log,
		lc:    lc,
		run:   run,
		bus:   bus,
		rules: map[string]*registeredRule{},
	}
	for _, r := range DefaultRules() {
		s.rules[r.ID] = newRegisteredRule(r)
	}
	return s
}

// Register adds a rule. Duplicate ids and invalid targets are rejected.
func (s *Service) Register(r Rule) error {
	if err := r.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; ok {
		return fmt.Errorf("rule %s already registered", r.ID)
	}
	s.rules[r.ID] = newRegisteredRule(r)
	s.log.Info("rule registered", logx.String("rule", r.ID))
	return nil
}

// Unregister removes a rule. Returns false for unknown ids.
func (s *Service) Unregister(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return false
	}
	delete(s.rules, id)
	s.log.Info("rule unregistered", logx.String("rule", id))
	return true
}

// SetActive toggles a rule without losing its definition.
func (s *Service) SetActive(id string, active bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rr, ok := s.rules[id]
	if !ok {
		return false
	}
	rr.active = active
	return true
}

// Rules returns a snapshot of all registered rules, sorted by id.
func (s *Service) Rules() []RuleStatus {
	s.mu.Lock()
	out := make([]RuleStatus, 0, len(s.rules))
	for _, rr := range s.rules {
		out = append(out, RuleStatus{Rule: rr.rule, Active: rr.active})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Rule.ID < out[j].Rule.ID })
	return out
}

// History returns the most recent orchestration executions, newest first.
func (s *Service) History() []ExecutionRecord {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	out := make([]ExecutionRecord, len(s.history))
	for i, rec := range s.history {
		out[len(s.history)-1-i] = rec
	}
	return out
}

// Start subscribes to the bus and launches the matching loop. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil || s.bus == nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.stopDone = make(chan struct{})
	stopCh := s.stopCh
	stopDone := s.stopDone
	events, unsub := s.bus.Subscribe(64)
	s.unsub = unsub
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "orchestrator"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	var done sync.Once
	sup.GoRestart("rules", func(c context.Context) error {
		// The loop may be restarted after a panic; the done signal fires once.
		defer done.Do(func() { close(stopDone) })
		for {
			select {
			case <-c.Done():
				return c.Err()
			case <-stopCh:
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				s.HandleEvent(c, e)
			}
		}
	})
	s.log.Info("orchestrator started", logx.Int("rules", len(s.rules)))
}

// Stop unsubscribes and waits for the matching loop to drain.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	stopDone := s.stopDone
	unsub := s.unsub
	sup := s.sup
	s.stopCh = nil
	s.stopDone = nil
	s.unsub = nil
	s.sup = nil
	s.mu.Unlock()

	close(stopCh)
	if unsub != nil {
		unsub()
	}
	select {
	case <-stopDone:
	case <-ctx.Done():
	}
	sup.Cancel()
	_ = sup.Wait(context.Background())
	s.log.Info("orchestrator stopped")
}

// HandleEvent matches one event against the rule set and executes every
// matching active rule in priority order. Exported so tests can drive the
// matcher without the bus loop.
func (s *Service) HandleEvent(ctx context.Context, e eventbus.Event) {
	view, srcQueue, ok := eventView(e)
	if !ok {
		return
	}

	s.mu.Lock()
	var matches []*registeredRule
	for _, rr := range s.rules {
		if !rr.active || !rr.rule.matchesKind(e.Type) || !rr.rule.matchesQueue(srcQueue) {
			continue
		}
		hit := true
		for _, c := range rr.rule.Conditions {
			if !c.Match(view) {
				hit = false
				break
			}
		}
		if hit {
			matches = append(matches, rr)
		}
	}
	s.mu.Unlock()

	if len(matches) == 0 {
		return
	}
	atomic.AddUint64(&s.matched, uint64(len(matches)))
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].rule.Priority != matches[j].rule.Priority {
			return matches[i].rule.Priority > matches[j].rule.Priority
		}
		return matches[i].rule.ID < matches[j].rule.ID
	})

	for _, rr := range matches {
		s.execRule(ctx, rr, e, view)
	}
}

// execRule runs one rule in isolation: its own timeout, its concurrency
// bound, and a recover so a bad rule can't take the matching loop down.
func (s *Service) execRule(ctx context.Context, rr *registeredRule, e eventbus.Event, view map[string]any) {
	r := rr.rule
	if rr.sem != nil {
		if !rr.sem.TryAcquire(1) {
			s.log.Warn("rule at max concurrency, skipped",
				logx.String("rule", r.ID), logx.String("event", e.Type))
			return
		}
		defer rr.sem.Release(1)
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("rule execution panicked",
				logx.String("rule", r.ID),
				logx.Any("panic", rec),
				logx.String("stack", string(debug.Stack())))
		}
	}()

	start := time.Now()
	created, err := s.lc.Create(execCtx, lifecycle.CreateRequest{
		Queue:    r.TargetQueue,
		Type:     r.TargetType,
		Payload:  buildPayload(r, e, view),
		Priority: r.Priority,
	})

	rec := ExecutionRecord{
		ID:        task.NewID(),
		Mode:      "reactive",
		RuleID:    r.ID,
		StartedAt: start,
		Duration:  time.Since(start),
	}
	if err != nil {
		rec.Err = err.Error()
		s.log.Error("rule execution failed", logx.String("rule", r.ID), logx.Err(err))
	} else {
		rec.CreatedID = created.ID
		atomic.AddUint64(&s.fired, 1)
		s.log.Info("rule fired",
			logx.String("rule", r.ID),
			logx.String("event", e.Type),
			logx.String("created", created.ID),
			logx.String("target", created.Type.String()))
	}
	s.record(rec)
}

// Matched and Fired expose rule counters for diagnostics.
func (s *Service) Matched() uint64 { return atomic.LoadUint64(&s.matched) }
func (s *Service) Fired() uint64   { return atomic.LoadUint64(&s.fired) }

func (s *Service) record(rec ExecutionRecord) {
	s.histMu.Lock()
	s.history = append(s.history, rec)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.histMu.Unlock()
}

// eventView flattens an event into the field map conditions match against.
// Task events expose task_id, task_type, queue, and the payload and result
// fields (result wins on collision). Domain events expose their data map.
func eventView(e eventbus.Event) (map[string]any, task.Queue, bool) {
	switch d := e.Data.(type) {
	case *task.Task:
		view := map[string]any{
			"task_id":   d.ID,
			"task_type": string(d.Type),
			"queue":     string(d.Queue),
		}
		for k, v := range d.Payload {
			view[k] = v
		}
		for k, v := range d.Result {
			view[k] = v
		}
		return view, d.Queue, true
	case map[string]any:
		view := make(map[string]any, len(d))
		for k, v := range d {
			view[k] = v
		}
		return view, "", true
	}
	return nil, "", false
}

// buildPayload merges the rule's template with the triggering data. For task
// events the trigger's result fields ride along so downstream handlers see
// the upstream completion data; for domain events the event payload does.
func buildPayload(r Rule, e eventbus.Event, view map[string]any) map[string]any {
	payload := make(map[string]any, len(r.Payload)+len(view))
	for k, v := range r.Payload {
		payload[k] = v
	}
	switch d := e.Data.(type) {
	case *task.Task:
		for k, v := range d.Result {
			payload[k] = v
		}
		payload["trigger_task_id"] = d.ID
		payload["trigger_task_type"] = string(d.Type)
	case map[string]any:
		for k, v := range d {
			payload[k] = v
		}
	}
	return payload
}
