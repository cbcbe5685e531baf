package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradepipe/internal/eventbus"
	"tradepipe/internal/lifecycle"
	"tradepipe/internal/runner"
	"tradepipe/internal/store"
	"tradepipe/internal/task"
	logx "tradepipe/pkg/logx"
)

func newFixture(t *testing.T) (*Service, *lifecycle.Registry, *lifecycle.Service) {
	t.Helper()
	reg := lifecycle.NewRegistry()
	lc := lifecycle.New(store.NewMemory(), logx.Nop(), nil)
	run := runner.New(runner.Config{}, reg, lc, logx.Nop())
	return New(lc, run, nil, logx.Nop()), reg, lc
}

func tasksIn(lc *lifecycle.Service, q task.Queue) []*task.Task {
	var out []*task.Task
	for _, tk := range lc.Tasks() {
		if tk.Queue == q {
			out = append(out, tk)
		}
	}
	return out
}

func TestConditionMatch(t *testing.T) {
	t.Parallel()
	view := map[string]any{
		"task_type":    "sync_positions",
		"impact_score": 0.85,
		"symbol":       "SPY",
		"count":        3,
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"eq hit", Condition{Field: "symbol", Op: OpEq, Value: "SPY"}, true},
		{"eq miss", Condition{Field: "symbol", Op: OpEq, Value: "QQQ"}, false},
		{"eq missing field", Condition{Field: "nope", Op: OpEq, Value: "x"}, false},
		{"in hit", Condition{Field: "task_type", Op: OpIn, Values: []any{"sync_balances", "sync_positions"}}, true},
		{"in miss", Condition{Field: "task_type", Op: OpIn, Values: []any{"fetch_news"}}, false},
		{"gt hit", Condition{Field: "impact_score", Op: OpGt, Threshold: 0.7}, true},
		{"gt boundary", Condition{Field: "impact_score", Op: OpGt, Threshold: 0.85}, false},
		{"gt non-numeric", Condition{Field: "symbol", Op: OpGt, Threshold: 0.5}, false},
		{"lt hit", Condition{Field: "count", Op: OpLt, Threshold: 5}, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cond.Match(view); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCascadeSyncToMarket(t *testing.T) {
	t.Parallel()
	s, _, lc := newFixture(t)

	completed := &task.Task{
		ID:     task.NewID(),
		Queue:  task.QueueSync,
		Type:   task.TypeSyncPositions,
		Status: task.StatusCompleted,
		Result: map[string]any{"symbols": []string{"SPY", "QQQ"}, "account_id": "a1"},
	}
	s.HandleEvent(context.Background(), eventbus.Event{
		Type: eventbus.KindTaskCompleted,
		Data: completed,
	})

	created := tasksIn(lc, task.QueueMarket)
	if len(created) != 1 {
		t.Fatalf("market tasks = %d, want 1", len(created))
	}
	got := created[0]
	if got.Type != task.TypeFetchMarketData {
		t.Errorf("type = %s", got.Type)
	}
	// The upstream completion data rides along in the downstream payload.
	if got.Payload["trigger_task_id"] != completed.ID {
		t.Errorf("trigger id missing: %v", got.Payload)
	}
	syms, ok := got.Payload["symbols"].([]string)
	if !ok || len(syms) != 2 {
		t.Errorf("symbols not embedded: %v", got.Payload["symbols"])
	}
}

func TestCascadeIgnoresWrongQueue(t *testing.T) {
	t.Parallel()
	s, _, lc := newFixture(t)

	// A completion in the report queue matches no cascade rule.
	s.HandleEvent(context.Background(), eventbus.Event{
		Type: eventbus.KindTaskCompleted,
		Data: &task.Task{
			ID:     task.NewID(),
			Queue:  task.QueueReport,
			Type:   task.TypeGenerateReport,
			Status: task.StatusCompleted,
		},
	})
	if n := len(lc.Tasks()); n != 0 {
		t.Fatalf("created %d tasks, want 0", n)
	}
}

func TestNewsImpactThreshold(t *testing.T) {
	t.Parallel()
	s, _, lc := newFixture(t)
	ctx := context.Background()

	s.HandleEvent(ctx, eventbus.Event{
		Type: eventbus.KindNewsEvent,
		Data: map[string]any{"article_id": "n-low", "impact_score": 0.4},
	})
	if n := len(tasksIn(lc, task.QueueAnalysis)); n != 0 {
		t.Fatalf("low-impact news created %d tasks", n)
	}

	s.HandleEvent(ctx, eventbus.Event{
		Type: eventbus.KindNewsEvent,
		Data: map[string]any{"article_id": "n-high", "impact_score": 0.9},
	})
	created := tasksIn(lc, task.QueueAnalysis)
	if len(created) != 1 {
		t.Fatalf("high-impact news created %d tasks, want 1", len(created))
	}
	got := created[0]
	if got.Type != task.TypeEvaluateNews {
		t.Errorf("type = %s", got.Type)
	}
	if got.Payload["article_id"] != "n-high" {
		t.Errorf("article id not embedded: %v", got.Payload)
	}
	if got.Priority != task.PriorityHigh {
		t.Errorf("priority = %d, want high", got.Priority)
	}
}

func TestSetActiveSuppressesRule(t *testing.T) {
	t.Parallel()
	s, _, lc := newFixture(t)

	if !s.SetActive("news-impact", false) {
		t.Fatal("SetActive should find the default rule")
	}
	s.HandleEvent(context.Background(), eventbus.Event{
		Type: eventbus.KindNewsEvent,
		Data: map[string]any{"article_id": "n1", "impact_score": 0.95},
	})
	if n := len(lc.Tasks()); n != 0 {
		t.Fatalf("inactive rule fired, created %d tasks", n)
	}

	if !s.SetActive("news-impact", true) {
		t.Fatal("SetActive re-enable failed")
	}
	s.HandleEvent(context.Background(), eventbus.Event{
		Type: eventbus.KindNewsEvent,
		Data: map[string]any{"article_id": "n1", "impact_score": 0.95},
	})
	if n := len(lc.Tasks()); n != 1 {
		t.Fatalf("re-enabled rule should fire, got %d tasks", n)
	}
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	s, _, _ := newFixture(t)

	err := s.Register(Rule{
		ID:          "custom",
		EventKinds:  []string{eventbus.KindTaskCompleted},
		TargetQueue: task.QueueReport,
		TargetType:  task.TypeGenerateReport,
	})
	if err != nil {
		t.Fatalf("valid rule rejected: %v", err)
	}
	if err := s.Register(Rule{ID: "custom"}); err == nil {
		t.Error("duplicate id should be rejected")
	}
	if err := s.Register(Rule{
		ID:          "bad-target",
		EventKinds:  []string{eventbus.KindTaskCompleted},
		TargetQueue: "backfill",
		TargetType:  task.TypeGenerateReport,
	}); err == nil {
		t.Error("invalid target queue should be rejected")
	}
	if !s.Unregister("custom") {
		t.Error("Unregister should find the rule")
	}
	if s.Unregister("custom") {
		t.Error("second Unregister should report false")
	}
}

func TestExecuteSequential(t *testing.T) {
	t.Parallel()
	s, reg, lc := newFixture(t)
	ctx := context.Background()

	var order []task.Queue
	record := func(q task.Queue) lifecycle.Handler {
		return func(ctx context.Context, tk *task.Task) (map[string]any, error) {
			order = append(order, q)
			return map[string]any{}, nil
		}
	}
	reg.Register(task.TypeSyncBalances, record(task.QueueSync))
	reg.Register(task.TypeFetchMarketData, record(task.QueueMarket))

	_, _ = lc.Create(ctx, lifecycle.CreateRequest{
		Queue: task.QueueSync, Type: task.TypeSyncBalances,
		Payload: map[string]any{"account_id": "a1"},
	})
	_, _ = lc.Create(ctx, lifecycle.CreateRequest{
		Queue: task.QueueMarket, Type: task.TypeFetchMarketData,
		Payload: map[string]any{"symbols": []string{"SPY"}},
	})

	rec, err := s.ExecuteSequential(ctx, []task.Queue{task.QueueSync, task.QueueMarket})
	if err != nil {
		t.Fatalf("ExecuteSequential: %v", err)
	}
	if rec.Mode != "sequential" || rec.Err != "" {
		t.Errorf("record = %+v", rec)
	}
	if len(order) != 2 || order[0] != task.QueueSync || order[1] != task.QueueMarket {
		t.Errorf("execution order = %v", order)
	}
	if len(s.History()) == 0 {
		t.Error("workflow should be recorded in history")
	}
}

func TestExecuteSequentialStopsOnFailure(t *testing.T) {
	t.Parallel()
	s, reg, lc := newFixture(t)
	ctx := context.Background()

	reg.Register(task.TypeSyncBalances, func(ctx context.Context, tk *task.Task) (map[string]any, error) {
		return nil, errors.New("broker down")
	})
	marketRan := false
	reg.Register(task.TypeFetchMarketData, func(ctx context.Context, tk *task.Task) (map[string]any, error) {
		marketRan = true
		return map[string]any{}, nil
	})

	_, _ = lc.Create(ctx, lifecycle.CreateRequest{
		Queue: task.QueueSync, Type: task.TypeSyncBalances,
		Payload: map[string]any{"account_id": "a1"}, MaxRetries: 1,
	})
	_, _ = lc.Create(ctx, lifecycle.CreateRequest{
		Queue: task.QueueMarket, Type: task.TypeFetchMarketData,
		Payload: map[string]any{"symbols": []string{"SPY"}},
	})

	_, err := s.ExecuteSequential(ctx, []task.Queue{task.QueueSync, task.QueueMarket})
	if err == nil {
		t.Fatal("failure in the first queue should abort the workflow")
	}
	if marketRan {
		t.Error("later queue must not run after an earlier failure")
	}
}

func TestExecuteParallel(t *testing.T) {
	t.Parallel()
	s, reg, lc := newFixture(t)
	ctx := context.Background()

	reg.Register(task.TypeSyncBalances, func(ctx context.Context, tk *task.Task) (map[string]any, error) {
		time.Sleep(20 * time.Millisecond)
		return map[string]any{}, nil
	})
	reg.Register(task.TypeFetchMarketData, func(ctx context.Context, tk *task.Task) (map[string]any, error) {
		time.Sleep(20 * time.Millisecond)
		return map[string]any{}, nil
	})

	a, _ := lc.Create(ctx, lifecycle.CreateRequest{
		Queue: task.QueueSync, Type: task.TypeSyncBalances,
		Payload: map[string]any{"account_id": "a1"},
	})
	b, _ := lc.Create(ctx, lifecycle.CreateRequest{
		Queue: task.QueueMarket, Type: task.TypeFetchMarketData,
		Payload: map[string]any{"symbols": []string{"SPY"}},
	})

	rec, err := s.ExecuteParallel(ctx, []task.Queue{task.QueueSync, task.QueueMarket}, 2)
	if err != nil {
		t.Fatalf("ExecuteParallel: %v", err)
	}
	if rec.Mode != "parallel" {
		t.Errorf("mode = %s", rec.Mode)
	}
	for _, id := range []string{a.ID, b.ID} {
		got, _ := lc.Get(id)
		if got.Status != task.StatusCompleted {
			t.Errorf("task %s status = %s", id, got.Status)
		}
	}
}
