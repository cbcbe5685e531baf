package lifecycle

import (
	"context"
	"testing"
	"time"

	"tradepipe/internal/eventbus"
	"tradepipe/internal/store"
	"tradepipe/internal/task"
	logx "tradepipe/pkg/logx"
)

func newService(t *testing.T) *Service {
	t.Helper()
	return New(store.NewMemory(), logx.Nop(), eventbus.New())
}

func mustCreate(t *testing.T, s *Service, req CreateRequest) *task.Task {
	t.Helper()
	tk, err := s.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tk
}

func TestCreateDefaults(t *testing.T) {
	t.Parallel()
	s := newService(t)

	tk := mustCreate(t, s, CreateRequest{
		Queue:   task.QueueSync,
		Type:    task.TypeSyncBalances,
		Payload: map[string]any{"account_id": "a1"},
	})

	if tk.Priority != task.PriorityNormal {
		t.Errorf("Priority = %d, want %d", tk.Priority, task.PriorityNormal)
	}
	if tk.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", tk.MaxRetries)
	}
	if tk.Status != task.StatusPending {
		t.Errorf("Status = %s, want pending", tk.Status)
	}
	if !tk.Active {
		t.Error("new task should be active")
	}
	if tk.ID == "" {
		t.Error("id should be assigned")
	}
}

func TestCreateRejectsInvalid(t *testing.T) {
	t.Parallel()
	s := newService(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, CreateRequest{Queue: "backfill", Type: task.TypeSyncBalances}); err == nil {
		t.Error("invalid queue should be rejected")
	}
	if _, err := s.Create(ctx, CreateRequest{Queue: task.QueueSync, Type: "mystery"}); err == nil {
		t.Error("unknown type should be rejected")
	}
}

func TestCreateDelay(t *testing.T) {
	t.Parallel()
	s := newService(t)

	tk := mustCreate(t, s, CreateRequest{
		Queue:   task.QueueSync,
		Type:    task.TypeSyncBalances,
		Payload: map[string]any{"account_id": "a1"},
		Delay:   time.Hour,
	})
	if tk.Due(time.Now()) {
		t.Error("delayed task should not be due yet")
	}
}

func TestMarkLifecycle(t *testing.T) {
	t.Parallel()
	s := newService(t)
	ctx := context.Background()

	tk := mustCreate(t, s, CreateRequest{
		Queue:   task.QueueMarket,
		Type:    task.TypeFetchMarketData,
		Payload: map[string]any{"symbols": []string{"SPY"}},
	})

	if err := s.MarkStarted(ctx, tk.ID); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}
	got, _ := s.Get(tk.ID)
	if got.Status != task.StatusRunning || got.StartedAt == nil {
		t.Fatalf("after start: status=%s started=%v", got.Status, got.StartedAt)
	}

	if err := s.MarkCompleted(ctx, tk.ID, map[string]any{"bar_count": 7}); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	got, _ = s.Get(tk.ID)
	if got.Status != task.StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("after complete: status=%s completed=%v", got.Status, got.CompletedAt)
	}
	if got.Result["bar_count"] != 7 {
		t.Errorf("result not stored: %v", got.Result)
	}
}

func TestMarkFailedRetriesThenFails(t *testing.T) {
	t.Parallel()
	s := newService(t)
	ctx := context.Background()

	tk := mustCreate(t, s, CreateRequest{
		Queue:      task.QueueSync,
		Type:       task.TypeSyncBalances,
		Payload:    map[string]any{"account_id": "a1"},
		MaxRetries: 2,
	})

	// Attempt 1 fails: retries remain, so the task parks as retrying with
	// retry_count untouched until an explicit Retry.
	status, err := s.MarkFailed(ctx, tk.ID, "broker unavailable")
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if status != task.StatusRetrying {
		t.Fatalf("status = %s, want retrying", status)
	}
	got, _ := s.Get(tk.ID)
	if got.RetryCount != 0 {
		t.Fatalf("retry_count = %d, want 0 before explicit retry", got.RetryCount)
	}
	if got.ErrorMessage == "" {
		t.Error("error message should be recorded")
	}

	// Re-admission consumes one retry.
	if err := s.Retry(ctx, tk.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	got, _ = s.Get(tk.ID)
	if got.RetryCount != 1 || got.Status != task.StatusPending {
		t.Fatalf("after retry: count=%d status=%s", got.RetryCount, got.Status)
	}

	if _, err := s.MarkFailed(ctx, tk.ID, "still down"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if err := s.Retry(ctx, tk.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}

	// Retries exhausted: the next failure is terminal.
	status, err = s.MarkFailed(ctx, tk.ID, "gave up")
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if status != task.StatusFailed {
		t.Fatalf("status = %s, want failed", status)
	}
	got, _ = s.Get(tk.ID)
	if got.CompletedAt == nil {
		t.Error("failed task should have completed_at")
	}
	if err := s.Retry(ctx, tk.ID); err == nil {
		t.Error("Retry after exhaustion should error")
	}
}

func TestListReadyOrderingAndGating(t *testing.T) {
	t.Parallel()
	s := newService(t)

	low := mustCreate(t, s, CreateRequest{
		Queue: task.QueueSync, Type: task.TypeSyncBalances,
		Payload: map[string]any{"account_id": "a1"}, Priority: task.PriorityLow,
	})
	high := mustCreate(t, s, CreateRequest{
		Queue: task.QueueSync, Type: task.TypeSyncPositions,
		Payload: map[string]any{"account_id": "a1"}, Priority: task.PriorityHigh,
	})
	blocked := mustCreate(t, s, CreateRequest{
		Queue: task.QueueSync, Type: task.TypeSyncBalances,
		Payload:   map[string]any{"account_id": "a2"},
		DependsOn: []string{low.ID},
	})

	ready := s.ListReady(task.QueueSync, s.TerminalIDs())
	if len(ready) != 2 {
		t.Fatalf("ready = %d tasks, want 2 (dependency should gate)", len(ready))
	}
	if ready[0].ID != high.ID {
		t.Errorf("highest priority should come first, got %s", ready[0].Type)
	}

	// Complete the dependency; the blocked task becomes ready.
	ctx := context.Background()
	if err := s.MarkStarted(ctx, low.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkCompleted(ctx, low.ID, nil); err != nil {
		t.Fatal(err)
	}
	ready = s.ListReady(task.QueueSync, s.TerminalIDs())
	found := false
	for _, r := range ready {
		if r.ID == blocked.ID {
			found = true
		}
	}
	if !found {
		t.Error("task should be ready after its dependency completes")
	}
}

func TestCancelExcludesFromReady(t *testing.T) {
	t.Parallel()
	s := newService(t)
	ctx := context.Background()

	tk := mustCreate(t, s, CreateRequest{
		Queue: task.QueueSync, Type: task.TypeSyncBalances,
		Payload: map[string]any{"account_id": "a1"},
	})
	if !s.Cancel(ctx, tk.ID) {
		t.Fatal("Cancel should succeed")
	}
	if s.Cancel(ctx, "missing") {
		t.Error("Cancel of unknown id should report false")
	}
	if ready := s.ListReady(task.QueueSync, s.TerminalIDs()); len(ready) != 0 {
		t.Errorf("cancelled task should not be ready, got %d", len(ready))
	}
}

func TestRecoverStale(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	ctx := context.Background()

	// Simulate a crash: a task persisted as running with no live executor.
	stale := &task.Task{
		ID:     task.NewID(),
		Queue:  task.QueueAnalysis,
		Type:   task.TypeRunAnalysis,
		Status: task.StatusRunning,
		Active: true,
	}
	if err := st.Save(ctx, stale); err != nil {
		t.Fatal(err)
	}

	s := New(st, logx.Nop(), nil)
	if err := s.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if n := s.RecoverStale(ctx); n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}
	got, _ := s.Get(stale.ID)
	if got.Status != task.StatusPending || got.StartedAt != nil {
		t.Fatalf("after recovery: status=%s started=%v", got.Status, got.StartedAt)
	}
}

func TestMarkCompletedRearmsRecurring(t *testing.T) {
	t.Parallel()
	s := newService(t)
	ctx := context.Background()

	tk := mustCreate(t, s, CreateRequest{
		Queue: task.QueueSync, Type: task.TypeSyncBalances,
		Payload:    map[string]any{"account_id": "a1"},
		Recurrence: "@every 1h",
	})
	if err := s.MarkStarted(ctx, tk.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkCompleted(ctx, tk.ID, map[string]any{"cash": 1.0}); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Get(tk.ID)
	if got.Status != task.StatusPending {
		t.Fatalf("status = %s, want pending for the next cycle", got.Status)
	}
	if got.CompletedAt != nil || got.StartedAt != nil {
		t.Errorf("timestamps not cleared: started=%v completed=%v", got.StartedAt, got.CompletedAt)
	}
	if !got.NextExecution.After(time.Now().Add(50 * time.Minute)) {
		t.Errorf("next execution %v, want about an hour out", got.NextExecution)
	}
	if got.Result["cash"] != 1.0 {
		t.Errorf("result not stored: %v", got.Result)
	}

	// A cancelled recurring task finishes for good.
	other := mustCreate(t, s, CreateRequest{
		Queue: task.QueueSync, Type: task.TypeSyncBalances,
		Payload:    map[string]any{"account_id": "a2"},
		Recurrence: "@every 1h",
	})
	if err := s.MarkStarted(ctx, other.ID); err != nil {
		t.Fatal(err)
	}
	if !s.Cancel(ctx, other.ID) {
		t.Fatal("Cancel should succeed")
	}
	if err := s.MarkCompleted(ctx, other.ID, nil); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Get(other.ID)
	if got.Status != task.StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("cancelled recurring task: status=%s completed=%v", got.Status, got.CompletedAt)
	}
}

func TestSweepSkipsActiveRecurring(t *testing.T) {
	t.Parallel()
	s := newService(t)
	ctx := context.Background()

	// Exhaust a recurring task's retries so it parks as failed.
	tk := mustCreate(t, s, CreateRequest{
		Queue: task.QueueSync, Type: task.TypeSyncBalances,
		Payload:    map[string]any{"account_id": "a1"},
		MaxRetries: 1,
		Recurrence: "@every 1h",
	})
	if _, err := s.MarkFailed(ctx, tk.ID, "broker down"); err != nil {
		t.Fatal(err)
	}
	if err := s.Retry(ctx, tk.ID); err != nil {
		t.Fatal(err)
	}
	status, err := s.MarkFailed(ctx, tk.ID, "still down")
	if err != nil {
		t.Fatal(err)
	}
	if status != task.StatusFailed {
		t.Fatalf("status = %s, want failed after exhaustion", status)
	}

	if n := s.SweepTerminal(ctx, 0); n != 0 {
		t.Fatalf("swept %d, want 0: active recurring tasks are exempt", n)
	}
	if _, ok := s.Get(tk.ID); !ok {
		t.Fatal("recurring task should survive the sweep")
	}

	// Cancelled, it goes like any other terminal task.
	if !s.Cancel(ctx, tk.ID) {
		t.Fatal("Cancel should succeed")
	}
	if n := s.SweepTerminal(ctx, 0); n != 1 {
		t.Fatalf("swept %d, want 1 after cancellation", n)
	}
}

func TestSweepTerminal(t *testing.T) {
	t.Parallel()
	s := newService(t)
	ctx := context.Background()

	tk := mustCreate(t, s, CreateRequest{
		Queue: task.QueueReport, Type: task.TypeGenerateReport,
	})
	if err := s.MarkStarted(ctx, tk.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkCompleted(ctx, tk.ID, nil); err != nil {
		t.Fatal(err)
	}

	// Retention window still open: nothing to sweep.
	if n := s.SweepTerminal(ctx, time.Hour); n != 0 {
		t.Fatalf("swept %d, want 0", n)
	}
	// Zero retention: the completed task goes.
	if n := s.SweepTerminal(ctx, 0); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if _, ok := s.Get(tk.ID); ok {
		t.Error("swept task should be gone")
	}
}
