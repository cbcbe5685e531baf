package bridge

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
	lc := lifecycle.New(store.NewMemory(), logx.Nop(), eventbus.New())
	run := runner.New(runner.Config{}, reg, lc, logx.Nop())
	svc := New(Config{
		Queues:      []task.Queue{task.QueueAnalysis},
		Poll:        10 * time.Millisecond,
		CallTimeout: time.Second,
		JoinTimeout: 2 * time.Second,
	}, lc, run, logx.Nop())
	return svc, reg, lc
}

func analysisTask(t *testing.T, lc *lifecycle.Service, symbol string) *task.Task {
	t.Helper()
	tk, err := lc.Create(context.Background(), lifecycle.CreateRequest{
		Queue:   task.QueueAnalysis,
		Type:    task.TypeRunAnalysis,
		Payload: map[string]any{"symbol": symbol},
	})
	if err != nil {
		t.Fatal(err)
	}
	return tk
}

func waitStatus(t *testing.T, lc *lifecycle.Service, id string, want task.Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got, ok := lc.Get(id); ok && got.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := lc.Get(id)
	t.Fatalf("task %s never reached %s (now %s)", id, want, got.Status)
}

func TestBridgeExecutesTask(t *testing.T) {
	t.Parallel()
	svc, reg, lc := newFixture(t)
	reg.Register(task.TypeRunAnalysis, func(ctx context.Context, tk *task.Task) (map[string]any, error) {
		return map[string]any{"signal": "buy"}, nil
	})

	tk := analysisTask(t, lc, "SPY")
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	waitStatus(t, lc, tk.ID, task.StatusCompleted)
	got, _ := lc.Get(tk.ID)
	if got.Result["signal"] != "buy" {
		t.Errorf("result = %v", got.Result)
	}
	if h := svc.Healthy(); !h[task.QueueAnalysis] {
		t.Error("queue should be healthy after a clean run")
	}
}

func TestBridgeRunsOneTaskAtATime(t *testing.T) {
	t.Parallel()
	svc, reg, lc := newFixture(t)

	started := make(chan string, 4)
	release := make(chan struct{})
	reg.Register(task.TypeRunAnalysis, func(ctx context.Context, tk *task.Task) (map[string]any, error) {
		started <- tk.ID
		select {
		case <-release:
			return map[string]any{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	a := analysisTask(t, lc, "SPY")
	b := analysisTask(t, lc, "QQQ")

	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	first := <-started
	// With one worker per bridged queue the second task must wait.
	select {
	case second := <-started:
		t.Fatalf("second task %s started while %s still running", second, first)
	case <-time.After(100 * time.Millisecond):
	}
	if r := svc.Running(); !r[task.QueueAnalysis] {
		t.Error("queue should report a running task")
	}

	close(release)
	waitStatus(t, lc, a.ID, task.StatusCompleted)
	waitStatus(t, lc, b.ID, task.StatusCompleted)
}

func TestBridgeFailureRetries(t *testing.T) {
	t.Parallel()
	svc, reg, lc := newFixture(t)

	attempts := make(chan struct{}, 16)
	reg.Register(task.TypeRunAnalysis, func(ctx context.Context, tk *task.Task) (map[string]any, error) {
		attempts <- struct{}{}
		return nil, errors.New("model unavailable")
	})

	tk := analysisTask(t, lc, "SPY")
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	// Default max retries is 3: initial attempt plus three retries, then failed.
	waitStatus(t, lc, tk.ID, task.StatusFailed)
	got, _ := lc.Get(tk.ID)
	if got.RetryCount != 3 {
		t.Errorf("retry_count = %d, want 3", got.RetryCount)
	}
	if len(attempts) != 4 {
		t.Errorf("attempts = %d, want 4", len(attempts))
	}
}

func TestCallTimeoutWithoutOwner(t *testing.T) {
	t.Parallel()
	svc, _, _ := newFixture(t)

	// No Start: nothing services the owner channel, so the call must time
	// out with the bridge sentinel instead of blocking forever.
	_, err := svc.call(func(context.Context) (any, error) {
		return nil, nil
	}, 50*time.Millisecond)
	if !errors.Is(err, task.ErrBridgeTimeout) {
		t.Fatalf("err = %v, want ErrBridgeTimeout", err)
	}
}

func TestStopJoinsWorker(t *testing.T) {
	t.Parallel()
	svc, reg, lc := newFixture(t)
	reg.Register(task.TypeRunAnalysis, func(ctx context.Context, tk *task.Task) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	_ = analysisTask(t, lc, "SPY")

	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	time.Sleep(50 * time.Millisecond)

	cancel()
	done := make(chan struct{})
	go func() {
		svc.Stop(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}
