package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradepipe/internal/eventbus"
	"tradepipe/internal/lifecycle"
	"tradepipe/internal/store"
	"tradepipe/internal/task"
	logx "tradepipe/pkg/logx"
)

func newFixture(t *testing.T, cfg Config) (*Runner, *lifecycle.Registry, *lifecycle.Service) {
	t.Helper()
	reg := lifecycle.NewRegistry()
	lc := lifecycle.New(store.NewMemory(), logx.Nop(), eventbus.New())
	return New(cfg, reg, lc, logx.Nop()), reg, lc
}

func reportTask(t *testing.T, lc *lifecycle.Service) *task.Task {
	t.Helper()
	tk, err := lc.Create(context.Background(), lifecycle.CreateRequest{
		Queue: task.QueueReport,
		Type:  task.TypeGenerateReport,
	})
	if err != nil {
		t.Fatal(err)
	}
	return tk
}

func TestInvokeSuccess(t *testing.T) {
	t.Parallel()
	r, reg, lc := newFixture(t, Config{})
	reg.Register(task.TypeGenerateReport, func(ctx context.Context, tk *task.Task) (map[string]any, error) {
		return map[string]any{"pages": 3}, nil
	})

	res, err := r.Invoke(context.Background(), reportTask(t, lc))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res["pages"] != 3 {
		t.Errorf("result = %v", res)
	}
	if r.AvgDuration(task.TypeGenerateReport) <= 0 {
		t.Error("successful run should feed the rolling average")
	}
}

func TestInvokeNoHandler(t *testing.T) {
	t.Parallel()
	r, _, lc := newFixture(t, Config{})

	_, err := r.Invoke(context.Background(), reportTask(t, lc))
	if !errors.Is(err, task.ErrNoHandler) {
		t.Fatalf("err = %v, want ErrNoHandler", err)
	}
}

func TestInvokeInvalidPayload(t *testing.T) {
	t.Parallel()
	r, reg, lc := newFixture(t, Config{})
	reg.Register(task.TypeRunAnalysis, func(ctx context.Context, tk *task.Task) (map[string]any, error) {
		t.Error("handler must not run on invalid payload")
		return nil, nil
	})

	tk, err := lc.Create(context.Background(), lifecycle.CreateRequest{
		Queue: task.QueueAnalysis,
		Type:  task.TypeRunAnalysis,
		// symbol missing
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.Invoke(context.Background(), tk)
	if !errors.Is(err, task.ErrInvalidPayload) {
		t.Fatalf("err = %v, want ErrInvalidPayload", err)
	}
}

func TestInvokeTimeout(t *testing.T) {
	t.Parallel()
	r, reg, lc := newFixture(t, Config{
		DefaultTimeout: 50 * time.Millisecond,
		GracePeriod:    50 * time.Millisecond,
	})
	reg.Register(task.TypeGenerateReport, func(ctx context.Context, tk *task.Task) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	start := time.Now()
	_, err := r.Invoke(context.Background(), reportTask(t, lc))
	if !errors.Is(err, task.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v, ceiling plus grace expected", elapsed)
	}
}

func TestInvokeGraceWindowSuccess(t *testing.T) {
	t.Parallel()
	r, reg, lc := newFixture(t, Config{
		DefaultTimeout: 50 * time.Millisecond,
		GracePeriod:    time.Second,
	})
	reg.Register(task.TypeGenerateReport, func(ctx context.Context, tk *task.Task) (map[string]any, error) {
		<-ctx.Done()
		// Flush partial work and report success just inside the grace window.
		time.Sleep(20 * time.Millisecond)
		return map[string]any{"partial": true}, nil
	})

	res, err := r.Invoke(context.Background(), reportTask(t, lc))
	if err != nil {
		t.Fatalf("late success inside grace should count: %v", err)
	}
	if res["partial"] != true {
		t.Errorf("result = %v", res)
	}
}

func TestInvokeHandlerIgnoresCancellation(t *testing.T) {
	t.Parallel()
	r, reg, lc := newFixture(t, Config{
		DefaultTimeout: 30 * time.Millisecond,
		GracePeriod:    30 * time.Millisecond,
	})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	reg.Register(task.TypeGenerateReport, func(ctx context.Context, tk *task.Task) (map[string]any, error) {
		<-release // never acknowledges ctx
		return nil, nil
	})

	_, err := r.Invoke(context.Background(), reportTask(t, lc))
	if !errors.Is(err, task.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout after grace expires", err)
	}
}

func TestInvokeExternalCancel(t *testing.T) {
	t.Parallel()
	r, reg, lc := newFixture(t, Config{})
	reg.Register(task.TypeGenerateReport, func(ctx context.Context, tk *task.Task) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := r.Invoke(ctx, reportTask(t, lc))
	if err == nil || errors.Is(err, task.ErrTimeout) {
		t.Fatalf("err = %v, want cancellation distinct from timeout", err)
	}
}

func TestInvokePanicBecomesError(t *testing.T) {
	t.Parallel()
	r, reg, lc := newFixture(t, Config{})
	reg.Register(task.TypeGenerateReport, func(ctx context.Context, tk *task.Task) (map[string]any, error) {
		panic("boom")
	})

	_, err := r.Invoke(context.Background(), reportTask(t, lc))
	if err == nil {
		t.Fatal("panic should surface as an error")
	}
}

func TestExecuteDrivesLifecycle(t *testing.T) {
	t.Parallel()
	r, reg, lc := newFixture(t, Config{})
	reg.Register(task.TypeGenerateReport, func(ctx context.Context, tk *task.Task) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})

	tk := reportTask(t, lc)
	if err := lc.MarkStarted(context.Background(), tk.ID); err != nil {
		t.Fatal(err)
	}
	status := r.Execute(context.Background(), tk)
	if status != task.StatusCompleted {
		t.Fatalf("status = %s, want completed", status)
	}
	got, _ := lc.Get(tk.ID)
	if got.Result["ok"] != true {
		t.Errorf("result not persisted: %v", got.Result)
	}
}

func TestExecuteFailureRetries(t *testing.T) {
	t.Parallel()
	r, reg, lc := newFixture(t, Config{})
	reg.Register(task.TypeGenerateReport, func(ctx context.Context, tk *task.Task) (map[string]any, error) {
		return nil, errors.New("transient")
	})

	tk := reportTask(t, lc)
	status := r.Execute(context.Background(), tk)
	if status != task.StatusRetrying {
		t.Fatalf("status = %s, want retrying on first failure", status)
	}
}

func TestTimeoutForAnalysis(t *testing.T) {
	t.Parallel()
	r, _, _ := newFixture(t, Config{
		DefaultTimeout:  time.Minute,
		AnalysisTimeout: 10 * time.Minute,
	})

	analysis := &task.Task{Queue: task.QueueAnalysis, Type: task.TypeRunAnalysis}
	if got := r.TimeoutFor(analysis); got != 10*time.Minute {
		t.Errorf("analysis timeout = %v", got)
	}
	sync := &task.Task{Queue: task.QueueSync, Type: task.TypeSyncBalances}
	if got := r.TimeoutFor(sync); got != time.Minute {
		t.Errorf("default timeout = %v", got)
	}
}
