package task

import (
	"testing"
	"time"
)

func TestStatusClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status      Status
		terminal    bool
		schedulable bool
	}{
		{StatusPending, false, true},
		{StatusRunning, false, false},
		{StatusCompleted, true, false},
		{StatusFailed, true, false},
		{StatusRetrying, false, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.terminal)
		}
		if got := tt.status.Schedulable(); got != tt.schedulable {
			t.Errorf("%s.Schedulable() = %v, want %v", tt.status, got, tt.schedulable)
		}
	}
}

func TestQueueValid(t *testing.T) {
	t.Parallel()
	for _, q := range Queues() {
		if !q.Valid() {
			t.Errorf("%s should be valid", q)
		}
	}
	if Queue("backfill").Valid() {
		t.Error("unknown queue should not be valid")
	}
}

func TestDue(t *testing.T) {
	t.Parallel()
	now := time.Now()

	tk := &Task{ScheduledAt: now.Add(-time.Minute)}
	if !tk.Due(now) {
		t.Error("past scheduled_at should be due")
	}
	tk = &Task{ScheduledAt: now.Add(time.Minute)}
	if tk.Due(now) {
		t.Error("future scheduled_at should not be due")
	}

	// NextExecution takes precedence for recurring tasks.
	tk = &Task{ScheduledAt: now.Add(-time.Hour), NextExecution: now.Add(time.Hour)}
	if tk.Due(now) {
		t.Error("future next_execution should override past scheduled_at")
	}
}

func TestReady(t *testing.T) {
	t.Parallel()
	terminal := map[string]struct{}{"a": {}, "b": {}}

	tests := []struct {
		name string
		deps []string
		want bool
	}{
		{"no deps", nil, true},
		{"all terminal", []string{"a", "b"}, true},
		{"one missing", []string{"a", "c"}, false},
	}
	for _, tt := range tests {
		tk := &Task{DependsOn: tt.deps}
		if got := tk.Ready(terminal); got != tt.want {
			t.Errorf("%s: Ready() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()
	orig := &Task{
		ID:        NewID(),
		Payload:   map[string]any{"account_id": "acct-1"},
		Result:    map[string]any{"cash": 100.0},
		DependsOn: []string{"dep-1"},
	}
	cp := orig.Clone()
	cp.Payload["account_id"] = "acct-2"
	cp.Result["cash"] = 0.0
	cp.DependsOn[0] = "dep-2"

	if orig.Payload["account_id"] != "acct-1" {
		t.Error("clone shares payload map")
	}
	if orig.Result["cash"] != 100.0 {
		t.Error("clone shares result map")
	}
	if orig.DependsOn[0] != "dep-1" {
		t.Error("clone shares depends_on slice")
	}
}

func TestValidatePayload(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		typ     Type
		payload map[string]any
		wantErr bool
	}{
		{"sync ok", TypeSyncBalances, map[string]any{"account_id": "a1"}, false},
		{"sync missing account", TypeSyncBalances, map[string]any{}, true},
		{"sync wrong kind", TypeSyncBalances, map[string]any{"account_id": 7}, true},
		{"market ok", TypeFetchMarketData, map[string]any{"symbols": []string{"SPY"}}, false},
		{"market json list", TypeFetchMarketData, map[string]any{"symbols": []any{"SPY", "QQQ"}}, false},
		{"market bad list", TypeFetchMarketData, map[string]any{"symbols": []any{1, 2}}, true},
		{"analysis ok", TypeRunAnalysis, map[string]any{"symbol": "SPY"}, false},
		{"news score number", TypeEvaluateNews, map[string]any{"article_id": "n1", "impact_score": 0.9}, false},
		{"news score string", TypeEvaluateNews, map[string]any{"article_id": "n1", "impact_score": "high"}, true},
		{"report no required", TypeGenerateReport, nil, false},
		{"extra keys allowed", TypeRunAnalysis, map[string]any{"symbol": "SPY", "trigger_task_id": "x"}, false},
		{"unknown type", Type("mystery"), nil, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(tt.typ, tt.payload)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidatePayload(%s) error = %v, wantErr %v", tt.typ, err, tt.wantErr)
			}
		})
	}
}

func TestKnownType(t *testing.T) {
	t.Parallel()
	if !KnownType(TypeRunAnalysis) {
		t.Error("run_analysis should be known")
	}
	if KnownType(Type("mystery")) {
		t.Error("unknown type should not be known")
	}
}
