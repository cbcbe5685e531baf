package task

import (
	"time"

	"github.com/google/uuid"
)

// Queue is one pipeline stage. The set is fixed and ordered; cross-queue
// dependencies are allowed but work generally cascades downstream.
type Queue string

const (
	QueueSync     Queue = "sync"     // broker account state (balances, positions)
	QueueMarket   Queue = "market"   // market data and news fetches
	QueueAnalysis Queue = "analysis" // long-running AI analysis jobs
	QueueReport   Queue = "report"   // summaries and notifications
)

// Queues returns all stages in pipeline order.
func Queues() []Queue {
	return []Queue{QueueSync, QueueMarket, QueueAnalysis, QueueReport}
}

func (q Queue) Valid() bool {
	switch q {
	case QueueSync, QueueMarket, QueueAnalysis, QueueReport:
		return true
	}
	return false
}

func (q Queue) String() string { return string(q) }

// Type identifies which registered handler executes a task.
type Type string

const (
	TypeSyncBalances    Type = "sync_balances"
	TypeSyncPositions   Type = "sync_positions"
	TypeFetchMarketData Type = "fetch_market_data"
	TypeFetchNews       Type = "fetch_news"
	TypeRunAnalysis     Type = "run_analysis"
	TypeEvaluateNews    Type = "evaluate_news"
	TypeGenerateReport  Type = "generate_report"
)

func (t Type) String() string { return string(t) }

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
)

// Terminal reports whether the status is an end state.
// Retrying is not terminal: the task will be re-admitted after Retry().
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Schedulable reports whether the scheduler may admit a task in this status.
func (s Status) Schedulable() bool {
	return s == StatusPending || s == StatusRetrying
}

func (s Status) String() string { return string(s) }

// Priority is an integer tier; higher runs first. Critical tasks are admitted
// even when a queue's concurrency ceiling is otherwise full.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 8
	PriorityCritical Priority = 10
)

// Task is the canonical task record.
//
// Invariants (enforced by the lifecycle service):
//   - running    => StartedAt set, CompletedAt unset
//   - completed/failed => CompletedAt set
//   - retrying   => RetryCount < MaxRetries
type Task struct {
	ID        string         `json:"id"`
	Queue     Queue          `json:"queue"`
	Type      Type           `json:"type"`
	Priority  Priority       `json:"priority"`
	Payload   map[string]any `json:"payload,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`

	Status       Status `json:"status"`
	RetryCount   int    `json:"retry_count"`
	MaxRetries   int    `json:"max_retries"`
	Active       bool   `json:"active"`
	ErrorMessage string `json:"error_message,omitempty"`

	// Recurrence is a cron spec or "@every <dur>" (empty for one-shot tasks).
	// NextExecution is recomputed at admission time for recurring tasks.
	Recurrence    string    `json:"recurrence,omitempty"`
	NextExecution time.Time `json:"next_execution,omitzero"`

	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`

	// Result holds handler output; the orchestration layer embeds it in
	// downstream task payloads.
	Result map[string]any `json:"result,omitempty"`
}

// NewID allocates a globally unique task id.
func NewID() string { return uuid.NewString() }

// Due reports whether the task's scheduled time has arrived.
func (t *Task) Due(now time.Time) bool {
	if !t.NextExecution.IsZero() {
		return !t.NextExecution.After(now)
	}
	return !t.ScheduledAt.After(now)
}

// Ready reports whether every dependency id is present in terminalIDs.
// An empty dependency set is always ready.
func (t *Task) Ready(terminalIDs map[string]struct{}) bool {
	for _, dep := range t.DependsOn {
		if _, ok := terminalIDs[dep]; !ok {
			return false
		}
	}
	return true
}

// Recurring reports whether the task reschedules itself after completion.
func (t *Task) Recurring() bool { return t.Recurrence != "" }

// Clone returns a deep-enough copy for handing snapshots across goroutines.
// Payload and Result maps are copied one level deep; values are treated as
// immutable by convention.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Payload != nil {
		cp.Payload = make(map[string]any, len(t.Payload))
		for k, v := range t.Payload {
			cp.Payload[k] = v
		}
	}
	if t.Result != nil {
		cp.Result = make(map[string]any, len(t.Result))
		for k, v := range t.Result {
			cp.Result[k] = v
		}
	}
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		cp.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		cp.CompletedAt = &v
	}
	return &cp
}

// QueueStats is a derived, read-only aggregate for one queue.
// Computed on demand; never persisted independently.
type QueueStats struct {
	Queue          Queue         `json:"queue"`
	Pending        int           `json:"pending"`
	Running        int           `json:"running"`
	CompletedToday int           `json:"completed_today"`
	Failed         int           `json:"failed"`
	AvgDuration    time.Duration `json:"avg_duration"`
}
