package orchestrator

import (
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"tradepipe/internal/eventbus"
	"tradepipe/internal/task"
)

// Op is a condition operator.
type Op string

const (
	OpEq Op = "eq" // exact match
	OpIn Op = "in" // list membership
	OpGt Op = "gt" // numeric threshold, strictly greater
	OpLt Op = "lt" // numeric threshold, strictly less
)

// Condition is one predicate over an event's payload view.
type Condition struct {
	Field     string
	Op        Op
	Value     any     // eq
	Values    []any   // in
	Threshold float64 // gt / lt
}

// Match evaluates the condition against a flattened payload view.
// A missing field never matches.
func (c Condition) Match(view map[string]any) bool {
	v, ok := view[c.Field]
	if !ok {
		return false
	}
	switch c.Op {
	case OpEq:
		return fmt.Sprint(v) == fmt.Sprint(c.Value)
	case OpIn:
		for _, want := range c.Values {
			if fmt.Sprint(v) == fmt.Sprint(want) {
				return true
			}
		}
		return false
	case OpGt:
		f, ok := asFloat(v)
		return ok && f > c.Threshold
	case OpLt:
		f, ok := asFloat(v)
		return ok && f < c.Threshold
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	}
	return 0, false
}

// Rule maps a triggering event plus condition to creation of a downstream
// task. Rules are immutable once registered; only the active flag (held by
// the service) changes at runtime.
type Rule struct {
	ID           string
	SourceQueues []task.Queue // empty = any queue
	EventKinds   []string
	Conditions   []Condition // all must hold

	TargetQueue task.Queue
	TargetType  task.Type
	// Payload is the template for the downstream task; triggering data is
	// merged on top (trigger fields win).
	Payload map[string]any

	// Priority orders execution among rules matching the same event and is
	// inherited by the created task.
	Priority task.Priority
	// Timeout bounds one rule execution (task creation, not the handler).
	Timeout time.Duration
	// MaxConcurrent bounds concurrent executions of this rule.
	MaxConcurrent int64
}

func (r Rule) validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if len(r.EventKinds) == 0 {
		return fmt.Errorf("rule %s: at least one event kind is required", r.ID)
	}
	if !r.TargetQueue.Valid() {
		return fmt.Errorf("rule %s: invalid target queue %q", r.ID, r.TargetQueue)
	}
	if !task.KnownType(r.TargetType) {
		return fmt.Errorf("rule %s: unknown target type %q", r.ID, r.TargetType)
	}
	return nil
}

func (r Rule) matchesKind(kind string) bool {
	for _, k := range r.EventKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (r Rule) matchesQueue(q task.Queue) bool {
	if len(r.SourceQueues) == 0 {
		return true
	}
	for _, sq := range r.SourceQueues {
		if sq == q {
			return true
		}
	}
	return false
}

// registeredRule pairs an immutable Rule with its runtime state.
type registeredRule struct {
	rule   Rule
	active bool
	sem    *semaphore.Weighted // nil when MaxConcurrent == 0
}

func newRegisteredRule(r Rule) *registeredRule {
	rr := &registeredRule{rule: r, active: true}
	if r.MaxConcurrent > 0 {
		rr.sem = semaphore.NewWeighted(r.MaxConcurrent)
	}
	return rr
}

// DefaultRules seeds the pipeline cascade: sync completions fan out market
// fetches, market completions feed analysis, analysis completions produce
// reports, and high-impact news jumps straight to analysis.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:           "sync-to-market",
			SourceQueues: []task.Queue{task.QueueSync},
			EventKinds:   []string{eventbus.KindTaskCompleted},
			Conditions: []Condition{
				{Field: "task_type", Op: OpIn, Values: []any{string(task.TypeSyncBalances), string(task.TypeSyncPositions)}},
			},
			TargetQueue: task.QueueMarket,
			TargetType:  task.TypeFetchMarketData,
			Payload:     map[string]any{"symbols": []string{}},
			Priority:    task.PriorityNormal,
			Timeout:     10 * time.Second,
		},
		{
			ID:           "market-to-analysis",
			SourceQueues: []task.Queue{task.QueueMarket},
			EventKinds:   []string{eventbus.KindTaskCompleted},
			Conditions: []Condition{
				{Field: "task_type", Op: OpEq, Value: string(task.TypeFetchMarketData)},
			},
			TargetQueue: task.QueueAnalysis,
			TargetType:  task.TypeRunAnalysis,
			Payload:     map[string]any{"symbol": "portfolio"},
			Priority:    task.PriorityNormal,
			Timeout:     10 * time.Second,
		},
		{
			ID:         "news-impact",
			EventKinds: []string{eventbus.KindNewsEvent},
			Conditions: []Condition{
				{Field: "impact_score", Op: OpGt, Threshold: 0.7},
			},
			TargetQueue:   task.QueueAnalysis,
			TargetType:    task.TypeEvaluateNews,
			Priority:      task.PriorityHigh,
			Timeout:       10 * time.Second,
			MaxConcurrent: 4,
		},
		{
			ID:           "analysis-to-report",
			SourceQueues: []task.Queue{task.QueueAnalysis},
			EventKinds:   []string{eventbus.KindTaskCompleted},
			Conditions: []Condition{
				{Field: "task_type", Op: OpIn, Values: []any{string(task.TypeRunAnalysis), string(task.TypeEvaluateNews)}},
			},
			TargetQueue: task.QueueReport,
			TargetType:  task.TypeGenerateReport,
			Priority:    task.PriorityLow,
			Timeout:     10 * time.Second,
		},
	}
}
