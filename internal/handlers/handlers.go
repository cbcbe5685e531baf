// Package handlers provides the built-in pipeline stage implementations.
// They model the broker and data-feed work deterministically so the pipeline
// runs end to end out of the box; deployments swap in real integrations by
// registering their own handlers over these types.
package handlers

import (
	"context"
	"fmt"
	"time"

	"tradepipe/internal/eventbus"
	"tradepipe/internal/lifecycle"
	"tradepipe/internal/task"
)

// ActivitySource supplies the day's completed work for the report stage.
type ActivitySource interface {
	CompletedToday(ctx context.Context) ([]string, error)
}

// RegisterAll installs a handler for every known task type.
func RegisterAll(reg *lifecycle.Registry, bus eventbus.Bus, src ActivitySource) {
	reg.Register(task.TypeSyncBalances, syncBalances)
	reg.Register(task.TypeSyncPositions, syncPositions)
	reg.Register(task.TypeFetchMarketData, fetchMarketData)
	reg.Register(task.TypeFetchNews, fetchNews(bus))
	reg.Register(task.TypeRunAnalysis, runAnalysis)
	reg.Register(task.TypeEvaluateNews, evaluateNews)
	reg.Register(task.TypeGenerateReport, generateReport(src))
}

func syncBalances(ctx context.Context, t *task.Task) (map[string]any, error) {
	account, _ := t.Payload["account_id"].(string)
	if err := sleep(ctx, 50*time.Millisecond); err != nil {
		return nil, err
	}
	return map[string]any{
		"account_id": account,
		"cash":       0.0,
		"synced_at":  time.Now().Format(time.RFC3339),
	}, nil
}

func syncPositions(ctx context.Context, t *task.Task) (map[string]any, error) {
	account, _ := t.Payload["account_id"].(string)
	if err := sleep(ctx, 50*time.Millisecond); err != nil {
		return nil, err
	}
	// The held symbols feed the downstream market fetch.
	return map[string]any{
		"account_id": account,
		"symbols":    []string{},
		"positions":  0,
	}, nil
}

func fetchMarketData(ctx context.Context, t *task.Task) (map[string]any, error) {
	symbols := stringList(t.Payload["symbols"])
	if err := sleep(ctx, 100*time.Millisecond); err != nil {
		return nil, err
	}
	return map[string]any{
		"symbol":     primary(symbols),
		"bar_count":  0,
		"fetched_at": time.Now().Format(time.RFC3339),
	}, nil
}

// fetchNews publishes each fetched article as a domain event so the rule
// layer can react to high-impact items independently of the task cascade.
func fetchNews(bus eventbus.Bus) lifecycle.Handler {
	return func(ctx context.Context, t *task.Task) (map[string]any, error) {
		if err := sleep(ctx, 100*time.Millisecond); err != nil {
			return nil, err
		}
		symbols := stringList(t.Payload["symbols"])
		if bus != nil {
			for _, sym := range symbols {
				bus.Publish(eventbus.Event{
					Type: eventbus.KindNewsEvent,
					Data: map[string]any{
						"article_id":   fmt.Sprintf("news-%s-%d", sym, time.Now().UnixMilli()),
						"symbol":       sym,
						"impact_score": 0.0,
					},
				})
			}
		}
		return map[string]any{"articles": len(symbols)}, nil
	}
}

func runAnalysis(ctx context.Context, t *task.Task) (map[string]any, error) {
	symbol, _ := t.Payload["symbol"].(string)
	if symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", task.ErrInvalidPayload)
	}
	if err := sleep(ctx, 200*time.Millisecond); err != nil {
		return nil, err
	}
	return map[string]any{
		"symbol": symbol,
		"signal": "hold",
		"score":  0.0,
	}, nil
}

func evaluateNews(ctx context.Context, t *task.Task) (map[string]any, error) {
	article, _ := t.Payload["article_id"].(string)
	if err := sleep(ctx, 150*time.Millisecond); err != nil {
		return nil, err
	}
	return map[string]any{
		"article_id": article,
		"sentiment":  "neutral",
	}, nil
}

// generateReport summarizes the day's pipeline activity.
func generateReport(src ActivitySource) lifecycle.Handler {
	return func(ctx context.Context, t *task.Task) (map[string]any, error) {
		if err := sleep(ctx, 50*time.Millisecond); err != nil {
			return nil, err
		}
		var done []string
		if src != nil {
			ids, err := src.CompletedToday(ctx)
			if err != nil {
				return nil, fmt.Errorf("completed today: %w", err)
			}
			done = ids
		}
		return map[string]any{
			"completed_today": len(done),
			"generated_at":    time.Now().Format(time.RFC3339),
		}, nil
	}
}

// sleep waits or returns early on cancellation. Every built-in goes through
// it so the stages stay cancel-correct under the execution ceiling.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func stringList(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func primary(symbols []string) string {
	if len(symbols) == 0 {
		return "portfolio"
	}
	return symbols[0]
}
