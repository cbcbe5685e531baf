package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"tradepipe/internal/task"
	logx "tradepipe/pkg/logx"
)

// Config configures task persistence.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": in-memory only (state is lost on restart)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API the scheduling core needs. Nothing more.
type Store interface {
	// LoadAll returns the full task table keyed by id.
	LoadAll(ctx context.Context) (map[string]*task.Task, error)

	// Save upserts a single task.
	Save(ctx context.Context, t *task.Task) error

	// SaveAll upserts a batch in one transaction.
	SaveAll(ctx context.Context, ts []*task.Task) error

	// Delete removes a task by id. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error

	// CompletedToday returns ids of tasks completed since local midnight.
	CompletedToday(ctx context.Context) ([]string, error)

	// QueueStats computes the derived per-queue aggregate.
	QueueStats(ctx context.Context, q task.Queue) (task.QueueStats, error)

	// PurgeTerminalBefore deletes terminal tasks completed before cutoff and
	// returns how many were removed. Active recurring tasks are exempt.
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}
