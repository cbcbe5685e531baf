package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"tradepipe/internal/task"
	logx "tradepipe/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const taskColumns = `id, queue, type, priority, payload, depends_on, status,
	retry_count, max_retries, active, error_message, recurrence,
	next_execution, scheduled_at, started_at, completed_at, created_at, result`

func (s *sqliteStore) LoadAll(ctx context.Context) (map[string]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks`)
	if err != nil {
		return nil, task.StoreError("load_all", err)
	}
	defer rows.Close()

	out := map[string]*task.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, task.StoreError("load_all", err)
		}
		out[t.ID] = t
	}
	if err := rows.Err(); err != nil {
		return nil, task.StoreError("load_all", err)
	}
	return out, nil
}

func (s *sqliteStore) Save(ctx context.Context, t *task.Task) error {
	if t == nil || t.ID == "" {
		return task.StoreError("save", errors.New("task id is required"))
	}
	if err := s.upsert(ctx, s.db, t); err != nil {
		return task.StoreError("save", err)
	}
	return nil
}

func (s *sqliteStore) SaveAll(ctx context.Context, ts []*task.Task) error {
	if len(ts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return task.StoreError("save_all", err)
	}
	for _, t := range ts {
		if t == nil || t.ID == "" {
			continue
		}
		if err := s.upsert(ctx, tx, t); err != nil {
			_ = tx.Rollback()
			return task.StoreError("save_all", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return task.StoreError("save_all", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *sqliteStore) upsert(ctx context.Context, db execer, t *task.Task) error {
	payload, err := marshalMap(t.Payload)
	if err != nil {
		return err
	}
	result, err := marshalMap(t.Result)
	if err != nil {
		return err
	}
	deps, err := marshalDeps(t.DependsOn)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO tasks(`+taskColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   queue=excluded.queue, type=excluded.type, priority=excluded.priority,
		   payload=excluded.payload, depends_on=excluded.depends_on,
		   status=excluded.status, retry_count=excluded.retry_count,
		   max_retries=excluded.max_retries, active=excluded.active,
		   error_message=excluded.error_message, recurrence=excluded.recurrence,
		   next_execution=excluded.next_execution, scheduled_at=excluded.scheduled_at,
		   started_at=excluded.started_at, completed_at=excluded.completed_at,
		   created_at=excluded.created_at, result=excluded.result`,
		t.ID, string(t.Queue), string(t.Type), int(t.Priority), payload, deps,
		string(t.Status), t.RetryCount, t.MaxRetries, boolInt(t.Active),
		nullStr(t.ErrorMessage), nullStr(t.Recurrence),
		unixMilliOrZero(t.NextExecution), t.ScheduledAt.UnixMilli(),
		nullTime(t.StartedAt), nullTime(t.CompletedAt),
		t.CreatedAt.UnixMilli(), result,
	)
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return task.StoreError("delete", err)
	}
	return nil
}

func (s *sqliteStore) CompletedToday(ctx context.Context) ([]string, error) {
	midnight := localMidnight(time.Now()).UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM tasks WHERE status = ? AND completed_at >= ?`,
		string(task.StatusCompleted), midnight)
	if err != nil {
		return nil, task.StoreError("completed_today", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, task.StoreError("completed_today", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqliteStore) QueueStats(ctx context.Context, q task.Queue) (task.QueueStats, error) {
	st := task.QueueStats{Queue: q}
	midnight := localMidnight(time.Now()).UnixMilli()

	row := s.db.QueryRowContext(ctx, `
		SELECT
		  COALESCE(SUM(CASE WHEN status IN ('pending','retrying') THEN 1 ELSE 0 END), 0),
		  COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0),
		  COALESCE(SUM(CASE WHEN status = 'completed' AND completed_at >= ? THEN 1 ELSE 0 END), 0),
		  COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		  COALESCE(AVG(CASE WHEN status = 'completed' AND started_at IS NOT NULL
		                    THEN completed_at - started_at END), 0)
		FROM tasks WHERE queue = ?`, midnight, string(q))

	var avgMS float64
	if err := row.Scan(&st.Pending, &st.Running, &st.CompletedToday, &st.Failed, &avgMS); err != nil {
		return st, task.StoreError("queue_stats", err)
	}
	st.AvgDuration = time.Duration(avgMS) * time.Millisecond
	return st, nil
}

func (s *sqliteStore) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks
		 WHERE status IN ('completed','failed') AND completed_at < ?
		   AND NOT (active = 1 AND recurrence IS NOT NULL)`,
		cutoff.UnixMilli())
	if err != nil {
		return 0, task.StoreError("purge", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ---- row mapping ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*task.Task, error) {
	var (
		t            task.Task
		queue, typ   string
		status       string
		payload      sql.NullString
		deps         sql.NullString
		result       sql.NullString
		errMsg       sql.NullString
		recurrence   sql.NullString
		active       int
		nextExec     int64
		scheduledAt  int64
		startedAt    sql.NullInt64
		completedAt  sql.NullInt64
		createdAt    int64
		priorityInt  int
	)
	if err := r.Scan(&t.ID, &queue, &typ, &priorityInt, &payload, &deps, &status,
		&t.RetryCount, &t.MaxRetries, &active, &errMsg, &recurrence,
		&nextExec, &scheduledAt, &startedAt, &completedAt, &createdAt, &result); err != nil {
		return nil, err
	}

	t.Queue = task.Queue(queue)
	t.Type = task.Type(typ)
	t.Priority = task.Priority(priorityInt)
	t.Status = task.Status(status)
	t.Active = active != 0
	t.ErrorMessage = errMsg.String
	t.Recurrence = recurrence.String
	if nextExec > 0 {
		t.NextExecution = time.UnixMilli(nextExec)
	}
	t.ScheduledAt = time.UnixMilli(scheduledAt)
	if startedAt.Valid {
		v := time.UnixMilli(startedAt.Int64)
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := time.UnixMilli(completedAt.Int64)
		t.CompletedAt = &v
	}
	t.CreatedAt = time.UnixMilli(createdAt)

	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &t.Payload); err != nil {
			return nil, fmt.Errorf("task %s: payload: %w", t.ID, err)
		}
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &t.Result); err != nil {
			return nil, fmt.Errorf("task %s: result: %w", t.ID, err)
		}
	}
	if deps.Valid && deps.String != "" {
		if err := json.Unmarshal([]byte(deps.String), &t.DependsOn); err != nil {
			return nil, fmt.Errorf("task %s: depends_on: %w", t.ID, err)
		}
	}
	return &t, nil
}

func marshalMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func marshalDeps(deps []string) (any, error) {
	if len(deps) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(deps)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func localMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}
