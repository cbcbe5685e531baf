package store

import (
	"context"
	"sync"
	"time"

	"tradepipe/internal/task"
)

// memStore keeps the task table in a map. Used by tests and by runs where
// durability is explicitly not wanted.
type memStore struct {
	mu    sync.Mutex
	tasks map[string]*task.Task
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memStore{tasks: map[string]*task.Task{}}
}

func (s *memStore) LoadAll(ctx context.Context) (map[string]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*task.Task, len(s.tasks))
	for id, t := range s.tasks {
		out[id] = t.Clone()
	}
	return out, nil
}

func (s *memStore) Save(ctx context.Context, t *task.Task) error {
	if t == nil || t.ID == "" {
		return nil
	}
	s.mu.Lock()
	s.tasks[t.ID] = t.Clone()
	s.mu.Unlock()
	return nil
}

func (s *memStore) SaveAll(ctx context.Context, ts []*task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range ts {
		if t == nil || t.ID == "" {
			continue
		}
		s.tasks[t.ID] = t.Clone()
	}
	return nil
}

func (s *memStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
	return nil
}

func (s *memStore) CompletedToday(ctx context.Context) ([]string, error) {
	midnight := localMidnight(time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, t := range s.tasks {
		if t.Status == task.StatusCompleted && t.CompletedAt != nil && !t.CompletedAt.Before(midnight) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *memStore) QueueStats(ctx context.Context, q task.Queue) (task.QueueStats, error) {
	midnight := localMidnight(time.Now())
	st := task.QueueStats{Queue: q}

	s.mu.Lock()
	defer s.mu.Unlock()

	var totalDur time.Duration
	var durSamples int
	for _, t := range s.tasks {
		if t.Queue != q {
			continue
		}
		switch t.Status {
		case task.StatusPending, task.StatusRetrying:
			st.Pending++
		case task.StatusRunning:
			st.Running++
		case task.StatusFailed:
			st.Failed++
		case task.StatusCompleted:
			if t.CompletedAt != nil && !t.CompletedAt.Before(midnight) {
				st.CompletedToday++
			}
			if t.StartedAt != nil && t.CompletedAt != nil {
				totalDur += t.CompletedAt.Sub(*t.StartedAt)
				durSamples++
			}
		}
	}
	if durSamples > 0 {
		st.AvgDuration = totalDur / time.Duration(durSamples)
	}
	return st, nil
}

func (s *memStore) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.tasks {
		if t.Recurring() && t.Active {
			continue
		}
		if t.Status.Terminal() && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			delete(s.tasks, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) Close() error { return nil }
