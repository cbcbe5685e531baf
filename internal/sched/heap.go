package sched

import (
	"container/heap"

	"tradepipe/internal/task"
)

// readyHeap orders admission across queues: priority-desc, then
// earliest-created. The per-queue and global ceilings are applied as tasks
// are popped, so a full queue never starves admission for the others.
type readyHeap []*task.Task

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].CreatedAt.Before(h[j].CreatedAt)
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(*task.Task)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

func pushReady(h *readyHeap, t *task.Task) { heap.Push(h, t) }

func popReady(h *readyHeap) *task.Task {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*task.Task)
}
