package engine

import (
	"container/heap"
	"sort"
	"time"
)

// Task is a pending retry of one resource.
type Task struct {
	Key      Key       `json:"key"`
	ResumeAt time.Time `json:"resume_at"`
}

// RetryQueue is a min-heap of retries ordered by resume time.
// It is not safe for concurrent use; the runner loop owns it.
type RetryQueue struct {
	h taskHeap
}

// NewRetryQueue creates an empty queue.
func NewRetryQueue() *RetryQueue {
	return &RetryQueue{}
}

// Push schedules a retry. Callers remove superseded entries first.
func (q *RetryQueue) Push(key Key, resumeAt time.Time) {
	heap.Push(&q.h, Task{Key: key, ResumeAt: resumeAt})
}

// Next returns the task with the earliest resume time without removing it.
func (q *RetryQueue) Next() (Task, bool) {
	if len(q.h) == 0 {
		return Task{}, false
	}
	return q.h[0], true
}

// Pop removes and returns the task with the earliest resume time.
func (q *RetryQueue) Pop() (Task, bool) {
	if len(q.h) == 0 {
		return Task{}, false
	}
	return heap.Pop(&q.h).(Task), true
}

// RemoveIf drops every task matching pred and returns how many were removed.
func (q *RetryQueue) RemoveIf(pred func(Task) bool) int {
	kept := q.h[:0]
	for _, t := range q.h {
		if !pred(t) {
			kept = append(kept, t)
		}
	}
	removed := len(q.h) - len(kept)
	if removed > 0 {
		q.h = kept
		heap.Init(&q.h)
	}
	return removed
}

// Remove drops every task for key.
func (q *RetryQueue) Remove(key Key) int {
	return q.RemoveIf(func(t Task) bool { return t.Key == key })
}

// Clear drops every task.
func (q *RetryQueue) Clear() {
	q.h = q.h[:0]
}

// Len returns the number of pending tasks.
func (q *RetryQueue) Len() int {
	return len(q.h)
}

// Snapshot returns the pending tasks ordered by resume time.
func (q *RetryQueue) Snapshot() []Task {
	out := make([]Task, len(q.h))
	copy(out, q.h)
	sort.Slice(out, func(i, j int) bool { return out[i].ResumeAt.Before(out[j].ResumeAt) })
	return out
}

type taskHeap []Task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].ResumeAt.Before(h[j].ResumeAt) }
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(Task))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}
