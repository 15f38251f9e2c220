package queue

import (
	"context"
	"time"

	"feedagent/internal/task"
)

// entry is the queue's private handle on one submitted task.
type entry struct {
	t     task.Task
	seq   uint64
	index int // position in readyHeap, -1 when not queued

	retries   int
	onDone    func(task.Record)
	cancel    context.CancelFunc
	cancelReq bool
	timer     *time.Timer

	done       chan struct{}
	finished   bool
	finishedAt time.Time
	state      task.State
	result     any
	err        error
}

// readyHeap orders by priority (highest first), then by submission sequence,
// which keeps FIFO order inside a priority band even when a retried task
// re-enters the heap.
type readyHeap []*entry

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].t.Priority != h[j].t.Priority {
		return h[i].t.Priority > h[j].t.Priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
