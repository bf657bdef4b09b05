package intake

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/aristath/triage/internal/pipeline"
	"github.com/aristath/triage/internal/task"
)

// Future resolves once with a task's final result or terminal error.
type Future struct {
	TaskID string

	once sync.Once
	done chan struct{}
	res  *pipeline.ProcessingResult
	err  error
}

func newFuture(taskID string) *Future {
	return &Future{TaskID: taskID, done: make(chan struct{})}
}

// Done is closed once the future resolves.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future resolves or ctx ends.
func (f *Future) Wait(ctx context.Context) (*pipeline.ProcessingResult, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) resolve(res *pipeline.ProcessingResult, err error) {
	f.once.Do(func() {
		f.res, f.err = res, err
		close(f.done)
	})
}

// item is one admitted task moving through the scheduler.
type item struct {
	task       *task.Task
	score      int
	seq        uint64 // arrival order, FIFO tie-break
	attempts   int
	enqueuedAt time.Time
	future     *Future

	epoch     int       // scheduler epoch at dispatch
	blockedOn int       // unresolved dependencies while waiting
	fireAt    time.Time // retry time while delayed
	index     int
}

// readyQueue orders items by score descending, then arrival ascending.
type readyQueue []*item

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	if q[i].score != q[j].score {
		return q[i].score > q[j].score
	}
	return q[i].seq < q[j].seq
}

func (q readyQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *readyQueue) Push(x any) {
	it := x.(*item)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}

func (q *readyQueue) push(it *item) { heap.Push(q, it) }
func (q *readyQueue) pop() *item    { return heap.Pop(q).(*item) }

// drain empties the queue in dispatch order.
func (q *readyQueue) drain() []*item {
	out := make([]*item, 0, q.Len())
	for q.Len() > 0 {
		out = append(out, q.pop())
	}
	return out
}
