package intake

import (
	"container/heap"
	"sync"
	"time"
)

// delayHeap orders items by fire time.
type delayHeap []*item

func (h delayHeap) Len() int { return len(h) }

func (h delayHeap) Less(i, j int) bool {
	if !h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].fireAt.Before(h[j].fireAt)
	}
	return h[i].seq < h[j].seq
}

func (h delayHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// delayQueue holds items until their fire time and hands them to fire from a
// single timer goroutine.
type delayQueue struct {
	fire func(*item)

	mu      sync.Mutex
	items   delayHeap
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	running bool
}

func newDelayQueue(fire func(*item)) *delayQueue {
	return &delayQueue{fire: fire, wake: make(chan struct{}, 1)}
}

func (d *delayQueue) start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.loop(d.stop, d.done)
}

// schedule holds it until at.
func (d *delayQueue) schedule(it *item, at time.Time) {
	d.mu.Lock()
	it.fireAt = at
	heap.Push(&d.items, it)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// shutdown stops the timer goroutine and returns every item still held.
// The caller must not hold any lock fire acquires.
func (d *delayQueue) shutdown() []*item {
	d.mu.Lock()
	running := d.running
	d.running = false
	stop, done := d.stop, d.done
	d.mu.Unlock()

	if running {
		close(stop)
		<-done
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*item, 0, len(d.items))
	for d.items.Len() > 0 {
		out = append(out, heap.Pop(&d.items).(*item))
	}
	return out
}

func (d *delayQueue) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		d.mu.Lock()
		var due *item
		var timer *time.Timer
		var fired <-chan time.Time
		if d.items.Len() > 0 {
			if wait := time.Until(d.items[0].fireAt); wait <= 0 {
				due = heap.Pop(&d.items).(*item)
			} else {
				timer = time.NewTimer(wait)
				fired = timer.C
			}
		}
		d.mu.Unlock()

		if due != nil {
			d.fire(due)
			continue
		}

		select {
		case <-fired:
		case <-d.wake:
		case <-stop:
			if timer != nil {
				timer.Stop()
			}
			return
		}
		if timer != nil {
			timer.Stop()
		}
	}
}
