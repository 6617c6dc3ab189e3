// Package fifo serializes work per key in arrival order.
package fifo

import (
	"context"
	"sync"
)

// Queue runs functions submitted under the same key one at a time, in the
// order Do was called. Work under different keys runs concurrently.
type Queue struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	tail    chan struct{} // closed when the last queued call finishes
	pending int
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{lanes: make(map[string]*lane)}
}

// Do waits for every earlier call under key to finish, then runs fn.
// If ctx is cancelled before fn starts, Do returns ctx.Err() without running
// fn; later calls still run in order.
func (q *Queue) Do(ctx context.Context, key string, fn func() error) error {
	prev, mine := q.enqueue(key)

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// Keep the chain intact: our slot completes once our predecessor does.
			go func() {
				<-prev
				q.done(key, mine)
			}()
			return ctx.Err()
		}
	}

	defer q.done(key, mine)
	return fn()
}

// Pending reports how many calls are queued or running under key.
func (q *Queue) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.lanes[key]; ok {
		return l.pending
	}
	return 0
}

func (q *Queue) enqueue(key string) (prev, mine chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.lanes[key]
	if !ok {
		l = &lane{}
		q.lanes[key] = l
	}
	prev = l.tail
	mine = make(chan struct{})
	l.tail = mine
	l.pending++
	return prev, mine
}

func (q *Queue) done(key string, mine chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()

	close(mine)
	l := q.lanes[key]
	l.pending--
	if l.pending == 0 {
		delete(q.lanes, key)
	}
}
