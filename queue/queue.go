// Package queue holds commands between the bus side and the serial loop.
// Commands are written to the device in the order they were enqueued; there is
// no priority and no coalescing of repeated commands.
package queue

import (
	"sync"

	"github.com/kylehofer/garage-door/frame"
)

// Queue is an unbounded FIFO safe for many producers and one consumer
type Queue struct {
	mutex sync.Mutex
	items []frame.Command
	ready chan struct{}
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Enqueue appends c. Never blocks.
func (q *Queue) Enqueue(c frame.Command) {
	q.mutex.Lock()
	q.items = append(q.items, c)
	q.mutex.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// TryDequeue removes the oldest command, ok is false when the queue is empty.
func (q *Queue) TryDequeue() (c frame.Command, ok bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	c = q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) == 0 {
		// release the backing array once drained
		q.items = nil
	}
	return c, true
}

// Len returns the number of waiting commands.
func (q *Queue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.items)
}

// Ready is signalled after an Enqueue. A consumer that drained the queue can
// wait on it instead of polling.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}
