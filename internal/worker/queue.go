package worker

import (
	"sync"

	"github.com/ChuLiYu/pcconv/pkg/types"
	"github.com/emirpasic/gods/queues/linkedlistqueue"
)

// Queue is the per-worker FIFO of records.
// The reader pushes, exactly one worker pops. Len may be read from any goroutine.
type Queue struct {
	mu    sync.Mutex
	items *linkedlistqueue.Queue
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{items: linkedlistqueue.New()}
}

// Push appends a record to the tail.
func (q *Queue) Push(r types.Record) {
	q.mu.Lock()
	q.items.Enqueue(r)
	q.mu.Unlock()
}

// Pop removes the head record without blocking. ok is false when the queue is empty.
func (q *Queue) Pop() (types.Record, bool) {
	q.mu.Lock()
	v, ok := q.items.Dequeue()
	q.mu.Unlock()
	if !ok {
		return types.Record{}, false
	}
	return v.(types.Record), true
}

// Len returns the number of pending records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Size()
}

// Depth sums the pending records across queues.
func Depth(queues []*Queue) int {
	total := 0
	for _, q := range queues {
		total += q.Len()
	}
	return total
}
