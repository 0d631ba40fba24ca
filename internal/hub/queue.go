package hub

import (
	"sync"

	"github.com/pscheid92/livefeed/internal/domain"
)

// Queue is the dispatch queue: an ordered buffer of envelopes waiting for the next drain.
// Push and Drain share one mutex that guards nothing else, so producers never wait on the registry.
type Queue struct {
	mu       sync.Mutex
	items    []domain.Envelope
	capacity int
	policy   OverflowPolicy
}

// NewQueue creates a queue. capacity 0 means unbounded.
func NewQueue(capacity int, policy OverflowPolicy) *Queue {
	return &Queue{capacity: capacity, policy: policy}
}

// Push appends env. When the queue is full, DropOldest discards the head and reports dropped=true;
// DropNewest rejects env with domain.ErrQueueOverflow.
func (q *Queue) Push(env domain.Envelope) (dropped bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.capacity > 0 && len(q.items) >= q.capacity {
		if q.policy == DropNewest {
			return false, domain.ErrQueueOverflow
		}
		q.items[0] = domain.Envelope{}
		q.items = q.items[1:]
		dropped = true
	}

	q.items = append(q.items, env)
	return dropped, nil
}

// Drain swaps the contents out for an empty queue and returns them in enqueue order.
// Envelopes pushed after Drain returns belong to the next batch.
func (q *Queue) Drain() []domain.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := q.items
	q.items = nil
	return batch
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
