package worker

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by a closed queue.
var ErrQueueClosed = errors.New("queue closed")

// Delivery is a dequeued request. It must be acknowledged once handled;
// unacknowledged deliveries may be delivered again.
type Delivery struct {
	Request *Request

	// raw is the encoded message, used by queues that acknowledge by value.
	raw string
}

// Queue carries execution requests from producers to workers.
type Queue interface {
	Enqueue(ctx context.Context, req *Request) error

	// Dequeue blocks until a request is available or ctx ends.
	Dequeue(ctx context.Context) (*Delivery, error)

	Ack(ctx context.Context, d *Delivery) error
}

// MemoryQueue is an in-process FIFO queue. Deliveries are not redelivered,
// so it suits tests and single-process deployments.
type MemoryQueue struct {
	mu      sync.Mutex
	items   []*Request
	notify  chan struct{}
	closed  bool
	pending int
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{notify: make(chan struct{}, 1)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, req *Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.items = append(q.items, req)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			req := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.pending++
			if len(q.items) > 0 && !q.closed {
				// Wake another consumer for the rest.
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			q.mu.Unlock()
			return &Delivery{Request: req}, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, ErrQueueClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending > 0 {
		q.pending--
	}
	return nil
}

// Len returns the number of queued requests.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns the number of delivered but unacknowledged requests.
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Close rejects new requests and wakes blocked consumers once the queue
// is drained.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.notify)
	}
	return nil
}
