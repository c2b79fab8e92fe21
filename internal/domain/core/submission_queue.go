package core

import (
	"context"
	"sync"
	"time"
)

// Operation is a tagged variant of the work a Submission carries.
type Operation struct {
	Kind    string // "user_turn" | "cancel" | "interrupt"
	Content string // payload for UserTurn
	Target  string // submission ID target for Cancel
}

// Submission is one unit of work accepted by the bridge.
type Submission struct {
	ID            string
	Op            Operation
	Timestamp     time.Time
	CorrelationID string
}

// SubmissionQueue is a bounded FIFO with producer backpressure. Producers
// suspend on submit() when full; consumers suspend on take() when empty.
// Ordering is strict FIFO among successfully enqueued items.
type SubmissionQueue struct {
	ids *Counter

	mu     sync.Mutex
	items  []Submission
	cap    int
	closed bool

	notEmpty chan struct{} // reallocated each time consumers must be woken
	notFull  chan struct{}
}

// NewSubmissionQueue creates a queue of the given capacity (default 64).
func NewSubmissionQueue(capacity int) *SubmissionQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &SubmissionQueue{
		ids:      NewCounter("sub"),
		cap:      capacity,
		notEmpty: make(chan struct{}),
		notFull:  make(chan struct{}),
	}
}

// Submit enqueues op, suspending the caller until a slot opens, the
// context is cancelled, or timeout elapses (timeout<=0 means wait
// indefinitely for ctx). Returns the assigned SubmissionId.
func (q *SubmissionQueue) Submit(ctx context.Context, op Operation, correlationID string, timeout time.Duration) (string, error) {
	deadlineCh := func() <-chan time.Time {
		if timeout <= 0 {
			return nil
		}
		t := time.NewTimer(timeout)
		return t.C
	}()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return "", ErrQueueClosed()
		}
		if len(q.items) < q.cap {
			id := q.ids.NextID()
			q.items = append(q.items, Submission{
				ID:            id,
				Op:            op,
				Timestamp:     time.Now(),
				CorrelationID: correlationID,
			})
			q.wakeOne(&q.notEmpty)
			q.mu.Unlock()
			return id, nil
		}
		wait := q.notFull
		q.mu.Unlock()

		select {
		case <-wait:
			continue
		case <-ctx.Done():
			return "", ErrCancelled()
		case <-deadlineCh:
			return "", ErrQueueTimeout()
		}
	}
}

// Take returns the next submission, suspending while empty. Returns
// ok=false iff the queue is closed and empty.
func (q *SubmissionQueue) Take(ctx context.Context) (Submission, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.wakeOne(&q.notFull)
			q.mu.Unlock()
			return item, true
		}
		if q.closed {
			q.mu.Unlock()
			return Submission{}, false
		}
		wait := q.notEmpty
		q.mu.Unlock()

		select {
		case <-wait:
			continue
		case <-ctx.Done():
			return Submission{}, false
		}
	}
}

// TryTake is the non-blocking variant of Take.
func (q *SubmissionQueue) TryTake() (Submission, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Submission{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	q.wakeOne(&q.notFull)
	return item, true
}

// Close is idempotent. It wakes every suspended producer/consumer.
func (q *SubmissionQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.notEmpty)
	close(q.notFull)
}

// Len returns the current number of queued items (diagnostic use).
func (q *SubmissionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Iterate returns a channel that yields submissions until the queue
// closes and drains — the async-stream equivalent from the spec.
func (q *SubmissionQueue) Iterate(ctx context.Context) <-chan Submission {
	out := make(chan Submission)
	go func() {
		defer close(out)
		for {
			item, ok := q.Take(ctx)
			if !ok {
				return
			}
			select {
			case out <- item:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// wakeOne closes the wait channel (broadcasting to every waiter) and
// replaces it with a fresh one for future waiters. Must be called with
// q.mu held and only while the queue is not yet closed (Close handles
// the closed-forever case itself).
func (q *SubmissionQueue) wakeOne(ch *chan struct{}) {
	close(*ch)
	*ch = make(chan struct{})
}
