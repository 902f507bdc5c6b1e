package notify

import (
	"context"
	"sync"
	"time"

	"proofpay/observability/metrics"
)

// Message is a rendered notification awaiting delivery.
type Message struct {
	ID        string
	Identity  string
	Kind      Kind
	Text      string
	Data      map[string]string
	CreatedAt time.Time
}

type task struct {
	msg        Message
	attempt    int
	notBefore  time.Time
	enqueuedAt time.Time
}

// QueueOption adjusts the behaviour of the queue.
type QueueOption func(*queueConfig)

type queueConfig struct {
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

const (
	defaultCapacity = 1024
	defaultTTL      = 30 * time.Minute
)

// WithCapacity sets the maximum number of pending messages. The oldest
// message is dropped on overflow.
func WithCapacity(capacity int) QueueOption {
	return func(cfg *queueConfig) {
		if capacity > 0 {
			cfg.capacity = capacity
		}
	}
}

// WithTTL configures how long queued messages remain eligible for delivery.
func WithTTL(ttl time.Duration) QueueOption {
	return func(cfg *queueConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

func withClock(now func() time.Time) QueueOption {
	return func(cfg *queueConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// Queue holds messages prior to delivery.
type Queue struct {
	mu      sync.Mutex
	tasks   ring[task]
	ttl     time.Duration
	now     func() time.Time
	metrics *metrics.NotifyMetrics
}

// NewQueue constructs a bounded queue.
func NewQueue(opts ...QueueOption) *Queue {
	cfg := queueConfig{capacity: defaultCapacity, ttl: defaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Queue{
		tasks:   newRing[task](cfg.capacity),
		ttl:     cfg.ttl,
		now:     cfg.now,
		metrics: metrics.Notify(),
	}
}

// Enqueue adds msg for immediate delivery.
func (q *Queue) Enqueue(msg Message) {
	q.push(task{msg: msg})
}

func (q *Queue) push(t task) {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(now)
	if t.enqueuedAt.IsZero() {
		t.enqueuedAt = now
	}
	if _, dropped := q.tasks.push(t); dropped {
		q.metrics.RecordDropped("overflow", 1)
	}
	q.metrics.SetQueueDepth(q.tasks.len())
}

// Len reports the number of pending messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.len()
}

// Pending returns a snapshot of queued messages in delivery order.
func (q *Queue) Pending() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(q.now())
	out := make([]Message, 0, q.tasks.len())
	q.tasks.forEach(func(t task) { out = append(out, t.msg) })
	return out
}

const pollInterval = 25 * time.Millisecond

// dequeue waits for the oldest task that is due. Retries scheduled for later
// stay queued behind fresh messages. It returns false once ctx is cancelled.
func (q *Queue) dequeue(ctx context.Context) (task, bool) {
	for {
		now := q.now()
		q.mu.Lock()
		q.evictExpiredLocked(now)
		next, ok := q.tasks.take(func(t task) bool { return !t.notBefore.After(now) })
		q.metrics.SetQueueDepth(q.tasks.len())
		q.mu.Unlock()
		if ok {
			return next, true
		}
		select {
		case <-ctx.Done():
			return task{}, false
		case <-time.After(pollInterval):
		}
	}
}

func (q *Queue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	expired := q.tasks.filter(func(t task) bool { return now.Sub(t.enqueuedAt) <= q.ttl })
	q.metrics.RecordDropped("ttl", expired)
}

// ring is a fixed-size buffer that overwrites the oldest element on overflow.
type ring[T any] struct {
	buf  []T
	head int
	size int
}

func newRing[T any](capacity int) ring[T] {
	return ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) (T, bool) {
	var zero T
	if len(r.buf) == 0 {
		return zero, true
	}
	if r.size == len(r.buf) {
		dropped := r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return dropped, true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = v
	r.size++
	return zero, false
}

// take removes the first element matching fn, keeping the rest in order.
func (r *ring[T]) take(fn func(T) bool) (T, bool) {
	var zero T
	for i := 0; i < r.size; i++ {
		v := r.buf[r.at(i)]
		if !fn(v) {
			continue
		}
		for j := i; j < r.size-1; j++ {
			r.buf[r.at(j)] = r.buf[r.at(j+1)]
		}
		r.buf[r.at(r.size-1)] = zero
		r.size--
		return v, true
	}
	return zero, false
}

// filter drops every element for which keep is false and reports how many
// were dropped.
func (r *ring[T]) filter(keep func(T) bool) int {
	var zero T
	kept := 0
	for i := 0; i < r.size; i++ {
		v := r.buf[r.at(i)]
		if keep(v) {
			r.buf[r.at(kept)] = v
			kept++
		}
	}
	for i := kept; i < r.size; i++ {
		r.buf[r.at(i)] = zero
	}
	dropped := r.size - kept
	r.size = kept
	return dropped
}

func (r *ring[T]) at(i int) int { return (r.head + i) % len(r.buf) }

func (r *ring[T]) peek() (T, bool) {
	if r.size == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}

func (r *ring[T]) len() int { return r.size }

func (r *ring[T]) forEach(fn func(T)) {
	for i := 0; i < r.size; i++ {
		fn(r.buf[(r.head+i)%len(r.buf)])
	}
}
