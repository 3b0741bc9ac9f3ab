package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/beekhof/calensync/internal/webhook"
)

// ErrQueueFull is returned by TryEnqueue when the queue is at capacity.
var ErrQueueFull = errors.New("queue is full")

// MemoryQueue is a bounded in-process queue with redelivery and a dead
// letter list. It is safe for concurrent use.
type MemoryQueue struct {
	ch          chan Message
	maxAttempts int
	log         *slog.Logger
	now         func() time.Time

	mu   sync.Mutex
	dead []Message
}

// MemoryOption customises a MemoryQueue.
type MemoryOption func(*MemoryQueue)

func WithQueueLogger(l *slog.Logger) MemoryOption {
	return func(q *MemoryQueue) { q.log = l }
}

func WithQueueClock(now func() time.Time) MemoryOption {
	return func(q *MemoryQueue) { q.now = now }
}

// NewMemoryQueue holds up to capacity messages. A message that failed
// maxAttempts times is dead-lettered.
func NewMemoryQueue(capacity, maxAttempts int, opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		ch:          make(chan Message, max(capacity, 1)),
		maxAttempts: max(maxAttempts, 1),
		log:         slog.New(slog.DiscardHandler),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue blocks until there is room or ctx is done.
func (q *MemoryQueue) Enqueue(ctx context.Context, m Message) error {
	select {
	case q.ch <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnqueue adds m without waiting.
func (q *MemoryQueue) TryEnqueue(m Message) error {
	select {
	case q.ch <- m:
		return nil
	default:
		return ErrQueueFull
	}
}

// EnqueueNotification queues a webhook message for n without waiting.
func (q *MemoryQueue) EnqueueNotification(_ context.Context, n webhook.Notification) error {
	m, err := NewMessage(KindWebhook, n, q.now())
	if err != nil {
		return err
	}
	return q.TryEnqueue(m)
}

// DequeueBatch waits for at least one message and returns up to limit of
// them.
func (q *MemoryQueue) DequeueBatch(ctx context.Context, limit int) ([]Message, error) {
	var batch []Message
	select {
	case m := <-q.ch:
		batch = append(batch, m)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	for len(batch) < limit {
		select {
		case m := <-q.ch:
			batch = append(batch, m)
		default:
			return batch, nil
		}
	}
	return batch, nil
}

// Nack records a failed attempt and redelivers m after delay, or
// dead-letters it once it has used up its attempts.
func (q *MemoryQueue) Nack(m Message, delay time.Duration) {
	m.Attempts++
	if m.Attempts >= q.maxAttempts {
		q.deadLetter(m, "attempts exhausted")
		return
	}
	if delay <= 0 {
		q.requeue(m)
		return
	}
	time.AfterFunc(delay, func() { q.requeue(m) })
}

func (q *MemoryQueue) requeue(m Message) {
	if err := q.TryEnqueue(m); err != nil {
		q.deadLetter(m, err.Error())
	}
}

func (q *MemoryQueue) deadLetter(m Message, reason string) {
	q.mu.Lock()
	q.dead = append(q.dead, m)
	q.mu.Unlock()
	q.log.Error("message dead-lettered", "message", m.ID, "kind", m.Kind, "attempts", m.Attempts, "reason", reason)
}

// DeadLetters returns the messages that were given up on.
func (q *MemoryQueue) DeadLetters() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, len(q.dead))
	copy(out, q.dead)
	return out
}

// Len returns the number of messages waiting.
func (q *MemoryQueue) Len() int { return len(q.ch) }
