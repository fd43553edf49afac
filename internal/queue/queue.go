// Package queue implements the in-memory priority queues that buffer emails
// between the SMTP receive path and webhook delivery, with retry-on-failure,
// exponential backoff, and a permanently-failed set for items that exhaust
// their attempts.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/timothydodd/MailVoid-sub000/internal/email"
)

// ErrClosed is returned by Dequeue after Close.
var ErrClosed = errors.New("queue closed")

// dequeuePollInterval bounds how long an idle Dequeue waits before
// re-checking the pending list.
const dequeuePollInterval = 500 * time.Millisecond

// Item wraps an email with queue bookkeeping. An item lives in exactly one of
// the pending list, the processing set, the retry holding set, or the
// permanently-failed set at any time.
type Item struct {
	ID            uuid.UUID
	Email         *email.Email
	EnqueuedAt    time.Time
	AttemptCount  int
	LastAttemptAt time.Time
	LastError     string
	Processing    bool
	Priority      int
	NextRetryAt   time.Time
}

// Config controls a Queue's retry behavior.
type Config struct {
	// Name identifies the queue in logs and metrics ("inbound", "outbound").
	Name string

	// MaxAttempts is the attempt ceiling before an item is moved to the
	// permanently-failed set. Defaults to 3.
	MaxAttempts int

	// BaseRetryDelay is the first retry delay; each subsequent retry doubles
	// it. Defaults to 5s.
	BaseRetryDelay time.Duration

	// JitterMin and JitterMax bound the uniform random multiplier applied to
	// retry delays. When both are zero no jitter is applied.
	JitterMin float64
	JitterMax float64

	// SweepInterval, when positive, selects holding-set retries: failed items
	// wait in a set keyed by NextRetryAt and a periodic sweep returns due
	// items to pending. When zero, retries are re-enqueued by a deferred
	// timer instead.
	SweepInterval time.Duration
}

// Stats is a point-in-time sample of queue occupancy.
type Stats struct {
	Pending    int
	Processing int
	Held       int
	Failed     int
	OldestAge  time.Duration
}

// Queue is an unbounded multi-producer/multi-consumer priority queue. Higher
// priority is served first; within a priority tier, oldest enqueued first.
type Queue struct {
	cfg Config

	mu         sync.Mutex
	pending    []*Item
	processing map[uuid.UUID]*Item
	held       map[uuid.UUID]*Item
	failed     []*Item
	closed     bool

	notify chan struct{}
	done   chan struct{}
}

// New creates a Queue and, when the configuration selects holding-set
// retries, starts its sweep loop. Callers must Close the queue to stop it.
func New(cfg Config) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = 5 * time.Second
	}

	q := &Queue{
		cfg:        cfg,
		processing: make(map[uuid.UUID]*Item),
		held:       make(map[uuid.UUID]*Item),
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		go q.sweepLoop()
	}

	return q
}

// Enqueue adds an email at the given priority and returns the new item's id.
func (q *Queue) Enqueue(msg *email.Email, priority int) uuid.UUID {
	item := &Item{
		ID:         uuid.New(),
		Email:      msg,
		EnqueuedAt: time.Now(),
		Priority:   priority,
	}

	q.mu.Lock()
	q.pending = append(q.pending, item)
	depth := len(q.pending)
	q.mu.Unlock()

	q.wake()
	metricDepth.WithLabelValues(q.cfg.Name).Set(float64(depth))

	slog.Debug("item enqueued",
		"queue", q.cfg.Name,
		"id", item.ID,
		"priority", priority,
		"depth", depth,
	)
	return item.ID
}

// Dequeue blocks until an item is available or the context is cancelled. The
// returned item has been moved to the processing set with its attempt count
// incremented.
func (q *Queue) Dequeue(ctx context.Context) (*Item, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		item := q.takeBest()
		if item != nil {
			item.AttemptCount++
			item.LastAttemptAt = time.Now()
			item.Processing = true
			q.processing[item.ID] = item
			remaining := len(q.pending)
			q.mu.Unlock()

			// Wake another waiter if work remains.
			if remaining > 0 {
				q.wake()
			}
			metricDepth.WithLabelValues(q.cfg.Name).Set(float64(remaining))
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, ErrClosed
		case <-q.notify:
		case <-time.After(dequeuePollInterval):
		}
	}
}

// takeBest removes and returns the best pending item: highest priority first,
// oldest enqueue time within a tier. It scans the whole pending list on each
// call, which is fine at the volumes this server handles but is a known
// scaling limit. Callers must hold q.mu.
func (q *Queue) takeBest() *Item {
	if len(q.pending) == 0 {
		return nil
	}

	best := 0
	for i, item := range q.pending[1:] {
		candidate := q.pending[best]
		if item.Priority > candidate.Priority ||
			(item.Priority == candidate.Priority && item.EnqueuedAt.Before(candidate.EnqueuedAt)) {
			best = i + 1
		}
	}

	item := q.pending[best]
	q.pending = append(q.pending[:best], q.pending[best+1:]...)
	return item
}

// MarkProcessed removes an item from the processing set after successful
// handling.
func (q *Queue) MarkProcessed(id uuid.UUID) {
	q.mu.Lock()
	item, ok := q.processing[id]
	if ok {
		delete(q.processing, id)
		item.Processing = false
	}
	q.mu.Unlock()

	if !ok {
		return
	}

	metricProcessed.WithLabelValues(q.cfg.Name).Inc()
	slog.Info("item processed",
		"queue", q.cfg.Name,
		"id", id,
		"attempts", item.AttemptCount,
	)
}

// MarkSent records a successful delivery. It is the outbound queue's name for
// MarkProcessed.
func (q *Queue) MarkSent(id uuid.UUID) {
	q.MarkProcessed(id)
}

// MarkFailed records a failed attempt. Below the attempt ceiling the item is
// scheduled for retry with exponential backoff; at the ceiling it moves to
// the permanently-failed set and is never dequeued again.
func (q *Queue) MarkFailed(id uuid.UUID, errMsg string) {
	q.mu.Lock()
	item, ok := q.processing[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.processing, id)
	item.Processing = false
	item.LastError = errMsg

	if item.AttemptCount >= q.cfg.MaxAttempts {
		q.failed = append(q.failed, item)
		failedCount := len(q.failed)
		q.mu.Unlock()

		metricFailed.WithLabelValues(q.cfg.Name).Inc()
		slog.Error("item permanently failed",
			"queue", q.cfg.Name,
			"id", id,
			"attempts", item.AttemptCount,
			"error", errMsg,
			"failed_total", failedCount,
		)
		return
	}

	delay := q.retryDelay(item.AttemptCount)
	item.NextRetryAt = time.Now().Add(delay)

	if q.cfg.SweepInterval > 0 {
		q.held[id] = item
		q.mu.Unlock()
	} else {
		q.mu.Unlock()
		time.AfterFunc(delay, func() { q.requeue(item) })
	}

	slog.Warn("item failed, retry scheduled",
		"queue", q.cfg.Name,
		"id", id,
		"attempt", item.AttemptCount,
		"max_attempts", q.cfg.MaxAttempts,
		"retry_in", delay.Round(time.Millisecond),
		"error", errMsg,
	)
}

// retryDelay computes base × 2^(attempt-1), scaled by the configured jitter
// range to avoid synchronized retry storms.
func (q *Queue) retryDelay(attempt int) time.Duration {
	delay := q.cfg.BaseRetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	if q.cfg.JitterMax > q.cfg.JitterMin && q.cfg.JitterMin > 0 {
		factor := q.cfg.JitterMin + rand.Float64()*(q.cfg.JitterMax-q.cfg.JitterMin)
		delay = time.Duration(float64(delay) * factor)
	}
	return delay
}

// requeue returns a retrying item to the pending list, keeping its priority
// and attempt history.
func (q *Queue) requeue(item *Item) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	item.NextRetryAt = time.Time{}
	q.pending = append(q.pending, item)
	q.mu.Unlock()
	q.wake()
}

// sweepLoop periodically moves held items whose retry time has arrived back
// to the pending list.
func (q *Queue) sweepLoop() {
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			q.sweep(time.Now())
		}
	}
}

// sweep releases all held items due at or before now.
func (q *Queue) sweep(now time.Time) {
	q.mu.Lock()
	released := 0
	for id, item := range q.held {
		if !item.NextRetryAt.After(now) {
			delete(q.held, id)
			item.NextRetryAt = time.Time{}
			q.pending = append(q.pending, item)
			released++
		}
	}
	q.mu.Unlock()

	if released > 0 {
		q.wake()
		slog.Debug("retry sweep released items", "queue", q.cfg.Name, "count", released)
	}
}

// Failed returns a snapshot of the permanently-failed set.
func (q *Queue) Failed() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Item, len(q.failed))
	copy(out, q.failed)
	return out
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Name returns the queue's configured name.
func (q *Queue) Name() string {
	return q.cfg.Name
}

// Stats samples current queue occupancy and the age of the oldest pending or
// held item.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Pending:    len(q.pending),
		Processing: len(q.processing),
		Held:       len(q.held),
		Failed:     len(q.failed),
	}

	now := time.Now()
	for _, item := range q.pending {
		if age := now.Sub(item.EnqueuedAt); age > s.OldestAge {
			s.OldestAge = age
		}
	}
	for _, item := range q.held {
		if age := now.Sub(item.EnqueuedAt); age > s.OldestAge {
			s.OldestAge = age
		}
	}
	return s
}

// Close stops the sweep loop and unblocks all Dequeue calls with ErrClosed.
// Pending items are discarded; durability is bounded by process lifetime.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}

// wake signals one blocked Dequeue without blocking the caller.
func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
