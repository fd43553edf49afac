package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// errorPause is the defensive delay after an unexpected worker-loop error,
// so a persistent fault cannot spin a worker hot.
const errorPause = 1 * time.Second

// Handler processes one dequeued item. A non-nil error marks the item failed
// and schedules a retry; nil marks it processed.
type Handler func(ctx context.Context, item *Item) error

// WorkerPool runs a fixed number of consumer loops against a queue. Per-item
// errors never stop a worker; they are logged and the loop continues.
type WorkerPool struct {
	queue       *Queue
	handler     Handler
	concurrency int

	wg sync.WaitGroup
}

// NewWorkerPool creates a pool of the given concurrency. Zero or negative
// concurrency defaults to 5.
func NewWorkerPool(q *Queue, concurrency int, handler Handler) *WorkerPool {
	if concurrency <= 0 {
		concurrency = 5
	}
	return &WorkerPool{
		queue:       q,
		handler:     handler,
		concurrency: concurrency,
	}
}

// Start launches the worker goroutines. They stop when the context is
// cancelled or the queue is closed; the current item is finished best-effort.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			p.run(ctx, worker)
		}(i)
	}
	slog.Info("worker pool started",
		"queue", p.queue.Name(),
		"concurrency", p.concurrency,
	)
}

// Wait blocks until all workers have exited.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

func (p *WorkerPool) run(ctx context.Context, worker int) {
	log := slog.With("queue", p.queue.Name(), "worker", worker)

	for {
		item, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				log.Debug("worker stopping", "reason", err)
				return
			}
			log.Error("unexpected dequeue error", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorPause):
			}
			continue
		}

		p.process(ctx, item, log)
	}
}

// process runs the handler for one item, converting errors and panics into
// MarkFailed so a bad item cannot take its worker down.
func (p *WorkerPool) process(ctx context.Context, item *Item, log *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked", "id", item.ID, "panic", r)
			p.queue.MarkFailed(item.ID, fmt.Sprintf("panic: %v", r))
		}
	}()

	if err := p.handler(ctx, item); err != nil {
		p.queue.MarkFailed(item.ID, err.Error())
		return
	}
	p.queue.MarkProcessed(item.ID)
}
