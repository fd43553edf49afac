// Package pipeline connects the SMTP receive path to webhook delivery: raw
// messages are parsed into normalized emails, buffered on the inbound queue,
// handed to the outbound queue, and posted to the webhook by a worker pool
// with exponential-backoff retry.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/timothydodd/MailVoid-sub000/internal/email"
	"github.com/timothydodd/MailVoid-sub000/internal/parser"
	"github.com/timothydodd/MailVoid-sub000/internal/queue"
)

// Outbound retry jitter bounds, a uniform multiplier applied to each backoff
// delay so retries from concurrent failures do not synchronize.
const (
	outboundJitterMin = 0.75
	outboundJitterMax = 1.25
)

// defaultSweepInterval is how often held outbound items are checked for due
// retries.
const defaultSweepInterval = 30 * time.Second

// Forwarder delivers a normalized email to the external webhook.
type Forwarder interface {
	Forward(ctx context.Context, msg *email.Email) error
}

// Config controls queue retry behavior and worker concurrency.
type Config struct {
	MaxRetryAttempts        int
	BaseRetryDelay          time.Duration
	MaxConcurrentProcessing int

	// RetrySweepInterval overrides how often due outbound retries are
	// released. Defaults to 30s.
	RetrySweepInterval time.Duration
}

// Pipeline owns the inbound and outbound queues, their worker pools, and the
// queue monitor.
type Pipeline struct {
	inbound  *queue.Queue
	outbound *queue.Queue

	inboundPool  *queue.WorkerPool
	outboundPool *queue.WorkerPool
	monitor      *queue.Monitor

	forwarder Forwarder
}

// New creates a Pipeline. Start must be called before the pipeline delivers
// anything.
func New(cfg Config, forwarder Forwarder) *Pipeline {
	if cfg.RetrySweepInterval <= 0 {
		cfg.RetrySweepInterval = defaultSweepInterval
	}
	inbound := queue.New(queue.Config{
		Name:           "inbound",
		MaxAttempts:    cfg.MaxRetryAttempts,
		BaseRetryDelay: cfg.BaseRetryDelay,
	})
	outbound := queue.New(queue.Config{
		Name:           "outbound",
		MaxAttempts:    cfg.MaxRetryAttempts,
		BaseRetryDelay: cfg.BaseRetryDelay,
		JitterMin:      outboundJitterMin,
		JitterMax:      outboundJitterMax,
		SweepInterval:  cfg.RetrySweepInterval,
	})

	p := &Pipeline{
		inbound:   inbound,
		outbound:  outbound,
		forwarder: forwarder,
		monitor:   queue.NewMonitor(inbound, outbound),
	}

	p.inboundPool = queue.NewWorkerPool(inbound, cfg.MaxConcurrentProcessing, p.handleInbound)
	p.outboundPool = queue.NewWorkerPool(outbound, cfg.MaxConcurrentProcessing, p.handleOutbound)

	return p
}

// Receive parses a complete raw RFC 5322 message and enqueues the normalized
// email for forwarding. The envelope sender and recipients fill in any
// missing header addresses. An error means the message could not be parsed;
// the SMTP layer maps it to a transient failure so the sending MTA retries.
func (p *Pipeline) Receive(ctx context.Context, from string, to []string, raw []byte) error {
	msg, err := parser.Parse(raw)
	if err != nil {
		return fmt.Errorf("failed to parse received message: %w", err)
	}

	if msg.From == "" {
		msg.From = from
	}
	if len(msg.To) == 0 {
		msg.To = to
	}

	id := p.inbound.Enqueue(msg, 0)
	slog.Info("message received",
		"id", id,
		"from", msg.From,
		"recipients", len(msg.To),
		"subject", msg.Subject,
	)
	return nil
}

// Start launches the worker pools and the queue monitor.
func (p *Pipeline) Start(ctx context.Context) {
	p.inboundPool.Start(ctx)
	p.outboundPool.Start(ctx)
	go p.monitor.Run(ctx)
}

// Close shuts both queues down and waits for the workers to exit. Items not
// yet delivered are lost; queue durability is bounded by process lifetime.
func (p *Pipeline) Close() {
	p.inbound.Close()
	p.outbound.Close()
	p.inboundPool.Wait()
	p.outboundPool.Wait()
}

// Inbound exposes the inbound queue for inspection.
func (p *Pipeline) Inbound() *queue.Queue {
	return p.inbound
}

// Outbound exposes the outbound queue for inspection.
func (p *Pipeline) Outbound() *queue.Queue {
	return p.outbound
}

// handleInbound moves a normalized email from the inbound queue to the
// outbound queue, preserving its priority.
func (p *Pipeline) handleInbound(ctx context.Context, item *queue.Item) error {
	p.outbound.Enqueue(item.Email, item.Priority)
	return nil
}

// handleOutbound posts a normalized email to the webhook.
func (p *Pipeline) handleOutbound(ctx context.Context, item *queue.Item) error {
	if err := p.forwarder.Forward(ctx, item.Email); err != nil {
		return fmt.Errorf("forwarding failed: %w", err)
	}
	return nil
}
