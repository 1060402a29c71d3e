package callflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"outbound-dialer/internal/telephony"
)

// EventSource delivers platform events until ctx ends. telephony.Stream is the live one.
type EventSource interface {
	Run(ctx context.Context, handle func(telephony.Event)) error
}

// Consumer feeds an event source into the worker. It can be stopped and started again.
type Consumer struct {
	source EventSource
	worker *Worker
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
}

func NewConsumer(source EventSource, worker *Worker, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{source: source, worker: worker, logger: logger}
}

// Start subscribes to the event source. It is a no-op while already running.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running.Load() {
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.wg.Wait()
	}

	// Handlers keep the caller's values but finish their work after Stop.
	c.worker.setBase(context.WithoutCancel(ctx))
	ctx, c.cancel = context.WithCancel(ctx)
	c.running.Store(true)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.running.Store(false)
		err := c.source.Run(ctx, c.worker.Dispatch)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("event consumer stopped", "error", err)
		}
	}()
	c.logger.Info("event consumer started")
}

// Stop ends the subscription and waits for queued events to be handled.
func (c *Consumer) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
	c.worker.Drain()
	c.logger.Info("event consumer stopped")
}

func (c *Consumer) Running() bool { return c.running.Load() }

// Connected reports whether the source currently holds a live subscription.
// Sources that cannot tell are treated as connected while running.
func (c *Consumer) Connected() bool {
	if s, ok := c.source.(interface{ Connected() bool }); ok {
		return c.Running() && s.Connected()
	}
	return c.Running()
}
