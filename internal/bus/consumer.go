package bus

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
}

type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type ConsumerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// EventsPerSecond throttles event handling; zero means unlimited.
	EventsPerSecond float64
	RetryDelay      time.Duration
}

// Consumer drains the inbox, one transaction per event. The event is acked
// in the same transaction as its handling, so a crash redelivers it. Side
// effects of the handler run only after the commit.
type Consumer struct {
	inbox      Inbox
	handler    Handler
	transactor Transactor
	limiter    *rate.Limiter
	config     ConsumerConfig
	lg         Logger
}

func NewConsumer(
	inbox Inbox,
	handler Handler,
	transactor Transactor,
	config ConsumerConfig,
	lg Logger,
) *Consumer {
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 10 * time.Second
	}

	limit := rate.Inf
	if config.EventsPerSecond > 0 {
		limit = rate.Limit(config.EventsPerSecond)
	}

	return &Consumer{
		inbox:      inbox,
		handler:    handler,
		transactor: transactor,
		limiter:    rate.NewLimiter(limit, 1),
		config:     config,
		lg:         lg,
	}
}

func (c *Consumer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.lg.Errorw("inbox drain failed", "err", err)
			}
		}
	}
}

// Drain handles up to BatchSize events and returns how many were acked.
func (c *Consumer) Drain(ctx context.Context) (int, error) {
	handled := 0
	for handled < c.config.BatchSize {
		if err := c.limiter.Wait(ctx); err != nil {
			return handled, err
		}

		found, err := c.consumeOne(ctx)
		if err != nil {
			return handled, err
		}
		if !found {
			return handled, nil
		}
		handled++
	}
	return handled, nil
}

func (c *Consumer) consumeOne(ctx context.Context) (bool, error) {
	var (
		found     bool
		failed    *Event
		handleErr error
		committed func()
	)

	err := c.transactor.WithTransaction(ctx, func(ctx context.Context) error {
		events, err := c.inbox.Claim(ctx, 1)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		found = true
		event := events[0]

		after, err := c.handler.Consume(ctx, event)
		if err != nil {
			failed = &event
			handleErr = err
			return err
		}
		committed = after
		return c.inbox.Ack(ctx, event.ID)
	})

	if failed == nil {
		if err == nil && committed != nil {
			committed()
		}
		return found, err
	}

	c.lg.Warnw(
		"event handling failed",
		"event_id", failed.ID,
		"correlation_id", failed.CorrelationID,
		"attempts", failed.Attempts+1,
		"err", handleErr,
	)

	retryErr := c.transactor.WithTransaction(ctx, func(ctx context.Context) error {
		return c.inbox.Retry(ctx, failed.ID, handleErr.Error(), c.config.RetryDelay)
	})
	return true, retryErr
}
