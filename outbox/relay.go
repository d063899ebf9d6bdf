package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultBatchSize   = 50
	defaultMaxAttempts = 10
	defaultInterval    = time.Second
)

// Relay delivers pending messages to the handlers subscribed to their topic.
type Relay struct {
	store       Store
	handlers    map[string][]Handler
	interval    time.Duration
	batchSize   int
	maxAttempts int
	logger      *slog.Logger
}

// NewRelay builds a relay over store with default pacing.
func NewRelay(store Store) *Relay {
	return &Relay{
		store:       store,
		handlers:    make(map[string][]Handler),
		interval:    defaultInterval,
		batchSize:   defaultBatchSize,
		maxAttempts: defaultMaxAttempts,
		logger:      slog.Default(),
	}
}

func (r *Relay) WithInterval(d time.Duration) *Relay {
	if d > 0 {
		r.interval = d
	}
	return r
}

func (r *Relay) WithMaxAttempts(n int) *Relay {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

func (r *Relay) WithBatchSize(n int) *Relay {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

func (r *Relay) WithLogger(l *slog.Logger) *Relay {
	if l != nil {
		r.logger = l
	}
	return r
}

// Subscribe registers h for topic. Handlers of one topic run in registration
// order; the message is retried when any of them fails, so every handler must
// tolerate redelivery. Subscribe is not safe to call once Run has started.
func (r *Relay) Subscribe(topic string, h Handler) {
	r.handlers[topic] = append(r.handlers[topic], h)
}

// Pass processes a single batch.
func (r *Relay) Pass(ctx context.Context) (Result, error) {
	res, err := r.store.Process(ctx, Batch{Limit: r.batchSize, MaxAttempts: r.maxAttempts}, r.dispatch)
	if err != nil {
		return res, fmt.Errorf("outbox: process batch: %w", err)
	}
	if res.Dead > 0 {
		r.logger.Error("outbox messages dead-lettered", slog.Int("count", res.Dead))
	}
	return res, nil
}

// Drain keeps processing batches while they deliver something, so messages
// emitted by handlers of the current batch are delivered too. Messages that
// keep failing are left pending for a later pass.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		res, err := r.Pass(ctx)
		if err != nil {
			return total, err
		}
		total += res.Delivered
		if res.Delivered == 0 {
			return total, nil
		}
	}
}

// Run drains the outbox every interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay started", slog.Duration("interval", r.interval))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Drain(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			r.logger.Warn("outbox relay pass failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Relay) dispatch(ctx context.Context, msg Message) error {
	for _, h := range r.handlers[msg.Topic] {
		if err := h(ctx, msg); err != nil {
			r.logger.Warn("outbox handler failed",
				slog.String("topic", msg.Topic),
				slog.String("message_id", msg.ID),
				slog.Int("attempt", msg.Attempts+1),
				slog.Any("error", err),
			)
			return err
		}
	}
	return nil
}
