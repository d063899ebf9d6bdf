package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"carflow/dispute"
)

// Disputes is the part of the dispute service the escalator drives.
type Disputes interface {
	ListStale(ctx context.Context, limit int) ([]dispute.Record, error)
	Escalate(ctx context.Context, id string) (dispute.Record, error)
}

// DisputeEscalator resolves disputes that outlived the arbitration timeout.
// It is only started when a timeout is configured.
type DisputeEscalator struct {
	disputes  Disputes
	lease     Lease
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

func NewDisputeEscalator(disputes Disputes) *DisputeEscalator {
	return &DisputeEscalator{
		disputes:  disputes,
		lease:     LocalLease{},
		interval:  time.Minute,
		batchSize: 100,
		logger:    slog.Default(),
	}
}

func (e *DisputeEscalator) WithInterval(d time.Duration) *DisputeEscalator {
	if d > 0 {
		e.interval = d
	}
	return e
}

func (e *DisputeEscalator) WithLease(l Lease) *DisputeEscalator {
	if l != nil {
		e.lease = l
	}
	return e
}

func (e *DisputeEscalator) WithLogger(l *slog.Logger) *DisputeEscalator {
	if l != nil {
		e.logger = l
	}
	return e
}

// Sweep escalates stale disputes one at a time.
func (e *DisputeEscalator) Sweep(ctx context.Context) (SweepResult, error) {
	stale, err := e.disputes.ListStale(ctx, e.batchSize)
	if err != nil {
		return SweepResult{}, err
	}

	var res SweepResult
	for _, rec := range stale {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		_, err := e.disputes.Escalate(ctx, rec.ID)
		switch {
		case err == nil:
			res.Handled++
			e.logger.Info("dispute escalated", slog.String("dispute_id", rec.ID), slog.String("escrow_id", rec.EscrowID))
		case errors.Is(err, dispute.ErrNotStale), errors.Is(err, dispute.ErrEscalationDisabled):
			res.Skipped++
		default:
			res.Failed++
			e.logger.Warn("dispute escalation failed", slog.String("dispute_id", rec.ID), slog.Any("error", err))
		}
	}
	return res, nil
}

// Run sweeps on every tick while this replica holds the lease.
func (e *DisputeEscalator) Run(ctx context.Context) error {
	return runTicker(ctx, e.interval, func(ctx context.Context) {
		ok, err := e.lease.Acquire(ctx, "dispute-escalator", 2*e.interval)
		if err != nil {
			e.logger.Warn("dispute sweep lease", slog.Any("error", err))
			return
		}
		if !ok {
			return
		}
		if _, err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("dispute sweep failed", slog.Any("error", err))
		}
	})
}
