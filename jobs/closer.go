// Package jobs runs the timer-driven sweeps: closing auctions whose deadline
// passed and escalating disputes that outlived the arbitration timeout.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"carflow/auction"
)

// Auctions is the part of the auction service the closer drives.
type Auctions interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]auction.Auction, error)
	Close(ctx context.Context, auctionID string, opts auction.CloseOptions) (auction.Auction, error)
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Handled int
	Skipped int
	Failed  int
}

// AuctionCloser closes every open auction whose deadline has passed.
type AuctionCloser struct {
	auctions    Auctions
	lease       Lease
	interval    time.Duration
	concurrency int
	batchSize   int
	now         func() time.Time
	logger      *slog.Logger
}

func NewAuctionCloser(auctions Auctions) *AuctionCloser {
	return &AuctionCloser{
		auctions:    auctions,
		lease:       LocalLease{},
		interval:    30 * time.Second,
		concurrency: 8,
		batchSize:   200,
		now:         time.Now,
		logger:      slog.Default(),
	}
}

func (c *AuctionCloser) WithInterval(d time.Duration) *AuctionCloser {
	if d > 0 {
		c.interval = d
	}
	return c
}

func (c *AuctionCloser) WithConcurrency(n int) *AuctionCloser {
	if n > 0 {
		c.concurrency = n
	}
	return c
}

func (c *AuctionCloser) WithLease(l Lease) *AuctionCloser {
	if l != nil {
		c.lease = l
	}
	return c
}

func (c *AuctionCloser) WithClock(now func() time.Time) *AuctionCloser {
	if now != nil {
		c.now = now
	}
	return c
}

func (c *AuctionCloser) WithLogger(l *slog.Logger) *AuctionCloser {
	if l != nil {
		c.logger = l
	}
	return c
}

// Sweep closes the auctions due now. Auctions closed concurrently by someone
// else are skipped; other failures are logged and left for the next sweep.
func (c *AuctionCloser) Sweep(ctx context.Context) (SweepResult, error) {
	due, err := c.auctions.ListDue(ctx, c.now(), c.batchSize)
	if err != nil {
		return SweepResult{}, err
	}

	var handled, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, a := range due {
		id := a.ID
		g.Go(func() error {
			_, err := c.auctions.Close(gctx, id, auction.CloseOptions{})
			switch {
			case err == nil:
				handled.Add(1)
			case errors.Is(err, auction.ErrAlreadyClosed), errors.Is(err, auction.ErrNotYetDue):
				skipped.Add(1)
			case gctx.Err() != nil:
				return gctx.Err()
			default:
				failed.Add(1)
				c.logger.Warn("auction close failed", slog.String("auction_id", id), slog.Any("error", err))
			}
			return nil
		})
	}
	err = g.Wait()

	res := SweepResult{Handled: int(handled.Load()), Skipped: int(skipped.Load()), Failed: int(failed.Load())}
	if res.Handled > 0 || res.Failed > 0 {
		c.logger.Info("auction sweep",
			slog.Int("closed", res.Handled),
			slog.Int("skipped", res.Skipped),
			slog.Int("failed", res.Failed),
		)
	}
	return res, err
}

// Run sweeps on every tick while this replica holds the lease. It returns
// nil when ctx is cancelled.
func (c *AuctionCloser) Run(ctx context.Context) error {
	return runTicker(ctx, c.interval, func(ctx context.Context) {
		ok, err := c.lease.Acquire(ctx, "auction-closer", 2*c.interval)
		if err != nil {
			c.logger.Warn("auction sweep lease", slog.Any("error", err))
			return
		}
		if !ok {
			return
		}
		if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("auction sweep failed", slog.Any("error", err))
		}
	})
}

func runTicker(ctx context.Context, interval time.Duration, tick func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tick(ctx)
		}
	}
}
