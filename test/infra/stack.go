package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"carflow/auction"
	"carflow/dispute"
	"carflow/escrow"
	"carflow/jobs"
	"carflow/outbox"
	"carflow/settlement"
)

// Stack is the settlement core wired on a Postgres pool, as settlementd
// wires it.
type Stack struct {
	Pool      *pgxpool.Pool
	Auctions  *auction.Service
	Escrows   *escrow.Service
	Disputes  *dispute.Service
	Relay     *outbox.Relay
	Closer    *jobs.AuctionCloser
	Escalator *jobs.DisputeEscalator
}

func NewStack(pool *pgxpool.Pool, policy dispute.Policy, logger *slog.Logger) *Stack {
	auctions := auction.NewService(auction.NewRepository(pool)).WithLogger(logger)
	escrows := escrow.NewService(escrow.NewRepository(pool), nil).WithLogger(logger)
	coord := settlement.NewCoordinator(auctions, escrows).
		WithDefaultConditions([]string{"inspection", "title_transfer"}).
		WithLogger(logger)
	disputes := dispute.NewService(dispute.NewRepository(pool), coord, policy).WithLogger(logger)
	coord.WithDisputes(disputes)

	relay := outbox.NewRelay(outbox.NewRepository(pool)).
		WithBatchSize(20).
		WithMaxAttempts(25).
		WithInterval(50 * time.Millisecond).
		WithLogger(logger)
	coord.Register(relay)

	return &Stack{
		Pool:      pool,
		Auctions:  auctions,
		Escrows:   escrows,
		Disputes:  disputes,
		Relay:     relay,
		Closer:    jobs.NewAuctionCloser(auctions).WithConcurrency(4).WithLogger(logger),
		Escalator: jobs.NewDisputeEscalator(disputes).WithLogger(logger),
	}
}

// Reset truncates every settlement table.
func (s *Stack) Reset(ctx context.Context) error {
	tables := []string{
		"dispute_messages",
		"dispute_votes",
		"disputes",
		"escrow_audit",
		"escrows",
		"bids",
		"auctions",
		"outbox",
		"accounts",
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}
	return nil
}
