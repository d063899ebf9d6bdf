// Package actors drives the settlement core concurrently against Postgres.
// Every actor loops until ctx is cancelled or stop is closed, tolerating the
// errors contention and chaos are expected to cause.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"carflow/auction"
	"carflow/dispute"
	"carflow/failure"
	"carflow/money"
	"carflow/test/infra"
)

// Stats counts what the actors achieved.
type Stats struct {
	Published   atomic.Int64
	Bids        atomic.Int64
	Fundings    atomic.Int64
	Releases    atomic.Int64
	Refunds     atomic.Int64
	Disputes    atomic.Int64
	Votes       atomic.Int64
	Dropped     atomic.Int64 // untagged errors, e.g. a backend killed by chaos
	Unexpected  atomic.Int64
	LastFailure atomic.Value
}

func (s *Stats) String() string {
	return fmt.Sprintf("published=%d bids=%d fundings=%d releases=%d refunds=%d disputes=%d votes=%d dropped=%d unexpected=%d",
		s.Published.Load(), s.Bids.Load(), s.Fundings.Load(), s.Releases.Load(), s.Refunds.Load(),
		s.Disputes.Load(), s.Votes.Load(), s.Dropped.Load(), s.Unexpected.Load())
}

// observe records err. Domain errors of the listed kinds are the normal
// outcome of racing actors; any other tagged error is unexpected.
func (s *Stats) observe(err error, ok *atomic.Int64) {
	switch kind := failure.KindOf(err); {
	case err == nil:
		if ok != nil {
			ok.Add(1)
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	case kind == failure.KindUnknown:
		s.Dropped.Add(1)
	case kind == failure.KindPrecondition, kind == failure.KindConflict, kind == failure.KindNotFound:
	default:
		s.Unexpected.Add(1)
		s.LastFailure.Store(err.Error())
	}
}

func loop(ctx context.Context, stop <-chan struct{}, rng *rand.Rand, minSleep, jitter int, step func() error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := step(); err != nil {
			return err
		}
		time.Sleep(time.Duration(minSleep+rng.Intn(jitter)) * time.Millisecond)
	}
}

// Publisher keeps a supply of short auctions open.
func Publisher(ctx context.Context, s *infra.Stack, stats *Stats, rng *rand.Rand, sellers []string, stop <-chan struct{}) error {
	return loop(ctx, stop, rng, 150, 200, func() error {
		_, err := s.Auctions.Publish(ctx, auction.PublishParams{
			ItemID:   fmt.Sprintf("vin-%017d", rng.Int63n(1e17)),
			SellerID: sellers[rng.Intn(len(sellers))],
			Currency: "USD",
			CloseAt:  time.Now().Add(time.Duration(500+rng.Intn(1500)) * time.Millisecond),
		})
		stats.observe(err, &stats.Published)
		return nil
	})
}

// Bidder outbids the leading bid of a random open auction. One in five bids
// deliberately undercuts the leader to exercise rejection.
func Bidder(ctx context.Context, s *infra.Stack, stats *Stats, rng *rand.Rand, bidderID string, stop <-chan struct{}) error {
	return loop(ctx, stop, rng, 5, 20, func() error {
		ids, err := pick(ctx, s.Pool, `SELECT id FROM auctions WHERE status = 'open' AND close_at > now() ORDER BY random() LIMIT 1`)
		if err != nil || len(ids) == 0 {
			stats.observe(err, nil)
			return nil
		}
		base := decimal.NewFromInt(1000)
		if lead, ok, err := s.Auctions.LeadingBid(ctx, ids[0]); err != nil {
			stats.observe(err, nil)
			return nil
		} else if ok {
			base = lead.Amount.Amount
		}
		step := decimal.NewFromInt(int64(1 + rng.Intn(50)))
		if rng.Intn(5) == 0 {
			step = step.Neg()
		}
		amount := money.Money{Amount: base.Add(step), Currency: "USD"}
		if !amount.Amount.IsPositive() {
			return nil
		}
		_, err = s.Auctions.SubmitBid(ctx, ids[0], bidderID, amount)
		stats.observe(err, &stats.Bids)
		return nil
	})
}

// Sweeper closes due auctions. Several sweepers race on the same rows.
func Sweeper(ctx context.Context, s *infra.Stack, stats *Stats, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, rng, 50, 100, func() error {
		_, err := s.Closer.Sweep(ctx)
		stats.observe(err, nil)
		return nil
	})
}

// RelayWorker delivers outbox messages to the coordinator. Workers claim
// disjoint batches with SKIP LOCKED.
func RelayWorker(ctx context.Context, s *infra.Stack, stats *Stats, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, rng, 20, 60, func() error {
		_, err := s.Relay.Pass(ctx)
		stats.observe(err, nil)
		return nil
	})
}

// Funder records payment for pending escrows.
func Funder(ctx context.Context, s *infra.Stack, stats *Stats, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, rng, 30, 60, func() error {
		ids, err := pick(ctx, s.Pool, `SELECT id FROM escrows WHERE status = 'pending' ORDER BY random() LIMIT 3`)
		stats.observe(err, nil)
		for _, id := range ids {
			_, err := s.Escrows.RecordFunding(ctx, id, "ops-stress")
			stats.observe(err, &stats.Fundings)
		}
		return nil
	})
}

// Inspector flips release conditions, mostly to met.
func Inspector(ctx context.Context, s *infra.Stack, stats *Stats, rng *rand.Rand, stop <-chan struct{}) error {
	conditions := []string{"inspection", "title_transfer"}
	return loop(ctx, stop, rng, 10, 40, func() error {
		ids, err := pick(ctx, s.Pool, `SELECT id FROM escrows WHERE status IN ('funded', 'held') ORDER BY random() LIMIT 2`)
		stats.observe(err, nil)
		for _, id := range ids {
			_, err := s.Escrows.UpdateCondition(ctx, id, conditions[rng.Intn(len(conditions))], rng.Intn(6) != 0, "inspector")
			stats.observe(err, nil)
		}
		return nil
	})
}

// Settler races releases against refunds on funded escrows. At most one of
// them may win per escrow.
func Settler(ctx context.Context, s *infra.Stack, stats *Stats, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, rng, 20, 60, func() error {
		ids, err := pick(ctx, s.Pool, `SELECT id FROM escrows WHERE status IN ('funded', 'held') ORDER BY random() LIMIT 2`)
		stats.observe(err, nil)
		for _, id := range ids {
			if rng.Intn(4) == 0 {
				_, err := s.Escrows.Refund(ctx, id, "seller-stress")
				stats.observe(err, &stats.Refunds)
				continue
			}
			_, err := s.Escrows.Release(ctx, id, "buyer-stress")
			stats.observe(err, &stats.Releases)
		}
		return nil
	})
}

// Disputer files disputes on funded escrows and seats a panel.
func Disputer(ctx context.Context, s *infra.Stack, stats *Stats, rng *rand.Rand, judges []string, stop <-chan struct{}) error {
	return loop(ctx, stop, rng, 60, 120, func() error {
		rows, err := s.Pool.Query(ctx, `SELECT id, buyer_id, seller_id FROM escrows WHERE status = 'funded' ORDER BY random() LIMIT 1`)
		if err != nil {
			stats.observe(err, nil)
			return nil
		}
		var id, buyer, seller string
		found := rows.Next()
		if found {
			err = rows.Scan(&id, &buyer, &seller)
		}
		rows.Close()
		if !found || err != nil {
			stats.observe(err, nil)
			return nil
		}

		initiator, defendant := buyer, seller
		if rng.Intn(3) == 0 {
			initiator, defendant = seller, buyer
		}
		rec, err := s.Disputes.File(ctx, dispute.FileParams{
			InitiatorID: initiator,
			DefendantID: defendant,
			EscrowID:    id,
			Reason:      "vehicle condition differs from listing",
		})
		stats.observe(err, &stats.Disputes)
		if err != nil {
			return nil
		}
		panel := append([]string(nil), judges...)
		rng.Shuffle(len(panel), func(i, j int) { panel[i], panel[j] = panel[j], panel[i] })
		_, err = s.Disputes.AssignJudges(ctx, rec.ID, panel[:3])
		stats.observe(err, nil)
		return nil
	})
}

// Judge votes on disputes it sits on.
func Judge(ctx context.Context, s *infra.Stack, stats *Stats, rng *rand.Rand, judgeID string, stop <-chan struct{}) error {
	decisions := []dispute.Outcome{dispute.OutcomeFavorInitiator, dispute.OutcomeFavorDefendant, dispute.OutcomeNeutral}
	return loop(ctx, stop, rng, 30, 90, func() error {
		ids, err := pick(ctx, s.Pool, `
			SELECT d.id FROM disputes d
			WHERE d.status = 'voting' AND $1 = ANY (d.judges)
			  AND NOT EXISTS (SELECT 1 FROM dispute_votes v WHERE v.dispute_id = d.id AND v.judge_id = $1)
			ORDER BY random() LIMIT 2`, judgeID)
		stats.observe(err, nil)
		for _, id := range ids {
			_, err := s.Disputes.CastVote(ctx, id, judgeID, decisions[rng.Intn(len(decisions))], "")
			stats.observe(err, &stats.Votes)
		}
		return nil
	})
}

// Escalator resolves disputes whose panel took too long.
func Escalator(ctx context.Context, s *infra.Stack, stats *Stats, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, rng, 200, 200, func() error {
		_, err := s.Escalator.Sweep(ctx)
		stats.observe(err, nil)
		return nil
	})
}

func pick(ctx context.Context, pool *pgxpool.Pool, query string, args ...any) ([]string, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
