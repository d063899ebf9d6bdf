package archive

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"carflow/auction"
	"carflow/dispute"
	"carflow/escrow"
	"carflow/money"
	"carflow/outbox"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to connect database: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}
	return db
}

type escrowParties struct{ escrows *escrow.Service }

func (p escrowParties) Parties(ctx context.Context, id string) (string, string, error) {
	e, err := p.escrows.Get(ctx, id)
	return e.BuyerID, e.SellerID, err
}

func (p escrowParties) Hold(ctx context.Context, id, disputeID string) error {
	_, err := p.escrows.Hold(ctx, id, disputeID, "test")
	return err
}

func (p escrowParties) LiftHold(ctx context.Context, id, disputeID string) error {
	_, err := p.escrows.LiftHold(ctx, id, disputeID, "test")
	return err
}

type fixture struct {
	now      time.Time
	relay    *outbox.Relay
	auctions *auction.Service
	escrows  *escrow.Service
	disputes *dispute.Service
	archiver *Archiver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{now: time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }

	ob := outbox.NewMemory()
	f.auctions = auction.NewService(auction.NewMemoryStore(ob)).WithClock(clock).WithLogger(logger)
	f.escrows = escrow.NewService(escrow.NewMemoryStore(ob), nil).WithClock(clock).WithLogger(logger)
	f.disputes = dispute.NewService(dispute.NewMemoryStore(ob), escrowParties{f.escrows}, dispute.DefaultPolicy()).
		WithClock(clock).WithLogger(logger)
	f.archiver = NewArchiver(setupTestDB(t), f.auctions, f.escrows, f.disputes).WithClock(clock).WithLogger(logger)
	f.relay = outbox.NewRelay(ob).WithLogger(logger)
	f.archiver.Register(f.relay)
	return f
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	if _, err := f.relay.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestArchiver_CancelledAuction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.auctions.Publish(ctx, auction.PublishParams{
		ItemID:   "vin-WBA3A5C55CF256985",
		SellerID: "seller-9",
		Currency: "EUR",
		CloseAt:  f.now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	f.now = f.now.Add(2 * time.Hour)
	if _, err := f.auctions.Close(ctx, a.ID, auction.CloseOptions{}); err != nil {
		t.Fatalf("close: %v", err)
	}
	f.drain(t)

	records, err := f.archiver.SellerAuctions(ctx, "seller-9")
	if err != nil {
		t.Fatalf("seller auctions: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 archived auction, got %d", len(records))
	}
	rec := records[0]
	if rec.Status != string(auction.StatusCancelled) || rec.CancelReason != auction.CancelReasonNoBids {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.BidCount != 0 || rec.WinnerID != "" {
		t.Fatalf("expected no winner, got %+v", rec)
	}
}

func TestArchiver_SettledAuctionAndReleasedEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.auctions.Publish(ctx, auction.PublishParams{
		ItemID:   "vin-1FTFW1ET5DFC10312",
		SellerID: "seller-1",
		Currency: "USD",
		CloseAt:  f.now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, bid := range []struct{ bidder, amount string }{{"buyer-1", "21000"}, {"buyer-2", "21500"}} {
		if _, err := f.auctions.SubmitBid(ctx, a.ID, bid.bidder, money.MustNew(bid.amount, "USD")); err != nil {
			t.Fatalf("bid: %v", err)
		}
	}
	f.now = f.now.Add(time.Hour)
	closed, err := f.auctions.Close(ctx, a.ID, auction.CloseOptions{})
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	e, err := f.escrows.Open(ctx, escrow.OpenParams{
		SourceRef: a.ID,
		BuyerID:   closed.WinningBid.BidderID,
		SellerID:  "seller-1",
		Amount:    closed.WinningBid.Amount,
		Actor:     "test",
	})
	if err != nil {
		t.Fatalf("open escrow: %v", err)
	}
	if _, err := f.auctions.Settle(ctx, a.ID, e.ID); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if _, err := f.escrows.RecordFunding(ctx, e.ID, "operator"); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := f.escrows.Release(ctx, e.ID, "buyer-2"); err != nil {
		t.Fatalf("release: %v", err)
	}
	f.drain(t)

	records, err := f.archiver.SellerAuctions(ctx, "seller-1")
	if err != nil {
		t.Fatalf("seller auctions: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 archived auction, got %d", len(records))
	}
	rec := records[0]
	if rec.Status != string(auction.StatusSettled) || rec.WinnerID != "buyer-2" || rec.BidCount != 2 || rec.EscrowID != e.ID {
		t.Fatalf("unexpected auction record %+v", rec)
	}
	if !rec.WinningAmount.Equal(money.MustNew("21500", "USD").Amount) {
		t.Fatalf("expected winning amount 21500, got %s", rec.WinningAmount)
	}

	archived, err := f.archiver.Escrow(ctx, e.ID)
	if err != nil {
		t.Fatalf("escrow: %v", err)
	}
	if archived.Status != string(escrow.StatusReleased) {
		t.Fatalf("expected released, got %s", archived.Status)
	}
	if len(archived.Audit) != 3 || archived.AuditCount != 3 {
		t.Fatalf("expected 3 audit entries, got %d (%d)", len(archived.Audit), archived.AuditCount)
	}
	live, err := f.escrows.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("live escrow: %v", err)
	}
	for i, entry := range archived.Audit {
		if entry.Seq != i+1 {
			t.Fatalf("audit out of order at %d: seq %d", i, entry.Seq)
		}
		if entry.Hash == "" || entry.Hash != live.Audit[i].Hash {
			t.Fatalf("audit entry %d hash not archived: %q", entry.Seq, entry.Hash)
		}
	}
	if archived.Audit[2].Action != string(escrow.ActionReleased) {
		t.Fatalf("expected last entry released, got %s", archived.Audit[2].Action)
	}

	// Replaying every terminal event leaves one row per entity.
	if err := f.archiver.ArchiveAuction(ctx, a.ID); err != nil {
		t.Fatalf("replay auction: %v", err)
	}
	if err := f.archiver.ArchiveEscrow(ctx, e.ID); err != nil {
		t.Fatalf("replay escrow: %v", err)
	}
	again, err := f.archiver.Escrow(ctx, e.ID)
	if err != nil {
		t.Fatalf("escrow: %v", err)
	}
	if len(again.Audit) != 3 {
		t.Fatalf("expected replay to keep 3 audit entries, got %d", len(again.Audit))
	}
	if records, _ := f.archiver.SellerAuctions(ctx, "seller-1"); len(records) != 1 {
		t.Fatalf("expected replay to keep 1 auction row, got %d", len(records))
	}
}

func TestArchiver_ResolvedDispute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e, err := f.escrows.Open(ctx, escrow.OpenParams{
		SourceRef: "private-sale-7",
		BuyerID:   "buyer-1",
		SellerID:  "seller-1",
		Amount:    money.MustNew("9900", "USD"),
		Actor:     "test",
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.escrows.RecordFunding(ctx, e.ID, "operator"); err != nil {
		t.Fatalf("fund: %v", err)
	}

	d, err := f.disputes.File(ctx, dispute.FileParams{
		InitiatorID: "buyer-1",
		DefendantID: "seller-1",
		EscrowID:    e.ID,
		Reason:      "undisclosed flood damage",
	})
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	if _, err := f.disputes.AssignJudges(ctx, d.ID, []string{"judge-1", "judge-2", "judge-3"}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	for _, judge := range []string{"judge-1", "judge-3"} {
		if _, err := f.disputes.CastVote(ctx, d.ID, judge, dispute.OutcomeFavorInitiator, "photos"); err != nil {
			t.Fatalf("vote: %v", err)
		}
	}
	f.drain(t)

	records, err := f.archiver.EscrowDisputes(ctx, e.ID)
	if err != nil {
		t.Fatalf("escrow disputes: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 archived dispute, got %d", len(records))
	}
	rec := records[0]
	if rec.Outcome != string(dispute.OutcomeFavorInitiator) || rec.VoteCount != 2 || rec.PanelSize != 3 || rec.Escalated || rec.Mooted {
		t.Fatalf("unexpected dispute record %+v", rec)
	}

	// The escrow is still held, so it is not archived.
	if _, err := f.archiver.Escrow(ctx, e.ID); !errors.Is(err, ErrNotArchived) {
		t.Fatalf("expected ErrNotArchived for held escrow, got %v", err)
	}
}
