// Package archive keeps a read-side copy of every auction, escrow and dispute
// that reached a terminal state. It is fed by outbox events and never writes
// back to the settlement core.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"carflow/auction"
	"carflow/dispute"
	"carflow/escrow"
	"carflow/failure"
	"carflow/outbox"
)

var ErrNotArchived = failure.New(failure.KindNotFound, "archive: not archived")

type Auctions interface {
	Get(ctx context.Context, id string) (auction.Auction, error)
	Bids(ctx context.Context, auctionID string) ([]auction.Bid, error)
}

type Escrows interface {
	Get(ctx context.Context, id string) (escrow.Escrow, error)
}

type Disputes interface {
	Get(ctx context.Context, id string) (dispute.Record, error)
}

// Open connects to the archive database and migrates its tables.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Error),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: connect: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("archive: migrate: %w", err)
	}
	return nil
}

type Archiver struct {
	db       *gorm.DB
	auctions Auctions
	escrows  Escrows
	disputes Disputes
	now      func() time.Time
	logger   *slog.Logger
}

func NewArchiver(db *gorm.DB, auctions Auctions, escrows Escrows, disputes Disputes) *Archiver {
	return &Archiver{
		db:       db,
		auctions: auctions,
		escrows:  escrows,
		disputes: disputes,
		now:      time.Now,
		logger:   slog.Default(),
	}
}

func (a *Archiver) WithClock(now func() time.Time) *Archiver {
	if now != nil {
		a.now = now
	}
	return a
}

func (a *Archiver) WithLogger(l *slog.Logger) *Archiver {
	if l != nil {
		a.logger = l
	}
	return a
}

// Register subscribes the archiver to every terminal topic.
func (a *Archiver) Register(relay *outbox.Relay) {
	auctionDone := func(ctx context.Context, msg outbox.Message) error {
		return a.ArchiveAuction(ctx, msg.Key)
	}
	escrowDone := func(ctx context.Context, msg outbox.Message) error {
		return a.ArchiveEscrow(ctx, msg.Key)
	}
	relay.Subscribe(auction.TopicSettled, auctionDone)
	relay.Subscribe(auction.TopicCancelled, auctionDone)
	relay.Subscribe(escrow.TopicReleased, escrowDone)
	relay.Subscribe(escrow.TopicRefunded, escrowDone)
	relay.Subscribe(dispute.TopicResolved, func(ctx context.Context, msg outbox.Message) error {
		return a.ArchiveDispute(ctx, msg.Key)
	})
}

// ArchiveAuction copies a terminal auction. Rewriting an archived auction is
// a no-op apart from its archive timestamp.
func (a *Archiver) ArchiveAuction(ctx context.Context, id string) error {
	au, err := a.auctions.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("archive: auction %s: %w", id, err)
	}
	if !au.Status.Terminal() {
		a.logger.Warn("auction not terminal; skipped", slog.String("auction_id", id), slog.String("status", string(au.Status)))
		return nil
	}
	bids, err := a.auctions.Bids(ctx, id)
	if err != nil {
		return fmt.Errorf("archive: auction %s bids: %w", id, err)
	}

	rec := AuctionRecord{
		ID:           au.ID,
		ItemID:       au.ItemID,
		SellerID:     au.SellerID,
		Status:       string(au.Status),
		Currency:     au.Currency,
		BidCount:     len(bids),
		EscrowID:     au.EscrowID,
		CancelReason: au.CancelReason,
		CloseAt:      au.CloseAt,
		ArchivedAt:   a.now().UTC(),
	}
	if au.WinningBid != nil {
		rec.WinnerID = au.WinningBid.BidderID
		rec.WinningAmount = au.WinningBid.Amount.Amount
	}

	if err := a.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
		return fmt.Errorf("archive: save auction %s: %w", id, err)
	}
	return nil
}

// ArchiveEscrow copies a released or refunded escrow with its audit trail.
func (a *Archiver) ArchiveEscrow(ctx context.Context, id string) error {
	e, err := a.escrows.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("archive: escrow %s: %w", id, err)
	}
	if !e.Status.Terminal() {
		a.logger.Warn("escrow not terminal; skipped", slog.String("escrow_id", id), slog.String("status", string(e.Status)))
		return nil
	}
	if err := e.VerifyAudit(); err != nil {
		a.logger.Error("escrow audit chain broken; not archived", slog.String("escrow_id", id), slog.Any("error", err))
		return fmt.Errorf("archive: escrow %s: %w", id, err)
	}

	rec := EscrowRecord{
		ID:         e.ID,
		SourceRef:  e.SourceRef,
		BuyerID:    e.BuyerID,
		SellerID:   e.SellerID,
		Amount:     e.Amount.Amount,
		Currency:   e.Amount.Currency,
		Status:     string(e.Status),
		AuditCount: len(e.Audit),
		SettledAt:  e.UpdatedAt,
		ArchivedAt: a.now().UTC(),
	}
	audit := make([]EscrowAuditRecord, 0, len(e.Audit))
	for _, entry := range e.Audit {
		audit = append(audit, EscrowAuditRecord{
			EscrowID: e.ID,
			Seq:      entry.Seq,
			Actor:    entry.Actor,
			Action:   string(entry.Action),
			Note:     entry.Note,
			At:       entry.At,
			Hash:     entry.Hash,
		})
	}

	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Omit("Audit").Create(&rec).Error; err != nil {
			return err
		}
		if len(audit) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&audit).Error
	})
	if err != nil {
		return fmt.Errorf("archive: save escrow %s: %w", id, err)
	}
	return nil
}

// ArchiveDispute copies a resolved dispute.
func (a *Archiver) ArchiveDispute(ctx context.Context, id string) error {
	d, err := a.disputes.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("archive: dispute %s: %w", id, err)
	}
	if d.Status != dispute.StatusResolved || d.Outcome == nil {
		a.logger.Warn("dispute not resolved; skipped", slog.String("dispute_id", id))
		return nil
	}

	rec := DisputeRecord{
		ID:          d.ID,
		EscrowID:    d.EscrowID,
		InitiatorID: d.InitiatorID,
		DefendantID: d.DefendantID,
		Reason:      d.Reason,
		Outcome:     string(*d.Outcome),
		Escalated:   d.Escalated,
		Mooted:      d.Mooted,
		PanelSize:   len(d.Judges),
		VoteCount:   len(d.Votes),
		FiledAt:     d.CreatedAt,
		ArchivedAt:  a.now().UTC(),
	}
	if d.ResolvedAt != nil {
		rec.ResolvedAt = *d.ResolvedAt
	}

	if err := a.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
		return fmt.Errorf("archive: save dispute %s: %w", id, err)
	}
	return nil
}

// SellerAuctions lists archived auctions of a seller, newest deadline first.
func (a *Archiver) SellerAuctions(ctx context.Context, sellerID string) ([]AuctionRecord, error) {
	var out []AuctionRecord
	err := a.db.WithContext(ctx).
		Where("seller_id = ?", sellerID).
		Order("close_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("archive: seller auctions: %w", err)
	}
	return out, nil
}

// Escrow returns an archived escrow with its audit trail in order.
func (a *Archiver) Escrow(ctx context.Context, id string) (EscrowRecord, error) {
	var rec EscrowRecord
	err := a.db.WithContext(ctx).
		Preload("Audit", func(db *gorm.DB) *gorm.DB { return db.Order("seq") }).
		Where("id = ?", id).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return EscrowRecord{}, ErrNotArchived
		}
		return EscrowRecord{}, fmt.Errorf("archive: escrow %s: %w", id, err)
	}
	return rec, nil
}

// EscrowDisputes lists archived disputes raised against an escrow.
func (a *Archiver) EscrowDisputes(ctx context.Context, escrowID string) ([]DisputeRecord, error) {
	var out []DisputeRecord
	err := a.db.WithContext(ctx).
		Where("escrow_id = ?", escrowID).
		Order("filed_at").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("archive: escrow disputes: %w", err)
	}
	return out, nil
}
