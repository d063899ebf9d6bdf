package auction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"carflow/db"
	"carflow/money"
	"carflow/outbox"
)

// Repository is the Postgres Store. Apply locks the auction row with
// SELECT ... FOR UPDATE so bids and transitions on one auction serialize.
type Repository struct {
	pool db.Pool
}

var _ Store = (*Repository)(nil)

func NewRepository(pool db.Pool) *Repository {
	return &Repository{pool: pool}
}

const auctionColumns = `
	a.id, a.item_id, a.seller_id, a.currency, a.status, a.close_at,
	COALESCE(a.leading_bid_id, ''), COALESCE(a.escrow_id, ''), a.cancel_reason, a.conditions,
	a.created_at, a.updated_at,
	w.id, w.bidder_id, w.amount, w.currency, w.placed_at, w.seq
`

func (r *Repository) Create(ctx context.Context, a Auction) error {
	const query = `
		INSERT INTO auctions (id, item_id, seller_id, currency, status, close_at, cancel_reason, conditions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	conditions := a.Conditions
	if conditions == nil {
		conditions = []string{}
	}
	_, err := r.pool.Exec(ctx, query,
		a.ID, a.ItemID, a.SellerID, a.Currency, string(a.Status), a.CloseAt,
		a.CancelReason, conditions, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			return ErrDuplicate
		}
		return fmt.Errorf("auction: create: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (Auction, error) {
	return getAuction(ctx, r.pool, id, false)
}

func (r *Repository) Bids(ctx context.Context, auctionID string) ([]Bid, error) {
	if _, err := r.Get(ctx, auctionID); err != nil {
		return nil, err
	}
	const query = `
		SELECT id, auction_id, bidder_id, amount, currency, placed_at, seq
		FROM bids
		WHERE auction_id = $1
		ORDER BY seq
	`
	rows, err := r.pool.Query(ctx, query, auctionID)
	if err != nil {
		return nil, fmt.Errorf("auction: bids: %w", err)
	}
	defer rows.Close()

	out := make([]Bid, 0, 16)
	for rows.Next() {
		var (
			b      Bid
			amount decimal.Decimal
		)
		if err := rows.Scan(&b.ID, &b.AuctionID, &b.BidderID, &amount, &b.Amount.Currency, &b.PlacedAt, &b.Seq); err != nil {
			return nil, fmt.Errorf("auction: scan bid: %w", err)
		}
		b.Amount.Amount = amount
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("auction: iterate bids: %w", err)
	}
	return out, nil
}

func (r *Repository) LeadingBid(ctx context.Context, auctionID string) (Bid, bool, error) {
	a, err := r.Get(ctx, auctionID)
	if err != nil {
		return Bid{}, false, err
	}
	b, err := getBid(ctx, r.pool, a.LeadingBidID)
	if err != nil || b == nil {
		return Bid{}, false, err
	}
	return *b, true, nil
}

func (r *Repository) Apply(ctx context.Context, id string, fn ApplyFunc) (Auction, error) {
	var out Auction
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		current, err := getAuction(ctx, tx, id, true)
		if err != nil {
			return err
		}
		leading, err := getBid(ctx, tx, current.LeadingBidID)
		if err != nil {
			return err
		}

		mut, err := fn(current.Clone(), leading)
		if err != nil {
			return err
		}
		if mut == nil {
			out = current
			return nil
		}

		if mut.Bid != nil {
			if err := insertBid(ctx, tx, *mut.Bid); err != nil {
				return err
			}
		}
		if err := updateAuction(ctx, tx, mut.Auction); err != nil {
			return err
		}
		if err := outbox.Insert(ctx, tx, mut.Events...); err != nil {
			return err
		}
		out = mut.Auction.Clone()
		return nil
	})
	if err != nil {
		return Auction{}, db.MapContention(err)
	}
	return out, nil
}

func (r *Repository) ListDue(ctx context.Context, now time.Time, limit int) ([]Auction, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + auctionColumns + `
		FROM auctions a
		LEFT JOIN bids w ON w.id = a.winning_bid_id
		WHERE a.status = 'open' AND a.close_at <= $1
		ORDER BY a.close_at
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("auction: list due: %w", err)
	}
	defer rows.Close()

	out := make([]Auction, 0, 8)
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("auction: iterate due: %w", err)
	}
	return out, nil
}

func getAuction(ctx context.Context, q db.Querier, id string, forUpdate bool) (Auction, error) {
	query := `
		SELECT ` + auctionColumns + `
		FROM auctions a
		LEFT JOIN bids w ON w.id = a.winning_bid_id
		WHERE a.id = $1
	`
	if forUpdate {
		query += " FOR UPDATE OF a"
	}
	a, err := scanAuction(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Auction{}, ErrNotFound
	}
	return a, err
}

func scanAuction(row pgx.Row) (Auction, error) {
	var (
		a      Auction
		status string
		w      struct {
			id, bidderID, currency *string
			amount                 decimal.NullDecimal
			placedAt               *time.Time
			seq                    *int
		}
	)
	err := row.Scan(
		&a.ID, &a.ItemID, &a.SellerID, &a.Currency, &status, &a.CloseAt,
		&a.LeadingBidID, &a.EscrowID, &a.CancelReason, &a.Conditions,
		&a.CreatedAt, &a.UpdatedAt,
		&w.id, &w.bidderID, &w.amount, &w.currency, &w.placedAt, &w.seq,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Auction{}, err
		}
		return Auction{}, fmt.Errorf("auction: scan: %w", err)
	}
	a.Status = Status(status)
	if len(a.Conditions) == 0 {
		a.Conditions = nil
	}
	if w.id != nil {
		a.WinningBid = &Bid{
			ID:        *w.id,
			AuctionID: a.ID,
			BidderID:  *w.bidderID,
			Amount:    money.Money{Amount: w.amount.Decimal, Currency: *w.currency},
			PlacedAt:  *w.placedAt,
			Seq:       *w.seq,
		}
	}
	return a, nil
}

func getBid(ctx context.Context, q db.Querier, id string) (*Bid, error) {
	if id == "" {
		return nil, nil
	}
	const query = `
		SELECT id, auction_id, bidder_id, amount, currency, placed_at, seq
		FROM bids
		WHERE id = $1
	`
	var (
		b      Bid
		amount decimal.Decimal
	)
	err := q.QueryRow(ctx, query, id).Scan(&b.ID, &b.AuctionID, &b.BidderID, &amount, &b.Amount.Currency, &b.PlacedAt, &b.Seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("auction: get bid: %w", err)
	}
	b.Amount.Amount = amount
	return &b, nil
}

func insertBid(ctx context.Context, tx pgx.Tx, b Bid) error {
	const query = `
		INSERT INTO bids (id, auction_id, bidder_id, amount, currency, placed_at, seq)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7)
	`
	if err := b.Amount.Validate(); err != nil {
		return fmt.Errorf("auction: insert bid: %w", err)
	}
	_, err := tx.Exec(ctx, query, b.ID, b.AuctionID, b.BidderID, b.Amount.Fixed(), b.Amount.Currency, b.PlacedAt, b.Seq)
	if err != nil {
		if db.IsUniqueViolation(err, "bids_auction_seq_key") {
			return fmt.Errorf("%w: %v", db.ErrContention, err)
		}
		return fmt.Errorf("auction: insert bid: %w", err)
	}
	return nil
}

func updateAuction(ctx context.Context, tx pgx.Tx, a Auction) error {
	const query = `
		UPDATE auctions
		SET status = $2,
			leading_bid_id = NULLIF($3, ''),
			winning_bid_id = $4,
			escrow_id = NULLIF($5, ''),
			cancel_reason = $6,
			updated_at = $7
		WHERE id = $1
	`
	var winning *string
	if a.WinningBid != nil {
		winning = &a.WinningBid.ID
	}
	tag, err := tx.Exec(ctx, query, a.ID, string(a.Status), a.LeadingBidID, winning, a.EscrowID, a.CancelReason, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("auction: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
