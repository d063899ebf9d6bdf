package archive

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuctionRecord is the archived outcome of a settled or cancelled auction.
type AuctionRecord struct {
	ID            string          `gorm:"primaryKey;type:varchar(64)"`
	ItemID        string          `gorm:"type:varchar(128);index"`
	SellerID      string          `gorm:"type:varchar(64);index"`
	Status        string          `gorm:"type:varchar(16)"`
	WinnerID      string          `gorm:"type:varchar(64);index"`
	WinningAmount decimal.Decimal `gorm:"type:numeric(18,2)"`
	Currency      string          `gorm:"type:varchar(3)"`
	BidCount      int
	EscrowID      string `gorm:"type:varchar(64)"`
	CancelReason  string `gorm:"type:varchar(255)"`
	CloseAt       time.Time
	ArchivedAt    time.Time
}

func (AuctionRecord) TableName() string { return "archived_auctions" }

// EscrowRecord is the archived outcome of a released or refunded escrow.
type EscrowRecord struct {
	ID         string          `gorm:"primaryKey;type:varchar(64)"`
	SourceRef  string          `gorm:"type:varchar(64);index"`
	BuyerID    string          `gorm:"type:varchar(64);index"`
	SellerID   string          `gorm:"type:varchar(64);index"`
	Amount     decimal.Decimal `gorm:"type:numeric(18,2)"`
	Currency   string          `gorm:"type:varchar(3)"`
	Status     string          `gorm:"type:varchar(16)"`
	AuditCount int
	SettledAt  time.Time
	ArchivedAt time.Time
	Audit      []EscrowAuditRecord `gorm:"foreignKey:EscrowID;references:ID"`
}

func (EscrowRecord) TableName() string { return "archived_escrows" }

// EscrowAuditRecord copies one audit entry of an archived escrow.
type EscrowAuditRecord struct {
	EscrowID string `gorm:"primaryKey;type:varchar(64)"`
	Seq      int    `gorm:"primaryKey"`
	Actor    string `gorm:"type:varchar(64)"`
	Action   string `gorm:"type:varchar(32)"`
	Note     string `gorm:"type:text"`
	At       time.Time
	Hash     string `gorm:"type:varchar(64)"`
}

func (EscrowAuditRecord) TableName() string { return "archived_escrow_audit" }

// DisputeRecord is the archived outcome of a resolved dispute.
type DisputeRecord struct {
	ID          string `gorm:"primaryKey;type:varchar(64)"`
	EscrowID    string `gorm:"type:varchar(64);index"`
	InitiatorID string `gorm:"type:varchar(64)"`
	DefendantID string `gorm:"type:varchar(64)"`
	Reason      string `gorm:"type:text"`
	Outcome     string `gorm:"type:varchar(32)"`
	Escalated   bool
	Mooted      bool
	PanelSize   int
	VoteCount   int
	FiledAt     time.Time
	ResolvedAt  time.Time
	ArchivedAt  time.Time
}

func (DisputeRecord) TableName() string { return "archived_disputes" }

// Models lists every archive table for AutoMigrate.
func Models() []any {
	return []any{&AuctionRecord{}, &EscrowRecord{}, &EscrowAuditRecord{}, &DisputeRecord{}}
}
