package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"carflow/db"
	"carflow/outbox"
)

// Repository is the Postgres Store. Audit entries live in escrow_audit, whose
// partial unique index admits one released or refunded entry per escrow. Each
// row carries its link of the audit hash chain.
type Repository struct {
	pool db.Pool
}

var _ Store = (*Repository)(nil)

func NewRepository(pool db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Create(ctx context.Context, e Escrow, events []outbox.Message) error {
	if err := e.Amount.Validate(); err != nil {
		return fmt.Errorf("escrow: create: %w", err)
	}
	conditions, err := json.Marshal(nonNilConditions(e.Conditions))
	if err != nil {
		return fmt.Errorf("escrow: marshal conditions: %w", err)
	}

	err = db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		const query = `
			INSERT INTO escrows (id, source_ref, buyer_id, seller_id, amount, currency, status, conditions, dispute_id, created_at, updated_at)
			VALUES ($1, NULLIF($2, ''), $3, $4, $5::numeric, $6, $7, $8::jsonb, NULLIF($9, ''), $10, $11)
		`
		_, err := tx.Exec(ctx, query,
			e.ID, e.SourceRef, e.BuyerID, e.SellerID, e.Amount.Fixed(), e.Amount.Currency,
			string(e.Status), string(conditions), e.DisputeID, e.CreatedAt, e.UpdatedAt,
		)
		if err != nil {
			if db.IsUniqueViolation(err, "") {
				return ErrDuplicate
			}
			return fmt.Errorf("escrow: create: %w", err)
		}
		if err := insertAudit(ctx, tx, e.ID, e.Audit); err != nil {
			return err
		}
		return outbox.Insert(ctx, tx, events...)
	})
	return err
}

func (r *Repository) Get(ctx context.Context, id string) (Escrow, error) {
	return load(ctx, r.pool, "id", id, false)
}

func (r *Repository) GetBySource(ctx context.Context, sourceRef string) (Escrow, error) {
	if sourceRef == "" {
		return Escrow{}, ErrNotFound
	}
	return load(ctx, r.pool, "source_ref", sourceRef, false)
}

func (r *Repository) Apply(ctx context.Context, id string, fn ApplyFunc) (Escrow, error) {
	var out Escrow
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		current, err := load(ctx, tx, "id", id, true)
		if err != nil {
			return err
		}

		mut, err := fn(current.Clone())
		if err != nil {
			return err
		}
		if mut == nil {
			out = current
			return nil
		}

		conditions, err := json.Marshal(nonNilConditions(mut.Escrow.Conditions))
		if err != nil {
			return fmt.Errorf("escrow: marshal conditions: %w", err)
		}
		const query = `
			UPDATE escrows
			SET status = $2, conditions = $3::jsonb, dispute_id = NULLIF($4, ''), updated_at = $5
			WHERE id = $1
		`
		if _, err := tx.Exec(ctx, query, id, string(mut.Escrow.Status), string(conditions), mut.Escrow.DisputeID, mut.Escrow.UpdatedAt); err != nil {
			return fmt.Errorf("escrow: update: %w", err)
		}
		if err := insertAudit(ctx, tx, id, mut.Audit); err != nil {
			return err
		}
		if err := outbox.Insert(ctx, tx, mut.Events...); err != nil {
			return err
		}

		out = mut.Escrow.Clone()
		out.Audit = append(current.Audit, mut.Audit...)
		return nil
	})
	if err != nil {
		return Escrow{}, db.MapContention(err)
	}
	return out, nil
}

func load(ctx context.Context, q db.Querier, column, value string, forUpdate bool) (Escrow, error) {
	query := `
		SELECT id, COALESCE(source_ref, ''), buyer_id, seller_id, amount, currency, status,
			conditions, COALESCE(dispute_id, ''), created_at, updated_at
		FROM escrows
		WHERE ` + column + ` = $1
	`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var (
		e          Escrow
		amount     decimal.Decimal
		status     string
		conditions []byte
	)
	err := q.QueryRow(ctx, query, value).Scan(
		&e.ID, &e.SourceRef, &e.BuyerID, &e.SellerID, &amount, &e.Amount.Currency, &status,
		&conditions, &e.DisputeID, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escrow{}, ErrNotFound
		}
		return Escrow{}, fmt.Errorf("escrow: get: %w", err)
	}
	e.Amount.Amount = amount
	e.Status = Status(status)
	if err := json.Unmarshal(conditions, &e.Conditions); err != nil {
		return Escrow{}, fmt.Errorf("escrow: decode conditions: %w", err)
	}
	if len(e.Conditions) == 0 {
		e.Conditions = nil
	}

	audit, err := loadAudit(ctx, q, e.ID)
	if err != nil {
		return Escrow{}, err
	}
	e.Audit = audit
	return e, nil
}

func loadAudit(ctx context.Context, q db.Querier, escrowID string) ([]AuditEntry, error) {
	const query = `
		SELECT seq, actor, action, note, at, prev_hash, hash
		FROM escrow_audit
		WHERE escrow_id = $1
		ORDER BY seq
	`
	rows, err := q.Query(ctx, query, escrowID)
	if err != nil {
		return nil, fmt.Errorf("escrow: audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			entry  AuditEntry
			action string
		)
		if err := rows.Scan(&entry.Seq, &entry.Actor, &action, &entry.Note, &entry.At, &entry.PrevHash, &entry.Hash); err != nil {
			return nil, fmt.Errorf("escrow: scan audit: %w", err)
		}
		entry.Action = Action(action)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate audit: %w", err)
	}
	return out, nil
}

func insertAudit(ctx context.Context, tx pgx.Tx, escrowID string, entries []AuditEntry) error {
	const query = `
		INSERT INTO escrow_audit (escrow_id, seq, actor, action, note, at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	for _, entry := range entries {
		if _, err := tx.Exec(ctx, query, escrowID, entry.Seq, entry.Actor, string(entry.Action), entry.Note, entry.At, entry.PrevHash, entry.Hash); err != nil {
			if db.IsUniqueViolation(err, "escrow_audit_terminal_key") {
				return ErrAlreadySettled
			}
			return fmt.Errorf("escrow: insert audit: %w", err)
		}
	}
	return nil
}

func nonNilConditions(cs []Condition) []Condition {
	if cs == nil {
		return []Condition{}
	}
	return cs
}
