package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"carflow/db"
	"carflow/outbox"
)

// Repository is the Postgres Store. The disputes_active_escrow_key index
// allows one unresolved dispute per escrow.
type Repository struct {
	pool db.Pool
}

var _ Store = (*Repository)(nil)

func NewRepository(pool db.Pool) *Repository {
	return &Repository{pool: pool}
}

const recordColumns = `
	id, initiator_id, defendant_id, escrow_id, reason, status, judges,
	outcome, escalated, mooted, created_at, updated_at, resolved_at
`

func (r *Repository) Create(ctx context.Context, rec Record, events []outbox.Message) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		const query = `
			INSERT INTO disputes (id, initiator_id, defendant_id, escrow_id, reason, status, judges, escalated, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`
		_, err := tx.Exec(ctx, query,
			rec.ID, rec.InitiatorID, rec.DefendantID, rec.EscrowID, rec.Reason, string(rec.Status),
			nonNilJudges(rec.Judges), rec.Escalated, rec.CreatedAt, rec.UpdatedAt,
		)
		if err != nil {
			if db.IsUniqueViolation(err, "") {
				return ErrDuplicate
			}
			return fmt.Errorf("dispute: create: %w", err)
		}
		return outbox.Insert(ctx, tx, events...)
	})
}

func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	return get(ctx, r.pool, id, false)
}

func (r *Repository) Apply(ctx context.Context, id string, fn ApplyFunc) (Record, error) {
	var out Record
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		current, err := get(ctx, tx, id, true)
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

		next := mut.Record.Clone()
		const query = `
			UPDATE disputes
			SET status = $2, judges = $3, outcome = $4, escalated = $5, mooted = $6, updated_at = $7, resolved_at = $8
			WHERE id = $1
		`
		var outcome *string
		if next.Outcome != nil {
			o := string(*next.Outcome)
			outcome = &o
		}
		if _, err := tx.Exec(ctx, query, id, string(next.Status), nonNilJudges(next.Judges), outcome, next.Escalated, next.Mooted, next.UpdatedAt, next.ResolvedAt); err != nil {
			return fmt.Errorf("dispute: update: %w", err)
		}

		next.Votes = current.Votes
		if mut.Vote != nil {
			const insertVote = `
				INSERT INTO dispute_votes (dispute_id, judge_id, decision, reason, cast_at)
				VALUES ($1, $2, $3, $4, $5)
			`
			v := *mut.Vote
			if _, err := tx.Exec(ctx, insertVote, id, v.JudgeID, string(v.Decision), v.Reason, v.CastAt); err != nil {
				if db.IsUniqueViolation(err, "") {
					return ErrDuplicateVote
				}
				return fmt.Errorf("dispute: insert vote: %w", err)
			}
			next.Votes = append(append([]Vote(nil), current.Votes...), v)
		}

		if m := mut.Message; m != nil {
			const insertMessage = `
				INSERT INTO dispute_messages (id, dispute_id, author_id, body, attachments, internal, posted_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`
			attachments := m.Attachments
			if attachments == nil {
				attachments = []string{}
			}
			if _, err := tx.Exec(ctx, insertMessage, m.ID, id, m.AuthorID, m.Body, attachments, m.Internal, m.PostedAt); err != nil {
				return fmt.Errorf("dispute: insert message: %w", err)
			}
		}

		if err := outbox.Insert(ctx, tx, mut.Events...); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return Record{}, db.MapContention(err)
	}
	return out, nil
}

func (r *Repository) ListStale(ctx context.Context, before time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + recordColumns + `
		FROM disputes
		WHERE status <> 'resolved' AND created_at <= $1
		ORDER BY created_at
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("dispute: list stale: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	for i := range out {
		votes, err := loadVotes(ctx, r.pool, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Votes = votes
	}
	return out, nil
}

func get(ctx context.Context, q db.Querier, id string, forUpdate bool) (Record, error) {
	query := `SELECT ` + recordColumns + ` FROM disputes WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	rec, err := scanRecord(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	votes, err := loadVotes(ctx, q, id)
	if err != nil {
		return Record{}, err
	}
	rec.Votes = votes
	return rec, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec     Record
		status  string
		outcome *string
	)
	err := row.Scan(
		&rec.ID, &rec.InitiatorID, &rec.DefendantID, &rec.EscrowID, &rec.Reason, &status, &rec.Judges,
		&outcome, &rec.Escalated, &rec.Mooted, &rec.CreatedAt, &rec.UpdatedAt, &rec.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("dispute: scan: %w", err)
	}
	rec.Status = Status(status)
	if outcome != nil {
		o := Outcome(*outcome)
		rec.Outcome = &o
	}
	if len(rec.Judges) == 0 {
		rec.Judges = nil
	}
	return rec, nil
}

func loadVotes(ctx context.Context, q db.Querier, disputeID string) ([]Vote, error) {
	const query = `
		SELECT judge_id, decision, reason, cast_at
		FROM dispute_votes
		WHERE dispute_id = $1
		ORDER BY cast_at, judge_id
	`
	rows, err := q.Query(ctx, query, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: votes: %w", err)
	}
	defer rows.Close()

	var out []Vote
	for rows.Next() {
		var (
			v        Vote
			decision string
		)
		if err := rows.Scan(&v.JudgeID, &decision, &v.Reason, &v.CastAt); err != nil {
			return nil, fmt.Errorf("dispute: scan vote: %w", err)
		}
		v.Decision = Outcome(decision)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate votes: %w", err)
	}
	return out, nil
}

func (r *Repository) Messages(ctx context.Context, disputeID string) ([]Message, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM disputes WHERE id = $1)`, disputeID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("dispute: messages: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	const query = `
		SELECT id, dispute_id, author_id, body, attachments, internal, posted_at
		FROM dispute_messages
		WHERE dispute_id = $1
		ORDER BY posted_at, id
	`
	rows, err := r.pool.Query(ctx, query, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.DisputeID, &m.AuthorID, &m.Body, &m.Attachments, &m.Internal, &m.PostedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan message: %w", err)
		}
		if len(m.Attachments) == 0 {
			m.Attachments = nil
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate messages: %w", err)
	}
	return out, nil
}

func nonNilJudges(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
