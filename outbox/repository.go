package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"carflow/db"
)

// Repository is the Postgres outbox. Domain repositories call Insert inside
// their own transaction; the relay drains it through Process.
type Repository struct {
	pool db.Pool
}

func NewRepository(pool db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert writes msgs with q, which is normally the caller's open transaction.
func Insert(ctx context.Context, q db.Querier, msgs ...Message) error {
	const query = `
		INSERT INTO outbox (id, topic, key, payload, status, created_at)
		VALUES ($1, $2, $3, $4::jsonb, 'pending', $5)
	`
	for _, msg := range msgs {
		if _, err := q.Exec(ctx, query, msg.ID, msg.Topic, msg.Key, string(msg.Payload), msg.CreatedAt); err != nil {
			return fmt.Errorf("outbox: insert %s: %w", msg.Topic, err)
		}
	}
	return nil
}

// Process implements Store. Claimed rows stay locked by one transaction until
// their outcomes are written, so concurrent relays skip them.
func (r *Repository) Process(ctx context.Context, batch Batch, handle Handler) (Result, error) {
	var res Result
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		msgs, err := claim(ctx, tx, batch.Limit)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			if err := ctx.Err(); err != nil {
				return err
			}
			herr := handle(ctx, msg)
			if herr == nil {
				if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed' WHERE id = $1`, msg.ID); err != nil {
					return fmt.Errorf("outbox: mark processed: %w", err)
				}
				res.Delivered++
				continue
			}

			status := StatusPending
			if batch.MaxAttempts > 0 && msg.Attempts+1 >= batch.MaxAttempts {
				status = StatusDead
				res.Dead++
			} else {
				res.Retried++
			}
			const query = `UPDATE outbox SET attempts = attempts + 1, last_error = $2, status = $3 WHERE id = $1`
			if _, err := tx.Exec(ctx, query, msg.ID, herr.Error(), string(status)); err != nil {
				return fmt.Errorf("outbox: record failure: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, db.MapContention(err)
	}
	return res, nil
}

// Pending returns undelivered messages oldest first.
func (r *Repository) Pending(ctx context.Context, limit int) ([]Message, error) {
	const query = `
		SELECT id, topic, key, payload, status, attempts, last_error, created_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY seq
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: pending: %w", err)
	}
	return scanMessages(rows)
}

func claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT id, topic, key, payload, status, attempts, last_error, created_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY seq
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	return scanMessages(rows)
}

func scanMessages(rows pgx.Rows) ([]Message, error) {
	defer rows.Close()
	out := make([]Message, 0, 16)
	for rows.Next() {
		var (
			msg    Message
			status string
		)
		if err := rows.Scan(&msg.ID, &msg.Topic, &msg.Key, &msg.Payload, &status, &msg.Attempts, &msg.LastError, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		msg.Status = Status(status)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate: %w", err)
	}
	return out, nil
}
