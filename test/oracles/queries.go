package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_bid_monotonic",
			SQL: `WITH ledger AS (
                      SELECT auction_id, seq, amount,
                             LAG(amount) OVER (PARTITION BY auction_id ORDER BY seq) AS prev
                      FROM bids)
                  SELECT * FROM ledger WHERE prev IS NOT NULL AND amount <= prev`,
		},
		{
			Name: "O2_bid_before_deadline",
			SQL: `SELECT b.id, b.placed_at, a.close_at FROM bids b
                  JOIN auctions a ON a.id = b.auction_id
                  WHERE b.placed_at >= a.close_at`,
		},
		{
			Name: "O3_winner_is_leader",
			SQL: `SELECT a.id FROM auctions a
                  JOIN bids w ON w.id = a.winning_bid_id
                  WHERE a.winning_bid_id IS DISTINCT FROM a.leading_bid_id
                     OR EXISTS (SELECT 1 FROM bids b WHERE b.auction_id = a.id AND b.amount > w.amount)`,
		},
		{
			Name: "O4_single_terminal_audit",
			SQL: `SELECT escrow_id, COUNT(*) FROM escrow_audit
                  WHERE action IN ('released','refunded')
                  GROUP BY escrow_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_terminal_status_audited",
			SQL: `SELECT e.id, e.status FROM escrows e
                  WHERE (e.status = 'released') <> EXISTS (
                            SELECT 1 FROM escrow_audit x WHERE x.escrow_id = e.id AND x.action = 'released')
                     OR (e.status = 'refunded') <> EXISTS (
                            SELECT 1 FROM escrow_audit x WHERE x.escrow_id = e.id AND x.action = 'refunded')`,
		},
		{
			Name: "O6_release_requires_conditions",
			SQL: `SELECT e.id FROM escrows e
                  WHERE e.status = 'released'
                    AND EXISTS (SELECT 1 FROM jsonb_array_elements(e.conditions) c WHERE (c->>'met')::boolean = false)
                    AND NOT EXISTS (SELECT 1 FROM disputes d WHERE d.escrow_id = e.id AND d.status = 'resolved')`,
		},
		{
			Name: "O7_hold_linkage",
			SQL: `SELECT e.id FROM escrows e
                  LEFT JOIN disputes d ON d.id = e.dispute_id
                  WHERE e.status = 'held'
                    AND e.updated_at < now() - interval '30 seconds'
                    AND (d.id IS NULL OR d.escrow_id <> e.id)`,
		},
		{
			Name: "O8_vote_integrity",
			SQL: `SELECT v.dispute_id, v.judge_id FROM dispute_votes v
                  JOIN disputes d ON d.id = v.dispute_id
                  WHERE NOT (v.judge_id = ANY (d.judges))
                     OR (d.resolved_at IS NOT NULL AND v.cast_at > d.resolved_at)`,
		},
		{
			Name: "O9_settled_auction_escrow",
			SQL: `SELECT a.id FROM auctions a
                  LEFT JOIN escrows e ON e.id = a.escrow_id
                  WHERE a.status = 'settled' AND (e.id IS NULL OR e.source_ref <> a.id)`,
		},
		{
			Name: "O10_outbox_stale",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O11_settled_escrow_dispute_closed",
			SQL: `SELECT d.id, e.id, e.status FROM disputes d
                  JOIN escrows e ON e.id = d.escrow_id
                  WHERE d.status <> 'resolved'
                    AND e.status IN ('released', 'refunded')
                    AND e.updated_at < now() - interval '30 seconds'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
