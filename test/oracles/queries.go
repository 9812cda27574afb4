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

// All returns queries that must come back empty at every point of a run.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_unique_active_source_ref",
			SQL: `SELECT source_ref, COUNT(*) FROM obligations
                  WHERE status IN ('OPEN','REMINDED','ESCALATED')
                  GROUP BY source_ref HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_history_seq_contiguous",
			SQL: `WITH seqs AS (
                      SELECT obligation_id, seq,
                             LAG(seq) OVER (PARTITION BY obligation_id ORDER BY seq) AS prev
                      FROM obligation_history)
                  SELECT * FROM seqs WHERE (prev IS NULL AND seq <> 1) OR (prev IS NOT NULL AND seq <> prev + 1)`,
		},
		{
			Name: "O3_no_transition_after_close",
			SQL: `WITH closes AS (
                      SELECT obligation_id, MIN(seq) AS seq FROM obligation_history
                      WHERE action = 'transitioned' AND to_status IN ('COMPLETED','CANCELLED')
                      GROUP BY obligation_id)
                  SELECT h.obligation_id, h.seq, h.action FROM obligation_history h
                  JOIN closes c ON c.obligation_id = h.obligation_id
                  WHERE h.seq > c.seq AND h.action IN ('transitioned','redispatched','dispatch_abandoned')`,
		},
		{
			Name: "O4_history_matches_status",
			SQL: `SELECT o.id, o.status, h.to_status FROM obligations o
                  JOIN LATERAL (
                      SELECT to_status FROM obligation_history
                      WHERE obligation_id = o.id AND action IN ('created','transitioned')
                      ORDER BY seq DESC LIMIT 1) h ON true
                  WHERE h.to_status <> o.status`,
		},
		{
			Name: "O5_stage_order",
			SQL: `SELECT obligation_id, seq, from_status, to_status FROM obligation_history
                  WHERE action = 'transitioned'
                    AND NOT (
                        (from_status = 'OPEN' AND to_status IN ('REMINDED','COMPLETED','CANCELLED')) OR
                        (from_status = 'REMINDED' AND to_status IN ('ESCALATED','COMPLETED','CANCELLED')) OR
                        (from_status = 'ESCALATED' AND to_status IN ('COMPLETED','CANCELLED')))`,
		},
		{
			Name: "O6_transition_after_create",
			SQL:  `SELECT id FROM obligations WHERE last_transition_at < created_at`,
		},
		{
			Name: "O7_dispatch_attempts_capped",
			SQL: `SELECT id, dispatch_attempts FROM obligations
                  WHERE dispatch_attempts > $1`,
		},
		{
			Name: "O8_outbox_stage_matches_history",
			SQL: `SELECT d.id, d.stage FROM dispatch_outbox d
                  WHERE NOT EXISTS (
                      SELECT 1 FROM obligation_history h
                      WHERE h.obligation_id = d.obligation_id
                        AND h.action = 'transitioned' AND h.to_status = d.stage)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample
// row text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool, maxAttempts int) (string, string, error) {
	for _, o := range All() {
		var args []any
		if o.Name == "O7_dispatch_attempts_capped" {
			args = append(args, maxAttempts)
		}
		rows, err := pool.Query(ctx, o.SQL, args...)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
