package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-voucher/internal/outbox"
)

const (
	claimOutboxSQL = `SELECT id, event_id, topic, key, payload, created_at
		FROM outbox WHERE sent_at IS NULL
		ORDER BY id LIMIT $1
		FOR UPDATE SKIP LOCKED`

	markOutboxSentSQL = `UPDATE outbox SET sent_at = now() WHERE id = ANY($1)`
)

var _ outbox.Store = (*OutboxRepository)(nil)

// OutboxRepository implements outbox.Store backed by PostgreSQL.
type OutboxRepository struct {
	pool *pgxpool.Pool
}

// NewOutboxRepository returns an OutboxRepository that uses the given pool.
func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

// Process locks up to limit pending rows, skipping rows locked by other
// relays, and marks them sent in the same transaction once fn succeeds.
func (r *OutboxRepository) Process(ctx context.Context, limit int, fn func(ctx context.Context, recs []outbox.Record) error) (int, error) {
	var n int
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, claimOutboxSQL, limit)
		if err != nil {
			return fmt.Errorf("claiming outbox rows: %w", err)
		}
		recs, err := pgx.CollectRows(rows, scanOutboxRecord)
		if err != nil {
			return fmt.Errorf("claiming outbox rows: %w", err)
		}
		if len(recs) == 0 {
			return nil
		}

		if err := fn(ctx, recs); err != nil {
			return err
		}

		ids := make([]int64, len(recs))
		for i, rec := range recs {
			ids[i] = rec.Seq
		}
		if _, err := tx.Exec(ctx, markOutboxSentSQL, ids); err != nil {
			return fmt.Errorf("marking outbox rows sent: %w", err)
		}
		n = len(recs)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func scanOutboxRecord(row pgx.CollectableRow) (outbox.Record, error) {
	var rec outbox.Record
	err := row.Scan(
		&rec.Seq, &rec.Message.ID, &rec.Message.Topic, &rec.Message.Key,
		&rec.Message.Payload, &rec.CreatedAt,
	)
	return rec, err
}
