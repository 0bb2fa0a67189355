package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-voucher/internal/domain/voucher"
)

const (
	voucherColumns = `id, code, kind, value, min_order_value, max_discount,
		starts_at, ends_at, max_usage_total, usage_count, max_usage_per_user, active`

	findVoucherByCodeSQL = `SELECT ` + voucherColumns + `
		FROM vouchers WHERE UPPER(code) = UPPER($1)`

	listActiveVouchersSQL = `SELECT ` + voucherColumns + `
		FROM vouchers
		WHERE active
		  AND (starts_at IS NULL OR starts_at <= $1)
		  AND (ends_at IS NULL OR ends_at >= $1)
		ORDER BY code`

	listScopesSQL = `SELECT voucher_id, kind, target FROM voucher_scopes
		WHERE voucher_id = ANY($1) ORDER BY voucher_id, position`

	getUserUsageSQL = `SELECT usage_count FROM voucher_user_usage
		WHERE voucher_id = $1 AND user_id = $2`

	listUserUsagesSQL = `SELECT voucher_id, usage_count FROM voucher_user_usage
		WHERE user_id = $1`

	upsertVoucherSQL = `INSERT INTO vouchers (` + voucherColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			code = EXCLUDED.code,
			kind = EXCLUDED.kind,
			value = EXCLUDED.value,
			min_order_value = EXCLUDED.min_order_value,
			max_discount = EXCLUDED.max_discount,
			starts_at = EXCLUDED.starts_at,
			ends_at = EXCLUDED.ends_at,
			max_usage_total = EXCLUDED.max_usage_total,
			max_usage_per_user = EXCLUDED.max_usage_per_user,
			active = EXCLUDED.active`

	insertVoucherIgnoreSQL = `INSERT INTO vouchers (` + voucherColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT DO NOTHING`

	deleteScopesSQL = `DELETE FROM voucher_scopes WHERE voucher_id = $1`

	insertScopeSQL = `INSERT INTO voucher_scopes (voucher_id, position, kind, target)
		VALUES ($1, $2, $3, $4)`

	insertScopeIgnoreSQL = `INSERT INTO voucher_scopes (voucher_id, position, kind, target)
		SELECT $1::text, $2::int, $3::text, $4::text
		WHERE EXISTS (SELECT 1 FROM vouchers WHERE id = $1::text)
		ON CONFLICT DO NOTHING`
)

var _ voucher.Store = (*VoucherRepository)(nil)

// VoucherRepository implements voucher.Store backed by PostgreSQL.
type VoucherRepository struct {
	pool *pgxpool.Pool
}

// NewVoucherRepository returns a VoucherRepository that uses the given pool.
func NewVoucherRepository(pool *pgxpool.Pool) *VoucherRepository {
	return &VoucherRepository{pool: pool}
}

// FindByCode looks up a voucher by its code (case-insensitive).
func (r *VoucherRepository) FindByCode(ctx context.Context, code string) (*voucher.Voucher, error) {
	rows, err := r.pool.Query(ctx, findVoucherByCodeSQL, code)
	if err != nil {
		return nil, fmt.Errorf("finding voucher by code %q: %w", code, err)
	}
	v, err := pgx.CollectExactlyOneRow(rows, scanVoucher)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, voucher.ErrNotFound
		}
		return nil, fmt.Errorf("finding voucher by code %q: %w", code, err)
	}

	scopes, err := loadScopes(ctx, r.pool, []string{v.ID})
	if err != nil {
		return nil, err
	}
	v.Scopes = scopes[v.ID]
	return &v, nil
}

// ListActive returns active vouchers whose window contains now.
func (r *VoucherRepository) ListActive(ctx context.Context, now time.Time) ([]voucher.Voucher, error) {
	rows, err := r.pool.Query(ctx, listActiveVouchersSQL, now)
	if err != nil {
		return nil, fmt.Errorf("listing active vouchers: %w", err)
	}
	vouchers, err := pgx.CollectRows(rows, scanVoucher)
	if err != nil {
		return nil, fmt.Errorf("listing active vouchers: %w", err)
	}
	if len(vouchers) == 0 {
		return vouchers, nil
	}

	ids := make([]string, len(vouchers))
	for i, v := range vouchers {
		ids[i] = v.ID
	}
	scopes, err := loadScopes(ctx, r.pool, ids)
	if err != nil {
		return nil, err
	}
	for i := range vouchers {
		vouchers[i].Scopes = scopes[vouchers[i].ID]
	}
	return vouchers, nil
}

// UserUsage returns how many times userID redeemed voucherID.
func (r *VoucherRepository) UserUsage(ctx context.Context, voucherID, userID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, getUserUsageSQL, voucherID, userID).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("getting usage of voucher %q: %w", voucherID, err)
	}
	return n, nil
}

// UserUsages returns per-voucher usage counts for userID.
func (r *VoucherRepository) UserUsages(ctx context.Context, userID string) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, listUserUsagesSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("listing voucher usage: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scanning voucher usage: %w", err)
		}
		out[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing voucher usage: %w", err)
	}
	return out, nil
}

// Upsert creates or updates a voucher definition and replaces its scopes.
// The usage counter is never overwritten.
func (r *VoucherRepository) Upsert(ctx context.Context, v voucher.Voucher) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertVoucherSQL, voucherArgs(v)...); err != nil {
			return fmt.Errorf("upserting voucher %q: %w", v.Code, err)
		}
		if _, err := tx.Exec(ctx, deleteScopesSQL, v.ID); err != nil {
			return fmt.Errorf("clearing scopes of voucher %q: %w", v.Code, err)
		}
		for i, s := range v.Scopes {
			if _, err := tx.Exec(ctx, insertScopeSQL, v.ID, i, string(s.Kind), s.Target); err != nil {
				return fmt.Errorf("inserting scope of voucher %q: %w", v.Code, err)
			}
		}
		return nil
	})
}

// InsertBatch inserts vouchers in one round trip, skipping codes that
// already exist. It returns the number of vouchers created.
func (r *VoucherRepository) InsertBatch(ctx context.Context, vouchers []voucher.Voucher) (int, error) {
	batch := &pgx.Batch{}
	for _, v := range vouchers {
		batch.Queue(insertVoucherIgnoreSQL, voucherArgs(v)...)
		for i, s := range v.Scopes {
			batch.Queue(insertScopeIgnoreSQL, v.ID, i, string(s.Kind), s.Target)
		}
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	created := 0
	for _, v := range vouchers {
		tag, err := br.Exec()
		if err != nil {
			return created, fmt.Errorf("inserting voucher %q: %w", v.Code, err)
		}
		if tag.RowsAffected() == 1 {
			created++
		}
		for range v.Scopes {
			if _, err := br.Exec(); err != nil {
				return created, fmt.Errorf("inserting scope of voucher %q: %w", v.Code, err)
			}
		}
	}
	return created, nil
}

func voucherArgs(v voucher.Voucher) []any {
	return []any{
		v.ID, v.Code, string(v.Kind), v.Value, v.MinOrderValue, v.MaxDiscount,
		nullTime(v.StartsAt), nullTime(v.EndsAt),
		v.MaxUsageTotal, v.UsageCount, v.MaxUsagePerUser, v.Active,
	}
}

func loadScopes(ctx context.Context, q querier, ids []string) (map[string][]voucher.Scope, error) {
	rows, err := q.Query(ctx, listScopesSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("listing voucher scopes: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]voucher.Scope, len(ids))
	for rows.Next() {
		var id, kind, target string
		if err := rows.Scan(&id, &kind, &target); err != nil {
			return nil, fmt.Errorf("scanning voucher scope: %w", err)
		}
		out[id] = append(out[id], voucher.Scope{Kind: voucher.ScopeKind(kind), Target: target})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing voucher scopes: %w", err)
	}
	return out, nil
}

func scanVoucher(row pgx.CollectableRow) (voucher.Voucher, error) {
	var (
		v           voucher.Voucher
		kind        string
		value       decimal.Decimal
		minOrder    decimal.Decimal
		maxDiscount decimal.NullDecimal
		startsAt    *time.Time
		endsAt      *time.Time
	)
	err := row.Scan(
		&v.ID, &v.Code, &kind, &value, &minOrder, &maxDiscount,
		&startsAt, &endsAt, &v.MaxUsageTotal, &v.UsageCount, &v.MaxUsagePerUser, &v.Active,
	)
	v.Kind = voucher.Kind(kind)
	v.Value = value
	v.MinOrderValue = minOrder
	v.MaxDiscount = maxDiscount
	if startsAt != nil {
		v.StartsAt = startsAt.UTC()
	}
	if endsAt != nil {
		v.EndsAt = endsAt.UTC()
	}
	return v, err
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
