package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-voucher/internal/domain/order"
	"github.com/xenking/kart-voucher/internal/domain/stock"
	"github.com/xenking/kart-voucher/internal/domain/voucher"
	"github.com/xenking/kart-voucher/internal/outbox"
)

const (
	decrementStockSQL = `UPDATE variants
		SET quantity_in_stock = quantity_in_stock - $2, updated_at = now()
		WHERE id = $1 AND quantity_in_stock >= $2`

	variantExistsSQL = `SELECT EXISTS (SELECT 1 FROM variants WHERE id = $1)`

	// The row lock taken here orders all redemptions of one voucher.
	incrementVoucherUsageSQL = `UPDATE vouchers
		SET usage_count = usage_count + 1
		WHERE id = $1 AND (max_usage_total = 0 OR usage_count < max_usage_total)
		RETURNING max_usage_per_user`

	voucherExistsSQL = `SELECT EXISTS (SELECT 1 FROM vouchers WHERE id = $1)`

	incrementUserUsageSQL = `INSERT INTO voucher_user_usage (voucher_id, user_id, usage_count)
		VALUES ($1, $2, 1)
		ON CONFLICT (voucher_id, user_id) DO UPDATE
		SET usage_count = voucher_user_usage.usage_count + 1
		WHERE $3::int = 0 OR voucher_user_usage.usage_count < $3::int
		RETURNING usage_count`

	insertRedemptionSQL = `INSERT INTO voucher_redemptions (voucher_id, order_id, user_id, discount, redeemed_at)
		VALUES ($1, $2, $3, $4, $5)`

	createOrderSQL = `INSERT INTO orders
		(id, user_id, items, subtotal, shipping_fee, discount, total, voucher_id, voucher_code, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	enqueueOutboxSQL = `INSERT INTO outbox (event_id, topic, key, payload) VALUES ($1, $2, $3, $4)`

	claimConfirmationSQL = `INSERT INTO checkout_confirmations (user_id, idempotency_key, order_id)
		VALUES ($1, $2, $3)`

	completeConfirmationSQL = `UPDATE checkout_confirmations SET result = $3
		WHERE user_id = $1 AND idempotency_key = $2`

	findConfirmationSQL = `SELECT result FROM checkout_confirmations
		WHERE user_id = $1 AND idempotency_key = $2 AND result IS NOT NULL`
)

var (
	_ order.Transactor = (*Transactor)(nil)
	_ order.Tx         = (*confirmTx)(nil)
)

// Transactor runs confirmations in a PostgreSQL transaction.
type Transactor struct {
	pool *pgxpool.Pool
}

// NewTransactor returns a Transactor that uses the given pool.
func NewTransactor(pool *pgxpool.Pool) *Transactor {
	return &Transactor{pool: pool}
}

// WithinTx begins a transaction, runs fn and commits when it returns nil.
func (t *Transactor) WithinTx(ctx context.Context, fn func(ctx context.Context, tx order.Tx) error) error {
	return pgx.BeginFunc(ctx, t.pool, func(tx pgx.Tx) error {
		return fn(ctx, &confirmTx{tx: tx})
	})
}

// FindConfirmation returns the stored result for an idempotency key.
func (t *Transactor) FindConfirmation(ctx context.Context, userID, key string) (*order.Result, error) {
	var data []byte
	err := t.pool.QueryRow(ctx, findConfirmationSQL, userID, key).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrConfirmationNotFound
		}
		return nil, fmt.Errorf("finding confirmation %q: %w", key, err)
	}
	var res order.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decoding confirmation %q: %w", key, err)
	}
	return &res, nil
}

type confirmTx struct {
	tx pgx.Tx
}

// Decrement subtracts qty from a variant only while enough units remain.
func (c *confirmTx) Decrement(ctx context.Context, variantID string, qty int) error {
	tag, err := c.tx.Exec(ctx, decrementStockSQL, variantID, qty)
	if err != nil {
		return fmt.Errorf("decrementing stock of %q: %w", variantID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := c.tx.QueryRow(ctx, variantExistsSQL, variantID).Scan(&exists); err != nil {
		return fmt.Errorf("checking variant %q: %w", variantID, err)
	}
	if !exists {
		return stock.ErrVariantNotFound
	}
	return &stock.InsufficientError{VariantID: variantID, Requested: qty}
}

// TryRedeem runs inside a savepoint so a cap failure rolls back only the
// redemption, leaving the surrounding transaction usable.
func (c *confirmTx) TryRedeem(ctx context.Context, r voucher.Redemption) error {
	sp, err := c.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting redemption savepoint: %w", err)
	}
	defer func() { _ = sp.Rollback(ctx) }()

	var perUserCap int
	err = sp.QueryRow(ctx, incrementVoucherUsageSQL, r.VoucherID).Scan(&perUserCap)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := sp.QueryRow(ctx, voucherExistsSQL, r.VoucherID).Scan(&exists); err != nil {
			return fmt.Errorf("checking voucher %q: %w", r.VoucherID, err)
		}
		if !exists {
			return voucher.ErrNotFound
		}
		return &voucher.LimitError{VoucherID: r.VoucherID, Limit: voucher.LimitGlobal}
	}
	if err != nil {
		return fmt.Errorf("incrementing usage of voucher %q: %w", r.VoucherID, err)
	}

	var userCount int
	err = sp.QueryRow(ctx, incrementUserUsageSQL, r.VoucherID, r.UserID, perUserCap).Scan(&userCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return &voucher.LimitError{VoucherID: r.VoucherID, Limit: voucher.LimitPerUser}
	}
	if err != nil {
		return fmt.Errorf("incrementing user usage of voucher %q: %w", r.VoucherID, err)
	}

	_, err = sp.Exec(ctx, insertRedemptionSQL, r.VoucherID, r.OrderID, r.UserID, r.Discount, r.RedeemedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return voucher.ErrAlreadyRedeemed
		}
		return fmt.Errorf("recording redemption of voucher %q: %w", r.VoucherID, err)
	}

	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("releasing redemption savepoint: %w", err)
	}
	return nil
}

// Create persists a confirmed order. Items are stored as JSONB.
func (c *confirmTx) Create(ctx context.Context, o *order.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshaling order items: %w", err)
	}
	var voucherID *string
	if o.VoucherID != "" {
		voucherID = &o.VoucherID
	}
	_, err = c.tx.Exec(ctx, createOrderSQL,
		o.ID, o.UserID, items, o.Subtotal, o.ShippingFee, o.Discount, o.Total,
		voucherID, o.VoucherCode, string(o.Status), o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}
	return nil
}

// Enqueue appends msg to the outbox table.
func (c *confirmTx) Enqueue(ctx context.Context, msg outbox.Message) error {
	if _, err := c.tx.Exec(ctx, enqueueOutboxSQL, msg.ID, msg.Topic, msg.Key, msg.Payload); err != nil {
		return fmt.Errorf("enqueueing %s event: %w", msg.Topic, err)
	}
	return nil
}

// ClaimConfirmation inserts the idempotency key. A concurrent claim of the
// same key waits for the first transaction and then fails with a unique
// violation.
func (c *confirmTx) ClaimConfirmation(ctx context.Context, userID, key, orderID string) error {
	if _, err := c.tx.Exec(ctx, claimConfirmationSQL, userID, key, orderID); err != nil {
		if isUniqueViolation(err) {
			return order.ErrDuplicateConfirmation
		}
		return fmt.Errorf("claiming confirmation %q: %w", key, err)
	}
	return nil
}

// CompleteConfirmation stores the result for a claimed key.
func (c *confirmTx) CompleteConfirmation(ctx context.Context, userID, key string, res *order.Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshaling confirmation: %w", err)
	}
	if _, err := c.tx.Exec(ctx, completeConfirmationSQL, userID, key, data); err != nil {
		return fmt.Errorf("completing confirmation %q: %w", key, err)
	}
	return nil
}
