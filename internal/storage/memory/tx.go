package memory

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-voucher/internal/domain/order"
	"github.com/xenking/kart-voucher/internal/domain/stock"
	"github.com/xenking/kart-voucher/internal/domain/voucher"
	"github.com/xenking/kart-voucher/internal/outbox"
)

// tx mutates the Store while its lock is held by WithinTx.
type tx struct {
	s    *Store
	undo []func()
}

func (t *tx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// Decrement implements stock.Ledger.
func (t *tx) Decrement(_ context.Context, variantID string, qty int) error {
	v, ok := t.s.variants[variantID]
	if !ok {
		return stock.ErrVariantNotFound
	}
	if qty <= 0 || v.QuantityInStock < qty {
		return &stock.InsufficientError{VariantID: variantID, Requested: qty}
	}
	v.QuantityInStock -= qty
	t.s.variants[variantID] = v
	t.undo = append(t.undo, func() {
		v := t.s.variants[variantID]
		v.QuantityInStock += qty
		t.s.variants[variantID] = v
	})
	return nil
}

// TryRedeem implements voucher.Ledger. Both caps are checked before anything
// is written.
func (t *tx) TryRedeem(_ context.Context, r voucher.Redemption) error {
	v, ok := t.s.vouchers[r.VoucherID]
	if !ok {
		return voucher.ErrNotFound
	}
	rk := redemptionKey{r.VoucherID, r.OrderID}
	if _, dup := t.s.redemptions[rk]; dup {
		return voucher.ErrAlreadyRedeemed
	}
	if v.MaxUsageTotal > 0 && v.UsageCount >= v.MaxUsageTotal {
		return &voucher.LimitError{VoucherID: v.ID, Limit: voucher.LimitGlobal}
	}
	uk := usageKey{r.VoucherID, r.UserID}
	if v.MaxUsagePerUser > 0 && t.s.usage[uk] >= v.MaxUsagePerUser {
		return &voucher.LimitError{VoucherID: v.ID, Limit: voucher.LimitPerUser}
	}

	v.UsageCount++
	t.s.usage[uk]++
	t.s.redemptions[rk] = r
	t.undo = append(t.undo, func() {
		v.UsageCount--
		if t.s.usage[uk]--; t.s.usage[uk] == 0 {
			delete(t.s.usage, uk)
		}
		delete(t.s.redemptions, rk)
	})
	return nil
}

// Create implements order.Tx.
func (t *tx) Create(_ context.Context, o *order.Order) error {
	if _, ok := t.s.orders[o.ID]; ok {
		return errors.Errorf("order %s already exists", o.ID)
	}
	cp := *o
	cp.Items = append([]order.Item(nil), o.Items...)
	t.s.orders[o.ID] = cp
	t.undo = append(t.undo, func() { delete(t.s.orders, o.ID) })
	return nil
}

// Enqueue implements order.Tx.
func (t *tx) Enqueue(_ context.Context, msg outbox.Message) error {
	t.s.seq++
	n := len(t.s.outbox)
	t.s.outbox = append(t.s.outbox, &outboxEntry{rec: outbox.Record{
		Seq:       t.s.seq,
		Message:   msg,
		CreatedAt: time.Now().UTC(),
	}})
	t.undo = append(t.undo, func() {
		t.s.outbox = t.s.outbox[:n]
		t.s.seq--
	})
	return nil
}

// ClaimConfirmation implements order.Tx.
func (t *tx) ClaimConfirmation(_ context.Context, userID, key, orderID string) error {
	k := confirmationKey{userID, key}
	if _, ok := t.s.confirmations[k]; ok {
		return order.ErrDuplicateConfirmation
	}
	t.s.confirmations[k] = &confirmation{orderID: orderID}
	t.undo = append(t.undo, func() { delete(t.s.confirmations, k) })
	return nil
}

// CompleteConfirmation implements order.Tx.
func (t *tx) CompleteConfirmation(_ context.Context, userID, key string, res *order.Result) error {
	c, ok := t.s.confirmations[confirmationKey{userID, key}]
	if !ok {
		return errors.Errorf("confirmation %q not claimed", key)
	}
	data, err := json.Marshal(res)
	if err != nil {
		return errors.Wrap(err, "encode confirmation")
	}
	prev := c.result
	c.result = data
	t.undo = append(t.undo, func() { c.result = prev })
	return nil
}
