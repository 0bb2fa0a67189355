// Package memory implements the checkout storage ports in process memory.
//
// Transactions are serialised by a single mutex. Every write inside a
// transaction records an undo step, so a failed transaction leaves no trace.
// It backs local runs with VOUCHER_STORAGE=memory and the concurrency tests.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-voucher/internal/domain/order"
	"github.com/xenking/kart-voucher/internal/domain/stock"
	"github.com/xenking/kart-voucher/internal/domain/user"
	"github.com/xenking/kart-voucher/internal/domain/voucher"
	"github.com/xenking/kart-voucher/internal/outbox"
)

var (
	_ voucher.Store    = (*Store)(nil)
	_ stock.Catalog    = (*Store)(nil)
	_ user.Repository  = (*Store)(nil)
	_ order.Transactor = (*Store)(nil)
	_ outbox.Store     = (*Store)(nil)
	_ order.Tx         = (*tx)(nil)
)

type usageKey struct {
	voucherID string
	userID    string
}

type redemptionKey struct {
	voucherID string
	orderID   string
}

type confirmationKey struct {
	userID string
	key    string
}

type confirmation struct {
	orderID string
	result  []byte
}

type outboxEntry struct {
	rec     outbox.Record
	claimed bool
	sent    bool
}

// Store holds all checkout state in maps guarded by one mutex.
type Store struct {
	mu sync.RWMutex

	users         map[string]user.User
	variants      map[string]stock.VariantStock
	vouchers      map[string]*voucher.Voucher
	codes         map[string]string
	usage         map[usageKey]int
	redemptions   map[redemptionKey]voucher.Redemption
	orders        map[string]order.Order
	confirmations map[confirmationKey]*confirmation
	outbox        []*outboxEntry
	seq           int64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		users:         make(map[string]user.User),
		variants:      make(map[string]stock.VariantStock),
		vouchers:      make(map[string]*voucher.Voucher),
		codes:         make(map[string]string),
		usage:         make(map[usageKey]int),
		redemptions:   make(map[redemptionKey]voucher.Redemption),
		orders:        make(map[string]order.Order),
		confirmations: make(map[confirmationKey]*confirmation),
	}
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// PutUser inserts or replaces a user.
func (s *Store) PutUser(u user.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// PutVariant inserts or replaces a variant stock row.
func (s *Store) PutVariant(v stock.VariantStock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.variants[v.VariantID] = v
}

// PutVoucher inserts or replaces a voucher. Codes are unique regardless of
// case.
func (s *Store) PutVoucher(v voucher.Voucher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	code := normalizeCode(v.Code)
	if id, ok := s.codes[code]; ok && id != v.ID {
		return errors.Errorf("voucher code %q already used by %s", v.Code, id)
	}
	if old, ok := s.vouchers[v.ID]; ok {
		delete(s.codes, normalizeCode(old.Code))
	}
	cp := copyVoucher(v)
	s.vouchers[v.ID] = &cp
	s.codes[code] = v.ID
	return nil
}

// GetByID implements user.Repository.
func (s *Store) GetByID(_ context.Context, id string) (*user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	return &u, nil
}

// GetVariantStock implements stock.Catalog.
func (s *Store) GetVariantStock(_ context.Context, variantID string) (*stock.VariantStock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.variants[variantID]
	if !ok {
		return nil, stock.ErrVariantNotFound
	}
	return &v, nil
}

// GetVariantStocks implements stock.Catalog.
func (s *Store) GetVariantStocks(_ context.Context, ids []string) ([]stock.VariantStock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]stock.VariantStock, 0, len(ids))
	for _, id := range ids {
		if v, ok := s.variants[id]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// FindByCode implements voucher.Store.
func (s *Store) FindByCode(_ context.Context, code string) (*voucher.Voucher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.codes[normalizeCode(code)]
	if !ok {
		return nil, voucher.ErrNotFound
	}
	v := copyVoucher(*s.vouchers[id])
	return &v, nil
}

// ListActive implements voucher.Store.
func (s *Store) ListActive(_ context.Context, now time.Time) ([]voucher.Voucher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []voucher.Voucher
	for _, v := range s.vouchers {
		if !v.Active {
			continue
		}
		if !v.StartsAt.IsZero() && now.Before(v.StartsAt) {
			continue
		}
		if !v.EndsAt.IsZero() && now.After(v.EndsAt) {
			continue
		}
		out = append(out, copyVoucher(*v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// UserUsage implements voucher.Store.
func (s *Store) UserUsage(_ context.Context, voucherID, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usage[usageKey{voucherID, userID}], nil
}

// UserUsages implements voucher.Store.
func (s *Store) UserUsages(_ context.Context, userID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int)
	for k, n := range s.usage {
		if k.userID == userID {
			out[k.voucherID] = n
		}
	}
	return out, nil
}

// FindConfirmation implements order.Transactor.
func (s *Store) FindConfirmation(_ context.Context, userID, key string) (*order.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.confirmations[confirmationKey{userID, key}]
	if !ok || c.result == nil {
		return nil, order.ErrConfirmationNotFound
	}
	var res order.Result
	if err := json.Unmarshal(c.result, &res); err != nil {
		return nil, errors.Wrap(err, "decode confirmation")
	}
	return &res, nil
}

// WithinTx implements order.Transactor. The store is locked for the whole
// call; when fn fails or ctx is done every write made by fn is undone.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx order.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{s: s}
	err := fn(ctx, t)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		t.rollback()
		return err
	}
	return nil
}

// Process implements outbox.Store. Records are claimed under the lock and
// published without it.
func (s *Store) Process(ctx context.Context, limit int, fn func(ctx context.Context, recs []outbox.Record) error) (int, error) {
	s.mu.Lock()
	var claimed []*outboxEntry
	for _, e := range s.outbox {
		if len(claimed) >= limit {
			break
		}
		if e.sent || e.claimed {
			continue
		}
		e.claimed = true
		claimed = append(claimed, e)
	}
	s.mu.Unlock()

	if len(claimed) == 0 {
		return 0, nil
	}
	recs := make([]outbox.Record, len(claimed))
	for i, e := range claimed {
		recs[i] = e.rec
	}
	err := fn(ctx, recs)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range claimed {
		e.claimed = false
		e.sent = err == nil
	}
	if err != nil {
		return 0, err
	}
	return len(claimed), nil
}

// Variant returns the current stock row of a variant.
func (s *Store) Variant(id string) (stock.VariantStock, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.variants[id]
	return v, ok
}

// Voucher returns the current state of a voucher.
func (s *Store) Voucher(id string) (voucher.Voucher, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vouchers[id]
	if !ok {
		return voucher.Voucher{}, false
	}
	return copyVoucher(*v), true
}

// Redemptions returns every redemption record of a voucher.
func (s *Store) Redemptions(voucherID string) []voucher.Redemption {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []voucher.Redemption
	for k, r := range s.redemptions {
		if k.voucherID == voucherID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

// Orders returns every confirmed order.
func (s *Store) Orders() []order.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]order.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PendingEvents returns the number of outbox records not yet sent.
func (s *Store) PendingEvents() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.outbox {
		if !e.sent {
			n++
		}
	}
	return n
}

func copyVoucher(v voucher.Voucher) voucher.Voucher {
	v.Scopes = append([]voucher.Scope(nil), v.Scopes...)
	return v
}
