package order

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-voucher/internal/domain/stock"
	"github.com/xenking/kart-voucher/internal/domain/user"
	"github.com/xenking/kart-voucher/internal/domain/voucher"
	"github.com/xenking/kart-voucher/internal/outbox"
)

// --- Mock implementations ---

type mockUserRepo struct {
	users map[string]user.User
	err   error
}

func (m *mockUserRepo) GetByID(_ context.Context, id string) (*user.User, error) {
	if m.err != nil {
		return nil, m.err
	}
	u, ok := m.users[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	return &u, nil
}

type mockCatalog struct {
	stocks map[string]stock.VariantStock
	reads  int
	err    error
}

func (m *mockCatalog) GetVariantStock(_ context.Context, id string) (*stock.VariantStock, error) {
	s, ok := m.stocks[id]
	if !ok {
		return nil, stock.ErrVariantNotFound
	}
	return &s, nil
}

func (m *mockCatalog) GetVariantStocks(_ context.Context, ids []string) ([]stock.VariantStock, error) {
	m.reads++
	if m.err != nil {
		return nil, m.err
	}
	var out []stock.VariantStock
	for _, id := range ids {
		if s, ok := m.stocks[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

type mockVoucherStore struct {
	vouchers map[string]voucher.Voucher
	usage    map[string]int
}

func (m *mockVoucherStore) FindByCode(_ context.Context, code string) (*voucher.Voucher, error) {
	v, ok := m.vouchers[strings.ToUpper(code)]
	if !ok {
		return nil, voucher.ErrNotFound
	}
	return &v, nil
}

func (m *mockVoucherStore) ListActive(_ context.Context, _ time.Time) ([]voucher.Voucher, error) {
	out := make([]voucher.Voucher, 0, len(m.vouchers))
	for _, v := range m.vouchers {
		out = append(out, v)
	}
	return out, nil
}

func (m *mockVoucherStore) UserUsage(_ context.Context, voucherID, _ string) (int, error) {
	return m.usage[voucherID], nil
}

func (m *mockVoucherStore) UserUsages(_ context.Context, _ string) (map[string]int, error) {
	return m.usage, nil
}

// mockTransactor stages writes per transaction and publishes them only on
// commit.
type mockTransactor struct {
	calls         int
	orders        []Order
	redemptions   []voucher.Redemption
	decrements    map[string]int
	messages      []outbox.Message
	confirmations map[string][]byte
	// decrementOrder lists variant ids in the order Decrement was called.
	decrementOrder []string

	decrementErr func(variantID string) error
	redeemErr    error
	createErr    error
	onClaim      func() error
}

func newMockTransactor() *mockTransactor {
	return &mockTransactor{
		decrements:    make(map[string]int),
		confirmations: make(map[string][]byte),
	}
}

func (m *mockTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.calls++
	t := &mockTx{m: m, decrements: make(map[string]int), confirmations: make(map[string][]byte)}
	if err := fn(ctx, t); err != nil {
		return err
	}
	m.orders = append(m.orders, t.orders...)
	m.redemptions = append(m.redemptions, t.redemptions...)
	m.messages = append(m.messages, t.messages...)
	for id, n := range t.decrements {
		m.decrements[id] += n
	}
	for k, v := range t.confirmations {
		m.confirmations[k] = v
	}
	return nil
}

func (m *mockTransactor) FindConfirmation(_ context.Context, userID, key string) (*Result, error) {
	data, ok := m.confirmations[userID+"/"+key]
	if !ok {
		return nil, ErrConfirmationNotFound
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

type mockTx struct {
	m             *mockTransactor
	orders        []Order
	redemptions   []voucher.Redemption
	decrements    map[string]int
	messages      []outbox.Message
	confirmations map[string][]byte
}

func (t *mockTx) Decrement(_ context.Context, variantID string, qty int) error {
	if t.m.decrementErr != nil {
		if err := t.m.decrementErr(variantID); err != nil {
			return err
		}
	}
	t.m.decrementOrder = append(t.m.decrementOrder, variantID)
	t.decrements[variantID] += qty
	return nil
}

func (t *mockTx) TryRedeem(_ context.Context, r voucher.Redemption) error {
	if t.m.redeemErr != nil {
		return t.m.redeemErr
	}
	t.redemptions = append(t.redemptions, r)
	return nil
}

func (t *mockTx) Create(_ context.Context, o *Order) error {
	if t.m.createErr != nil {
		return t.m.createErr
	}
	t.orders = append(t.orders, *o)
	return nil
}

func (t *mockTx) Enqueue(_ context.Context, msg outbox.Message) error {
	t.messages = append(t.messages, msg)
	return nil
}

func (t *mockTx) ClaimConfirmation(_ context.Context, userID, key, _ string) error {
	if t.m.onClaim != nil {
		if err := t.m.onClaim(); err != nil {
			return err
		}
	}
	if _, ok := t.m.confirmations[userID+"/"+key]; ok {
		return ErrDuplicateConfirmation
	}
	return nil
}

func (t *mockTx) CompleteConfirmation(_ context.Context, userID, key string, res *Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	t.confirmations[userID+"/"+key] = data
	return nil
}

// --- Helpers ---

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

type fixture struct {
	users    *mockUserRepo
	catalog  *mockCatalog
	vouchers *mockVoucherStore
	tx       *mockTransactor
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		users: &mockUserRepo{users: map[string]user.User{
			"u1": {ID: "u1", Name: "Dewi", Email: "dewi@example.com"},
		}},
		catalog: &mockCatalog{stocks: map[string]stock.VariantStock{
			"shirt-m": {
				VariantID: "shirt-m", ProductID: "shirt", CategoryID: "tops",
				ProductName: "Linen Shirt", Price: d("100000"), QuantityInStock: 50,
			},
			"pants-l": {
				VariantID: "pants-l", ProductID: "pants", CategoryID: "bottoms",
				ProductName: "Chino Pants", Price: d("150000"), QuantityInStock: 30,
			},
		}},
		vouchers: &mockVoucherStore{
			vouchers: map[string]voucher.Voucher{
				"SAVE10": {
					ID: "v-save10", Code: "SAVE10", Kind: voucher.KindPercentage,
					Value: d("10"), MaxDiscount: decimal.NewNullDecimal(d("15000")),
					MinOrderValue: d("50000"), MaxUsageTotal: 100, MaxUsagePerUser: 1,
					StartsAt: time.Now().Add(-time.Hour), EndsAt: time.Now().Add(24 * time.Hour),
					Active: true,
				},
			},
			usage: map[string]int{},
		},
		tx: newMockTransactor(),
	}
	svc, err := NewService(
		f.users,
		f.catalog,
		stock.NewValidator(stock.DefaultRules()),
		voucher.NewService(f.vouchers),
		f.tx,
	)
	require.NoError(t, err)
	ids := 0
	svc.newID = func() string {
		ids++
		return fmt.Sprintf("order-%d", ids)
	}
	f.svc = svc
	return f
}

func (f *fixture) setStock(id string, qty int) {
	s := f.catalog.stocks[id]
	s.QuantityInStock = qty
	f.catalog.stocks[id] = s
}

// --- Tests ---

func TestConfirm_RequestValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Confirm(ctx, ConfirmRequest{Lines: []Line{{VariantID: "shirt-m", Quantity: 1}}})
	require.ErrorIs(t, err, ErrUserRequired)

	_, err = f.svc.Confirm(ctx, ConfirmRequest{UserID: "u1"})
	require.ErrorIs(t, err, ErrEmptyLines)

	_, err = f.svc.Confirm(ctx, ConfirmRequest{
		UserID:      "u1",
		Lines:       []Line{{VariantID: "shirt-m", Quantity: 1}},
		ShippingFee: d("-1"),
	})
	require.ErrorIs(t, err, ErrNegativeShippingFee)

	_, err = f.svc.Confirm(ctx, ConfirmRequest{UserID: "u1", Lines: []Line{{Quantity: 1}}})
	var lineErr *InvalidLineError
	require.ErrorAs(t, err, &lineErr)
	assert.Equal(t, 0, lineErr.Index)
}

func TestConfirm_RejectsNonPositiveLineBeforeMerging(t *testing.T) {
	tests := []struct {
		name  string
		lines []Line
		index int
	}{
		{name: "negative line offsets a large one", lines: []Line{{VariantID: "shirt-m", Quantity: 25}, {VariantID: "shirt-m", Quantity: -10}}, index: 1},
		{name: "zero line", lines: []Line{{VariantID: "shirt-m", Quantity: 0}, {VariantID: "shirt-m", Quantity: 2}}, index: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			res, err := f.svc.Confirm(context.Background(), ConfirmRequest{UserID: "u1", Lines: tt.lines})
			var lineErr *InvalidLineError
			require.ErrorAs(t, err, &lineErr)
			assert.Nil(t, res)
			assert.Equal(t, tt.index, lineErr.Index)
			assert.Zero(t, f.tx.calls)
		})
	}
}

func TestConfirm_DecrementsInVariantOrder(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Confirm(context.Background(), ConfirmRequest{
		UserID: "u1",
		Lines: []Line{
			{VariantID: "shirt-m", Quantity: 1},
			{VariantID: "pants-l", Quantity: 1},
			{VariantID: "shirt-m", Quantity: 1},
		},
	})
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, res.Status)
	assert.Equal(t, []string{"pants-l", "shirt-m"}, f.tx.decrementOrder)
	assert.Equal(t, 2, f.tx.decrements["shirt-m"])
}

func TestConfirm_UnknownUser(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Confirm(context.Background(), ConfirmRequest{
		UserID: "ghost",
		Lines:  []Line{{VariantID: "shirt-m", Quantity: 1}},
	})
	require.ErrorIs(t, err, user.ErrNotFound)
	assert.Zero(t, f.tx.calls)
}

func TestConfirm_StockInsufficientBlocks(t *testing.T) {
	f := newFixture(t)
	f.setStock("shirt-m", 5)

	res, err := f.svc.Confirm(context.Background(), ConfirmRequest{
		UserID: "u1",
		Lines:  []Line{{VariantID: "shirt-m", Quantity: 6}},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusStockBlocked, res.Status)
	assert.False(t, res.CanProceed)
	assert.False(t, res.WaitingForStock)
	assert.Contains(t, res.OutOfStockMessages["shirt-m"], "only 5 units of Linen Shirt available")
	assert.Zero(t, f.tx.calls, "no transaction for a blocked cart")
	assert.Empty(t, f.tx.decrements)
}

func TestConfirm_ReservedForOffline(t *testing.T) {
	f := newFixture(t)
	f.setStock("shirt-m", 8)

	res, err := f.svc.Confirm(context.Background(), ConfirmRequest{
		UserID: "u1",
		Lines:  []Line{{VariantID: "shirt-m", Quantity: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusStockBlocked, res.Status)
	assert.Equal(t, "Linen Shirt is only available in store", res.OutOfStockMessages["shirt-m"])
	assert.Zero(t, f.tx.calls)
}

func TestConfirm_WaitingForStock(t *testing.T) {
	f := newFixture(t)
	f.setStock("shirt-m", 5)

	res, err := f.svc.Confirm(context.Background(), ConfirmRequest{
		UserID:            "u1",
		Lines:             []Line{{VariantID: "shirt-m", Quantity: 6}, {VariantID: "pants-l", Quantity: 1}},
		AllowWaitingOrder: true,
		ShippingFee:       d("20000"),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusWaitingForStock, res.Status)
	assert.True(t, res.WaitingForStock)
	assert.False(t, res.CanProceed)
	require.Len(t, res.Items, 2)
	assert.True(t, d("750000").Equal(res.Subtotal))
	assert.True(t, d("770000").Equal(res.FinalAmount))
	assert.Zero(t, f.tx.calls)
}

func TestConfirm_UnknownVariantIsNeverWaitable(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Confirm(context.Background(), ConfirmRequest{
		UserID:            "u1",
		Lines:             []Line{{VariantID: "ghost", Quantity: 1}},
		AllowWaitingOrder: true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusStockBlocked, res.Status)
	assert.Equal(t, "variant ghost does not exist", res.OutOfStockMessages["ghost"])
}

func TestConfirm_VoucherRejected(t *testing.T) {
	f := newFixture(t)
	f.vouchers.usage["v-save10"] = 1

	res, err := f.svc.Confirm(context.Background(), ConfirmRequest{
		UserID:      "u1",
		Lines:       []Line{{VariantID: "shirt-m", Quantity: 2}},
		VoucherCode: "save10",
		ShippingFee: d("20000"),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusVoucherRejected, res.Status)
	assert.False(t, res.CanProceed)
	require.Len(t, res.VoucherRejectionReasons, 1)
	assert.Equal(t, voucher.CodeUserLimitReached, res.VoucherRejectionReasons[0].Code)
	assert.True(t, res.Discount.IsZero())
	assert.True(t, d("220000").Equal(res.FinalAmount))
	assert.Zero(t, f.tx.calls)
}

func TestConfirm_UnknownVoucherRejected(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Confirm(context.Background(), ConfirmRequest{
		UserID:      "u1",
		Lines:       []Line{{VariantID: "shirt-m", Quantity: 1}},
		VoucherCode: "NOPE",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusVoucherRejected, res.Status)
	require.Len(t, res.VoucherRejectionReasons, 1)
	assert.Equal(t, voucher.CodeNotFound, res.VoucherRejectionReasons[0].Code)
}

func TestConfirm_WithVoucher(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Confirm(context.Background(), ConfirmRequest{
		UserID:      "u1",
		Lines:       []Line{{VariantID: "shirt-m", Quantity: 2}},
		VoucherCode: "SAVE10",
		ShippingFee: d("20000"),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, res.Status)
	assert.True(t, res.CanProceed)
	assert.Equal(t, "order-1", res.OrderID)
	assert.Equal(t, "SAVE10", res.VoucherCode)
	assert.True(t, d("200000").Equal(res.Subtotal))
	assert.True(t, d("15000").Equal(res.Discount))
	assert.True(t, d("205000").Equal(res.FinalAmount))
	assert.Empty(t, res.VoucherRejectionReasons)

	assert.Equal(t, 2, f.tx.decrements["shirt-m"])
	require.Len(t, f.tx.redemptions, 1)
	assert.Equal(t, "v-save10", f.tx.redemptions[0].VoucherID)
	assert.Equal(t, "order-1", f.tx.redemptions[0].OrderID)
	assert.True(t, d("15000").Equal(f.tx.redemptions[0].Discount))

	require.Len(t, f.tx.orders, 1)
	assert.Equal(t, "v-save10", f.tx.orders[0].VoucherID)
	assert.True(t, d("205000").Equal(f.tx.orders[0].Total))

	require.Len(t, f.tx.messages, 1)
	assert.Equal(t, TopicCreated, f.tx.messages[0].Topic)
	assert.Equal(t, "order-1", f.tx.messages[0].Key)
	var ev CreatedEvent
	require.NoError(t, json.Unmarshal(f.tx.messages[0].Payload, &ev))
	assert.Equal(t, "order-1", ev.OrderID)
	assert.True(t, d("205000").Equal(ev.FinalAmount))
}

func TestConfirm_SalePriceAndMergedLines(t *testing.T) {
	f := newFixture(t)
	s := f.catalog.stocks["pants-l"]
	s.SalePrice = decimal.NewNullDecimal(d("120000"))
	f.catalog.stocks["pants-l"] = s

	res, err := f.svc.Confirm(context.Background(), ConfirmRequest{
		UserID: "u1",
		Lines:  []Line{{VariantID: "pants-l", Quantity: 1}, {VariantID: "pants-l", Quantity: 2}},
	})
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, res.Status)
	require.Len(t, res.Items, 1)
	assert.Equal(t, 3, res.Items[0].Quantity)
	assert.True(t, d("120000").Equal(res.Items[0].UnitPrice))
	assert.True(t, d("360000").Equal(res.Items[0].TotalPrice))
	assert.Equal(t, 3, f.tx.decrements["pants-l"])
}

func TestConfirm_RedemptionLimitRaceDegrades(t *testing.T) {
	f := newFixture(t)
	f.tx.redeemErr = &voucher.LimitError{VoucherID: "v-save10", Limit: voucher.LimitGlobal}

	res, err := f.svc.Confirm(context.Background(), ConfirmRequest{
		UserID:      "u1",
		Lines:       []Line{{VariantID: "shirt-m", Quantity: 2}},
		VoucherCode: "SAVE10",
		ShippingFee: d("20000"),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, res.Status)
	assert.True(t, res.CanProceed)
	assert.True(t, res.Discount.IsZero())
	assert.True(t, d("220000").Equal(res.FinalAmount))
	assert.Empty(t, res.VoucherCode)
	require.Len(t, res.VoucherRejectionReasons, 1)
	assert.Equal(t, voucher.CodeUsageLimitReached, res.VoucherRejectionReasons[0].Code)

	require.Len(t, f.tx.orders, 1)
	assert.Empty(t, f.tx.orders[0].VoucherID)
	assert.Empty(t, f.tx.redemptions)
}

func TestConfirm_StorageErrorLeavesNoResidue(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("deadlock detected")
	f.tx.createErr = boom

	res, err := f.svc.Confirm(context.Background(), ConfirmRequest{
		UserID:      "u1",
		Lines:       []Line{{VariantID: "shirt-m", Quantity: 1}},
		VoucherCode: "SAVE10",
	})
	require.Nil(t, res)
	require.ErrorIs(t, err, boom)

	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "order-1", storageErr.ConfirmationID)

	assert.Empty(t, f.tx.orders)
	assert.Empty(t, f.tx.redemptions)
	assert.Empty(t, f.tx.decrements)
	assert.Empty(t, f.tx.messages)
}

func TestConfirm_CatalogErrorIsStorageError(t *testing.T) {
	f := newFixture(t)
	f.catalog.err = errors.New("timeout")

	_, err := f.svc.Confirm(context.Background(), ConfirmRequest{
		UserID: "u1",
		Lines:  []Line{{VariantID: "shirt-m", Quantity: 1}},
	})
	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "read stock", storageErr.Op)
}

func TestConfirm_StockRaceLost(t *testing.T) {
	f := newFixture(t)
	f.tx.decrementErr = func(variantID string) error {
		// A concurrent buyer took most of the stock.
		f.setStock(variantID, 12)
		return &stock.InsufficientError{VariantID: variantID, Requested: 15}
	}

	res, err := f.svc.Confirm(context.Background(), ConfirmRequest{
		UserID: "u1",
		Lines:  []Line{{VariantID: "shirt-m", Quantity: 15}},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusStockBlocked, res.Status)
	assert.False(t, res.CanProceed)
	assert.Equal(t, "only 12 units of Linen Shirt available", res.OutOfStockMessages["shirt-m"])
	assert.Equal(t, 2, f.catalog.reads, "stock is read again after the lost race")
	assert.Empty(t, f.tx.orders)
}

func TestConfirm_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	req := ConfirmRequest{
		UserID:         "u1",
		Lines:          []Line{{VariantID: "shirt-m", Quantity: 2}},
		VoucherCode:    "SAVE10",
		ShippingFee:    d("20000"),
		IdempotencyKey: "checkout-42",
	}

	first, err := f.svc.Confirm(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, first.Status)
	assert.False(t, first.Replayed)

	second, err := f.svc.Confirm(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.True(t, first.FinalAmount.Equal(second.FinalAmount))

	assert.Equal(t, 1, f.tx.calls)
	assert.Len(t, f.tx.redemptions, 1)
	assert.Equal(t, 2, f.tx.decrements["shirt-m"])
}

func TestConfirm_WithoutKeyConfirmsAgain(t *testing.T) {
	f := newFixture(t)
	req := ConfirmRequest{UserID: "u1", Lines: []Line{{VariantID: "shirt-m", Quantity: 1}}}

	first, err := f.svc.Confirm(context.Background(), req)
	require.NoError(t, err)
	second, err := f.svc.Confirm(context.Background(), req)
	require.NoError(t, err)

	assert.NotEqual(t, first.OrderID, second.OrderID)
	assert.Len(t, f.tx.orders, 2)
}

func TestConfirm_DuplicateClaimReplays(t *testing.T) {
	f := newFixture(t)
	stored, err := json.Marshal(&Result{OrderID: "order-earlier", Status: StatusConfirmed, CanProceed: true})
	require.NoError(t, err)

	// The lookup before the transaction misses, then a concurrent request
	// with the same key commits first.
	f.tx.onClaim = func() error {
		f.tx.confirmations["u1/k1"] = stored
		return ErrDuplicateConfirmation
	}

	res, err := f.svc.Confirm(context.Background(), ConfirmRequest{
		UserID:         "u1",
		Lines:          []Line{{VariantID: "shirt-m", Quantity: 1}},
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, "order-earlier", res.OrderID)
	assert.Empty(t, f.tx.orders)
	assert.Empty(t, f.tx.decrements)
}
