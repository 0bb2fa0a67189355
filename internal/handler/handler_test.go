package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-voucher/internal/domain/order"
	"github.com/xenking/kart-voucher/internal/domain/stock"
	"github.com/xenking/kart-voucher/internal/domain/user"
	"github.com/xenking/kart-voucher/internal/domain/voucher"
	"github.com/xenking/kart-voucher/pkg/httpmiddleware"
)

type stubCheckout struct {
	confirmFn  func(context.Context, order.ConfirmRequest) (*order.Result, error)
	eligibleFn func(context.Context, string, []order.Line, decimal.Decimal) ([]voucher.Offer, error)
	validateFn func(context.Context, []stock.Line) (stock.Report, error)
}

func (s *stubCheckout) Confirm(ctx context.Context, req order.ConfirmRequest) (*order.Result, error) {
	return s.confirmFn(ctx, req)
}

func (s *stubCheckout) EligibleVouchers(ctx context.Context, userID string, lines []order.Line, fee decimal.Decimal) ([]voucher.Offer, error) {
	return s.eligibleFn(ctx, userID, lines, fee)
}

func (s *stubCheckout) ValidateLines(ctx context.Context, lines []stock.Line) (stock.Report, error) {
	return s.validateFn(ctx, lines)
}

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func newServer(checkout Checkout) http.Handler {
	r := chi.NewRouter()
	r.Use(httpmiddleware.RequestID())
	r.Route("/api", NewHandler(checkout).Routes)
	return r
}

func do(t *testing.T, h http.Handler, path, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func confirmedResult() *order.Result {
	return &order.Result{
		OrderID: "order-1",
		Status:  order.StatusConfirmed,
		Items: []order.Item{{
			VariantID: "shirt-m", ProductName: "Linen Shirt", Quantity: 2,
			UnitPrice: d("100000"), TotalPrice: d("200000"),
		}},
		Subtotal:    d("200000"),
		ShippingFee: d("20000"),
		Discount:    d("15000"),
		FinalAmount: d("205000"),
		CanProceed:  true,
		VoucherCode: "SAVE10",
	}
}

func TestConfirm_DecodesRequest(t *testing.T) {
	var got order.ConfirmRequest
	srv := newServer(&stubCheckout{confirmFn: func(_ context.Context, req order.ConfirmRequest) (*order.Result, error) {
		got = req
		return confirmedResult(), nil
	}})

	w, body := do(t, srv, "/api/checkout/confirm", `{
		"userId": "u1",
		"lines": [{"variantId": "shirt-m", "quantity": 2, "note": "gift"}],
		"voucherCode": " save10 ",
		"allowWaitingOrder": true,
		"shippingFee": "20000",
		"channel": "web"
	}`, map[string]string{"Idempotency-Key": "cart-42"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Empty(t, w.Header().Get("X-Idempotent-Replay"))

	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, []order.Line{{VariantID: "shirt-m", Quantity: 2}}, got.Lines)
	assert.Equal(t, "save10", got.VoucherCode)
	assert.True(t, got.AllowWaitingOrder)
	assert.True(t, d("20000").Equal(got.ShippingFee))
	assert.Equal(t, "cart-42", got.IdempotencyKey)

	assert.Equal(t, "order-1", body["orderId"])
	assert.Equal(t, "CONFIRMED", body["orderStatus"])
	assert.Equal(t, 205000.0, body["finalAmount"])
	assert.Equal(t, 15000.0, body["discount"])
	assert.Equal(t, true, body["canProceed"])
	assert.Equal(t, false, body["replayed"])
	assert.Equal(t, map[string]any{}, body["outOfStockMessages"])
	items := body["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "Linen Shirt", items[0].(map[string]any)["productName"])
	assert.NotContains(t, body, "voucherRejectionReasons")
}

func TestConfirm_NumericShippingFee(t *testing.T) {
	var fee decimal.Decimal
	srv := newServer(&stubCheckout{confirmFn: func(_ context.Context, req order.ConfirmRequest) (*order.Result, error) {
		fee = req.ShippingFee
		return confirmedResult(), nil
	}})

	w, _ := do(t, srv, "/api/checkout/confirm",
		`{"userId":"u1","lines":[{"variantId":"shirt-m","quantity":1}],"shippingFee":12500.5,"voucherCode":null}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, d("12500.5").Equal(fee))
}

func TestConfirm_BusinessRejectionsAre200(t *testing.T) {
	tests := []struct {
		name   string
		result *order.Result
		check  func(t *testing.T, body map[string]any)
	}{
		{
			name: "stock blocked",
			result: &order.Result{
				Status:             order.StatusStockBlocked,
				Items:              []order.Item{},
				OutOfStockMessages: map[string]string{"shirt-m": "only 5 units of Linen Shirt available"},
			},
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, "STOCK_BLOCKED", body["orderStatus"])
				assert.Equal(t, false, body["canProceed"])
				assert.Equal(t, map[string]any{"shirt-m": "only 5 units of Linen Shirt available"}, body["outOfStockMessages"])
				assert.NotContains(t, body, "orderId")
			},
		},
		{
			name: "voucher rejected",
			result: &order.Result{
				Status:      order.StatusVoucherRejected,
				VoucherCode: "SAVE10",
				VoucherRejectionReasons: []voucher.Reason{
					{Code: voucher.CodeMinOrderNotMet, Message: "order subtotal must be at least 50000.00"},
					{Code: voucher.CodeExpired, Message: "voucher expired"},
				},
			},
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, "VOUCHER_REJECTED", body["orderStatus"])
				assert.Equal(t, []any{"order subtotal must be at least 50000.00", "voucher expired"}, body["voucherRejectionReasons"])
				assert.Equal(t, []any{"VOUCHER_MIN_ORDER_NOT_MET", "VOUCHER_EXPIRED"}, body["voucherRejectionCodes"])
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(&stubCheckout{confirmFn: func(context.Context, order.ConfirmRequest) (*order.Result, error) {
				return tt.result, nil
			}})
			w, body := do(t, srv, "/api/checkout/confirm", `{"userId":"u1","lines":[{"variantId":"shirt-m","quantity":6}]}`, nil)
			require.Equal(t, http.StatusOK, w.Code)
			tt.check(t, body)
		})
	}
}

func TestConfirm_ReplayHeader(t *testing.T) {
	srv := newServer(&stubCheckout{confirmFn: func(context.Context, order.ConfirmRequest) (*order.Result, error) {
		res := confirmedResult()
		res.Replayed = true
		return res, nil
	}})

	w, body := do(t, srv, "/api/checkout/confirm", `{"userId":"u1","lines":[{"variantId":"shirt-m","quantity":2}]}`,
		map[string]string{"Idempotency-Key": "cart-42"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get("X-Idempotent-Replay"))
	assert.Equal(t, true, body["replayed"])
}

func TestConfirm_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		header     map[string]string
		err        error
		wantStatus int
		wantCode   string
		wantConfID string
	}{
		{name: "empty body", body: "", wantStatus: http.StatusBadRequest, wantCode: "INVALID_REQUEST"},
		{name: "malformed json", body: `{"userId":`, wantStatus: http.StatusBadRequest, wantCode: "INVALID_REQUEST"},
		{name: "wrong type", body: `{"lines":[{"quantity":"two"}]}`, wantStatus: http.StatusBadRequest, wantCode: "INVALID_REQUEST"},
		{name: "bad shipping fee", body: `{"shippingFee":"abc"}`, wantStatus: http.StatusBadRequest, wantCode: "INVALID_REQUEST"},
		{
			name: "key too long", body: `{"userId":"u1"}`,
			header:     map[string]string{"Idempotency-Key": strings.Repeat("k", 129)},
			wantStatus: http.StatusBadRequest, wantCode: "INVALID_REQUEST",
		},
		{name: "empty lines", body: `{"userId":"u1"}`, err: order.ErrEmptyLines, wantStatus: http.StatusBadRequest, wantCode: "INVALID_REQUEST"},
		{name: "invalid line", body: `{"userId":"u1"}`, err: &order.InvalidLineError{Index: 0, Reason: "variant id required"}, wantStatus: http.StatusBadRequest, wantCode: "INVALID_REQUEST"},
		{name: "unknown user", body: `{"userId":"ghost"}`, err: user.ErrNotFound, wantStatus: http.StatusNotFound, wantCode: "USER_NOT_FOUND"},
		{
			name: "storage error", body: `{"userId":"u1"}`,
			err:        &order.StorageError{ConfirmationID: "order-9", Op: "confirm", Err: errors.New("connection reset")},
			wantStatus: http.StatusInternalServerError, wantCode: "INTERNAL_ERROR", wantConfID: "order-9",
		},
		{name: "unexpected error", body: `{"userId":"u1"}`, err: errors.New("boom"), wantStatus: http.StatusInternalServerError, wantCode: "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(&stubCheckout{confirmFn: func(context.Context, order.ConfirmRequest) (*order.Result, error) {
				if tt.err == nil {
					t.Fatal("service must not be called")
				}
				return nil, tt.err
			}})

			headers := map[string]string{"X-Request-ID": "req-1"}
			for k, v := range tt.header {
				headers[k] = v
			}
			w, body := do(t, srv, "/api/checkout/confirm", tt.body, headers)
			require.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantCode, body["code"])
			assert.NotEmpty(t, body["message"])
			assert.Equal(t, "req-1", body["requestId"])
			if tt.wantConfID != "" {
				assert.Equal(t, tt.wantConfID, body["confirmationId"])
				assert.NotContains(t, body["message"], "connection reset")
			} else {
				assert.NotContains(t, body, "confirmationId")
			}
		})
	}
}

func TestEligibleVouchers(t *testing.T) {
	var gotUser string
	var gotLines []order.Line
	srv := newServer(&stubCheckout{eligibleFn: func(_ context.Context, userID string, lines []order.Line, fee decimal.Decimal) ([]voucher.Offer, error) {
		gotUser, gotLines = userID, lines
		return []voucher.Offer{
			{
				Voucher: voucher.Voucher{
					Code: "SAVE10", Kind: voucher.KindPercentage, Value: d("10"),
					MinOrderValue: d("50000"), MaxDiscount: decimal.NewNullDecimal(d("15000")),
				},
				Verdict:  voucher.Verdict{Eligible: true, Message: "voucher SAVE10 applied"},
				Discount: d("15000"),
			},
			{
				Voucher: voucher.Voucher{Code: "SHOES", Kind: voucher.KindFixed, Value: d("25000"), MinOrderValue: d("0")},
				Verdict: voucher.Verdict{
					Message: "voucher cannot be applied",
					Reasons: []voucher.Reason{{Code: voucher.CodeScopeMismatch, Message: "voucher does not apply to any product in the cart"}},
				},
				Discount: decimal.Zero,
			},
		}, nil
	}})

	w, body := do(t, srv, "/api/vouchers/eligible",
		`{"userId":"u1","lines":[{"variantId":"shirt-m","quantity":2}],"shippingFee":20000}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", gotUser)
	assert.Equal(t, []order.Line{{VariantID: "shirt-m", Quantity: 2}}, gotLines)

	offers := body["offers"].([]any)
	require.Len(t, offers, 2)
	first := offers[0].(map[string]any)
	assert.Equal(t, "SAVE10", first["code"])
	assert.Equal(t, true, first["eligible"])
	assert.Equal(t, 15000.0, first["discount"])
	assert.Equal(t, 15000.0, first["maxDiscount"])
	assert.Equal(t, []any{}, first["reasons"])

	second := offers[1].(map[string]any)
	assert.Equal(t, false, second["eligible"])
	assert.NotContains(t, second, "maxDiscount")
	reasons := second["reasons"].([]any)
	require.Len(t, reasons, 1)
	assert.Equal(t, "VOUCHER_SCOPE_MISMATCH", reasons[0].(map[string]any)["code"])
}

func TestEligibleVouchers_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "missing user", err: order.ErrUserRequired, wantStatus: http.StatusBadRequest},
		{name: "unknown user", err: user.ErrNotFound, wantStatus: http.StatusNotFound},
		{name: "storage", err: errors.New("db down"), wantStatus: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(&stubCheckout{eligibleFn: func(context.Context, string, []order.Line, decimal.Decimal) ([]voucher.Offer, error) {
				return nil, tt.err
			}})
			w, _ := do(t, srv, "/api/vouchers/eligible", `{"userId":"u1","lines":[{"variantId":"shirt-m","quantity":1}]}`, nil)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestValidateCart(t *testing.T) {
	var got []stock.Line
	srv := newServer(&stubCheckout{validateFn: func(_ context.Context, lines []stock.Line) (stock.Report, error) {
		got = lines
		return stock.Report{Violations: map[string][]stock.Violation{
			"shirt-m": {{
				VariantID: "shirt-m", Reason: stock.ReasonInsufficient, Requested: 13, Available: 12,
				Message: "only 12 units of Linen Shirt available",
			}},
		}}, nil
	}})

	w, body := do(t, srv, "/api/cart/validate",
		`{"lines":[{"variantId":"shirt-m","quantity":5,"existingQuantity":8}]}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []stock.Line{{VariantID: "shirt-m", Quantity: 5, Existing: 8}}, got)

	assert.Equal(t, false, body["valid"])
	assert.Equal(t, map[string]any{"shirt-m": "only 12 units of Linen Shirt available"}, body["messages"])
	violations := body["violations"].([]any)
	require.Len(t, violations, 1)
	v := violations[0].(map[string]any)
	assert.Equal(t, "STOCK_INSUFFICIENT", v["reason"])
	assert.Equal(t, 13.0, v["requested"])
	assert.Equal(t, 12.0, v["available"])
}

func TestValidateCart_Valid(t *testing.T) {
	srv := newServer(&stubCheckout{validateFn: func(context.Context, []stock.Line) (stock.Report, error) {
		return stock.Report{Violations: map[string][]stock.Violation{}}, nil
	}})

	w, body := do(t, srv, "/api/cart/validate", `{"lines":[{"variantId":"shirt-m","quantity":1}]}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, []any{}, body["violations"])
}

func TestValidateCart_Errors(t *testing.T) {
	srv := newServer(&stubCheckout{validateFn: func(context.Context, []stock.Line) (stock.Report, error) {
		return stock.Report{}, order.ErrEmptyLines
	}})
	w, _ := do(t, srv, "/api/cart/validate", `{"lines":[]}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, srv, "/api/cart/validate", `{"lines":{}}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	srv := newServer(&stubCheckout{})
	req := httptest.NewRequest(http.MethodGet, "/api/checkout/confirm", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
