package handler

import (
	"context"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-voucher/internal/domain/order"
	"github.com/xenking/kart-voucher/internal/domain/stock"
	"github.com/xenking/kart-voucher/internal/domain/voucher"
)

// Checkout is the order service surface exposed over HTTP.
type Checkout interface {
	Confirm(ctx context.Context, req order.ConfirmRequest) (*order.Result, error)
	EligibleVouchers(ctx context.Context, userID string, lines []order.Line, shippingFee decimal.Decimal) ([]voucher.Offer, error)
	ValidateLines(ctx context.Context, lines []stock.Line) (stock.Report, error)
}

var _ Checkout = (*order.Service)(nil)

// Handler serves the checkout API.
type Handler struct {
	checkout Checkout
}

// NewHandler constructs a Handler delegating to checkout.
func NewHandler(checkout Checkout) *Handler {
	return &Handler{checkout: checkout}
}

// Routes registers the API endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/checkout/confirm", h.confirm)
	r.Post("/vouchers/eligible", h.eligibleVouchers)
	r.Post("/cart/validate", h.validateCart)
}
