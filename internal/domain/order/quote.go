package order

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-voucher/internal/domain/stock"
	"github.com/xenking/kart-voucher/internal/domain/user"
	"github.com/xenking/kart-voucher/internal/domain/voucher"
)

// EligibleVouchers prices lines against the live catalog and evaluates every
// active voucher for that cart. Lines naming unknown variants are ignored.
func (s *Service) EligibleVouchers(ctx context.Context, userID string, lines []Line, shippingFee decimal.Decimal) ([]voucher.Offer, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	if len(lines) == 0 {
		return nil, ErrEmptyLines
	}
	if shippingFee.IsNegative() {
		return nil, ErrNegativeShippingFee
	}
	if _, err := s.users.GetByID(ctx, userID); err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil, err
		}
		return nil, errors.Wrap(err, "get user")
	}

	stocks, err := s.readStocks(ctx, lines)
	if err != nil {
		return nil, errors.Wrap(err, "read stock")
	}
	_, cart := priceLines(lines, stocks)

	offers, err := s.vouchers.ListForCart(ctx, userID, cart, shippingFee)
	if err != nil {
		return nil, errors.Wrap(err, "list vouchers")
	}
	return offers, nil
}

// ValidateLines runs the stock rules for add-to-cart and update flows, where
// each line carries the quantity already held in the cart.
func (s *Service) ValidateLines(ctx context.Context, lines []stock.Line) (stock.Report, error) {
	if len(lines) == 0 {
		return stock.Report{}, ErrEmptyLines
	}
	for i, l := range lines {
		if l.VariantID == "" {
			return stock.Report{}, &InvalidLineError{Index: i, Reason: "variant id required"}
		}
		if l.Quantity <= 0 {
			return stock.Report{}, &InvalidLineError{Index: i, Reason: "quantity must be greater than 0"}
		}
		if l.Existing < 0 {
			return stock.Report{}, &InvalidLineError{Index: i, Reason: "existing quantity must not be negative"}
		}
	}

	ids := make([]Line, len(lines))
	for i, l := range lines {
		ids[i] = Line{VariantID: l.VariantID}
	}
	stocks, err := s.readStocks(ctx, ids)
	if err != nil {
		return stock.Report{}, errors.Wrap(err, "read stock")
	}
	return s.validator.Validate(lines, stocks), nil
}
