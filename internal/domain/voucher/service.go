package voucher

import (
	"context"
	"sort"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Check is the result of resolving and evaluating a code for a cart.
type Check struct {
	Voucher *Voucher
	Verdict Verdict
	Amounts Amounts
}

// Offer is one voucher in the eligibility listing for a user's cart.
type Offer struct {
	Voucher Voucher
	Verdict Verdict
	// Discount is the projected discount; zero when not eligible.
	Discount decimal.Decimal
}

// Service resolves vouchers from a Store and evaluates them. It never mutates
// usage counters; that is left to the Ledger.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a Service backed by the given Store.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Check looks up code, reads the user's usage and evaluates the voucher. An
// unknown code is reported as a failed Verdict, not as an error. Returned
// errors come from the Store only.
func (s *Service) Check(ctx context.Context, code, userID string, cart Cart, shippingFee decimal.Decimal) (*Check, error) {
	v, err := s.store.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &Check{Verdict: Verdict{
				Message: "voucher cannot be applied",
				Reasons: []Reason{NotFoundReason(code)},
			}}, nil
		}
		return nil, errors.Wrap(err, "lookup voucher")
	}

	usage, err := s.store.UserUsage(ctx, v.ID, userID)
	if err != nil {
		return nil, errors.Wrap(err, "lookup user usage")
	}

	c := &Check{
		Voucher: v,
		Verdict: Evaluate(*v, cart, usage, s.now()),
	}
	if c.Verdict.Eligible {
		c.Amounts = Calculate(cart.Subtotal, shippingFee, *v)
	} else {
		c.Amounts = Amounts{Discount: decimal.Zero, Final: Total(cart.Subtotal, shippingFee, decimal.Zero)}
	}
	return c, nil
}

// ListForCart evaluates every active voucher against cart for userID.
// Eligible offers come first ordered by projected discount, largest first;
// ineligible ones follow ordered by how many conditions they miss.
func (s *Service) ListForCart(ctx context.Context, userID string, cart Cart, shippingFee decimal.Decimal) ([]Offer, error) {
	now := s.now()

	vouchers, err := s.store.ListActive(ctx, now)
	if err != nil {
		return nil, errors.Wrap(err, "list active vouchers")
	}
	usages, err := s.store.UserUsages(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list user usages")
	}

	offers := make([]Offer, 0, len(vouchers))
	for _, v := range vouchers {
		o := Offer{
			Voucher:  v,
			Verdict:  Evaluate(v, cart, usages[v.ID], now),
			Discount: decimal.Zero,
		}
		if o.Verdict.Eligible {
			o.Discount = Calculate(cart.Subtotal, shippingFee, v).Discount
		}
		offers = append(offers, o)
	}

	sort.SliceStable(offers, func(i, j int) bool {
		a, b := offers[i], offers[j]
		if a.Verdict.Eligible != b.Verdict.Eligible {
			return a.Verdict.Eligible
		}
		if a.Verdict.Eligible {
			if !a.Discount.Equal(b.Discount) {
				return a.Discount.GreaterThan(b.Discount)
			}
			return a.Voucher.Code < b.Voucher.Code
		}
		if len(a.Verdict.Reasons) != len(b.Verdict.Reasons) {
			return len(a.Verdict.Reasons) < len(b.Verdict.Reasons)
		}
		return a.Voucher.Code < b.Voucher.Code
	})
	return offers, nil
}
