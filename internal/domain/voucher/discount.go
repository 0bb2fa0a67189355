package voucher

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Amounts holds the outcome of applying a voucher to an order.
type Amounts struct {
	Discount decimal.Decimal
	Final    decimal.Decimal
}

// Calculate computes the discount v grants on subtotal and the amount left to
// pay once shippingFee is added. v is assumed eligible. Values are rounded
// half-up to 2 places and never negative.
func Calculate(subtotal, shippingFee decimal.Decimal, v Voucher) Amounts {
	subtotal = floorAtZero(subtotal).Round(2)
	shippingFee = floorAtZero(shippingFee).Round(2)

	var discount decimal.Decimal
	switch v.Kind {
	case KindPercentage:
		discount = subtotal.Mul(v.Value).Div(hundred).Round(2)
	case KindFixed:
		discount = decimal.Min(v.Value, subtotal).Round(2)
	default:
		discount = decimal.Zero
	}
	if v.MaxDiscount.Valid {
		discount = decimal.Min(discount, v.MaxDiscount.Decimal)
	}
	discount = floorAtZero(discount).Round(2)

	return Amounts{
		Discount: discount,
		Final:    Total(subtotal, shippingFee, discount),
	}
}

// Total returns max(0, subtotal + shippingFee - discount) rounded to 2 places.
func Total(subtotal, shippingFee, discount decimal.Decimal) decimal.Decimal {
	return floorAtZero(subtotal.Add(shippingFee).Sub(discount)).Round(2)
}

func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
