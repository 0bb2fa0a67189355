package stock

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrVariantNotFound is returned when a requested variant does not exist.
var ErrVariantNotFound = errors.New("variant not found")

// VariantStock is a read-only snapshot of a variant's price and inventory.
type VariantStock struct {
	VariantID       string
	ProductID       string
	CategoryID      string
	ProductName     string
	Price           decimal.Decimal
	SalePrice       decimal.NullDecimal
	QuantityInStock int
}

// UnitPrice is the price a shopper pays for one unit: the sale price when it
// is set, positive and below the list price, otherwise the list price.
func (v VariantStock) UnitPrice() decimal.Decimal {
	if v.SalePrice.Valid && v.SalePrice.Decimal.IsPositive() && v.SalePrice.Decimal.LessThan(v.Price) {
		return v.SalePrice.Decimal
	}
	return v.Price
}

// Catalog reads variant stock snapshots.
type Catalog interface {
	// GetVariantStock returns a single variant or ErrVariantNotFound.
	GetVariantStock(ctx context.Context, variantID string) (*VariantStock, error)
	// GetVariantStocks returns the variants matching ids. Unknown ids are
	// silently absent from the result.
	GetVariantStocks(ctx context.Context, ids []string) ([]VariantStock, error)
}

// Ledger mutates stock counts. Decrement must check and subtract in one
// atomic step, failing with *InsufficientError when fewer than qty units
// remain.
type Ledger interface {
	Decrement(ctx context.Context, variantID string, qty int) error
}

// InsufficientError is returned by Ledger.Decrement when the guard fails.
type InsufficientError struct {
	VariantID string
	Requested int
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("variant %s: insufficient stock for %d units", e.VariantID, e.Requested)
}

// ByID indexes stocks by variant id.
func ByID(stocks []VariantStock) map[string]VariantStock {
	m := make(map[string]VariantStock, len(stocks))
	for _, s := range stocks {
		m[s.VariantID] = s
	}
	return m
}
