package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-voucher/internal/domain/stock"
	"github.com/xenking/kart-voucher/internal/domain/voucher"
	"github.com/xenking/kart-voucher/internal/outbox"
)

// Status is the terminal state of a confirmation attempt.
type Status string

const (
	StatusValidating      Status = "VALIDATING"
	StatusStockBlocked    Status = "STOCK_BLOCKED"
	StatusWaitingForStock Status = "WAITING_FOR_STOCK"
	StatusVoucherRejected Status = "VOUCHER_REJECTED"
	StatusConfirmed       Status = "CONFIRMED"
)

// TopicCreated is the outbox topic for confirmed orders.
const TopicCreated = "order.created"

// Order represents a confirmed order handed over to order management.
type Order struct {
	ID          string
	UserID      string
	Items       []Item
	Subtotal    decimal.Decimal
	ShippingFee decimal.Decimal
	Discount    decimal.Decimal
	Total       decimal.Decimal
	VoucherID   string
	VoucherCode string
	Status      Status
	CreatedAt   time.Time
}

// Item is a priced line of an order or confirmation result.
type Item struct {
	VariantID   string          `json:"variant_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TotalPrice  decimal.Decimal `json:"total_price"`
}

// CreatedEvent is the payload published when an order is confirmed.
type CreatedEvent struct {
	OrderID     string          `json:"order_id"`
	UserID      string          `json:"user_id"`
	Items       []Item          `json:"items"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	ShippingFee decimal.Decimal `json:"shipping_fee"`
	Discount    decimal.Decimal `json:"discount"`
	FinalAmount decimal.Decimal `json:"final_amount"`
	VoucherCode string          `json:"voucher_code,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Tx is the set of writes a confirmation performs. Every method runs inside
// the same transaction; nothing is visible to others until it commits.
type Tx interface {
	stock.Ledger
	voucher.Ledger

	// Create persists a confirmed order.
	Create(ctx context.Context, o *Order) error
	// Enqueue appends a message to the outbox.
	Enqueue(ctx context.Context, msg outbox.Message) error
	// ClaimConfirmation reserves an idempotency key for orderID. It returns
	// ErrDuplicateConfirmation when the key is already taken.
	ClaimConfirmation(ctx context.Context, userID, key, orderID string) error
	// CompleteConfirmation stores the result for a claimed key.
	CompleteConfirmation(ctx context.Context, userID, key string, res *Result) error
}

// Transactor runs confirmation writes atomically.
type Transactor interface {
	// WithinTx runs fn in a transaction committed when fn returns nil and
	// rolled back otherwise.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// FindConfirmation returns the stored result for an idempotency key or
	// ErrConfirmationNotFound.
	FindConfirmation(ctx context.Context, userID, key string) (*Result, error)
}
