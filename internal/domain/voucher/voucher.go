package voucher

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Kind enumerates the supported discount strategies.
type Kind string

const (
	// KindPercentage takes a percentage of the subtotal, optionally capped.
	KindPercentage Kind = "PERCENTAGE"
	// KindFixed takes a fixed amount, never more than the subtotal.
	KindFixed Kind = "FIXED"
)

// ScopeKind restricts what a voucher applies to.
type ScopeKind string

const (
	ScopeProduct  ScopeKind = "PRODUCT"
	ScopeCategory ScopeKind = "CATEGORY"
	ScopeGlobal   ScopeKind = "GLOBAL"
)

var (
	// ErrNotFound is returned when no voucher matches the requested code.
	ErrNotFound = errors.New("voucher not found")
	// ErrUsageLimitReached is matched by every *LimitError.
	ErrUsageLimitReached = errors.New("voucher usage limit reached")
	// ErrAlreadyRedeemed is returned when a redemption for the same
	// voucher and order already exists.
	ErrAlreadyRedeemed = errors.New("voucher already redeemed for order")
)

// Scope is a single applicability entry of a voucher.
type Scope struct {
	Kind   ScopeKind
	Target string
}

// Voucher is a promotional code together with its discount rule, validity
// window and usage caps. A zero cap means unlimited; zero StartsAt/EndsAt
// leave that end of the window open.
type Voucher struct {
	ID              string
	Code            string
	Kind            Kind
	Value           decimal.Decimal
	MinOrderValue   decimal.Decimal
	MaxDiscount     decimal.NullDecimal
	StartsAt        time.Time
	EndsAt          time.Time
	MaxUsageTotal   int
	UsageCount      int
	MaxUsagePerUser int
	Active          bool
	Scopes          []Scope
}

// Redemption is the append-only ledger entry written when a voucher is
// applied to a confirmed order.
type Redemption struct {
	VoucherID  string
	OrderID    string
	UserID     string
	Discount   decimal.Decimal
	RedeemedAt time.Time
}

// Store provides read access to voucher definitions and usage counters.
type Store interface {
	// FindByCode returns the voucher with the given code, compared
	// case-insensitively. Returns ErrNotFound when there is none.
	FindByCode(ctx context.Context, code string) (*Voucher, error)
	// ListActive returns all active vouchers whose window contains now.
	ListActive(ctx context.Context, now time.Time) ([]Voucher, error)
	// UserUsage returns how many times userID redeemed voucherID.
	UserUsage(ctx context.Context, voucherID, userID string) (int, error)
	// UserUsages returns per-voucher usage counts for userID. Vouchers the
	// user never redeemed are absent.
	UserUsages(ctx context.Context, userID string) (map[string]int, error)
}

// Ledger is the only mutator of voucher usage counters.
//
// TryRedeem re-checks the global and per-user caps against committed state,
// and either increments both counters and appends the record, or returns a
// *LimitError leaving everything untouched. Both outcomes are atomic.
type Ledger interface {
	TryRedeem(ctx context.Context, r Redemption) error
}
