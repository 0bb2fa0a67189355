package voucher

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Line is a cart line as seen by voucher rules.
type Line struct {
	VariantID  string
	ProductID  string
	CategoryID string
	UnitPrice  decimal.Decimal
	Quantity   int
}

// Cart is the set of lines a voucher is evaluated against.
type Cart struct {
	Lines    []Line
	Subtotal decimal.Decimal
}

// NewCart builds a Cart and derives its subtotal, rounded to 2 places.
func NewCart(lines []Line) Cart {
	subtotal := decimal.Zero
	for _, l := range lines {
		subtotal = subtotal.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return Cart{Lines: lines, Subtotal: subtotal.Round(2)}
}

// Verdict is the aggregated result of all eligibility checks.
type Verdict struct {
	Eligible bool
	Message  string
	Reasons  []Reason
}

// Codes returns the reason codes in evaluation order.
func (v Verdict) Codes() []Code {
	codes := make([]Code, len(v.Reasons))
	for i, r := range v.Reasons {
		codes[i] = r.Code
	}
	return codes
}

// Messages returns the human readable reasons in evaluation order.
func (v Verdict) Messages() []string {
	msgs := make([]string, len(v.Reasons))
	for i, r := range v.Reasons {
		msgs[i] = r.Message
	}
	return msgs
}

// Evaluate runs every eligibility check for v against cart, the user's
// current usage of v and the current time. Checks do not short-circuit: each
// unmet condition contributes a Reason.
func Evaluate(v Voucher, cart Cart, userUsage int, now time.Time) Verdict {
	var reasons []Reason

	if !v.Active {
		reasons = append(reasons, Reason{Code: CodeInactive, Message: "voucher is not active"})
	}
	if !v.StartsAt.IsZero() && now.Before(v.StartsAt) {
		reasons = append(reasons, Reason{
			Code:    CodeExpired,
			Message: fmt.Sprintf("voucher is valid from %s", v.StartsAt.UTC().Format(time.RFC3339)),
		})
	}
	if !v.EndsAt.IsZero() && now.After(v.EndsAt) {
		reasons = append(reasons, Reason{
			Code:    CodeExpired,
			Message: fmt.Sprintf("voucher expired at %s", v.EndsAt.UTC().Format(time.RFC3339)),
		})
	}
	if cart.Subtotal.LessThan(v.MinOrderValue) {
		reasons = append(reasons, Reason{
			Code:    CodeMinOrderNotMet,
			Message: fmt.Sprintf("order subtotal must be at least %s", v.MinOrderValue.StringFixed(2)),
		})
	}
	if v.MaxUsageTotal > 0 && v.UsageCount >= v.MaxUsageTotal {
		reasons = append(reasons, (&LimitError{VoucherID: v.ID, Limit: LimitGlobal}).Reason())
	}
	if v.MaxUsagePerUser > 0 && userUsage >= v.MaxUsagePerUser {
		reasons = append(reasons, (&LimitError{VoucherID: v.ID, Limit: LimitPerUser}).Reason())
	}
	if !MatchesScope(v.Scopes, cart.Lines) {
		reasons = append(reasons, Reason{
			Code:    CodeScopeMismatch,
			Message: "voucher does not apply to any product in the cart",
		})
	}

	if len(reasons) > 0 {
		return Verdict{Eligible: false, Message: "voucher cannot be applied", Reasons: reasons}
	}
	return Verdict{Eligible: true, Message: fmt.Sprintf("voucher %s applied", v.Code)}
}

// MatchesScope reports whether scopes admit at least one of lines. An empty
// scope list or any GLOBAL entry admits every cart.
func MatchesScope(scopes []Scope, lines []Line) bool {
	if len(scopes) == 0 {
		return true
	}
	products := make(map[string]struct{}, len(scopes))
	categories := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		switch s.Kind {
		case ScopeGlobal:
			return true
		case ScopeProduct:
			products[s.Target] = struct{}{}
		case ScopeCategory:
			categories[s.Target] = struct{}{}
		}
	}
	for _, l := range lines {
		if _, ok := products[l.ProductID]; ok {
			return true
		}
		if _, ok := categories[l.CategoryID]; ok {
			return true
		}
	}
	return false
}
