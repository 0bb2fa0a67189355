package voucher

import "fmt"

// Code identifies why a voucher could not be applied. Codes are reported to
// the caller, never returned as errors.
type Code string

const (
	CodeNotFound          Code = "VOUCHER_NOT_FOUND"
	CodeExpired           Code = "VOUCHER_EXPIRED"
	CodeInactive          Code = "VOUCHER_INACTIVE"
	CodeUsageLimitReached Code = "VOUCHER_USAGE_LIMIT_REACHED"
	CodeUserLimitReached  Code = "VOUCHER_USER_LIMIT_REACHED"
	CodeScopeMismatch     Code = "VOUCHER_SCOPE_MISMATCH"
	CodeMinOrderNotMet    Code = "VOUCHER_MIN_ORDER_NOT_MET"
)

// Reason is one failed eligibility condition.
type Reason struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (r Reason) String() string {
	return r.Message
}

// Limit tells which cap a redemption ran into.
type Limit int

const (
	LimitGlobal Limit = iota + 1
	LimitPerUser
)

func (l Limit) String() string {
	switch l {
	case LimitGlobal:
		return "global"
	case LimitPerUser:
		return "per-user"
	default:
		return fmt.Sprintf("Limit(%d)", int(l))
	}
}

// LimitError is returned by Ledger.TryRedeem when a cap is already reached.
type LimitError struct {
	VoucherID string
	Limit     Limit
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("voucher %s: %s usage limit reached", e.VoucherID, e.Limit)
}

// Is reports ErrUsageLimitReached as a match.
func (e *LimitError) Is(target error) bool {
	return target == ErrUsageLimitReached
}

// Reason converts the error into the reason reported to the caller.
func (e *LimitError) Reason() Reason {
	if e.Limit == LimitPerUser {
		return Reason{Code: CodeUserLimitReached, Message: "you have already used this voucher the maximum number of times"}
	}
	return Reason{Code: CodeUsageLimitReached, Message: "voucher has reached its usage limit"}
}

// NotFoundReason is reported when a code does not resolve to a voucher.
func NotFoundReason(code string) Reason {
	return Reason{Code: CodeNotFound, Message: fmt.Sprintf("voucher %q does not exist", code)}
}
