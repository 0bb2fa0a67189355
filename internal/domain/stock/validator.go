package stock

import (
	"fmt"
	"sort"
	"strings"
)

// Rules configures the inventory protection thresholds.
type Rules struct {
	// MinStockForOnline is the level below which a variant is kept for
	// offline sale only.
	MinStockForOnline int
	// LargeQuantityThreshold is the per-variant quantity from which an order
	// needs manual assistance.
	LargeQuantityThreshold int
}

// DefaultRules returns the stock rules used when none are configured.
func DefaultRules() Rules {
	return Rules{MinStockForOnline: 10, LargeQuantityThreshold: 20}
}

// Reason classifies a stock rule violation.
type Reason string

const (
	ReasonVariantNotFound    Reason = "VARIANT_NOT_FOUND"
	ReasonInvalidQuantity    Reason = "INVALID_QUANTITY"
	ReasonReservedForOffline Reason = "RESERVED_FOR_OFFLINE"
	ReasonLargeQuantity      Reason = "QUANTITY_THRESHOLD_EXCEEDED"
	ReasonInsufficient       Reason = "STOCK_INSUFFICIENT"
)

// Line is a quantity request for a variant. Existing is what the shopper
// already holds in the cart; it is zero when a whole cart is confirmed.
type Line struct {
	VariantID string
	Quantity  int
	Existing  int
}

// Total returns the quantity the line asks for in the end.
func (l Line) Total() int {
	return l.Existing + l.Quantity
}

// Violation is a single broken rule for a variant.
type Violation struct {
	VariantID string
	Reason    Reason
	Requested int
	Available int
	Message   string
}

// Report lists every violation, grouped by variant.
type Report struct {
	Violations map[string][]Violation
}

// OK reports whether no rule was broken.
func (r Report) OK() bool {
	return len(r.Violations) == 0
}

// Messages returns one message per failing variant, joining multiple
// violations for the same variant with "; ".
func (r Report) Messages() map[string]string {
	out := make(map[string]string, len(r.Violations))
	for id, vs := range r.Violations {
		msgs := make([]string, len(vs))
		for i, v := range vs {
			msgs[i] = v.Message
		}
		out[id] = strings.Join(msgs, "; ")
	}
	return out
}

// VariantIDs returns the failing variant ids in sorted order.
func (r Report) VariantIDs() []string {
	ids := make([]string, 0, len(r.Violations))
	for id := range r.Violations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validator applies Rules to cart lines.
type Validator struct {
	rules Rules
}

// NewValidator creates a Validator. Zero thresholds fall back to the
// defaults.
func NewValidator(rules Rules) *Validator {
	def := DefaultRules()
	if rules.MinStockForOnline <= 0 {
		rules.MinStockForOnline = def.MinStockForOnline
	}
	if rules.LargeQuantityThreshold <= 0 {
		rules.LargeQuantityThreshold = def.LargeQuantityThreshold
	}
	return &Validator{rules: rules}
}

// Rules returns the thresholds in effect.
func (v *Validator) Rules() Rules {
	return v.rules
}

// Validate checks every line against stocks. Each raw line must carry a
// positive quantity; valid lines for the same variant are then merged. All
// violations of all lines are collected.
func (v *Validator) Validate(lines []Line, stocks map[string]VariantStock) Report {
	report := Report{Violations: make(map[string][]Violation)}
	for _, line := range Aggregate(lines) {
		s, ok := stocks[line.VariantID]
		var found *VariantStock
		if ok {
			found = &s
		}
		if bad, invalid := firstInvalid(lines, line.VariantID); invalid && found != nil {
			report.Violations[line.VariantID] = v.CheckLine(bad, found)
			continue
		}
		if vs := v.CheckLine(line, found); len(vs) > 0 {
			report.Violations[line.VariantID] = vs
		}
	}
	return report
}

// firstInvalid returns the first raw line for variantID with a non-positive
// quantity or a negative existing quantity.
func firstInvalid(lines []Line, variantID string) (Line, bool) {
	for _, l := range lines {
		if l.VariantID == variantID && (l.Quantity <= 0 || l.Existing < 0) {
			return l, true
		}
	}
	return Line{}, false
}

// CheckLine evaluates one line against its stock snapshot. A nil snapshot
// means the variant does not exist.
func (v *Validator) CheckLine(line Line, s *VariantStock) []Violation {
	if s == nil {
		return []Violation{{
			VariantID: line.VariantID,
			Reason:    ReasonVariantNotFound,
			Requested: line.Total(),
			Message:   fmt.Sprintf("variant %s does not exist", line.VariantID),
		}}
	}
	if line.Quantity <= 0 || line.Existing < 0 {
		return []Violation{{
			VariantID: line.VariantID,
			Reason:    ReasonInvalidQuantity,
			Requested: line.Quantity,
			Available: s.QuantityInStock,
			Message:   "quantity must be greater than 0",
		}}
	}

	var out []Violation
	total := line.Total()
	if s.QuantityInStock < v.rules.MinStockForOnline {
		out = append(out, Violation{
			VariantID: line.VariantID,
			Reason:    ReasonReservedForOffline,
			Requested: total,
			Available: s.QuantityInStock,
			Message:   fmt.Sprintf("%s is only available in store", s.ProductName),
		})
	}
	if total >= v.rules.LargeQuantityThreshold {
		out = append(out, Violation{
			VariantID: line.VariantID,
			Reason:    ReasonLargeQuantity,
			Requested: total,
			Available: s.QuantityInStock,
			Message: fmt.Sprintf("orders of %d or more units of %s need assistance from our staff",
				v.rules.LargeQuantityThreshold, s.ProductName),
		})
	}
	if total > s.QuantityInStock {
		out = append(out, Violation{
			VariantID: line.VariantID,
			Reason:    ReasonInsufficient,
			Requested: total,
			Available: s.QuantityInStock,
			Message:   fmt.Sprintf("only %d units of %s available", s.QuantityInStock, s.ProductName),
		})
	}
	return out
}

// Aggregate merges lines by variant, keeping first-seen order.
func Aggregate(lines []Line) []Line {
	idx := make(map[string]int, len(lines))
	out := make([]Line, 0, len(lines))
	for _, l := range lines {
		if i, ok := idx[l.VariantID]; ok {
			out[i].Quantity += l.Quantity
			out[i].Existing += l.Existing
			continue
		}
		idx[l.VariantID] = len(out)
		out = append(out, l)
	}
	return out
}
