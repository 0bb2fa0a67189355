// Package seed loads users, variants and vouchers from a JSON fixture file
// into a storage backend.
package seed

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-voucher/internal/domain/stock"
	"github.com/xenking/kart-voucher/internal/domain/user"
	"github.com/xenking/kart-voucher/internal/domain/voucher"
)

// File is the on-disk fixture layout.
type File struct {
	Users    []User    `json:"users"`
	Variants []Variant `json:"variants"`
	Vouchers []Voucher `json:"vouchers"`
}

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Variant struct {
	ID          string           `json:"id"`
	ProductID   string           `json:"productId"`
	CategoryID  string           `json:"categoryId"`
	ProductName string           `json:"productName"`
	Price       decimal.Decimal  `json:"price"`
	SalePrice   *decimal.Decimal `json:"salePrice,omitempty"`
	Stock       int              `json:"stock"`
}

type Scope struct {
	Kind   string `json:"kind"`
	Target string `json:"target"`
}

type Voucher struct {
	ID              string           `json:"id"`
	Code            string           `json:"code"`
	Kind            string           `json:"kind"`
	Value           decimal.Decimal  `json:"value"`
	MinOrderValue   decimal.Decimal  `json:"minOrderValue"`
	MaxDiscount     *decimal.Decimal `json:"maxDiscount,omitempty"`
	StartsAt        *time.Time       `json:"startsAt,omitempty"`
	EndsAt          *time.Time       `json:"endsAt,omitempty"`
	MaxUsageTotal   int              `json:"maxUsageTotal"`
	MaxUsagePerUser int              `json:"maxUsagePerUser"`
	Active          *bool            `json:"active,omitempty"`
	Scopes          []Scope          `json:"scopes"`
}

// Sink receives converted fixtures. Implementations must upsert.
type Sink interface {
	PutUser(ctx context.Context, u user.User) error
	PutVariant(ctx context.Context, v stock.VariantStock) error
	PutVoucher(ctx context.Context, v voucher.Voucher) error
}

// Stats counts what Apply wrote.
type Stats struct {
	Users    int
	Variants int
	Vouchers int
}

// Load reads and parses a fixture file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read seed file")
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "parse seed file")
	}
	return &f, nil
}

// Apply writes users, then variants, then vouchers. It stops at the first
// invalid or rejected entry.
func (f *File) Apply(ctx context.Context, sink Sink) (Stats, error) {
	var st Stats
	for _, u := range f.Users {
		if u.ID == "" {
			return st, errors.New("user without id")
		}
		if err := sink.PutUser(ctx, user.User{ID: u.ID, Name: u.Name, Email: u.Email}); err != nil {
			return st, errors.Wrapf(err, "put user %s", u.ID)
		}
		st.Users++
	}
	for _, v := range f.Variants {
		vs, err := v.toDomain()
		if err != nil {
			return st, errors.Wrapf(err, "variant %s", v.ID)
		}
		if err := sink.PutVariant(ctx, vs); err != nil {
			return st, errors.Wrapf(err, "put variant %s", v.ID)
		}
		st.Variants++
	}
	for _, v := range f.Vouchers {
		vv, err := v.ToDomain()
		if err != nil {
			return st, errors.Wrapf(err, "voucher %s", v.Code)
		}
		if err := sink.PutVoucher(ctx, vv); err != nil {
			return st, errors.Wrapf(err, "put voucher %s", v.Code)
		}
		st.Vouchers++
	}
	return st, nil
}

func (v Variant) toDomain() (stock.VariantStock, error) {
	if v.ID == "" || v.ProductID == "" {
		return stock.VariantStock{}, errors.New("id and productId are required")
	}
	if v.Price.IsNegative() {
		return stock.VariantStock{}, errors.New("negative price")
	}
	if v.Stock < 0 {
		return stock.VariantStock{}, errors.New("negative stock")
	}
	out := stock.VariantStock{
		VariantID:       v.ID,
		ProductID:       v.ProductID,
		CategoryID:      v.CategoryID,
		ProductName:     v.ProductName,
		Price:           v.Price,
		QuantityInStock: v.Stock,
	}
	if v.SalePrice != nil {
		out.SalePrice = decimal.NewNullDecimal(*v.SalePrice)
	}
	return out, nil
}

// ToDomain validates the fixture and converts it to a voucher definition.
// Active defaults to true.
func (v Voucher) ToDomain() (voucher.Voucher, error) {
	if v.ID == "" || strings.TrimSpace(v.Code) == "" {
		return voucher.Voucher{}, errors.New("id and code are required")
	}
	kind := voucher.Kind(strings.ToUpper(v.Kind))
	switch kind {
	case voucher.KindPercentage:
		if v.Value.GreaterThan(decimal.NewFromInt(100)) {
			return voucher.Voucher{}, errors.New("percentage above 100")
		}
	case voucher.KindFixed:
	default:
		return voucher.Voucher{}, errors.Errorf("unknown kind %q", v.Kind)
	}
	if v.Value.IsNegative() || v.MinOrderValue.IsNegative() {
		return voucher.Voucher{}, errors.New("negative amount")
	}
	if v.MaxUsageTotal < 0 || v.MaxUsagePerUser < 0 {
		return voucher.Voucher{}, errors.New("negative usage cap")
	}

	out := voucher.Voucher{
		ID:              v.ID,
		Code:            strings.TrimSpace(v.Code),
		Kind:            kind,
		Value:           v.Value,
		MinOrderValue:   v.MinOrderValue,
		MaxUsageTotal:   v.MaxUsageTotal,
		MaxUsagePerUser: v.MaxUsagePerUser,
		Active:          v.Active == nil || *v.Active,
	}
	if v.MaxDiscount != nil {
		out.MaxDiscount = decimal.NewNullDecimal(*v.MaxDiscount)
	}
	if v.StartsAt != nil {
		out.StartsAt = *v.StartsAt
	}
	if v.EndsAt != nil {
		out.EndsAt = *v.EndsAt
	}
	if !out.StartsAt.IsZero() && !out.EndsAt.IsZero() && out.EndsAt.Before(out.StartsAt) {
		return voucher.Voucher{}, errors.New("endsAt before startsAt")
	}
	for _, s := range v.Scopes {
		sk := voucher.ScopeKind(strings.ToUpper(s.Kind))
		switch sk {
		case voucher.ScopeGlobal:
		case voucher.ScopeProduct, voucher.ScopeCategory:
			if s.Target == "" {
				return voucher.Voucher{}, errors.Errorf("%s scope without target", sk)
			}
		default:
			return voucher.Voucher{}, errors.Errorf("unknown scope kind %q", s.Kind)
		}
		out.Scopes = append(out.Scopes, voucher.Scope{Kind: sk, Target: s.Target})
	}
	return out, nil
}
