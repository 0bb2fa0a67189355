package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-voucher/internal/domain/order"
	"github.com/xenking/kart-voucher/internal/domain/user"
	"github.com/xenking/kart-voucher/internal/domain/voucher"
)

type eligibleRequest struct {
	userID      string
	lines       []order.Line
	shippingFee decimal.Decimal
}

// eligibleVouchers handles POST /vouchers/eligible.
func (h *Handler) eligibleVouchers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := readBody(w, r)
	if err != nil {
		writeError(ctx, w, badRequest(err.Error()))
		return
	}
	req, err := decodeEligibleRequest(body)
	if err != nil {
		writeError(ctx, w, badRequest(err.Error()))
		return
	}

	offers, err := h.checkout.EligibleVouchers(ctx, req.userID, req.lines, req.shippingFee)
	switch {
	case err == nil:
	case errors.Is(err, order.ErrUserRequired),
		errors.Is(err, order.ErrEmptyLines),
		errors.Is(err, order.ErrNegativeShippingFee):
		writeError(ctx, w, badRequest(err.Error()))
		return
	case errors.Is(err, user.ErrNotFound):
		writeError(ctx, w, &apiError{status: http.StatusNotFound, code: codeUserNotFound, message: "user not found"})
		return
	default:
		writeInternal(ctx, w, "Listing vouchers failed", "", err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("offers")
		e.ArrStart()
		for _, o := range offers {
			encodeOffer(e, o)
		}
		e.ArrEnd()
		e.ObjEnd()
	})
}

func decodeEligibleRequest(body []byte) (eligibleRequest, error) {
	var req eligibleRequest
	d := jx.DecodeBytes(body)
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "userId":
			req.userID, err = d.Str()
		case "lines":
			req.lines, err = decodeLines(d)
		case "shippingFee":
			req.shippingFee, err = decodeDecimal(d)
		default:
			return d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "decode %s", key)
		}
		return nil
	})
	if err != nil {
		return eligibleRequest{}, err
	}
	return req, nil
}

func encodeOffer(e *jx.Encoder, o voucher.Offer) {
	e.ObjStart()
	e.FieldStart("code")
	e.Str(o.Voucher.Code)
	e.FieldStart("kind")
	e.Str(string(o.Voucher.Kind))
	e.FieldStart("value")
	encodeMoney(e, o.Voucher.Value)
	if o.Voucher.MaxDiscount.Valid {
		e.FieldStart("maxDiscount")
		encodeMoney(e, o.Voucher.MaxDiscount.Decimal)
	}
	e.FieldStart("minOrderValue")
	encodeMoney(e, o.Voucher.MinOrderValue)
	e.FieldStart("eligible")
	e.Bool(o.Verdict.Eligible)
	e.FieldStart("message")
	e.Str(o.Verdict.Message)
	e.FieldStart("discount")
	encodeMoney(e, o.Discount)
	e.FieldStart("reasons")
	e.ArrStart()
	for _, reason := range o.Verdict.Reasons {
		e.ObjStart()
		e.FieldStart("code")
		e.Str(string(reason.Code))
		e.FieldStart("message")
		e.Str(reason.Message)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.ObjEnd()
}
