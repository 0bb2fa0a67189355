package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-voucher/internal/domain/order"
	"github.com/xenking/kart-voucher/internal/domain/stock"
)

// validateCart handles POST /cart/validate, the check run when a shopper adds
// to or updates a cart line.
func (h *Handler) validateCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := readBody(w, r)
	if err != nil {
		writeError(ctx, w, badRequest(err.Error()))
		return
	}
	lines, err := decodeStockLines(body)
	if err != nil {
		writeError(ctx, w, badRequest(err.Error()))
		return
	}

	report, err := h.checkout.ValidateLines(ctx, lines)
	if err != nil {
		var lineErr *order.InvalidLineError
		if errors.Is(err, order.ErrEmptyLines) || errors.As(err, &lineErr) {
			writeError(ctx, w, badRequest(err.Error()))
			return
		}
		writeInternal(ctx, w, "Cart validation failed", "", err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("valid")
		e.Bool(report.OK())
		e.FieldStart("messages")
		encodeStrMap(e, report.Messages())
		e.FieldStart("violations")
		e.ArrStart()
		for _, id := range report.VariantIDs() {
			for _, v := range report.Violations[id] {
				e.ObjStart()
				e.FieldStart("variantId")
				e.Str(v.VariantID)
				e.FieldStart("reason")
				e.Str(string(v.Reason))
				e.FieldStart("requested")
				e.Int(v.Requested)
				e.FieldStart("available")
				e.Int(v.Available)
				e.FieldStart("message")
				e.Str(v.Message)
				e.ObjEnd()
			}
		}
		e.ArrEnd()
		e.ObjEnd()
	})
}

func decodeStockLines(body []byte) ([]stock.Line, error) {
	var lines []stock.Line
	d := jx.DecodeBytes(body)
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "lines" {
			return d.Skip()
		}
		return d.Arr(func(d *jx.Decoder) error {
			var l stock.Line
			if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
				var err error
				switch string(key) {
				case "variantId":
					l.VariantID, err = d.Str()
				case "quantity":
					l.Quantity, err = d.Int()
				case "existingQuantity":
					l.Existing, err = d.Int()
				default:
					return d.Skip()
				}
				return err
			}); err != nil {
				return errors.Wrap(err, "decode line")
			}
			lines = append(lines, l)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return lines, nil
}
