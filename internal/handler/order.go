package handler

import (
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-voucher/internal/domain/order"
	"github.com/xenking/kart-voucher/internal/domain/user"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayHeader      = "X-Idempotent-Replay"
	maxIdempotencyKey = 128
)

// confirm handles POST /checkout/confirm. Every business outcome, rejections
// included, is answered with 200 and the confirmation result.
func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := readBody(w, r)
	if err != nil {
		writeError(ctx, w, badRequest(err.Error()))
		return
	}
	req, err := decodeConfirmRequest(body)
	if err != nil {
		writeError(ctx, w, badRequest(err.Error()))
		return
	}
	req.IdempotencyKey = strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if len(req.IdempotencyKey) > maxIdempotencyKey {
		writeError(ctx, w, badRequest("idempotency key too long"))
		return
	}

	res, err := h.checkout.Confirm(ctx, req)
	if err != nil {
		h.confirmError(w, r, err)
		return
	}

	if res.Replayed {
		w.Header().Set(replayHeader, "true")
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeResult(e, res)
	})
}

func (h *Handler) confirmError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	var lineErr *order.InvalidLineError
	switch {
	case errors.Is(err, order.ErrUserRequired),
		errors.Is(err, order.ErrEmptyLines),
		errors.Is(err, order.ErrNegativeShippingFee),
		errors.As(err, &lineErr):
		writeError(ctx, w, badRequest(err.Error()))
		return
	case errors.Is(err, user.ErrNotFound):
		writeError(ctx, w, &apiError{status: http.StatusNotFound, code: codeUserNotFound, message: "user not found"})
		return
	}

	var storageErr *order.StorageError
	confirmationID := ""
	if errors.As(err, &storageErr) {
		confirmationID = storageErr.ConfirmationID
	}
	writeInternal(ctx, w, "Confirmation failed", confirmationID, err)
}

func decodeConfirmRequest(body []byte) (order.ConfirmRequest, error) {
	var req order.ConfirmRequest
	d := jx.DecodeBytes(body)
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "userId":
			req.UserID, err = d.Str()
		case "lines":
			req.Lines, err = decodeLines(d)
		case "voucherCode":
			req.VoucherCode, err = decodeOptStr(d)
			req.VoucherCode = strings.TrimSpace(req.VoucherCode)
		case "allowWaitingOrder":
			req.AllowWaitingOrder, err = d.Bool()
		case "shippingFee":
			req.ShippingFee, err = decodeDecimal(d)
		default:
			return d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "decode %s", key)
		}
		return nil
	})
	if err != nil {
		return order.ConfirmRequest{}, err
	}
	return req, nil
}

func decodeLines(d *jx.Decoder) ([]order.Line, error) {
	var lines []order.Line
	err := d.Arr(func(d *jx.Decoder) error {
		var l order.Line
		if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
			var err error
			switch string(key) {
			case "variantId":
				l.VariantID, err = d.Str()
			case "quantity":
				l.Quantity, err = d.Int()
			default:
				return d.Skip()
			}
			return err
		}); err != nil {
			return err
		}
		lines = append(lines, l)
		return nil
	})
	return lines, err
}

func encodeResult(e *jx.Encoder, res *order.Result) {
	e.ObjStart()
	if res.OrderID != "" {
		e.FieldStart("orderId")
		e.Str(res.OrderID)
	}
	e.FieldStart("orderStatus")
	e.Str(string(res.Status))

	e.FieldStart("items")
	e.ArrStart()
	for _, it := range res.Items {
		e.ObjStart()
		e.FieldStart("variantId")
		e.Str(it.VariantID)
		e.FieldStart("productName")
		e.Str(it.ProductName)
		e.FieldStart("quantity")
		e.Int(it.Quantity)
		e.FieldStart("unitPrice")
		encodeMoney(e, it.UnitPrice)
		e.FieldStart("totalPrice")
		encodeMoney(e, it.TotalPrice)
		e.ObjEnd()
	}
	e.ArrEnd()

	e.FieldStart("subtotal")
	encodeMoney(e, res.Subtotal)
	e.FieldStart("shippingFee")
	encodeMoney(e, res.ShippingFee)
	e.FieldStart("discount")
	encodeMoney(e, res.Discount)
	e.FieldStart("finalAmount")
	encodeMoney(e, res.FinalAmount)
	e.FieldStart("canProceed")
	e.Bool(res.CanProceed)
	e.FieldStart("waitingForStock")
	e.Bool(res.WaitingForStock)
	e.FieldStart("outOfStockMessages")
	encodeStrMap(e, res.OutOfStockMessages)

	if res.VoucherCode != "" {
		e.FieldStart("voucherCode")
		e.Str(res.VoucherCode)
	}
	if len(res.VoucherRejectionReasons) > 0 {
		e.FieldStart("voucherRejectionReasons")
		e.ArrStart()
		for _, reason := range res.VoucherRejectionReasons {
			e.Str(reason.Message)
		}
		e.ArrEnd()
		e.FieldStart("voucherRejectionCodes")
		e.ArrStart()
		for _, reason := range res.VoucherRejectionReasons {
			e.Str(string(reason.Code))
		}
		e.ArrEnd()
	}
	e.FieldStart("replayed")
	e.Bool(res.Replayed)
	e.ObjEnd()
}
