package handler

import (
	"context"
	"io"
	"net/http"
	"sort"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-voucher/pkg/httpmiddleware"
)

const maxBodySize = 64 << 10

// Error codes of non-2xx responses.
const (
	codeInvalidRequest = "INVALID_REQUEST"
	codeUserNotFound   = "USER_NOT_FOUND"
	codeInternal       = "INTERNAL_ERROR"
)

// apiError is the body of every non-2xx response.
type apiError struct {
	status         int
	code           string
	message        string
	confirmationID string
}

func badRequest(msg string) *apiError {
	return &apiError{status: http.StatusBadRequest, code: codeInvalidRequest, message: msg}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	return body, nil
}

// decodeDecimal accepts a JSON number or a numeric string.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(s)
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(n.String())
	case jx.Null:
		return decimal.Zero, d.Null()
	default:
		return decimal.Zero, errors.Errorf("expected number, got %s", d.Next())
	}
}

// decodeOptStr reads a string that may be null.
func decodeOptStr(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

func encodeMoney(e *jx.Encoder, v decimal.Decimal) {
	e.Raw([]byte(v.StringFixed(2)))
}

func encodeStrMap(e *jx.Encoder, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	e.ObjStart()
	for _, k := range keys {
		e.FieldStart(k)
		e.Str(m[k])
	}
	e.ObjEnd()
}

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func writeError(ctx context.Context, w http.ResponseWriter, apiErr *apiError) {
	requestID := httpmiddleware.RequestIDFromContext(ctx)
	writeJSON(w, apiErr.status, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("code")
		e.Str(apiErr.code)
		e.FieldStart("message")
		e.Str(apiErr.message)
		if requestID != "" {
			e.FieldStart("requestId")
			e.Str(requestID)
		}
		if apiErr.confirmationID != "" {
			e.FieldStart("confirmationId")
			e.Str(apiErr.confirmationID)
		}
		e.ObjEnd()
	})
}

// writeInternal logs err and answers 500 without leaking it.
func writeInternal(ctx context.Context, w http.ResponseWriter, msg, confirmationID string, err error) {
	zctx.From(ctx).Error(msg,
		zap.String("confirmation_id", confirmationID),
		zap.Error(err),
	)
	writeError(ctx, w, &apiError{
		status:         http.StatusInternalServerError,
		code:           codeInternal,
		message:        "internal error",
		confirmationID: confirmationID,
	})
}
