package order

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/kart-voucher/internal/domain/stock"
	"github.com/xenking/kart-voucher/internal/domain/user"
	"github.com/xenking/kart-voucher/internal/domain/voucher"
	"github.com/xenking/kart-voucher/internal/outbox"
)

// Line is a requested variant and quantity.
type Line struct {
	VariantID string
	Quantity  int
}

// ConfirmRequest holds the input for confirming a cart.
type ConfirmRequest struct {
	UserID            string
	Lines             []Line
	VoucherCode       string
	AllowWaitingOrder bool
	ShippingFee       decimal.Decimal
	// IdempotencyKey is optional. A repeated key for the same user returns the
	// first stored result instead of confirming again.
	IdempotencyKey string
}

// Result is the outcome of a confirmation attempt. Business rejections are
// reported here, not as errors.
type Result struct {
	OrderID                 string            `json:"order_id,omitempty"`
	Status                  Status            `json:"status"`
	Items                   []Item            `json:"items"`
	Subtotal                decimal.Decimal   `json:"subtotal"`
	ShippingFee             decimal.Decimal   `json:"shipping_fee"`
	Discount                decimal.Decimal   `json:"discount"`
	FinalAmount             decimal.Decimal   `json:"final_amount"`
	CanProceed              bool              `json:"can_proceed"`
	WaitingForStock         bool              `json:"waiting_for_stock"`
	OutOfStockMessages      map[string]string `json:"out_of_stock_messages,omitempty"`
	VoucherCode             string            `json:"voucher_code,omitempty"`
	VoucherRejectionReasons []voucher.Reason  `json:"voucher_rejection_reasons,omitempty"`
	Replayed                bool              `json:"-"`
}

// Service confirms carts into orders.
type Service struct {
	users     user.Repository
	catalog   stock.Catalog
	validator *stock.Validator
	vouchers  *voucher.Service
	tx        Transactor

	now     func() time.Time
	newID   func() string
	tracer  trace.Tracer
	metrics *metrics
}

// NewService creates an order Service with the required domain dependencies.
func NewService(
	users user.Repository,
	catalog stock.Catalog,
	validator *stock.Validator,
	vouchers *voucher.Service,
	tx Transactor,
	opts ...Option,
) (*Service, error) {
	o := newOptions(opts)
	m, err := newMetrics(o.meterProvider)
	if err != nil {
		return nil, errors.Wrap(err, "init metrics")
	}
	return &Service{
		users:     users,
		catalog:   catalog,
		validator: validator,
		vouchers:  vouchers,
		tx:        tx,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
		tracer:    o.tracerProvider.Tracer(instrumentationName),
		metrics:   m,
	}, nil
}

// Confirm validates stock, evaluates the voucher and, when everything holds,
// commits the order in a single transaction: stock decrement, voucher
// redemption, order record and outbox event.
func (s *Service) Confirm(ctx context.Context, req ConfirmRequest) (res *Result, err error) {
	start := s.now()
	ctx, span := s.tracer.Start(ctx, "order.Confirm",
		trace.WithAttributes(
			attribute.String("user.id", req.UserID),
			attribute.Int("lines", len(req.Lines)),
			attribute.Bool("voucher", req.VoucherCode != ""),
		),
	)
	defer func() {
		status := "error"
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			status = string(res.Status)
			span.SetAttributes(attribute.String("order.status", status))
		}
		s.metrics.recordConfirmation(ctx, status, s.now().Sub(start))
		span.End()
	}()

	if err := validateRequest(req); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		stored, err := s.tx.FindConfirmation(ctx, req.UserID, req.IdempotencyKey)
		switch {
		case err == nil:
			stored.Replayed = true
			return stored, nil
		case !errors.Is(err, ErrConfirmationNotFound):
			return nil, &StorageError{Op: "find confirmation", Err: err}
		}
	}

	if _, err := s.users.GetByID(ctx, req.UserID); err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil, err
		}
		return nil, &StorageError{Op: "get user", Err: err}
	}

	stocks, err := s.readStocks(ctx, req.Lines)
	if err != nil {
		return nil, &StorageError{Op: "read stock", Err: err}
	}
	if r, blocked := s.checkStock(req, stocks); blocked {
		return r, nil
	}

	items, cart := priceLines(req.Lines, stocks)
	res = &Result{
		Status:      StatusValidating,
		Items:       items,
		Subtotal:    cart.Subtotal,
		ShippingFee: req.ShippingFee,
		Discount:    decimal.Zero,
		FinalAmount: voucher.Total(cart.Subtotal, req.ShippingFee, decimal.Zero),
	}

	var applied *voucher.Voucher
	if req.VoucherCode != "" {
		check, err := s.vouchers.Check(ctx, req.VoucherCode, req.UserID, cart, req.ShippingFee)
		if err != nil {
			return nil, &StorageError{Op: "check voucher", Err: err}
		}
		if !check.Verdict.Eligible {
			res.Status = StatusVoucherRejected
			res.VoucherCode = req.VoucherCode
			res.VoucherRejectionReasons = check.Verdict.Reasons
			return res, nil
		}
		applied = check.Voucher
		res.Discount = check.Amounts.Discount
		res.FinalAmount = check.Amounts.Final
		res.VoucherCode = check.Voucher.Code
	}

	return s.commit(ctx, req, res, applied)
}

func (s *Service) commit(ctx context.Context, req ConfirmRequest, draft *Result, applied *voucher.Voucher) (*Result, error) {
	orderID := s.newID()
	lg := zctx.From(ctx).With(zap.String("confirmation_id", orderID), zap.String("user_id", req.UserID))

	var committed *Result
	err := s.tx.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		res := *draft
		res.OrderID = orderID
		res.Status = StatusConfirmed
		res.CanProceed = true
		res.VoucherRejectionReasons = nil

		if req.IdempotencyKey != "" {
			if err := tx.ClaimConfirmation(ctx, req.UserID, req.IdempotencyKey, orderID); err != nil {
				return err
			}
		}

		lines := stock.Aggregate(toStockLines(req.Lines))
		// Lock variants in id order.
		sort.Slice(lines, func(i, j int) bool { return lines[i].VariantID < lines[j].VariantID })
		for _, l := range lines {
			if err := tx.Decrement(ctx, l.VariantID, l.Quantity); err != nil {
				return err
			}
		}

		if applied != nil {
			err := tx.TryRedeem(ctx, voucher.Redemption{
				VoucherID:  applied.ID,
				OrderID:    orderID,
				UserID:     req.UserID,
				Discount:   res.Discount,
				RedeemedAt: s.now().UTC(),
			})
			var limitErr *voucher.LimitError
			switch {
			case err == nil:
				s.metrics.recordRedemption(ctx, "redeemed")
			case errors.As(err, &limitErr):
				s.metrics.recordRedemption(ctx, "limit_"+limitErr.Limit.String())
				lg.Info("Voucher limit reached during confirmation, continuing without voucher",
					zap.String("voucher_id", applied.ID),
					zap.Stringer("limit", limitErr.Limit),
				)
				applied = nil
				res.Discount = decimal.Zero
				res.FinalAmount = voucher.Total(res.Subtotal, res.ShippingFee, decimal.Zero)
				res.VoucherCode = ""
				res.VoucherRejectionReasons = []voucher.Reason{limitErr.Reason()}
			default:
				return errors.Wrap(err, "redeem voucher")
			}
		}

		o := &Order{
			ID:          orderID,
			UserID:      req.UserID,
			Items:       res.Items,
			Subtotal:    res.Subtotal,
			ShippingFee: res.ShippingFee,
			Discount:    res.Discount,
			Total:       res.FinalAmount,
			VoucherCode: res.VoucherCode,
			Status:      StatusConfirmed,
			CreatedAt:   s.now().UTC(),
		}
		if applied != nil {
			o.VoucherID = applied.ID
		}
		if err := tx.Create(ctx, o); err != nil {
			return errors.Wrap(err, "create order")
		}

		msg, err := outbox.NewJSONMessage(TopicCreated, o.ID, CreatedEvent{
			OrderID:     o.ID,
			UserID:      o.UserID,
			Items:       o.Items,
			Subtotal:    o.Subtotal,
			ShippingFee: o.ShippingFee,
			Discount:    o.Discount,
			FinalAmount: o.Total,
			VoucherCode: o.VoucherCode,
			CreatedAt:   o.CreatedAt,
		})
		if err != nil {
			return err
		}
		if err := tx.Enqueue(ctx, msg); err != nil {
			return errors.Wrap(err, "enqueue event")
		}

		if req.IdempotencyKey != "" {
			if err := tx.CompleteConfirmation(ctx, req.UserID, req.IdempotencyKey, &res); err != nil {
				return errors.Wrap(err, "store confirmation")
			}
		}
		committed = &res
		return nil
	})

	var insufficient *stock.InsufficientError
	switch {
	case err == nil:
		lg.Info("Order confirmed",
			zap.String("order_id", committed.OrderID),
			zap.String("final_amount", committed.FinalAmount.StringFixed(2)),
		)
		return committed, nil
	case errors.As(err, &insufficient):
		lg.Info("Stock taken by a concurrent order", zap.String("variant_id", insufficient.VariantID))
		return s.stockLost(ctx, req, insufficient)
	case errors.Is(err, ErrDuplicateConfirmation):
		stored, findErr := s.tx.FindConfirmation(ctx, req.UserID, req.IdempotencyKey)
		if findErr != nil {
			return nil, &StorageError{ConfirmationID: orderID, Op: "find confirmation", Err: findErr}
		}
		stored.Replayed = true
		return stored, nil
	default:
		lg.Error("Confirmation aborted", zap.Error(err))
		return nil, &StorageError{ConfirmationID: orderID, Op: "confirm", Err: err}
	}
}

// stockLost builds the blocked result after a guarded decrement failed,
// from a fresh read of the stock.
func (s *Service) stockLost(ctx context.Context, req ConfirmRequest, cause *stock.InsufficientError) (*Result, error) {
	stocks, err := s.readStocks(ctx, req.Lines)
	if err != nil {
		return nil, &StorageError{Op: "read stock", Err: err}
	}
	if r, blocked := s.checkStock(req, stocks); blocked {
		return r, nil
	}
	// The fresh read no longer shows the shortage; report the failed guard.
	r := stockResult(req, stocks, map[string]string{
		cause.VariantID: fmt.Sprintf("not enough units of %s left for %d requested", productName(stocks, cause.VariantID), cause.Requested),
	})
	return r, nil
}

func (s *Service) readStocks(ctx context.Context, lines []Line) (map[string]stock.VariantStock, error) {
	ids := make([]string, 0, len(lines))
	seen := make(map[string]struct{}, len(lines))
	for _, l := range lines {
		if _, ok := seen[l.VariantID]; ok {
			continue
		}
		seen[l.VariantID] = struct{}{}
		ids = append(ids, l.VariantID)
	}
	fetched, err := s.catalog.GetVariantStocks(ctx, ids)
	if err != nil {
		return nil, err
	}
	return stock.ByID(fetched), nil
}

// checkStock reports whether the stock rules block the request and, if so,
// the result to return.
func (s *Service) checkStock(req ConfirmRequest, stocks map[string]stock.VariantStock) (*Result, bool) {
	report := s.validator.Validate(toStockLines(req.Lines), stocks)
	if report.OK() {
		return nil, false
	}
	return stockResult(req, stocks, report.Messages()), true
}

func stockResult(req ConfirmRequest, stocks map[string]stock.VariantStock, messages map[string]string) *Result {
	r := &Result{
		Status:             StatusStockBlocked,
		Discount:           decimal.Zero,
		ShippingFee:        req.ShippingFee,
		OutOfStockMessages: messages,
	}
	if req.AllowWaitingOrder && waitable(req.Lines, stocks) {
		items, cart := priceLines(req.Lines, stocks)
		r.Status = StatusWaitingForStock
		r.WaitingForStock = true
		r.Items = items
		r.Subtotal = cart.Subtotal
	} else {
		r.Items = []Item{}
		r.Subtotal = decimal.Zero
	}
	r.FinalAmount = voucher.Total(r.Subtotal, req.ShippingFee, decimal.Zero)
	return r
}

// waitable reports whether every line names a known variant with a positive
// quantity, so the shortage is the only problem.
func waitable(lines []Line, stocks map[string]stock.VariantStock) bool {
	for _, l := range lines {
		if l.Quantity <= 0 {
			return false
		}
		if _, ok := stocks[l.VariantID]; !ok {
			return false
		}
	}
	return true
}

// priceLines prices the aggregated lines at the effective unit price and
// builds the matching voucher cart. Lines with unknown variants are skipped.
func priceLines(lines []Line, stocks map[string]stock.VariantStock) ([]Item, voucher.Cart) {
	agg := stock.Aggregate(toStockLines(lines))
	items := make([]Item, 0, len(agg))
	cartLines := make([]voucher.Line, 0, len(agg))
	for _, l := range agg {
		st, ok := stocks[l.VariantID]
		if !ok {
			continue
		}
		unit := st.UnitPrice()
		items = append(items, Item{
			VariantID:   l.VariantID,
			ProductName: st.ProductName,
			Quantity:    l.Quantity,
			UnitPrice:   unit,
			TotalPrice:  unit.Mul(decimal.NewFromInt(int64(l.Quantity))).Round(2),
		})
		cartLines = append(cartLines, voucher.Line{
			VariantID:  l.VariantID,
			ProductID:  st.ProductID,
			CategoryID: st.CategoryID,
			UnitPrice:  unit,
			Quantity:   l.Quantity,
		})
	}
	return items, voucher.NewCart(cartLines)
}

func productName(stocks map[string]stock.VariantStock, variantID string) string {
	if st, ok := stocks[variantID]; ok {
		return st.ProductName
	}
	return variantID
}

func toStockLines(lines []Line) []stock.Line {
	out := make([]stock.Line, len(lines))
	for i, l := range lines {
		out[i] = stock.Line{VariantID: l.VariantID, Quantity: l.Quantity}
	}
	return out
}

func validateRequest(req ConfirmRequest) error {
	if req.UserID == "" {
		return ErrUserRequired
	}
	if len(req.Lines) == 0 {
		return ErrEmptyLines
	}
	if req.ShippingFee.IsNegative() {
		return ErrNegativeShippingFee
	}
	for i, l := range req.Lines {
		if l.VariantID == "" {
			return &InvalidLineError{Index: i, Reason: "variant id required"}
		}
		if l.Quantity <= 0 {
			return &InvalidLineError{Index: i, Reason: "quantity must be greater than 0"}
		}
	}
	return nil
}

// SortedMessages returns out-of-stock messages ordered by variant id.
func (r *Result) SortedMessages() []string {
	ids := make([]string, 0, len(r.OutOfStockMessages))
	for id := range r.OutOfStockMessages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = r.OutOfStockMessages[id]
	}
	return out
}
