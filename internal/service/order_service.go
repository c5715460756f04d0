package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"storefront/internal/models"
	"storefront/internal/pricing"
	"storefront/internal/store"
	"storefront/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderService owns the order state machine. Every status change goes through it.
type OrderService struct {
	store   store.Store
	pricing *pricing.Engine
	guard   *InventoryGuard
	locker  Locker
	lockTTL time.Duration
	clock   func() time.Time
	logger  *zap.Logger
}

// NewOrderService creates a new order service. locker may be nil.
func NewOrderService(
	st store.Store,
	engine *pricing.Engine,
	guard *InventoryGuard,
	locker Locker,
	lockTTL time.Duration,
) *OrderService {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &OrderService{
		store:   st,
		pricing: engine,
		guard:   guard,
		locker:  locker,
		lockTTL: lockTTL,
		clock:   time.Now,
		logger:  util.GetLogger(),
	}
}

// CheckoutRequest represents a request to turn a cart into an order
type CheckoutRequest struct {
	CartID             string `json:"cart_id"`
	ShippingAddressRef string `json:"shipping_address_ref" binding:"required"`
	BillingAddressRef  string `json:"billing_address_ref"`
	PaymentMethod      string `json:"payment_method" binding:"required"`
	CouponCode         string `json:"coupon_code,omitempty"`
	// ClientTotal is only compared and logged.
	ClientTotal *int64 `json:"client_total,omitempty"`

	Owner        string `json:"-"`
	AttemptToken string `json:"-"`
}

// OrderDetails is an order with its line snapshot.
type OrderDetails struct {
	Order *models.Order      `json:"order"`
	Lines []models.OrderLine `json:"lines"`
}

// OrderHistory is the audit trail of an order.
type OrderHistory struct {
	Changes       []models.StatusChange        `json:"changes"`
	Notifications []models.PaymentNotification `json:"notifications"`
}

// PaymentOutcome is one processor report, from either callback path.
type PaymentOutcome struct {
	OrderNumber    string
	Reported       string
	SourceID       string
	Source         string
	Amount         string
	Raw            string
	SignatureValid bool
}

// ApplyResult tells the caller what happened to a report.
type ApplyResult struct {
	Outcome string
	Order   *models.Order
}

// CreateOrder converts the cart into an order in one transaction: price recomputation, coupon
// redemption, stock decrement, order and line inserts, cart conversion and the outbox event all
// commit together. A repeated request with the same cart and attempt token returns the first
// order with replayed set.
func (s *OrderService) CreateOrder(ctx context.Context, req *CheckoutRequest) (*OrderDetails, bool, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if req.AttemptToken == "" {
		req.AttemptToken = uuid.New().String()
	}
	if req.BillingAddressRef == "" {
		req.BillingAddressRef = req.ShippingAddressRef
	}

	cartID, err := s.resolveCartID(ctx, req)
	if err != nil {
		s.countFailure(err)
		return nil, false, err
	}
	idempotencyKey := cartID + ":" + req.AttemptToken

	unlock, err := s.lockCheckout(ctx, cartID)
	if err != nil {
		s.countFailure(err)
		return nil, false, err
	}
	defer unlock()

	var (
		details  *OrderDetails
		replayed bool
		taken    map[int64]int
	)
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		cart, err := tx.LockCart(ctx, cartID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrCartNotFound
		}
		if err != nil {
			return err
		}
		if cart.OwnerRef != req.Owner {
			return ErrCartNotFound
		}

		existing, err := tx.GetOrderByIdempotencyKey(ctx, idempotencyKey)
		if err == nil {
			lines, err := tx.ListOrderLines(ctx, existing.ID)
			if err != nil {
				return err
			}
			details = &OrderDetails{Order: existing, Lines: lines}
			replayed = true
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to check idempotency: %w", err)
		}

		if cart.Status != models.CartStatusActive {
			return ErrCartNotActive
		}

		cartLines, err := tx.ListCartLines(ctx, cartID)
		if err != nil {
			return err
		}
		if len(cartLines) == 0 {
			return ErrEmptyCart
		}

		var subtotal int64
		stockLines := make([]StockLine, 0, len(cartLines))
		orderLines := make([]models.OrderLine, 0, len(cartLines))
		taken = make(map[int64]int, len(cartLines))
		for _, l := range cartLines {
			subtotal += l.Subtotal()
			stockLines = append(stockLines, StockLine{ProductID: l.ProductID, Quantity: l.Quantity})
			orderLines = append(orderLines, models.OrderLine{
				ProductID:   l.ProductID,
				ProductName: l.ProductName,
				UnitPrice:   l.UnitPrice,
				Quantity:    l.Quantity,
				Subtotal:    l.Subtotal(),
			})
			taken[l.ProductID] -= l.Quantity
		}

		now := s.clock()
		coupon, err := s.lookupCoupon(ctx, tx, req.CouponCode)
		if err != nil {
			return err
		}
		quote, err := s.pricing.Quote(subtotal, coupon, now)
		if err != nil {
			return err
		}
		if coupon != nil {
			ok, err := tx.RedeemCoupon(ctx, coupon.Code)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s exhausted", pricing.ErrInvalidCoupon, coupon.Code)
			}
		}

		if err := s.guard.ReserveAndDecrement(ctx, tx, stockLines); err != nil {
			return err
		}

		number, err := s.newOrderNumber(ctx, tx, now)
		if err != nil {
			return err
		}

		order := &models.Order{
			OrderNumber:        number,
			OwnerRef:           req.Owner,
			CartID:             cartID,
			ShippingAddressRef: req.ShippingAddressRef,
			BillingAddressRef:  req.BillingAddressRef,
			Subtotal:           quote.Subtotal,
			Discount:           quote.Discount,
			CouponCode:         quote.CouponCode,
			ShippingCost:       quote.Shipping,
			TaxAmount:          quote.Tax,
			TotalAmount:        quote.Total,
			PaymentMethod:      req.PaymentMethod,
			Status:             models.OrderStatusPendingPayment,
			PaymentStatus:      models.PaymentStatusUnpaid,
			IdempotencyKey:     idempotencyKey,
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		if err := tx.InsertOrderLines(ctx, order.ID, orderLines); err != nil {
			return err
		}
		if err := tx.UpdateCartStatus(ctx, cartID, models.CartStatusConverted); err != nil {
			return err
		}
		if err := tx.InsertStatusChange(ctx, &models.StatusChange{
			OrderID:         order.ID,
			ToStatus:        order.Status,
			ToPaymentStatus: order.PaymentStatus,
			Source:          models.SourceSystem,
			Reference:       idempotencyKey,
			Actor:           req.Owner,
		}); err != nil {
			return err
		}

		items := make([]models.OrderItemData, 0, len(orderLines))
		for _, l := range orderLines {
			items = append(items, models.OrderItemData{ProductID: l.ProductID, Quantity: l.Quantity, UnitPrice: l.UnitPrice})
		}
		err = enqueue(ctx, tx, number, models.EventTypeOrderCreated, func(base models.BaseEvent) interface{} {
			return &models.OrderCreatedEvent{
				BaseEvent:   base,
				OrderNumber: number,
				OwnerRef:    order.OwnerRef,
				TotalAmount: order.TotalAmount,
				Items:       items,
			}
		})
		if err != nil {
			return err
		}

		details = &OrderDetails{Order: order, Lines: orderLines}
		return nil
	})
	if err != nil {
		s.countFailure(err)
		return nil, false, err
	}

	if replayed {
		s.logger.Info("Duplicate checkout request detected",
			zap.String("idempotency_key", idempotencyKey),
			zap.String("order_number", details.Order.OrderNumber))
		return details, true, nil
	}

	s.guard.RefreshCache(ctx, taken)
	util.OrdersCreatedTotal.Inc()

	if req.ClientTotal != nil && *req.ClientTotal != details.Order.TotalAmount {
		s.logger.Warn("Client-submitted total ignored",
			zap.String("order_number", details.Order.OrderNumber),
			zap.Int64("client_total", *req.ClientTotal),
			zap.Int64("total_amount", details.Order.TotalAmount))
	}

	s.logger.Info("Order created",
		zap.String("order_number", details.Order.OrderNumber),
		zap.String("owner", req.Owner),
		zap.Int64("total_amount", details.Order.TotalAmount))
	return details, false, nil
}

// ApplyPaymentOutcome merges one processor report into the order under its row lock. The audit
// insert doubles as the replay check: an already-seen signed (SourceID, Reported) pair returns
// outcome duplicate with no side effects. Reports that would move the order backwards are
// recorded as ignored. An unknown order is recorded and ErrUnknownOrder returned.
func (s *OrderService) ApplyPaymentOutcome(ctx context.Context, in PaymentOutcome) (*ApplyResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ApplyPaymentOutcome")
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReconcileLatency.Observe(time.Since(start).Seconds())
	}()

	reported := strings.ToUpper(strings.TrimSpace(in.Reported))
	var (
		result   *ApplyResult
		released []models.OrderLine
	)
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		result = &ApplyResult{}
		released = nil

		record := &models.PaymentNotification{
			Source:               in.Source,
			SourceNotificationID: in.SourceID,
			OrderNumber:          in.OrderNumber,
			ReportedStatus:       reported,
			Amount:               in.Amount,
			RawPayload:           in.Raw,
			SignatureValid:       in.SignatureValid,
		}

		order, err := tx.LockOrderByNumber(ctx, in.OrderNumber)
		if errors.Is(err, store.ErrNotFound) {
			result.Outcome = models.OutcomeUnknownOrder
			record.Outcome = models.OutcomeUnknownOrder
			_, err := tx.InsertNotification(ctx, record)
			return err
		}
		if err != nil {
			return err
		}
		result.Order = order

		res := models.ResolvePaymentReport(order.Status, order.PaymentStatus, reported)
		mismatch := reported == models.ReportedComplete && in.Amount != "" && !amountMatches(in.Amount, order.TotalAmount)
		paidAfterCancel := reported == models.ReportedComplete && !res.Apply &&
			order.Status == models.OrderStatusCancelled && order.PaymentStatus != models.PaymentStatusPaid

		switch {
		case mismatch:
			record.Outcome = models.OutcomeAmountMismatch
		case res.Apply:
			record.Outcome = models.OutcomeApplied
		default:
			record.Outcome = models.OutcomeIgnored
		}

		inserted, err := tx.InsertNotification(ctx, record)
		if err != nil {
			return err
		}
		if !inserted {
			result.Outcome = models.OutcomeDuplicate
			return nil
		}
		result.Outcome = record.Outcome

		switch {
		case mismatch:
			reason := fmt.Sprintf("reported amount %s does not match order total %s",
				in.Amount, pricing.FormatAmount(order.TotalAmount))
			return s.flagForReview(ctx, tx, order, reason, in)
		case res.Apply:
			released, err = s.applyTransition(ctx, tx, transition{
				order:         order,
				status:        res.Status,
				paymentStatus: res.PaymentStatus,
				source:        in.Source,
				reference:     in.SourceID,
				actor:         in.Source,
			})
			return err
		case paidAfterCancel:
			return s.flagForReview(ctx, tx, order, "payment completed for a cancelled order", in)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	util.PaymentNotificationsTotal.WithLabelValues(in.Source, result.Outcome).Inc()
	fields := []zap.Field{
		zap.String("order_number", in.OrderNumber),
		zap.String("notification_id", in.SourceID),
		zap.String("reported_status", reported),
		zap.String("source", in.Source),
		zap.String("outcome", result.Outcome),
	}

	if result.Outcome == models.OutcomeUnknownOrder {
		s.logger.Warn("Payment report for unknown order", append(fields, zap.String("raw_payload", in.Raw))...)
		return result, fmt.Errorf("%w: %s", ErrUnknownOrder, in.OrderNumber)
	}

	s.refreshReleased(ctx, released)
	s.logger.Info("Payment report reconciled", fields...)
	return result, nil
}

// RecordRejected stores an audit row for a report that failed verification. It never touches
// the order.
func (s *OrderService) RecordRejected(ctx context.Context, in PaymentOutcome) error {
	return s.store.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.InsertNotification(ctx, &models.PaymentNotification{
			Source:               in.Source,
			SourceNotificationID: in.SourceID,
			OrderNumber:          in.OrderNumber,
			ReportedStatus:       strings.ToUpper(strings.TrimSpace(in.Reported)),
			Amount:               in.Amount,
			RawPayload:           in.Raw,
			SignatureValid:       false,
			Outcome:              models.OutcomeRejected,
		})
		return err
	})
}

// CancelOrder cancels an order that has not shipped yet and returns its stock. Anything past
// processing yields *IllegalTransitionError.
func (s *OrderService) CancelOrder(ctx context.Context, orderNumber, actor, source string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder")
	defer span.End()

	return s.transitionTo(ctx, orderNumber, models.OrderStatusCancelled, actor, source)
}

// Transition is the admin override. It follows the same legality rules as every other caller.
func (s *OrderService) Transition(ctx context.Context, orderNumber, target, actor string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Transition")
	defer span.End()

	if !models.IsKnownOrderStatus(target) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrIllegalTransition, target)
	}
	return s.transitionTo(ctx, orderNumber, target, actor, models.SourceAdmin)
}

func (s *OrderService) transitionTo(ctx context.Context, orderNumber, target, actor, source string) (*models.Order, error) {
	var (
		order    *models.Order
		released []models.OrderLine
	)
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		order, err = tx.LockOrderByNumber(ctx, orderNumber)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownOrder, orderNumber)
		}
		if err != nil {
			return err
		}
		if !models.CanTransition(order.Status, target) {
			return &IllegalTransitionError{From: order.Status, To: target}
		}

		released, err = s.applyTransition(ctx, tx, transition{
			order:         order,
			status:        target,
			paymentStatus: paymentStatusFor(order.PaymentStatus, target),
			source:        source,
			reference:     orderNumber,
			actor:         actor,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.refreshReleased(ctx, released)
	s.logger.Info("Order status changed",
		zap.String("order_number", orderNumber),
		zap.String("status", order.Status),
		zap.String("payment_status", order.PaymentStatus),
		zap.String("actor", actor))
	return order, nil
}

// paymentStatusFor is the payment status that accompanies a manual move to target.
func paymentStatusFor(current, target string) string {
	switch target {
	case models.OrderStatusCancelled:
		if current == models.PaymentStatusPaid {
			return current
		}
		return models.PaymentStatusCancelled
	case models.OrderStatusRefunded:
		return models.PaymentStatusRefunded
	}
	return current
}

// ExpireStale cancels orders that saw no payment activity within maxAge. Each order is
// re-checked under its own lock, so a payment arriving meanwhile wins.
func (s *OrderService) ExpireStale(ctx context.Context, maxAge time.Duration, limit int) (int, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ExpireStale")
	defer span.End()

	cutoff := s.clock().Add(-maxAge)
	var stale []models.Order
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		stale, err = tx.ListStalePendingOrders(ctx, cutoff, limit)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list stale orders: %w", err)
	}

	expired := 0
	for _, candidate := range stale {
		var released []models.OrderLine
		err := s.store.WithinTx(ctx, func(tx store.Tx) error {
			order, err := tx.LockOrderByNumber(ctx, candidate.OrderNumber)
			if err != nil {
				return err
			}
			if order.Status != models.OrderStatusPendingPayment || order.PaymentStatus != models.PaymentStatusUnpaid {
				return nil
			}
			released, err = s.applyTransition(ctx, tx, transition{
				order:         order,
				status:        models.OrderStatusCancelled,
				paymentStatus: models.PaymentStatusCancelled,
				source:        models.SourceSystem,
				reference:     "payment window expired",
				actor:         "expirer",
			})
			return err
		})
		if err != nil {
			s.logger.Error("Failed to expire order",
				zap.String("order_number", candidate.OrderNumber),
				zap.Error(err))
			continue
		}
		if released != nil {
			expired++
			util.OrdersExpiredTotal.Inc()
			s.refreshReleased(ctx, released)
		}
	}

	if expired > 0 {
		s.logger.Info("Expired unpaid orders", zap.Int("count", expired))
	}
	return expired, nil
}

// GetOrder retrieves an order by number with its lines
func (s *OrderService) GetOrder(ctx context.Context, orderNumber string) (*OrderDetails, error) {
	var details *OrderDetails
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		order, err := tx.GetOrderByNumber(ctx, orderNumber)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownOrder, orderNumber)
		}
		if err != nil {
			return err
		}
		lines, err := tx.ListOrderLines(ctx, order.ID)
		if err != nil {
			return err
		}
		details = &OrderDetails{Order: order, Lines: lines}
		return nil
	})
	return details, err
}

// ListOrders returns orders newest first
func (s *OrderService) ListOrders(ctx context.Context, filter store.OrderFilter) ([]models.Order, error) {
	var orders []models.Order
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		orders, err = tx.ListOrders(ctx, filter)
		return err
	})
	return orders, err
}

// History returns the status changes and payment reports of an order.
func (s *OrderService) History(ctx context.Context, orderNumber string) (*OrderHistory, error) {
	var history *OrderHistory
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		order, err := tx.GetOrderByNumber(ctx, orderNumber)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownOrder, orderNumber)
		}
		if err != nil {
			return err
		}
		changes, err := tx.ListStatusChanges(ctx, order.ID)
		if err != nil {
			return err
		}
		notifications, err := tx.ListNotifications(ctx, orderNumber)
		if err != nil {
			return err
		}
		history = &OrderHistory{Changes: changes, Notifications: notifications}
		return nil
	})
	return history, err
}

type transition struct {
	order         *models.Order
	status        string
	paymentStatus string
	source        string
	reference     string
	actor         string
}

// applyTransition writes the new state, the history row, and the side effects bound to the
// move. It returns the lines whose stock was released, if any.
func (s *OrderService) applyTransition(ctx context.Context, tx store.Tx, tr transition) ([]models.OrderLine, error) {
	order := tr.order
	from, fromPayment := order.Status, order.PaymentStatus

	if err := tx.UpdateOrderState(ctx, order.ID, tr.status, tr.paymentStatus); err != nil {
		return nil, fmt.Errorf("failed to update order status: %w", err)
	}
	if err := tx.InsertStatusChange(ctx, &models.StatusChange{
		OrderID:           order.ID,
		FromStatus:        from,
		ToStatus:          tr.status,
		FromPaymentStatus: fromPayment,
		ToPaymentStatus:   tr.paymentStatus,
		Source:            tr.source,
		Reference:         tr.reference,
		Actor:             tr.actor,
	}); err != nil {
		return nil, err
	}
	order.Status, order.PaymentStatus = tr.status, tr.paymentStatus
	if from != tr.status {
		util.OrderTransitionsTotal.WithLabelValues(from, tr.status).Inc()
	}

	number := order.OrderNumber
	switch {
	case tr.status == models.OrderStatusCancelled && from != models.OrderStatusCancelled:
		released, err := s.release(ctx, tx, order)
		if err != nil {
			return nil, err
		}
		util.OrdersCancelledTotal.WithLabelValues(tr.source).Inc()
		return released, enqueue(ctx, tx, number, models.EventTypeOrderCancelled, func(base models.BaseEvent) interface{} {
			return &models.OrderCancelledEvent{
				BaseEvent:     base,
				OrderNumber:   number,
				PaymentStatus: tr.paymentStatus,
				Reason:        tr.reference,
			}
		})

	case tr.status == models.OrderStatusRefunded && from != models.OrderStatusRefunded:
		// goods that never shipped go back on the shelf
		var released []models.OrderLine
		if from == models.OrderStatusProcessing {
			var err error
			released, err = s.release(ctx, tx, order)
			if err != nil {
				return nil, err
			}
		}
		util.OrdersRefundedTotal.Inc()
		return released, enqueue(ctx, tx, number, models.EventTypeOrderRefunded, func(base models.BaseEvent) interface{} {
			return &models.OrderRefundedEvent{
				BaseEvent:   base,
				OrderNumber: number,
				Amount:      order.TotalAmount,
				Restocked:   released != nil,
			}
		})

	case tr.paymentStatus == models.PaymentStatusPaid && fromPayment != models.PaymentStatusPaid:
		util.OrdersPaidTotal.Inc()
		return nil, enqueue(ctx, tx, number, models.EventTypeOrderPaid, func(base models.BaseEvent) interface{} {
			return &models.OrderPaidEvent{
				BaseEvent:   base,
				OrderNumber: number,
				OwnerRef:    order.OwnerRef,
				Amount:      order.TotalAmount,
				TxID:        tr.reference,
			}
		})

	case from != tr.status:
		return nil, enqueue(ctx, tx, number, models.EventTypeOrderStatusChanged, func(base models.BaseEvent) interface{} {
			return &models.OrderStatusChangedEvent{
				BaseEvent:   base,
				OrderNumber: number,
				From:        from,
				To:          tr.status,
				Actor:       tr.actor,
			}
		})
	}
	return nil, nil
}

func (s *OrderService) release(ctx context.Context, tx store.Tx, order *models.Order) ([]models.OrderLine, error) {
	lines, err := tx.ListOrderLines(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	released, err := s.guard.Release(ctx, tx, order, lines)
	if err != nil || !released {
		return nil, err
	}
	return lines, nil
}

func (s *OrderService) refreshReleased(ctx context.Context, lines []models.OrderLine) {
	if len(lines) == 0 {
		return
	}
	deltas := make(map[int64]int, len(lines))
	for _, l := range lines {
		deltas[l.ProductID] += l.Quantity
	}
	s.guard.RefreshCache(ctx, deltas)
}

func (s *OrderService) flagForReview(ctx context.Context, tx store.Tx, order *models.Order, reason string, in PaymentOutcome) error {
	if err := tx.FlagForReview(ctx, order.ID, reason); err != nil {
		return err
	}
	order.ReviewRequired = true
	order.ReviewReason = reason

	s.logger.Warn("Order flagged for manual review",
		zap.String("order_number", order.OrderNumber),
		zap.String("notification_id", in.SourceID),
		zap.String("reason", reason),
		zap.String("raw_payload", in.Raw))

	return enqueue(ctx, tx, order.OrderNumber, models.EventTypeOrderReviewRequired, func(base models.BaseEvent) interface{} {
		return &models.OrderReviewRequiredEvent{
			BaseEvent:            base,
			OrderNumber:          order.OrderNumber,
			Reason:               reason,
			SourceNotificationID: in.SourceID,
			ReportedAmount:       in.Amount,
			ExpectedAmount:       order.TotalAmount,
		}
	})
}

func (s *OrderService) resolveCartID(ctx context.Context, req *CheckoutRequest) (string, error) {
	if req.Owner == "" {
		return "", ErrCartNotFound
	}
	if req.CartID != "" {
		return req.CartID, nil
	}

	var cartID string
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		cart, err := tx.GetActiveCartByOwner(ctx, req.Owner)
		if errors.Is(err, store.ErrNotFound) {
			// a retried attempt finds its cart already converted
			recent, err := tx.ListOrders(ctx, store.OrderFilter{OwnerRef: req.Owner, Limit: 20})
			if err != nil {
				return err
			}
			for _, o := range recent {
				if o.IdempotencyKey == o.CartID+":"+req.AttemptToken {
					cartID = o.CartID
					return nil
				}
			}
			return ErrEmptyCart
		}
		if err != nil {
			return err
		}
		cartID = cart.ID
		return nil
	})
	return cartID, err
}

func (s *OrderService) lookupCoupon(ctx context.Context, tx store.Tx, code string) (*models.Coupon, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, nil
	}
	coupon, err := tx.GetCoupon(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown code %q", pricing.ErrInvalidCoupon, code)
	}
	return coupon, err
}

// lockCheckout takes the per-cart Redis lock. A Redis outage does not block checkout since the
// transaction below is authoritative.
func (s *OrderService) lockCheckout(ctx context.Context, cartID string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}

	key := "checkout:" + cartID
	token, ok, err := s.locker.AcquireLock(ctx, key, s.lockTTL)
	if err != nil {
		s.logger.Warn("Checkout lock unavailable", zap.String("cart_id", cartID), zap.Error(err))
		return func() {}, nil
	}
	if !ok {
		return nil, ErrCheckoutInProgress
	}

	return func() {
		// the request context may already be cancelled here
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.locker.ReleaseLock(releaseCtx, key, token); err != nil {
			s.logger.Warn("Failed to release checkout lock", zap.String("cart_id", cartID), zap.Error(err))
		}
	}, nil
}

// newOrderNumber returns "SF-YYYYMMDD-XXXXXXXX", retrying on the rare collision.
func (s *OrderService) newOrderNumber(ctx context.Context, tx store.Tx, now time.Time) (string, error) {
	for i := 0; i < 5; i++ {
		random := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
		number := fmt.Sprintf("SF-%s-%s", now.UTC().Format("20060102"), random)

		_, err := tx.GetOrderByNumber(ctx, number)
		if errors.Is(err, store.ErrNotFound) {
			return number, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("failed to allocate a unique order number")
}

func (s *OrderService) countFailure(err error) {
	reason := "db_error"
	switch {
	case errors.Is(err, ErrEmptyCart):
		reason = "empty_cart"
	case errors.Is(err, ErrInsufficientStock):
		reason = "insufficient_stock"
	case errors.Is(err, pricing.ErrInvalidCoupon):
		reason = "invalid_coupon"
	case errors.Is(err, ErrCartNotActive), errors.Is(err, ErrCartNotFound):
		reason = "cart_not_active"
	case errors.Is(err, ErrCheckoutInProgress):
		reason = "in_progress"
	}
	util.OrdersFailedTotal.WithLabelValues(reason).Inc()
}

func amountMatches(reported string, total int64) bool {
	minor, err := pricing.ParseAmount(reported)
	return err == nil && minor == total
}

// enqueue writes an outbox event in tx. The event id doubles as the outbox row id.
func enqueue(ctx context.Context, tx store.Tx, aggregateID, eventType string, build func(base models.BaseEvent) interface{}) error {
	base := models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(build(base))
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", eventType, err)
	}
	return tx.EnqueueEvent(ctx, &models.OutboxEvent{
		ID:          base.EventID,
		AggregateID: aggregateID,
		EventType:   eventType,
		Payload:     payload,
	})
}
