package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"storefront/internal/models"
	"storefront/internal/payment"
	"storefront/internal/util"

	"go.uber.org/zap"
)

// ErrReconcileExhausted is returned when a verified report could not be applied after all retries.
var ErrReconcileExhausted = errors.New("payment report could not be applied")

// Reconciler receives processor callbacks from both the browser return and the server-to-server
// notification and funnels them into OrderService.ApplyPaymentOutcome.
type Reconciler struct {
	orders      *OrderService
	verifier    NotificationVerifier
	maxAttempts int
	backoff     time.Duration
	logger      *zap.Logger
}

// NewReconciler creates a new reconciler
func NewReconciler(orders *OrderService, verifier NotificationVerifier, maxAttempts int, backoff time.Duration) *Reconciler {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Reconciler{
		orders:      orders,
		verifier:    verifier,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		logger:      util.GetLogger(),
	}
}

// ReturnView is what the return page shows. Order is nil when the reference is unknown.
type ReturnView struct {
	OrderNumber string
	Order       *models.Order
	Outcome     string
	Signed      bool
	Cancelled   bool
}

// HandleNotification verifies and applies one server-to-server notification. Verification
// failures are returned as payment.ErrInvalidSignature, payment.ErrMerchantMismatch or
// payment.ErrMalformedNotification and never touch the order. Unknown orders and replays are
// not errors: the processor must not redeliver them.
func (r *Reconciler) HandleNotification(ctx context.Context, values url.Values) (*ApplyResult, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.HandleNotification")
	defer span.End()

	n, err := r.verifier.VerifyNotification(values)
	if err != nil {
		r.reject(ctx, n, err)
		return nil, err
	}

	result, err := r.applyWithRetry(ctx, PaymentOutcome{
		OrderNumber:    n.OrderNumber,
		Reported:       n.Status,
		SourceID:       n.TransactionID,
		Source:         models.SourceITN,
		Amount:         n.Amount,
		Raw:            n.Raw,
		SignatureValid: true,
	})
	if errors.Is(err, ErrUnknownOrder) {
		return result, nil
	}
	return result, err
}

// HandleReturn processes the customer's browser coming back from the processor. A correctly
// signed query is applied like a notification. Anything else can at most move an unpaid order
// to pending.
func (r *Reconciler) HandleReturn(ctx context.Context, values url.Values) (*ReturnView, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.HandleReturn")
	defer span.End()

	n, verifyErr := r.verifier.VerifyNotification(values)
	if n == nil {
		n = payment.ParseFields(values)
	}
	if n.OrderNumber == "" {
		return nil, payment.ErrMalformedNotification
	}

	view := &ReturnView{
		OrderNumber: n.OrderNumber,
		Signed:      verifyErr == nil,
		Cancelled:   values.Get("cancelled") != "",
	}

	var (
		result *ApplyResult
		err    error
	)
	switch {
	case view.Signed:
		result, err = r.applyWithRetry(ctx, PaymentOutcome{
			OrderNumber:    n.OrderNumber,
			Reported:       n.Status,
			SourceID:       n.TransactionID,
			Source:         models.SourceReturn,
			Amount:         n.Amount,
			Raw:            n.Raw,
			SignatureValid: true,
		})
	case n.Status == models.ReportedComplete || n.Status == models.ReportedPending:
		result, err = r.applyWithRetry(ctx, PaymentOutcome{
			OrderNumber: n.OrderNumber,
			Reported:    models.ReportedPending,
			SourceID:    "return:" + n.OrderNumber,
			Source:      models.SourceReturn,
			Raw:         n.Raw,
		})
	}
	if err != nil && !errors.Is(err, ErrUnknownOrder) {
		r.logger.Warn("Return callback could not be applied",
			zap.String("order_number", n.OrderNumber),
			zap.Error(err))
	}
	if result != nil {
		view.Outcome = result.Outcome
	}

	details, err := r.orders.GetOrder(ctx, n.OrderNumber)
	if errors.Is(err, ErrUnknownOrder) {
		return view, nil
	}
	if err != nil {
		return nil, err
	}
	view.Order = details.Order
	return view, nil
}

// applyWithRetry retries transient failures with exponential backoff. ErrUnknownOrder is final.
func (r *Reconciler) applyWithRetry(ctx context.Context, in PaymentOutcome) (*ApplyResult, error) {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		result, err := r.orders.ApplyPaymentOutcome(ctx, in)
		if err == nil || errors.Is(err, ErrUnknownOrder) {
			return result, err
		}
		lastErr = err

		if attempt == r.maxAttempts {
			break
		}
		util.ReconcileRetriesTotal.Inc()
		wait := r.backoff << (attempt - 1)
		r.logger.Warn("Retrying payment report",
			zap.String("order_number", in.OrderNumber),
			zap.String("notification_id", in.SourceID),
			zap.String("reported_status", in.Reported),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrReconcileExhausted, ctx.Err())
		case <-time.After(wait):
		}
	}

	r.logger.Error("Payment report retries exhausted",
		zap.String("order_number", in.OrderNumber),
		zap.String("notification_id", in.SourceID),
		zap.String("reported_status", in.Reported),
		zap.String("raw_payload", in.Raw),
		zap.Error(lastErr))
	return nil, fmt.Errorf("%w: %v", ErrReconcileExhausted, lastErr)
}

func (r *Reconciler) reject(ctx context.Context, n *payment.Notification, cause error) {
	if n == nil {
		return
	}
	if errors.Is(cause, payment.ErrInvalidSignature) || errors.Is(cause, payment.ErrMerchantMismatch) {
		util.ForgedNotificationsTotal.WithLabelValues(models.SourceITN).Inc()
	}
	r.logger.Warn("Rejected payment notification",
		zap.String("order_number", n.OrderNumber),
		zap.String("notification_id", n.TransactionID),
		zap.String("reported_status", n.Status),
		zap.String("raw_payload", n.Raw),
		zap.Error(cause))

	err := r.orders.RecordRejected(ctx, PaymentOutcome{
		OrderNumber: n.OrderNumber,
		Reported:    n.Status,
		SourceID:    n.TransactionID,
		Source:      models.SourceITN,
		Amount:      n.Amount,
		Raw:         n.Raw,
	})
	if err != nil {
		r.logger.Error("Failed to record rejected notification", zap.Error(err))
	}
}
