package service

import (
	"context"
	"errors"
	"fmt"

	"storefront/internal/models"
	"storefront/internal/pricing"
	"storefront/internal/store"
	"storefront/internal/util"

	"go.uber.org/zap"
)

// Mailer delivers customer messages.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogMailer writes messages to the log instead of sending them.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer creates a log-backed mailer
func NewLogMailer() *LogMailer {
	return &LogMailer{logger: util.GetLogger()}
}

func (m *LogMailer) Send(ctx context.Context, to, subject, body string) error {
	m.logger.Info("Mail sent",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.String("body", body))
	return nil
}

// FulfillmentService reacts to published order events. Each event id is handled at most once:
// the processed_events insert and the handler's work share one transaction, so a failed handler
// leaves the event to be redelivered.
type FulfillmentService struct {
	store  store.Store
	mailer Mailer
	logger *zap.Logger
}

// NewFulfillmentService creates a new fulfillment service
func NewFulfillmentService(st store.Store, mailer Mailer) *FulfillmentService {
	return &FulfillmentService{
		store:  st,
		mailer: mailer,
		logger: util.GetLogger(),
	}
}

// HandleOrderPaid sends the order confirmation.
func (fs *FulfillmentService) HandleOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error {
	ctx, span := util.StartSpan(ctx, "FulfillmentService.HandleOrderPaid")
	defer span.End()

	return fs.once(ctx, event.BaseEvent, event.OrderNumber, func(order *models.Order, lines []models.OrderLine) error {
		body := fmt.Sprintf("Thank you for your payment of %s. %d item(s) will be prepared for shipping.",
			pricing.FormatAmount(event.Amount), countItems(lines))
		return fs.mailer.Send(ctx, order.OwnerRef, "Order "+order.OrderNumber+" confirmed", body)
	})
}

// HandleOrderCancelled notifies the customer. A cancelled order that was already paid needs a
// manual refund.
func (fs *FulfillmentService) HandleOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error {
	ctx, span := util.StartSpan(ctx, "FulfillmentService.HandleOrderCancelled")
	defer span.End()

	return fs.once(ctx, event.BaseEvent, event.OrderNumber, func(order *models.Order, _ []models.OrderLine) error {
		if event.PaymentStatus == models.PaymentStatusPaid {
			fs.logger.Warn("Paid order cancelled, refund required",
				zap.String("order_number", order.OrderNumber),
				zap.Int64("total_amount", order.TotalAmount))
		}
		return fs.mailer.Send(ctx, order.OwnerRef, "Order "+order.OrderNumber+" cancelled",
			"Your order has been cancelled. Reason: "+event.Reason)
	})
}

// HandleOrderRefunded notifies the customer about the refund.
func (fs *FulfillmentService) HandleOrderRefunded(ctx context.Context, event *models.OrderRefundedEvent) error {
	ctx, span := util.StartSpan(ctx, "FulfillmentService.HandleOrderRefunded")
	defer span.End()

	return fs.once(ctx, event.BaseEvent, event.OrderNumber, func(order *models.Order, _ []models.OrderLine) error {
		return fs.mailer.Send(ctx, order.OwnerRef, "Order "+order.OrderNumber+" refunded",
			fmt.Sprintf("A refund of %s has been issued.", pricing.FormatAmount(event.Amount)))
	})
}

// HandleReviewRequired records an order that needs manual reconciliation.
func (fs *FulfillmentService) HandleReviewRequired(ctx context.Context, event *models.OrderReviewRequiredEvent) error {
	return fs.once(ctx, event.BaseEvent, event.OrderNumber, func(order *models.Order, _ []models.OrderLine) error {
		fs.logger.Error("Manual reconciliation required",
			zap.String("order_number", order.OrderNumber),
			zap.String("reason", event.Reason),
			zap.String("notification_id", event.SourceNotificationID),
			zap.String("reported_amount", event.ReportedAmount),
			zap.Int64("expected_amount", event.ExpectedAmount))
		return nil
	})
}

func (fs *FulfillmentService) once(
	ctx context.Context,
	base models.BaseEvent,
	orderNumber string,
	handle func(order *models.Order, lines []models.OrderLine) error,
) error {
	return fs.store.WithinTx(ctx, func(tx store.Tx) error {
		first, err := tx.MarkEventProcessed(ctx, base.EventID, base.EventType)
		if err != nil {
			return fmt.Errorf("failed to mark event processed: %w", err)
		}
		if !first {
			fs.logger.Info("Event already processed", zap.String("event_id", base.EventID))
			return nil
		}

		order, err := tx.GetOrderByNumber(ctx, orderNumber)
		if errors.Is(err, store.ErrNotFound) {
			fs.logger.Warn("Event for unknown order",
				zap.String("event_id", base.EventID),
				zap.String("order_number", orderNumber))
			return nil
		}
		if err != nil {
			return err
		}
		lines, err := tx.ListOrderLines(ctx, order.ID)
		if err != nil {
			return err
		}
		return handle(order, lines)
	})
}

func countItems(lines []models.OrderLine) int {
	n := 0
	for _, l := range lines {
		n += l.Quantity
	}
	return n
}
