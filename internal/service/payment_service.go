package service

import (
	"context"

	"storefront/internal/models"
	"storefront/internal/payment"
	"storefront/internal/util"

	"go.uber.org/zap"
)

// PaymentService runs checkout end to end: the order is created first, then the processor
// redirect is signed and, when configured, the payment is registered with the processor.
type PaymentService struct {
	orders    *OrderService
	requester PaymentRequester
	logger    *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(orders *OrderService, requester PaymentRequester) *PaymentService {
	return &PaymentService{
		orders:    orders,
		requester: requester,
		logger:    util.GetLogger(),
	}
}

// CheckoutResult is returned to the client after checkout.
type CheckoutResult struct {
	*OrderDetails
	Payment          *payment.PaymentRequest `json:"payment,omitempty"`
	PaymentReference string                  `json:"payment_reference,omitempty"`
	// RegistrationPending means the processor could not be reached; the signed redirect is
	// still valid and the order stays pending_payment.
	RegistrationPending bool `json:"registration_pending,omitempty"`
	Replayed            bool `json:"replayed"`
}

// Checkout creates the order and prepares its payment. A gateway failure never fails checkout:
// the committed order is returned with RegistrationPending set.
func (ps *PaymentService) Checkout(ctx context.Context, req *CheckoutRequest) (*CheckoutResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Checkout")
	defer span.End()

	details, replayed, err := ps.orders.CreateOrder(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &CheckoutResult{OrderDetails: details, Replayed: replayed}
	order := details.Order
	if order.Status != models.OrderStatusPendingPayment || order.PaymentStatus == models.PaymentStatusPaid {
		return result, nil
	}

	request := ps.requester.BuildPaymentRequest(order, "Order "+order.OrderNumber)
	result.Payment = &request
	if replayed {
		return result, nil
	}

	ref, err := ps.requester.InitiatePayment(ctx, request)
	if err != nil {
		result.RegistrationPending = true
		ps.logger.Warn("Payment registration unavailable, order left pending",
			zap.String("order_number", order.OrderNumber),
			zap.Error(err))
		return result, nil
	}
	result.PaymentReference = ref

	ps.logger.Info("Payment prepared",
		zap.String("order_number", order.OrderNumber),
		zap.String("amount", request.Fields[payment.FieldAmount]),
		zap.String("payment_reference", ref))
	return result, nil
}
