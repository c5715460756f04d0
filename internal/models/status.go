package models

// Order statuses
const (
	OrderStatusPendingPayment = "pending_payment"
	OrderStatusProcessing     = "processing"
	OrderStatusShipped        = "shipped"
	OrderStatusOutForDelivery = "out_for_delivery"
	OrderStatusDelivered      = "delivered"
	OrderStatusCancelled      = "cancelled"
	OrderStatusRefunded       = "refunded"
)

// Payment statuses
const (
	PaymentStatusUnpaid    = "unpaid"
	PaymentStatusPending   = "pending"
	PaymentStatusPaid      = "paid"
	PaymentStatusFailed    = "failed"
	PaymentStatusCancelled = "cancelled"
	PaymentStatusRefunded  = "refunded"
)

// Statuses reported by the payment processor
const (
	ReportedComplete  = "COMPLETE"
	ReportedPending   = "PENDING"
	ReportedFailed    = "FAILED"
	ReportedCancelled = "CANCELLED"
	ReportedRefunded  = "REFUNDED"
)

var orderTransitions = map[string][]string{
	OrderStatusPendingPayment: {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing:     {OrderStatusShipped, OrderStatusCancelled, OrderStatusRefunded},
	OrderStatusShipped:        {OrderStatusOutForDelivery},
	OrderStatusOutForDelivery: {OrderStatusDelivered},
	OrderStatusDelivered:      {OrderStatusRefunded},
}

// successPath orders the fulfilment states; branches are not on it.
var successPath = map[string]int{
	OrderStatusPendingPayment: 0,
	OrderStatusProcessing:     1,
	OrderStatusShipped:        2,
	OrderStatusOutForDelivery: 3,
	OrderStatusDelivered:      4,
}

var paymentRank = map[string]int{
	PaymentStatusUnpaid:    0,
	PaymentStatusPending:   1,
	PaymentStatusPaid:      2,
	PaymentStatusFailed:    2,
	PaymentStatusCancelled: 2,
	PaymentStatusRefunded:  3,
}

// CanTransition reports whether from -> to is a legal forward move.
func CanTransition(from, to string) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsKnownOrderStatus reports whether s is one of the order statuses.
func IsKnownOrderStatus(s string) bool {
	if _, ok := successPath[s]; ok {
		return true
	}
	return s == OrderStatusCancelled || s == OrderStatusRefunded
}

// IsFinal reports statuses nothing can leave.
func IsFinal(s string) bool {
	return s == OrderStatusCancelled || s == OrderStatusRefunded
}

// PaymentRank orders payment statuses; paid, failed and cancelled share a rank so the first
// terminal report wins.
func PaymentRank(s string) int {
	if r, ok := paymentRank[s]; ok {
		return r
	}
	return -1
}

// PaymentTarget maps a processor-reported status to the (status, payment_status) it asks for.
func PaymentTarget(reported string) (status, paymentStatus string, ok bool) {
	switch reported {
	case ReportedComplete:
		return OrderStatusProcessing, PaymentStatusPaid, true
	case ReportedPending:
		return OrderStatusPendingPayment, PaymentStatusPending, true
	case ReportedFailed:
		return OrderStatusCancelled, PaymentStatusFailed, true
	case ReportedCancelled:
		return OrderStatusCancelled, PaymentStatusCancelled, true
	case ReportedRefunded:
		return OrderStatusRefunded, PaymentStatusRefunded, true
	}
	return "", "", false
}

// Resolution is the result of merging a payment report into the current order state.
type Resolution struct {
	Status        string
	PaymentStatus string
	Apply         bool
}

// StatusChanged reports whether the resolution moves the order status.
func (r Resolution) StatusChanged(current string) bool {
	return r.Apply && r.Status != current
}

// ResolvePaymentReport decides what a reported status does to an order in state
// (status, paymentStatus). Backward or sideways reports resolve to Apply=false.
func ResolvePaymentReport(status, paymentStatus, reported string) Resolution {
	noop := Resolution{Status: status, PaymentStatus: paymentStatus}

	target, targetPay, ok := PaymentTarget(reported)
	if !ok {
		return noop
	}
	if PaymentRank(targetPay) <= PaymentRank(paymentStatus) {
		return noop
	}

	switch {
	case target == status:
		return Resolution{Status: status, PaymentStatus: targetPay, Apply: true}
	case CanTransition(status, target):
		return Resolution{Status: target, PaymentStatus: targetPay, Apply: true}
	case targetPay == PaymentStatusPaid && successPath[status] > successPath[OrderStatusProcessing]:
		// fulfilment already moved ahead of the payment report
		return Resolution{Status: status, PaymentStatus: targetPay, Apply: true}
	}
	return noop
}
