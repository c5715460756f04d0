package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	legal := [][2]string{
		{OrderStatusPendingPayment, OrderStatusProcessing},
		{OrderStatusPendingPayment, OrderStatusCancelled},
		{OrderStatusProcessing, OrderStatusShipped},
		{OrderStatusProcessing, OrderStatusCancelled},
		{OrderStatusProcessing, OrderStatusRefunded},
		{OrderStatusShipped, OrderStatusOutForDelivery},
		{OrderStatusOutForDelivery, OrderStatusDelivered},
		{OrderStatusDelivered, OrderStatusRefunded},
	}
	for _, tr := range legal {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	illegal := [][2]string{
		{OrderStatusProcessing, OrderStatusPendingPayment},
		{OrderStatusShipped, OrderStatusCancelled},
		{OrderStatusDelivered, OrderStatusProcessing},
		{OrderStatusCancelled, OrderStatusProcessing},
		{OrderStatusRefunded, OrderStatusProcessing},
		{OrderStatusPendingPayment, OrderStatusShipped},
		{OrderStatusPendingPayment, OrderStatusRefunded},
	}
	for _, tr := range illegal {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestResolvePaymentReport(t *testing.T) {
	tests := []struct {
		name       string
		status     string
		payment    string
		reported   string
		wantApply  bool
		wantStatus string
		wantPay    string
	}{
		{"complete on new order", OrderStatusPendingPayment, PaymentStatusUnpaid, ReportedComplete, true, OrderStatusProcessing, PaymentStatusPaid},
		{"pending on new order", OrderStatusPendingPayment, PaymentStatusUnpaid, ReportedPending, true, OrderStatusPendingPayment, PaymentStatusPending},
		{"complete after pending", OrderStatusPendingPayment, PaymentStatusPending, ReportedComplete, true, OrderStatusProcessing, PaymentStatusPaid},
		{"late pending after paid", OrderStatusProcessing, PaymentStatusPaid, ReportedPending, false, OrderStatusProcessing, PaymentStatusPaid},
		{"replayed complete", OrderStatusProcessing, PaymentStatusPaid, ReportedComplete, false, OrderStatusProcessing, PaymentStatusPaid},
		{"failed cancels unpaid order", OrderStatusPendingPayment, PaymentStatusPending, ReportedFailed, true, OrderStatusCancelled, PaymentStatusFailed},
		{"failed after paid ignored", OrderStatusProcessing, PaymentStatusPaid, ReportedFailed, false, OrderStatusProcessing, PaymentStatusPaid},
		{"complete after failed ignored", OrderStatusCancelled, PaymentStatusFailed, ReportedComplete, false, OrderStatusCancelled, PaymentStatusFailed},
		{"paid after refunded ignored", OrderStatusRefunded, PaymentStatusRefunded, ReportedComplete, false, OrderStatusRefunded, PaymentStatusRefunded},
		{"refund of processing order", OrderStatusProcessing, PaymentStatusPaid, ReportedRefunded, true, OrderStatusRefunded, PaymentStatusRefunded},
		{"refund of delivered order", OrderStatusDelivered, PaymentStatusPaid, ReportedRefunded, true, OrderStatusRefunded, PaymentStatusRefunded},
		{"refund while shipped ignored", OrderStatusShipped, PaymentStatusPaid, ReportedRefunded, false, OrderStatusShipped, PaymentStatusPaid},
		{"pending after delivered ignored", OrderStatusDelivered, PaymentStatusPaid, ReportedPending, false, OrderStatusDelivered, PaymentStatusPaid},
		{"paid report after manual shipment", OrderStatusShipped, PaymentStatusPending, ReportedComplete, true, OrderStatusShipped, PaymentStatusPaid},
		{"unknown report", OrderStatusPendingPayment, PaymentStatusUnpaid, "SETTLED", false, OrderStatusPendingPayment, PaymentStatusUnpaid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ResolvePaymentReport(tt.status, tt.payment, tt.reported)
			assert.Equal(t, tt.wantApply, res.Apply)
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, tt.wantPay, res.PaymentStatus)
		})
	}
}

func TestDeliveredNeverMovesBack(t *testing.T) {
	for _, reported := range []string{ReportedPending, ReportedComplete, ReportedFailed, ReportedCancelled} {
		res := ResolvePaymentReport(OrderStatusDelivered, PaymentStatusPaid, reported)
		assert.Equal(t, OrderStatusDelivered, res.Status, reported)
		assert.False(t, res.StatusChanged(OrderStatusDelivered), reported)
	}
}
