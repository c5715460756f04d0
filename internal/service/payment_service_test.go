package service

import (
	"context"
	"testing"

	"storefront/internal/models"
	"storefront/internal/payment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRequester struct {
	mock.Mock
	gateway *payment.Gateway
}

func (m *mockRequester) BuildPaymentRequest(order *models.Order, itemName string) payment.PaymentRequest {
	return m.gateway.BuildPaymentRequest(order, itemName)
}

func (m *mockRequester) InitiatePayment(ctx context.Context, req payment.PaymentRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func TestPaymentCheckout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pid := f.st.SeedProduct("SKU-1", "Kettle", 10000, 10)

	requester := &mockRequester{gateway: f.gateway}
	requester.On("InitiatePayment", mock.Anything, mock.Anything).Return("pay-ref-1", nil).Once()
	svc := NewPaymentService(f.orders, requester)

	_, err := f.carts.AddItem(ctx, "user:1", pid, 2)
	require.NoError(t, err)

	req := &CheckoutRequest{Owner: "user:1", ShippingAddressRef: "a", PaymentMethod: "card", AttemptToken: "t1"}
	result, err := svc.Checkout(ctx, req)
	require.NoError(t, err)
	assert.False(t, result.Replayed)
	assert.Equal(t, "pay-ref-1", result.PaymentReference)
	require.NotNil(t, result.Payment)
	assert.Equal(t, "280.00", result.Payment.Fields[payment.FieldAmount])
	assert.Equal(t, result.Order.OrderNumber, result.Payment.Fields[payment.FieldOrderNumber])

	// the replay returns the same redirect without registering again
	replay, err := svc.Checkout(ctx, req)
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, result.Order.OrderNumber, replay.Order.OrderNumber)
	assert.Equal(t, result.Payment.Fields[payment.FieldSignature], replay.Payment.Fields[payment.FieldSignature])

	requester.AssertExpectations(t)
}

func TestPaymentCheckout_GatewayDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pid := f.st.SeedProduct("SKU-1", "Kettle", 10000, 10)

	requester := &mockRequester{gateway: f.gateway}
	requester.On("InitiatePayment", mock.Anything, mock.Anything).Return("", payment.ErrGatewayUnavailable)
	svc := NewPaymentService(f.orders, requester)

	_, err := f.carts.AddItem(ctx, "user:1", pid, 1)
	require.NoError(t, err)

	result, err := svc.Checkout(ctx, &CheckoutRequest{Owner: "user:1", ShippingAddressRef: "a", PaymentMethod: "card"})
	require.NoError(t, err)
	assert.True(t, result.RegistrationPending)
	assert.NotNil(t, result.Payment)

	order := f.order(t, result.Order.OrderNumber)
	assert.Equal(t, models.OrderStatusPendingPayment, order.Status)
	assert.Equal(t, 9, f.st.Available(pid))
}

func TestPaymentCheckout_ErrorsPassThrough(t *testing.T) {
	f := newFixture(t)
	requester := &mockRequester{gateway: f.gateway}
	svc := NewPaymentService(f.orders, requester)

	_, err := svc.Checkout(context.Background(), &CheckoutRequest{Owner: "user:1", ShippingAddressRef: "a", PaymentMethod: "card"})
	assert.ErrorIs(t, err, ErrEmptyCart)
	requester.AssertNotCalled(t, "InitiatePayment", mock.Anything, mock.Anything)
}
