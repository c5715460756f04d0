package service

import (
	"context"
	"net/url"
	"time"

	"storefront/internal/models"
	"storefront/internal/payment"
)

// StockCache is the fast, non-authoritative view of stock levels.
type StockCache interface {
	GetStock(ctx context.Context, productID int64) (int, bool, error)
	AdjustStock(ctx context.Context, productID int64, delta int) error
	SyncStock(ctx context.Context, levels map[int64]int) error
}

// Locker provides short-lived exclusive locks.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// PaymentRequester builds the processor redirect and optionally registers the payment.
type PaymentRequester interface {
	BuildPaymentRequest(order *models.Order, itemName string) payment.PaymentRequest
	InitiatePayment(ctx context.Context, req payment.PaymentRequest) (string, error)
}

// NotificationVerifier authenticates processor callbacks.
type NotificationVerifier interface {
	VerifyNotification(values url.Values) (*payment.Notification, error)
}
