package store

import (
	"context"
	"errors"
	"time"

	"storefront/internal/models"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an insert loses a uniqueness race.
	ErrConflict = errors.New("conflict")
)

// Store hides transaction begin/commit/rollback from the services. Every read and write goes
// through WithinTx; fn's error rolls the whole unit back.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// OrderFilter narrows admin order listings.
type OrderFilter struct {
	Status   string
	OwnerRef string
	Limit    int
	Offset   int
}

// Tx is the set of operations available inside one transaction. Lock* methods take an
// exclusive row lock held until the transaction ends.
type Tx interface {
	CreateCart(ctx context.Context, cart *models.Cart) error
	GetCart(ctx context.Context, cartID string) (*models.Cart, error)
	GetActiveCartByOwner(ctx context.Context, ownerRef string) (*models.Cart, error)
	LockCart(ctx context.Context, cartID string) (*models.Cart, error)
	UpdateCartStatus(ctx context.Context, cartID, status string) error
	TouchCart(ctx context.Context, cartID string) error
	ListCartLines(ctx context.Context, cartID string) ([]models.CartLine, error)
	GetCartLine(ctx context.Context, cartID string, lineID int64) (*models.CartLine, error)
	GetCartLineByProduct(ctx context.Context, cartID string, productID int64) (*models.CartLine, error)
	InsertCartLine(ctx context.Context, line *models.CartLine) error
	UpdateCartLineQuantity(ctx context.Context, lineID int64, quantity int) error
	DeleteCartLine(ctx context.Context, lineID int64) error

	GetProduct(ctx context.Context, productID int64) (*models.Product, error)
	ListProducts(ctx context.Context) ([]models.Product, error)
	GetInventory(ctx context.Context, productID int64) (*models.Inventory, error)
	// LockInventory locks the stock rows of productIDs in ascending id order and returns
	// available quantities. Missing products are absent from the map.
	LockInventory(ctx context.Context, productIDs []int64) (map[int64]int, error)
	// DecrementStock subtracts quantity only if enough is available.
	DecrementStock(ctx context.Context, productID int64, quantity int) (bool, error)
	IncrementStock(ctx context.Context, productID int64, quantity int) error
	GetCoupon(ctx context.Context, code string) (*models.Coupon, error)
	// RedeemCoupon increments usage only while under max_uses.
	RedeemCoupon(ctx context.Context, code string) (bool, error)

	InsertOrder(ctx context.Context, order *models.Order) error
	InsertOrderLines(ctx context.Context, orderID int64, lines []models.OrderLine) error
	GetOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	LockOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error)
	ListOrderLines(ctx context.Context, orderID int64) ([]models.OrderLine, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, error)
	ListStalePendingOrders(ctx context.Context, createdBefore time.Time, limit int) ([]models.Order, error)
	UpdateOrderState(ctx context.Context, orderID int64, status, paymentStatus string) error
	MarkStockReleased(ctx context.Context, orderID int64) error
	FlagForReview(ctx context.Context, orderID int64, reason string) error
	InsertStatusChange(ctx context.Context, change *models.StatusChange) error
	ListStatusChanges(ctx context.Context, orderID int64) ([]models.StatusChange, error)

	// InsertNotification stores an audit record. For signature-valid records it returns false
	// when (source_notification_id, reported_status) was already stored.
	InsertNotification(ctx context.Context, n *models.PaymentNotification) (bool, error)
	ListNotifications(ctx context.Context, orderNumber string) ([]models.PaymentNotification, error)

	EnqueueEvent(ctx context.Context, event *models.OutboxEvent) error
	ListUnpublishedEvents(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	MarkEventPublished(ctx context.Context, eventID string) error
	// MarkEventProcessed returns false if the event was already processed.
	MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error)
}
