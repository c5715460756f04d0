package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"storefront/internal/models"

	"github.com/jmoiron/sqlx"
)

// InsertOrder creates a new order
func (t *pgTx) InsertOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (order_number, owner_ref, cart_id, shipping_address_ref, billing_address_ref,
			subtotal, discount, coupon_code, shipping_cost, tax_amount, total_amount,
			payment_method, status, payment_status, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id, created_at, updated_at`

	return sqlx.GetContext(ctx, t.q, order, query,
		order.OrderNumber, order.OwnerRef, order.CartID, order.ShippingAddressRef, order.BillingAddressRef,
		order.Subtotal, order.Discount, order.CouponCode, order.ShippingCost, order.TaxAmount, order.TotalAmount,
		order.PaymentMethod, order.Status, order.PaymentStatus, order.IdempotencyKey)
}

// InsertOrderLines snapshots the cart lines of an order
func (t *pgTx) InsertOrderLines(ctx context.Context, orderID int64, lines []models.OrderLine) error {
	query := `
		INSERT INTO order_lines (order_id, product_id, product_name, unit_price, quantity, subtotal)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	for i := range lines {
		lines[i].OrderID = orderID
		l := &lines[i]
		if err := sqlx.GetContext(ctx, t.q, &l.ID, query,
			orderID, l.ProductID, l.ProductName, l.UnitPrice, l.Quantity, l.Subtotal); err != nil {
			return fmt.Errorf("failed to insert order line: %w", err)
		}
	}
	return nil
}

// GetOrderByNumber retrieves an order by its public number
func (t *pgTx) GetOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	var order models.Order
	if err := t.get(ctx, &order, "SELECT * FROM orders WHERE order_number = $1", orderNumber); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey retrieves an order by idempotency key
func (t *pgTx) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var order models.Order
	if err := t.get(ctx, &order, "SELECT * FROM orders WHERE idempotency_key = $1", key); err != nil {
		return nil, err
	}
	return &order, nil
}

// LockOrderByNumber retrieves an order holding its row lock
func (t *pgTx) LockOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	var order models.Order
	if err := t.get(ctx, &order, "SELECT * FROM orders WHERE order_number = $1 FOR UPDATE", orderNumber); err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrderLines retrieves all lines for an order
func (t *pgTx) ListOrderLines(ctx context.Context, orderID int64) ([]models.OrderLine, error) {
	lines := []models.OrderLine{}
	err := sqlx.SelectContext(ctx, t.q, &lines,
		"SELECT * FROM order_lines WHERE order_id = $1 ORDER BY id", orderID)
	return lines, err
}

func (t *pgTx) ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.OwnerRef != "" {
		args = append(args, filter.OwnerRef)
		where = append(where, fmt.Sprintf("owner_ref = $%d", len(args)))
	}

	query := "SELECT * FROM orders"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	orders := []models.Order{}
	err := sqlx.SelectContext(ctx, t.q, &orders, query, args...)
	return orders, err
}

// ListStalePendingOrders finds orders with no payment activity created before createdBefore, oldest first
func (t *pgTx) ListStalePendingOrders(ctx context.Context, createdBefore time.Time, limit int) ([]models.Order, error) {
	orders := []models.Order{}
	err := sqlx.SelectContext(ctx, t.q, &orders,
		`SELECT * FROM orders
		 WHERE status = $1 AND payment_status = $2 AND created_at < $3
		 ORDER BY created_at LIMIT $4`,
		models.OrderStatusPendingPayment, models.PaymentStatusUnpaid, createdBefore, limit)
	return orders, err
}

// UpdateOrderState updates order status and payment status together
func (t *pgTx) UpdateOrderState(ctx context.Context, orderID int64, status, paymentStatus string) error {
	return t.execOne(ctx,
		"UPDATE orders SET status = $1, payment_status = $2, updated_at = NOW() WHERE id = $3",
		status, paymentStatus, orderID)
}

func (t *pgTx) MarkStockReleased(ctx context.Context, orderID int64) error {
	return t.execOne(ctx,
		"UPDATE orders SET stock_released = TRUE, updated_at = NOW() WHERE id = $1", orderID)
}

func (t *pgTx) FlagForReview(ctx context.Context, orderID int64, reason string) error {
	return t.execOne(ctx,
		"UPDATE orders SET review_required = TRUE, review_reason = $1, updated_at = NOW() WHERE id = $2",
		reason, orderID)
}

// InsertStatusChange appends to the order's history
func (t *pgTx) InsertStatusChange(ctx context.Context, change *models.StatusChange) error {
	query := `
		INSERT INTO order_status_changes (order_id, from_status, to_status, from_payment_status,
			to_payment_status, source, reference, actor)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`

	return sqlx.GetContext(ctx, t.q, change, query,
		change.OrderID, change.FromStatus, change.ToStatus, change.FromPaymentStatus,
		change.ToPaymentStatus, change.Source, change.Reference, change.Actor)
}

func (t *pgTx) ListStatusChanges(ctx context.Context, orderID int64) ([]models.StatusChange, error) {
	changes := []models.StatusChange{}
	err := sqlx.SelectContext(ctx, t.q, &changes,
		"SELECT * FROM order_status_changes WHERE order_id = $1 ORDER BY id", orderID)
	return changes, err
}

// InsertNotification records a payment callback. The partial unique index only covers
// signature-valid rows, so a conflict means a replay.
func (t *pgTx) InsertNotification(ctx context.Context, n *models.PaymentNotification) (bool, error) {
	query := `
		INSERT INTO payment_notifications (source, source_notification_id, order_number, reported_status,
			amount, raw_payload, signature_valid, outcome)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (source_notification_id, reported_status) WHERE signature_valid DO NOTHING
		RETURNING id, received_at`

	err := t.get(ctx, n, query,
		n.Source, n.SourceNotificationID, n.OrderNumber, n.ReportedStatus,
		n.Amount, n.RawPayload, n.SignatureValid, n.Outcome)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert notification: %w", err)
	}
	return true, nil
}

func (t *pgTx) ListNotifications(ctx context.Context, orderNumber string) ([]models.PaymentNotification, error) {
	notifications := []models.PaymentNotification{}
	err := sqlx.SelectContext(ctx, t.q, &notifications,
		"SELECT * FROM payment_notifications WHERE order_number = $1 ORDER BY id", orderNumber)
	return notifications, err
}

// EnqueueEvent writes an outbox row in the caller's transaction
func (t *pgTx) EnqueueEvent(ctx context.Context, event *models.OutboxEvent) error {
	query := `
		INSERT INTO outbox_events (id, aggregate_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`

	return sqlx.GetContext(ctx, t.q, &event.CreatedAt, query,
		event.ID, event.AggregateID, event.EventType, string(event.Payload))
}

// ListUnpublishedEvents locks a batch of pending outbox rows; concurrent relays skip them
func (t *pgTx) ListUnpublishedEvents(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	events := []models.OutboxEvent{}
	err := sqlx.SelectContext(ctx, t.q, &events,
		`SELECT * FROM outbox_events WHERE published_at IS NULL
		 ORDER BY created_at, id LIMIT $1 FOR UPDATE SKIP LOCKED`, limit)
	return events, err
}

func (t *pgTx) MarkEventPublished(ctx context.Context, eventID string) error {
	return t.execOne(ctx, "UPDATE outbox_events SET published_at = NOW() WHERE id = $1", eventID)
}

// MarkEventProcessed marks an event as processed
func (t *pgTx) MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	n, err := t.exec(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
