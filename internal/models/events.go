package models

import "time"

// Event types
const (
	EventTypeOrderCreated        = "ORDER_CREATED"
	EventTypeOrderPaid           = "ORDER_PAID"
	EventTypeOrderStatusChanged  = "ORDER_STATUS_CHANGED"
	EventTypeOrderCancelled      = "ORDER_CANCELLED"
	EventTypeOrderRefunded       = "ORDER_REFUNDED"
	EventTypeOrderReviewRequired = "ORDER_REVIEW_REQUIRED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published when order is created
type OrderCreatedEvent struct {
	BaseEvent
	OrderNumber string          `json:"order_number"`
	OwnerRef    string          `json:"owner_ref"`
	TotalAmount int64           `json:"total_amount"`
	Items       []OrderItemData `json:"items"`
}

// OrderPaidEvent published when a payment report moves the order to paid
type OrderPaidEvent struct {
	BaseEvent
	OrderNumber string `json:"order_number"`
	OwnerRef    string `json:"owner_ref"`
	Amount      int64  `json:"amount"`
	TxID        string `json:"tx_id"`
}

// OrderStatusChangedEvent published for fulfilment moves (shipped, delivered, ...)
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderNumber string `json:"order_number"`
	From        string `json:"from"`
	To          string `json:"to"`
	Actor       string `json:"actor"`
}

// OrderCancelledEvent published when order is cancelled (compensation)
type OrderCancelledEvent struct {
	BaseEvent
	OrderNumber   string `json:"order_number"`
	PaymentStatus string `json:"payment_status"`
	Reason        string `json:"reason"`
}

// OrderRefundedEvent published when a refund is applied
type OrderRefundedEvent struct {
	BaseEvent
	OrderNumber string `json:"order_number"`
	Amount      int64  `json:"amount"`
	Restocked   bool   `json:"restocked"`
}

// OrderReviewRequiredEvent published when a notification cannot be trusted automatically
type OrderReviewRequiredEvent struct {
	BaseEvent
	OrderNumber          string `json:"order_number"`
	Reason               string `json:"reason"`
	SourceNotificationID string `json:"source_notification_id"`
	ReportedAmount       string `json:"reported_amount"`
	ExpectedAmount       int64  `json:"expected_amount"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
	UnitPrice int64 `json:"unit_price"`
}
