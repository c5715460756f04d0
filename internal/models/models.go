package models

import "time"

// Product represents a product in the catalog
type Product struct {
	ID        int64     `db:"id" json:"id"`
	SKU       string    `db:"sku" json:"sku"`
	Name      string    `db:"name" json:"name"`
	Price     int64     `db:"price" json:"price"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Inventory represents product stock
type Inventory struct {
	ProductID int64     `db:"product_id" json:"product_id"`
	Available int       `db:"available" json:"available"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Cart statuses
const (
	CartStatusActive    = "active"
	CartStatusConverted = "converted"
	CartStatusAbandoned = "abandoned"
)

// Cart is bound to one owner reference ("user:<id>" or "session:<token>").
type Cart struct {
	ID        string    `db:"id" json:"id"`
	OwnerRef  string    `db:"owner_ref" json:"owner_ref"`
	Status    string    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// CartLine holds the price captured when the product was added.
type CartLine struct {
	ID          int64     `db:"id" json:"id"`
	CartID      string    `db:"cart_id" json:"cart_id"`
	ProductID   int64     `db:"product_id" json:"product_id"`
	ProductName string    `db:"product_name" json:"product_name"`
	Quantity    int       `db:"quantity" json:"quantity"`
	UnitPrice   int64     `db:"unit_price" json:"unit_price"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Subtotal returns quantity * unit price.
func (l CartLine) Subtotal() int64 {
	return l.UnitPrice * int64(l.Quantity)
}

// Coupon kinds
const (
	CouponKindPercent = "percent"
	CouponKindFixed   = "fixed"
)

// Coupon is a discount code. Percent values are basis points, fixed values are minor units.
type Coupon struct {
	Code        string     `db:"code" json:"code"`
	Kind        string     `db:"kind" json:"kind"`
	Value       int64      `db:"value" json:"value"`
	MinSubtotal int64      `db:"min_subtotal" json:"min_subtotal"`
	ExpiresAt   *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	MaxUses     int        `db:"max_uses" json:"max_uses"`
	Used        int        `db:"used" json:"used"`
}

// Order represents a customer order. Amounts are fixed at creation.
type Order struct {
	ID                 int64     `db:"id" json:"id"`
	OrderNumber        string    `db:"order_number" json:"order_number"`
	OwnerRef           string    `db:"owner_ref" json:"owner_ref"`
	CartID             string    `db:"cart_id" json:"cart_id"`
	ShippingAddressRef string    `db:"shipping_address_ref" json:"shipping_address_ref"`
	BillingAddressRef  string    `db:"billing_address_ref" json:"billing_address_ref"`
	Subtotal           int64     `db:"subtotal" json:"subtotal"`
	Discount           int64     `db:"discount" json:"discount"`
	CouponCode         string    `db:"coupon_code" json:"coupon_code,omitempty"`
	ShippingCost       int64     `db:"shipping_cost" json:"shipping_cost"`
	TaxAmount          int64     `db:"tax_amount" json:"tax_amount"`
	TotalAmount        int64     `db:"total_amount" json:"total_amount"`
	PaymentMethod      string    `db:"payment_method" json:"payment_method"`
	Status             string    `db:"status" json:"status"`
	PaymentStatus      string    `db:"payment_status" json:"payment_status"`
	IdempotencyKey     string    `db:"idempotency_key" json:"-"`
	ReviewRequired     bool      `db:"review_required" json:"review_required"`
	ReviewReason       string    `db:"review_reason" json:"review_reason,omitempty"`
	StockReleased      bool      `db:"stock_released" json:"-"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}

// OrderLine is an insert-only snapshot of a cart line.
type OrderLine struct {
	ID          int64  `db:"id" json:"id"`
	OrderID     int64  `db:"order_id" json:"order_id"`
	ProductID   int64  `db:"product_id" json:"product_id"`
	ProductName string `db:"product_name" json:"product_name"`
	UnitPrice   int64  `db:"unit_price" json:"unit_price"`
	Quantity    int    `db:"quantity" json:"quantity"`
	Subtotal    int64  `db:"subtotal" json:"subtotal"`
}

// Notification sources
const (
	SourceITN      = "itn"
	SourceReturn   = "return"
	SourceAdmin    = "admin"
	SourceSystem   = "system"
	SourceCustomer = "customer"
)

// Notification outcomes
const (
	OutcomeApplied        = "applied"
	OutcomeIgnored        = "ignored"
	OutcomeDuplicate      = "duplicate"
	OutcomeAmountMismatch = "amount_mismatch"
	OutcomeUnknownOrder   = "unknown_order"
	OutcomeRejected       = "rejected"
)

// PaymentNotification is the audit record of every callback received.
type PaymentNotification struct {
	ID                   int64     `db:"id" json:"id"`
	Source               string    `db:"source" json:"source"`
	SourceNotificationID string    `db:"source_notification_id" json:"source_notification_id"`
	OrderNumber          string    `db:"order_number" json:"order_number"`
	ReportedStatus       string    `db:"reported_status" json:"reported_status"`
	Amount               string    `db:"amount" json:"amount"`
	RawPayload           string    `db:"raw_payload" json:"raw_payload"`
	SignatureValid       bool      `db:"signature_valid" json:"signature_valid"`
	Outcome              string    `db:"outcome" json:"outcome"`
	ReceivedAt           time.Time `db:"received_at" json:"received_at"`
}

// StatusChange records one applied transition.
type StatusChange struct {
	ID                int64     `db:"id" json:"id"`
	OrderID           int64     `db:"order_id" json:"order_id"`
	FromStatus        string    `db:"from_status" json:"from_status"`
	ToStatus          string    `db:"to_status" json:"to_status"`
	FromPaymentStatus string    `db:"from_payment_status" json:"from_payment_status"`
	ToPaymentStatus   string    `db:"to_payment_status" json:"to_payment_status"`
	Source            string    `db:"source" json:"source"`
	Reference         string    `db:"reference" json:"reference"`
	Actor             string    `db:"actor" json:"actor"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// OutboxEvent is written in the same transaction as the change it describes.
type OutboxEvent struct {
	ID          string     `db:"id" json:"id"`
	AggregateID string     `db:"aggregate_id" json:"aggregate_id"`
	EventType   string     `db:"event_type" json:"event_type"`
	Payload     []byte     `db:"payload" json:"payload"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	PublishedAt *time.Time `db:"published_at" json:"published_at,omitempty"`
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
