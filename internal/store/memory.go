package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"storefront/internal/models"
)

// MemoryStore keeps everything in process. Transactions are serialized behind one mutex and
// run against a copy of the state that replaces the original only on success.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData
	now  func() time.Time
}

type memData struct {
	seq           int64
	products      map[int64]models.Product
	inventory     map[int64]models.Inventory
	coupons       map[string]models.Coupon
	carts         map[string]models.Cart
	cartLines     map[int64]models.CartLine
	orders        map[int64]models.Order
	orderLines    map[int64][]models.OrderLine
	changes       []models.StatusChange
	notifications []models.PaymentNotification
	outbox        []models.OutboxEvent
	processed     map[string]models.ProcessedEvent
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: &memData{
			products:   make(map[int64]models.Product),
			inventory:  make(map[int64]models.Inventory),
			coupons:    make(map[string]models.Coupon),
			carts:      make(map[string]models.Cart),
			cartLines:  make(map[int64]models.CartLine),
			orders:     make(map[int64]models.Order),
			orderLines: make(map[int64][]models.OrderLine),
			processed:  make(map[string]models.ProcessedEvent),
		},
		now: time.Now,
	}
}

// SetClock overrides the timestamp source. Used by tests that age orders.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SeedProduct adds a product with its starting stock and returns its ID.
func (s *MemoryStore) SeedProduct(sku, name string, price int64, available int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.seq++
	id := s.data.seq
	now := s.now()
	s.data.products[id] = models.Product{ID: id, SKU: sku, Name: name, Price: price, Active: true, CreatedAt: now}
	s.data.inventory[id] = models.Inventory{ProductID: id, Available: available, UpdatedAt: now}
	return id
}

// SeedCoupon adds or replaces a coupon.
func (s *MemoryStore) SeedCoupon(c models.Coupon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.coupons[c.Code] = c
}

// Available returns the current stock of a product.
func (s *MemoryStore) Available(productID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.inventory[productID].Available
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.data.clone()
	if err := fn(&memTx{d: work, now: s.now}); err != nil {
		return err
	}
	s.data = work
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStore) Close() error { return nil }

func (d *memData) clone() *memData {
	c := &memData{
		seq:           d.seq,
		products:      make(map[int64]models.Product, len(d.products)),
		inventory:     make(map[int64]models.Inventory, len(d.inventory)),
		coupons:       make(map[string]models.Coupon, len(d.coupons)),
		carts:         make(map[string]models.Cart, len(d.carts)),
		cartLines:     make(map[int64]models.CartLine, len(d.cartLines)),
		orders:        make(map[int64]models.Order, len(d.orders)),
		orderLines:    make(map[int64][]models.OrderLine, len(d.orderLines)),
		changes:       append([]models.StatusChange(nil), d.changes...),
		notifications: append([]models.PaymentNotification(nil), d.notifications...),
		outbox:        append([]models.OutboxEvent(nil), d.outbox...),
		processed:     make(map[string]models.ProcessedEvent, len(d.processed)),
	}
	for k, v := range d.products {
		c.products[k] = v
	}
	for k, v := range d.inventory {
		c.inventory[k] = v
	}
	for k, v := range d.coupons {
		c.coupons[k] = v
	}
	for k, v := range d.carts {
		c.carts[k] = v
	}
	for k, v := range d.cartLines {
		c.cartLines[k] = v
	}
	for k, v := range d.orders {
		c.orders[k] = v
	}
	for k, v := range d.orderLines {
		c.orderLines[k] = append([]models.OrderLine(nil), v...)
	}
	for k, v := range d.processed {
		c.processed[k] = v
	}
	return c
}

type memTx struct {
	d   *memData
	now func() time.Time
}

var _ Tx = (*memTx)(nil)

func (t *memTx) nextID() int64 {
	t.d.seq++
	return t.d.seq
}

func (t *memTx) CreateCart(_ context.Context, cart *models.Cart) error {
	if _, ok := t.d.carts[cart.ID]; ok {
		return fmt.Errorf("cart %s already exists", cart.ID)
	}
	if cart.Status == models.CartStatusActive {
		for _, c := range t.d.carts {
			if c.OwnerRef == cart.OwnerRef && c.Status == models.CartStatusActive {
				return fmt.Errorf("%w: owner %s already has an active cart", ErrConflict, cart.OwnerRef)
			}
		}
	}
	now := t.now()
	cart.CreatedAt, cart.UpdatedAt = now, now
	t.d.carts[cart.ID] = *cart
	return nil
}

func (t *memTx) GetCart(_ context.Context, cartID string) (*models.Cart, error) {
	c, ok := t.d.carts[cartID]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (t *memTx) GetActiveCartByOwner(_ context.Context, ownerRef string) (*models.Cart, error) {
	for _, c := range t.d.carts {
		if c.OwnerRef == ownerRef && c.Status == models.CartStatusActive {
			c := c
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) LockCart(ctx context.Context, cartID string) (*models.Cart, error) {
	return t.GetCart(ctx, cartID)
}

func (t *memTx) UpdateCartStatus(_ context.Context, cartID, status string) error {
	c, ok := t.d.carts[cartID]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = t.now()
	t.d.carts[cartID] = c
	return nil
}

func (t *memTx) TouchCart(_ context.Context, cartID string) error {
	c, ok := t.d.carts[cartID]
	if !ok {
		return ErrNotFound
	}
	c.UpdatedAt = t.now()
	t.d.carts[cartID] = c
	return nil
}

func (t *memTx) ListCartLines(_ context.Context, cartID string) ([]models.CartLine, error) {
	lines := []models.CartLine{}
	for _, l := range t.d.cartLines {
		if l.CartID == cartID {
			lines = append(lines, l)
		}
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ID < lines[j].ID })
	return lines, nil
}

func (t *memTx) GetCartLine(_ context.Context, cartID string, lineID int64) (*models.CartLine, error) {
	l, ok := t.d.cartLines[lineID]
	if !ok || l.CartID != cartID {
		return nil, ErrNotFound
	}
	return &l, nil
}

func (t *memTx) GetCartLineByProduct(_ context.Context, cartID string, productID int64) (*models.CartLine, error) {
	for _, l := range t.d.cartLines {
		if l.CartID == cartID && l.ProductID == productID {
			l := l
			return &l, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) InsertCartLine(ctx context.Context, line *models.CartLine) error {
	if _, err := t.GetCartLineByProduct(ctx, line.CartID, line.ProductID); err == nil {
		return fmt.Errorf("cart %s already has a line for product %d", line.CartID, line.ProductID)
	}
	line.ID = t.nextID()
	line.CreatedAt = t.now()
	t.d.cartLines[line.ID] = *line
	return nil
}

func (t *memTx) UpdateCartLineQuantity(_ context.Context, lineID int64, quantity int) error {
	l, ok := t.d.cartLines[lineID]
	if !ok {
		return ErrNotFound
	}
	l.Quantity = quantity
	t.d.cartLines[lineID] = l
	return nil
}

func (t *memTx) DeleteCartLine(_ context.Context, lineID int64) error {
	if _, ok := t.d.cartLines[lineID]; !ok {
		return ErrNotFound
	}
	delete(t.d.cartLines, lineID)
	return nil
}

func (t *memTx) GetProduct(_ context.Context, productID int64) (*models.Product, error) {
	p, ok := t.d.products[productID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (t *memTx) ListProducts(_ context.Context) ([]models.Product, error) {
	products := make([]models.Product, 0, len(t.d.products))
	for _, p := range t.d.products {
		products = append(products, p)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

func (t *memTx) GetInventory(_ context.Context, productID int64) (*models.Inventory, error) {
	inv, ok := t.d.inventory[productID]
	if !ok {
		return nil, ErrNotFound
	}
	return &inv, nil
}

func (t *memTx) LockInventory(_ context.Context, productIDs []int64) (map[int64]int, error) {
	available := make(map[int64]int, len(productIDs))
	for _, id := range productIDs {
		if inv, ok := t.d.inventory[id]; ok {
			available[id] = inv.Available
		}
	}
	return available, nil
}

func (t *memTx) DecrementStock(_ context.Context, productID int64, quantity int) (bool, error) {
	inv, ok := t.d.inventory[productID]
	if !ok || inv.Available < quantity {
		return false, nil
	}
	inv.Available -= quantity
	inv.UpdatedAt = t.now()
	t.d.inventory[productID] = inv
	return true, nil
}

func (t *memTx) IncrementStock(_ context.Context, productID int64, quantity int) error {
	inv, ok := t.d.inventory[productID]
	if !ok {
		return ErrNotFound
	}
	inv.Available += quantity
	inv.UpdatedAt = t.now()
	t.d.inventory[productID] = inv
	return nil
}

func (t *memTx) GetCoupon(_ context.Context, code string) (*models.Coupon, error) {
	c, ok := t.d.coupons[code]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (t *memTx) RedeemCoupon(_ context.Context, code string) (bool, error) {
	c, ok := t.d.coupons[code]
	if !ok || (c.MaxUses > 0 && c.Used >= c.MaxUses) {
		return false, nil
	}
	c.Used++
	t.d.coupons[code] = c
	return true, nil
}

func (t *memTx) InsertOrder(_ context.Context, order *models.Order) error {
	for _, o := range t.d.orders {
		if o.OrderNumber == order.OrderNumber {
			return fmt.Errorf("order number %s already exists", order.OrderNumber)
		}
		if o.IdempotencyKey == order.IdempotencyKey {
			return fmt.Errorf("idempotency key %s already used", order.IdempotencyKey)
		}
	}
	order.ID = t.nextID()
	now := t.now()
	order.CreatedAt, order.UpdatedAt = now, now
	t.d.orders[order.ID] = *order
	return nil
}

func (t *memTx) InsertOrderLines(_ context.Context, orderID int64, lines []models.OrderLine) error {
	if _, ok := t.d.orders[orderID]; !ok {
		return ErrNotFound
	}
	for i := range lines {
		lines[i].ID = t.nextID()
		lines[i].OrderID = orderID
	}
	t.d.orderLines[orderID] = append(t.d.orderLines[orderID], lines...)
	return nil
}

func (t *memTx) findOrder(match func(models.Order) bool) (*models.Order, error) {
	for _, o := range t.d.orders {
		if match(o) {
			o := o
			return &o, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) GetOrderByNumber(_ context.Context, orderNumber string) (*models.Order, error) {
	return t.findOrder(func(o models.Order) bool { return o.OrderNumber == orderNumber })
}

func (t *memTx) GetOrderByIdempotencyKey(_ context.Context, key string) (*models.Order, error) {
	return t.findOrder(func(o models.Order) bool { return o.IdempotencyKey == key })
}

func (t *memTx) LockOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	return t.GetOrderByNumber(ctx, orderNumber)
}

func (t *memTx) ListOrderLines(_ context.Context, orderID int64) ([]models.OrderLine, error) {
	return append([]models.OrderLine{}, t.d.orderLines[orderID]...), nil
}

func (t *memTx) sortedOrders(keep func(models.Order) bool) []models.Order {
	orders := []models.Order{}
	for _, o := range t.d.orders {
		if keep(o) {
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders
}

func (t *memTx) ListOrders(_ context.Context, filter OrderFilter) ([]models.Order, error) {
	orders := t.sortedOrders(func(o models.Order) bool {
		return (filter.Status == "" || o.Status == filter.Status) &&
			(filter.OwnerRef == "" || o.OwnerRef == filter.OwnerRef)
	})
	// newest first
	for i, j := 0, len(orders)-1; i < j; i, j = i+1, j-1 {
		orders[i], orders[j] = orders[j], orders[i]
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if filter.Offset >= len(orders) {
		return []models.Order{}, nil
	}
	orders = orders[filter.Offset:]
	if len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (t *memTx) ListStalePendingOrders(_ context.Context, createdBefore time.Time, limit int) ([]models.Order, error) {
	orders := t.sortedOrders(func(o models.Order) bool {
		return o.Status == models.OrderStatusPendingPayment &&
			o.PaymentStatus == models.PaymentStatusUnpaid &&
			o.CreatedAt.Before(createdBefore)
	})
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (t *memTx) updateOrder(orderID int64, fn func(o *models.Order)) error {
	o, ok := t.d.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	fn(&o)
	o.UpdatedAt = t.now()
	t.d.orders[orderID] = o
	return nil
}

func (t *memTx) UpdateOrderState(_ context.Context, orderID int64, status, paymentStatus string) error {
	return t.updateOrder(orderID, func(o *models.Order) {
		o.Status = status
		o.PaymentStatus = paymentStatus
	})
}

func (t *memTx) MarkStockReleased(_ context.Context, orderID int64) error {
	return t.updateOrder(orderID, func(o *models.Order) { o.StockReleased = true })
}

func (t *memTx) FlagForReview(_ context.Context, orderID int64, reason string) error {
	return t.updateOrder(orderID, func(o *models.Order) {
		o.ReviewRequired = true
		o.ReviewReason = reason
	})
}

func (t *memTx) InsertStatusChange(_ context.Context, change *models.StatusChange) error {
	change.ID = t.nextID()
	change.CreatedAt = t.now()
	t.d.changes = append(t.d.changes, *change)
	return nil
}

func (t *memTx) ListStatusChanges(_ context.Context, orderID int64) ([]models.StatusChange, error) {
	changes := []models.StatusChange{}
	for _, c := range t.d.changes {
		if c.OrderID == orderID {
			changes = append(changes, c)
		}
	}
	return changes, nil
}

func (t *memTx) InsertNotification(_ context.Context, n *models.PaymentNotification) (bool, error) {
	if n.SignatureValid {
		for _, existing := range t.d.notifications {
			if existing.SignatureValid &&
				existing.SourceNotificationID == n.SourceNotificationID &&
				existing.ReportedStatus == n.ReportedStatus {
				return false, nil
			}
		}
	}
	n.ID = t.nextID()
	n.ReceivedAt = t.now()
	t.d.notifications = append(t.d.notifications, *n)
	return true, nil
}

func (t *memTx) ListNotifications(_ context.Context, orderNumber string) ([]models.PaymentNotification, error) {
	out := []models.PaymentNotification{}
	for _, n := range t.d.notifications {
		if n.OrderNumber == orderNumber {
			out = append(out, n)
		}
	}
	return out, nil
}

func (t *memTx) EnqueueEvent(_ context.Context, event *models.OutboxEvent) error {
	event.CreatedAt = t.now()
	t.d.outbox = append(t.d.outbox, *event)
	return nil
}

func (t *memTx) ListUnpublishedEvents(_ context.Context, limit int) ([]models.OutboxEvent, error) {
	events := []models.OutboxEvent{}
	for _, e := range t.d.outbox {
		if e.PublishedAt != nil {
			continue
		}
		events = append(events, e)
		if limit > 0 && len(events) == limit {
			break
		}
	}
	return events, nil
}

func (t *memTx) MarkEventPublished(_ context.Context, eventID string) error {
	for i := range t.d.outbox {
		if t.d.outbox[i].ID == eventID {
			now := t.now()
			t.d.outbox[i].PublishedAt = &now
			return nil
		}
	}
	return ErrNotFound
}

func (t *memTx) MarkEventProcessed(_ context.Context, eventID, eventType string) (bool, error) {
	if _, ok := t.d.processed[eventID]; ok {
		return false, nil
	}
	t.d.processed[eventID] = models.ProcessedEvent{EventID: eventID, EventType: eventType, ProcessedAt: t.now()}
	return true, nil
}
