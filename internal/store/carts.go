package store

import (
	"context"
	"errors"
	"fmt"

	"storefront/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const cartColumns = "id, owner_ref, status, created_at, updated_at"

// CreateCart inserts a new cart. Another active cart for the same owner yields ErrConflict
// without aborting the transaction.
func (t *pgTx) CreateCart(ctx context.Context, cart *models.Cart) error {
	query := `
		INSERT INTO carts (id, owner_ref, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_ref) WHERE status = 'active' DO NOTHING
		RETURNING created_at, updated_at`

	err := t.get(ctx, cart, query, cart.ID, cart.OwnerRef, cart.Status)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: owner %s already has an active cart", ErrConflict, cart.OwnerRef)
	}
	return err
}

// GetCart retrieves a cart by ID
func (t *pgTx) GetCart(ctx context.Context, cartID string) (*models.Cart, error) {
	var cart models.Cart
	if err := t.get(ctx, &cart, "SELECT "+cartColumns+" FROM carts WHERE id = $1", cartID); err != nil {
		return nil, err
	}
	return &cart, nil
}

func (t *pgTx) GetActiveCartByOwner(ctx context.Context, ownerRef string) (*models.Cart, error) {
	var cart models.Cart
	err := t.get(ctx, &cart,
		"SELECT "+cartColumns+" FROM carts WHERE owner_ref = $1 AND status = $2",
		ownerRef, models.CartStatusActive)
	if err != nil {
		return nil, err
	}
	return &cart, nil
}

// LockCart retrieves a cart holding its row lock
func (t *pgTx) LockCart(ctx context.Context, cartID string) (*models.Cart, error) {
	var cart models.Cart
	if err := t.get(ctx, &cart, "SELECT "+cartColumns+" FROM carts WHERE id = $1 FOR UPDATE", cartID); err != nil {
		return nil, err
	}
	return &cart, nil
}

func (t *pgTx) UpdateCartStatus(ctx context.Context, cartID, status string) error {
	return t.execOne(ctx,
		"UPDATE carts SET status = $1, updated_at = NOW() WHERE id = $2", status, cartID)
}

func (t *pgTx) TouchCart(ctx context.Context, cartID string) error {
	return t.execOne(ctx, "UPDATE carts SET updated_at = NOW() WHERE id = $1", cartID)
}

// ListCartLines retrieves all lines of a cart in insertion order
func (t *pgTx) ListCartLines(ctx context.Context, cartID string) ([]models.CartLine, error) {
	lines := []models.CartLine{}
	err := sqlx.SelectContext(ctx, t.q, &lines,
		"SELECT * FROM cart_lines WHERE cart_id = $1 ORDER BY id", cartID)
	return lines, err
}

func (t *pgTx) GetCartLine(ctx context.Context, cartID string, lineID int64) (*models.CartLine, error) {
	var line models.CartLine
	if err := t.get(ctx, &line, "SELECT * FROM cart_lines WHERE cart_id = $1 AND id = $2", cartID, lineID); err != nil {
		return nil, err
	}
	return &line, nil
}

func (t *pgTx) GetCartLineByProduct(ctx context.Context, cartID string, productID int64) (*models.CartLine, error) {
	var line models.CartLine
	err := t.get(ctx, &line,
		"SELECT * FROM cart_lines WHERE cart_id = $1 AND product_id = $2", cartID, productID)
	if err != nil {
		return nil, err
	}
	return &line, nil
}

// InsertCartLine creates a new cart line
func (t *pgTx) InsertCartLine(ctx context.Context, line *models.CartLine) error {
	query := `
		INSERT INTO cart_lines (cart_id, product_id, product_name, quantity, unit_price)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	return sqlx.GetContext(ctx, t.q, line, query,
		line.CartID, line.ProductID, line.ProductName, line.Quantity, line.UnitPrice)
}

func (t *pgTx) UpdateCartLineQuantity(ctx context.Context, lineID int64, quantity int) error {
	return t.execOne(ctx, "UPDATE cart_lines SET quantity = $1 WHERE id = $2", quantity, lineID)
}

func (t *pgTx) DeleteCartLine(ctx context.Context, lineID int64) error {
	return t.execOne(ctx, "DELETE FROM cart_lines WHERE id = $1", lineID)
}

// GetProduct retrieves a product by ID
func (t *pgTx) GetProduct(ctx context.Context, productID int64) (*models.Product, error) {
	var product models.Product
	if err := t.get(ctx, &product, "SELECT * FROM products WHERE id = $1", productID); err != nil {
		return nil, err
	}
	return &product, nil
}

// ListProducts retrieves all products
func (t *pgTx) ListProducts(ctx context.Context) ([]models.Product, error) {
	products := []models.Product{}
	err := sqlx.SelectContext(ctx, t.q, &products, "SELECT * FROM products ORDER BY id")
	return products, err
}

// GetInventory retrieves inventory for a product
func (t *pgTx) GetInventory(ctx context.Context, productID int64) (*models.Inventory, error) {
	var inv models.Inventory
	if err := t.get(ctx, &inv, "SELECT * FROM inventory WHERE product_id = $1", productID); err != nil {
		return nil, err
	}
	return &inv, nil
}

// LockInventory locks stock rows in a fixed order so concurrent checkouts never deadlock
func (t *pgTx) LockInventory(ctx context.Context, productIDs []int64) (map[int64]int, error) {
	var rows []models.Inventory
	err := sqlx.SelectContext(ctx, t.q, &rows,
		"SELECT * FROM inventory WHERE product_id = ANY($1) ORDER BY product_id FOR UPDATE",
		pq.Array(productIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to lock inventory: %w", err)
	}

	available := make(map[int64]int, len(rows))
	for _, r := range rows {
		available[r.ProductID] = r.Available
	}
	return available, nil
}

func (t *pgTx) DecrementStock(ctx context.Context, productID int64, quantity int) (bool, error) {
	n, err := t.exec(ctx,
		"UPDATE inventory SET available = available - $1, updated_at = NOW() WHERE product_id = $2 AND available >= $1",
		quantity, productID)
	if err != nil {
		return false, fmt.Errorf("failed to decrement stock: %w", err)
	}
	return n == 1, nil
}

// IncrementStock returns stock (compensation)
func (t *pgTx) IncrementStock(ctx context.Context, productID int64, quantity int) error {
	return t.execOne(ctx,
		"UPDATE inventory SET available = available + $1, updated_at = NOW() WHERE product_id = $2",
		quantity, productID)
}

func (t *pgTx) GetCoupon(ctx context.Context, code string) (*models.Coupon, error) {
	var coupon models.Coupon
	if err := t.get(ctx, &coupon, "SELECT * FROM coupons WHERE code = $1", code); err != nil {
		return nil, err
	}
	return &coupon, nil
}

func (t *pgTx) RedeemCoupon(ctx context.Context, code string) (bool, error) {
	n, err := t.exec(ctx,
		"UPDATE coupons SET used = used + 1 WHERE code = $1 AND (max_uses = 0 OR used < max_uses)", code)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
