package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"storefront/internal/models"
	"storefront/internal/pricing"
	"storefront/internal/store"
	"storefront/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CartService handles cart mutations. Every call names the owner explicitly
// ("user:<id>" or "session:<token>"); stock is only consulted, never changed.
type CartService struct {
	store   store.Store
	guard   *InventoryGuard
	pricing *pricing.Engine
	clock   func() time.Time
	logger  *zap.Logger
}

// NewCartService creates a new cart service
func NewCartService(st store.Store, guard *InventoryGuard, engine *pricing.Engine) *CartService {
	return &CartService{
		store:   st,
		guard:   guard,
		pricing: engine,
		clock:   time.Now,
		logger:  util.GetLogger(),
	}
}

// CartSummary is the current content of an owner's active cart.
type CartSummary struct {
	Cart      *models.Cart      `json:"cart,omitempty"`
	Lines     []models.CartLine `json:"lines"`
	Subtotal  int64             `json:"subtotal"`
	ItemCount int               `json:"item_count"`
}

// CartQuote is a summary priced for display.
type CartQuote struct {
	*CartSummary
	Quote       pricing.Quote `json:"quote"`
	CouponError string        `json:"coupon_error,omitempty"`
}

// AddItem adds qty of a product to the owner's active cart, creating the cart on first use.
// An existing line is incremented. The resulting quantity is clamped to the known stock.
func (s *CartService) AddItem(ctx context.Context, owner string, productID int64, qty int) (*CartSummary, error) {
	ctx, span := util.StartSpan(ctx, "CartService.AddItem")
	defer span.End()

	if qty < 1 {
		return nil, ErrInvalidQuantity
	}

	var summary *CartSummary
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		product, err := tx.GetProduct(ctx, productID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && !product.Active) {
			return fmt.Errorf("%w: %d", ErrProductNotFound, productID)
		}
		if err != nil {
			return err
		}

		cart, err := s.activeCart(ctx, tx, owner, true)
		if err != nil {
			return err
		}

		existing, err := tx.GetCartLineByProduct(ctx, cart.ID, productID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		want := qty
		if existing != nil {
			want += existing.Quantity
		}

		final, err := s.clampToStock(ctx, tx, productID, want)
		if err != nil {
			return err
		}

		if existing != nil {
			err = tx.UpdateCartLineQuantity(ctx, existing.ID, final)
		} else {
			err = tx.InsertCartLine(ctx, &models.CartLine{
				CartID:      cart.ID,
				ProductID:   product.ID,
				ProductName: product.Name,
				Quantity:    final,
				UnitPrice:   product.Price,
			})
		}
		if err != nil {
			return fmt.Errorf("failed to save cart line: %w", err)
		}
		if err := tx.TouchCart(ctx, cart.ID); err != nil {
			return err
		}

		summary, err = s.summarize(ctx, tx, cart.ID)
		return err
	})
	s.count("add", err)
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// SetQuantity replaces a line's quantity. A quantity of zero or less removes the line.
func (s *CartService) SetQuantity(ctx context.Context, owner string, lineID int64, qty int) (*CartSummary, error) {
	ctx, span := util.StartSpan(ctx, "CartService.SetQuantity")
	defer span.End()

	var summary *CartSummary
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		cart, line, err := s.ownedLine(ctx, tx, owner, lineID)
		if err != nil {
			return err
		}

		if qty <= 0 {
			if err := tx.DeleteCartLine(ctx, line.ID); err != nil {
				return err
			}
		} else {
			final, err := s.clampToStock(ctx, tx, line.ProductID, qty)
			if err != nil {
				return err
			}
			if err := tx.UpdateCartLineQuantity(ctx, line.ID, final); err != nil {
				return err
			}
		}
		if err := tx.TouchCart(ctx, cart.ID); err != nil {
			return err
		}

		summary, err = s.summarize(ctx, tx, cart.ID)
		return err
	})
	s.count("set_quantity", err)
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// RemoveItem deletes a line from the owner's active cart.
func (s *CartService) RemoveItem(ctx context.Context, owner string, lineID int64) (*CartSummary, error) {
	ctx, span := util.StartSpan(ctx, "CartService.RemoveItem")
	defer span.End()

	var summary *CartSummary
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		cart, line, err := s.ownedLine(ctx, tx, owner, lineID)
		if err != nil {
			return err
		}
		if err := tx.DeleteCartLine(ctx, line.ID); err != nil {
			return err
		}
		if err := tx.TouchCart(ctx, cart.ID); err != nil {
			return err
		}

		summary, err = s.summarize(ctx, tx, cart.ID)
		return err
	})
	s.count("remove", err)
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// GetSummary returns the owner's active cart. An owner without one gets an empty summary.
func (s *CartService) GetSummary(ctx context.Context, owner string) (*CartSummary, error) {
	ctx, span := util.StartSpan(ctx, "CartService.GetSummary")
	defer span.End()

	var summary *CartSummary
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		cart, err := s.activeCart(ctx, tx, owner, false)
		if errors.Is(err, ErrCartNotFound) || errors.Is(err, ErrCartNotActive) {
			summary = &CartSummary{Lines: []models.CartLine{}}
			return nil
		}
		if err != nil {
			return err
		}
		summary, err = s.summarize(ctx, tx, cart.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// Quote prices the owner's cart for display. An unusable coupon does not fail the quote; it is
// reported in CouponError and left out of the totals.
func (s *CartService) Quote(ctx context.Context, owner, couponCode string) (*CartQuote, error) {
	summary, err := s.GetSummary(ctx, owner)
	if err != nil {
		return nil, err
	}

	out := &CartQuote{CartSummary: summary}
	now := s.clock()

	var coupon *models.Coupon
	if code := strings.TrimSpace(couponCode); code != "" {
		err := s.store.WithinTx(ctx, func(tx store.Tx) error {
			c, err := tx.GetCoupon(ctx, code)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			coupon = c
			return nil
		})
		if err != nil {
			return nil, err
		}
		if _, err := s.pricing.ApplyCoupon(summary.Subtotal, coupon, now); err != nil {
			out.CouponError = err.Error()
			coupon = nil
		}
	}

	out.Quote, err = s.pricing.Quote(summary.Subtotal, coupon, now)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *CartService) activeCart(ctx context.Context, tx store.Tx, owner string, create bool) (*models.Cart, error) {
	if owner == "" {
		return nil, ErrCartNotFound
	}

	cart, err := tx.GetActiveCartByOwner(ctx, owner)
	if err == nil {
		return lockActive(ctx, tx, cart.ID)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if !create {
		return nil, ErrCartNotFound
	}

	cart = &models.Cart{
		ID:       uuid.New().String(),
		OwnerRef: owner,
		Status:   models.CartStatusActive,
	}
	err = tx.CreateCart(ctx, cart)
	if errors.Is(err, store.ErrConflict) {
		// a concurrent first add created it
		existing, err := tx.GetActiveCartByOwner(ctx, owner)
		if err != nil {
			return nil, fmt.Errorf("failed to load active cart: %w", err)
		}
		return lockActive(ctx, tx, existing.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create cart: %w", err)
	}
	s.logger.Info("Cart created", zap.String("cart_id", cart.ID), zap.String("owner", owner))
	return cart, nil
}

// lockActive locks the cart and re-checks its status, since a checkout may have converted it
// between lookup and lock.
func lockActive(ctx context.Context, tx store.Tx, cartID string) (*models.Cart, error) {
	cart, err := tx.LockCart(ctx, cartID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrCartNotFound
	}
	if err != nil {
		return nil, err
	}
	if cart.Status != models.CartStatusActive {
		return nil, ErrCartNotActive
	}
	return cart, nil
}

func (s *CartService) ownedLine(ctx context.Context, tx store.Tx, owner string, lineID int64) (*models.Cart, *models.CartLine, error) {
	cart, err := s.activeCart(ctx, tx, owner, false)
	if errors.Is(err, ErrCartNotFound) {
		return nil, nil, ErrCartLineNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	line, err := tx.GetCartLine(ctx, cart.ID, lineID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrCartLineNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return cart, line, nil
}

// clampToStock bounds want to [1, known stock]. Nothing in stock at all is a conflict.
func (s *CartService) clampToStock(ctx context.Context, tx store.Tx, productID int64, want int) (int, error) {
	known, err := s.guard.KnownStock(ctx, tx, productID)
	if err != nil {
		return 0, err
	}
	if known < 1 {
		return 0, &InsufficientStockError{ProductID: productID, Available: known, Requested: want}
	}
	if want > known {
		s.logger.Info("Cart quantity clamped to stock",
			zap.Int64("product_id", productID),
			zap.Int("requested", want),
			zap.Int("available", known))
		return known, nil
	}
	if want < 1 {
		return 1, nil
	}
	return want, nil
}

func (s *CartService) summarize(ctx context.Context, tx store.Tx, cartID string) (*CartSummary, error) {
	cart, err := tx.GetCart(ctx, cartID)
	if err != nil {
		return nil, err
	}
	lines, err := tx.ListCartLines(ctx, cartID)
	if err != nil {
		return nil, err
	}

	summary := &CartSummary{Cart: cart, Lines: lines}
	for _, l := range lines {
		summary.Subtotal += l.Subtotal()
		summary.ItemCount += l.Quantity
	}
	return summary, nil
}

func (s *CartService) count(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	util.CartOperationsTotal.WithLabelValues(op, result).Inc()
}
