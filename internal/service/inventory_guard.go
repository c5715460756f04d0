package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"storefront/internal/models"
	"storefront/internal/store"
	"storefront/internal/util"

	"go.uber.org/zap"
)

// StockLine is one product quantity to reserve.
type StockLine struct {
	ProductID int64
	Quantity  int
}

// InventoryGuard performs the authoritative stock checks. It never opens its own transaction:
// callers pass the one their unit of work runs in.
type InventoryGuard struct {
	cache  StockCache
	logger *zap.Logger
}

// NewInventoryGuard creates a new inventory guard. cache may be nil.
func NewInventoryGuard(cache StockCache) *InventoryGuard {
	return &InventoryGuard{
		cache:  cache,
		logger: util.GetLogger(),
	}
}

// ReserveAndDecrement locks every product row, checks all quantities, then decrements all of
// them. Any shortfall returns *InsufficientStockError and nothing is applied; the caller's
// transaction must roll back on error.
func (g *InventoryGuard) ReserveAndDecrement(ctx context.Context, tx store.Tx, lines []StockLine) error {
	ctx, span := util.StartSpan(ctx, "InventoryGuard.ReserveAndDecrement")
	defer span.End()

	start := time.Now()
	defer func() {
		util.StockDecrementLatency.Observe(time.Since(start).Seconds())
	}()

	needed := make(map[int64]int, len(lines))
	for _, l := range lines {
		if l.Quantity < 1 {
			return fmt.Errorf("%w: product %d", ErrInvalidQuantity, l.ProductID)
		}
		needed[l.ProductID] += l.Quantity
	}
	ids := make([]int64, 0, len(needed))
	for id := range needed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	available, err := tx.LockInventory(ctx, ids)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if available[id] < needed[id] {
			util.InsufficientStockTotal.Inc()
			return &InsufficientStockError{ProductID: id, Available: available[id], Requested: needed[id]}
		}
	}

	for _, id := range ids {
		ok, err := tx.DecrementStock(ctx, id, needed[id])
		if err != nil {
			return err
		}
		if !ok {
			util.InsufficientStockTotal.Inc()
			return &InsufficientStockError{ProductID: id, Available: available[id], Requested: needed[id]}
		}
	}

	return nil
}

// Release returns an order's stock once. It reports whether stock was actually returned.
func (g *InventoryGuard) Release(ctx context.Context, tx store.Tx, order *models.Order, lines []models.OrderLine) (bool, error) {
	if order.StockReleased {
		return false, nil
	}

	for _, l := range lines {
		if err := tx.IncrementStock(ctx, l.ProductID, l.Quantity); err != nil {
			return false, fmt.Errorf("failed to release stock for product %d: %w", l.ProductID, err)
		}
	}
	if err := tx.MarkStockReleased(ctx, order.ID); err != nil {
		return false, err
	}
	order.StockReleased = true

	g.logger.Info("Stock released",
		zap.String("order_number", order.OrderNumber),
		zap.Int("lines", len(lines)))
	return true, nil
}

// KnownStock is the soft stock figure used when adding to a cart: the cached level when there
// is one, otherwise the inventory row read inside tx.
func (g *InventoryGuard) KnownStock(ctx context.Context, tx store.Tx, productID int64) (int, error) {
	if g.cache != nil {
		available, ok, err := g.cache.GetStock(ctx, productID)
		if err != nil {
			g.logger.Warn("Stock cache read failed, falling back to DB",
				zap.Int64("product_id", productID),
				zap.Error(err))
		} else if ok {
			return available, nil
		}
	}

	inv, err := tx.GetInventory(ctx, productID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return inv.Available, nil
}

// RefreshCache applies committed stock deltas to the cache. Failures only log; the next sync
// repairs drift.
func (g *InventoryGuard) RefreshCache(ctx context.Context, deltas map[int64]int) {
	if g.cache == nil {
		return
	}
	for id, delta := range deltas {
		if err := g.cache.AdjustStock(ctx, id, delta); err != nil {
			g.logger.Warn("Failed to refresh stock cache",
				zap.Int64("product_id", id),
				zap.Int("delta", delta),
				zap.Error(err))
		}
	}
}

// SyncInventoryToCache copies every inventory row into the cache
func (g *InventoryGuard) SyncInventoryToCache(ctx context.Context, st store.Store) error {
	if g.cache == nil {
		return nil
	}
	g.logger.Info("Starting inventory sync to Redis")

	levels := make(map[int64]int)
	err := st.WithinTx(ctx, func(tx store.Tx) error {
		products, err := tx.ListProducts(ctx)
		if err != nil {
			return fmt.Errorf("failed to get products: %w", err)
		}
		for _, product := range products {
			inv, err := tx.GetInventory(ctx, product.ID)
			if err != nil {
				g.logger.Error("Failed to get inventory",
					zap.Int64("product_id", product.ID),
					zap.Error(err))
				continue
			}
			levels[product.ID] = inv.Available
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := g.cache.SyncStock(ctx, levels); err != nil {
		return fmt.Errorf("failed to sync stock cache: %w", err)
	}

	g.logger.Info("Inventory sync completed", zap.Int("count", len(levels)))
	return nil
}
