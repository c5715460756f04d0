package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"storefront/internal/models"
	"storefront/internal/pricing"
	"storefront/internal/redisclient"
	"storefront/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pid := f.st.SeedProduct("SKU-1", "Kettle", 10000, 5)

	summary, err := f.carts.AddItem(ctx, "session:abc", pid, 2)
	require.NoError(t, err)
	require.Len(t, summary.Lines, 1)
	assert.Equal(t, "session:abc", summary.Cart.OwnerRef)

	summary, err = f.carts.AddItem(ctx, "session:abc", pid, 1)
	require.NoError(t, err)
	require.Len(t, summary.Lines, 1, "same product increments the existing line")
	assert.Equal(t, 3, summary.Lines[0].Quantity)
	assert.Equal(t, int64(30000), summary.Subtotal)
	assert.Equal(t, 3, summary.ItemCount)

	summary, err = f.carts.AddItem(ctx, "session:abc", pid, 10)
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Lines[0].Quantity, "clamped to stock")

	// carts only consult stock
	assert.Equal(t, 5, f.st.Available(pid))
}

func TestAddItem_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	soldOut := f.st.SeedProduct("SKU-0", "Sold out", 500, 0)

	_, err := f.carts.AddItem(ctx, "user:1", 999, 1)
	assert.ErrorIs(t, err, ErrProductNotFound)

	_, err = f.carts.AddItem(ctx, "user:1", soldOut, 0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = f.carts.AddItem(ctx, "user:1", soldOut, 1)
	var stockErr *InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, soldOut, stockErr.ProductID)
}

func TestSetQuantityAndRemove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	kettle := f.st.SeedProduct("SKU-1", "Kettle", 10000, 5)
	mug := f.st.SeedProduct("SKU-2", "Mug", 1500, 50)

	_, err := f.carts.AddItem(ctx, "user:1", kettle, 1)
	require.NoError(t, err)
	summary, err := f.carts.AddItem(ctx, "user:1", mug, 4)
	require.NoError(t, err)
	require.Len(t, summary.Lines, 2)
	kettleLine, mugLine := summary.Lines[0].ID, summary.Lines[1].ID

	summary, err = f.carts.SetQuantity(ctx, "user:1", kettleLine, 9)
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Lines[0].Quantity)

	// another owner cannot see the line
	_, err = f.carts.SetQuantity(ctx, "user:2", kettleLine, 1)
	assert.ErrorIs(t, err, ErrCartLineNotFound)

	summary, err = f.carts.SetQuantity(ctx, "user:1", mugLine, 0)
	require.NoError(t, err)
	require.Len(t, summary.Lines, 1)

	summary, err = f.carts.RemoveItem(ctx, "user:1", kettleLine)
	require.NoError(t, err)
	assert.Empty(t, summary.Lines)
	assert.Zero(t, summary.Subtotal)

	_, err = f.carts.RemoveItem(ctx, "user:1", kettleLine)
	assert.ErrorIs(t, err, ErrCartLineNotFound)
}

func TestCartQuote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pid := f.st.SeedProduct("SKU-1", "Kettle", 10000, 10)
	expired := time.Now().Add(-time.Hour)
	f.st.SeedCoupon(models.Coupon{Code: "FIVE", Kind: models.CouponKindFixed, Value: 500})
	f.st.SeedCoupon(models.Coupon{Code: "OLD", Kind: models.CouponKindFixed, Value: 500, ExpiresAt: &expired})

	empty, err := f.carts.Quote(ctx, "user:1", "")
	require.NoError(t, err)
	assert.Zero(t, empty.Quote.Total)

	_, err = f.carts.AddItem(ctx, "user:1", pid, 1)
	require.NoError(t, err)

	q, err := f.carts.Quote(ctx, "user:1", "FIVE")
	require.NoError(t, err)
	assert.Empty(t, q.CouponError)
	assert.Equal(t, int64(500), q.Quote.Discount)
	// 9500 + 5000 shipping + 1425 tax
	assert.Equal(t, int64(15925), q.Quote.Total)

	q, err = f.carts.Quote(ctx, "user:1", "OLD")
	require.NoError(t, err)
	assert.NotEmpty(t, q.CouponError)
	assert.Zero(t, q.Quote.Discount)
	assert.Equal(t, int64(16500), q.Quote.Total)
}

func newRedisGuard(t *testing.T) (*redisclient.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return redisclient.NewFromRedis(rdb), mr
}

func TestRedisStockCacheAndCheckoutLock(t *testing.T) {
	ctx := context.Background()
	rc, _ := newRedisGuard(t)
	st := store.NewMemoryStore()
	pid := st.SeedProduct("SKU-1", "Kettle", 10000, 10)

	engine, err := pricing.NewEngine(5000, 50000, "0.15")
	require.NoError(t, err)
	guard := NewInventoryGuard(rc)
	require.NoError(t, guard.SyncInventoryToCache(ctx, st))

	carts := NewCartService(st, guard, engine)
	orders := NewOrderService(st, engine, guard, rc, time.Minute)

	// known stock comes from the cache
	require.NoError(t, rc.SetStock(ctx, pid, 3))
	summary, err := carts.AddItem(ctx, "user:1", pid, 5)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Lines[0].Quantity)

	token, ok, err := rc.AcquireLock(ctx, "checkout:"+summary.Cart.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	req := &CheckoutRequest{Owner: "user:1", ShippingAddressRef: "a", PaymentMethod: "card", AttemptToken: "t1"}
	_, _, err = orders.CreateOrder(ctx, req)
	assert.ErrorIs(t, err, ErrCheckoutInProgress)
	assert.Equal(t, 10, st.Available(pid))

	require.NoError(t, rc.ReleaseLock(ctx, "checkout:"+summary.Cart.ID, token))

	_, _, err = orders.CreateOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 7, st.Available(pid))

	cached, ok, err := rc.GetStock(ctx, pid)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, cached)

	// the lock was released after checkout
	_, ok, err = rc.AcquireLock(ctx, "checkout:"+summary.Cart.ID, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

// staleCartStore replays what a read-committed lookup can return while another transaction
// commits: a cart that is no longer active, or no cart even though one was just created.
type staleCartStore struct {
	*store.MemoryStore

	mu       sync.Mutex
	stale    *models.Cart
	hideOnce bool
}

func (s *staleCartStore) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.MemoryStore.WithinTx(ctx, func(tx store.Tx) error {
		return fn(&staleCartTx{Tx: tx, s: s})
	})
}

type staleCartTx struct {
	store.Tx
	s *staleCartStore
}

func (t *staleCartTx) GetActiveCartByOwner(ctx context.Context, ownerRef string) (*models.Cart, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.s.hideOnce {
		t.s.hideOnce = false
		return nil, store.ErrNotFound
	}
	if t.s.stale != nil && t.s.stale.OwnerRef == ownerRef {
		c := *t.s.stale
		return &c, nil
	}
	return t.Tx.GetActiveCartByOwner(ctx, ownerRef)
}

func TestCartMutations_TouchUpdatedAt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	kettle := f.st.SeedProduct("SKU-1", "Kettle", 10000, 5)
	mug := f.st.SeedProduct("SKU-2", "Mug", 1500, 50)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f.st.SetClock(func() time.Time { return now })

	summary, err := f.carts.AddItem(ctx, "user:1", kettle, 1)
	require.NoError(t, err)
	assert.Equal(t, now, summary.Cart.UpdatedAt)
	created := summary.Cart.CreatedAt

	now = now.Add(time.Minute)
	summary, err = f.carts.AddItem(ctx, "user:1", mug, 2)
	require.NoError(t, err)
	assert.Equal(t, now, summary.Cart.UpdatedAt)
	mugLine := summary.Lines[1].ID

	now = now.Add(time.Minute)
	summary, err = f.carts.SetQuantity(ctx, "user:1", mugLine, 3)
	require.NoError(t, err)
	assert.Equal(t, now, summary.Cart.UpdatedAt)

	now = now.Add(time.Minute)
	summary, err = f.carts.RemoveItem(ctx, "user:1", mugLine)
	require.NoError(t, err)
	assert.Equal(t, now, summary.Cart.UpdatedAt)
	assert.Equal(t, created, summary.Cart.CreatedAt)
	assert.True(t, summary.Cart.UpdatedAt.After(created))
}

func TestCartMutations_RefuseConvertedCart(t *testing.T) {
	mem := store.NewMemoryStore()
	stale := &staleCartStore{MemoryStore: mem}
	f := newFixtureWithStore(t, mem, stale)
	ctx := context.Background()
	pid := mem.SeedProduct("SKU-1", "Kettle", 10000, 10)

	details := f.checkout(t, "user:1", pid, 2)
	cartID := details.Order.CartID

	var converted *models.Cart
	var lines []models.CartLine
	require.NoError(t, mem.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		if converted, err = tx.GetCart(ctx, cartID); err != nil {
			return err
		}
		lines, err = tx.ListCartLines(ctx, cartID)
		return err
	}))
	require.Equal(t, models.CartStatusConverted, converted.Status)
	require.Len(t, lines, 1)

	// the lookup still sees the cart as it was before checkout committed
	before := *converted
	before.Status = models.CartStatusActive
	stale.stale = &before

	_, err := f.carts.AddItem(ctx, "user:1", pid, 2)
	assert.ErrorIs(t, err, ErrCartNotActive)
	_, err = f.carts.SetQuantity(ctx, "user:1", lines[0].ID, 5)
	assert.ErrorIs(t, err, ErrCartNotActive)
	_, err = f.carts.RemoveItem(ctx, "user:1", lines[0].ID)
	assert.ErrorIs(t, err, ErrCartNotActive)

	summary, err := f.carts.GetSummary(ctx, "user:1")
	require.NoError(t, err)
	assert.Nil(t, summary.Cart)

	require.NoError(t, mem.WithinTx(ctx, func(tx store.Tx) error {
		after, err := tx.ListCartLines(ctx, cartID)
		require.Len(t, after, 1)
		assert.Equal(t, 2, after[0].Quantity)
		return err
	}))

	// once the lookup catches up, the owner gets a fresh cart
	stale.stale = nil
	summary, err = f.carts.AddItem(ctx, "user:1", pid, 1)
	require.NoError(t, err)
	assert.NotEqual(t, cartID, summary.Cart.ID)
}

func TestAddItem_ConcurrentFirstAddReusesCart(t *testing.T) {
	mem := store.NewMemoryStore()
	stale := &staleCartStore{MemoryStore: mem}
	f := newFixtureWithStore(t, mem, stale)
	ctx := context.Background()
	pid := mem.SeedProduct("SKU-1", "Kettle", 10000, 10)

	first, err := f.carts.AddItem(ctx, "session:abc", pid, 1)
	require.NoError(t, err)

	// this add did not see the cart the other request created
	stale.hideOnce = true
	second, err := f.carts.AddItem(ctx, "session:abc", pid, 2)
	require.NoError(t, err)
	assert.Equal(t, first.Cart.ID, second.Cart.ID)
	require.Len(t, second.Lines, 1)
	assert.Equal(t, 3, second.Lines[0].Quantity)
}
